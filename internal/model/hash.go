package model

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strconv"
)

// Hash is a position on the ring: the 128-bit MD5 digest of a key or node address.
// Hashes order as big-endian unsigned integers.
type Hash [md5.Size]byte

// ringSize is 2^128, the number of positions on the ring.
var ringSize = new(big.Int).Lsh(big.NewInt(1), 8*md5.Size)

// HashKey hashes a client key onto the ring.
func HashKey(key string) Hash {
	return Hash(md5.Sum([]byte(key)))
}

// HashAddress hashes a node's host:port onto the ring.
func HashAddress(host string, port int) Hash {
	return HashKey(net.JoinHostPort(host, strconv.Itoa(port)))
}

// ParseHash parses the 32 character hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Compare returns -1, 0 or +1 as h is less than, equal to or greater than other.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return h.Compare(other) < 0
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Int returns the hash as an unsigned integer.
func (h Hash) Int() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashRange is the half-open interval (Start, End] of ring positions, wrapping past
// the largest hash. Start == End covers the whole ring.
type HashRange struct {
	Start Hash
	End   Hash
}

// NewHashRange returns a range value suitable for assigning to a Node.
func NewHashRange(start, end Hash) *HashRange {
	return &HashRange{Start: start, End: end}
}

// Whole reports whether the range covers every position.
func (r HashRange) Whole() bool {
	return r.Start == r.End
}

// Contains reports whether h falls inside (Start, End].
func (r HashRange) Contains(h Hash) bool {
	switch c := r.Start.Compare(r.End); {
	case c == 0:
		return true
	case c < 0:
		return h.Compare(r.Start) > 0 && h.Compare(r.End) <= 0
	default:
		return h.Compare(r.Start) > 0 || h.Compare(r.End) <= 0
	}
}

// Size returns the number of ring positions covered by the range.
func (r HashRange) Size() *big.Int {
	if r.Whole() {
		return new(big.Int).Set(ringSize)
	}
	size := new(big.Int).Sub(r.End.Int(), r.Start.Int())
	if size.Sign() < 0 {
		size.Add(size, ringSize)
	}
	return size
}

// Share returns the fraction of the ring covered by the range.
func (r HashRange) Share() float64 {
	share, _ := new(big.Rat).SetFrac(r.Size(), ringSize).Float64()
	return share
}

func (r HashRange) String() string {
	return fmt.Sprintf("(%s, %s]", r.Start, r.End)
}

// RingSize returns 2^128.
func RingSize() *big.Int {
	return new(big.Int).Set(ringSize)
}
