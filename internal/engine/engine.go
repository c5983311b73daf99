package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/devrev/kvring/internal/model"
)

// ErrKeyNotFound is returned by Get for absent or deleted keys
var ErrKeyNotFound = errors.New("key not found")

// Write is a single mutation. Delete writes carry no value.
type Write struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// Entry is a stored key with its ring position
type Entry struct {
	Key   string     `json:"key"`
	Hash  model.Hash `json:"hash"`
	Value []byte     `json:"value"`
}

// Engine is the local key-value store of a storage server.
type Engine interface {
	// ApplyLocalWrite applies a write received from a client.
	ApplyLocalWrite(ctx context.Context, w Write) error
	// AcceptReplicatedWrite applies a write forwarded by the owning server.
	AcceptReplicatedWrite(ctx context.Context, w Write) error
	Get(ctx context.Context, key string) ([]byte, error)
	// DeleteRange drops every key whose hash falls in rng and returns the count.
	DeleteRange(ctx context.Context, rng model.HashRange) (int, error)
	// ExportRange returns every key whose hash falls in rng, in hash order.
	ExportRange(ctx context.Context, rng model.HashRange) ([]Entry, error)
	ImportRange(ctx context.Context, entries []Entry) error
	Len() int
}

func lessEntry(a, b Entry) bool {
	if c := a.Hash.Compare(b.Hash); c != 0 {
		return c < 0
	}
	return a.Key < b.Key
}

// MemoryEngine keeps entries in a B-tree ordered by key hash, so range operations
// walk only the affected span.
type MemoryEngine struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Entry]
}

// NewMemoryEngine creates an empty engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tree: btree.NewG(16, lessEntry)}
}

// ApplyLocalWrite applies a client write
func (e *MemoryEngine) ApplyLocalWrite(ctx context.Context, w Write) error {
	return e.apply(w)
}

// AcceptReplicatedWrite applies a forwarded write
func (e *MemoryEngine) AcceptReplicatedWrite(ctx context.Context, w Write) error {
	return e.apply(w)
}

func (e *MemoryEngine) apply(w Write) error {
	if w.Key == "" {
		return errors.New("empty key")
	}
	item := Entry{Key: w.Key, Hash: model.HashKey(w.Key)}

	e.mu.Lock()
	defer e.mu.Unlock()

	if w.Delete {
		e.tree.Delete(item)
		return nil
	}
	item.Value = append([]byte(nil), w.Value...)
	e.tree.ReplaceOrInsert(item)
	return nil
}

// Get reads a key
func (e *MemoryEngine) Get(ctx context.Context, key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	item, ok := e.tree.Get(Entry{Key: key, Hash: model.HashKey(key)})
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), item.Value...), nil
}

// DeleteRange drops a hash range
func (e *MemoryEngine) DeleteRange(ctx context.Context, rng model.HashRange) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	victims := e.collect(rng)
	for _, item := range victims {
		e.tree.Delete(item)
	}
	return len(victims), nil
}

// ExportRange copies a hash range
func (e *MemoryEngine) ExportRange(ctx context.Context, rng model.HashRange) ([]Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entries := e.collect(rng)
	for i := range entries {
		entries[i].Value = append([]byte(nil), entries[i].Value...)
	}
	return entries, nil
}

// ImportRange stores entries received from another server
func (e *MemoryEngine) ImportRange(ctx context.Context, entries []Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, item := range entries {
		item.Hash = model.HashKey(item.Key)
		item.Value = append([]byte(nil), item.Value...)
		e.tree.ReplaceOrInsert(item)
	}
	return nil
}

// Len returns the number of stored keys
func (e *MemoryEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tree.Len()
}

// collect walks (Start, End], splitting a wrapping range at the top of the ring.
func (e *MemoryEngine) collect(rng model.HashRange) []Entry {
	var out []Entry
	visit := func(item Entry) bool {
		if rng.Contains(item.Hash) {
			out = append(out, item)
		}
		return true
	}

	if rng.Whole() || rng.End.Less(rng.Start) {
		e.tree.AscendGreaterOrEqual(Entry{Hash: rng.Start}, visit)
		e.tree.AscendLessThan(Entry{Hash: rng.Start}, visit)
		return out
	}

	e.tree.AscendGreaterOrEqual(Entry{Hash: rng.Start}, func(item Entry) bool {
		if rng.End.Less(item.Hash) {
			return false
		}
		return visit(item)
	})
	return out
}
