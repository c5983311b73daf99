package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the schema version written into every ring snapshot.
const SnapshotVersion = 1

// NodeRecord is the serialized form of one active node inside a ring snapshot
type NodeRecord struct {
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	Hash           Hash      `json:"hash"`
	RangeStart     string    `json:"range_start"`
	RangeEnd       string    `json:"range_end"`
	State          NodeState `json:"state"`
	CacheSize      int       `json:"cache_size"`
	EvictionPolicy string    `json:"eviction_policy"`
}

// RingSnapshot is the serialized list of active nodes, in hash order.
type RingSnapshot struct {
	Version int          `json:"version"`
	Nodes   []NodeRecord `json:"nodes"`
}

// RecordOf converts a node into its snapshot form.
func RecordOf(n Node) NodeRecord {
	rec := NodeRecord{
		Name:           n.Name,
		Host:           n.Host,
		Port:           n.Port,
		Hash:           n.Hash,
		State:          n.State,
		CacheSize:      n.CacheSize,
		EvictionPolicy: n.EvictionPolicy,
	}
	if n.Range != nil {
		rec.RangeStart = n.Range.Start.String()
		rec.RangeEnd = n.Range.End.String()
	}
	return rec
}

// Node converts a snapshot record back into a node.
func (r NodeRecord) Node() (Node, error) {
	rng, err := parseRange(r.RangeStart, r.RangeEnd)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", r.Name, err)
	}
	state := r.State
	if state == "" {
		state = StateStopped
	}
	if _, err := ParseNodeState(string(state)); err != nil {
		return Node{}, fmt.Errorf("node %s: %w", r.Name, err)
	}
	if HashAddress(r.Host, r.Port) != r.Hash {
		return Node{}, fmt.Errorf("node %s: hash does not match %s:%d", r.Name, r.Host, r.Port)
	}
	return Node{
		Name:           r.Name,
		Host:           r.Host,
		Port:           r.Port,
		Hash:           r.Hash,
		Range:          rng,
		State:          state,
		CacheSize:      r.CacheSize,
		EvictionPolicy: r.EvictionPolicy,
	}, nil
}

// Encode returns the JSON form of the snapshot.
func (s RingSnapshot) Encode() ([]byte, error) {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Nodes == nil {
		s.Nodes = []NodeRecord{}
	}
	return json.Marshal(s)
}

// DecodeRingSnapshot parses a snapshot. Empty input decodes to an empty snapshot.
func DecodeRingSnapshot(data []byte) (RingSnapshot, error) {
	var s RingSnapshot
	if len(data) == 0 {
		return RingSnapshot{Version: SnapshotVersion}, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode ring snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return s, fmt.Errorf("unsupported ring snapshot version %d", s.Version)
	}
	return s, nil
}

// MembershipEvent is an entry of the coordinator's membership event log
type MembershipEvent struct {
	ID        string
	Operation Operation
	NodeName  string
	State     NodeState
	Range     *HashRange
	At        time.Time
}
