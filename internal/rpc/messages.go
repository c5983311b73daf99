package rpc

import "github.com/devrev/kvring/internal/engine"

// PutRequest stores a value under a key on the responsible server
type PutRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// DeleteRequest removes a key on the responsible server
type DeleteRequest struct {
	Key string `json:"key"`
}

// WriteResponse carries the LSN assigned to an accepted write and whether every
// replica acknowledged it
type WriteResponse struct {
	LSN        uint64 `json:"lsn"`
	Replicated bool   `json:"replicated"`
}

// GetRequest reads a key
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse returns the value of a key, if present
type GetResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// ReplicateRequest forwards one write from the owning server to a replica
type ReplicateRequest struct {
	Source   string       `json:"source"`
	LSN      uint64       `json:"lsn"`
	Write    engine.Write `json:"write"`
	Recovery bool         `json:"recovery,omitempty"`
}

// CommitRequest advances a replica's commit watermark
type CommitRequest struct {
	Source string `json:"source"`
	LSN    uint64 `json:"lsn"`
}

// Ack acknowledges a replication call
type Ack struct {
	LSN uint64 `json:"lsn"`
}

// ImportBatch is one chunk of a range transfer stream
type ImportBatch struct {
	Source  string         `json:"source"`
	Entries []engine.Entry `json:"entries"`
}

// ImportResponse closes a range transfer stream
type ImportResponse struct {
	Imported int `json:"imported"`
}
