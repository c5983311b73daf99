package store

import (
	"context"
	"errors"

	"github.com/devrev/kvring/internal/model"
)

var (
	// ErrNotFound is returned when a path or record does not exist
	ErrNotFound = errors.New("not found")
	// ErrNodeExists is returned by Create when the path is already present
	ErrNodeExists = errors.New("node already exists")
	// ErrBadVersion is returned when a conditional write sees a different version
	ErrBadVersion = errors.New("version mismatch")
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("coordination store closed")
)

// AnyVersion disables the version check of Set and Delete.
const AnyVersion int64 = -1

// EventType classifies a watch notification
type EventType string

const (
	EventCreated EventType = "created"
	EventChanged EventType = "changed"
	EventDeleted EventType = "deleted"
)

// Event is delivered to watchers of a path. Data is the payload after the change
// and is empty for EventDeleted.
type Event struct {
	Path    string    `json:"path"`
	Type    EventType `json:"type"`
	Data    []byte    `json:"data,omitempty"`
	Version int64     `json:"version"`
}

// CoordinationStore is a hierarchical key-value namespace with versioned writes and
// persistent per-path watches.
type CoordinationStore interface {
	// Create writes a new path. Parents need not exist.
	Create(ctx context.Context, path string, data []byte) error
	// Set overwrites an existing path if its version matches (or version is AnyVersion)
	// and returns the new version.
	Set(ctx context.Context, path string, data []byte, version int64) (int64, error)
	Get(ctx context.Context, path string) ([]byte, int64, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string, version int64) error
	// Children lists the names of the direct children of path, sorted.
	Children(ctx context.Context, path string) ([]string, error)
	// Watch registers a watch on path before returning. Events are delivered until ctx
	// is done or the store is closed, then the channel is closed.
	Watch(ctx context.Context, path string) (<-chan Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Upsert writes data to path whether or not it exists.
func Upsert(ctx context.Context, s CoordinationStore, path string, data []byte) error {
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.Set(ctx, path, data, AnyVersion)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		err = s.Create(ctx, path, data)
		if err == nil || !errors.Is(err, ErrNodeExists) {
			return err
		}
		// Lost a race with another creator; overwrite on the next pass.
	}
	return ErrBadVersion
}

// EventStore is the durable membership event log and ring snapshot archive
type EventStore interface {
	RecordEvent(ctx context.Context, event model.MembershipEvent) error
	ListEvents(ctx context.Context, limit int) ([]model.MembershipEvent, error)
	ArchiveSnapshot(ctx context.Context, snapshot model.RingSnapshot) error
	// LatestSnapshot returns ErrNotFound when nothing has been archived.
	LatestSnapshot(ctx context.Context) (model.RingSnapshot, error)
	Ping(ctx context.Context) error
	Close()
}
