package store

import (
	"context"
	"sync"

	"github.com/devrev/kvring/internal/model"
)

// MemoryEventStore implements EventStore in process. Used when no database is configured.
type MemoryEventStore struct {
	mu        sync.Mutex
	events    []model.MembershipEvent
	snapshots []model.RingSnapshot
	retain    int
}

// NewMemoryEventStore keeps at most retain events and snapshots (0 keeps everything).
func NewMemoryEventStore(retain int) *MemoryEventStore {
	return &MemoryEventStore{retain: retain}
}

// RecordEvent appends a membership event
func (s *MemoryEventStore) RecordEvent(ctx context.Context, event model.MembershipEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.retain > 0 && len(s.events) > s.retain {
		s.events = s.events[len(s.events)-s.retain:]
	}
	return nil
}

// ListEvents returns the most recent events, newest first
func (s *MemoryEventStore) ListEvents(ctx context.Context, limit int) ([]model.MembershipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.MembershipEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// ArchiveSnapshot stores a ring snapshot
func (s *MemoryEventStore) ArchiveSnapshot(ctx context.Context, snapshot model.RingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	if s.retain > 0 && len(s.snapshots) > s.retain {
		s.snapshots = s.snapshots[len(s.snapshots)-s.retain:]
	}
	return nil
}

// LatestSnapshot returns the most recently archived snapshot
func (s *MemoryEventStore) LatestSnapshot(ctx context.Context) (model.RingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return model.RingSnapshot{}, ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

// Ping always succeeds
func (s *MemoryEventStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryEventStore) Close() {}
