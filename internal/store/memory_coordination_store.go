package store

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type memoryEntry struct {
	data    []byte
	version int64
}

// memoryWatcher queues events without bound and hands them to ch in order from its
// own goroutine, so a slow reader never loses events or stalls writers.
type memoryWatcher struct {
	path   string
	ch     chan Event
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	queued []Event
}

func newMemoryWatcher(p string) *memoryWatcher {
	w := &memoryWatcher{
		path: p,
		ch:   make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *memoryWatcher) push(ev Event) {
	w.mu.Lock()
	w.queued = append(w.queued, ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *memoryWatcher) pump() {
	defer close(w.ch)
	for {
		select {
		case <-w.wake:
		case <-w.done:
			return
		}

		for {
			w.mu.Lock()
			if len(w.queued) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queued[0]
			w.queued[0] = Event{}
			w.queued = w.queued[1:]
			w.mu.Unlock()

			select {
			case w.ch <- ev:
			case <-w.done:
				return
			}
		}
	}
}

// MemoryCoordinationStore implements CoordinationStore in process. It backs
// single-host deployments and tests.
type MemoryCoordinationStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	watchers map[*memoryWatcher]struct{}
	closed   bool
	logger   *zap.Logger
}

// NewMemoryCoordinationStore creates an empty store
func NewMemoryCoordinationStore(logger *zap.Logger) *MemoryCoordinationStore {
	return &MemoryCoordinationStore{
		entries:  make(map[string]memoryEntry),
		watchers: make(map[*memoryWatcher]struct{}),
		logger:   logger,
	}
}

// Create writes a new path
func (s *MemoryCoordinationStore) Create(ctx context.Context, p string, data []byte) error {
	p = path.Clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[p]; ok {
		return ErrNodeExists
	}
	s.entries[p] = memoryEntry{data: clone(data)}
	s.notifyLocked(Event{Path: p, Type: EventCreated, Data: clone(data)})
	return nil
}

// Set overwrites an existing path
func (s *MemoryCoordinationStore) Set(ctx context.Context, p string, data []byte, version int64) (int64, error) {
	p = path.Clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	entry, ok := s.entries[p]
	if !ok {
		return 0, ErrNotFound
	}
	if version != AnyVersion && version != entry.version {
		return 0, ErrBadVersion
	}
	entry = memoryEntry{data: clone(data), version: entry.version + 1}
	s.entries[p] = entry
	s.notifyLocked(Event{Path: p, Type: EventChanged, Data: clone(data), Version: entry.version})
	return entry.version, nil
}

// Get reads a path
func (s *MemoryCoordinationStore) Get(ctx context.Context, p string) ([]byte, int64, error) {
	p = path.Clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, ErrClosed
	}
	entry, ok := s.entries[p]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return clone(entry.data), entry.version, nil
}

// Exists reports whether a path is present
func (s *MemoryCoordinationStore) Exists(ctx context.Context, p string) (bool, error) {
	p = path.Clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.entries[p]
	return ok, nil
}

// Delete removes a path
func (s *MemoryCoordinationStore) Delete(ctx context.Context, p string, version int64) error {
	p = path.Clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	entry, ok := s.entries[p]
	if !ok {
		return ErrNotFound
	}
	if version != AnyVersion && version != entry.version {
		return ErrBadVersion
	}
	delete(s.entries, p)
	s.notifyLocked(Event{Path: p, Type: EventDeleted, Version: entry.version})
	return nil
}

// Children lists direct children of a path
func (s *MemoryCoordinationStore) Children(ctx context.Context, p string) ([]string, error) {
	prefix := strings.TrimSuffix(path.Clean(p), "/") + "/"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	var children []string
	for key := range s.entries {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		children = append(children, rest)
	}
	sort.Strings(children)
	return children, nil
}

// Watch registers a watch on a path
func (s *MemoryCoordinationStore) Watch(ctx context.Context, p string) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	w := newMemoryWatcher(path.Clean(p))
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
			return
		}
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		w.stop()
	}()

	return w.ch, nil
}

// Ping checks the store is open
func (s *MemoryCoordinationStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close closes every watch channel and rejects further operations
func (s *MemoryCoordinationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		w.stop()
	}
	s.watchers = make(map[*memoryWatcher]struct{})
	return nil
}

// notifyLocked queues ev for every watcher of its path. It never blocks.
func (s *MemoryCoordinationStore) notifyLocked(ev Event) {
	for w := range s.watchers {
		if w.path == ev.Path {
			w.push(ev)
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
