package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/algorithm"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/store"
)

// RecordApplier consumes this server's metadata record
type RecordApplier interface {
	Apply(rec model.MetadataRecord)
}

// ReplicaReconciler reacts to ring changes
type ReplicaReconciler interface {
	Update(ctx context.Context, ring *algorithm.HashRing) error
}

// MetadataWatcher follows the server's own metadata record and the ring snapshot in
// the coordination store and pushes changes into the serving path and the replication
// manager.
type MetadataWatcher struct {
	self       string
	coord      store.CoordinationStore
	paths      store.Paths
	applier    RecordApplier
	reconciler ReplicaReconciler
	onShutdown func()
	logger     *zap.Logger

	ring     atomic.Pointer[algorithm.HashRing]
	shutdown atomic.Bool

	// applied holds the last applied version per path. Only Run touches it.
	applied map[string]int64
}

// NewMetadataWatcher creates a watcher. onShutdown, if set, runs once when the record
// reaches SHUT_DOWN.
func NewMetadataWatcher(
	self string,
	coord store.CoordinationStore,
	paths store.Paths,
	applier RecordApplier,
	reconciler ReplicaReconciler,
	onShutdown func(),
	logger *zap.Logger,
) *MetadataWatcher {
	w := &MetadataWatcher{
		self:       self,
		coord:      coord,
		paths:      paths,
		applier:    applier,
		reconciler: reconciler,
		onShutdown: onShutdown,
		logger:     logger.With(zap.String("component", "metadata_watcher")),
		applied:    make(map[string]int64),
	}
	w.ring.Store(algorithm.NewHashRing())
	return w
}

// Ring returns the last ring observed. The returned ring must not be modified.
func (w *MetadataWatcher) Ring() *algorithm.HashRing {
	return w.ring.Load()
}

// Run applies the current record and ring, then follows changes until ctx ends.
func (w *MetadataWatcher) Run(ctx context.Context) error {
	recordPath := w.paths.Server(w.self)
	ringPath := w.paths.Metadata()

	records, err := w.coord.Watch(ctx, recordPath)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", recordPath, err)
	}
	rings, err := w.coord.Watch(ctx, ringPath)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", ringPath, err)
	}

	if err := w.sync(ctx, ringPath, w.applyRing); err != nil {
		return err
	}
	if err := w.sync(ctx, recordPath, w.applyRecord); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-records:
			if !ok {
				return nil
			}
			if w.fresh(ev) {
				w.applyRecord(ctx, ev.Data)
			}
		case ev, ok := <-rings:
			if !ok {
				return nil
			}
			if w.fresh(ev) {
				w.applyRing(ctx, ev.Data)
			}
		}
	}
}

func (w *MetadataWatcher) sync(ctx context.Context, p string, apply func(context.Context, []byte)) error {
	data, version, err := w.coord.Get(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p, err)
	}
	w.applied[p] = version
	apply(ctx, data)
	return nil
}

// fresh reports whether ev should be applied and records its version. Events at or
// below the last applied version of their path are stale redeliveries or reorderings.
// A delete forgets the path, since a recreated path restarts its versions.
func (w *MetadataWatcher) fresh(ev store.Event) bool {
	if ev.Type == store.EventDeleted {
		delete(w.applied, ev.Path)
		return false
	}
	if last, ok := w.applied[ev.Path]; ok && ev.Version <= last {
		w.logger.Debug("Dropping stale watch event",
			zap.String("path", ev.Path),
			zap.Int64("version", ev.Version),
			zap.Int64("applied", last))
		return false
	}
	w.applied[ev.Path] = ev.Version
	return true
}

func (w *MetadataWatcher) applyRecord(ctx context.Context, data []byte) {
	rec, err := model.DecodeMetadataRecord(data)
	if err != nil {
		w.logger.Warn("Ignoring malformed metadata record",
			zap.ByteString("payload", data),
			zap.Error(err))
		return
	}

	w.applier.Apply(rec)

	if rec.State == model.StateShutDown && w.shutdown.CompareAndSwap(false, true) {
		w.logger.Info("Server record reached SHUT_DOWN")
		if w.onShutdown != nil {
			w.onShutdown()
		}
	}
}

func (w *MetadataWatcher) applyRing(ctx context.Context, data []byte) {
	snap, err := model.DecodeRingSnapshot(data)
	if err != nil {
		w.logger.Warn("Ignoring malformed ring snapshot", zap.Error(err))
		return
	}
	ring, err := algorithm.FromSnapshot(snap)
	if err != nil {
		w.logger.Warn("Ignoring inconsistent ring snapshot", zap.Error(err))
		return
	}

	w.ring.Store(ring)
	w.logger.Debug("Ring updated", zap.Int("nodes", ring.Size()))

	if err := w.reconciler.Update(ctx, ring); err != nil {
		w.logger.Warn("Replica set only partially connected", zap.Error(err))
	}
}
