package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/algorithm"
	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/launcher"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/store"
)

// LifecycleConfig holds the tunables of the lifecycle coordinator
type LifecycleConfig struct {
	ReplicationFactor int
	AwaitTimeout      time.Duration
	AwaitInterval     time.Duration
}

// StartResult reports what Start did for each ring-active node
type StartResult struct {
	Started  []string
	Outcomes []kverrors.NodeOutcome
}

// RemoveResult reports what RemoveNodes did for each requested name
type RemoveResult struct {
	Removed  []string
	Skipped  []string
	Outcomes []kverrors.NodeOutcome
}

// LifecycleService owns the node pool and the hash ring and drives every membership
// change: provisioning, start, stop, shutdown and removal. All operations are
// serialized by a single mutex; the ring has no locking of its own.
type LifecycleService struct {
	mu sync.Mutex

	ring      *algorithm.HashRing
	available map[string]model.Node
	known     map[string]struct{}
	shutdown  bool

	coord     store.CoordinationStore
	events    store.EventStore
	paths     store.Paths
	transfers RangeTransferer
	launcher  launcher.Launcher
	cfg       LifecycleConfig
	metrics   *metrics.CoordinatorMetrics
	logger    *zap.Logger
}

// NewLifecycleService creates a coordinator over pool. Every pool node starts out
// available. events and m may be nil.
func NewLifecycleService(
	pool []model.Node,
	coord store.CoordinationStore,
	events store.EventStore,
	paths store.Paths,
	transfers RangeTransferer,
	l launcher.Launcher,
	cfg LifecycleConfig,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) (*LifecycleService, error) {
	if cfg.ReplicationFactor < 0 {
		return nil, kverrors.Configuration("replication factor must not be negative", nil)
	}
	if cfg.AwaitInterval <= 0 {
		cfg.AwaitInterval = 50 * time.Millisecond
	}

	s := &LifecycleService{
		ring:      algorithm.NewHashRing(),
		available: make(map[string]model.Node, len(pool)),
		known:     make(map[string]struct{}, len(pool)),
		coord:     coord,
		events:    events,
		paths:     paths,
		transfers: transfers,
		launcher:  l,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}

	for _, node := range pool {
		if _, dup := s.known[node.Name]; dup {
			return nil, kverrors.Configuration("duplicate node name in pool", fmt.Errorf("%s", node.Name))
		}
		node.State = model.StateStopped
		node.Range = nil
		s.available[node.Name] = node
		s.known[node.Name] = struct{}{}
	}

	s.updateMetricsLocked()
	return s, nil
}

// Provision places count randomly chosen idle pool nodes on the ring in state IDLE and
// waits until their metadata records are visible in the coordination store. A batch
// either completes or is rolled back: on any failure the nodes placed so far are taken
// off the ring again and returned to the pool.
func (s *LifecycleService) Provision(ctx context.Context, count, cacheSize int, evictionPolicy string) (nodes []model.Node, err error) {
	defer s.observe("provision", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, kverrors.ErrShutdown
	}
	if count <= 0 {
		return nil, kverrors.InvalidArgument("provision count must be positive", nil)
	}

	candidates := s.idleLocked()
	if len(candidates) < count {
		return nil, kverrors.ErrNoCapacity.Wrap(
			fmt.Errorf("requested %d, %d available", count, len(candidates)))
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	names, err := s.placeLocked(ctx, candidates[:count], cacheSize, evictionPolicy)
	if err == nil {
		err = s.publishRingLocked(ctx)
	}
	if err == nil {
		err = s.awaitNodes(ctx, names)
	}
	if err != nil {
		if rbErr := s.rollbackLocked(ctx, names); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		s.updateMetricsLocked()
		return nil, err
	}
	s.updateMetricsLocked()

	nodes = make([]model.Node, 0, len(names))
	for _, name := range names {
		node, _ := s.ring.NodeByName(name)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// placeLocked inserts candidates into the ring one by one and publishes their records.
// It returns the names placed so far even when it fails.
func (s *LifecycleService) placeLocked(ctx context.Context, candidates []model.Node, cacheSize int, evictionPolicy string) ([]string, error) {
	names := make([]string, 0, len(candidates))
	for _, node := range candidates {
		node.State = model.StateIdle
		node.CacheSize = cacheSize
		node.EvictionPolicy = evictionPolicy

		if err := s.ring.AddNode(node); err != nil {
			s.logger.Error("Failed to place node on ring, returning it to the pool",
				zap.String("node", node.Name),
				zap.String("hash", node.Hash.String()),
				zap.Error(err))
			if errors.Is(err, algorithm.ErrHashCollision) {
				return names, kverrors.ErrHashCollision.ForNode(node.Name, err)
			}
			return names, kverrors.Configuration("failed to place node on ring", err)
		}
		delete(s.available, node.Name)
		names = append(names, node.Name)

		placed, _ := s.ring.NodeByName(node.Name)
		if err := s.publishMetadataLocked(ctx, placed, model.OperationUpdate); err != nil {
			return names, err
		}
		// The successor gave up part of its range.
		if succ, ok := s.ring.NextNodeByName(node.Name); ok && succ.Name != node.Name {
			if err := s.publishMetadataLocked(ctx, succ, model.OperationUpdate); err != nil {
				return names, err
			}
		}

		s.logger.Info("Provisioned node",
			zap.String("node", node.Name),
			zap.String("range", placed.Range.String()),
			zap.Int("cache_size", cacheSize),
			zap.String("eviction_policy", evictionPolicy))
	}
	return names, nil
}

// rollbackLocked takes the named nodes off the ring in reverse placement order, which
// restores every successor's range, and returns them to the pool as STOPPED. Records
// and the ring are republished so storage servers see the restored layout.
func (s *LifecycleService) rollbackLocked(ctx context.Context, names []string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		node, ok := s.ring.NodeByName(names[i])
		if !ok {
			continue
		}
		vacated, err := s.ring.RemoveNode(node.Name)
		if err != nil {
			errs = append(errs, kverrors.InternalError("ring lost track of node", err))
			continue
		}

		node.State = model.StateStopped
		node.Range = nil
		s.available[node.Name] = node
		if err := s.publishMetadataLocked(ctx, node, model.OperationUpdate); err != nil {
			errs = append(errs, err)
		}
		if succ, ok := s.ring.NodeByHash(vacated.End); ok {
			if err := s.publishMetadataLocked(ctx, succ, model.OperationUpdate); err != nil {
				errs = append(errs, err)
			}
		}
		s.logger.Warn("Rolled back provisioned node", zap.String("node", node.Name))
	}

	if err := s.publishRingLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AddNode provisions exactly one node.
func (s *LifecycleService) AddNode(ctx context.Context, cacheSize int, evictionPolicy string) (model.Node, error) {
	nodes, err := s.Provision(ctx, 1, cacheSize, evictionPolicy)
	if err != nil {
		return model.Node{}, err
	}
	return nodes[0], nil
}

// Start launches every IDLE node on the ring and moves it to STARTED. Nodes in any other
// state are reported as illegal transitions and left alone. A launched node first
// receives its range from its successor when the successor is already serving; START is
// published only after that copy, so the node never accepts writes the copy could
// overwrite.
func (s *LifecycleService) Start(ctx context.Context) (result StartResult, err error) {
	defer s.observe("start", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return result, kverrors.ErrShutdown
	}

	outcomes := make(map[string]error)
	started := make(map[string]struct{})
	launched := make(map[string]struct{})
	var order []model.Node

	for _, node := range s.ring.Nodes() {
		if node.State != model.StateIdle {
			s.logger.Warn("Skipping start of node not in IDLE state",
				zap.String("node", node.Name),
				zap.String("state", string(node.State)))
			outcomes[node.Name] = kverrors.ErrIllegalTransition.ForNode(node.Name,
				fmt.Errorf("%s -> %s", node.State, model.StateStarted))
			continue
		}

		if err := s.launcher.Launch(ctx, node); err != nil {
			s.logger.Error("Failed to launch node",
				zap.String("node", node.Name),
				zap.Error(err))
			outcomes[node.Name] = kverrors.InternalError("launch failed", err)
			continue
		}
		launched[node.Name] = struct{}{}
		order = append(order, node)
	}

	for _, node := range order {
		var copyErr error
		succ, ok := s.ring.NextNodeByName(node.Name)
		_, fresh := launched[succ.Name]
		switch {
		case !ok || succ.Name == node.Name || node.Range == nil:
		case fresh || succ.State != model.StateStarted:
			s.logger.Debug("Successor holds no data for range, skipping copy",
				zap.String("node", node.Name),
				zap.String("successor", succ.Name))
		default:
			copyErr = s.moveRange(ctx, succ, node, *node.Range, s.cfg.ReplicationFactor == 0)
		}

		node, _ = s.ring.SetState(node.Name, model.StateStarted)
		if err := s.publishMetadataLocked(ctx, node, model.OperationStart); err != nil {
			return s.startResult(started, outcomes), err
		}
		started[node.Name] = struct{}{}
		outcomes[node.Name] = copyErr
		s.logger.Info("Started node", zap.String("node", node.Name))
	}

	if err := s.publishRingLocked(ctx); err != nil {
		return s.startResult(started, outcomes), err
	}
	s.updateMetricsLocked()

	return s.startResult(started, outcomes), nil
}

// startResult lists nodes in ring order.
func (s *LifecycleService) startResult(started map[string]struct{}, outcomes map[string]error) StartResult {
	var res StartResult
	for _, node := range s.ring.Nodes() {
		if _, ok := started[node.Name]; ok {
			res.Started = append(res.Started, node.Name)
		}
		if err, ok := outcomes[node.Name]; ok {
			res.Outcomes = append(res.Outcomes, kverrors.NodeOutcome{Name: node.Name, Err: err})
		}
	}
	return res
}

// moveRange copies rng from sender to receiver and, when drop is set, deletes it on the
// sender afterward. A copy that was not acknowledged leaves the sender untouched.
func (s *LifecycleService) moveRange(ctx context.Context, sender, receiver model.Node, rng model.HashRange, drop bool) error {
	ok, err := s.transfers.Copy(ctx, sender, receiver, rng)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Error("Range copy was not acknowledged",
			zap.String("sender", sender.Name),
			zap.String("receiver", receiver.Name),
			zap.String("range", rng.String()))
		return kverrors.ErrTransferTimeout.ForNode(sender.Name, nil)
	}
	if !drop {
		return nil
	}

	ok, err = s.transfers.Delete(ctx, sender, rng)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Error("Range delete was not acknowledged",
			zap.String("node", sender.Name),
			zap.String("range", rng.String()))
		return kverrors.ErrTransferTimeout.ForNode(sender.Name, nil)
	}
	return nil
}

// Stop moves every node on the ring to STOPPED. The ring layout is kept.
func (s *LifecycleService) Stop(ctx context.Context) (err error) {
	defer s.observe("stop", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return kverrors.ErrShutdown
	}

	for _, node := range s.ring.Nodes() {
		if node.State == model.StateShutDown {
			continue
		}
		node, _ = s.ring.SetState(node.Name, model.StateStopped)
		if err := s.publishMetadataLocked(ctx, node, model.OperationStop); err != nil {
			return err
		}
		s.logger.Info("Stopped node", zap.String("node", node.Name))
	}

	if err := s.publishRingLocked(ctx); err != nil {
		return err
	}
	s.updateMetricsLocked()
	return nil
}

// Shutdown retires every known node, empties the ring and closes the coordination
// store. Every later operation fails with ErrShutdown.
func (s *LifecycleService) Shutdown(ctx context.Context) (err error) {
	defer s.observe("shutdown", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return kverrors.ErrShutdown
	}

	var errs []error
	for _, node := range s.ring.Nodes() {
		node.State = model.StateShutDown
		if err := s.publishMetadataLocked(ctx, node, model.OperationShutdown); err != nil {
			errs = append(errs, err)
		}
		node.Range = nil
		s.available[node.Name] = node
	}
	for name, node := range s.available {
		node.State = model.StateShutDown
		s.available[name] = node
	}

	s.ring.Clear()
	if err := s.publishRingLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	s.shutdown = true
	s.updateMetricsLocked()

	if err := s.coord.Close(); err != nil {
		errs = append(errs, kverrors.Coordination("failed to close coordination store", err))
	}

	s.logger.Info("Cluster shut down", zap.Int("nodes", len(s.available)))
	return errors.Join(errs...)
}

// RemoveNodes takes the named nodes off the ring and returns them to the pool as
// STOPPED. A node that was serving hands its range to its successor first. Names
// already in the pool are skipped. The returned error is non-nil only when publishing
// to the coordination store failed; per-node problems are in the result.
func (s *LifecycleService) RemoveNodes(ctx context.Context, names []string) (result RemoveResult, err error) {
	defer s.observe("remove", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return result, kverrors.ErrShutdown
	}

	for _, name := range names {
		outcome := kverrors.NodeOutcome{Name: name}

		switch {
		case !s.isKnown(name):
			s.logger.Warn("Cannot remove unknown node", zap.String("node", name))
			outcome.Err = kverrors.ErrNotFound.ForNode(name, nil)

		case !s.ring.Contains(name):
			s.logger.Info("Node already in the available pool, nothing to remove",
				zap.String("node", name))
			result.Skipped = append(result.Skipped, name)

		default:
			o, err := s.removeLocked(ctx, name)
			if err != nil {
				return result, err
			}
			outcome = o
			result.Removed = append(result.Removed, name)
		}

		result.Outcomes = append(result.Outcomes, outcome)
	}

	if err := s.publishRingLocked(ctx); err != nil {
		return result, err
	}
	s.updateMetricsLocked()
	return result, nil
}

// removeLocked reports a failed hand-off in the outcome; the error return is reserved
// for publication failures.
func (s *LifecycleService) removeLocked(ctx context.Context, name string) (kverrors.NodeOutcome, error) {
	node, _ := s.ring.NodeByName(name)
	wasStarted := node.State == model.StateStarted
	if node.State != model.StateShutDown {
		node, _ = s.ring.SetState(name, model.StateStopped)
	}
	if err := s.publishMetadataLocked(ctx, node, model.OperationTransfer); err != nil {
		return kverrors.NodeOutcome{}, err
	}

	vacated, err := s.ring.RemoveNode(name)
	if err != nil {
		return kverrors.NodeOutcome{}, kverrors.InternalError("ring lost track of node", err)
	}

	var transferErr error
	if succ, ok := s.ring.NodeByHash(vacated.End); ok {
		if err := s.publishMetadataLocked(ctx, succ, model.OperationUpdate); err != nil {
			return kverrors.NodeOutcome{}, err
		}
		if wasStarted && succ.State == model.StateStarted {
			transferErr = s.moveRange(ctx, node, succ, vacated, false)
		}
	}

	node.Range = nil
	if node.State != model.StateShutDown {
		node.State = model.StateStopped
	}
	s.available[name] = node

	s.logger.Info("Removed node from ring",
		zap.String("node", name),
		zap.String("vacated", vacated.String()),
		zap.Bool("transferred", wasStarted && transferErr == nil))
	return kverrors.NodeOutcome{Name: name, Err: transferErr}, nil
}

// NodeByKey returns the node responsible for key.
func (s *LifecycleService) NodeByKey(key string) (model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.ring.NodeByKey(key)
	if !ok {
		return model.Node{}, kverrors.ErrEmptyRing
	}
	return node, nil
}

// Nodes returns the ring-active nodes by name.
func (s *LifecycleService) Nodes() map[string]model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make(map[string]model.Node, s.ring.Size())
	for _, node := range s.ring.Nodes() {
		nodes[node.Name] = node
	}
	return nodes
}

// Pool returns the nodes not on the ring, ordered by name.
func (s *LifecycleService) Pool() []model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := make([]model.Node, 0, len(s.available))
	for _, node := range s.available {
		pool = append(pool, node)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Name < pool[j].Name })
	return pool
}

// Ring returns the current ring snapshot.
func (s *LifecycleService) Ring() model.RingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Snapshot()
}

// Recover rebuilds the ring from the snapshot in the coordination store, falling back to
// the last snapshot archived in the event log. Recovered nodes leave the available pool.
func (s *LifecycleService) Recover(ctx context.Context) (err error) {
	defer s.observe("recover", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return kverrors.ErrShutdown
	}

	snap, fromArchive, err := s.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Nodes) == 0 {
		s.logger.Info("No ring to recover")
		return nil
	}

	ring, err := algorithm.FromSnapshot(snap)
	if err != nil {
		return kverrors.Configuration("stored ring snapshot is invalid", err)
	}

	for _, node := range ring.Nodes() {
		if !s.isKnown(node.Name) {
			s.logger.Warn("Recovered node is not in the configured pool",
				zap.String("node", node.Name),
				zap.String("address", node.Address()))
			s.known[node.Name] = struct{}{}
		}
		delete(s.available, node.Name)
	}
	s.ring = ring

	if fromArchive {
		if err := s.publishRingLocked(ctx); err != nil {
			return err
		}
	}
	s.updateMetricsLocked()

	s.logger.Info("Recovered ring",
		zap.Int("nodes", ring.Size()),
		zap.Bool("from_archive", fromArchive))
	return nil
}

func (s *LifecycleService) loadSnapshot(ctx context.Context) (model.RingSnapshot, bool, error) {
	data, _, err := s.coord.Get(ctx, s.paths.Metadata())
	switch {
	case err == nil:
		snap, err := model.DecodeRingSnapshot(data)
		if err != nil {
			return snap, false, kverrors.Configuration("stored ring snapshot is invalid", err)
		}
		if len(snap.Nodes) > 0 || s.events == nil {
			return snap, false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return model.RingSnapshot{}, false, kverrors.Coordination("failed to read ring snapshot", err)
	}

	if s.events == nil {
		return model.RingSnapshot{}, false, nil
	}
	snap, err := s.events.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return model.RingSnapshot{}, false, nil
	}
	if err != nil {
		return snap, false, kverrors.InternalError("failed to read archived ring snapshot", err)
	}
	return snap, true, nil
}

// Events returns the most recent membership events, newest first.
func (s *LifecycleService) Events(ctx context.Context, limit int) ([]model.MembershipEvent, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.ListEvents(ctx, limit)
}

// Ping checks the coordination store session.
func (s *LifecycleService) Ping(ctx context.Context) error {
	return s.coord.Ping(ctx)
}

func (s *LifecycleService) publishMetadataLocked(ctx context.Context, node model.Node, op model.Operation) error {
	err := store.Upsert(ctx, s.coord, s.paths.Server(node.Name), model.RecordFor(node, op).Encode())
	if s.metrics != nil {
		s.metrics.RecordPublish("record", err)
	}
	if err != nil {
		s.logger.Error("Failed to publish node record",
			zap.String("node", node.Name),
			zap.String("operation", string(op)),
			zap.Error(err))
		return kverrors.ErrCoordination.ForNode(node.Name, err)
	}

	s.recordEvent(ctx, model.MembershipEvent{
		ID:        uuid.NewString(),
		Operation: op,
		NodeName:  node.Name,
		State:     node.State,
		Range:     node.Range,
		At:        time.Now().UTC(),
	})
	return nil
}

func (s *LifecycleService) publishRingLocked(ctx context.Context) error {
	snap := s.ring.Snapshot()
	data, err := snap.Encode()
	if err != nil {
		return kverrors.InternalError("failed to encode ring snapshot", err)
	}

	err = store.Upsert(ctx, s.coord, s.paths.Metadata(), data)
	if s.metrics != nil {
		s.metrics.RecordPublish("ring", err)
	}
	if err != nil {
		s.logger.Error("Failed to publish ring", zap.Error(err))
		return kverrors.Coordination("failed to publish ring", err)
	}

	if s.events != nil {
		if err := s.events.ArchiveSnapshot(ctx, snap); err != nil {
			s.logger.Warn("Failed to archive ring snapshot", zap.Error(err))
		}
	}
	return nil
}

func (s *LifecycleService) recordEvent(ctx context.Context, ev model.MembershipEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(ctx, ev); err != nil {
		s.logger.Warn("Failed to record membership event",
			zap.String("node", ev.NodeName),
			zap.Error(err))
	}
}

// awaitNodes polls until every named record exists, backing off between rounds. It
// only reads.
func (s *LifecycleService) awaitNodes(ctx context.Context, names []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AwaitTimeout)
	defer cancel()

	pending := append([]string(nil), names...)
	interval := s.cfg.AwaitInterval
	for {
		var missing []string
		for _, name := range pending {
			ok, err := s.coord.Exists(ctx, s.paths.Server(name))
			if err != nil && ctx.Err() == nil {
				return kverrors.Coordination("failed to check node record", err)
			}
			if !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		pending = missing

		select {
		case <-ctx.Done():
			return kverrors.Coordination("provisioned nodes not visible in coordination store",
				fmt.Errorf("missing %v: %w", pending, ctx.Err()))
		case <-time.After(interval):
		}
		if interval < time.Second {
			interval *= 2
		}
	}
}

func (s *LifecycleService) idleLocked() []model.Node {
	idle := make([]model.Node, 0, len(s.available))
	for _, node := range s.available {
		if node.State == model.StateStopped {
			idle = append(idle, node)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].Name < idle[j].Name })
	return idle
}

func (s *LifecycleService) isKnown(name string) bool {
	_, ok := s.known[name]
	return ok
}

func (s *LifecycleService) updateMetricsLocked() {
	if s.metrics == nil {
		return
	}
	byState := make(map[string]int)
	for _, node := range s.ring.Nodes() {
		byState[string(node.State)]++
	}
	for _, node := range s.available {
		byState[string(node.State)]++
	}
	s.metrics.UpdateMembership(s.ring.Size(), len(s.idleLocked()), byState)
}

func (s *LifecycleService) observe(op string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, *err, time.Since(start).Seconds())
	}
}
