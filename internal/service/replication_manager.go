package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/kvring/internal/algorithm"
	"github.com/devrev/kvring/internal/client"
	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
)

// ReplicationConfig holds the tunables of the replication manager
type ReplicationConfig struct {
	Factor      int
	QueueSize   int
	DialTimeout time.Duration
	MaxDials    int
}

// ReplicationManager keeps one outbound channel per replica of this server, derived
// from the ring, and forwards LSN-tagged writes and commits over them.
//
// Every forward and commit is enqueued on all replica queues while mu is held, so each
// replica observes operations in LSN order and a commit never overtakes an earlier write.
type ReplicationManager struct {
	self   string
	cfg    ReplicationConfig
	dial   client.ReplicaDialer
	logger *zap.Logger

	metrics *metrics.StorageMetrics

	// updateMu serializes ring updates; mu guards the fields below.
	updateMu  sync.Mutex
	mu        sync.Mutex
	replicas  map[string]*replica
	lsn       uint64
	committed uint64
	recover   bool
}

// NewReplicationManager creates a manager for the server named self. m may be nil.
func NewReplicationManager(
	self string,
	cfg ReplicationConfig,
	dial client.ReplicaDialer,
	m *metrics.StorageMetrics,
	logger *zap.Logger,
) *ReplicationManager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxDials <= 0 {
		cfg.MaxDials = 4
	}
	return &ReplicationManager{
		self:     self,
		cfg:      cfg,
		dial:     dial,
		metrics:  m,
		logger:   logger,
		replicas: make(map[string]*replica),
	}
}

// Update reconciles the replica set against ring. Targets that left the set are
// disconnected, new ones are dialed in parallel and handed the last committed LSN.
// A server that is not on the ring drops all targets.
func (m *ReplicationManager) Update(ctx context.Context, ring *algorithm.HashRing) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	if ring == nil || !ring.Contains(m.self) {
		m.Clear()
		return nil
	}

	want := make(map[string]model.Node)
	for _, node := range ring.Replicas(m.self, m.cfg.Factor) {
		want[node.Name] = node
	}

	m.mu.Lock()
	for name, r := range m.replicas {
		node, keep := want[name]
		if keep && node.Address() == r.node.Address() {
			delete(want, name)
			continue
		}
		delete(m.replicas, name)
		go r.close()
		m.logger.Info("Dropped replica", zap.String("replica", name))
	}
	m.mu.Unlock()

	if len(want) == 0 {
		m.reportTargets()
		return nil
	}

	targets := make([]model.Node, 0, len(want))
	for _, node := range want {
		targets = append(targets, node)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })

	clients := make([]client.ReplicaClient, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.MaxDials)
	for i, node := range targets {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
			defer cancel()

			c, err := m.dial(dialCtx, node)
			if err != nil {
				m.logger.Error("Failed to connect to replica",
					zap.String("replica", node.Name),
					zap.String("address", node.Address()),
					zap.Error(err))
				return kverrors.ErrReplication.ForNode(node.Name, err)
			}
			clients[i] = c
			return nil
		})
	}
	dialErr := g.Wait()

	m.mu.Lock()
	for i, node := range targets {
		if clients[i] == nil {
			continue
		}
		r := newReplica(node, clients[i], m.cfg.QueueSize, m.metrics, m.logger)
		m.replicas[node.Name] = r

		// The new replica resumes from the last committed LSN.
		if m.committed > 0 {
			r.enqueue(replicaOp{commit: m.committed, source: m.self, done: make(chan error, 1)})
		}
		m.logger.Info("Added replica",
			zap.String("replica", node.Name),
			zap.Uint64("committed_lsn", m.committed))
	}
	m.mu.Unlock()

	m.reportTargets()
	return dialErr
}

// Forward assigns the next LSN to w and sends it to every replica. apply, when set,
// runs under the same lock just before the LSN is assigned, so local apply order
// matches LSN order. If apply fails no LSN is consumed and nothing is sent. ok is
// false if any replica failed; one failing replica never blocks the others.
func (m *ReplicationManager) Forward(ctx context.Context, w engine.Write, apply func() error) (lsn uint64, ok bool, err error) {
	m.mu.Lock()
	if apply != nil {
		if err := apply(); err != nil {
			m.mu.Unlock()
			return 0, false, err
		}
	}
	m.lsn++
	lsn = m.lsn
	req := &rpc.ReplicateRequest{Source: m.self, LSN: lsn, Write: w, Recovery: m.recover}
	pending := m.broadcastLocked(func(done chan error) replicaOp {
		return replicaOp{replicate: req, done: done}
	})
	m.mu.Unlock()

	return lsn, m.collect(ctx, "replicate", lsn, pending), nil
}

// Commit advances the commit watermark to lsn and forwards it to every replica after
// all writes already queued for it. Stale LSNs are acknowledged without forwarding.
func (m *ReplicationManager) Commit(ctx context.Context, lsn uint64) bool {
	m.mu.Lock()
	if lsn <= m.committed {
		m.mu.Unlock()
		return true
	}
	m.committed = lsn
	pending := m.broadcastLocked(func(done chan error) replicaOp {
		return replicaOp{commit: lsn, source: m.self, done: done}
	})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CommittedLSN.Set(float64(lsn))
	}
	return m.collect(ctx, "commit", lsn, pending)
}

// UpdateLSNForNewReplica sends commit lsn to one replica so it can resume replay.
func (m *ReplicationManager) UpdateLSNForNewReplica(ctx context.Context, lsn uint64, name string) error {
	m.mu.Lock()
	r, ok := m.replicas[name]
	if !ok {
		m.mu.Unlock()
		return kverrors.ErrNotFound.ForNode(name, nil)
	}
	done := make(chan error, 1)
	r.enqueue(replicaOp{commit: lsn, source: m.self, done: done})
	m.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRecoverMode flags subsequently forwarded writes as recovery traffic.
func (m *ReplicationManager) SetRecoverMode(on bool) {
	m.mu.Lock()
	m.recover = on
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetRecoverMode(on)
	}
	m.logger.Info("Recover mode changed", zap.Bool("recover", on))
}

// UnsetRecoverMode clears the recovery flag.
func (m *ReplicationManager) UnsetRecoverMode() {
	m.SetRecoverMode(false)
}

// RecoverMode reports whether forwarded writes are flagged as recovery traffic.
func (m *ReplicationManager) RecoverMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recover
}

// Clear disconnects every replica.
func (m *ReplicationManager) Clear() {
	m.mu.Lock()
	replicas := m.replicas
	m.replicas = make(map[string]*replica)
	m.mu.Unlock()

	for name, r := range replicas {
		r.close()
		m.logger.Info("Dropped replica", zap.String("replica", name))
	}
	m.reportTargets()
}

// Targets returns the names of the connected replicas, sorted.
func (m *ReplicationManager) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.replicas))
	for name := range m.replicas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastCommittedLSN returns the commit watermark.
func (m *ReplicationManager) LastCommittedLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

type pendingOp struct {
	replica string
	done    chan error
}

func (m *ReplicationManager) broadcastLocked(build func(done chan error) replicaOp) []pendingOp {
	pending := make([]pendingOp, 0, len(m.replicas))
	for name, r := range m.replicas {
		done := make(chan error, 1)
		r.enqueue(build(done))
		pending = append(pending, pendingOp{replica: name, done: done})
	}
	return pending
}

func (m *ReplicationManager) collect(ctx context.Context, kind string, lsn uint64, pending []pendingOp) bool {
	ok := true
	for _, p := range pending {
		var err error
		select {
		case err = <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if m.metrics != nil {
			m.metrics.RecordReplication(p.replica, kind, err)
		}
		if err != nil {
			ok = false
			m.logger.Warn("Replica did not acknowledge",
				zap.String("replica", p.replica),
				zap.String("kind", kind),
				zap.Uint64("lsn", lsn),
				zap.Error(err))
		}
	}
	return ok
}

func (m *ReplicationManager) reportTargets() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	n := len(m.replicas)
	m.mu.Unlock()
	m.metrics.ReplicaTargets.Set(float64(n))
}

// replicaOp is either a replicated write or, when replicate is nil, a commit.
type replicaOp struct {
	replicate *rpc.ReplicateRequest
	commit    uint64
	source    string
	done      chan error
}

// replica drains its queue on a single goroutine, so operations reach the replica in
// the order they were enqueued.
type replica struct {
	node    model.Node
	client  client.ReplicaClient
	queue   chan replicaOp
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
	metrics *metrics.StorageMetrics
	logger  *zap.Logger
}

func newReplica(node model.Node, c client.ReplicaClient, queueSize int, m *metrics.StorageMetrics, logger *zap.Logger) *replica {
	ctx, cancel := context.WithCancel(context.Background())
	r := &replica{
		node:    node,
		client:  c,
		queue:   make(chan replicaOp, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		metrics: m,
		logger:  logger.With(zap.String("replica", node.Name)),
	}
	go r.run()
	return r
}

func (r *replica) enqueue(op replicaOp) {
	select {
	case r.queue <- op:
	case <-r.ctx.Done():
		op.done <- kverrors.ErrReplication.ForNode(r.node.Name, r.ctx.Err())
	}
	if r.metrics != nil {
		r.metrics.ReplicaQueueDepth.WithLabelValues(r.node.Name).Set(float64(len(r.queue)))
	}
}

func (r *replica) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case op := <-r.queue:
			op.done <- r.execute(op)
		}
	}
}

func (r *replica) execute(op replicaOp) error {
	if op.replicate != nil {
		return r.client.Replicate(r.ctx, op.replicate)
	}
	return r.client.Commit(r.ctx, op.source, op.commit)
}

func (r *replica) drain() {
	for {
		select {
		case op := <-r.queue:
			op.done <- kverrors.ErrReplication.ForNode(r.node.Name, context.Canceled)
		default:
			return
		}
	}
}

// close stops the queue goroutine, fails anything still queued and closes the client.
func (r *replica) close() {
	r.once.Do(func() {
		r.cancel()
		select {
		case <-r.stopped:
		case <-time.After(5 * time.Second):
			r.logger.Warn("Replica goroutine did not stop in time")
		}
		if err := r.client.Close(); err != nil {
			r.logger.Warn("Failed to close replica connection", zap.Error(err))
		}
		if r.metrics != nil {
			r.metrics.ReplicaQueueDepth.DeleteLabelValues(r.node.Name)
		}
	})
}
