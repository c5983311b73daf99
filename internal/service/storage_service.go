package service

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
)

// Forwarder sends accepted writes to the replica set
type Forwarder interface {
	// Forward runs apply and assigns the write its LSN as one step, then sends it.
	Forward(ctx context.Context, w engine.Write, apply func() error) (uint64, bool, error)
	Commit(ctx context.Context, lsn uint64) bool
}

// StorageService serves client reads and writes for the key range this server owns,
// accepts replicated writes from the servers it replicates, and absorbs range imports.
type StorageService struct {
	name      string
	engine    engine.Engine
	forwarder Forwarder
	metrics   *metrics.StorageMetrics
	logger    *zap.Logger

	mu         sync.RWMutex
	state      model.NodeState
	rng        *model.HashRange
	peerLSN    map[string]uint64
	peerCommit map[string]uint64
}

// NewStorageService creates the service in state STOPPED. m may be nil.
func NewStorageService(
	name string,
	eng engine.Engine,
	forwarder Forwarder,
	m *metrics.StorageMetrics,
	logger *zap.Logger,
) *StorageService {
	s := &StorageService{
		name:       name,
		engine:     eng,
		forwarder:  forwarder,
		metrics:    m,
		logger:     logger,
		state:      model.StateStopped,
		peerLSN:    make(map[string]uint64),
		peerCommit: make(map[string]uint64),
	}
	if m != nil {
		m.SetState(string(model.StateStopped))
	}
	return s
}

// Apply records the server's latest metadata record: its lifecycle state and range.
func (s *StorageService) Apply(rec model.MetadataRecord) {
	s.mu.Lock()
	prev := s.state
	s.state = rec.State
	s.rng = rec.Range
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetState(string(rec.State))
	}
	if prev != rec.State {
		s.logger.Info("Serving state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(rec.State)),
			zap.String("operation", string(rec.Operation)))
	}
}

// State returns the current lifecycle state.
func (s *StorageService) State() model.NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Range returns the owned range, or nil.
func (s *StorageService) Range() *model.HashRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rng
}

// Put implements rpc.StorageServer
func (s *StorageService) Put(ctx context.Context, req *rpc.PutRequest) (*rpc.WriteResponse, error) {
	resp, err := s.write(ctx, engine.Write{Key: req.Key, Value: req.Value})
	if s.metrics != nil {
		s.metrics.WritesTotal.WithLabelValues("put", writeStatus(err)).Inc()
	}
	return resp, kverrors.GRPCError(err)
}

// Delete implements rpc.StorageServer
func (s *StorageService) Delete(ctx context.Context, req *rpc.DeleteRequest) (*rpc.WriteResponse, error) {
	resp, err := s.write(ctx, engine.Write{Key: req.Key, Delete: true})
	if s.metrics != nil {
		s.metrics.WritesTotal.WithLabelValues("delete", writeStatus(err)).Inc()
	}
	return resp, kverrors.GRPCError(err)
}

func (s *StorageService) write(ctx context.Context, w engine.Write) (*rpc.WriteResponse, error) {
	if w.Key == "" {
		return nil, kverrors.InvalidArgument("key must not be empty", nil)
	}
	if err := s.checkOwner(w.Key); err != nil {
		return nil, err
	}

	lsn, replicated, err := s.forwarder.Forward(ctx, w, func() error {
		return s.engine.ApplyLocalWrite(ctx, w)
	})
	if err != nil {
		s.logger.Error("Failed to apply write",
			zap.String("key", w.Key),
			zap.Error(err))
		return nil, kverrors.InternalError("failed to apply write", err)
	}
	if !s.forwarder.Commit(ctx, lsn) {
		replicated = false
	}

	if !replicated {
		s.logger.Warn("Write not acknowledged by every replica",
			zap.String("key", w.Key),
			zap.Uint64("lsn", lsn))
	}
	return &rpc.WriteResponse{LSN: lsn, Replicated: replicated}, nil
}

func (s *StorageService) checkOwner(key string) error {
	s.mu.RLock()
	state, rng := s.state, s.rng
	s.mu.RUnlock()

	if state != model.StateStarted {
		return kverrors.ErrNotServing.ForNode(s.name, errors.New(string(state)))
	}
	if rng == nil || !rng.Contains(model.HashKey(key)) {
		return kverrors.ErrWrongNode.ForNode(s.name, nil)
	}
	return nil
}

// Get implements rpc.StorageServer. Reads are served from local data in any state
// but SHUT_DOWN, so replicas can answer for their predecessors.
func (s *StorageService) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	if s.State() == model.StateShutDown {
		s.recordRead(kverrors.ErrNotServing)
		return nil, kverrors.GRPCError(kverrors.ErrNotServing.ForNode(s.name, nil))
	}

	value, err := s.engine.Get(ctx, req.Key)
	if errors.Is(err, engine.ErrKeyNotFound) {
		s.recordRead(nil)
		return &rpc.GetResponse{Found: false}, nil
	}
	if err != nil {
		s.recordRead(err)
		return nil, kverrors.GRPCError(kverrors.InternalError("failed to read key", err))
	}
	s.recordRead(nil)
	return &rpc.GetResponse{Value: value, Found: true}, nil
}

// Replicate implements rpc.StorageServer
func (s *StorageService) Replicate(ctx context.Context, req *rpc.ReplicateRequest) (*rpc.Ack, error) {
	if err := s.engine.AcceptReplicatedWrite(ctx, req.Write); err != nil {
		s.logger.Error("Failed to accept replicated write",
			zap.String("source", req.Source),
			zap.Uint64("lsn", req.LSN),
			zap.Error(err))
		return nil, kverrors.GRPCError(kverrors.ErrReplication.ForNode(req.Source, err))
	}

	// Recovery traffic replays from an earlier LSN and may move the mark back.
	s.mu.Lock()
	if req.LSN > s.peerLSN[req.Source] || req.Recovery {
		s.peerLSN[req.Source] = req.LSN
	}
	s.mu.Unlock()

	return &rpc.Ack{LSN: req.LSN}, nil
}

// Commit implements rpc.StorageServer
func (s *StorageService) Commit(ctx context.Context, req *rpc.CommitRequest) (*rpc.Ack, error) {
	s.mu.Lock()
	if req.LSN > s.peerCommit[req.Source] {
		s.peerCommit[req.Source] = req.LSN
	}
	s.mu.Unlock()

	s.logger.Debug("Replica commit",
		zap.String("source", req.Source),
		zap.Uint64("lsn", req.LSN))
	return &rpc.Ack{LSN: req.LSN}, nil
}

// PeerLSN returns the last LSN replicated from source.
func (s *StorageService) PeerLSN(source string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerLSN[source]
}

// PeerCommitted returns the commit watermark received from source.
func (s *StorageService) PeerCommitted(source string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerCommit[source]
}

// ImportRange implements rpc.StorageServer
func (s *StorageService) ImportRange(stream rpc.ImportRangeServer) error {
	ctx := stream.Context()
	imported := 0
	source := ""

	for {
		batch, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		source = batch.Source
		if err := s.engine.ImportRange(ctx, batch.Entries); err != nil {
			s.logger.Error("Failed to import range batch",
				zap.String("source", batch.Source),
				zap.Int("entries", len(batch.Entries)),
				zap.Error(err))
			return kverrors.GRPCError(kverrors.InternalError("failed to import range", err))
		}
		imported += len(batch.Entries)
	}

	if s.metrics != nil {
		s.metrics.TransferredKeys.WithLabelValues("imported").Add(float64(imported))
	}
	s.logger.Info("Imported range",
		zap.String("source", source),
		zap.Int("entries", imported))
	return stream.SendAndClose(&rpc.ImportResponse{Imported: imported})
}

func (s *StorageService) recordRead(err error) {
	if s.metrics != nil {
		s.metrics.ReadsTotal.WithLabelValues(writeStatus(err)).Inc()
	}
}

func writeStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
