package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/store"
)

// RangeTransferer moves or drops a hash range on a storage server and reports whether
// the server acknowledged completion.
type RangeTransferer interface {
	Copy(ctx context.Context, sender, receiver model.Node, rng model.HashRange) (bool, error)
	Delete(ctx context.Context, node model.Node, rng model.HashRange) (bool, error)
}

// TransferService issues transfer messages on a node's operation path and waits for
// the node to overwrite it with TRANSFER_FINISH.
type TransferService struct {
	store   store.CoordinationStore
	paths   store.Paths
	timeout time.Duration
	metrics *metrics.CoordinatorMetrics
	logger  *zap.Logger
}

// NewTransferService creates a transfer issuer. metrics may be nil.
func NewTransferService(
	coord store.CoordinationStore,
	paths store.Paths,
	timeout time.Duration,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *TransferService {
	return &TransferService{
		store:   coord,
		paths:   paths,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Copy asks sender to stream rng to receiver.
func (s *TransferService) Copy(ctx context.Context, sender, receiver model.Node, rng model.HashRange) (bool, error) {
	s.logger.Info("Requesting range copy",
		zap.String("sender", sender.Name),
		zap.String("receiver", receiver.Name),
		zap.String("range", rng.String()))

	return s.issue(ctx, sender.Name, model.NewCopyMessage(receiver.Port, rng))
}

// Delete asks node to drop rng.
func (s *TransferService) Delete(ctx context.Context, node model.Node, rng model.HashRange) (bool, error) {
	s.logger.Info("Requesting range delete",
		zap.String("node", node.Name),
		zap.String("range", rng.String()))

	return s.issue(ctx, node.Name, model.NewDeleteMessage(rng))
}

// issue returns (false, nil) when the node did not acknowledge within the timeout and
// a non-nil error only for coordination store failures.
func (s *TransferService) issue(ctx context.Context, nodeName string, msg model.TransferMessage) (bool, error) {
	start := time.Now()
	opID := uuid.NewString()
	opPath := s.paths.Op(nodeName)
	logger := s.logger.With(
		zap.String("transfer_id", opID),
		zap.String("node", nodeName),
		zap.String("kind", string(msg.Kind)))

	acked, err := s.run(ctx, opPath, msg, logger)
	if s.metrics != nil {
		s.metrics.RecordTransfer(string(msg.Kind), acked, time.Since(start).Seconds())
	}
	return acked, err
}

func (s *TransferService) run(ctx context.Context, opPath string, msg model.TransferMessage, logger *zap.Logger) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// The watch is registered before the message is written so the acknowledgement
	// cannot slip in between.
	events, err := s.store.Watch(waitCtx, opPath)
	if err != nil {
		return false, kverrors.Coordination("failed to watch operation path", err)
	}

	if err := store.Upsert(ctx, s.store, opPath, msg.Encode()); err != nil {
		return false, kverrors.Coordination("failed to publish transfer message", err)
	}

	acked := awaitFinish(waitCtx, events)
	if !acked {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		acked, err = s.confirm(ctx, opPath, logger)
		if err != nil {
			return false, err
		}
		if !acked {
			return false, nil
		}
	}

	if err := s.store.Delete(ctx, opPath, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to clear operation path", zap.Error(err))
	}

	logger.Info("Transfer acknowledged")
	return true, nil
}

// confirm resolves a timed-out wait: an absent path is inconclusive and counts as
// failure; a present path succeeds only if it holds the finish sentinel.
func (s *TransferService) confirm(ctx context.Context, opPath string, logger *zap.Logger) (bool, error) {
	exists, err := s.store.Exists(ctx, opPath)
	if err != nil {
		return false, kverrors.Coordination("failed to check operation path", err)
	}
	if !exists {
		logger.Warn("Transfer timed out and operation path is gone")
		return false, nil
	}

	data, _, err := s.store.Get(ctx, opPath)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Transfer timed out and operation path is gone")
		return false, nil
	}
	if err != nil {
		return false, kverrors.Coordination("failed to read operation path", err)
	}

	reply, err := model.DecodeTransferMessage(data)
	if err != nil || !reply.IsFinish() {
		logger.Warn("Transfer timed out without acknowledgement",
			zap.ByteString("payload", data))
		return false, nil
	}
	return true, nil
}

func awaitFinish(ctx context.Context, events <-chan store.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Type == store.EventDeleted {
				continue
			}
			if msg, err := model.DecodeTransferMessage(ev.Data); err == nil && msg.IsFinish() {
				return true
			}
		}
	}
}
