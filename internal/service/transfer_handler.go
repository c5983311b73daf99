package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/algorithm"
	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/store"
	"github.com/devrev/kvring/internal/util/workerpool"
)

// RingSource returns the latest ring observed by this server
type RingSource interface {
	Ring() *algorithm.HashRing
}

// RangeImporter streams entries to another storage server
type RangeImporter interface {
	ImportRange(ctx context.Context, node model.Node, source string, entries []engine.Entry, batchSize int) (int, error)
}

// TransferHandlerConfig holds the tunables of the transfer handler
type TransferHandlerConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	BatchSize int
}

// TransferHandler executes the transfer messages the coordinator writes to this
// server's operation path and acknowledges each with TRANSFER_FINISH.
type TransferHandler struct {
	self     string
	coord    store.CoordinationStore
	opPath   string
	engine   engine.Engine
	ring     RingSource
	importer RangeImporter
	pool     *workerpool.WorkerPool
	cfg      TransferHandlerConfig
	metrics  *metrics.StorageMetrics
	logger   *zap.Logger
}

// NewTransferHandler creates a handler for the server named self. m may be nil.
func NewTransferHandler(
	self string,
	coord store.CoordinationStore,
	paths store.Paths,
	eng engine.Engine,
	ring RingSource,
	importer RangeImporter,
	cfg TransferHandlerConfig,
	m *metrics.StorageMetrics,
	logger *zap.Logger,
) *TransferHandler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	logger = logger.With(zap.String("component", "transfer_handler"))
	return &TransferHandler{
		self:     self,
		coord:    coord,
		opPath:   paths.Op(self),
		engine:   eng,
		ring:     ring,
		importer: importer,
		pool: workerpool.NewWorkerPool(workerpool.Config{
			Name:       "transfer",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Run watches the operation path until ctx ends. A message already waiting when Run
// starts is handled first.
func (h *TransferHandler) Run(ctx context.Context) error {
	events, err := h.coord.Watch(ctx, h.opPath)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", h.opPath, err)
	}

	data, _, err := h.coord.Get(ctx, h.opPath)
	switch {
	case err == nil:
		h.dispatch(ctx, data)
	case !errors.Is(err, store.ErrNotFound):
		h.logger.Warn("Failed to read pending transfer message", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == store.EventDeleted {
				continue
			}
			h.dispatch(ctx, ev.Data)
		}
	}
}

// Stop waits for in-flight transfers up to timeout.
func (h *TransferHandler) Stop(timeout time.Duration) error {
	return h.pool.Stop(timeout)
}

func (h *TransferHandler) dispatch(ctx context.Context, data []byte) {
	msg, err := model.DecodeTransferMessage(data)
	if err != nil {
		h.logger.Warn("Ignoring malformed transfer message",
			zap.ByteString("payload", data),
			zap.Error(err))
		return
	}
	if msg.IsFinish() {
		return
	}

	err = h.pool.Submit(ctx, workerpool.Task{
		ID: uuid.NewString(),
		Fn: func(taskCtx context.Context) error {
			return h.Handle(taskCtx, msg)
		},
	})
	if err != nil {
		h.logger.Error("Failed to schedule transfer",
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
	}
}

// Handle performs one transfer message and writes TRANSFER_FINISH when it succeeds. A
// failed transfer is left unacknowledged so the coordinator sees a timeout.
func (h *TransferHandler) Handle(ctx context.Context, msg model.TransferMessage) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	var err error
	switch msg.Kind {
	case model.TransferCopy:
		err = h.copyRange(ctx, msg.TargetPort, msg.Range)
	case model.TransferDelete:
		err = h.deleteRange(ctx, msg.Range)
	default:
		err = kverrors.InvalidArgument("unexpected transfer message", fmt.Errorf("%s", msg.Kind))
	}

	if h.metrics != nil {
		h.metrics.RecordTransfer(string(msg.Kind), err)
	}
	if err != nil {
		h.logger.Error("Transfer failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("range", msg.Range.String()),
			zap.Error(err))
		return err
	}

	if err := store.Upsert(ctx, h.coord, h.opPath, model.FinishMessage().Encode()); err != nil {
		h.logger.Error("Failed to acknowledge transfer", zap.Error(err))
		return kverrors.Coordination("failed to acknowledge transfer", err)
	}
	return nil
}

func (h *TransferHandler) copyRange(ctx context.Context, port int, rng model.HashRange) error {
	receiver, err := h.receiverByPort(port)
	if err != nil {
		return err
	}

	entries, err := h.engine.ExportRange(ctx, rng)
	if err != nil {
		return kverrors.InternalError("failed to export range", err)
	}

	imported, err := h.importer.ImportRange(ctx, receiver, h.self, entries, h.cfg.BatchSize)
	if err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.TransferredKeys.WithLabelValues("exported").Add(float64(len(entries)))
	}

	h.logger.Info("Copied range",
		zap.String("receiver", receiver.Name),
		zap.String("range", rng.String()),
		zap.Int("entries", len(entries)),
		zap.Int("imported", imported))
	return nil
}

func (h *TransferHandler) deleteRange(ctx context.Context, rng model.HashRange) error {
	n, err := h.engine.DeleteRange(ctx, rng)
	if err != nil {
		return kverrors.InternalError("failed to delete range", err)
	}
	if h.metrics != nil {
		h.metrics.TransferredKeys.WithLabelValues("deleted").Add(float64(n))
	}

	h.logger.Info("Deleted range",
		zap.String("range", rng.String()),
		zap.Int("entries", n))
	return nil
}

// receiverByPort resolves the target of a copy. The message carries only a port, so
// the node is looked up on the current ring.
func (h *TransferHandler) receiverByPort(port int) (model.Node, error) {
	ring := h.ring.Ring()
	if ring == nil {
		return model.Node{}, kverrors.ErrEmptyRing
	}
	for _, node := range ring.Nodes() {
		if node.Port == port && node.Name != h.self {
			return node, nil
		}
	}
	return model.Node{}, kverrors.ErrNotFound.Wrap(fmt.Errorf("no node on ring listens on port %d", port))
}
