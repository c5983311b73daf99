package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/algorithm"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/store"
)

type staticRing struct {
	ring *algorithm.HashRing
}

func (s staticRing) Ring() *algorithm.HashRing { return s.ring }

// engineImporter imports straight into the engines of the named servers.
type engineImporter struct {
	mu      sync.Mutex
	engines map[string]engine.Engine
	calls   int
}

func (i *engineImporter) ImportRange(ctx context.Context, node model.Node, source string, entries []engine.Entry, batchSize int) (int, error) {
	i.mu.Lock()
	i.calls++
	eng, ok := i.engines[node.Name]
	i.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no server %s", node.Name)
	}
	return len(entries), eng.ImportRange(ctx, entries)
}

type transferCluster struct {
	coord    *store.MemoryCoordinationStore
	paths    store.Paths
	ring     *algorithm.HashRing
	engines  map[string]*engine.MemoryEngine
	importer *engineImporter
}

func newTransferCluster(t *testing.T, nodes ...model.Node) *transferCluster {
	t.Helper()
	c := &transferCluster{
		coord:    store.NewMemoryCoordinationStore(zap.NewNop()),
		paths:    store.NewPaths("/kvring"),
		ring:     algorithm.NewHashRing(),
		engines:  make(map[string]*engine.MemoryEngine),
		importer: &engineImporter{engines: make(map[string]engine.Engine)},
	}
	for _, n := range nodes {
		require.NoError(t, c.ring.AddNode(n))
		eng := engine.NewMemoryEngine()
		c.engines[n.Name] = eng
		c.importer.engines[n.Name] = eng
	}
	return c
}

func (c *transferCluster) handler(name string) *TransferHandler {
	return NewTransferHandler(name, c.coord, c.paths, c.engines[name], staticRing{c.ring}, c.importer,
		TransferHandlerConfig{Workers: 1, Timeout: time.Second, BatchSize: 2}, nil, zap.NewNop())
}

func (c *transferCluster) fill(t *testing.T, name string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.engines[name].ApplyLocalWrite(context.Background(),
			engine.Write{Key: fmt.Sprintf("key-%d", i), Value: []byte("v")}))
	}
}

func TestTransferHandler_Copy(t *testing.T) {
	a := model.NewNode("a", "localhost", 5001)
	b := model.NewNode("b", "localhost", 5002)
	c := newTransferCluster(t, a, b)
	c.fill(t, "a", 50)

	bNode, _ := c.ring.NodeByName("b")
	want, err := c.engines["a"].ExportRange(context.Background(), *bNode.Range)
	require.NoError(t, err)

	h := c.handler("a")
	require.NoError(t, h.Handle(context.Background(), model.NewCopyMessage(5002, *bNode.Range)))

	assert.Equal(t, len(want), c.engines["b"].Len())
	assert.Equal(t, 50, c.engines["a"].Len(), "copy leaves the sender intact")

	data, _, err := c.coord.Get(context.Background(), c.paths.Op("a"))
	require.NoError(t, err)
	assert.Equal(t, model.FinishMessage().Encode(), data)
}

func TestTransferHandler_Delete(t *testing.T) {
	a := model.NewNode("a", "localhost", 5001)
	c := newTransferCluster(t, a)
	c.fill(t, "a", 20)

	h := c.handler("a")
	rng := model.HashRange{Start: a.Hash, End: a.Hash}
	require.NoError(t, h.Handle(context.Background(), model.NewDeleteMessage(rng)))
	assert.Equal(t, 0, c.engines["a"].Len())
}

func TestTransferHandler_UnknownReceiverIsNotAcknowledged(t *testing.T) {
	a := model.NewNode("a", "localhost", 5001)
	c := newTransferCluster(t, a)

	h := c.handler("a")
	err := h.Handle(context.Background(), model.NewCopyMessage(9999, model.HashRange{}))
	assert.Error(t, err)

	exists, err := c.coord.Exists(context.Background(), c.paths.Op("a"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTransferHandler_RunPicksUpPendingMessage(t *testing.T) {
	a := model.NewNode("a", "localhost", 5001)
	c := newTransferCluster(t, a)
	c.fill(t, "a", 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.coord.Create(ctx, c.paths.Op("a"),
		model.NewDeleteMessage(model.HashRange{Start: a.Hash, End: a.Hash}).Encode()))

	h := c.handler("a")
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() { _ = h.Stop(time.Second) })

	assert.Eventually(t, func() bool { return c.engines["a"].Len() == 0 }, time.Second, 10*time.Millisecond)
}

// The coordinator-side issuer and the server-side handler speak the same protocol
// through one coordination store.
func TestRangeTransferProtocol(t *testing.T) {
	a := model.NewNode("a", "localhost", 5001)
	b := model.NewNode("b", "localhost", 5002)
	c := newTransferCluster(t, a, b)
	c.fill(t, "a", 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ha := c.handler("a")
	go func() { _ = ha.Run(ctx) }()
	t.Cleanup(func() { _ = ha.Stop(time.Second) })

	// Let Run register its watch so the copy is seen exactly once.
	time.Sleep(20 * time.Millisecond)

	issuer := NewTransferService(c.coord, c.paths, 2*time.Second, nil, zap.NewNop())
	bNode, _ := c.ring.NodeByName("b")

	ok, err := issuer.Copy(ctx, a, bNode, *bNode.Range)
	require.NoError(t, err)
	require.True(t, ok)
	moved := c.engines["b"].Len()
	assert.Positive(t, moved)

	ok, err = issuer.Delete(ctx, a, *bNode.Range)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100-moved, c.engines["a"].Len())

	exists, err := c.coord.Exists(ctx, c.paths.Op("a"))
	require.NoError(t, err)
	assert.False(t, exists)
}
