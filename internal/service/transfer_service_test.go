package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/store"
)

// respond watches a node's op path and reacts to the first transfer message it sees.
func respond(t *testing.T, s store.CoordinationStore, opPath string, react func(msg model.TransferMessage)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, err := s.Watch(ctx, opPath)
	require.NoError(t, err)

	go func() {
		for ev := range events {
			if ev.Type == store.EventDeleted {
				continue
			}
			msg, err := model.DecodeTransferMessage(ev.Data)
			if err != nil || msg.IsFinish() {
				continue
			}
			react(msg)
			return
		}
	}()
}

// silentStore never delivers watch events.
type silentStore struct {
	store.CoordinationStore
}

func (s silentStore) Watch(ctx context.Context, p string) (<-chan store.Event, error) {
	return make(chan store.Event), nil
}

func transferFixture(t *testing.T, timeout time.Duration) (*TransferService, *store.MemoryCoordinationStore, store.Paths) {
	t.Helper()
	coord := store.NewMemoryCoordinationStore(zap.NewNop())
	paths := store.NewPaths("/kvring")
	return NewTransferService(coord, paths, timeout, nil, zap.NewNop()), coord, paths
}

func TestTransferService_CopyAcknowledged(t *testing.T) {
	svc, coord, paths := transferFixture(t, 2*time.Second)
	sender := model.NewNode("n1", "localhost", 5001)
	receiver := model.NewNode("n2", "localhost", 5002)
	rng := model.HashRange{Start: sender.Hash, End: receiver.Hash}

	received := make(chan model.TransferMessage, 1)
	respond(t, coord, paths.Op("n1"), func(msg model.TransferMessage) {
		received <- msg
		_, err := coord.Set(context.Background(), paths.Op("n1"), model.FinishMessage().Encode(), store.AnyVersion)
		assert.NoError(t, err)
	})

	ok, err := svc.Copy(context.Background(), sender, receiver, rng)
	require.NoError(t, err)
	assert.True(t, ok)

	msg := <-received
	assert.Equal(t, model.TransferCopy, msg.Kind)
	assert.Equal(t, 5002, msg.TargetPort)
	assert.Equal(t, rng, msg.Range)

	exists, err := coord.Exists(context.Background(), paths.Op("n1"))
	require.NoError(t, err)
	assert.False(t, exists, "op path is cleared after acknowledgement")
}

func TestTransferService_DeleteAcknowledged(t *testing.T) {
	svc, coord, paths := transferFixture(t, 2*time.Second)
	node := model.NewNode("n1", "localhost", 5001)
	rng := model.HashRange{Start: model.HashKey("a"), End: model.HashKey("b")}

	respond(t, coord, paths.Op("n1"), func(msg model.TransferMessage) {
		assert.Equal(t, model.TransferDelete, msg.Kind)
		_, err := coord.Set(context.Background(), paths.Op("n1"), model.FinishMessage().Encode(), store.AnyVersion)
		assert.NoError(t, err)
	})

	ok, err := svc.Delete(context.Background(), node, rng)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransferService_PathRemovedCountsAsFailure(t *testing.T) {
	svc, coord, paths := transferFixture(t, 200*time.Millisecond)
	node := model.NewNode("n1", "localhost", 5001)

	respond(t, coord, paths.Op("n1"), func(model.TransferMessage) {
		assert.NoError(t, coord.Delete(context.Background(), paths.Op("n1"), store.AnyVersion))
	})

	ok, err := svc.Delete(context.Background(), node, model.HashRange{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferService_NoResponder(t *testing.T) {
	svc, coord, paths := transferFixture(t, 100*time.Millisecond)
	node := model.NewNode("n1", "localhost", 5001)

	ok, err := svc.Delete(context.Background(), node, model.HashRange{})
	require.NoError(t, err)
	assert.False(t, ok)

	// The unacknowledged message stays for the server to pick up later.
	data, _, err := coord.Get(context.Background(), paths.Op("n1"))
	require.NoError(t, err)
	msg, err := model.DecodeTransferMessage(data)
	require.NoError(t, err)
	assert.Equal(t, model.TransferDelete, msg.Kind)
}

func TestTransferService_FinishFoundAfterMissedEvent(t *testing.T) {
	coord := store.NewMemoryCoordinationStore(zap.NewNop())
	paths := store.NewPaths("/kvring")
	svc := NewTransferService(silentStore{coord}, paths, 150*time.Millisecond, nil, zap.NewNop())
	node := model.NewNode("n1", "localhost", 5001)

	respond(t, coord, paths.Op("n1"), func(model.TransferMessage) {
		_, err := coord.Set(context.Background(), paths.Op("n1"), model.FinishMessage().Encode(), store.AnyVersion)
		assert.NoError(t, err)
	})

	ok, err := svc.Delete(context.Background(), node, model.HashRange{})
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := coord.Exists(context.Background(), paths.Op("n1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTransferService_CancelledContext(t *testing.T) {
	svc, _, _ := transferFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := svc.Delete(ctx, model.NewNode("n1", "localhost", 5001), model.HashRange{})
	assert.False(t, ok)
	assert.Error(t, err)
}
