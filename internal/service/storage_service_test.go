package service

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/devrev/kvring/internal/algorithm"
	"github.com/devrev/kvring/internal/client"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
)

// recordingForwarder acknowledges every write and remembers the commits.
type recordingForwarder struct {
	mu      sync.Mutex
	lsn     uint64
	writes  []engine.Write
	commits []uint64
	fail    bool
}

func (f *recordingForwarder) Forward(ctx context.Context, w engine.Write, apply func() error) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := apply(); err != nil {
		return 0, false, err
	}
	f.lsn++
	f.writes = append(f.writes, w)
	return f.lsn, !f.fail, nil
}

func (f *recordingForwarder) Commit(ctx context.Context, lsn uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, lsn)
	return true
}

func wholeRing() *model.HashRange {
	h := model.HashKey("anything")
	return model.NewHashRange(h, h)
}

func startedService(t *testing.T, rng *model.HashRange) (*StorageService, *engine.MemoryEngine, *recordingForwarder) {
	t.Helper()
	eng := engine.NewMemoryEngine()
	fwd := &recordingForwarder{}
	svc := NewStorageService("n1", eng, fwd, nil, zap.NewNop())
	svc.Apply(model.MetadataRecord{State: model.StateStarted, Range: rng, Operation: model.OperationStart})
	return svc, eng, fwd
}

func TestStorageService_PutGetDelete(t *testing.T) {
	svc, _, fwd := startedService(t, wholeRing())
	ctx := context.Background()

	resp, err := svc.Put(ctx, &rpc.PutRequest{Key: "user:1", Value: []byte("alice")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.LSN)
	assert.True(t, resp.Replicated)

	got, err := svc.Get(ctx, &rpc.GetRequest{Key: "user:1"})
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, []byte("alice"), got.Value)

	resp, err = svc.Delete(ctx, &rpc.DeleteRequest{Key: "user:1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.LSN)

	got, err = svc.Get(ctx, &rpc.GetRequest{Key: "user:1"})
	require.NoError(t, err)
	assert.False(t, got.Found)

	assert.Len(t, fwd.writes, 2)
	assert.True(t, fwd.writes[1].Delete)
	assert.Equal(t, []uint64{1, 2}, fwd.commits)
}

func TestStorageService_RejectsWhenNotServing(t *testing.T) {
	for _, state := range []model.NodeState{model.StateStopped, model.StateIdle, model.StateShutDown} {
		t.Run(string(state), func(t *testing.T) {
			svc, _, fwd := startedService(t, wholeRing())
			svc.Apply(model.MetadataRecord{State: state, Range: wholeRing(), Operation: model.OperationStop})

			_, err := svc.Put(context.Background(), &rpc.PutRequest{Key: "k", Value: []byte("v")})
			require.Error(t, err)
			assert.Equal(t, codes.Unavailable, status.Code(err))
			assert.Empty(t, fwd.writes)
		})
	}
}

func TestStorageService_RejectsForeignKeys(t *testing.T) {
	// Own (h(k), h("mine")] for some key k hashing below "mine".
	mine := model.HashKey("mine")
	var foreign string
	var rng *model.HashRange
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("k%d", i)
		h := model.HashKey(candidate)
		if h.Less(mine) {
			rng = model.NewHashRange(h, mine)
			break
		}
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("other%d", i)
		if !rng.Contains(model.HashKey(candidate)) {
			foreign = candidate
			break
		}
	}

	svc, _, _ := startedService(t, rng)
	_, err := svc.Put(context.Background(), &rpc.PutRequest{Key: "mine", Value: []byte("v")})
	require.NoError(t, err)

	_, err = svc.Put(context.Background(), &rpc.PutRequest{Key: foreign, Value: []byte("v")})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStorageService_ReportsUnreplicatedWrites(t *testing.T) {
	svc, eng, fwd := startedService(t, wholeRing())
	fwd.fail = true

	resp, err := svc.Put(context.Background(), &rpc.PutRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	assert.False(t, resp.Replicated)
	assert.Equal(t, 1, eng.Len(), "local write is kept")
}

func TestStorageService_ReplicateAndCommit(t *testing.T) {
	eng := engine.NewMemoryEngine()
	svc := NewStorageService("n2", eng, &recordingForwarder{}, nil, zap.NewNop())
	ctx := context.Background()

	// Replicated writes are accepted regardless of serving state or range.
	_, err := svc.Replicate(ctx, &rpc.ReplicateRequest{Source: "n1", LSN: 7, Write: engine.Write{Key: "k", Value: []byte("v")}})
	require.NoError(t, err)
	value, err := eng.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, uint64(7), svc.PeerLSN("n1"))

	_, err = svc.Commit(ctx, &rpc.CommitRequest{Source: "n1", LSN: 7})
	require.NoError(t, err)
	_, err = svc.Commit(ctx, &rpc.CommitRequest{Source: "n1", LSN: 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), svc.PeerCommitted("n1"))
}

func TestStorageService_ImportRangeOverGRPC(t *testing.T) {
	eng := engine.NewMemoryEngine()
	svc := NewStorageService("n2", eng, &recordingForwarder{}, nil, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterStorageServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		append(rpc.DialOptions(1<<20), grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	stream, err := rpc.NewStorageClient(conn).ImportRange(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, stream.Send(&rpc.ImportBatch{
			Source:  "n1",
			Entries: []engine.Entry{{Key: key, Hash: model.HashKey(key), Value: []byte("v")}},
		}))
	}
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Imported)
	assert.Equal(t, 3, eng.Len())
}

// engineReplica applies replicated writes to its own engine.
type engineReplica struct {
	eng *engine.MemoryEngine
}

func (r *engineReplica) Replicate(ctx context.Context, req *rpc.ReplicateRequest) error {
	return r.eng.AcceptReplicatedWrite(ctx, req.Write)
}

func (r *engineReplica) Commit(ctx context.Context, source string, lsn uint64) error { return nil }

func (r *engineReplica) Close() error { return nil }

// pausingEngine blocks a local write carrying value hold until release is closed.
type pausingEngine struct {
	*engine.MemoryEngine
	hold    string
	entered chan struct{}
	release chan struct{}
}

func (e *pausingEngine) ApplyLocalWrite(ctx context.Context, w engine.Write) error {
	if err := e.MemoryEngine.ApplyLocalWrite(ctx, w); err != nil {
		return err
	}
	if string(w.Value) == e.hold {
		close(e.entered)
		<-e.release
	}
	return nil
}

func TestStorageService_ConcurrentWritesKeepReplicaInLSNOrder(t *testing.T) {
	owner := &pausingEngine{
		MemoryEngine: engine.NewMemoryEngine(),
		hold:         "A",
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	replicaEng := engine.NewMemoryEngine()

	ring := algorithm.NewHashRing()
	require.NoError(t, ring.AddNode(model.NewNode("n1", "localhost", 7001)))
	require.NoError(t, ring.AddNode(model.NewNode("n2", "localhost", 7002)))

	dial := func(ctx context.Context, node model.Node) (client.ReplicaClient, error) {
		return &engineReplica{eng: replicaEng}, nil
	}
	repl := NewReplicationManager("n1", ReplicationConfig{Factor: 1}, dial, nil, zap.NewNop())
	require.NoError(t, repl.Update(context.Background(), ring))
	defer repl.Clear()

	svc := NewStorageService("n1", owner, repl, nil, zap.NewNop())
	svc.Apply(model.MetadataRecord{State: model.StateStarted, Range: wholeRing(), Operation: model.OperationStart})

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Put(ctx, &rpc.PutRequest{Key: "k", Value: []byte("A")})
		assert.NoError(t, err)
	}()
	<-owner.entered

	bDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(bDone)
		_, err := svc.Put(ctx, &rpc.PutRequest{Key: "k", Value: []byte("B")})
		assert.NoError(t, err)
	}()

	select {
	case <-bDone:
		t.Fatal("second write completed while the first was still being applied")
	case <-time.After(50 * time.Millisecond):
	}
	close(owner.release)
	wg.Wait()

	ownerValue, err := owner.Get(ctx, "k")
	require.NoError(t, err)
	replicaValue, err := replicaEng.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "B", string(ownerValue))
	assert.Equal(t, string(ownerValue), string(replicaValue))
}
