package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/algorithm"
	"github.com/devrev/kvring/internal/client"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
)

// fakeReplica records every call it receives in order.
type fakeReplica struct {
	mu      sync.Mutex
	name    string
	calls   []string
	fail    bool
	delay   time.Duration
	closed  bool
	commits []uint64
}

func (f *fakeReplica) Replicate(ctx context.Context, req *rpc.ReplicateRequest) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("replicate:%d:%s:%t", req.LSN, req.Write.Key, req.Recovery))
	if f.fail {
		return errors.New("replica unavailable")
	}
	return nil
}

func (f *fakeReplica) Commit(ctx context.Context, source string, lsn uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("commit:%d", lsn))
	f.commits = append(f.commits, lsn)
	if f.fail {
		return errors.New("replica unavailable")
	}
	return nil
}

func (f *fakeReplica) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReplica) snapshot() ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	replicas map[string]*fakeReplica
	refuse   map[string]bool
	dials    map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		replicas: make(map[string]*fakeReplica),
		refuse:   make(map[string]bool),
		dials:    make(map[string]int),
	}
}

func (d *fakeDialer) dial(ctx context.Context, node model.Node) (client.ReplicaClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[node.Name]++
	if d.refuse[node.Name] {
		return nil, errors.New("connection refused")
	}
	r := &fakeReplica{name: node.Name}
	d.replicas[node.Name] = r
	return r, nil
}

func (d *fakeDialer) replica(name string) *fakeReplica {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replicas[name]
}

// ringOf builds a ring whose nodes sit at ports 6000, 6001, ... named r0, r1, ...
func ringOf(t *testing.T, n int) *algorithm.HashRing {
	t.Helper()
	ring := algorithm.NewHashRing()
	for i := 0; i < n; i++ {
		require.NoError(t, ring.AddNode(model.NewNode(fmt.Sprintf("r%d", i), "localhost", 6000+i)))
	}
	return ring
}

func TestReplicationManager_UpdateConnectsReplicaSet(t *testing.T) {
	ring := ringOf(t, 4)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())

	require.NoError(t, m.Update(context.Background(), ring))

	var want []string
	for _, n := range ring.Replicas("r0", 2) {
		want = append(want, n.Name)
	}
	assert.ElementsMatch(t, want, m.Targets())
	assert.NotContains(t, m.Targets(), "r0")

	// Reapplying the same ring dials nothing new.
	require.NoError(t, m.Update(context.Background(), ring))
	for _, name := range want {
		assert.Equal(t, 1, d.dials[name])
	}
}

func TestReplicationManager_ReplicaSetBound(t *testing.T) {
	tests := []struct {
		nodes, factor, want int
	}{
		{nodes: 1, factor: 2, want: 0},
		{nodes: 2, factor: 2, want: 1},
		{nodes: 3, factor: 2, want: 2},
		{nodes: 5, factor: 2, want: 2},
		{nodes: 5, factor: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,R=%d", tt.nodes, tt.factor), func(t *testing.T) {
			m := NewReplicationManager("r0", ReplicationConfig{Factor: tt.factor}, newFakeDialer().dial, nil, zap.NewNop())
			require.NoError(t, m.Update(context.Background(), ringOf(t, tt.nodes)))
			assert.Len(t, m.Targets(), tt.want)
		})
	}
}

func TestReplicationManager_UpdateDropsDepartedReplicas(t *testing.T) {
	ring := ringOf(t, 3)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 1}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))
	require.Len(t, m.Targets(), 1)
	old := m.Targets()[0]

	_, err := ring.RemoveNode(old)
	require.NoError(t, err)
	require.NoError(t, m.Update(context.Background(), ring))

	require.Len(t, m.Targets(), 1)
	assert.NotEqual(t, old, m.Targets()[0])
	assert.Eventually(t, func() bool {
		_, closed := d.replica(old).snapshot()
		return closed
	}, time.Second, 10*time.Millisecond)
}

func TestReplicationManager_UpdateWithoutSelfClears(t *testing.T) {
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ringOf(t, 3)))
	require.Len(t, m.Targets(), 2)

	require.NoError(t, m.Update(context.Background(), algorithm.NewHashRing()))
	assert.Empty(t, m.Targets())
	for _, r := range d.replicas {
		_, closed := r.snapshot()
		assert.True(t, closed)
	}
}

func TestReplicationManager_DialFailure(t *testing.T) {
	ring := ringOf(t, 3)
	replicas := ring.Replicas("r0", 2)
	d := newFakeDialer()
	d.refuse[replicas[0].Name] = true
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())

	err := m.Update(context.Background(), ring)
	assert.Error(t, err)
	assert.Equal(t, []string{replicas[1].Name}, m.Targets())
}

func TestReplicationManager_ForwardAndCommitOrder(t *testing.T) {
	ring := ringOf(t, 3)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		lsn, ok, _ := m.Forward(ctx, engine.Write{Key: fmt.Sprintf("k%d", i), Value: []byte("v")}, nil)
		assert.True(t, ok)
		assert.Equal(t, last+1, lsn)
		last = lsn
	}
	assert.True(t, m.Commit(ctx, last))
	assert.Equal(t, last, m.LastCommittedLSN())

	for _, name := range m.Targets() {
		calls, _ := d.replica(name).snapshot()
		assert.Equal(t, []string{
			"replicate:1:k0:false",
			"replicate:2:k1:false",
			"replicate:3:k2:false",
			"replicate:4:k3:false",
			"replicate:5:k4:false",
			"commit:5",
		}, calls)
	}

	// A stale commit does not move the watermark back.
	assert.True(t, m.Commit(ctx, 2))
	assert.Equal(t, last, m.LastCommittedLSN())
}

func TestReplicationManager_PartialFailure(t *testing.T) {
	ring := ringOf(t, 3)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))

	targets := m.Targets()
	d.replica(targets[0]).fail = true

	_, ok, _ := m.Forward(context.Background(), engine.Write{Key: "k", Value: []byte("v")}, nil)
	assert.False(t, ok)

	// The healthy replica still received the write.
	calls, _ := d.replica(targets[1]).snapshot()
	assert.Equal(t, []string{"replicate:1:k:false"}, calls)
}

func TestReplicationManager_SlowReplicaDoesNotBlockOthers(t *testing.T) {
	ring := ringOf(t, 3)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))
	targets := m.Targets()
	d.replica(targets[0]).delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok, _ := m.Forward(ctx, engine.Write{Key: "k"}, nil)
	assert.False(t, ok)

	calls, _ := d.replica(targets[1]).snapshot()
	assert.Len(t, calls, 1)
}

func TestReplicationManager_RecoverMode(t *testing.T) {
	ring := ringOf(t, 2)
	d := newFakeDialer()
	reg := prometheus.NewRegistry()
	sm := metrics.NewStorageMetrics(reg)
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 1}, d.dial, sm, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))

	m.SetRecoverMode(true)
	assert.True(t, m.RecoverMode())
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.RecoverMode))
	m.Forward(context.Background(), engine.Write{Key: "a"}, nil)
	m.UnsetRecoverMode()
	m.Forward(context.Background(), engine.Write{Key: "b"}, nil)

	calls, _ := d.replica("r1").snapshot()
	assert.Equal(t, []string{"replicate:1:a:true", "replicate:2:b:false"}, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.ReplicaTargets))
}

func TestReplicationManager_NewReplicaReceivesCommittedLSN(t *testing.T) {
	ring := ringOf(t, 2)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 2}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))
	ctx := context.Background()

	lsn, _, _ := m.Forward(ctx, engine.Write{Key: "a"}, nil)
	require.True(t, m.Commit(ctx, lsn))

	require.NoError(t, ring.AddNode(model.NewNode("r2", "localhost", 6002)))
	require.NoError(t, m.Update(ctx, ring))
	require.Contains(t, m.Targets(), "r2")

	assert.Eventually(t, func() bool {
		calls, _ := d.replica("r2").snapshot()
		return len(calls) == 1 && calls[0] == fmt.Sprintf("commit:%d", lsn)
	}, time.Second, 10*time.Millisecond)
}

func TestReplicationManager_UpdateLSNForNewReplica(t *testing.T) {
	ring := ringOf(t, 2)
	d := newFakeDialer()
	m := NewReplicationManager("r0", ReplicationConfig{Factor: 1}, d.dial, nil, zap.NewNop())
	require.NoError(t, m.Update(context.Background(), ring))

	require.NoError(t, m.UpdateLSNForNewReplica(context.Background(), 42, "r1"))
	calls, _ := d.replica("r1").snapshot()
	assert.Equal(t, []string{"commit:42"}, calls)

	assert.Error(t, m.UpdateLSNForNewReplica(context.Background(), 42, "ghost"))
}
