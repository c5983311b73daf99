package service

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/model"
)

type fakeResync struct {
	mu        sync.Mutex
	targets   []string
	lsn       uint64
	resyncs   map[string]uint64
	recover   bool
	recovered map[string]bool
}

func (f *fakeResync) Targets() []string { return f.targets }
func (f *fakeResync) LastCommittedLSN() uint64 { return f.lsn }

func (f *fakeResync) UpdateLSNForNewReplica(ctx context.Context, lsn uint64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resyncs == nil {
		f.resyncs = make(map[string]uint64)
	}
	if f.recovered == nil {
		f.recovered = make(map[string]bool)
	}
	f.resyncs[name] = lsn
	f.recovered[name] = f.recover
	return nil
}

func (f *fakeResync) SetRecoverMode(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recover = on
}

func (f *fakeResync) UnsetRecoverMode() { f.SetRecoverMode(false) }

func (f *fakeResync) recoverMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recover
}

func (f *fakeResync) resynced(name string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lsn, ok := f.resyncs[name]
	return lsn, ok
}

func newTestGossip(replicas *fakeResync) *GossipService {
	state := func() model.NodeState { return model.StateStarted }
	return newGossipService(&GossipConfig{}, "n1", state, replicas, zap.NewNop())
}

func TestGossipService_NodeMeta(t *testing.T) {
	gs := newTestGossip(&fakeResync{lsn: 42})

	var peer PeerStatus
	require.NoError(t, json.Unmarshal(gs.NodeMeta(512), &peer))
	assert.Equal(t, "n1", peer.Name)
	assert.Equal(t, model.StateStarted, peer.State)
	assert.Equal(t, uint64(42), peer.CommittedLSN)

	assert.Nil(t, gs.NodeMeta(4), "meta larger than the limit is dropped")
	assert.Nil(t, gs.Members())
	assert.NoError(t, gs.Shutdown())
}

func TestGossipService_RejoinedReplicaIsResynced(t *testing.T) {
	replicas := &fakeResync{targets: []string{"n2", "n3"}, lsn: 17}
	gs := newTestGossip(replicas)
	events := &GossipEventDelegate{service: gs}

	events.NotifyJoin(&memberlist.Node{Name: "n3", Addr: net.ParseIP("127.0.0.1"), Port: 7946})

	require.Eventually(t, func() bool {
		lsn, ok := replicas.resynced("n3")
		return ok && lsn == 17
	}, time.Second, 5*time.Millisecond)

	replicas.mu.Lock()
	duringResync := replicas.recovered["n3"]
	replicas.mu.Unlock()
	assert.True(t, duringResync, "replay runs in recover mode")
	assert.Eventually(t, func() bool { return !replicas.recoverMode() }, time.Second, 5*time.Millisecond)
}

func TestGossipService_IgnoresSelfAndStrangers(t *testing.T) {
	replicas := &fakeResync{targets: []string{"n2"}, lsn: 5}
	gs := newTestGossip(replicas)
	events := &GossipEventDelegate{service: gs}

	events.NotifyJoin(&memberlist.Node{Name: "n1", Addr: net.ParseIP("127.0.0.1"), Port: 7946})
	events.NotifyJoin(&memberlist.Node{Name: "n9", Addr: net.ParseIP("127.0.0.1"), Port: 7947})
	events.NotifyLeave(&memberlist.Node{Name: "n2"})
	time.Sleep(20 * time.Millisecond)

	_, ok := replicas.resynced("n1")
	assert.False(t, ok)
	_, ok = replicas.resynced("n9")
	assert.False(t, ok)
}
