package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/model"
)

// ReplicaResync is the part of the replication manager the gossip layer drives
type ReplicaResync interface {
	Targets() []string
	LastCommittedLSN() uint64
	UpdateLSNForNewReplica(ctx context.Context, lsn uint64, name string) error
	SetRecoverMode(on bool)
	UnsetRecoverMode()
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	ResyncTimeout  time.Duration
}

// PeerStatus is what each server advertises about itself
type PeerStatus struct {
	Name         string          `json:"name"`
	State        model.NodeState `json:"state"`
	CommittedLSN uint64          `json:"committed_lsn"`
	Timestamp    int64           `json:"timestamp"`
}

// GossipService tracks peer liveness between storage servers. When a server that is
// one of our replicas rejoins, it is handed the last committed LSN so replay can
// resume where it stopped.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	state      func() model.NodeState
	replicas   ReplicaResync
	logger     *zap.Logger

	// recovering counts resyncs in flight; recover mode is on while it is non-zero.
	recoverMu  sync.Mutex
	recovering int
}

// NewGossipService creates a new gossip service and joins the seed nodes
func NewGossipService(
	cfg *GossipConfig,
	nodeID string,
	state func() model.NodeState,
	replicas ReplicaResync,
	logger *zap.Logger,
) (*GossipService, error) {
	gs := newGossipService(cfg, nodeID, state, replicas, logger)

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

func newGossipService(
	cfg *GossipConfig,
	nodeID string,
	state func() model.NodeState,
	replicas ReplicaResync,
	logger *zap.Logger,
) *GossipService {
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = 5 * time.Second
	}
	return &GossipService{
		config:   cfg,
		nodeID:   nodeID,
		state:    state,
		replicas: replicas,
		logger:   logger,
	}
}

func (s *GossipService) status() PeerStatus {
	return PeerStatus{
		Name:         s.nodeID,
		State:        s.state(),
		CommittedLSN: s.replicas.LastCommittedLSN(),
		Timestamp:    time.Now().Unix(),
	}
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.status())
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var peer PeerStatus
	if err := json.Unmarshal(data, &peer); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	s.logger.Debug("Received peer status",
		zap.String("node_id", peer.Name),
		zap.String("state", string(peer.State)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.status())
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Members returns the live peers and what they last advertised, sorted by name
func (s *GossipService) Members() []PeerStatus {
	if s.memberlist == nil {
		return nil
	}
	var peers []PeerStatus
	for _, m := range s.memberlist.Members() {
		peer := PeerStatus{Name: m.Name}
		if len(m.Meta) > 0 {
			_ = json.Unmarshal(m.Meta, &peer)
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(s.config.ProbeTimeout + time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// resync hands a rejoined replica the last committed LSN.
func (s *GossipService) resync(name string) {
	isReplica := false
	for _, target := range s.replicas.Targets() {
		if target == name {
			isReplica = true
			break
		}
	}
	if !isReplica {
		return
	}

	s.enterRecovery()
	defer s.leaveRecovery()

	lsn := s.replicas.LastCommittedLSN()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ResyncTimeout)
	defer cancel()

	if err := s.replicas.UpdateLSNForNewReplica(ctx, lsn, name); err != nil {
		s.logger.Warn("Failed to resync rejoined replica",
			zap.String("replica", name),
			zap.Uint64("lsn", lsn),
			zap.Error(err))
		return
	}
	s.logger.Info("Resynced rejoined replica",
		zap.String("replica", name),
		zap.Uint64("lsn", lsn))
}

func (s *GossipService) enterRecovery() {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()
	if s.recovering == 0 {
		s.replicas.SetRecoverMode(true)
	}
	s.recovering++
}

func (s *GossipService) leaveRecovery() {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()
	s.recovering--
	if s.recovering == 0 {
		s.replicas.UnsetRecoverMode()
	}
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	if node.Name == d.service.nodeID {
		return
	}
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))

	// memberlist delivers events synchronously; keep the RPC off its goroutine.
	go d.service.resync(node.Name)
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
