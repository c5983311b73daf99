package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics holds the coordinator's Prometheus metrics
type CoordinatorMetrics struct {
	// Membership metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	NodesByState      *prometheus.GaugeVec
	RingSize          prometheus.Gauge
	PoolAvailable     prometheus.Gauge

	// Publication metrics
	PublishTotal *prometheus.CounterVec

	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// Admin API metrics
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewCoordinatorMetrics creates the metrics and registers them with reg
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	factory := promauto.With(reg)

	return &CoordinatorMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_coordinator_operations_total",
				Help: "Total number of membership operations",
			},
			[]string{"operation", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvring_coordinator_operation_duration_seconds",
				Help:    "Duration of membership operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		NodesByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kvring_coordinator_nodes",
				Help: "Number of known nodes by lifecycle state",
			},
			[]string{"state"},
		),

		RingSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvring_coordinator_ring_size",
				Help: "Number of nodes on the hash ring",
			},
		),

		PoolAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvring_coordinator_pool_available",
				Help: "Number of idle nodes available for provisioning",
			},
		),

		PublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_coordinator_publish_total",
				Help: "Total number of coordination store publications",
			},
			[]string{"kind", "status"},
		),

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_coordinator_transfers_total",
				Help: "Total number of range transfer requests",
			},
			[]string{"kind", "status"},
		),

		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvring_coordinator_transfer_duration_seconds",
				Help:    "Time from issuing a transfer to its acknowledgement or timeout",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_coordinator_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "route", "code"},
		),
	}
}

// RecordOperation records a membership operation
func (m *CoordinatorMetrics) RecordOperation(operation string, err error, seconds float64) {
	m.OperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordPublish records a coordination store write
func (m *CoordinatorMetrics) RecordPublish(kind string, err error) {
	m.PublishTotal.WithLabelValues(kind, status(err)).Inc()
}

// RecordTransfer records a range transfer outcome
func (m *CoordinatorMetrics) RecordTransfer(kind string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.TransfersTotal.WithLabelValues(kind, result).Inc()
	m.TransferDuration.WithLabelValues(kind).Observe(seconds)
}

// UpdateMembership sets the ring, pool and per-state gauges
func (m *CoordinatorMetrics) UpdateMembership(ringSize, available int, byState map[string]int) {
	m.RingSize.Set(float64(ringSize))
	m.PoolAvailable.Set(float64(available))
	m.NodesByState.Reset()
	for state, count := range byState {
		m.NodesByState.WithLabelValues(state).Set(float64(count))
	}
}

// StorageMetrics holds a storage server's Prometheus metrics
type StorageMetrics struct {
	WritesTotal       *prometheus.CounterVec
	ReadsTotal        *prometheus.CounterVec
	ReplicationsTotal *prometheus.CounterVec
	ReplicaQueueDepth *prometheus.GaugeVec
	ReplicaTargets    prometheus.Gauge
	CommittedLSN      prometheus.Gauge
	RecoverMode       prometheus.Gauge
	TransfersTotal    *prometheus.CounterVec
	TransferredKeys   *prometheus.CounterVec
	ServingState      *prometheus.GaugeVec
}

// NewStorageMetrics creates the metrics and registers them with reg
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	factory := promauto.With(reg)

	return &StorageMetrics{
		WritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_storage_writes_total",
				Help: "Total number of client writes",
			},
			[]string{"kind", "status"},
		),
		ReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_storage_reads_total",
				Help: "Total number of client reads",
			},
			[]string{"status"},
		),
		ReplicationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_storage_replications_total",
				Help: "Total number of replica forwards and commits",
			},
			[]string{"replica", "kind", "status"},
		),
		ReplicaQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kvring_storage_replica_queue_depth",
				Help: "Pending operations per replica",
			},
			[]string{"replica"},
		),
		ReplicaTargets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvring_storage_replica_targets",
				Help: "Number of connected replicas",
			},
		),
		CommittedLSN: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvring_storage_committed_lsn",
				Help: "Last committed log sequence number",
			},
		),
		RecoverMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvring_storage_recover_mode",
				Help: "1 while forwarded writes are flagged as recovery traffic",
			},
		),
		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_storage_transfers_total",
				Help: "Total number of transfer messages handled",
			},
			[]string{"kind", "status"},
		),
		TransferredKeys: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvring_storage_transferred_keys_total",
				Help: "Keys exported, imported or deleted by range transfers",
			},
			[]string{"direction"},
		),
		ServingState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kvring_storage_state",
				Help: "1 for the server's current lifecycle state",
			},
			[]string{"state"},
		),
	}
}

// RecordReplication records one replica call
func (m *StorageMetrics) RecordReplication(replica, kind string, err error) {
	m.ReplicationsTotal.WithLabelValues(replica, kind, status(err)).Inc()
}

// RecordTransfer records a handled transfer message
func (m *StorageMetrics) RecordTransfer(kind string, err error) {
	m.TransfersTotal.WithLabelValues(kind, status(err)).Inc()
}

// SetState marks the current lifecycle state
func (m *StorageMetrics) SetState(state string) {
	m.ServingState.Reset()
	m.ServingState.WithLabelValues(state).Set(1)
}

// SetRecoverMode sets the recover mode gauge
func (m *StorageMetrics) SetRecoverMode(on bool) {
	if on {
		m.RecoverMode.Set(1)
		return
	}
	m.RecoverMode.Set(0)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
