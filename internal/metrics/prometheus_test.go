package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCoordinatorMetrics(t *testing.T) {
	m := NewCoordinatorMetrics(prometheus.NewRegistry())

	m.RecordOperation("start", nil, 0.2)
	m.RecordOperation("start", errors.New("boom"), 0.1)
	m.RecordTransfer("copy", true, 1)
	m.UpdateMembership(2, 1, map[string]int{"STARTED": 2, "STOPPED": 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("start", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("start", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues("copy", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RingSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodesByState.WithLabelValues("STARTED")))
}

func TestStorageMetrics(t *testing.T) {
	m := NewStorageMetrics(prometheus.NewRegistry())

	m.SetState("STARTED")
	m.SetState("STOPPED")
	m.SetRecoverMode(true)
	m.RecordReplication("server-2", "replicate", nil)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ServingState.WithLabelValues("STARTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServingState.WithLabelValues("STOPPED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoverMode))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplicationsTotal.WithLabelValues("server-2", "replicate", "success")))
}
