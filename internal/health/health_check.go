package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pinger is anything that can report its own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a plain function to Pinger
type CheckFunc func(ctx context.Context) error

// Ping implements Pinger
func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker provides health check endpoints
type HealthChecker struct {
	checks  map[string]Pinger
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. A zero timeout means 5s.
func NewHealthChecker(timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		checks:  make(map[string]Pinger),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named dependency to the readiness probe. Nil checks are skipped.
func (h *HealthChecker) Register(name string, p Pinger) *HealthChecker {
	if p != nil {
		h.checks[name] = p
	}
	return h
}

// Names returns the registered check names, sorted.
func (h *HealthChecker) Names() []string {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check concurrently and reports each outcome.
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]string, len(h.checks))
	healthy := true

	g, gctx := errgroup.WithContext(ctx)
	for name, p := range h.checks {
		g.Go(func() error {
			err := p.Ping(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Error("Health check failed", zap.String("check", name), zap.Error(err))
				results[name] = "unhealthy: " + err.Error()
				healthy = false
				return nil
			}
			results[name] = "healthy"
			return nil
		})
	}
	_ = g.Wait()

	return results, healthy
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks, healthy := h.Check(r.Context())

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if healthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}
