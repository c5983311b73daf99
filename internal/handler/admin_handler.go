// Package handler exposes the coordinator's membership operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/service"
)

// Cluster is the set of membership operations the admin API drives
type Cluster interface {
	Provision(ctx context.Context, count, cacheSize int, evictionPolicy string) ([]model.Node, error)
	AddNode(ctx context.Context, cacheSize int, evictionPolicy string) (model.Node, error)
	Start(ctx context.Context) (service.StartResult, error)
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	RemoveNodes(ctx context.Context, names []string) (service.RemoveResult, error)
	NodeByKey(key string) (model.Node, error)
	Nodes() map[string]model.Node
	Pool() []model.Node
	Ring() model.RingSnapshot
	Events(ctx context.Context, limit int) ([]model.MembershipEvent, error)
}

// ProvisionRequest is the body of POST /v1/nodes/provision. Zero cache settings fall
// back to the configured defaults.
type ProvisionRequest struct {
	Count          int    `json:"count"`
	CacheSize      int    `json:"cache_size"`
	EvictionPolicy string `json:"eviction_policy"`
}

// RemoveRequest is the body of POST /v1/nodes/remove
type RemoveRequest struct {
	Names []string `json:"names"`
}

// Outcome is the per-node result of a batch operation
type Outcome struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// BatchResponse reports a batch operation
type BatchResponse struct {
	Started  []string  `json:"started,omitempty"`
	Removed  []string  `json:"removed,omitempty"`
	Skipped  []string  `json:"skipped,omitempty"`
	Outcomes []Outcome `json:"outcomes"`
}

// Event is the JSON form of a membership event
type Event struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Node       string    `json:"node"`
	State      string    `json:"state"`
	RangeStart string    `json:"range_start,omitempty"`
	RangeEnd   string    `json:"range_end,omitempty"`
	At         time.Time `json:"at"`
}

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Node      string `json:"node,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AdminHandler serves the coordinator admin API
type AdminHandler struct {
	cluster        Cluster
	cacheSize      int
	evictionPolicy string
	timeout        time.Duration
	logger         *zap.Logger
}

// NewAdminHandler creates the admin API. cacheSize and evictionPolicy are applied when
// a provisioning request leaves them unset. timeout bounds each request.
func NewAdminHandler(cluster Cluster, cacheSize int, evictionPolicy string, timeout time.Duration, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		cluster:        cluster,
		cacheSize:      cacheSize,
		evictionPolicy: evictionPolicy,
		timeout:        timeout,
		logger:         logger,
	}
}

// Register mounts the admin routes on r.
func (h *AdminHandler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/nodes", h.ListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", h.AddNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/provision", h.Provision).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/remove", h.RemoveNodes).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{name}", h.RemoveNode).Methods(http.MethodDelete)
	v1.HandleFunc("/pool", h.ListPool).Methods(http.MethodGet)
	v1.HandleFunc("/ring", h.GetRing).Methods(http.MethodGet)
	v1.HandleFunc("/events", h.ListEvents).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{key}/node", h.LookupKey).Methods(http.MethodGet)

	v1.HandleFunc("/cluster/start", h.Start).Methods(http.MethodPost)
	v1.HandleFunc("/cluster/stop", h.Stop).Methods(http.MethodPost)
	v1.HandleFunc("/cluster/shutdown", h.Shutdown).Methods(http.MethodPost)
}

// Provision handles POST /v1/nodes/provision
func (h *AdminHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, kverrors.InvalidArgument("malformed request body", err))
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	cacheSize, policy := h.cacheDefaults(req.CacheSize, req.EvictionPolicy)
	nodes, err := h.cluster.Provision(ctx, req.Count, cacheSize, policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	records := make([]model.NodeRecord, 0, len(nodes))
	for _, node := range nodes {
		records = append(records, model.RecordOf(node))
	}
	h.writeJSON(w, http.StatusCreated, records)
}

// AddNode handles POST /v1/nodes. The body is optional.
func (h *AdminHandler) AddNode(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, kverrors.InvalidArgument("malformed request body", err))
			return
		}
	}

	ctx, cancel := h.context(r)
	defer cancel()

	cacheSize, policy := h.cacheDefaults(req.CacheSize, req.EvictionPolicy)
	node, err := h.cluster.AddNode(ctx, cacheSize, policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, model.RecordOf(node))
}

// RemoveNodes handles POST /v1/nodes/remove
func (h *AdminHandler) RemoveNodes(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, kverrors.InvalidArgument("malformed request body", err))
		return
	}
	if len(req.Names) == 0 {
		h.writeError(w, r, kverrors.InvalidArgument("names is required", nil))
		return
	}
	h.remove(w, r, req.Names)
}

// RemoveNode handles DELETE /v1/nodes/{name}
func (h *AdminHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, []string{mux.Vars(r)["name"]})
}

func (h *AdminHandler) remove(w http.ResponseWriter, r *http.Request, names []string) {
	ctx, cancel := h.context(r)
	defer cancel()

	result, err := h.cluster.RemoveNodes(ctx, names)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, batchStatus(result.Outcomes), BatchResponse{
		Removed:  result.Removed,
		Skipped:  result.Skipped,
		Outcomes: outcomes(result.Outcomes),
	})
}

// Start handles POST /v1/cluster/start
func (h *AdminHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	result, err := h.cluster.Start(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, batchStatus(result.Outcomes), BatchResponse{
		Started:  result.Started,
		Outcomes: outcomes(result.Outcomes),
	})
}

// Stop handles POST /v1/cluster/stop
func (h *AdminHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.cluster.Stop(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Shutdown handles POST /v1/cluster/shutdown
func (h *AdminHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	if err := h.cluster.Shutdown(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNodes handles GET /v1/nodes; nodes are in ring order
func (h *AdminHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.cluster.Nodes()
	records := make([]model.NodeRecord, 0, len(nodes))
	for _, node := range nodes {
		records = append(records, model.RecordOf(node))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Hash.Less(records[j].Hash) })
	h.writeJSON(w, http.StatusOK, records)
}

// ListPool handles GET /v1/pool
func (h *AdminHandler) ListPool(w http.ResponseWriter, r *http.Request) {
	pool := h.cluster.Pool()
	records := make([]model.NodeRecord, 0, len(pool))
	for _, node := range pool {
		records = append(records, model.RecordOf(node))
	}
	h.writeJSON(w, http.StatusOK, records)
}

// GetRing handles GET /v1/ring
func (h *AdminHandler) GetRing(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cluster.Ring())
}

// ListEvents handles GET /v1/events?limit=N
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, kverrors.InvalidArgument("limit must be a positive integer", fmt.Errorf("%q", raw)))
			return
		}
		limit = n
	}

	ctx, cancel := h.context(r)
	defer cancel()

	events, err := h.cluster.Events(ctx, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]Event, 0, len(events))
	for _, ev := range events {
		e := Event{
			ID:        ev.ID,
			Operation: string(ev.Operation),
			Node:      ev.NodeName,
			State:     string(ev.State),
			At:        ev.At,
		}
		if ev.Range != nil {
			e.RangeStart, e.RangeEnd = ev.Range.Start.String(), ev.Range.End.String()
		}
		resp = append(resp, e)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// LookupKey handles GET /v1/keys/{key}/node
func (h *AdminHandler) LookupKey(w http.ResponseWriter, r *http.Request) {
	node, err := h.cluster.NodeByKey(mux.Vars(r)["key"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model.RecordOf(node))
}

func (h *AdminHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *AdminHandler) cacheDefaults(cacheSize int, policy string) (int, string) {
	if cacheSize <= 0 {
		cacheSize = h.cacheSize
	}
	if policy == "" {
		policy = h.evictionPolicy
	}
	return cacheSize, policy
}

// batchStatus is 200 when every node succeeded and 207 otherwise.
func batchStatus(results []kverrors.NodeOutcome) int {
	if len(kverrors.Failed(results)) > 0 {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

func outcomes(results []kverrors.NodeOutcome) []Outcome {
	out := make([]Outcome, 0, len(results))
	for _, o := range results {
		item := Outcome{Name: o.Name}
		if o.Err != nil {
			item.Error = o.Err.Error()
			item.Code = kverrors.GetCode(o.Err).String()
		}
		out = append(out, item)
	}
	return out
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := kverrors.HTTPStatus(err)
	resp := ErrorResponse{
		ErrorCode: kverrors.GetCode(err).String(),
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	}
	var ce *kverrors.ClusterError
	if kverrors.As(err, &ce) {
		resp.Node = ce.Node
	}

	h.logger.Warn("HTTP error response",
		zap.Int("status_code", status),
		zap.String("error_code", resp.ErrorCode),
		zap.String("request_id", resp.RequestID),
		zap.Error(err))

	h.writeJSON(w, status, resp)
}
