// Package httpapi implements the sync wire protocol over HTTP: edge devices
// push NDJSON event batches to POST /sync/up and drain the hub log with
// GET /sync/down. Bodies may be snappy-compressed when the request carries
// Content-Encoding: snappy.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"floracore/internal/core"
	"floracore/pkg/domain"
)

const (
	headerTenant      = "X-Tenant-ID"
	contentTypeNDJSON = "application/x-ndjson"
	encodingSnappy    = "snappy"
	defaultPullLimit  = 500
	maxPullLimit      = 2000
	maxUpBodyBytes    = 32 << 20
)

// ServiceResolver maps a tenant id to the service handling its events.
type ServiceResolver func(tenantID string) (*core.Service, bool)

// Handler serves the hub side of the sync protocol.
type Handler struct {
	Resolve ServiceResolver
	// Token is the static bearer token clients must present. Empty disables
	// auth, which is only acceptable for tests and local loops.
	Token string
	// OnAccepted, when set, observes each accepted batch after it is
	// durably recorded. The hub uses it to archive batches off-site.
	OnAccepted func(ctx context.Context, tenantID string, events []domain.SyncEvent)
}

// NewHandler constructs a sync HTTP handler for a single service. Multi
// tenant deployments supply their own resolver instead.
func NewHandler(service *core.Service, token string) *Handler {
	return &Handler{
		Resolve: func(string) (*core.Service, bool) { return service, service != nil },
		Token:   token,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	tenant := r.Header.Get(headerTenant)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "missing "+headerTenant+" header")
		return
	}
	service, ok := h.Resolve(tenant)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && path == "/sync/up":
		h.handleUp(w, r, service, tenant)
	case r.Method == http.MethodGet && path == "/sync/down":
		h.handleDown(w, r, service, tenant)
	case r.Method == http.MethodGet && path == "/sync/status":
		h.handleStatus(w, r, service)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(auth, "Bearer ") == h.Token
}

func (h *Handler) handleUp(w http.ResponseWriter, r *http.Request, service *core.Service, tenant string) {
	body := io.Reader(http.MaxBytesReader(w, r.Body, maxUpBodyBytes))
	if r.Header.Get("Content-Encoding") == encodingSnappy {
		raw, err := io.ReadAll(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "decode snappy: "+err.Error())
			return
		}
		body = strings.NewReader(string(decoded))
	}
	events, err := domain.DecodeNDJSON(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode ndjson: "+err.Error())
		return
	}
	result, err := service.RecordEventBatch(r.Context(), events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.OnAccepted != nil && len(result.Accepted) > 0 {
		accepted := make(map[string]struct{}, len(result.Accepted))
		for _, id := range result.Accepted {
			accepted[id] = struct{}{}
		}
		batch := make([]domain.SyncEvent, 0, len(result.Accepted))
		for _, ev := range events {
			if _, ok := accepted[ev.EventID]; ok {
				batch = append(batch, ev)
			}
		}
		h.OnAccepted(r.Context(), tenant, batch)
	}
	writeJSON(w, http.StatusOK, result)
}

type downResponse struct {
	Events     []domain.SyncEvent `json:"events"`
	NextCursor string             `json:"next_cursor"`
}

func (h *Handler) handleDown(w http.ResponseWriter, r *http.Request, service *core.Service, tenant string) {
	cursor := r.URL.Query().Get("cursor")
	limit := defaultPullLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(parsed, maxPullLimit)
	}
	events, next, err := service.Store().EventsSince(r.Context(), tenant, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, downResponse{Events: events, NextCursor: next})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, service *core.Service) {
	depth, err := service.Store().OutboxDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	quarantined, err := service.Store().ListQuarantined(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.SyncStatus{
		PendingOutbox:    depth,
		QuarantinedCount: len(quarantined),
	})
}

// Healthz reports liveness; it carries no tenant scope and needs no auth.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewMux wires the sync handler and health endpoint onto a fresh mux.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/sync/", h)
	mux.HandleFunc("/healthz", Healthz)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
