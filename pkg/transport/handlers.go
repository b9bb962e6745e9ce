package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/observability"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
)

// Chatter processes one chat turn. Implemented by engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)
}

// SandboxOps is the subset of sandbox operations the transport layer
// drives directly: file transfer for uploads and charts, execution for
// the upload-time schema probe.
type SandboxOps interface {
	Execute(ctx context.Context, h *sandbox.Handle, code string, timeout time.Duration) (*api.ExecutionResult, error)
	UploadFile(ctx context.Context, h *sandbox.Handle, name string, content []byte) error
	FetchFile(ctx context.Context, h *sandbox.Handle, name string) ([]byte, error)
}

// Config holds handler settings.
type Config struct {
	// MaxUploadBytes bounds one upload request body. Default: 50 MiB.
	MaxUploadBytes int64

	// ProbeTimeout bounds the upload-time schema probe. Default: 30s.
	ProbeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 50 << 20
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
}

// Handler serves the datachat API routes.
type Handler struct {
	chatter Chatter
	store   session.Store
	sandbox SandboxOps
	cfg     Config
}

// NewHandler creates the API handler.
func NewHandler(chatter Chatter, store session.Store, sb SandboxOps, cfg Config) *Handler {
	cfg.defaults()
	return &Handler{chatter: chatter, store: store, sandbox: sb, cfg: cfg}
}

// Routes returns the route mux with per-route metrics instrumentation.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern, label string, fn http.HandlerFunc) {
		mux.Handle(pattern, observability.MetricsMiddleware(label, fn))
	}

	route("POST /api/chat", "/api/chat", h.handleChat)
	route("POST /api/upload", "/api/upload", h.handleUpload)
	route("GET /api/charts/{name}", "/api/charts/{name}", h.handleChart)
	route("POST /api/session/close", "/api/session/close", h.handleSessionClose)
	route("GET /healthz", "/healthz", h.handleHealth)
	route("GET /readyz", "/readyz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, api.NewInvalidRequestError("", "invalid JSON body"))
		return
	}

	resp, err := h.chatter.Chat(r.Context(), &req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, api.NewInvalidRequestError("", "invalid JSON body"))
		return
	}
	if req.SessionID == "" {
		WriteError(w, api.NewInvalidRequestError("session_id", "session_id is required"))
		return
	}

	if err := h.store.Close(r.Context(), session.ScopedID(r.Context(), req.SessionID)); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "session_id": req.SessionID})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
