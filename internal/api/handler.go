// Package api exposes the engine over HTTP: the evaluation endpoint the
// edge calls per request, and the administrative surface (config, resets,
// stats, health) for operators and the dashboard.
package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/internal/blocklist"
	"gatekeeper/internal/config"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/stats"
	"gatekeeper/internal/storage"
	"gatekeeper/pkg/errors"
	"gatekeeper/pkg/requestid"
)

// Reset scopes accepted by POST /reset.
const (
	ResetScopeAll      = "all"
	ResetScopeIP       = "ip"
	ResetScopeUser     = "user"
	ResetScopeEndpoint = "endpoint"
)

const maxBodyBytes = 1 << 20

// ConfigService is where the handler reads and replaces the active
// configuration. Satisfied by app.Server.
type ConfigService interface {
	Current() *config.Config
	Apply(cfg *config.Config) error
}

// Handler serves the HTTP API.
type Handler struct {
	engine   *engine.Evaluator
	counters storage.CounterStore
	blocks   *blocklist.Manager
	risk     *risk.Scorer
	stats    *stats.Collector
	cfg      ConfigService
	health   func() bool
	auth     *Authenticator
	tracer   trace.Tracer
	logger   *slog.Logger
	mux      *http.ServeMux
	started  time.Time
}

// NewHandler wires the API routes.
func NewHandler(
	eval *engine.Evaluator,
	counters storage.CounterStore,
	blocks *blocklist.Manager,
	scorer *risk.Scorer,
	collector *stats.Collector,
	cfgSvc ConfigService,
	auth *Authenticator,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		engine:   eval,
		counters: counters,
		blocks:   blocks,
		risk:     scorer,
		stats:    collector,
		cfg:      cfgSvc,
		auth:     auth,
		logger:   logger.With("component", "api"),
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	h.routes()
	return h
}

// SetHealthCheck installs the store reachability probe used by /healthz.
func (h *Handler) SetHealthCheck(probe func() bool) {
	h.health = probe
}

// SetTracer installs the tracer that spans each evaluation.
func (h *Handler) SetTracer(tracer trace.Tracer) {
	h.tracer = tracer
}

func (h *Handler) routes() {
	h.mux.HandleFunc("/evaluate", h.handleEvaluate)
	h.mux.HandleFunc("/config", h.protect(h.handleConfig))
	h.mux.HandleFunc("/reset", h.protect(h.handleReset))
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/blocks", h.protect(h.handleBlocks))
	h.mux.HandleFunc("/healthz", h.handleHealthz)
}

// ServeHTTP implements http.Handler. Every response carries an
// X-Request-Id so callers can correlate decisions with log lines.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = requestid.New()
	}
	w.Header().Set("X-Request-Id", id)
	h.mux.ServeHTTP(w, r)
}

// protect wraps a handler with admin authentication when it is configured.
func (h *Handler) protect(next http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.auth.Authenticate(r); err != nil {
			h.writeError(w, err)
			return
		}
		next(w, r)
	}
}

// EvaluateRequest is the body of POST /evaluate.
type EvaluateRequest struct {
	IP        string `json:"ip"`
	UserID    string `json:"user_id,omitempty"`
	Tier      string `json:"tier,omitempty"`
	Endpoint  string `json:"endpoint"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.IP == "" || req.Endpoint == "" {
		h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "request context incomplete: ip and endpoint are required"))
		return
	}

	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "evaluate", trace.WithAttributes(
			attribute.String("client.ip", req.IP),
			attribute.String("http.endpoint", req.Endpoint),
		))
		defer span.End()
	}

	dec := h.engine.Evaluate(ctx, engine.Request{
		IP:        req.IP,
		UserID:    req.UserID,
		Tier:      req.Tier,
		Endpoint:  req.Endpoint,
		UserAgent: req.UserAgent,
	})
	if span != nil {
		span.SetAttributes(
			attribute.Bool("decision.allowed", dec.Allowed),
			attribute.String("decision.reason", dec.Reason),
			attribute.Int("decision.risk_score", dec.RiskScore),
		)
	}
	h.writeJSON(w, http.StatusOK, dec)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.cfg.Current())

	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "read body").WithCause(err))
			return
		}
		cfg, err := config.Parse(body)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if err := h.cfg.Apply(cfg); err != nil {
			h.writeError(w, err)
			return
		}
		h.logger.Info("configuration replaced via API")
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})

	default:
		h.writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ResetRequest is the body of POST /reset.
type ResetRequest struct {
	Scope  string `json:"scope"`
	Target string `json:"target,omitempty"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ResetRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	ctx := r.Context()
	switch req.Scope {
	case ResetScopeAll:
		if err := h.counters.Reset(ctx, ""); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "reset counters").WithCause(err))
			return
		}
		if err := h.blocks.ClearAll(ctx); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "clear blocks").WithCause(err))
			return
		}

	case ResetScopeIP:
		if req.Target == "" {
			h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "ip reset needs a target"))
			return
		}
		if err := h.counters.Reset(ctx, "ip:"+req.Target); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "reset counters").WithCause(err))
			return
		}
		if err := h.blocks.Clear(ctx, req.Target); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "clear block").WithCause(err))
			return
		}
		if err := h.risk.Resolve(ctx, req.Target); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "resolve patterns").WithCause(err))
			return
		}

	case ResetScopeUser:
		if req.Target == "" {
			h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "user reset needs a target"))
			return
		}
		if err := h.counters.Reset(ctx, "user:"+req.Target); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "reset counters").WithCause(err))
			return
		}

	case ResetScopeEndpoint:
		if req.Target == "" {
			h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "endpoint reset needs a target"))
			return
		}
		if err := h.counters.Reset(ctx, "endpoint:"+req.Target); err != nil {
			h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "reset counters").WithCause(err))
			return
		}

	default:
		h.writeError(w, errors.NewError(errors.ErrorTypeBadRequest, "unknown reset scope").WithDetail("scope", req.Scope))
		return
	}

	h.logger.Info("administrative reset", "scope", req.Scope, "target", req.Target)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "scope": req.Scope})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// BlocksResponse lists the active temporary blocks.
type BlocksResponse struct {
	Blocks []*storage.BlockedIP `json:"blocks"`
}

func (h *Handler) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	active, err := h.blocks.ActiveBlocks(r.Context(), time.Now())
	if err != nil {
		h.writeError(w, errors.NewError(errors.ErrorTypeStoreUnavailable, "list blocks").WithCause(err))
		return
	}
	if active == nil {
		active = []*storage.BlockedIP{}
	}
	h.writeJSON(w, http.StatusOK, BlocksResponse{Blocks: active})
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Uptime string `json:"uptime"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{Status: "healthy", Store: "reachable", Uptime: time.Since(h.started).String()}
	status := http.StatusOK
	if h.health != nil && !h.health() {
		// Degraded, not down: the engine keeps answering under its
		// fail-open/fail-closed policy.
		resp.Status = "degraded"
		resp.Store = "unreachable"
	}
	h.writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewError(errors.ErrorTypeBadRequest, "invalid request body").WithCause(err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var apiErr *errors.Error
	if stderrors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode()
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeErrorStatus(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
