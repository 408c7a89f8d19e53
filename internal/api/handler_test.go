package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"gatekeeper/internal/adaptive"
	"gatekeeper/internal/blocklist"
	"gatekeeper/internal/config"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/stats"
	"gatekeeper/internal/storage/memory"
)

type fakeConfigService struct {
	current  *config.Config
	applied  *config.Config
	applyErr error
}

func (f *fakeConfigService) Current() *config.Config { return f.current }

func (f *fakeConfigService) Apply(cfg *config.Config) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = cfg
	return nil
}

func apiConfig() *config.Config {
	return &config.Config{
		Server: config.Server{Port: 8080},
		Store:  config.Store{Type: "memory"},
		Limits: []config.LimitRule{
			{Scope: "global", Capacity: 100, Window: 60},
			{Scope: "ip", Capacity: 2, Window: 60},
		},
		Risk:     config.Risk{BlockThreshold: 70, Lookback: 300, QueueSize: 64},
		Blocking: config.Blocking{BaseDuration: 60, BackoffCap: 6},
		Policy:   config.Policy{Mode: config.PolicyFailOpen},
	}
}

type apiHarness struct {
	handler *Handler
	cfgSvc  *fakeConfigService
	blocks  *blocklist.Manager
}

func newAPIHarness(t *testing.T, cfg *config.Config, auth *Authenticator) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	counters := memory.NewCounterStore(nil)
	t.Cleanup(func() { counters.Close() })
	blocks := blocklist.NewManager(cfg.Blocking.ManagerConfig(), memory.NewBlockStore(), logger)
	scorer := risk.NewScorer(cfg.Risk.ScorerConfig(), memory.NewPatternStore(), blocks, logger)
	controller := adaptive.NewController(adaptive.DefaultConfig(), nil, logger)
	collector := stats.NewCollector(stats.Config{Window: time.Minute})

	eval := engine.NewEvaluator(counters, blocks, scorer, controller, collector, logger)
	if err := eval.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	cfgSvc := &fakeConfigService{current: cfg}
	h := NewHandler(eval, counters, blocks, scorer, collector, cfgSvc, auth, logger)
	return &apiHarness{handler: h, cfgSvc: cfgSvc, blocks: blocks}
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateEndpoint(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	rec := h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.1","endpoint":"/api/videos"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var dec engine.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dec.Allowed || dec.Reason != engine.ReasonOK {
		t.Errorf("decision = %+v, want allowed", dec)
	}

	// Third request from the same IP trips the per-IP rule.
	h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.1","endpoint":"/api/videos"}`, nil)
	rec = h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.1","endpoint":"/api/videos"}`, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Allowed || dec.Reason != engine.ReasonIPLimit {
		t.Errorf("decision = %+v, want per-IP denial", dec)
	}
}

func TestEvaluateEmitsSpan(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	h.handler.SetTracer(tp.Tracer("test"))

	rec := h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.9","endpoint":"/api/videos"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "evaluate" {
		t.Errorf("span name = %q, want %q", span.Name(), "evaluate")
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["client.ip"].AsString(); got != "10.0.0.9" {
		t.Errorf("client.ip attribute = %q, want 10.0.0.9", got)
	}
	if !attrs["decision.allowed"].AsBool() {
		t.Error("expected decision.allowed attribute to be true")
	}
	if got := attrs["decision.reason"].AsString(); got != engine.ReasonOK {
		t.Errorf("decision.reason attribute = %q, want %q", got, engine.ReasonOK)
	}
}

func TestEvaluateRejectsIncompleteContext(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing ip", `{"endpoint":"/api/videos"}`, http.StatusBadRequest},
		{"missing endpoint", `{"ip":"10.0.0.1"}`, http.StatusBadRequest},
		{"malformed json", `{"ip":`, http.StatusBadRequest},
		{"unknown field", `{"ip":"10.0.0.1","endpoint":"/x","extra":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/evaluate", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}

	if rec := h.do(t, http.MethodGet, "/evaluate", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestResetRestoresQuota(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)
	body := `{"ip":"10.0.0.2","endpoint":"/api/videos"}`

	h.do(t, http.MethodPost, "/evaluate", body, nil)
	h.do(t, http.MethodPost, "/evaluate", body, nil)
	rec := h.do(t, http.MethodPost, "/evaluate", body, nil)
	var dec engine.Decision
	json.Unmarshal(rec.Body.Bytes(), &dec)
	if dec.Allowed {
		t.Fatal("expected exhausted quota before reset")
	}

	rec = h.do(t, http.MethodPost, "/reset", `{"scope":"ip","target":"10.0.0.2"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodPost, "/evaluate", body, nil)
	json.Unmarshal(rec.Body.Bytes(), &dec)
	if !dec.Allowed {
		t.Errorf("decision after reset = %+v, want allowed", dec)
	}
}

func TestResetValidation(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	if rec := h.do(t, http.MethodPost, "/reset", `{"scope":"galaxy"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown scope status = %d, want 400", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/reset", `{"scope":"ip"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing target status = %d, want 400", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/reset", `{"scope":"all"}`, nil); rec.Code != http.StatusOK {
		t.Errorf("scope all status = %d, want 200", rec.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	t.Run("get returns active config", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/config", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var got config.Config
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got.Limits) != 2 {
			t.Errorf("limits = %d, want 2", len(got.Limits))
		}
	})

	t.Run("put applies valid config", func(t *testing.T) {
		body := `{"server":{"port":8080},"store":{"type":"memory"},"policy":{"mode":"fail-open"},` +
			`"risk":{"blockThreshold":70},"blocking":{"baseDuration":60},` +
			`"limits":[{"scope":"ip","capacity":5,"window":60}]}`
		rec := h.do(t, http.MethodPut, "/config", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		if h.cfgSvc.applied == nil || h.cfgSvc.applied.Limits[0].Capacity != 5 {
			t.Errorf("applied config = %+v, want capacity 5", h.cfgSvc.applied)
		}
	})

	t.Run("put rejects invalid config", func(t *testing.T) {
		body := `{"server":{"port":8080},"store":{"type":"memory"},"policy":{"mode":"fail-open"},` +
			`"risk":{"blockThreshold":70},"blocking":{"baseDuration":60},` +
			`"limits":[{"scope":"ip","capacity":-1,"window":60}]}`
		rec := h.do(t, http.MethodPut, "/config", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
		}
	})
}

func TestAdminAuth(t *testing.T) {
	secret := "test-secret"
	auth := NewAuthenticator(config.Admin{Enabled: true, Secret: secret, Issuer: "gatekeeper"})
	h := newAPIHarness(t, apiConfig(), auth)

	sign := func(claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	t.Run("missing token", func(t *testing.T) {
		if rec := h.do(t, http.MethodGet, "/config", "", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		tok := sign(jwt.MapClaims{"iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix()})
		rec := h.do(t, http.MethodGet, "/config", "", map[string]string{"Authorization": "Bearer " + tok})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		tok := sign(jwt.MapClaims{"iss": "gatekeeper", "exp": time.Now().Add(-time.Hour).Unix()})
		rec := h.do(t, http.MethodGet, "/config", "", map[string]string{"Authorization": "Bearer " + tok})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		tok := sign(jwt.MapClaims{"iss": "gatekeeper", "exp": time.Now().Add(time.Hour).Unix()})
		rec := h.do(t, http.MethodGet, "/config", "", map[string]string{"Authorization": "Bearer " + tok})
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
		}
	})

	t.Run("evaluate stays open", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.3","endpoint":"/x"}`, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.4","endpoint":"/api/videos"}`, nil)
	h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.4","endpoint":"/api/videos"}`, nil)
	h.do(t, http.MethodPost, "/evaluate", `{"ip":"10.0.0.4","endpoint":"/api/videos"}`, nil)

	rec := h.do(t, http.MethodGet, "/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rep stats.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Total != 3 || rep.Allowed != 2 || rep.Denied != 1 {
		t.Errorf("report = %+v, want 3/2/1", rep)
	}
	if len(rep.TopDeniedIPs) != 1 || rep.TopDeniedIPs[0].Key != "10.0.0.4" {
		t.Errorf("TopDeniedIPs = %+v", rep.TopDeniedIPs)
	}
}

func TestBlocksEndpoint(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)
	now := time.Now()
	if _, err := h.blocks.RecordViolation(t.Context(), "10.0.0.5", "risk threshold exceeded", 80, now); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/blocks", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp BlocksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].IP != "10.0.0.5" {
		t.Errorf("blocks = %+v", resp.Blocks)
	}
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t, apiConfig(), nil)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}

	h.handler.SetHealthCheck(func() bool { return false })
	rec = h.do(t, http.MethodGet, "/healthz", "", nil)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "degraded" || resp.Store != "unreachable" {
		t.Errorf("response = %+v, want degraded/unreachable", resp)
	}
}
