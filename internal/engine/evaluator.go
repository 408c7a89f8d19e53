// Package engine decides whether a request is admitted. One Evaluate call
// checks the operator lists, any temporary block, and every applicable
// counter scope under the adaptive multiplier, in a fixed precedence order.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"gatekeeper/internal/adaptive"
	"gatekeeper/internal/blocklist"
	"gatekeeper/internal/botdetect"
	"gatekeeper/internal/config"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/stats"
	"gatekeeper/internal/storage"
)

// Deny reasons, in precedence order.
const (
	ReasonAllowListed   = "allowlisted"
	ReasonDenyListed    = "blacklisted"
	ReasonTempBlocked   = "temporarily blocked"
	ReasonGlobalLimit   = "global limit"
	ReasonIPLimit       = "per-IP limit"
	ReasonTierLimit     = "per-tier limit"
	ReasonEndpointLimit = "per-endpoint limit"
	ReasonStoreDown     = "store unavailable"
	ReasonOK            = "ok"
)

// Request is the transient context for one evaluation. It is read-only to
// the engine and discarded after the call returns.
type Request struct {
	IP        string
	UserID    string
	Tier      string
	Endpoint  string
	UserAgent string
	At        time.Time
}

// Decision is the engine's verdict for one request.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	Scope      string        `json:"scope,omitempty"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	RiskScore  int           `json:"risk_score"`
	Multiplier float64       `json:"multiplier"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// snapshot is the immutable configuration view one evaluation runs against.
// Replaced atomically on reload; in-flight evaluations keep the snapshot
// they started with.
type snapshot struct {
	rules        *config.RuleSet
	detector     *botdetect.Detector
	failOpen     bool
	storeTimeout time.Duration
}

// MetricsRecorder receives evaluation and store failure events. Satisfied
// by telemetry.Metrics.
type MetricsRecorder interface {
	RecordEvaluation(ctx context.Context, allowed bool, reason string, riskScore int, duration time.Duration)
	RecordStoreError(ctx context.Context, op string)
}

// Evaluator is the decision engine.
type Evaluator struct {
	counters storage.CounterStore
	blocks   *blocklist.Manager
	risk     *risk.Scorer
	adaptive *adaptive.Controller
	stats    *stats.Collector
	logger   *slog.Logger
	metrics  MetricsRecorder

	snap atomic.Pointer[snapshot]
}

// NewEvaluator wires the engine together. SetConfig must be called before
// the first Evaluate.
func NewEvaluator(
	counters storage.CounterStore,
	blocks *blocklist.Manager,
	scorer *risk.Scorer,
	controller *adaptive.Controller,
	collector *stats.Collector,
	logger *slog.Logger,
) *Evaluator {
	return &Evaluator{
		counters: counters,
		blocks:   blocks,
		risk:     scorer,
		adaptive: controller,
		stats:    collector,
		logger:   logger.With("component", "engine"),
	}
}

// SetMetrics attaches a metrics recorder. Optional.
func (e *Evaluator) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// SetConfig swaps the active configuration snapshot. In-flight evaluations
// finish against the snapshot they loaded at entry.
func (e *Evaluator) SetConfig(cfg *config.Config) error {
	rules, err := cfg.RuleSet()
	if err != nil {
		return err
	}

	var detector *botdetect.Detector
	if cfg.BotDetection.Enabled {
		detector = botdetect.New(cfg.BotDetection.Signatures, cfg.BotDetection.Strict)
	}

	e.blocks.SetLists(cfg.Lists.Allow, cfg.Lists.Deny)
	e.snap.Store(&snapshot{
		rules:        rules,
		detector:     detector,
		failOpen:     cfg.Policy.FailOpen(),
		storeTimeout: cfg.Policy.StoreTimeout(),
	})
	return nil
}

// scopeCheck is one counter scope applicable to a request.
type scopeCheck struct {
	name   string
	key    string
	rule   *config.LimitRule
	reason string
}

// Evaluate decides whether the request is admitted. The precedence is
// strict: operator allow/deny lists first, then the engine's own temporary
// blocks, then counter scopes from coarse to fine. The first scope to report
// exceeded denies the request; counters are committed only when every scope
// admits it, so denied requests never consume quota.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	snap := e.snap.Load()
	now := req.At
	if now.IsZero() {
		now = time.Now()
	}

	start := time.Now()
	multiplier := e.adaptive.CurrentMultiplier()
	bot := snap.detector != nil && snap.detector.IsSuspicious(req.UserAgent)

	dec := e.decide(ctx, snap, req, now, multiplier, bot)
	dec.Multiplier = multiplier

	e.stats.Record(dec.Allowed, dec.Reason, req.IP, req.Endpoint)
	if e.metrics != nil {
		e.metrics.RecordEvaluation(ctx, dec.Allowed, dec.Reason, dec.RiskScore, time.Since(start))
	}
	e.risk.Observe(risk.Outcome{IP: req.IP, Allowed: dec.Allowed, Bot: bot, At: now})

	if !dec.Allowed {
		e.logger.Debug("request denied",
			"ip", req.IP,
			"endpoint", req.Endpoint,
			"reason", dec.Reason,
			"risk_score", dec.RiskScore,
		)
	}
	return dec
}

func (e *Evaluator) decide(ctx context.Context, snap *snapshot, req Request, now time.Time, multiplier float64, bot bool) Decision {
	// Operator intent dominates everything else.
	if e.blocks.IsAllowListed(req.IP) {
		return Decision{Allowed: true, Reason: ReasonAllowListed}
	}
	if e.blocks.IsDenyListed(req.IP) {
		return Decision{Allowed: false, Reason: ReasonDenyListed}
	}

	riskScore := e.risk.Score(ctx, req.IP, bot, now)

	// The engine's own prior escalation is not re-litigated by counters.
	bctx, cancel := storeCtx(ctx, snap)
	blocked, until, err := e.blocks.IsBlocked(bctx, req.IP, now)
	cancel()
	if err != nil {
		if dec, done := e.storeFailure(ctx, snap, "block lookup", err, riskScore); done {
			return dec
		}
	} else if blocked {
		return Decision{
			Allowed:    false,
			Reason:     ReasonTempBlocked,
			RetryAfter: until.Sub(now),
			ResetAt:    until,
			RiskScore:  riskScore,
		}
	}

	checks := applicableScopes(snap.rules, req)

	// Peek every scope first; the first exceeded one denies. Commit only
	// afterwards so a denial leaves earlier scopes untouched.
	degraded := false
	minRemaining := -1
	var resetAt time.Time
	for _, c := range checks {
		cctx, cancel := storeCtx(ctx, snap)
		res, err := e.counters.IncrementAndCheck(cctx, c.key, scaled(c.rule, multiplier), now, true)
		cancel()
		if err != nil {
			if dec, done := e.storeFailure(ctx, snap, c.name, err, riskScore); done {
				return dec
			}
			degraded = true
			continue
		}
		if res.Exceeded {
			return Decision{
				Allowed:    false,
				Reason:     c.reason,
				Scope:      c.name,
				ResetAt:    res.ResetAt,
				RetryAfter: res.ResetAt.Sub(now),
				RiskScore:  riskScore,
				Degraded:   degraded,
			}
		}
		if minRemaining < 0 || res.Remaining < minRemaining {
			minRemaining = res.Remaining
			resetAt = res.ResetAt
		}
	}

	for _, c := range checks {
		cctx, cancel := storeCtx(ctx, snap)
		if _, err := e.counters.IncrementAndCheck(cctx, c.key, scaled(c.rule, multiplier), now, false); err != nil {
			degraded = true
		}
		cancel()
	}

	if minRemaining > 0 {
		minRemaining--
	}
	if minRemaining < 0 {
		minRemaining = 0
	}
	return Decision{
		Allowed:   true,
		Reason:    ReasonOK,
		Remaining: minRemaining,
		ResetAt:   resetAt,
		RiskScore: riskScore,
		Degraded:  degraded,
	}
}

// storeFailure applies the fail-open/fail-closed policy to a store error.
// Under fail-open the caller continues degraded; under fail-closed it denies.
func (e *Evaluator) storeFailure(ctx context.Context, snap *snapshot, op string, err error, riskScore int) (Decision, bool) {
	e.logger.Warn("store unavailable, applying policy",
		"op", op,
		"fail_open", snap.failOpen,
		"error", err,
	)
	if e.metrics != nil {
		e.metrics.RecordStoreError(ctx, op)
	}
	if snap.failOpen {
		return Decision{}, false
	}
	return Decision{
		Allowed:   false,
		Reason:    ReasonStoreDown,
		RiskScore: riskScore,
		Degraded:  true,
	}, true
}

// storeCtx bounds a single store round trip by the policy's store timeout so
// one slow lookup cannot hold an admission decision past the latency budget.
// A zero timeout leaves the caller's context untouched.
func storeCtx(ctx context.Context, snap *snapshot) (context.Context, context.CancelFunc) {
	if snap.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, snap.storeTimeout)
}

// applicableScopes lists the counter scopes for a request, coarse to fine:
// global protection guards shared infrastructure before per-client fairness.
func applicableScopes(rules *config.RuleSet, req Request) []scopeCheck {
	checks := make([]scopeCheck, 0, 4)
	if rules.Global != nil {
		checks = append(checks, scopeCheck{
			name: "global", key: "global", rule: rules.Global, reason: ReasonGlobalLimit,
		})
	}
	if rules.PerIP != nil {
		checks = append(checks, scopeCheck{
			name: "ip", key: "ip:" + req.IP, rule: rules.PerIP, reason: ReasonIPLimit,
		})
	}
	if req.Tier != "" && req.UserID != "" {
		if rule, ok := rules.Tiers[req.Tier]; ok {
			checks = append(checks, scopeCheck{
				name: "user_tier:" + req.Tier, key: "user:" + req.UserID, rule: rule, reason: ReasonTierLimit,
			})
		}
	}
	if rule, ok := rules.Endpoints[req.Endpoint]; ok {
		checks = append(checks, scopeCheck{
			name: "endpoint:" + req.Endpoint, key: "endpoint:" + req.Endpoint, rule: rule, reason: ReasonEndpointLimit,
		})
	}
	return checks
}

// scaled applies the adaptive multiplier to a rule's capacity. The scaled
// capacity never drops below one so the engine keeps admitting a trickle
// even at the multiplier floor.
func scaled(rule *config.LimitRule, multiplier float64) storage.Rule {
	capacity := int(float64(rule.Capacity) * multiplier)
	if capacity < 1 {
		capacity = 1
	}
	return storage.Rule{
		Capacity: capacity,
		Window:   rule.WindowDuration(),
		Burst:    rule.Burst,
	}
}
