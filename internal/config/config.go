package config

import (
	"fmt"
	"strings"
	"time"

	"gatekeeper/internal/adaptive"
	"gatekeeper/internal/blocklist"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/telemetry"
	"gatekeeper/pkg/errors"
)

// Scope identifier prefixes for limit rules.
const (
	ScopeGlobal         = "global"
	ScopeIP             = "ip"
	ScopeTierPrefix     = "user_tier:"
	ScopeEndpointPrefix = "endpoint:"
)

// Policy modes for store failures.
const (
	PolicyFailOpen   = "fail-open"
	PolicyFailClosed = "fail-closed"
)

// Config holds the engine configuration. A loaded Config is immutable; hot
// reload replaces the whole value rather than mutating it in place.
type Config struct {
	Server       Server           `yaml:"server" json:"server"`
	Admin        Admin            `yaml:"admin" json:"admin"`
	Store        Store            `yaml:"store" json:"store"`
	Limits       []LimitRule      `yaml:"limits" json:"limits"`
	Lists        Lists            `yaml:"lists" json:"lists"`
	BotDetection BotDetection     `yaml:"botDetection" json:"bot_detection"`
	Adaptive     Adaptive         `yaml:"adaptive" json:"adaptive"`
	Risk         Risk             `yaml:"risk" json:"risk"`
	Blocking     Blocking         `yaml:"blocking" json:"blocking"`
	Policy       Policy           `yaml:"policy" json:"policy"`
	Stats        Stats            `yaml:"stats" json:"stats"`
	Telemetry    telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"readTimeout" json:"read_timeout"`   // seconds
	WriteTimeout int    `yaml:"writeTimeout" json:"write_timeout"` // seconds
}

// Admin guards the mutating endpoints (config replace, resets) with a bearer
// token.
type Admin struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Secret  string `yaml:"secret" json:"-"`
	Issuer  string `yaml:"issuer" json:"issuer"`
}

// Store selects and configures the backing store.
type Store struct {
	Type            string     `yaml:"type" json:"type"`                        // memory | redis
	CleanupInterval int        `yaml:"cleanupInterval" json:"cleanup_interval"` // seconds
	MaxEntries      int        `yaml:"maxEntries" json:"max_entries"`
	Redis           RedisStore `yaml:"redis" json:"redis"`
}

// RedisStore holds connection settings for the redis store.
type RedisStore struct {
	Addr          string `yaml:"addr" json:"addr"`
	Password      string `yaml:"password" json:"-"`
	DB            int    `yaml:"db" json:"db"`
	TimeoutMillis int    `yaml:"timeoutMillis" json:"timeout_millis"`
}

// LimitRule is one configured limit scope.
type LimitRule struct {
	Scope    string `yaml:"scope" json:"scope"`
	Capacity int    `yaml:"capacity" json:"capacity"`
	Window   int    `yaml:"window" json:"window"` // seconds
	Burst    int    `yaml:"burst" json:"burst"`
}

// WindowDuration returns the rule window as a duration.
func (r *LimitRule) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

// Lists holds the operator-maintained allow and deny lists.
type Lists struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// BotDetection configures user-agent signature matching.
type BotDetection struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Signatures []string `yaml:"signatures" json:"signatures"`
	Strict     bool     `yaml:"strict" json:"strict"`
}

// Adaptive configures the load-reactive limit scaling.
type Adaptive struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	Interval      int     `yaml:"interval" json:"interval"`          // seconds
	RecoveryTime  int     `yaml:"recoveryTime" json:"recovery_time"` // seconds
	LoadThreshold float64 `yaml:"loadThreshold" json:"load_threshold"`
	ScaleFactor   float64 `yaml:"scaleFactor" json:"scale_factor"`
	Floor         float64 `yaml:"floor" json:"floor"`
}

// ControllerConfig converts to the adaptive controller's settings.
func (a *Adaptive) ControllerConfig() adaptive.Config {
	return adaptive.Config{
		Interval:      time.Duration(a.Interval) * time.Second,
		RecoveryTime:  time.Duration(a.RecoveryTime) * time.Second,
		LoadThreshold: a.LoadThreshold,
		ScaleFactor:   a.ScaleFactor,
		Floor:         a.Floor,
	}
}

// Risk configures the risk scorer.
type Risk struct {
	BlockThreshold int `yaml:"blockThreshold" json:"block_threshold"`
	Lookback       int `yaml:"lookback" json:"lookback"` // seconds
	QueueSize      int `yaml:"queueSize" json:"queue_size"`
}

// ScorerConfig converts to the risk scorer's settings.
func (r *Risk) ScorerConfig() risk.Config {
	return risk.Config{
		BlockThreshold: r.BlockThreshold,
		DenialLookback: time.Duration(r.Lookback) * time.Second,
		QueueSize:      r.QueueSize,
	}
}

// Blocking configures temporary block escalation.
type Blocking struct {
	BaseDuration int `yaml:"baseDuration" json:"base_duration"` // seconds
	BackoffCap   int `yaml:"backoffCap" json:"backoff_cap"`
}

// ManagerConfig converts to the blocklist manager's settings.
func (b *Blocking) ManagerConfig() blocklist.Config {
	return blocklist.Config{
		BaseDuration: time.Duration(b.BaseDuration) * time.Second,
		BackoffCap:   b.BackoffCap,
	}
}

// Policy selects the behaviour when the backing store is unavailable.
type Policy struct {
	Mode               string `yaml:"mode" json:"mode"` // fail-open | fail-closed
	StoreTimeoutMillis int    `yaml:"storeTimeoutMillis" json:"store_timeout_millis"`
}

// FailOpen reports whether store failures admit traffic.
func (p *Policy) FailOpen() bool {
	return p.Mode != PolicyFailClosed
}

// StoreTimeout returns the per-lookup store deadline.
func (p *Policy) StoreTimeout() time.Duration {
	return time.Duration(p.StoreTimeoutMillis) * time.Millisecond
}

// Stats configures the reporting window for aggregate counters.
type Stats struct {
	Window int `yaml:"window" json:"window"` // seconds
}

// RuleSet is an immutable lookup over a Config's limit rules.
type RuleSet struct {
	Global    *LimitRule
	PerIP     *LimitRule
	Tiers     map[string]*LimitRule
	Endpoints map[string]*LimitRule
}

// RuleSet derives the scope lookup from the configured rules.
func (c *Config) RuleSet() (*RuleSet, error) {
	rs := &RuleSet{
		Tiers:     make(map[string]*LimitRule),
		Endpoints: make(map[string]*LimitRule),
	}
	for i := range c.Limits {
		rule := &c.Limits[i]
		switch {
		case rule.Scope == ScopeGlobal:
			rs.Global = rule
		case rule.Scope == ScopeIP:
			rs.PerIP = rule
		case strings.HasPrefix(rule.Scope, ScopeTierPrefix):
			tier := strings.TrimPrefix(rule.Scope, ScopeTierPrefix)
			if tier == "" {
				return nil, errors.NewError(errors.ErrorTypeConfiguration, "user_tier scope needs a tier name").
					WithDetail("scope", rule.Scope)
			}
			rs.Tiers[tier] = rule
		case strings.HasPrefix(rule.Scope, ScopeEndpointPrefix):
			path := strings.TrimPrefix(rule.Scope, ScopeEndpointPrefix)
			if path == "" {
				return nil, errors.NewError(errors.ErrorTypeConfiguration, "endpoint scope needs a path").
					WithDetail("scope", rule.Scope)
			}
			rs.Endpoints[path] = rule
		default:
			return nil, errors.NewError(errors.ErrorTypeConfiguration, "unknown limit scope").
				WithDetail("scope", rule.Scope)
		}
	}
	return rs, nil
}

// Validate checks the configuration. Called at startup, on file reload and
// on config replacement through the API; a failing config never becomes
// active.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.NewError(errors.ErrorTypeConfiguration, fmt.Sprintf("invalid server port: %d", cfg.Server.Port))
	}

	if len(cfg.Limits) == 0 {
		return errors.NewError(errors.ErrorTypeConfiguration, "at least one limit rule is required")
	}
	for i, rule := range cfg.Limits {
		if rule.Capacity <= 0 {
			return errors.NewError(errors.ErrorTypeConfiguration, fmt.Sprintf("limit rule %d: capacity must be positive", i)).
				WithDetail("scope", rule.Scope)
		}
		if rule.Window <= 0 {
			return errors.NewError(errors.ErrorTypeConfiguration, fmt.Sprintf("limit rule %d: window must be positive", i)).
				WithDetail("scope", rule.Scope)
		}
		if rule.Burst < 0 {
			return errors.NewError(errors.ErrorTypeConfiguration, fmt.Sprintf("limit rule %d: burst must not be negative", i)).
				WithDetail("scope", rule.Scope)
		}
	}
	if _, err := cfg.RuleSet(); err != nil {
		return err
	}

	switch cfg.Store.Type {
	case "memory":
	case "redis":
		if cfg.Store.Redis.Addr == "" {
			return errors.NewError(errors.ErrorTypeConfiguration, "redis store requires an address")
		}
	default:
		return errors.NewError(errors.ErrorTypeConfiguration, "unknown store type").
			WithDetail("type", cfg.Store.Type)
	}

	switch cfg.Policy.Mode {
	case PolicyFailOpen, PolicyFailClosed:
	default:
		return errors.NewError(errors.ErrorTypeConfiguration, "policy mode must be fail-open or fail-closed").
			WithDetail("mode", cfg.Policy.Mode)
	}

	if cfg.Adaptive.Enabled {
		if cfg.Adaptive.ScaleFactor <= 0 || cfg.Adaptive.ScaleFactor >= 1 {
			return errors.NewError(errors.ErrorTypeConfiguration, "adaptive scale factor must be in (0, 1)")
		}
		if cfg.Adaptive.Floor <= 0 || cfg.Adaptive.Floor > 1 {
			return errors.NewError(errors.ErrorTypeConfiguration, "adaptive floor must be in (0, 1]")
		}
		if cfg.Adaptive.Interval <= 0 || cfg.Adaptive.RecoveryTime <= 0 {
			return errors.NewError(errors.ErrorTypeConfiguration, "adaptive interval and recovery time must be positive")
		}
	}

	if cfg.Risk.BlockThreshold < 1 || cfg.Risk.BlockThreshold > 100 {
		return errors.NewError(errors.ErrorTypeConfiguration, "risk block threshold must be in 1..100")
	}
	if cfg.Blocking.BaseDuration <= 0 {
		return errors.NewError(errors.ErrorTypeConfiguration, "blocking base duration must be positive")
	}
	if cfg.Blocking.BackoffCap < 0 {
		return errors.NewError(errors.ErrorTypeConfiguration, "blocking backoff cap must not be negative")
	}

	if cfg.Admin.Enabled && cfg.Admin.Secret == "" {
		return errors.NewError(errors.ErrorTypeConfiguration, "admin auth requires a secret")
	}

	return nil
}
