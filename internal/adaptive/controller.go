// Package adaptive scales configured limits in response to system load. A
// single background updater samples a load signal and publishes a multiplier
// in (0, 1]; every evaluator reads it through one atomic load, so the hot
// path never takes a lock.
package adaptive

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// LoadFunc supplies the current load signal, normalized so that values above
// Config.LoadThreshold mean the system is under stress. Queue depth and CPU
// utilization are typical sources.
type LoadFunc func() float64

// Config holds the controller settings.
type Config struct {
	// Interval between load samples.
	Interval time.Duration
	// LoadThreshold above which limits start shrinking.
	LoadThreshold float64
	// ScaleFactor in (0, 1) multiplied into the current multiplier each
	// sample while load stays above the threshold.
	ScaleFactor float64
	// Floor is the lowest the multiplier may go.
	Floor float64
	// RecoveryTime is how long a fully depressed multiplier takes to climb
	// back to 1.0 once load drops.
	RecoveryTime time.Duration
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		LoadThreshold: 0.8,
		ScaleFactor:   0.7,
		Floor:         0.2,
		RecoveryTime:  2 * time.Minute,
	}
}

// Controller recomputes the multiplier in the background and publishes it
// atomically. The background loop is the only writer.
type Controller struct {
	mu     sync.Mutex // guards cfg against reconfiguration races
	cfg    Config
	load   LoadFunc
	logger *slog.Logger

	multiplier atomic.Uint64 // float64 bits
	done       chan struct{}
	wg         sync.WaitGroup
	started    bool
}

// NewController creates a controller with the multiplier at 1.0.
func NewController(cfg Config, load LoadFunc, logger *slog.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		load:   load,
		logger: logger.With("component", "adaptive"),
		done:   make(chan struct{}),
	}
	c.multiplier.Store(math.Float64bits(1.0))
	return c
}

// CurrentMultiplier returns the published multiplier.
func (c *Controller) CurrentMultiplier() float64 {
	return math.Float64frombits(c.multiplier.Load())
}

// Reconfigure replaces the controller settings. Takes effect on the next
// sample.
func (c *Controller) Reconfigure(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Start launches the background sampling loop.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.load == nil {
		c.mu.Unlock()
		return
	}
	c.started = true
	interval := c.cfg.Interval
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Stop terminates the background loop.
func (c *Controller) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

func (c *Controller) sample() {
	load := c.load()
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	old := c.CurrentMultiplier()
	next := step(old, load, cfg, cfg.Interval)
	if next != old {
		c.logger.Info("adaptive multiplier updated",
			"load", load,
			"multiplier", next,
		)
	}
	c.multiplier.Store(math.Float64bits(next))
}

// step computes the next multiplier value. Under load it shrinks
// multiplicatively down to the floor; once load drops it climbs linearly back
// to 1.0 over the recovery time, never overshooting.
func step(current, load float64, cfg Config, elapsed time.Duration) float64 {
	if load > cfg.LoadThreshold {
		next := current * cfg.ScaleFactor
		if next < cfg.Floor {
			next = cfg.Floor
		}
		return next
	}

	if current >= 1.0 || cfg.RecoveryTime <= 0 {
		return 1.0
	}
	rate := (1.0 - cfg.Floor) / cfg.RecoveryTime.Seconds()
	next := current + rate*elapsed.Seconds()
	// The linear climb accumulates rounding error across steps; snap the
	// last sliver so recovery lands on exactly 1.0.
	if next > 1.0 || 1.0-next < 1e-9 {
		next = 1.0
	}
	return next
}
