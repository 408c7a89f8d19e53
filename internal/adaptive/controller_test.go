package adaptive

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Interval:      time.Second,
		LoadThreshold: 0.8,
		ScaleFactor:   0.7,
		Floor:         0.2,
		RecoveryTime:  10 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStep_MonotonicUnderLoad(t *testing.T) {
	cfg := testConfig()
	m := 1.0

	for i := 0; i < 20; i++ {
		next := step(m, 0.95, cfg, cfg.Interval)
		if next > m {
			t.Fatalf("step %d: multiplier increased under load: %v -> %v", i, m, next)
		}
		if next < cfg.Floor {
			t.Fatalf("step %d: multiplier fell below the floor: %v", i, next)
		}
		m = next
	}

	if m != cfg.Floor {
		t.Errorf("expected multiplier to settle at the floor %v, got %v", cfg.Floor, m)
	}
}

func TestStep_RecoversWithinRecoveryTime(t *testing.T) {
	cfg := testConfig()
	m := cfg.Floor

	steps := int(cfg.RecoveryTime / cfg.Interval)
	for i := 0; i < steps; i++ {
		next := step(m, 0.1, cfg, cfg.Interval)
		if next < m {
			t.Fatalf("step %d: multiplier decreased during recovery: %v -> %v", i, m, next)
		}
		if next > 1.0 {
			t.Fatalf("step %d: multiplier overshot 1.0: %v", i, next)
		}
		if i < steps-1 && next >= 1.0 {
			t.Fatalf("step %d: multiplier recovered early: %v", i, next)
		}
		m = next
	}

	if m != 1.0 {
		t.Errorf("expected full recovery within recovery time, got %v", m)
	}
}

func TestStep_HoldsAtOneWhenIdle(t *testing.T) {
	cfg := testConfig()
	if got := step(1.0, 0.1, cfg, cfg.Interval); got != 1.0 {
		t.Errorf("expected multiplier to hold at 1.0, got %v", got)
	}
}

func TestStep_LoadAtThresholdDoesNotShrink(t *testing.T) {
	cfg := testConfig()
	if got := step(1.0, cfg.LoadThreshold, cfg, cfg.Interval); got != 1.0 {
		t.Errorf("expected load at the threshold not to shrink limits, got %v", got)
	}
}

func TestController_CurrentMultiplierDefaultsToOne(t *testing.T) {
	c := NewController(testConfig(), func() float64 { return 0 }, discardLogger())
	defer c.Stop()

	if got := c.CurrentMultiplier(); got != 1.0 {
		t.Errorf("expected initial multiplier 1.0, got %v", got)
	}
}

func TestController_SampleAppliesLoad(t *testing.T) {
	cfg := testConfig()
	load := 0.95
	c := NewController(cfg, func() float64 { return load }, discardLogger())
	defer c.Stop()

	c.sample()
	first := c.CurrentMultiplier()
	if first >= 1.0 {
		t.Fatalf("expected multiplier to shrink under load, got %v", first)
	}

	c.sample()
	second := c.CurrentMultiplier()
	if second > first {
		t.Errorf("expected monotonic non-increase under sustained load: %v -> %v", first, second)
	}

	load = 0.1
	c.sample()
	if got := c.CurrentMultiplier(); got < second || got > 1.0 {
		t.Errorf("expected bounded recovery after load drop, got %v", got)
	}
}

func TestController_Reconfigure(t *testing.T) {
	c := NewController(testConfig(), func() float64 { return 0.95 }, discardLogger())
	defer c.Stop()

	cfg := testConfig()
	cfg.Floor = 0.5
	c.Reconfigure(cfg)

	for i := 0; i < 20; i++ {
		c.sample()
	}
	if got := c.CurrentMultiplier(); got != 0.5 {
		t.Errorf("expected new floor 0.5 to apply, got %v", got)
	}
}
