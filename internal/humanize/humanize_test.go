package humanize

import (
	"context"
	"testing"
	"time"

	"github.com/ysmood/gson"
)

func TestRandomDuration(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RandomDuration(20, 60)
		if d < 20*time.Millisecond || d > 60*time.Millisecond {
			t.Fatalf("duration %v outside [20ms, 60ms]", d)
		}
	}

	if d := RandomDuration(50, 50); d != 50*time.Millisecond {
		t.Errorf("degenerate range = %v, want 50ms", d)
	}
	if d := RandomDuration(80, 30); d != 80*time.Millisecond {
		t.Errorf("inverted range = %v, want min", d)
	}
}

func TestSleepWithContext(t *testing.T) {
	if !SleepWithContext(context.Background(), time.Millisecond) {
		t.Error("uncancelled sleep reported interruption")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if SleepWithContext(ctx, time.Minute) {
		t.Error("cancelled sleep reported completion")
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep did not return promptly")
	}
}

func TestSleepWithJitter(t *testing.T) {
	start := time.Now()
	if !SleepWithJitter(context.Background(), 10*time.Millisecond, 0.5) {
		t.Error("jittered sleep interrupted")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("jittered sleep took %v, expected around 10ms", elapsed)
	}

	// Out-of-range jitter percentages clamp rather than panic.
	SleepWithJitter(context.Background(), time.Millisecond, -1)
	SleepWithJitter(context.Background(), time.Millisecond, 5)
}

func TestDecodeMetrics(t *testing.T) {
	v := gson.New(map[string]interface{}{
		"y": 120.5,
		"h": 4000,
		"v": 900,
		"n": 48,
	})
	m := decodeMetrics(v)
	if m.ScrollY != 120.5 || m.Height != 4000 || m.Viewport != 900 || m.ItemCount != 48 {
		t.Errorf("decodeMetrics = %+v", m)
	}
}

func TestRandomStep(t *testing.T) {
	cfg := DefaultScrollConfig()
	for i := 0; i < 100; i++ {
		step := randomStep(cfg)
		if step < cfg.MinStepPx || step > cfg.MaxStepPx {
			t.Fatalf("step %d outside [%d, %d]", step, cfg.MinStepPx, cfg.MaxStepPx)
		}
	}
}
