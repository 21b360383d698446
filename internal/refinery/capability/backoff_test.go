package capability

import (
	"testing"
	"time"
)

func TestDelayForAttempt_ExponentialAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 1000, Jitter: false}
	if got := DelayForAttempt(1, cfg, "seed"); got != 200*time.Millisecond {
		t.Fatalf("attempt1: %v", got)
	}
	if got := DelayForAttempt(2, cfg, "seed"); got != 400*time.Millisecond {
		t.Fatalf("attempt2: %v", got)
	}
	if got := DelayForAttempt(3, cfg, "seed"); got != 800*time.Millisecond {
		t.Fatalf("attempt3: %v", got)
	}
	if got := DelayForAttempt(4, cfg, "seed"); got != 1000*time.Millisecond {
		t.Fatalf("attempt4 (capped): %v", got)
	}
}

func TestDelayForAttempt_JitterDeterministicAndBounded(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 60_000, Jitter: true}
	a := DelayForAttempt(1, cfg, "run:plan:1")
	b := DelayForAttempt(1, cfg, "run:plan:1")
	if a != b {
		t.Fatalf("expected deterministic jitter: %v vs %v", a, b)
	}
	if a < 100*time.Millisecond || a > 300*time.Millisecond {
		t.Fatalf("jitter out of range: %v", a)
	}
}

func TestBackoffConfig_Sanitized(t *testing.T) {
	got := BackoffConfig{InitialDelayMS: -1, BackoffFactor: 0, MaxDelayMS: -5}.Sanitized()
	if got.InitialDelayMS != 0 || got.MaxDelayMS != 0 || got.BackoffFactor != 1.0 {
		t.Fatalf("got %+v", got)
	}
}
