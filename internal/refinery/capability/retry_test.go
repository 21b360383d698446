package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

type permanentErr struct{}

func (permanentErr) Error() string   { return "bad request" }
func (permanentErr) Retryable() bool { return false }

func noDelay() BackoffConfig { return BackoffConfig{InitialDelayMS: 0, BackoffFactor: 1} }

func TestRetryingInvoker_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Payload{}, errors.New("503")
		}
		return Payload{Text: "ok"}, nil
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 3, Backoff: noDelay()}
	out, err := r.Invoke(context.Background(), OpPlan, Payload{Text: "p"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Text != "ok" || calls != 3 {
		t.Fatalf("out=%q calls=%d", out.Text, calls)
	}
}

func TestRetryingInvoker_AttemptsAtMostMaxRetriesPlusOne(t *testing.T) {
	var calls int32
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		n := atomic.AddInt32(&calls, 1)
		return Payload{Text: fmt.Sprintf("out-%d", n)}, errors.New("flaky")
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 2, Backoff: noDelay()}
	out, err := r.Invoke(context.Background(), OpCode, Payload{})
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 3 {
		t.Fatalf("err=%v", err)
	}
	if out.Text != "out-3" {
		t.Fatalf("expected last output, got %q", out.Text)
	}
}

func TestRetryingInvoker_NonRetryableStopsEarly(t *testing.T) {
	var calls int32
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		atomic.AddInt32(&calls, 1)
		return Payload{}, permanentErr{}
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 5, Backoff: noDelay()}
	_, err := r.Invoke(context.Background(), OpPlan, Payload{})
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	if !errors.As(err, new(permanentErr)) {
		t.Fatalf("err=%v", err)
	}
}

func TestRetryingInvoker_AcceptAndReviseDriveADebugChain(t *testing.T) {
	var inputs []string
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		inputs = append(inputs, in.Text)
		if strings.Contains(in.Text, "fixed") {
			return Payload{Exec: &ExecResult{ExitCode: 0}}, nil
		}
		return Payload{Exec: &ExecResult{ExitCode: 1, Stderr: "Traceback"}}, nil
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 3, Backoff: DefaultBackoffConfig()}
	h := Hooks{
		Accept: func(out Payload) error {
			if out.Exec.ExitCode != 0 {
				return errors.New("nonzero exit")
			}
			return nil
		},
		Revise: func(ctx context.Context, attempt int, in, out Payload, err error) (Payload, error) {
			if out.Exec == nil || out.Exec.Stderr != "Traceback" {
				t.Fatalf("revise saw %+v", out)
			}
			return Payload{Text: in.Text + " fixed"}, nil
		},
	}
	start := time.Now()
	out, err := r.InvokeWith(context.Background(), OpEvaluate, Payload{Text: "code"}, h)
	if err != nil {
		t.Fatalf("InvokeWith: %v", err)
	}
	if out.Exec.ExitCode != 0 || len(inputs) != 2 || inputs[1] != "code fixed" {
		t.Fatalf("inputs=%v out=%+v", inputs, out)
	}
	// Rejections are answered with a revised input, not a backoff sleep.
	if time.Since(start) > 150*time.Millisecond {
		t.Fatalf("rejection retry should not back off")
	}
}

func TestRetryingInvoker_PerCallTimeoutIsRetryable(t *testing.T) {
	var calls int32
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return Payload{}, ctx.Err()
		}
		return Payload{Text: "done"}, nil
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 1, Backoff: noDelay(), PerCallTimeout: 20 * time.Millisecond}
	out, err := r.Invoke(context.Background(), OpSummarize, Payload{})
	if err != nil || out.Text != "done" {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestRetryingInvoker_CancellationStopsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	var calls int32
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		atomic.AddInt32(&calls, 1)
		cancel(errors.New("pipeline timeout"))
		return Payload{}, errors.New("interrupted")
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 5, Backoff: noDelay()}
	_, err := r.Invoke(ctx, OpPlan, Payload{})
	if !errors.Is(err, runtime.ErrCancelled) {
		t.Fatalf("err=%v want cancelled", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestRetryingInvoker_RecoversPanics(t *testing.T) {
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		panic("boom")
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 0}
	_, err := r.Invoke(context.Background(), OpPlan, Payload{})
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("err=%v", err)
	}
}

func TestRetryingInvoker_ObserveSeesEveryAttempt(t *testing.T) {
	var seen []int
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		return Payload{}, errors.New("x")
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 2, Backoff: noDelay(), Observe: func(a AttemptInfo) {
		seen = append(seen, a.Attempt)
	}}
	_, _ = r.Invoke(context.Background(), OpPlan, Payload{})
	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Fatalf("seen=%v", seen)
	}
}

func TestRegistry_DispatchesByOperation(t *testing.T) {
	reg := NewRegistry().
		Register(OpPlan, Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
			return Payload{Text: "plan:" + in.Text}, nil
		}))
	out, err := reg.Invoke(context.Background(), OpPlan, Payload{Text: "x"})
	if err != nil || out.Text != "plan:x" {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	_, err = reg.Invoke(context.Background(), OpCode, Payload{})
	var unknown *UnknownOperationError
	if !errors.As(err, &unknown) || IsRetryable(err) {
		t.Fatalf("err=%v", err)
	}
	reg.SetFallback(Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		return Payload{Text: "fallback:" + op}, nil
	}))
	out, _ = reg.Invoke(context.Background(), OpCode, Payload{})
	if out.Text != "fallback:code" {
		t.Fatalf("out=%+v", out)
	}
}

func TestPayload_WithCopiesVars(t *testing.T) {
	a := Payload{Vars: map[string]string{"k": "v"}}
	b := a.With("error", "trace")
	if a.Vars["error"] != "" || b.Vars["error"] != "trace" || b.Vars["k"] != "v" {
		t.Fatalf("a=%v b=%v", a.Vars, b.Vars)
	}
}

type throttledErr struct{ wait time.Duration }

func (e throttledErr) Error() string              { return "429" }
func (e throttledErr) Retryable() bool            { return true }
func (e throttledErr) RetryAfter() *time.Duration { return &e.wait }

func TestRetryingInvoker_RetryAfterHintIsCappedByMaxDelay(t *testing.T) {
	var calls int32
	port := Func(func(ctx context.Context, op string, in Payload) (Payload, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return Payload{}, throttledErr{wait: time.Hour}
		}
		return Payload{Text: "ok"}, nil
	})
	r := &RetryingInvoker{Port: port, MaxRetries: 1, Backoff: BackoffConfig{InitialDelayMS: 1, BackoffFactor: 1, MaxDelayMS: 20}}
	start := time.Now()
	if _, err := r.Invoke(context.Background(), OpPlan, Payload{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond || elapsed > 5*time.Second {
		t.Fatalf("elapsed=%v, want the hint capped at 20ms", elapsed)
	}
}
