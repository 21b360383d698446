package capability

import (
	"context"
	"errors"
	"fmt"
	rdebug "runtime/debug"
	"strings"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// RetryingInvoker wraps a Port with bounded retries. A call is attempted at
// most MaxRetries+1 times; each attempt runs under its own PerCallTimeout.
type RetryingInvoker struct {
	Port           Port
	MaxRetries     int
	Backoff        BackoffConfig
	PerCallTimeout time.Duration
	// JitterSeed scopes backoff jitter, normally the run ID.
	JitterSeed string
	// Observe, when set, is told about every finished attempt.
	Observe func(AttemptInfo)
}

type AttemptInfo struct {
	Operation string
	Attempt   int
	Duration  time.Duration
	Err       error
}

// Hooks customize one retried call.
type Hooks struct {
	// Accept rejects a nil-error output as unusable. A rejected output counts
	// as a failed attempt.
	Accept func(out Payload) error
	// Revise builds the next attempt's input from the failed one. attempt is
	// the 1-indexed retry about to run.
	Revise func(ctx context.Context, attempt int, in, out Payload, err error) (Payload, error)
}

// WithRetries returns a copy bounded by n retries.
func (r *RetryingInvoker) WithRetries(n int) *RetryingInvoker {
	c := *r
	c.MaxRetries = n
	return &c
}

func (r *RetryingInvoker) Invoke(ctx context.Context, operationID string, in Payload) (Payload, error) {
	return r.InvokeWith(ctx, operationID, in, Hooks{})
}

// InvokeWith runs operationID until an attempt is accepted or retries run out.
// On exhaustion it returns the last output together with an *ExhaustedError
// wrapping the last failure. Cancellation of ctx stops immediately.
func (r *RetryingInvoker) InvokeWith(ctx context.Context, operationID string, in Payload, h Hooks) (Payload, error) {
	if r == nil || r.Port == nil {
		return Payload{}, fmt.Errorf("capability %s: no port configured", operationID)
	}
	maxRetries := r.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := r.Backoff.Sanitized()

	var (
		out     Payload
		lastErr error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := runtime.ContextError(ctx); err != nil {
			return out, err
		}
		if attempt > 0 {
			if lastErr != nil && !isRejection(lastErr) {
				seed := fmt.Sprintf("%s:%s:%d", strings.TrimSpace(r.JitterSeed), operationID, attempt)
				delay := DelayForAttempt(attempt, backoff, seed)
				if hint := retryAfter(lastErr); hint > delay {
					delay = hint
					if backoff.MaxDelayMS > 0 {
						delay = min(delay, time.Duration(backoff.MaxDelayMS)*time.Millisecond)
					}
				}
				if !sleepWithContext(ctx, delay) {
					return out, runtime.ContextError(ctx)
				}
			}
			if h.Revise != nil {
				next, err := h.Revise(ctx, attempt, in, out, lastErr)
				if err != nil {
					if runtime.IsFatal(err) {
						return out, err
					}
					return out, &ExhaustedError{Operation: operationID, Attempts: attempt, Last: fmt.Errorf("revise input: %w", err)}
				}
				in = next
			}
		}

		start := time.Now()
		got, err := r.callOnce(ctx, operationID, in)
		if err == nil && h.Accept != nil {
			if rerr := h.Accept(got); rerr != nil {
				err = &RejectedError{Reason: rerr}
			}
		}
		if r.Observe != nil {
			r.Observe(AttemptInfo{Operation: operationID, Attempt: attempt + 1, Duration: time.Since(start), Err: err})
		}
		if err == nil {
			return got, nil
		}
		// A cancelled parent outranks whatever the capability reported.
		if cerr := runtime.ContextError(ctx); cerr != nil {
			return got, cerr
		}
		out, lastErr = got, err
		if !IsRetryable(err) {
			return out, &ExhaustedError{Operation: operationID, Attempts: attempt + 1, Last: err}
		}
	}
	return out, &ExhaustedError{Operation: operationID, Attempts: maxRetries + 1, Last: lastErr}
}

func (r *RetryingInvoker) callOnce(ctx context.Context, operationID string, in Payload) (out Payload, err error) {
	callCtx := ctx
	if r.PerCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.PerCallTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = Payload{}
			err = fmt.Errorf("capability %s panic: %v\n%s", operationID, rec, rdebug.Stack())
		}
	}()
	out, err = r.Port.Invoke(callCtx, operationID, in)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{Operation: operationID, Timeout: r.PerCallTimeout, Err: err}
	}
	return out, err
}

// ExhaustedError reports that every permitted attempt failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("capability %s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// RejectedError marks an output refused by Hooks.Accept.
type RejectedError struct {
	Reason error
}

func (e *RejectedError) Error() string   { return "output rejected: " + e.Reason.Error() }
func (e *RejectedError) Unwrap() error   { return e.Reason }
func (e *RejectedError) Retryable() bool { return true }

// TimeoutError marks a single call that outlived the per-call timeout.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %s timed out after %s: %v", e.Operation, e.Timeout, e.Err)
}
func (e *TimeoutError) Unwrap() error   { return e.Err }
func (e *TimeoutError) Retryable() bool { return true }

// IsRetryable reports whether err may succeed on another attempt. Errors that
// do not classify themselves are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if runtime.IsFatal(err) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return true
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

// retryAfter returns a server-provided wait hint carried by err, if any.
func retryAfter(err error) time.Duration {
	var hinted interface{ RetryAfter() *time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d != nil && *d > 0 {
			return *d
		}
	}
	return 0
}

func isRejection(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
