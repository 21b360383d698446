package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBudgetExceeded aborts a run whose graph entered more nodes than allowed.
	ErrBudgetExceeded = errors.New("node execution budget exceeded")
	// ErrCancelled marks a run stopped by timeout or external cancellation.
	ErrCancelled = errors.New("run cancelled")
)

// BudgetError carries the counters at the moment the budget tripped.
type BudgetError struct {
	Node     string
	Executed int
	Max      int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: entering %q would be execution %d of max %d", ErrBudgetExceeded, e.Node, e.Executed, e.Max)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// CancelledError wraps the context cause that stopped a run.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + strings.TrimSpace(e.Cause.Error())
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Cause}
}

// ContextError returns nil while ctx is live, otherwise a CancelledError
// carrying the most specific cause available.
func ContextError(ctx context.Context) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return &CancelledError{Cause: cause}
	}
	return &CancelledError{Cause: ctx.Err()}
}

// IsFatal reports whether err must stop the whole run rather than a single attempt.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrCancelled)
}
