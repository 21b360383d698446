package loop

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/danshapiro/refinery/internal/refinery/capability"
)

var scoreMarker = regexp.MustCompile(`SCORE:([-+]?[0-9]*\.?[0-9]+)`)

// scriptedPort fakes every capability. Code outputs are served in order;
// evaluation reads a SCORE:<n> marker from the artifact and fails on CRASH.
type scriptedPort struct {
	mu        sync.Mutex
	fragments []string
	extract   string
	calls     map[string]int
	debugFix  func(code string) string
	failPlan  bool
}

func newScriptedPort(fragments ...string) *scriptedPort {
	return &scriptedPort{fragments: fragments, calls: map[string]int{}}
}

func (p *scriptedPort) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *scriptedPort) Invoke(ctx context.Context, op string, in capability.Payload) (capability.Payload, error) {
	p.mu.Lock()
	p.calls[op]++
	n := p.calls[op]
	p.mu.Unlock()

	switch op {
	case capability.OpPlan:
		if p.failPlan {
			return capability.Payload{}, fmt.Errorf("plan service unavailable")
		}
		return capability.Payload{Text: fmt.Sprintf("plan-%d", n)}, nil
	case capability.OpCode:
		if n-1 >= len(p.fragments) {
			return capability.Payload{}, fmt.Errorf("no scripted fragment %d", n)
		}
		return capability.Payload{Text: p.fragments[n-1]}, nil
	case capability.OpEvaluate:
		return capability.Payload{Exec: fakeExec(in.Text)}, nil
	case capability.OpDebug:
		if p.debugFix == nil {
			return capability.Payload{Text: in.Text}, nil
		}
		return capability.Payload{Text: p.debugFix(in.Text)}, nil
	case capability.OpAblate:
		return capability.Payload{Exec: &capability.ExecResult{Stdout: "baseline 0.7; without model 0.5"}}, nil
	case capability.OpSummarize:
		return capability.Payload{Text: "model block dominates (" + in.Text + ")"}, nil
	case capability.OpExtract:
		return capability.Payload{Text: p.extract}, nil
	}
	return capability.Payload{}, &capability.UnknownOperationError{Operation: op}
}

func fakeExec(code string) *capability.ExecResult {
	if strings.Contains(code, "CRASH") {
		return &capability.ExecResult{ExitCode: 1, Stderr: "Traceback (most recent call last):\nValueError: boom"}
	}
	m := scoreMarker.FindStringSubmatch(code)
	if m == nil {
		return &capability.ExecResult{ExitCode: 0, Stdout: "no score"}
	}
	v, _ := strconv.ParseFloat(m[1], 64)
	return &capability.ExecResult{ExitCode: 0, Stdout: "Final Validation Performance: " + m[1], Score: &v}
}

func invokerFor(p capability.Port) *capability.RetryingInvoker {
	return &capability.RetryingInvoker{
		Port:       p,
		MaxRetries: 0,
		Backoff:    capability.BackoffConfig{InitialDelayMS: 0, BackoffFactor: 1},
	}
}

func innerFor(p capability.Port, iterations, debugRetries int) *InnerLoop {
	inv := invokerFor(p)
	return &InnerLoop{
		Invoker:    inv,
		Evaluator:  &Evaluator{Invoker: inv, MaxDebugRetries: debugRetries, TimeoutSeconds: 5},
		Iterations: iterations,
	}
}
