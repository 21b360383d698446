package pyexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/procutil"
)

// DefaultScorePattern matches the line every generated script prints.
const DefaultScorePattern = `Final Validation Performance:\s*([-+]?\d*\.?\d+(?:[eE][-+]?\d+)?)`

// Each stream keeps at most this much: a head for setup errors and a tail for
// the score line and traceback.
const (
	maxCapturedBytes = 4 << 20
	headBytes        = maxCapturedBytes / 4
)

// Runner executes scripts with an interpreter and reports their score.
type Runner struct {
	Interpreter []string
	// WorkDir is the directory scripts run in; the data lives here.
	WorkDir string
	// ScratchDir receives the temporary script files. Defaults to os.TempDir.
	ScratchDir string
	Env        []string
	Timeout    time.Duration
	// LowerIsBetter negates parsed scores so that larger is always better.
	LowerIsBetter bool

	score *regexp.Regexp
}

type Options struct {
	Interpreter   []string
	WorkDir       string
	ScratchDir    string
	Env           []string
	Timeout       time.Duration
	ScorePattern  string
	LowerIsBetter bool
}

func New(opts Options) (*Runner, error) {
	interp := opts.Interpreter
	if len(interp) == 0 {
		interp = []string{"python3"}
	}
	pattern := strings.TrimSpace(opts.ScorePattern)
	if pattern == "" {
		pattern = DefaultScorePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("score pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("score pattern %q has no capture group", pattern)
	}
	return &Runner{
		Interpreter:   interp,
		WorkDir:       opts.WorkDir,
		ScratchDir:    opts.ScratchDir,
		Env:           opts.Env,
		Timeout:       opts.Timeout,
		LowerIsBetter: opts.LowerIsBetter,
		score:         re,
	}, nil
}

// TimeoutError reports a script killed after exceeding its time limit.
type TimeoutError struct {
	Limit  time.Duration
	Stderr string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Limit)
}

// Run executes code. A nonzero exit is a normal result; an error means the
// script could not be run to completion.
func (r *Runner) Run(ctx context.Context, code string, timeout time.Duration) (capability.ExecResult, error) {
	if timeout <= 0 {
		timeout = r.Timeout
	}
	f, err := os.CreateTemp(r.ScratchDir, "refinery-*.py")
	if err != nil {
		return capability.ExecResult{}, fmt.Errorf("write script: %w", err)
	}
	script := f.Name()
	defer func() { _ = os.Remove(script) }()
	if _, err := f.WriteString(code); err != nil {
		_ = f.Close()
		return capability.ExecResult{}, fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		return capability.ExecResult{}, fmt.Errorf("write script: %w", err)
	}
	if abs, err := filepath.Abs(script); err == nil {
		script = abs
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Interpreter[1:]...), script)
	cmd := exec.Command(r.Interpreter[0], args...)
	cmd.Dir = r.WorkDir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	stdout := newCappedBuffer(headBytes, maxCapturedBytes-headBytes)
	stderr := newCappedBuffer(headBytes, maxCapturedBytes-headBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	procutil.NewProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return capability.ExecResult{}, fmt.Errorf("start %s: %w", r.Interpreter[0], err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		_ = procutil.KillGroup(cmd.Process.Pid)
		<-done
		if ctx.Err() != nil {
			return capability.ExecResult{}, ctx.Err()
		}
		return capability.ExecResult{}, &TimeoutError{Limit: timeout, Stderr: stderr.String()}
	}

	res := capability.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", r.Interpreter[0], waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	if score, ok := r.ParseScore(res.Stdout); ok {
		res.Score = &score
	}
	return res, nil
}

// ParseScore returns the last score line in output, inverted when lower
// scores are better.
func (r *Runner) ParseScore(output string) (float64, bool) {
	matches := r.score.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	if r.LowerIsBetter {
		v = -v
	}
	return v, true
}

// Invoke serves capability.OpEvaluate: in.Text is the script.
func (r *Runner) Invoke(ctx context.Context, operationID string, in capability.Payload) (capability.Payload, error) {
	res, err := r.Run(ctx, in.Text, time.Duration(in.TimeoutSeconds)*time.Second)
	if err != nil {
		return capability.Payload{}, err
	}
	return capability.Payload{Text: in.Text, Exec: &res}, nil
}

// cappedBuffer is an io.Writer that keeps the first head bytes and the last
// tail bytes written to it. It has no ReadFrom, so io.Copy always goes
// through Write.
type cappedBuffer struct {
	head    []byte
	headMax int

	ring  []byte
	pos   int
	total int64 // bytes written past the head
}

func newCappedBuffer(headMax, tailMax int) *cappedBuffer {
	return &cappedBuffer{headMax: headMax, ring: make([]byte, tailMax)}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.headMax - len(b.head); room > 0 {
		k := min(room, len(p))
		b.head = append(b.head, p[:k]...)
		p = p[k:]
	}
	if len(b.ring) == 0 {
		b.total += int64(len(p))
		return n, nil
	}
	if len(p) > len(b.ring) {
		b.total += int64(len(p) - len(b.ring))
		p = p[len(p)-len(b.ring):]
	}
	for len(p) > 0 {
		k := copy(b.ring[b.pos:], p)
		b.pos = (b.pos + k) % len(b.ring)
		b.total += int64(k)
		p = p[k:]
	}
	return n, nil
}

// Len reports how many bytes String returns, excluding the omission marker.
func (b *cappedBuffer) Len() int {
	return len(b.head) + int(min(b.total, int64(len(b.ring))))
}

func (b *cappedBuffer) Omitted() int64 {
	return max(0, b.total-int64(len(b.ring)))
}

func (b *cappedBuffer) String() string {
	var sb strings.Builder
	sb.Grow(b.Len() + 64)
	sb.Write(b.head)
	if b.total <= int64(len(b.ring)) {
		sb.Write(b.ring[:b.total])
		return sb.String()
	}
	fmt.Fprintf(&sb, "\n[... %d bytes omitted ...]\n", b.Omitted())
	sb.Write(b.ring[b.pos:])
	sb.Write(b.ring[:b.pos])
	return sb.String()
}
