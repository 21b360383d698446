package pyexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/capability"
)

// Scripts are shell so the tests do not depend on a Python install.
func shRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	opts.Interpreter = []string{sh}
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRun_ParsesLastScoreLine(t *testing.T) {
	r := shRunner(t, Options{})
	res, err := r.Run(context.Background(), "echo 'Final Validation Performance: 0.5'\necho 'Final Validation Performance: 0.8125'\necho warn >&2\n", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || res.Score == nil || *res.Score != 0.8125 {
		t.Fatalf("res=%+v", res)
	}
	if !strings.Contains(res.Stderr, "warn") {
		t.Fatalf("stderr=%q", res.Stderr)
	}
}

func TestRun_NonzeroExitIsAResult(t *testing.T) {
	r := shRunner(t, Options{})
	res, err := r.Run(context.Background(), "echo 'Traceback: boom' >&2\nexit 3\n", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 || res.Score != nil || !strings.Contains(res.Stderr, "boom") {
		t.Fatalf("res=%+v", res)
	}
}

func TestRun_TimeoutKillsTheProcessGroup(t *testing.T) {
	r := shRunner(t, Options{})
	start := time.Now()
	_, err := r.Run(context.Background(), "sleep 30 &\nsleep 30\n", 200*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	r := shRunner(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if _, err := r.Run(ctx, "sleep 30\n", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_RunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := shRunner(t, Options{WorkDir: dir, Env: []string{"REFINERY_MARK=yes"}})
	res, err := r.Run(context.Background(), "pwd\necho $REFINERY_MARK\n", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) || !strings.Contains(res.Stdout, "yes") {
		t.Fatalf("stdout=%q", res.Stdout)
	}
}

func TestParseScore_LowerIsBetterAndCustomPattern(t *testing.T) {
	r, err := New(Options{ScorePattern: `RMSE=([0-9.eE+-]+)`, LowerIsBetter: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, ok := r.ParseScore("epoch 1\nRMSE=1.5e-1\n")
	if !ok || v != -0.15 {
		t.Fatalf("v=%v ok=%v", v, ok)
	}
	if _, ok := r.ParseScore("nothing"); ok {
		t.Fatalf("expected no score")
	}
	if _, err := New(Options{ScorePattern: `no group`}); err == nil {
		t.Fatalf("expected capture group error")
	}
}

func TestInvoke_SpawnFailureIsAnError(t *testing.T) {
	r, err := New(Options{Interpreter: []string{"/nonexistent/interpreter"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Invoke(context.Background(), capability.OpEvaluate, capability.Payload{Text: "x"}); err == nil {
		t.Fatalf("expected spawn error")
	}
}

func TestRun_CapsCapturedOutputAndKeepsTail(t *testing.T) {
	r := shRunner(t, Options{})
	code := "yes x | head -c 20000000\necho 'Final Validation Performance: 0.75'\nyes e | head -c 9000000 >&2\necho 'Traceback: tail error' >&2\n"
	res, err := r.Run(context.Background(), code, time.Minute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	const slack = 128
	if len(res.Stdout) > maxCapturedBytes+slack || len(res.Stderr) > maxCapturedBytes+slack {
		t.Fatalf("captured stdout=%d stderr=%d, cap=%d", len(res.Stdout), len(res.Stderr), maxCapturedBytes)
	}
	if res.Score == nil || *res.Score != 0.75 {
		t.Fatalf("score=%v, want 0.75 from the last line", res.Score)
	}
	if !strings.Contains(res.Stderr, "tail error") || !strings.Contains(res.Stderr, "bytes omitted") {
		t.Fatalf("stderr tail lost: %q", res.Stderr[len(res.Stderr)-200:])
	}
}

func TestCappedBuffer_KeepsHeadAndTail(t *testing.T) {
	b := newCappedBuffer(3, 4)
	for _, chunk := range []string{"ab", "cdef", "ghij", "k"} {
		_, _ = b.Write([]byte(chunk))
	}
	got := b.String()
	if !strings.HasPrefix(got, "abc") || !strings.HasSuffix(got, "hijk") {
		t.Fatalf("got=%q", got)
	}
	if b.Omitted() != 4 || b.Len() != 7 {
		t.Fatalf("omitted=%d len=%d", b.Omitted(), b.Len())
	}

	small := newCappedBuffer(3, 4)
	_, _ = small.Write([]byte("abcde"))
	if got := small.String(); got != "abcde" {
		t.Fatalf("got=%q", got)
	}
}

func TestCappedBuffer_LargeSingleWrite(t *testing.T) {
	b := newCappedBuffer(2, 3)
	n, err := b.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if got := b.String(); !strings.HasPrefix(got, "01") || !strings.HasSuffix(got, "789") || b.Omitted() != 5 {
		t.Fatalf("got=%q omitted=%d", got, b.Omitted())
	}
}
