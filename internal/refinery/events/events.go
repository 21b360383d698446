package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Event names.
const (
	NodeCompleted     = "node_completed"
	InnerAttempt      = "inner_attempt"
	EnsembleAttempt   = "ensemble_attempt"
	InitialCandidate  = "initial_candidate"
	InitialMerge      = "initial_merge"
	InitialCheck      = "initial_check"
	CheckpointSaved   = "checkpoint_saved"
	RunStarted        = "run_started"
	RunFinished       = "run_finished"
	RefinementFailed  = "refinement_failed"
	SubmissionWarning = "submission_warning"
)

// Event is a progress notification. Emission is best effort.
type Event struct {
	Name      string
	Iteration int
	Score     float64
	Timestamp time.Time

	RunID  string
	Run    int
	Node   string
	Kind   string
	Detail string
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TS        string        `json:"ts"`
		Event     string        `json:"event"`
		RunID     string        `json:"run_id,omitempty"`
		Run       int           `json:"run"`
		Node      string        `json:"node_id,omitempty"`
		Kind      string        `json:"kind,omitempty"`
		Iteration int           `json:"iteration"`
		Score     runtime.Float `json:"score"`
		Detail    string        `json:"detail,omitempty"`
	}{
		TS:        e.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     e.Name,
		RunID:     e.RunID,
		Run:       e.Run,
		Node:      e.Node,
		Kind:      e.Kind,
		Iteration: e.Iteration,
		Score:     runtime.Float(e.Score),
		Detail:    e.Detail,
	})
}

type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type fanout []Sink

func (f fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Fanout delivers each event to every non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Stamp fills Timestamp and RunID when unset and forwards to s.
func Stamp(s Sink, runID string, run int) Sink {
	if s == nil {
		s = Discard
	}
	return SinkFunc(func(e Event) {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		if e.RunID == "" {
			e.RunID = runID
		}
		if e.Run == 0 {
			e.Run = run
		}
		s.Emit(e)
	})
}

// FileSink appends events to progress.ndjson and mirrors the newest one into
// live.json under logsRoot. The first write failure is logged as a warning and
// later ones at debug level; emission never fails.
type FileSink struct {
	// Logger receives write failures. Nil uses slog.Default.
	Logger *slog.Logger

	mu       sync.Mutex
	logsRoot string
	failed   bool
}

func NewFileSink(logsRoot string) *FileSink {
	return &FileSink{logsRoot: logsRoot}
}

func (f *FileSink) Emit(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		f.warn("encode event", e, err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.logsRoot, 0o755); err != nil {
		f.warn("create logs root", e, err)
		return
	}
	if err := appendLine(filepath.Join(f.logsRoot, "progress.ndjson"), b); err != nil {
		f.warn("append progress", e, err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, b, "", "  "); err != nil {
		f.warn("indent live event", e, err)
		return
	}
	if err := runtime.WriteFileAtomic(filepath.Join(f.logsRoot, "live.json"), pretty.Bytes()); err != nil {
		f.warn("write live.json", e, err)
	}
}

func appendLine(path string, b []byte) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fh.Write(append(b, '\n')); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

func (f *FileSink) warn(msg string, e Event, err error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if f.failed {
		level = slog.LevelDebug
	}
	f.failed = true
	logger.Log(context.Background(), level, "progress sink: "+msg,
		slog.String("event", e.Name),
		slog.String("logs_root", f.logsRoot),
		slog.Any("error", err),
	)
}

// LogSink writes events to a structured logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Emit(e Event) {
	if l.Logger == nil {
		return
	}
	l.Logger.Debug("progress",
		slog.String("event", e.Name),
		slog.Int("run", e.Run),
		slog.String("node", e.Node),
		slog.Int("iteration", e.Iteration),
		slog.Any("score", runtime.Float(e.Score)),
		slog.String("detail", e.Detail),
	)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
