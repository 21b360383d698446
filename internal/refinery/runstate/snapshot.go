package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/procutil"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

type State string

const (
	StateUnknown   State = "unknown"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCancelled
}

// Snapshot is a compact view of a run directory for status reporting.
type Snapshot struct {
	LogsRoot string `json:"logs_root"`
	RunID    string `json:"run_id,omitempty"`
	State    State  `json:"state"`

	LastEvent     string        `json:"last_event,omitempty"`
	LastEventAt   time.Time     `json:"last_event_at,omitempty"`
	CurrentNodeID string        `json:"current_node_id,omitempty"`
	Run           int           `json:"run"`
	Iteration     int           `json:"iteration"`
	Score         runtime.Float `json:"score"`

	FailureReason  string `json:"failure_reason,omitempty"`
	LastCheckpoint string `json:"last_checkpoint,omitempty"`
	CompletedRuns  int    `json:"completed_runs,omitempty"`

	PID      int  `json:"pid,omitempty"`
	PIDAlive bool `json:"pid_alive"`
}

type finalOutcomeDoc struct {
	Status         string        `json:"status"`
	RunID          string        `json:"run_id"`
	Score          runtime.Float `json:"score"`
	FailureReason  string        `json:"failure_reason"`
	CompletedRuns  int           `json:"completed_runs"`
	LastCheckpoint string        `json:"last_checkpoint"`
}

// LoadSnapshot reads run artifacts in logsRoot and returns a compact run snapshot.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	s := &Snapshot{
		LogsRoot: root,
		State:    StateUnknown,
		Score:    runtime.Float(runtime.WorstScore),
	}
	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State.Terminal()

	// final.json wins over the activity feed once it exists.
	if !terminal {
		if err := applyLiveOrProgress(s); err != nil {
			return nil, err
		}
	}
	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyFinalOutcome(s *Snapshot) error {
	path := filepath.Join(s.LogsRoot, "final.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc finalOutcomeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	status, err := runtime.ParseFinalStatus(doc.Status)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	s.State = State(status)
	if rid := strings.TrimSpace(doc.RunID); rid != "" {
		s.RunID = rid
	}
	s.Score = doc.Score
	s.FailureReason = strings.TrimSpace(doc.FailureReason)
	s.CompletedRuns = doc.CompletedRuns
	s.LastCheckpoint = doc.LastCheckpoint
	return nil
}

func applyLiveOrProgress(s *Snapshot) error {
	live, found, err := readLiveEvent(filepath.Join(s.LogsRoot, "live.json"))
	if err != nil {
		return err
	}
	if !found {
		live, found, err = readLastProgressEvent(filepath.Join(s.LogsRoot, "progress.ndjson"))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}
	if live.RunID != "" && s.RunID == "" {
		s.RunID = live.RunID
	}
	s.LastEvent = live.Event
	s.CurrentNodeID = live.Node
	s.Run = live.Run
	s.Iteration = live.Iteration
	s.Score = live.Score
	if ts := parseEventTime(live.TS); !ts.IsZero() {
		s.LastEventAt = ts
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.LogsRoot, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminal {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

type eventDoc struct {
	TS        string        `json:"ts"`
	Event     string        `json:"event"`
	RunID     string        `json:"run_id"`
	Run       int           `json:"run"`
	Node      string        `json:"node_id"`
	Iteration int           `json:"iteration"`
	Score     runtime.Float `json:"score"`
}

func readLiveEvent(path string) (eventDoc, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return eventDoc{}, false, nil
		}
		return eventDoc{}, false, err
	}
	var ev eventDoc
	if err := json.Unmarshal(b, &ev); err != nil {
		return eventDoc{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func readLastProgressEvent(path string) (eventDoc, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return eventDoc{}, false, nil
		}
		return eventDoc{}, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return eventDoc{}, false, err
	}
	if last == "" {
		return eventDoc{}, false, nil
	}
	var ev eventDoc
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return eventDoc{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func parseEventTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
