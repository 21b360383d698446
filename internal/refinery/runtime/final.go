package runtime

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type FinalStatus string

const (
	FinalCompleted FinalStatus = "completed"
	FinalAborted   FinalStatus = "aborted"
	FinalCancelled FinalStatus = "cancelled"
)

func ParseFinalStatus(s string) (FinalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "success", "done":
		return FinalCompleted, nil
	case "aborted", "fail", "failed":
		return FinalAborted, nil
	case "cancelled", "canceled":
		return FinalCancelled, nil
	default:
		return "", fmt.Errorf("invalid final status: %q", s)
	}
}

// StatusForError maps the error that ended a run onto its terminal status.
func StatusForError(err error) FinalStatus {
	switch {
	case err == nil:
		return FinalCompleted
	case errors.Is(err, ErrCancelled):
		return FinalCancelled
	default:
		return FinalAborted
	}
}

type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	Score          float64 `json:"-"`
	ArtifactDigest string  `json:"artifact_digest,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	CompletedRuns  int     `json:"completed_runs"`
	LastCheckpoint string  `json:"last_checkpoint,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	doc := struct {
		*FinalOutcome
		Score Float `json:"score"`
	}{fo, Float(fo.Score)}
	return WriteJSONAtomicFile(path, doc)
}
