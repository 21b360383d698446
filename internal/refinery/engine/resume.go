package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

type manifest struct {
	RunID     string      `json:"run_id"`
	LogsRoot  string      `json:"logs_root"`
	StartedAt time.Time   `json:"started_at"`
	ResumedAt []time.Time `json:"resumed_at,omitempty"`

	OuterLoopIterations int    `json:"outer_loop_iterations"`
	ParallelRuns        int    `json:"parallel_runs"`
	InitialArtifactHash string `json:"initial_artifact_digest,omitempty"`
}

func (e *Engine) writeManifest(resume bool) error {
	path := filepath.Join(e.LogsRoot, "manifest.json")
	if resume {
		m, err := loadManifest(path)
		if err == nil {
			if m.RunID != e.RunID {
				return fmt.Errorf("manifest run id %s does not match %s", m.RunID, e.RunID)
			}
			m.ResumedAt = append(m.ResumedAt, time.Now().UTC())
			return runtime.WriteJSONAtomicFile(path, m)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	m := manifest{
		RunID:               e.RunID,
		LogsRoot:            e.LogsRoot,
		StartedAt:           time.Now().UTC(),
		OuterLoopIterations: e.Options.OuterLoopIterations,
		ParallelRuns:        e.Options.ParallelRuns,
	}
	if e.InitialArtifact != "" {
		m.InitialArtifactHash = runtime.Digest([]byte(e.InitialArtifact))
	}
	return runtime.WriteJSONAtomicFile(path, m)
}

func loadManifest(path string) (*manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.RunID) == "" {
		return nil, fmt.Errorf("manifest missing run_id")
	}
	return &m, nil
}

// Resume continues the run recorded under e.LogsRoot from its newest
// checkpoints. Completed phases are not repeated.
func (e *Engine) Resume(ctx context.Context) (*Result, error) {
	if strings.TrimSpace(e.LogsRoot) == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	m, err := loadManifest(filepath.Join(e.LogsRoot, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	e.RunID = m.RunID
	return e.run(ctx, true)
}

// Resume rebuilds the engine of the run under logsRoot from its
// run_config.json snapshot and continues it.
func Resume(ctx context.Context, logsRoot string, deps Deps) (*Result, error) {
	m, err := loadManifest(filepath.Join(logsRoot, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	cfg, err := LoadRunConfigFile(filepath.Join(logsRoot, "run_config.json"))
	if err != nil {
		return nil, fmt.Errorf("load run config snapshot: %w", err)
	}
	e, closeStore, err := Build(ctx, cfg, m.RunID, logsRoot, deps)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeStore() }()
	return e.Resume(ctx)
}
