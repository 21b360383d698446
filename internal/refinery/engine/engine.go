package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/refinery/internal/logging"
	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/checkpoint"
	"github.com/danshapiro/refinery/internal/refinery/ensemble"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/graph"
	"github.com/danshapiro/refinery/internal/refinery/loop"
	"github.com/danshapiro/refinery/internal/refinery/metrics"
	"github.com/danshapiro/refinery/internal/refinery/procutil"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

var (
	// ErrPipelineTimeout is the cancellation cause when the pipeline deadline passes.
	ErrPipelineTimeout = errors.New("pipeline timeout exceeded")
	// ErrNoInitialCandidate means initial generation produced nothing to refine.
	ErrNoInitialCandidate = errors.New("initial generation produced no candidate")
	// ErrNoSurvivingRuns means every parallel refinement run failed.
	ErrNoSurvivingRuns = errors.New("every refinement run failed")
)

// nodesPerIteration is the number of graph nodes one outer iteration enters.
const nodesPerIteration = 4

// Engine runs one refinement pipeline: initial generation, parallel outer
// loops, ensembling and optional submission. An Engine is used for a single
// Run or Resume.
type Engine struct {
	Options  Options
	RunID    string
	LogsRoot string

	// InitialArtifact replaces initial generation when non-empty.
	InitialArtifact string
	// RunConfig is snapshotted to run_config.json when set.
	RunConfig *RunConfigFile

	Port    capability.Port
	Store   checkpoint.Store
	Events  events.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Parse   loop.ExtractParser

	invoker   *capability.RetryingInvoker
	evaluator *loop.Evaluator
	sink      events.Sink

	mu             sync.Mutex
	lastCheckpoint string
}

type Result struct {
	RunID    string
	LogsRoot string
	Status   runtime.FinalStatus

	Initial *runtime.RunState
	// Final is the ensembled state that the pipeline settled on.
	Final    *runtime.RunState
	Runs     []ensemble.RunResult
	Ensemble ensemble.Result
	// Submission holds the submit operation output when it ran and succeeded.
	Submission *capability.Payload

	LastCheckpoint string
}

// NewRunID returns a fresh, time-ordered run id.
func NewRunID() string { return ulid.Make().String() }

// New validates opts and returns an engine with a fresh run id. LogsRoot
// and the optional collaborators are set by the caller.
func New(opts Options, port capability.Port, store checkpoint.Store) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if port == nil {
		return nil, fmt.Errorf("capability port is required")
	}
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	return &Engine{Options: opts, RunID: NewRunID(), Port: port, Store: store}, nil
}

// Run executes the pipeline from the beginning.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	return e.run(ctx, false)
}

func (e *Engine) run(ctx context.Context, resume bool) (res *Result, err error) {
	if err := e.Options.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.LogsRoot) == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	if e.Port == nil || e.Store == nil {
		return nil, fmt.Errorf("capability port and checkpoint store are required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		e.RunID = NewRunID()
	}
	if e.Logger == nil {
		e.Logger = logging.New("engine")
	}
	e.Logger = e.Logger.With(slog.String("run_id", e.RunID))

	if err := os.MkdirAll(e.LogsRoot, 0o755); err != nil {
		return nil, err
	}
	if e.RunConfig != nil && !resume {
		if err := runtime.WriteJSONAtomicFile(filepath.Join(e.LogsRoot, "run_config.json"), e.RunConfig); err != nil {
			return nil, fmt.Errorf("snapshot run config: %w", err)
		}
	}
	if err := e.writeManifest(resume); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := procutil.WritePIDFile(filepath.Join(e.LogsRoot, "run.pid")); err != nil {
		e.Logger.Warn("write pid file", slog.Any("error", err))
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, e.Options.PipelineTimeout, ErrPipelineTimeout)
	defer cancel()

	e.wire()
	if e.Options.BudgetIsTight() {
		e.Logger.Warn("node budget leaves no slack for the configured outer iterations",
			slog.Int("max_node_executions", e.Options.MaxNodeExecutions),
			slog.Int("outer_loop_iterations", e.Options.OuterLoopIterations),
		)
	}

	res = &Result{RunID: e.RunID, LogsRoot: e.LogsRoot}
	mode := "run"
	if resume {
		mode = "resume"
	}
	e.sink.Emit(events.Event{Name: events.RunStarted, Detail: mode})
	e.Logger.Info("pipeline started", slog.String("mode", mode), slog.String("logs_root", e.LogsRoot))

	err = e.pipeline(runCtx, res, resume)
	if err != nil && !runtime.IsFatal(err) {
		if cerr := runtime.ContextError(runCtx); cerr != nil {
			err = cerr
		}
	}
	res.Status = runtime.StatusForError(err)
	res.LastCheckpoint = e.checkpointTag()
	e.finish(res, err)
	return res, err
}

// wire builds the invoker, evaluator and event fan-out shared by all phases.
func (e *Engine) wire() {
	observe := func(capability.AttemptInfo) {}
	sinks := []events.Sink{e.Events}
	if e.Metrics != nil {
		observe = e.Metrics.ObserveAttempt
		sinks = append(sinks, e.Metrics.Sink())
	}
	e.sink = events.Stamp(events.Fanout(sinks...), e.RunID, 0)
	e.invoker = &capability.RetryingInvoker{
		Port:           e.Port,
		MaxRetries:     e.Options.CapabilityRetries,
		Backoff:        e.Options.Backoff,
		PerCallTimeout: e.Options.PerCallTimeout,
		JitterSeed:     e.RunID,
		Observe:        observe,
	}
	e.evaluator = &loop.Evaluator{
		Invoker:         e.invoker,
		MaxDebugRetries: e.Options.MaxDebugRetries,
		TimeoutSeconds:  e.Options.evalTimeoutSeconds(),
	}
}

func (e *Engine) pipeline(ctx context.Context, res *Result, resume bool) error {
	if resume {
		final, found, err := e.Store.Load(ctx, checkpoint.TagEnsemble)
		if err != nil {
			return err
		}
		if found {
			e.noteCheckpoint(checkpoint.TagEnsemble)
			res.Final = final
			e.Logger.Info("pipeline already ensembled", slog.String("checkpoint", checkpoint.TagEnsemble))
			return nil
		}
	}

	initial, err := e.initialState(ctx, resume)
	if err != nil {
		return err
	}
	res.Initial = initial

	states := make([]*runtime.RunState, e.Options.ParallelRuns)
	for i := range states {
		states[i] = initial
	}
	results, err := ensemble.RunParallel(ctx, e.Options.EnsembleWorkerLimit, states, e.refineRun(resume))
	res.Runs = results
	if err != nil {
		return err
	}
	survivors := ensemble.Succeeded(results)
	if len(survivors) == 0 {
		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("run %d: %w", r.Index+1, r.Err))
			}
		}
		return fmt.Errorf("%w: %w", ErrNoSurvivingRuns, errors.Join(errs...))
	}

	final, ens, err := e.ensemble(ctx, survivors)
	res.Ensemble = ens
	if err != nil {
		return err
	}
	res.Final = final

	if e.Options.Submit {
		return e.submit(ctx, final, res)
	}
	return nil
}

// refineRun returns the per-run body executed by RunParallel. Runs are
// numbered from 1 in events and checkpoint scopes.
func (e *Engine) refineRun(resume bool) ensemble.RunFunc {
	return func(ctx context.Context, index int, s *runtime.RunState) error {
		run := index + 1
		scope := checkpoint.RunScope(run)
		store := checkpoint.Scope(e.Store, scope)
		sink := events.Stamp(e.sink, e.RunID, run)
		logger := e.Logger.With(slog.Int("run", run))
		budget := graph.NewBudget(e.Options.MaxNodeExecutions)
		from := ""

		if resume {
			tag, saved, found, err := checkpoint.LatestOuter(ctx, store)
			if err != nil {
				return err
			}
			if found {
				rule, err := checkpoint.Next(tag, e.Options.OuterLoopIterations)
				if err != nil {
					return err
				}
				*s = *saved
				e.noteCheckpoint(scope + "/" + tag)
				if rule.Next != checkpoint.PhaseOuter {
					logger.Info("run already refined", slog.String("checkpoint", tag))
					return nil
				}
				from = rule.Entry
				// Completed iterations stay charged against the budget.
				budget.Executed = min(nodesPerIteration*s.OuterIteration, budget.MaxNodeExecutions)
				logger.Info("resuming run", slog.String("checkpoint", tag), slog.String("entry", from))
			}
		}

		outer := &loop.OuterLoop{
			Invoker: e.invoker,
			Inner: &loop.InnerLoop{
				Invoker:    e.invoker,
				Evaluator:  e.evaluator,
				Iterations: e.Options.InnerLoopIterations,
				Events:     sink,
			},
			Iterations: e.Options.OuterLoopIterations,
			Parse:      e.Parse,
			Events:     sink,
			AfterIteration: func(ctx context.Context, s *runtime.RunState) error {
				return e.save(ctx, store, scope, checkpoint.OuterTag(s.OuterIteration), s, sink)
			},
		}
		err := outer.Run(ctx, s, budget, from)
		switch {
		case err == nil:
			logger.Info("run refined", slog.String("score", formatScore(s.Score)), slog.Int("node_executions", budget.Executed), slog.Int("node_budget_remaining", budget.Remaining()))
		case runtime.IsFatal(err):
			logger.Info("run stopped", slog.Any("error", err))
		default:
			sink.Emit(events.Event{Name: events.RefinementFailed, Iteration: s.OuterIteration, Score: s.Score, Detail: err.Error()})
			logger.Warn("run failed", slog.Any("error", err))
		}
		return err
	}
}

// ensemble merges the surviving runs and folds the winner into a final state
// derived from the best individual run.
func (e *Engine) ensemble(ctx context.Context, survivors []*runtime.RunState) (*runtime.RunState, ensemble.Result, error) {
	x := &ensemble.Explorer{
		Invoker:    e.invoker,
		Evaluator:  e.evaluator,
		Iterations: e.Options.EnsembleIterations,
		Events:     e.sink,
	}
	res, err := x.Explore(ctx, survivors)
	if err != nil {
		return nil, res, err
	}
	baseline := res.Candidates[0]
	final := survivors[baseline.Run].Clone()
	best := res.Best
	if best.Iteration > 0 {
		final.Artifact = best.MergedArtifact
		final.Score = best.Score
	}
	final.Append(runtime.HistoryEntry{
		Kind:      runtime.HistoryEnsemble,
		Summary:   best.Strategy,
		Score:     best.Score,
		Iteration: best.Iteration,
	})
	if err := e.save(ctx, e.Store, "", checkpoint.TagEnsemble, final, e.sink); err != nil {
		return nil, res, err
	}
	e.Logger.Info("ensemble selected",
		slog.Int("iteration", best.Iteration),
		slog.String("strategy", best.Strategy),
		slog.String("score", formatScore(best.Score)),
		slog.Int("runs", len(survivors)),
	)
	return final, res, nil
}

// submit runs the submission step once. Only fatal errors propagate; any
// other failure leaves the terminal status unchanged.
func (e *Engine) submit(ctx context.Context, final *runtime.RunState, res *Result) error {
	out, err := e.invoker.Invoke(ctx, capability.OpSubmit, capability.Payload{
		Text:           final.Artifact,
		TimeoutSeconds: e.Options.evalTimeoutSeconds(),
	})
	if err != nil {
		if runtime.IsFatal(err) {
			return err
		}
		e.sink.Emit(events.Event{Name: events.SubmissionWarning, Score: final.Score, Detail: err.Error()})
		e.Logger.Warn("submission failed", slog.Any("error", err))
		return nil
	}
	if out.Exec != nil && out.Exec.ExitCode != 0 {
		detail := fmt.Sprintf("submission script exited with status %d", out.Exec.ExitCode)
		e.sink.Emit(events.Event{Name: events.SubmissionWarning, Score: final.Score, Detail: detail})
		e.Logger.Warn("submission failed", slog.Int("exit_code", out.Exec.ExitCode))
	}
	if strings.TrimSpace(out.Text) != "" {
		if err := runtime.WriteFileAtomic(filepath.Join(e.LogsRoot, "submission.py"), []byte(out.Text)); err != nil {
			e.Logger.Warn("write submission script", slog.Any("error", err))
		}
	}
	res.Submission = &out
	return nil
}

func (e *Engine) save(ctx context.Context, store checkpoint.Store, scope, tag string, s *runtime.RunState, sink events.Sink) error {
	if err := store.Save(ctx, tag, s); err != nil {
		return fmt.Errorf("checkpoint %s: %w", tag, err)
	}
	name := tag
	if scope != "" {
		name = scope + "/" + tag
	}
	e.noteCheckpoint(name)
	sink.Emit(events.Event{Name: events.CheckpointSaved, Iteration: s.OuterIteration, Score: s.Score, Detail: name})
	return nil
}

func (e *Engine) noteCheckpoint(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCheckpoint = name
}

func (e *Engine) checkpointTag() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCheckpoint
}

// finish persists final.json and the final artifact, then reports the outcome.
func (e *Engine) finish(res *Result, runErr error) {
	state := res.Final
	if state == nil {
		state = bestAvailable(res)
	}
	fo := runtime.FinalOutcome{
		Timestamp:      time.Now().UTC(),
		Status:         res.Status,
		RunID:          e.RunID,
		Score:          runtime.WorstScore,
		CompletedRuns:  len(ensemble.Succeeded(res.Runs)),
		LastCheckpoint: res.LastCheckpoint,
	}
	if state != nil {
		fo.Score = state.Score
		fo.ArtifactDigest = runtime.Digest([]byte(state.Artifact))
		if err := runtime.WriteFileAtomic(filepath.Join(e.LogsRoot, "final_solution.py"), []byte(state.Artifact)); err != nil {
			e.Logger.Warn("write final artifact", slog.Any("error", err))
		}
	}
	if runErr != nil {
		fo.FailureReason = strings.TrimSpace(runErr.Error())
	}
	if err := fo.Save(filepath.Join(e.LogsRoot, "final.json")); err != nil {
		e.Logger.Error("write final outcome", slog.Any("error", err))
	}
	if e.Metrics != nil {
		e.Metrics.Finish(res.Status)
	}
	e.sink.Emit(events.Event{Name: events.RunFinished, Score: fo.Score, Kind: string(res.Status), Detail: fo.FailureReason})

	attrs := []any{slog.String("status", string(res.Status)), slog.String("score", formatScore(fo.Score))}
	switch res.Status {
	case runtime.FinalCompleted:
		e.Logger.Info("pipeline completed", attrs...)
	case runtime.FinalCancelled:
		e.Logger.Info("pipeline cancelled", append(attrs, slog.Any("reason", runErr))...)
	default:
		e.Logger.Error("pipeline aborted", append(attrs, slog.Any("reason", runErr))...)
	}
}

// bestAvailable picks the best state reached before the pipeline stopped:
// the strongest run, else the initial artifact.
func bestAvailable(res *Result) *runtime.RunState {
	var best *runtime.RunState
	for _, r := range res.Runs {
		if r.State == nil {
			continue
		}
		if best == nil || runtime.Better(r.State.Score, best.Score) {
			best = r.State
		}
	}
	if best != nil {
		return best
	}
	return res.Initial
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
