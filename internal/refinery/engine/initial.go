package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/checkpoint"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/loop"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// initialState returns the artifact every refinement run starts from. A
// fresh initial state is checkpointed only after the checks have run.
func (e *Engine) initialState(ctx context.Context, resume bool) (*runtime.RunState, error) {
	if resume {
		s, found, err := e.Store.Load(ctx, checkpoint.TagInitial)
		if err != nil {
			return nil, err
		}
		if found {
			e.noteCheckpoint(checkpoint.TagInitial)
			e.Logger.Info("initial artifact restored", slog.String("score", formatScore(s.Score)))
			return s, nil
		}
	}

	var (
		best loop.Evaluation
		err  error
	)
	if strings.TrimSpace(e.InitialArtifact) != "" {
		best, err = e.evaluateProvided(ctx)
	} else {
		var candidates []loop.Evaluation
		candidates, err = e.generateInitial(ctx)
		if err == nil {
			best, err = e.mergeInitial(ctx, candidates)
		}
	}
	if err != nil {
		return nil, err
	}
	if best, err = e.checkInitial(ctx, best); err != nil {
		return nil, err
	}
	s := runtime.NewRunState(best.Artifact, best.Score)
	if err := e.save(ctx, e.Store, "", checkpoint.TagInitial, s, e.sink); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) evaluateProvided(ctx context.Context) (loop.Evaluation, error) {
	ev, err := e.evaluator.Evaluate(ctx, e.InitialArtifact)
	if err != nil {
		return loop.Evaluation{}, err
	}
	e.sink.Emit(events.Event{Name: events.InitialCandidate, Iteration: 1, Score: ev.Score, Detail: "provided"})
	if !ev.OK() {
		e.Logger.Warn("provided initial artifact did not evaluate cleanly", slog.Any("error", ev.Err))
	}
	return ev, nil
}

// generateInitial asks for InitialCandidates solutions and returns the
// evaluated ones in generation order.
func (e *Engine) generateInitial(ctx context.Context) ([]loop.Evaluation, error) {
	var (
		candidates []loop.Evaluation
		tried      []string
		failures   []error
	)
	for c := 1; c <= e.Options.InitialCandidates; c++ {
		out, err := e.invoker.Invoke(ctx, capability.OpInitial, capability.Payload{
			Vars: map[string]string{
				"candidate": strconv.Itoa(c),
				"previous":  strings.Join(tried, "\n"),
			},
		})
		if err != nil {
			if runtime.IsFatal(err) {
				return nil, err
			}
			failures = append(failures, fmt.Errorf("candidate %d: %w", c, err))
			e.Logger.Warn("initial candidate failed", slog.Int("candidate", c), slog.Any("error", err))
			continue
		}
		ev, err := e.evaluator.Evaluate(ctx, out.Text)
		if err != nil {
			return nil, err
		}
		tried = append(tried, fmt.Sprintf("candidate %d scored %s", c, formatScore(ev.Score)))
		e.sink.Emit(events.Event{Name: events.InitialCandidate, Iteration: c, Score: ev.Score})
		candidates = append(candidates, ev)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoInitialCandidate, errors.Join(failures...))
	}
	return candidates, nil
}

// mergeInitial folds the candidates into the best one, highest score first.
// A merge is kept only if it beats the current solution. The first merge
// that evaluates but does not improve ends the sequence; a merge that fails
// is skipped.
func (e *Engine) mergeInitial(ctx context.Context, candidates []loop.Evaluation) (loop.Evaluation, error) {
	ranked := make([]loop.Evaluation, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return runtime.Better(ranked[i].Score, ranked[j].Score)
	})
	best := ranked[0]
	e.Logger.Info("initial candidate selected", slog.String("score", formatScore(best.Score)))

	for i, ref := range ranked[1:] {
		step := i + 1
		out, err := e.invoker.Invoke(ctx, capability.OpMerge, capability.Payload{
			Text: best.Artifact,
			Vars: map[string]string{
				"reference":       ref.Artifact,
				"base_score":      formatScore(best.Score),
				"reference_score": formatScore(ref.Score),
			},
		})
		if err != nil {
			if runtime.IsFatal(err) {
				return loop.Evaluation{}, err
			}
			e.Logger.Warn("initial merge failed", slog.Int("step", step), slog.Any("error", err))
			e.sink.Emit(events.Event{Name: events.InitialMerge, Iteration: step, Score: best.Score, Detail: "failed: " + err.Error()})
			continue
		}
		ev, err := e.evaluator.Evaluate(ctx, out.Text)
		if err != nil {
			return loop.Evaluation{}, err
		}
		if !ev.OK() || ev.Score == runtime.WorstScore {
			e.Logger.Warn("initial merge did not evaluate", slog.Int("step", step), slog.Any("error", ev.Err))
			e.sink.Emit(events.Event{Name: events.InitialMerge, Iteration: step, Score: ev.Score, Detail: "failed"})
			continue
		}
		if !runtime.Better(ev.Score, best.Score) {
			e.sink.Emit(events.Event{Name: events.InitialMerge, Iteration: step, Score: ev.Score, Detail: "stopped"})
			e.Logger.Info("initial merge stopped", slog.Int("step", step),
				slog.String("score", formatScore(ev.Score)), slog.String("kept", formatScore(best.Score)))
			break
		}
		e.sink.Emit(events.Event{Name: events.InitialMerge, Iteration: step, Score: ev.Score, Detail: "kept"})
		e.Logger.Info("initial merge kept", slog.Int("step", step), slog.String("score", formatScore(ev.Score)))
		best = ev
	}
	return best, nil
}

// initialChecks run in order against the chosen initial solution.
var initialChecks = []string{capability.OpLeakageCheck, capability.OpDataUsageCheck}

// checkInitial applies the leakage and data usage checks. A correction
// replaces the solution when it evaluates to a usable score, even a lower
// one. Checks that fail or are not served are skipped.
func (e *Engine) checkInitial(ctx context.Context, cur loop.Evaluation) (loop.Evaluation, error) {
	for i, op := range initialChecks {
		step := i + 1
		out, err := e.invoker.Invoke(ctx, op, capability.Payload{
			Text: cur.Artifact,
			Vars: map[string]string{"score": formatScore(cur.Score)},
		})
		if err != nil {
			if runtime.IsFatal(err) {
				return loop.Evaluation{}, err
			}
			var unknown *capability.UnknownOperationError
			if errors.As(err, &unknown) {
				e.Logger.Debug("initial check not served", slog.String("check", op))
			} else {
				e.Logger.Warn("initial check failed", slog.String("check", op), slog.Any("error", err))
			}
			e.sink.Emit(events.Event{Name: events.InitialCheck, Iteration: step, Score: cur.Score, Detail: op + ": skipped: " + err.Error()})
			continue
		}
		if capability.Unchanged(out, cur.Artifact) {
			e.sink.Emit(events.Event{Name: events.InitialCheck, Iteration: step, Score: cur.Score, Detail: op + ": clean"})
			continue
		}
		ev, err := e.evaluator.Evaluate(ctx, out.Text)
		if err != nil {
			return loop.Evaluation{}, err
		}
		if !ev.OK() || ev.Score == runtime.WorstScore {
			e.Logger.Warn("initial check correction rejected", slog.String("check", op), slog.Any("error", ev.Err))
			e.sink.Emit(events.Event{Name: events.InitialCheck, Iteration: step, Score: ev.Score, Detail: op + ": rejected"})
			continue
		}
		e.Logger.Info("initial check corrected solution", slog.String("check", op),
			slog.String("score", formatScore(ev.Score)), slog.String("previous", formatScore(cur.Score)))
		e.sink.Emit(events.Event{Name: events.InitialCheck, Iteration: step, Score: ev.Score, Detail: op + ": corrected"})
		cur = ev
	}
	return cur, nil
}
