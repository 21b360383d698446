package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/loop"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

type Phase string

const (
	PhaseInitial  Phase = "initial"
	PhaseOuter    Phase = "outer"
	PhaseEnsemble Phase = "ensemble"
	PhaseDone     Phase = "done"
)

// ResumeRule maps the latest saved tag to the phase that runs next and the
// graph node it enters.
type ResumeRule struct {
	Tag   string
	Next  Phase
	Entry string
}

// ResumeTable is the fixed mapping used on resume. "outer-NNN" rows apply
// while N is below the configured outer iterations; at the limit the run
// moves on to ensembling.
var ResumeTable = []ResumeRule{
	{Tag: "", Next: PhaseInitial},
	{Tag: TagInitial, Next: PhaseOuter, Entry: loop.NodeAblate},
	{Tag: "outer-NNN", Next: PhaseOuter, Entry: loop.NodeAblate},
	{Tag: "outer-NNN (final)", Next: PhaseEnsemble},
	{Tag: TagEnsemble, Next: PhaseDone},
}

// Next resolves the resume rule for tag.
func Next(tag string, outerIterations int) (ResumeRule, error) {
	switch {
	case tag == "":
		return ResumeTable[0], nil
	case tag == TagInitial:
		return ResumeTable[1], nil
	case tag == TagEnsemble:
		return ResumeTable[4], nil
	}
	n, ok := parseOuterTag(tag)
	if !ok {
		return ResumeRule{}, fmt.Errorf("unknown checkpoint tag %q", tag)
	}
	if n < outerIterations {
		r := ResumeTable[2]
		r.Tag = tag
		return r, nil
	}
	r := ResumeTable[3]
	r.Tag = tag
	return r, nil
}

func parseOuterTag(tag string) (int, bool) {
	rest, ok := strings.CutPrefix(tag, "outer-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// LatestOuter returns the newest outer-loop checkpoint in store, if any.
func LatestOuter(ctx context.Context, store Store) (string, *runtime.RunState, bool, error) {
	tags, err := store.Tags(ctx, "outer-*")
	if err != nil {
		return "", nil, false, err
	}
	best, bestN := "", -1
	for _, t := range tags {
		if n, ok := parseOuterTag(t); ok && n > bestN {
			best, bestN = t, n
		}
	}
	if best == "" {
		return "", nil, false, nil
	}
	s, found, err := store.Load(ctx, best)
	if err != nil || !found {
		return "", nil, false, err
	}
	return best, s, true, nil
}
