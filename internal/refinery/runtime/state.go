package runtime

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// WorstScore is the score assigned to attempts that produced no usable measurement.
var WorstScore = math.Inf(-1)

type HistoryKind string

const (
	HistoryAblation   HistoryKind = "ablation"
	HistoryRefinement HistoryKind = "refinement"
	HistoryEnsemble   HistoryKind = "ensemble"
)

func ParseHistoryKind(s string) (HistoryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ablation":
		return HistoryAblation, nil
	case "refinement", "refine":
		return HistoryRefinement, nil
	case "ensemble":
		return HistoryEnsemble, nil
	default:
		return "", fmt.Errorf("invalid history kind: %q", s)
	}
}

// HistoryEntry is an immutable record of one completed phase step.
type HistoryEntry struct {
	Kind      HistoryKind `json:"kind"`
	Summary   string      `json:"summary"`
	Score     float64     `json:"score"`
	Iteration int         `json:"iteration"`
}

// RunState is the evolving state of one refinement run. It has exactly one
// writer at a time; parallel runs each operate on their own Clone.
type RunState struct {
	Artifact         string         `json:"artifact"`
	Score            float64        `json:"score"`
	History          []HistoryEntry `json:"history"`
	OuterIteration   int            `json:"outer_iteration"`
	InnerIteration   int            `json:"inner_iteration"`
	TargetFragment   string         `json:"target_fragment,omitempty"`
	TargetID         string         `json:"target_id,omitempty"`
	RefinedFragments []string       `json:"refined_fragments"`

	// Values handed from one outer-loop node to the next.
	AblationRaw     string `json:"ablation_raw,omitempty"`
	AblationSummary string `json:"ablation_summary,omitempty"`
	Plan            string `json:"plan,omitempty"`
}

// NewRunState returns a state holding artifact with the given score.
func NewRunState(artifact string, score float64) *RunState {
	return &RunState{
		Artifact:         artifact,
		Score:            score,
		History:          []HistoryEntry{},
		RefinedFragments: []string{},
	}
}

// Append records a history entry. Entries are never modified after append.
func (s *RunState) Append(e HistoryEntry) {
	s.History = append(s.History, e)
}

// CountHistory returns the number of entries of the given kind.
func (s *RunState) CountHistory(kind HistoryKind) int {
	n := 0
	for _, e := range s.History {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// HistoryOf returns copies of the entries of the given kind in append order.
func (s *RunState) HistoryOf(kind HistoryKind) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range s.History {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *RunState) IsRefined(id string) bool {
	return slices.Contains(s.RefinedFragments, id)
}

// MarkRefined adds id to the refined set; duplicates are ignored.
func (s *RunState) MarkRefined(id string) {
	id = strings.TrimSpace(id)
	if id == "" || s.IsRefined(id) {
		return
	}
	s.RefinedFragments = append(s.RefinedFragments, id)
}

// Clone returns a deep copy sharing no mutable memory with s.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]HistoryEntry{}, s.History...)
	c.RefinedFragments = append([]string{}, s.RefinedFragments...)
	return &c
}

// Attempt is one inner-loop try. It lives only for the duration of a loop.
type Attempt struct {
	Plan              string  `json:"plan"`
	CandidateFragment string  `json:"candidate_fragment"`
	CandidateArtifact string  `json:"candidate_artifact"`
	Score             float64 `json:"score"`
	Iteration         int     `json:"iteration"`
	Err               error   `json:"-"`
}

func (a Attempt) Failed() bool { return a.Err != nil }

// EnsembleCandidate is one merge attempt. Iteration 0 is the unmerged baseline.
type EnsembleCandidate struct {
	Strategy       string  `json:"strategy"`
	MergedArtifact string  `json:"merged_artifact"`
	Score          float64 `json:"score"`
	Iteration      int     `json:"iteration"`
	Run            int     `json:"run,omitempty"`
}

// Better reports whether a beats b under strict higher-is-better ordering.
// Equal scores never beat, so the earliest of tied entries is retained.
func Better(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}
