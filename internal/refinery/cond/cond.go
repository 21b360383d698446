package cond

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Evaluate evaluates a minimal AND-only condition language used on graph edges.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key
//	Key           ::= 'outer_iteration' | 'inner_iteration' | 'score' | 'target_fragment'
//	                | 'target_id' | 'history_len' | 'refined_count' | 'history.' Kind
//	Operator      ::= '=' | '!=' | '<' | '<=' | '>' | '>='
//
// Numeric keys compare numerically; other keys compare as exact strings.
// A bare key is truthy when non-empty and not "false"/"0".
func Evaluate(condition string, s *runtime.RunState) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	clauses := strings.Split(condition, "&&")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, s)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Compile checks condition once and returns an edge predicate. A clause that
// fails at evaluation time yields false.
func Compile(condition string) (func(*runtime.RunState) bool, error) {
	if _, err := Evaluate(condition, runtime.NewRunState("", 0)); err != nil {
		return nil, err
	}
	return func(s *runtime.RunState) bool {
		ok, err := Evaluate(condition, s)
		return err == nil && ok
	}, nil
}

// MustCompile is Compile for conditions fixed at build time.
func MustCompile(condition string) func(*runtime.RunState) bool {
	f, err := Compile(condition)
	if err != nil {
		panic(err)
	}
	return f
}

var operators = []string{"!=", "<=", ">=", "=", "<", ">"}

// splitOperator finds the leftmost operator in clause. At equal positions the
// two-character operator wins, so "<=" is not read as "<".
func splitOperator(clause string) (idx int, op string) {
	idx = -1
	for _, cand := range operators {
		i := strings.Index(clause, cand)
		if i < 0 {
			continue
		}
		if idx < 0 || i < idx || (i == idx && len(cand) > len(op)) {
			idx, op = i, cand
		}
	}
	return idx, op
}

func evalClause(clause string, s *runtime.RunState) (bool, error) {
	if idx, op := splitOperator(clause); idx >= 0 {
		k := strings.TrimSpace(clause[:idx])
		want := strings.TrimSpace(clause[idx+len(op):])
		if k == "" {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got, numeric, err := resolveKey(k, s)
		if err != nil {
			return false, err
		}
		if numeric {
			w, err := parseNumber(want)
			if err != nil {
				return false, fmt.Errorf("invalid clause %q: %w", clause, err)
			}
			return compareNumbers(got.(float64), op, w), nil
		}
		switch op {
		case "=":
			return got.(string) == want, nil
		case "!=":
			return got.(string) != want, nil
		default:
			return false, fmt.Errorf("invalid clause %q: operator %s needs a numeric key", clause, op)
		}
	}
	got, numeric, err := resolveKey(strings.TrimSpace(clause), s)
	if err != nil {
		return false, err
	}
	if numeric {
		return got.(float64) != 0, nil
	}
	switch strings.ToLower(got.(string)) {
	case "", "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func resolveKey(key string, s *runtime.RunState) (any, bool, error) {
	if s == nil {
		s = runtime.NewRunState("", 0)
	}
	switch key {
	case "outer_iteration":
		return float64(s.OuterIteration), true, nil
	case "inner_iteration":
		return float64(s.InnerIteration), true, nil
	case "score":
		return s.Score, true, nil
	case "history_len":
		return float64(len(s.History)), true, nil
	case "refined_count":
		return float64(len(s.RefinedFragments)), true, nil
	case "target_fragment":
		return s.TargetFragment, false, nil
	case "target_id":
		return s.TargetID, false, nil
	}
	if strings.HasPrefix(key, "history.") {
		kind, err := runtime.ParseHistoryKind(strings.TrimPrefix(key, "history."))
		if err != nil {
			return nil, false, err
		}
		return float64(s.CountHistory(kind)), true, nil
	}
	return nil, false, fmt.Errorf("unknown condition key: %q", key)
}

func parseNumber(v string) (float64, error) {
	switch strings.ToLower(v) {
	case "-inf":
		return math.Inf(-1), nil
	case "+inf", "inf":
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(v, 64)
}

func compareNumbers(got float64, op string, want float64) bool {
	switch op {
	case "=":
		return got == want
	case "!=":
		return got != want
	case "<":
		return got < want
	case "<=":
		return got <= want
	case ">":
		return got > want
	case ">=":
		return got >= want
	}
	return false
}
