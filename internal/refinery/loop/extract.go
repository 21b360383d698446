package loop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FragmentCandidate is one region of the artifact proposed for refinement.
type FragmentCandidate struct {
	ID       string  `json:"id"`
	Fragment string  `json:"fragment"`
	Plan     string  `json:"plan"`
	Impact   float64 `json:"impact"`
}

// ExtractParser turns the extract capability's output into candidates.
type ExtractParser func(out capability.Payload) ([]FragmentCandidate, error)

const extractSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["fragment", "plan"],
    "properties": {
      "id": {"type": "string"},
      "fragment": {"type": "string", "minLength": 1},
      "plan": {"type": "string"},
      "impact": {"type": "number"}
    }
  }
}`

var (
	extractSchemaOnce sync.Once
	extractSchemaC    *jsonschema.Schema
	extractSchemaErr  error
)

func compiledExtractSchema() (*jsonschema.Schema, error) {
	extractSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("extract.json", strings.NewReader(extractSchema)); err != nil {
			extractSchemaErr = err
			return
		}
		extractSchemaC, extractSchemaErr = c.Compile("extract.json")
	})
	return extractSchemaC, extractSchemaErr
}

// ParseExtractJSON reads a JSON array of candidates from out.Text. The array
// may be wrapped in a fenced block or surrounded by prose; a single object is
// accepted as a one-element array.
func ParseExtractJSON(out capability.Payload) ([]FragmentCandidate, error) {
	raw, err := locateJSON(out.Text)
	if err != nil {
		return nil, err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("extract output: %w", err)
	}
	if obj, ok := doc.(map[string]any); ok {
		doc = []any{obj}
		raw, _ = json.Marshal(doc)
	}
	schema, err := compiledExtractSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("extract output: %w", err)
	}
	var cands []FragmentCandidate
	if err := json.Unmarshal(raw, &cands); err != nil {
		return nil, fmt.Errorf("extract output: %w", err)
	}
	for i := range cands {
		if strings.TrimSpace(cands[i].ID) == "" {
			cands[i].ID = "fragment-" + runtime.Digest([]byte(cands[i].Fragment))[:12]
		}
	}
	return cands, nil
}

func locateJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if body, ok := fencedBlock(text); ok {
		text = strings.TrimSpace(body)
	}
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return nil, errors.New("extract output contains no JSON")
	}
	closer := byte(']')
	if text[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return nil, errors.New("extract output contains unterminated JSON")
	}
	return []byte(text[start : end+1]), nil
}

func fencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// SelectFragment picks the refinement target: the first candidate, in the
// order given, that was not refined before and occurs verbatim in the
// artifact. When every verbatim candidate was already refined, the one with
// the highest impact is reused (earliest on ties).
func SelectFragment(cands []FragmentCandidate, s *runtime.RunState) (FragmentCandidate, error) {
	var (
		fallback FragmentCandidate
		found    bool
	)
	for _, c := range cands {
		if c.Fragment == "" || !strings.Contains(s.Artifact, c.Fragment) {
			continue
		}
		if !s.IsRefined(c.ID) {
			return c, nil
		}
		if !found || c.Impact > fallback.Impact {
			fallback, found = c, true
		}
	}
	if !found {
		return FragmentCandidate{}, fmt.Errorf("%w: none of %d candidates match the artifact", ErrFragmentNotFound, len(cands))
	}
	return fallback, nil
}
