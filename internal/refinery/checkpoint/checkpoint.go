package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Tags written by the orchestrator.
const (
	TagInitial  = "initial"
	TagEnsemble = "ensemble"
)

const recordVersion = 1

// OuterTag names the checkpoint taken after n completed outer iterations.
func OuterTag(n int) string { return fmt.Sprintf("outer-%03d", n) }

// RunScope is the tag namespace of one parallel refinement run.
func RunScope(run int) string { return fmt.Sprintf("run-%d", run) }

// Store persists RunState snapshots under phase tags. Load reports found=false
// for a tag that was never saved.
type Store interface {
	Save(ctx context.Context, tag string, s *runtime.RunState) error
	Load(ctx context.Context, tag string) (*runtime.RunState, bool, error)
	// Tags lists saved tags matching a doublestar pattern, sorted.
	Tags(ctx context.Context, pattern string) ([]string, error)
}

var ErrCorrupt = errors.New("checkpoint is corrupt")

// Record is the on-disk and on-wire form of a checkpoint.
type Record struct {
	Version int             `json:"version"`
	Tag     string          `json:"tag"`
	SavedAt time.Time       `json:"saved_at"`
	Digest  string          `json:"digest"`
	State   json.RawMessage `json:"state"`
}

const recordSchema = `{
  "type": "object",
  "required": ["version", "tag", "saved_at", "digest", "state"],
  "properties": {
    "version": {"const": 1},
    "tag": {"type": "string", "minLength": 1},
    "saved_at": {"type": "string"},
    "digest": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "state": {
      "type": "object",
      "required": ["artifact", "score", "history", "outer_iteration", "inner_iteration", "refined_fragments"],
      "properties": {
        "artifact": {"type": "string"},
        "score": {"type": ["number", "string"]},
        "outer_iteration": {"type": "integer", "minimum": 0},
        "inner_iteration": {"type": "integer", "minimum": 0},
        "refined_fragments": {"type": "array", "items": {"type": "string"}},
        "history": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["kind", "score", "iteration"],
            "properties": {
              "kind": {"enum": ["ablation", "refinement", "ensemble"]},
              "iteration": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func recordValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("checkpoint.json", strings.NewReader(recordSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("checkpoint.json")
	})
	return schema, schemaErr
}

// Encode renders s as a checkpoint record.
func Encode(tag string, s *runtime.RunState, now time.Time) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("checkpoint %s: state is nil", tag)
	}
	state, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", tag, err)
	}
	return json.MarshalIndent(Record{
		Version: recordVersion,
		Tag:     tag,
		SavedAt: now.UTC(),
		Digest:  runtime.Digest(state),
		State:   state,
	}, "", "  ")
}

// Decode validates a record against its schema and digest and returns the
// state it carries.
func Decode(b []byte) (*Record, *runtime.RunState, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	v, err := recordValidator()
	if err != nil {
		return nil, nil, err
	}
	if err := v.Validate(doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, rec.State); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if got := runtime.Digest(compact.Bytes()); got != rec.Digest {
		return nil, nil, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, rec.Tag)
	}
	var s runtime.RunState
	if err := json.Unmarshal(rec.State, &s); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &rec, &s, nil
}

func validateTag(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return errors.New("checkpoint tag is empty")
	}
	if strings.HasPrefix(tag, "/") || path.Clean(tag) != tag || strings.HasPrefix(tag, "..") {
		return fmt.Errorf("invalid checkpoint tag %q", tag)
	}
	return nil
}

type scoped struct {
	inner  Store
	prefix string
}

// Scope returns a Store whose tags live under prefix/ in inner.
func Scope(inner Store, prefix string) Store {
	return &scoped{inner: inner, prefix: strings.Trim(prefix, "/")}
}

func (s *scoped) Save(ctx context.Context, tag string, st *runtime.RunState) error {
	return s.inner.Save(ctx, s.prefix+"/"+tag, st)
}

func (s *scoped) Load(ctx context.Context, tag string) (*runtime.RunState, bool, error) {
	return s.inner.Load(ctx, s.prefix+"/"+tag)
}

func (s *scoped) Tags(ctx context.Context, pattern string) ([]string, error) {
	tags, err := s.inner.Tags(ctx, s.prefix+"/"+pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, strings.TrimPrefix(t, s.prefix+"/"))
	}
	return out, nil
}
