package runtime

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"
)

// Float is a float64 whose JSON form survives non-finite values: -Inf, +Inf
// and NaN are encoded as strings, everything else as a plain number.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "-Inf":
			*f = Float(math.Inf(-1))
		case "+Inf", "Inf":
			*f = Float(math.Inf(1))
		case "NaN":
			*f = Float(math.NaN())
		default:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float %q", s)
			}
			*f = Float(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// WriteJSONAtomicFile marshals v and replaces path in one rename, so readers
// never observe a partially written file.
func WriteJSONAtomicFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b)
}

func WriteFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Digest returns the hex BLAKE3 hash of b.
func Digest(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	type plain HistoryEntry
	return json.Marshal(struct {
		plain
		Score Float `json:"score"`
	}{plain(e), Float(e.Score)})
}

func (e *HistoryEntry) UnmarshalJSON(b []byte) error {
	type plain HistoryEntry
	var doc struct {
		plain
		Score Float `json:"score"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*e = HistoryEntry(doc.plain)
	e.Score = float64(doc.Score)
	return nil
}

func (s RunState) MarshalJSON() ([]byte, error) {
	type plain RunState
	p := plain(s)
	if p.History == nil {
		p.History = []HistoryEntry{}
	}
	if p.RefinedFragments == nil {
		p.RefinedFragments = []string{}
	}
	return json.Marshal(struct {
		plain
		Score Float `json:"score"`
	}{p, Float(s.Score)})
}

func (s *RunState) UnmarshalJSON(b []byte) error {
	type plain RunState
	var doc struct {
		plain
		Score Float `json:"score"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*s = RunState(doc.plain)
	s.Score = float64(doc.Score)
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	if s.RefinedFragments == nil {
		s.RefinedFragments = []string{}
	}
	return nil
}

func (c EnsembleCandidate) MarshalJSON() ([]byte, error) {
	type plain EnsembleCandidate
	return json.Marshal(struct {
		plain
		Score Float `json:"score"`
	}{plain(c), Float(c.Score)})
}

func (a Attempt) MarshalJSON() ([]byte, error) {
	type plain Attempt
	doc := struct {
		plain
		Score Float  `json:"score"`
		Error string `json:"error,omitempty"`
	}{plain: plain(a), Score: Float(a.Score)}
	if a.Err != nil {
		doc.Error = a.Err.Error()
	}
	return json.Marshal(doc)
}
