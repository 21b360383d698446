package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// FileStore keeps one JSON record per tag under Root. Saves replace the file
// atomically, so an interrupted run always leaves the previous record intact.
type FileStore struct {
	Root string
	now  func() time.Time
}

func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root, now: time.Now}
}

func (f *FileStore) path(tag string) string {
	return filepath.Join(f.Root, filepath.FromSlash(tag)+".json")
}

func (f *FileStore) Save(ctx context.Context, tag string, s *runtime.RunState) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	b, err := Encode(tag, s, f.now())
	if err != nil {
		return err
	}
	return runtime.WriteFileAtomic(f.path(tag), b)
}

func (f *FileStore) Load(ctx context.Context, tag string) (*runtime.RunState, bool, error) {
	if err := validateTag(tag); err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(f.path(tag))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	_, s, err := Decode(b)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (f *FileStore) Tags(ctx context.Context, pattern string) ([]string, error) {
	if _, err := os.Stat(f.Root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(f.Root), pattern+".json")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.HasPrefix(base, ".") {
			continue
		}
		out = append(out, strings.TrimSuffix(filepath.ToSlash(m), ".json"))
	}
	sort.Strings(out)
	return out, nil
}
