package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpMarker = ".tmp-"

// #region names
// BestName is the file name of the best checkpoint for metric.
func BestName(step int64, metric string, value float64) string {
	return fmt.Sprintf("model-%d-best_%s_%.5f", step, metric, value)
}

// PeriodicName is the file name of a periodic checkpoint.
func PeriodicName(step int64) string {
	return fmt.Sprintf("model-%d", step)
}

// #endregion names

// #region store
// Store reads and writes checkpoint files in one directory.
type Store struct {
	Dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

// Path returns the location of name inside the store. Absolute paths are
// returned unchanged.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.Dir, name)
}

// Save writes f under name. The file appears atomically or not at all.
func (s *Store) Save(name string, f *File) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, name+tmpMarker+"*")
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Load reads the checkpoint at name.
func (s *Store) Load(name string) (*File, error) {
	return ReadFile(s.Path(name))
}

// ReadFile reads a checkpoint from an arbitrary path.
func ReadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	f, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return f, nil
}

// Remove deletes name. It reports whether a file was actually removed; a
// missing file is not an error.
func (s *Store) Remove(name string) (bool, error) {
	err := os.Remove(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", name, err)
	}
	return true, nil
}

// List returns the checkpoint names in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "model-") || strings.Contains(name, tmpMarker) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// #endregion store
