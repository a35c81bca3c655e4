package reporter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
)

// ProgressStore overwrites a progress file with the latest snapshot.
// Readers only ever see a complete file.
type ProgressStore struct {
	path string
	mu   sync.Mutex
}

func NewProgressStore(path string) *ProgressStore {
	return &ProgressStore{path: path}
}

func (s *ProgressStore) Path() string {
	return s.path
}

// ProgressSource is anything progress can be snapshotted from, usually a *state.SchedulerState.
type ProgressSource interface {
	Snapshot() state.ProgressSnapshot
}

// Save writes the current progress of source. The snapshot is taken under the store's lock, so concurrent
// savers never overwrite a newer snapshot with an older one.
func (s *ProgressStore) Save(source ProgressSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJsonAtomic(s.path, source.Snapshot())
}

// LoadProgress reads a progress file written by a ProgressStore.
func LoadProgress(path string) (state.ProgressSnapshot, error) {
	var snapshot state.ProgressSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot, errors.Wrapf(err, "error reading progress file %s", path)
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return snapshot, errors.Wrapf(err, "error parsing progress file %s", path)
	}
	return snapshot, nil
}

// WriteJsonAtomic writes v to path through a temporary file and a rename.
func WriteJsonAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "error encoding %s", path)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "error writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "error replacing %s", path)
	}
	return nil
}
