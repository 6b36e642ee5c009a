package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/YuminosukeSato/realestate/pkg/errors"
)

// CheckpointIndexFile is the name of the index file inside a model directory.
const CheckpointIndexFile = "checkpoint"

// DefaultKeepCheckpoints is the number of checkpoints retained on disk.
const DefaultKeepCheckpoints = 5

type checkpointIndex struct {
	Latest string   `json:"model_checkpoint_path"`
	All    []string `json:"all_model_checkpoint_paths"`
}

// CheckpointManager writes numbered checkpoints into a directory and keeps
// an index of the newest ones.
type CheckpointManager struct {
	dir  string
	keep int
	mu   sync.Mutex
}

// NewCheckpointManager creates a manager for dir. keep <= 0 uses DefaultKeepCheckpoints.
func NewCheckpointManager(dir string, keep int) *CheckpointManager {
	if keep <= 0 {
		keep = DefaultKeepCheckpoints
	}
	return &CheckpointManager{dir: dir, keep: keep}
}

// Dir returns the directory checkpoints are written to.
func (m *CheckpointManager) Dir() string { return m.dir }

// CheckpointName returns the file name used for the given global step.
func CheckpointName(step int64) string {
	return fmt.Sprintf("model.ckpt-%d.xz", step)
}

// Save persists state as the checkpoint for step and prunes old ones.
func (m *CheckpointManager) Save(step int64, state interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create checkpoint dir %s", m.dir)
	}
	name := CheckpointName(step)
	path := filepath.Join(m.dir, name)
	if err := SaveModel(state, path); err != nil {
		return "", errors.Wrapf(err, "failed to save checkpoint %s", name)
	}

	idx, err := m.readIndex()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(idx.All)+1)
	for _, n := range idx.All {
		if n != name {
			all = append(all, n)
		}
	}
	all = append(all, name)
	for len(all) > m.keep {
		if err := os.Remove(filepath.Join(m.dir, all[0])); err != nil && !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "failed to prune checkpoint %s", all[0])
		}
		all = all[1:]
	}
	if err := m.writeIndex(checkpointIndex{Latest: name, All: all}); err != nil {
		return "", err
	}
	return path, nil
}

// Latest returns the path and step of the newest checkpoint. ok is false if
// the directory holds none.
func (m *CheckpointManager) Latest() (path string, step int64, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.readIndex()
	if err != nil || idx.Latest == "" {
		return "", 0, false, err
	}
	if _, err := fmt.Sscanf(idx.Latest, "model.ckpt-%d.xz", &step); err != nil {
		return "", 0, false, errors.Wrapf(err, "malformed checkpoint name %q", idx.Latest)
	}
	return filepath.Join(m.dir, idx.Latest), step, true, nil
}

// Restore loads the newest checkpoint into state.
func (m *CheckpointManager) Restore(state interface{}) (step int64, ok bool, err error) {
	path, step, ok, err := m.Latest()
	if err != nil || !ok {
		return 0, false, err
	}
	if err := LoadModel(state, path); err != nil {
		return 0, false, errors.Wrapf(err, "failed to restore checkpoint %s", path)
	}
	return step, true, nil
}

// Checkpoints lists the retained checkpoint paths, oldest first.
func (m *CheckpointManager) Checkpoints() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.readIndex()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(idx.All))
	for i, n := range idx.All {
		paths[i] = filepath.Join(m.dir, n)
	}
	return paths, nil
}

func (m *CheckpointManager) readIndex() (checkpointIndex, error) {
	var idx checkpointIndex
	data, err := os.ReadFile(filepath.Join(m.dir, CheckpointIndexFile))
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return idx, errors.Wrap(err, "failed to read checkpoint index")
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, errors.Wrap(err, "failed to parse checkpoint index")
	}
	return idx, nil
}

func (m *CheckpointManager) writeIndex(idx checkpointIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint index")
	}
	if err := os.WriteFile(filepath.Join(m.dir, CheckpointIndexFile), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint index")
	}
	return nil
}
