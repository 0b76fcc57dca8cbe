// Package checkpoint persists training snapshots as JSON files with atomic
// replacement, so a crash mid-write never leaves a truncated checkpoint
// where a valid one used to be.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wattlab/demandcast/pkg/nn"
)

// ErrNotFound indicates no checkpoint of the requested kind exists yet.
var ErrNotFound = errors.New("checkpoint: not found")

const bestName = "best.json"

// Snapshot is everything needed to resume training exactly where it
// stopped: model weights, optimizer moments and the loss bookkeeping of
// the epoch that produced it.
type Snapshot struct {
	Epoch     int                  `json:"epoch"`
	TrainLoss float64              `json:"train_loss"`
	ValLoss   float64              `json:"val_loss"`
	SavedAt   time.Time            `json:"saved_at"`
	Model     map[string][]float64 `json:"model"`
	Optimizer nn.MomentState       `json:"optimizer"`
}

// FileStore writes snapshots under a single directory. Not safe for
// concurrent writers; the training loop is the only producer.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// SaveBest replaces the best-so-far checkpoint.
func (s *FileStore) SaveBest(snap *Snapshot) error {
	return s.write(bestName, snap)
}

// SavePeriodic writes the recurring checkpoint for the given epoch.
func (s *FileStore) SavePeriodic(snap *Snapshot) error {
	return s.write(fmt.Sprintf("epoch_%03d.json", snap.Epoch), snap)
}

// write serializes a snapshot into a temp file in the same directory, syncs
// it, then renames over the target. The rename is atomic on POSIX, so
// readers observe either the old checkpoint or the new one, never a mix.
// One retry covers transient filesystem errors; a second failure is
// returned to the caller, which treats it as fatal.
func (s *FileStore) write(name string, snap *Snapshot) error {
	err := s.writeOnce(name, snap)
	if err == nil {
		return nil
	}
	if retryErr := s.writeOnce(name, snap); retryErr == nil {
		return nil
	}
	return fmt.Errorf("write checkpoint %s: %w", name, err)
}

func (s *FileStore) writeOnce(name string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadBest reads the best-so-far checkpoint.
func (s *FileStore) LoadBest() (*Snapshot, error) {
	return s.read(bestName)
}

// LoadLatest reads the periodic checkpoint with the highest epoch, used to
// resume an interrupted run.
func (s *FileStore) LoadLatest() (*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, "epoch_") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	// Zero-padded epoch numbers sort lexicographically.
	sort.Strings(names)
	return s.read(names[len(names)-1])
}

func (s *FileStore) read(name string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return &snap, nil
}
