package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Mode is the diversion mode. The controller is its sole writer.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDiverting
	ModeDraining
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDiverting:
		return "diverting"
	case ModeDraining:
		return "draining"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Alert kinds emitted by the external rule evaluator
const (
	AlertHighLoad  = "high_load"
	AlertRecovered = "recovered"
)

// AlertEvent is a discrete signal from the alert evaluator. Delivery
// may be duplicated or reordered; transitions must stay idempotent.
type AlertEvent struct {
	Kind       string    `json:"kind"`
	ObservedAt time.Time `json:"timestamp"`
}

// Snapshot is the persisted controller state, reloaded on restart.
type Snapshot struct {
	Mode           Mode      `json:"mode"`
	TargetWeight   int       `json:"target_weight"`
	Version        uint64    `json:"version"`
	LastTransition time.Time `json:"last_transition"`
}

// StateStore persists controller snapshots across restarts.
type StateStore interface {
	Save(snap Snapshot) error
	Load() (Snapshot, bool, error)
}

// FileStateStore keeps the snapshot as JSON on local disk. Writes go
// through a temp file and rename so a crash never leaves a torn file.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a file-backed state store
func NewFileStateStore(path string) (*FileStateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("controller: create state dir: %w", err)
	}
	return &FileStateStore{path: path}, nil
}

// Save implements StateStore.
func (s *FileStateStore) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("controller: encode snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("controller: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("controller: commit snapshot: %w", err)
	}
	return nil
}

// Load implements StateStore. The second return is false when no
// snapshot exists yet.
func (s *FileStateStore) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("controller: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("controller: decode snapshot: %w", err)
	}
	return snap, true, nil
}
