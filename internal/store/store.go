// Package store persists what the daemon needs to restore on the next start:
// the last confirmed on/off state of every plug and the cloud session.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ezvizplug/internal/ezviz"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Snapshot is the persisted state
type Snapshot struct {
	Session   ezviz.Session   `yaml:"session"`
	States    map[string]bool `yaml:"states"`
	UpdatedAt time.Time       `yaml:"updated_at"`
}

// StateStore defines the restore-on-startup persistence
type StateStore interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveState(ctx context.Context, serial string, on bool) error
	SaveSession(ctx context.Context, session ezviz.Session) error
}

func emptySnapshot() Snapshot {
	return Snapshot{States: make(map[string]bool)}
}

// copySnapshot returns a snapshot that shares no map with s
func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Session:   s.Session,
		States:    make(map[string]bool, len(s.States)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.States {
		out.States[k] = v
	}
	return out
}

// FileStore keeps the snapshot in a YAML file
type FileStore struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	snapshot *Snapshot
}

// NewFileStore creates a file-backed store. The file is created on the first
// save.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads the snapshot from disk. A missing file yields an empty snapshot.
func (s *FileStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return Snapshot{}, err
	}
	return copySnapshot(*s.snapshot), nil
}

// SaveState records the confirmed state of one plug
func (s *FileStore) SaveState(ctx context.Context, serial string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	if prev, ok := s.snapshot.States[serial]; ok && prev == on {
		return nil
	}

	s.snapshot.States[serial] = on
	return s.writeLocked()
}

// SaveSession records the cloud session
func (s *FileStore) SaveSession(ctx context.Context, session ezviz.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	s.snapshot.Session = session
	return s.writeLocked()
}

func (s *FileStore) loadLocked() error {
	if s.snapshot != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		snapshot := emptySnapshot()
		s.snapshot = &snapshot
		s.logger.Debug("No state file yet", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	snapshot := emptySnapshot()
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if snapshot.States == nil {
		snapshot.States = make(map[string]bool)
	}

	s.snapshot = &snapshot
	s.logger.Debug("State file loaded",
		zap.String("path", s.path),
		zap.Int("states", len(snapshot.States)))
	return nil
}

// writeLocked replaces the file atomically via a temp file and rename
func (s *FileStore) writeLocked() error {
	s.snapshot.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(s.snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ezvizplug-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to set state file mode: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// MemoryStore keeps the snapshot in memory. It is used by tests and when no
// state file is configured.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot Snapshot
	saves    int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshot: emptySnapshot()}
}

// Load returns a copy of the snapshot
func (m *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySnapshot(m.snapshot), nil
}

// SaveState records the confirmed state of one plug
func (m *MemoryStore) SaveState(ctx context.Context, serial string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.States[serial] = on
	m.snapshot.UpdatedAt = time.Now().UTC()
	m.saves++
	return nil
}

// SaveSession records the cloud session
func (m *MemoryStore) SaveSession(ctx context.Context, session ezviz.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.Session = session
	m.snapshot.UpdatedAt = time.Now().UTC()
	m.saves++
	return nil
}

// Saves returns the number of save calls
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
