package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Store is the durable per-image last-used timestamp map of spec §4.2.
// It is not safe for concurrent use; the supervisor's single-threaded
// event loop is its only caller (spec §5).
type Store struct {
	dir string
	log *logrus.Entry
}

func New(dir string) *Store {
	return &Store{
		dir: dir,
		log: logrus.WithField("name", "store"),
	}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, stateFileName)
}

func (s *Store) tmpPath() string {
	return filepath.Join(s.dir, fmt.Sprintf(".%s.tmp-%d", stateFileName, os.Getpid()))
}

// Load reads the persisted state, or returns an empty, first_run=true
// state if the file is absent. An unknown or missing schema_version
// discards the file conservatively: first_run=false, no records, so a
// post-upgrade daemon treats every existing image as "just used" rather
// than risking a spurious mass eviction (spec §4.2).
func (s *Store) Load() (*State, LoadResult, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("store: create data dir: %w", err)
	}

	raw, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return newEmptyState(true), EmptyFirstRun, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(raw, &st); err != nil {
		s.log.Warnln("state file is not valid YAML, discarding:", err)
		return newEmptyState(false), DiscardedIncompatibleSchema, nil
	}

	if st.SchemaVersion != schemaVersion {
		s.log.Warnf("state file schema_version %d is incompatible with %d, discarding", st.SchemaVersion, schemaVersion)
		return newEmptyState(false), DiscardedIncompatibleSchema, nil
	}

	if st.Images == nil {
		st.Images = make(map[string]time.Time)
	}
	return &st, Loaded, nil
}

// Save atomically persists state: write to a temp file in the same
// directory as the destination (never the system temp directory, which
// could cross a filesystem boundary and make the rename non-atomic),
// fsync, then rename over the destination (spec §4.2).
func (s *Store) Save(state *State) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}

	state.SchemaVersion = schemaVersion

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}

	tmp := s.tmpPath()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename temp file: %w", err)
	}

	return nil
}
