// Package settings persists the user's enabled flag in a small YAML file
// and reports changes made to that file by other processes.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// ErrNoSettings is returned by Load when the file does not exist yet.
var ErrNoSettings = errors.New("settings: no settings file")

// Settings is the file content.
type Settings struct {
	Enabled   bool      `yaml:"enabled"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// Default returns the settings used before anything is saved.
func Default() Settings {
	return Settings{Enabled: true}
}

// Store reads and writes one settings file.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store for path. The file is created on first save.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file. A missing file yields Default and ErrNoSettings.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), ErrNoSettings
	}
	if err != nil {
		return Default(), fmt.Errorf("read settings: %w", err)
	}
	st := Default()
	if err := yaml.Unmarshal(data, &st); err != nil {
		return Default(), fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	return st, nil
}

// Enabled implements engine.SettingsStore. Anything but an explicit
// "enabled: false" counts as enabled.
func (s *Store) Enabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}
	st, err := s.Load()
	if errors.Is(err, ErrNoSettings) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return st.Enabled, nil
}

// SetEnabled saves the flag.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Settings{Enabled: enabled, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	logging.Settings("enabled set to %v", enabled)
	return nil
}
