package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the detection parameters an operator tunes at runtime.
type Settings struct {
	// SoundThreshold is passed to the beamforming engine.
	SoundThreshold float64 `yaml:"sound_threshold"`
	// Frequency is the analysis centre frequency in Hz.
	Frequency int `yaml:"frequency"`
	// Bandwidth is the number of bands around Frequency.
	Bandwidth int `yaml:"bandwidth"`
	// EventSoundThreshold is the raw map value above which a clip is recorded.
	EventSoundThreshold float64 `yaml:"event_sound_threshold"`
}

// DefaultSettings returns the factory settings.
func DefaultSettings() Settings {
	return Settings{
		SoundThreshold:      1.0,
		Frequency:           1000,
		Bandwidth:           1,
		EventSoundThreshold: 2.0,
	}
}

// SettingsStore is a concurrency-safe, file-backed Settings holder. Get
// picks up changes other processes write to the same file.
type SettingsStore struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	settings Settings
	stamp    fileStamp
}

// fileStamp identifies one version of the settings file.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func statStamp(path string) (fileStamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, true
}

// OpenSettings loads the settings at path. A missing or unreadable file
// yields the defaults; the merged result is written back so the file always
// lists every key.
func OpenSettings(path string, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SettingsStore{
		path:     path,
		logger:   logger,
		settings: DefaultSettings(),
	}

	loaded, err := ReadSettings(path)
	if err != nil {
		logger.Warn("settings: load failed, using defaults", "path", path, "error", err)
	} else {
		s.settings = loaded
	}

	if err := s.save(s.settings); err != nil {
		logger.Warn("settings: save failed", "path", path, "error", err)
	}
	return s
}

// ReadSettings returns the settings at path merged over the defaults
// without writing anything. A missing file yields the defaults.
func ReadSettings(path string) (Settings, error) {
	st := DefaultSettings()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return DefaultSettings(), fmt.Errorf("settings: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return DefaultSettings(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return st, nil
}

// Get returns a copy of the current settings, reloading the file first if
// it changed since it was last read or written.
func (s *SettingsStore) Get() Settings {
	if stamp, ok := s.changed(); ok {
		s.mu.Lock()
		s.reloadLocked(stamp)
		s.mu.Unlock()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// changed reports the file's stamp when it differs from the one last seen.
func (s *SettingsStore) changed() (fileStamp, bool) {
	if s.path == "" {
		return fileStamp{}, false
	}
	stamp, ok := statStamp(s.path)
	if !ok {
		return fileStamp{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stamp, stamp != s.stamp
}

// reloadLocked re-reads the file. A file that no longer parses leaves the
// current settings in place. Called with mu held.
func (s *SettingsStore) reloadLocked(stamp fileStamp) {
	if stamp == s.stamp {
		return
	}
	s.stamp = stamp
	loaded, err := ReadSettings(s.path)
	if err != nil {
		s.logger.Warn("settings: reload failed, keeping current values", "path", s.path, "error", err)
		return
	}
	if loaded != s.settings {
		s.logger.Info("settings: reloaded", "path", s.path,
			"event_sound_threshold", loaded.EventSoundThreshold,
			"sound_threshold", loaded.SoundThreshold,
			"frequency", loaded.Frequency,
			"bandwidth", loaded.Bandwidth,
		)
	}
	s.settings = loaded
}

// Update applies fn to the latest settings and persists the result. The
// in-memory value is updated even when persisting fails.
func (s *SettingsStore) Update(fn func(*Settings)) error {
	stamp, changed := s.changed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if changed {
		s.reloadLocked(stamp)
	}
	next := s.settings
	fn(&next)
	s.settings = next
	return s.save(next)
}

// Set updates a single setting by its file key.
func (s *SettingsStore) Set(key, value string) error {
	var apply func(*Settings)
	switch key {
	case "sound_threshold", "event_sound_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("settings: %s: %w", key, err)
		}
		apply = func(st *Settings) {
			if key == "sound_threshold" {
				st.SoundThreshold = f
			} else {
				st.EventSoundThreshold = f
			}
		}
	case "frequency", "bandwidth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("settings: %s: %w", key, err)
		}
		if n <= 0 {
			return fmt.Errorf("settings: %s must be positive", key)
		}
		apply = func(st *Settings) {
			if key == "frequency" {
				st.Frequency = n
			} else {
				st.Bandwidth = n
			}
		}
	default:
		return fmt.Errorf("settings: unknown key %q", key)
	}
	return s.Update(apply)
}

func (s *SettingsStore) save(st Settings) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Write then rename so a concurrent reader never parses a partial file.
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if stamp, ok := statStamp(s.path); ok {
		s.stamp = stamp
	}
	return nil
}
