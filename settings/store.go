package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// OnChangeListener is notified after settings change. It is called with the
// store lock held and must not block.
type OnChangeListener interface {
	OnSettingsChange(s Settings)
}

type Store struct {
	path     string
	dataMu   sync.RWMutex
	data     Settings
	listener OnChangeListener
}

// NewStore loads existing settings from disk or uses defaults.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(dataDir, "settings.json"),
		data: Default(),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) SetOnChangeListener(l OnChangeListener) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.listener = l
}

func (s *Store) Get() Settings {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data
}

func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if err := s.save(settings); err != nil {
		return err
	}

	s.set(settings)
	return nil
}

// set replaces the settings and notifies on change. Caller must hold dataMu.
func (s *Store) set(settings Settings) {
	if s.data == settings {
		return
	}
	s.data = settings
	if s.listener != nil {
		s.listener.OnSettingsChange(settings)
	}
}

// Watch reloads settings when the file is edited outside the server. It
// blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic writes replace the file inode.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	slog.Info("watching settings file", "path", s.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, s.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to read settings", "error", err)
		}
		return
	}

	settings, err := decode(data)
	if err != nil {
		slog.Warn("ignoring invalid settings file", "error", err)
		return
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if s.data != settings {
		slog.Info("settings reloaded", "approvalPolicy", settings.ApprovalPolicy, "sandbox", settings.Sandbox)
	}
	s.set(settings)
}

func decode(data []byte) (Settings, error) {
	settings := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&settings); err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	// Fall back to default for corrupted JSON or invalid values
	settings, err := decode(data)
	if err != nil {
		return nil
	}

	s.data = settings
	return nil
}

func (s *Store) save(settings Settings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename
	tmp, err := os.CreateTemp(dir, "settings-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, s.path)
}
