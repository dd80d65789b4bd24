package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Cameras []Config `yaml:"cameras"`
}

// LoadSeed registers cameras from a YAML seed file. Already-registered ids
// are left untouched so a reload never clobbers live status. Returns the
// number of newly registered cameras.
func (s *Store) LoadSeed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	added := 0
	for _, cfg := range seed.Cameras {
		if _, err := s.Register(cfg); err != nil {
			if errors.Is(err, ErrDuplicateCamera) {
				continue
			}
			return added, fmt.Errorf("seed camera %q: %w", cfg.CameraID, err)
		}
		added++
	}
	return added, nil
}

// WatchSeed reloads the seed file whenever it changes, until ctx is done.
// Watches the parent directory so editor rename-and-replace saves are seen.
func (s *Store) WatchSeed(ctx context.Context, path string, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("seed watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("seed watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(250 * time.Millisecond)
			case <-debounce:
				debounce = nil
				added, err := s.LoadSeed(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("seed reload failed")
					continue
				}
				if added > 0 {
					log.Info().Int("added", added).Msg("cameras registered from seed file")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("seed watcher error")
			}
		}
	}()
	return nil
}
