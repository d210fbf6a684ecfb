// Package avatar resolves avatar references and proxies externally
// hosted avatar assets into the world's asset store, validating them
// on the way through.
package avatar

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentmesh/worldgate/internal/logging"
)

// defaultTable is the built-in named avatar set, served straight from
// the world's own asset store.
var defaultTable = map[string]string{
	"rabbit":  "asset://avatars/rabbit.vrm",
	"fox":     "asset://avatars/fox.vrm",
	"penguin": "asset://avatars/penguin.vrm",
	"robot":   "asset://avatars/robot.vrm",
	"ghost":   "asset://avatars/ghost.vrm",
}

// Library is the named-avatar table. When backed by a file it reloads
// on change, so operators can add avatars without a restart.
type Library struct {
	mu    sync.RWMutex
	path  string
	table map[string]string
	log   zerolog.Logger
}

// NewLibrary creates a library. An empty path selects the built-in
// table; otherwise the file (a JSON map of name to URL) is loaded and
// merged over the defaults.
func NewLibrary(path string) *Library {
	l := &Library{
		path:  path,
		table: defaultTable,
		log:   logging.Component("avatar"),
	}
	if path != "" {
		if err := l.reload(); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("avatar library load failed, using defaults")
		}
	}
	return l
}

func (l *Library) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	merged := make(map[string]string, len(defaultTable)+len(entries))
	for name, url := range defaultTable {
		merged[name] = url
	}
	for name, url := range entries {
		merged[name] = url
	}

	l.mu.Lock()
	l.table = merged
	l.mu.Unlock()

	l.log.Info().Int("entries", len(merged)).Msg("avatar library loaded")
	return nil
}

// Watch reloads the library whenever its backing file changes, until
// the context is cancelled. No-op for the built-in table.
func (l *Library) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(l.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.reload(); err != nil {
					l.log.Warn().Err(err).Msg("avatar library reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn().Err(err).Msg("avatar library watcher error")
			}
		}
	}()
	return nil
}

// Get looks a name up, returning "" when unknown.
func (l *Library) Get(name string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table[name]
}

// List returns a copy of the table.
func (l *Library) List() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.table))
	for name, url := range l.table {
		out[name] = url
	}
	return out
}
