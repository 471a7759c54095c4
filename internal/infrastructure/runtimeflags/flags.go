// Package runtimeflags loads operator flags from a JSON file and keeps
// them current by watching the file for changes. Flipping the kill
// switch takes effect without a restart.
package runtimeflags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type flagFile struct {
	KillSwitch bool `json:"kill_switch"`
	DemoMode   bool `json:"demo_mode"`
}

// FileFlags implements [domain.RuntimeFlags] from a watched JSON file.
// A malformed or missing file keeps the previously loaded values, so a
// bad edit never silently disengages the kill switch.
type FileFlags struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	flags flagFile

	done chan struct{}
}

// Watch loads the flag file and starts watching its directory. The
// directory is watched rather than the file so editors that replace the
// file on save keep working.
func Watch(path string, logger *slog.Logger) (*FileFlags, error) {
	f := &FileFlags{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := f.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	f.watcher = watcher

	go f.run()
	return f, nil
}

func (f *FileFlags) KillSwitchEngaged() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags.KillSwitch
}

func (f *FileFlags) DemoMode() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags.DemoMode
}

// Close stops the watcher.
func (f *FileFlags) Close() error {
	close(f.done)
	return f.watcher.Close()
}

func (f *FileFlags) run() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.Warn("flag file reload failed, keeping previous flags",
					"path", f.path, "error", err)
				continue
			}
			f.mu.RLock()
			f.logger.Info("runtime flags reloaded",
				"kill_switch", f.flags.KillSwitch, "demo_mode", f.flags.DemoMode)
			f.mu.RUnlock()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("flag file watcher error", "error", err)
		}
	}
}

func (f *FileFlags) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read flag file: %w", err)
	}
	var parsed flagFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse flag file: %w", err)
	}
	f.mu.Lock()
	f.flags = parsed
	f.mu.Unlock()
	return nil
}
