package mcp

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the providers file when it changes and refreshes the
// manager with the new configuration. Editors replace files rather than
// write in place, so it watches the parent directory and filters by name.
type Watcher struct {
	path    string
	load    func(path string) ([]ProviderConfig, error)
	refresh func(cfgs []ProviderConfig)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the providers file at path. load parses the
// file; refresh applies the result. Events are debounced so an editor's
// write-then-rename sequence triggers a single refresh.
func NewWatcher(path string, load func(string) ([]ProviderConfig, error), refresh func([]ProviderConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		load:    load,
		refresh: refresh,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.reload)
		case <-w.watcher.Errors:
			// Keep watching.
		}
	}
}

func (w *Watcher) reload() {
	cfgs, err := w.load(w.path)
	if err != nil {
		log.Printf("[mcp] providers file reload failed, keeping current set: %v", err)
		return
	}
	log.Printf("[mcp] providers file changed, refreshing %d providers", len(cfgs))
	w.refresh(cfgs)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
