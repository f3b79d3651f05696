package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// DefaultDebounce collapses bursts of writes from one save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher calls a function whenever the enabled flag in the file changes.
// It watches the parent directory so atomic renames are seen.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onChange func(enabled bool)
	debounce time.Duration

	mu      sync.Mutex
	last    bool
	dueAt   time.Time
	pending bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Watch starts a watcher. Stop it with Stop or by cancelling ctx.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange func(enabled bool)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	initial, _ := s.Enabled(ctx)
	w := &Watcher{
		store:    s,
		watcher:  fw,
		onChange: onChange,
		debounce: debounce,
		last:     initial,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	logging.SettingsDebug("watching %s", s.path)
	go w.run(ctx)
	return w, nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.store.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.dueAt = time.Now().Add(w.debounce)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.SettingsWarn("watch error: %v", err)
		case now := <-tick.C:
			w.fire(ctx, now)
		}
	}
}

func (w *Watcher) fire(ctx context.Context, now time.Time) {
	w.mu.Lock()
	if !w.pending || now.Before(w.dueAt) {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	enabled, err := w.store.Enabled(ctx)
	if err != nil {
		logging.SettingsWarn("reload after change failed: %v", err)
		return
	}
	w.mu.Lock()
	changed := enabled != w.last
	w.last = enabled
	w.mu.Unlock()
	if changed {
		logging.Settings("enabled changed on disk: %v", enabled)
		w.onChange(enabled)
	}
}
