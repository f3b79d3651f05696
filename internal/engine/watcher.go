package engine

import (
	"golang.org/x/net/html"

	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// WatcherStats counts what the watcher did with the batches it received.
type WatcherStats struct {
	Batches   int `json:"batches"`
	Ignored   int `json:"ignored"`
	OwnWrites int `json:"ownWrites"`
	Rescanned int `json:"rescanned"`
}

// ChangeWatcher rescans elements inserted into the document by someone other
// than the engine.
type ChangeWatcher struct {
	doc     *dom.Document
	scanner *Scanner
	state   *State
	cancel  func()
	stats   WatcherStats
}

// NewChangeWatcher creates an inactive watcher.
func NewChangeWatcher(doc *dom.Document, scanner *Scanner, state *State) *ChangeWatcher {
	return &ChangeWatcher{doc: doc, scanner: scanner, state: state}
}

// Activate subscribes to the document. Calling it again is a no-op.
func (w *ChangeWatcher) Activate() {
	if w.cancel != nil {
		return
	}
	w.cancel = w.doc.Observe(w.handle)
	logging.EngineDebug("change watcher active")
}

// Deactivate unsubscribes.
func (w *ChangeWatcher) Deactivate() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
	logging.EngineDebug("change watcher inactive")
}

// Active reports whether the watcher is subscribed.
func (w *ChangeWatcher) Active() bool {
	return w.cancel != nil
}

// Stats returns the counters so far.
func (w *ChangeWatcher) Stats() WatcherStats {
	return w.stats
}

func (w *ChangeWatcher) handle(batch []dom.MutationRecord) {
	w.stats.Batches++
	if !w.state.Active() {
		w.stats.Ignored++
		return
	}
	for _, rec := range batch {
		if Owned(rec.Generation) {
			w.stats.OwnWrites++
			continue
		}
		for _, n := range rec.Added {
			// Bare text insertions are not rescanned.
			if n.Type != html.ElementNode || !w.doc.Contains(n) {
				continue
			}
			if st := w.scanner.Scan(n); !st.Skipped {
				w.stats.Rescanned++
			}
		}
	}
}
