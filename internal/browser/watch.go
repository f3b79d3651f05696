package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/logging"
)

const defaultPollInterval = 250 * time.Millisecond

// observerScript installs window.__sats: a MutationObserver queueing element
// insertions under <body>, plus writers that mute it while the engine's
// output is written back.
const observerScript = `() => {
  if (window.__sats) return;
  const pathOf = (node) => {
    const path = [];
    for (let n = node; n !== document.body; n = n.parentNode) {
      if (!n || !n.parentNode) return null;
      path.unshift(Array.prototype.indexOf.call(n.parentNode.childNodes, n));
    }
    return path;
  };
  const nodeAt = (path) => {
    let n = document.body;
    for (const i of path) {
      n = n && n.childNodes[i];
    }
    return n;
  };
  const queue = [];
  const observer = new MutationObserver((records) => {
    for (const r of records) {
      for (const n of r.addedNodes) {
        if (n.nodeType === 1 && !n.classList.contains('sats-converted')) queue.push(n);
      }
    }
  });
  const observe = () => observer.observe(document.body, {childList: true, subtree: true});
  const mute = (fn) => {
    observer.disconnect();
    try { fn(); } finally { observer.takeRecords(); observe(); }
  };
  window.__sats = {
    drain() {
      const nodes = new Set(queue.splice(0));
      const out = [];
      for (const n of nodes) {
        if (!n.isConnected) continue;
        let nested = false;
        for (let p = n.parentNode; p && !nested; p = p.parentNode) nested = nodes.has(p);
        if (nested) continue;
        const path = pathOf(n);
        if (path) out.push({path: path, html: n.outerHTML});
      }
      return out;
    },
    write(markup) {
      mute(() => { document.body.innerHTML = markup; });
      queue.length = 0;
    },
    replace(items) {
      mute(() => {
        for (const it of items) {
          const n = nodeAt(it.path);
          if (!n || n.nodeType !== 1) continue;
          const t = document.createElement('template');
          t.innerHTML = it.html;
          n.replaceWith(t.content);
        }
      });
    },
  };
  observe();
}`

// insertion is an element added to the live page after the snapshot, located
// by its childNodes path from <body>.
type insertion struct {
	Path []int  `json:"path"`
	HTML string `json:"html"`
}

var errBadPath = errors.New("insertion path does not resolve")

// WatchOptions configures Watch.
type WatchOptions struct {
	Oracle   engine.PriceOracle
	Settings engine.SettingsStore
	Scanner  engine.ScannerConfig
	// Exclusions are matched against the page host. Nil keeps Scanner.Exclusion.
	Exclusions []engine.ExclusionRule
	// PollInterval is how often live insertions are collected.
	PollInterval time.Duration
}

// PageWatch keeps one live page converted: content the page inserts later is
// forwarded into the engine and the converted result written back. It
// satisfies bus.Target.
type PageWatch struct {
	m        *SessionManager
	sess     Session
	url      string
	ctrl     *engine.Controller
	poll     time.Duration
	overlaid int
}

// Watch opens pageURL and prepares a long-lived engine over it. Call Run to
// start converting.
func (m *SessionManager) Watch(ctx context.Context, pageURL string, opts WatchOptions) (*PageWatch, error) {
	sess, err := m.CreateSession(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	w, err := m.watchSession(ctx, sess, pageURL, opts)
	if err != nil {
		_ = m.CloseSession(sess.ID)
		return nil, err
	}
	return w, nil
}

func (m *SessionManager) watchSession(ctx context.Context, sess *Session, pageURL string, opts WatchOptions) (*PageWatch, error) {
	if err := m.installObserver(ctx, sess.ID); err != nil {
		return nil, err
	}
	source, err := m.HTML(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	doc, err := dom.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	w := &PageWatch{m: m, sess: *sess, url: pageURL, poll: opts.PollInterval}
	if w.poll <= 0 {
		w.poll = defaultPollInterval
	}
	w.ctrl = engine.NewController(doc, engine.ControllerConfig{
		Oracle:   opts.Oracle,
		Settings: opts.Settings,
		Reloader: engine.ReloaderFunc(func(ctx context.Context) error {
			return m.resnapshot(ctx, sess.ID, doc)
		}),
		Scanner: scannerFor(pageURL, opts.Scanner, opts.Exclusions),
	})
	return w, nil
}

// Session returns the watched browser session.
func (w *PageWatch) Session() Session {
	return w.sess
}

// SetEnabled toggles the engine. Disabling reloads the page.
func (w *PageWatch) SetEnabled(enabled bool) {
	w.ctrl.SetEnabled(enabled)
}

// UpdatePrice pushes a new reference price.
func (w *PageWatch) UpdatePrice(price float64) {
	w.ctrl.UpdatePrice(price)
}

// Status reports the engine's counters.
func (w *PageWatch) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := w.ctrl.Do(ctx, func(*dom.Document) { st = w.ctrl.Status() })
	return st, err
}

// Run converts the page until ctx is done, then closes the session.
func (w *PageWatch) Run(ctx context.Context) error {
	defer w.m.CloseSession(w.sess.ID)
	logging.Browser("watching %s (session %s)", w.url, w.sess.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.ctrl.Run(gctx) })
	g.Go(func() error {
		tick := time.NewTicker(w.poll)
		defer tick.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-tick.C:
			}
			if err := w.sync(gctx); err != nil {
				if gctx.Err() != nil || errors.Is(err, engine.ErrStopped) {
					return nil
				}
				logging.BrowserWarn("%s: sync failed: %v", w.url, err)
			}
		}
	})
	return g.Wait()
}

// sync writes the whole body back if a full scan changed it since the last
// overlay, then forwards live insertions. Insertions that race an overlay are
// dropped with the body they were added to.
func (w *PageWatch) sync(ctx context.Context) error {
	if err := w.overlay(ctx); err != nil {
		return err
	}
	ins, err := w.m.drainInsertions(ctx, w.sess.ID)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if len(ins) == 0 {
		return nil
	}
	back, err := forwardInsertions(ctx, w.ctrl, ins)
	if err != nil {
		return err
	}
	if len(back) == 0 {
		return nil
	}
	if err := w.m.replaceNodes(ctx, w.sess.ID, back); err != nil {
		return fmt.Errorf("write back: %w", err)
	}
	logging.BrowserDebug("%s: %d inserted elements converted", w.url, len(back))
	return nil
}

func (w *PageWatch) overlay(ctx context.Context) error {
	var (
		st      engine.Status
		body    string
		bodyErr error
	)
	if err := w.ctrl.Do(ctx, func(d *dom.Document) {
		st = w.ctrl.Status()
		if st.Phase == engine.PhaseEnabled.String() && st.Totals.Mutations() != w.overlaid {
			body, bodyErr = innerHTML(d.Body())
		}
	}); err != nil {
		return err
	}
	if bodyErr != nil {
		return fmt.Errorf("render body: %w", bodyErr)
	}
	if body == "" {
		return nil
	}
	if err := w.m.writeBody(ctx, w.sess.ID, body); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	w.overlaid = st.Totals.Mutations()
	logging.Browser("%s: %d amounts converted", w.url, st.Totals.Converted+st.Totals.Structured)
	return nil
}

// forwardInsertions applies ins to the controller's document and returns the
// elements whose markup changed once the engine processed them.
func forwardInsertions(ctx context.Context, ctrl *engine.Controller, ins []insertion) ([]insertion, error) {
	sortInsertions(ins)
	added := make([]*html.Node, len(ins))
	ctrl.Dispatch(func(d *dom.Document) {
		for i, it := range ins {
			n, err := applyInsertion(d, it)
			if err != nil {
				logging.BrowserDebug("skipping insertion at %v: %v", it.Path, err)
				continue
			}
			added[i] = n
		}
	})

	var back []insertion
	err := ctrl.Do(ctx, func(d *dom.Document) {
		for i, n := range added {
			if n == nil || !d.Contains(n) {
				continue
			}
			markup, err := outerHTML(n)
			if err != nil || markup == ins[i].HTML {
				continue
			}
			back = append(back, insertion{Path: ins[i].Path, HTML: markup})
		}
	})
	return back, err
}

// sortInsertions orders ins by document position so earlier siblings land
// first.
func sortInsertions(ins []insertion) {
	sort.SliceStable(ins, func(i, j int) bool {
		a, b := ins[i].Path, ins[j].Path
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}

// applyInsertion parses it.HTML as a single element and inserts it at it.Path
// below d's body.
func applyInsertion(d *dom.Document, it insertion) (*html.Node, error) {
	if len(it.Path) == 0 {
		return nil, errBadPath
	}
	parent := d.Body()
	for _, i := range it.Path[:len(it.Path)-1] {
		if parent = childAt(parent, i); parent == nil || parent.Type != html.ElementNode {
			return nil, errBadPath
		}
	}
	idx := it.Path[len(it.Path)-1]
	ref := childAt(parent, idx)
	if ref == nil && idx != childCount(parent) {
		return nil, errBadPath
	}

	nodes, err := html.ParseFragment(strings.NewReader(it.HTML), parent)
	if err != nil {
		return nil, fmt.Errorf("parse insertion: %w", err)
	}
	var el *html.Node
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			el = n
			break
		}
	}
	if el == nil {
		return nil, fmt.Errorf("insertion has no element: %q", it.HTML)
	}
	d.InsertBefore(parent, el, ref)
	return el, nil
}

func childAt(n *html.Node, i int) *html.Node {
	if n == nil || i < 0 {
		return nil
	}
	c := n.FirstChild
	for ; c != nil && i > 0; i-- {
		c = c.NextSibling
	}
	return c
}

func childCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}

func outerHTML(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (m *SessionManager) installObserver(ctx context.Context, sessionID string) error {
	page, err := m.page(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := page.Eval(observerScript); err != nil {
		return fmt.Errorf("install observer: %w", err)
	}
	return nil
}

func (m *SessionManager) drainInsertions(ctx context.Context, sessionID string) ([]insertion, error) {
	page, err := m.page(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res, err := page.Eval(`() => window.__sats ? window.__sats.drain() : []`)
	if err != nil {
		return nil, err
	}
	var out []insertion
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode insertions: %w", err)
	}
	return out, nil
}

func (m *SessionManager) writeBody(ctx context.Context, sessionID, markup string) error {
	page, err := m.page(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = page.Eval(`(markup) => {
  if (window.__sats) window.__sats.write(markup);
  else document.body.innerHTML = markup;
}`, markup)
	return err
}

func (m *SessionManager) replaceNodes(ctx context.Context, sessionID string, items []insertion) error {
	page, err := m.page(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = page.Eval(`(items) => { if (window.__sats) window.__sats.replace(items); }`, items)
	return err
}

// resnapshot reloads the live page and replaces doc's source with what the
// browser now shows. It runs on the controller goroutine.
func (m *SessionManager) resnapshot(ctx context.Context, sessionID string, doc *dom.Document) error {
	if err := m.Reload(ctx, sessionID); err != nil {
		return err
	}
	if err := m.installObserver(ctx, sessionID); err != nil {
		return err
	}
	source, err := m.HTML(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	return doc.ResetSource(source)
}
