package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/net/html"

	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// RenderOptions configures Render.
type RenderOptions struct {
	Oracle   engine.PriceOracle
	Settings engine.SettingsStore
	Scanner  engine.ScannerConfig
	// Exclusions are matched against the page host and override
	// Scanner.Exclusion. Nil keeps Scanner.Exclusion.
	Exclusions []engine.ExclusionRule
	// PriceWait bounds the wait for the engine to leave AwaitingPrice.
	PriceWait time.Duration
	// Screenshot captures the overlaid page.
	Screenshot bool
	// Keep leaves the session open for the caller.
	Keep bool
}

// RenderResult is a converted page.
type RenderResult struct {
	Session    Session
	Status     engine.Status
	HTML       string
	Screenshot []byte
}

// Render opens pageURL, converts the loaded document with an engine
// controller and writes the converted body back into the live page.
func (m *SessionManager) Render(ctx context.Context, pageURL string, opts RenderOptions) (*RenderResult, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "render")
	defer timer.Stop()

	sess, err := m.CreateSession(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if !opts.Keep {
		defer m.CloseSession(sess.ID)
	}

	source, err := m.HTML(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	doc, err := dom.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	sc := scannerFor(pageURL, opts.Scanner, opts.Exclusions)
	ctrl := engine.NewController(doc, engine.ControllerConfig{
		Oracle:   opts.Oracle,
		Settings: opts.Settings,
		Reloader: engine.ReloaderFunc(func(ctx context.Context) error {
			return m.Reload(ctx, sess.ID)
		}),
		Scanner: sc,
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	status, err := waitSettled(ctx, ctrl, opts.PriceWait)
	if err != nil {
		return nil, err
	}

	res := &RenderResult{Session: *sess, Status: status}
	var body string
	var renderErr error
	if err := ctrl.Do(ctx, func(d *dom.Document) {
		body, renderErr = innerHTML(d.Body())
		res.HTML = d.String()
	}); err != nil {
		return nil, err
	}
	if renderErr != nil {
		return nil, fmt.Errorf("render body: %w", renderErr)
	}

	if status.Phase == engine.PhaseEnabled.String() && status.Totals.Mutations() > 0 {
		if err := m.SetBodyHTML(ctx, sess.ID, body); err != nil {
			return nil, fmt.Errorf("overlay: %w", err)
		}
		logging.Browser("%s: %d amounts converted", pageURL, status.Totals.Converted+status.Totals.Structured)
	}

	if opts.Screenshot {
		shot, err := m.Screenshot(ctx, sess.ID, true)
		if err != nil {
			return nil, fmt.Errorf("screenshot: %w", err)
		}
		res.Screenshot = shot
	}
	return res, nil
}

// scannerFor applies the exclusion rules matching pageURL's host. Nil rules
// keep sc.Exclusion.
func scannerFor(pageURL string, sc engine.ScannerConfig, rules []engine.ExclusionRule) engine.ScannerConfig {
	if rules == nil {
		return sc
	}
	host := ""
	if u, err := url.Parse(pageURL); err == nil {
		host = u.Hostname()
	}
	sc.Exclusion = engine.PolicyForHost(host, rules)
	return sc
}

// waitSettled polls the controller until it has a price, gave up on one or
// is disabled.
func waitSettled(ctx context.Context, ctrl *engine.Controller, limit time.Duration) (engine.Status, error) {
	if limit <= 0 {
		limit = 15 * time.Second
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		var st engine.Status
		if err := ctrl.Do(ctx, func(*dom.Document) { st = ctrl.Status() }); err != nil {
			return st, err
		}
		if st.Phase != engine.PhaseAwaitingPrice.String() || st.Exhausted {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-deadline.C:
			logging.BrowserWarn("no price after %v, leaving page unconverted", limit)
			return st, nil
		case <-tick.C:
		}
	}
}

var errNoBody = errors.New("document has no body")

// innerHTML serializes n's children.
func innerHTML(n *html.Node) (string, error) {
	if n == nil {
		return "", errNoBody
	}
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
