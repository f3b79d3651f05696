package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/logging"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
)

// ErrStopped is returned by Do once Run has returned.
var ErrStopped = errors.New("engine: controller stopped")

// PriceOracle supplies the reference price.
type PriceOracle interface {
	Rate(ctx context.Context) (float64, error)
}

// SettingsStore supplies the persisted enabled flag.
type SettingsStore interface {
	Enabled(ctx context.Context) (bool, error)
}

// Reloader restores the document to its original source.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context) error

// Reload implements Reloader.
func (f ReloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

// ControllerConfig wires a Controller. Only Oracle is strictly needed; with no
// Settings the engine starts enabled.
type ControllerConfig struct {
	Oracle   PriceOracle
	Settings SettingsStore
	// Reloader defaults to reparsing the document's own source.
	Reloader Reloader
	// Rates defaults to sats.DefaultRates.
	Rates sats.RateTable

	RetryAttempts int
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration

	Scanner ScannerConfig
}

type eventKind int

const (
	evPriceResult eventKind = iota
	evPricePush
	evToggle
	evDispatch
)

type event struct {
	kind    eventKind
	attempt int
	price   float64
	err     error
	enabled bool
	fn      func(*dom.Document)
	done    chan struct{}
}

// Controller owns a document and runs the engine over it. All tree access
// happens on the goroutine running Run; other goroutines reach the tree
// through Dispatch or Do.
type Controller struct {
	cfg       ControllerConfig
	doc       *dom.Document
	state     *State
	guard     *Guard
	scanner   *Scanner
	watcher   *ChangeWatcher
	events    chan event
	stopped   chan struct{}
	phase     atomic.Int32
	exhausted bool
	totals    ScanStats
}

// NewController builds a controller for doc. Call Run to start it.
func NewController(doc *dom.Document, cfg ControllerConfig) *Controller {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	c := &Controller{
		cfg:     cfg,
		doc:     doc,
		state:   NewState(true),
		guard:   &Guard{},
		events:  make(chan event, 64),
		stopped: make(chan struct{}),
	}
	sc := cfg.Scanner
	sc.Guard = c.guard
	sc.Converter = sats.NewConverter(cfg.Rates, c.state)
	c.scanner = NewScanner(doc, sc)
	c.watcher = NewChangeWatcher(doc, c.scanner, c.state)
	doc.SetGenerationSource(c.guard.Generation)
	return c
}

// State returns the shared price and enabled flag.
func (c *Controller) State() *State {
	return c.state
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Controller) setPhase(p Phase) {
	if old := Phase(c.phase.Swap(int32(p))); old != p {
		logging.Engine("phase %s -> %s", old, p)
	}
}

// Run loads settings, requests the price and then serves events until ctx is
// done. It returns nil on cancellation.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.watcher.Deactivate()

	enabled := true
	if c.cfg.Settings != nil {
		on, err := c.cfg.Settings.Enabled(ctx)
		if err != nil {
			logging.EngineWarn("settings unavailable, assuming enabled: %v", err)
		} else {
			enabled = on
		}
	}
	c.state.setEnabled(enabled)
	c.setPhase(PhaseAwaitingPrice)
	logging.Engine("controller started (enabled=%v)", enabled)

	c.requestPrice(ctx, 1)

	for {
		select {
		case <-ctx.Done():
			logging.Engine("controller stopped")
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
			c.doc.Flush()
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

// SetEnabled delivers an enable/disable toggle.
func (c *Controller) SetEnabled(enabled bool) {
	c.send(event{kind: evToggle, enabled: enabled})
}

// UpdatePrice delivers an unsolicited price update.
func (c *Controller) UpdatePrice(price float64) {
	c.send(event{kind: evPricePush, price: price})
}

// Dispatch runs fn on the controller goroutine. Mutations fn makes are
// reported to the change watcher when it returns.
func (c *Controller) Dispatch(fn func(doc *dom.Document)) {
	c.send(event{kind: evDispatch, fn: fn})
}

// Do is Dispatch that waits for fn, and the watcher work it caused, to finish.
func (c *Controller) Do(ctx context.Context, fn func(doc *dom.Document)) error {
	done := make(chan struct{})
	select {
	case c.events <- event{kind: evDispatch, fn: fn, done: done}:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// requestPrice asks the oracle on its own goroutine and posts the answer
// back as an event. Pending retries stop once a price is known.
func (c *Controller) requestPrice(ctx context.Context, attempt int) {
	if ctx.Err() != nil {
		return
	}
	if c.cfg.Oracle == nil {
		c.post(ctx, event{kind: evPriceResult, attempt: c.cfg.RetryAttempts, err: errors.New("no price oracle")})
		return
	}
	if _, known := c.state.ReferencePrice(); known {
		logging.EngineDebug("price already known, skipping oracle attempt %d", attempt)
		return
	}
	go func() {
		price, err := c.cfg.Oracle.Rate(ctx)
		c.post(ctx, event{kind: evPriceResult, attempt: attempt, price: price, err: err})
	}()
}

func (c *Controller) post(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evPriceResult:
		c.onPriceResult(ctx, ev)
	case evPricePush:
		c.onPricePush(ev.price)
	case evToggle:
		c.onToggle(ctx, ev.enabled)
	case evDispatch:
		ev.fn(c.doc)
	}
}

func (c *Controller) onPriceResult(ctx context.Context, ev event) {
	if _, known := c.state.ReferencePrice(); known {
		logging.EngineDebug("price already known, dropping oracle attempt %d", ev.attempt)
		return
	}
	if ev.err == nil && c.state.setPrice(ev.price) {
		logging.Engine("reference price %.2f (attempt %d)", ev.price, ev.attempt)
		c.scanner.rec.PriceUpdated(ev.price)
		c.activate()
		return
	}
	if ev.err == nil {
		ev.err = errors.New("oracle returned no usable price")
	}
	if ev.attempt < c.cfg.RetryAttempts {
		delay := c.cfg.RetryBackoff * time.Duration(ev.attempt)
		logging.EngineWarn("price attempt %d/%d failed: %v (retry in %v)", ev.attempt, c.cfg.RetryAttempts, ev.err, delay)
		next := ev.attempt + 1
		time.AfterFunc(delay, func() { c.requestPrice(ctx, next) })
		return
	}
	c.exhausted = true
	logging.EngineError("price unavailable after %d attempts: %v", ev.attempt, ev.err)
	if c.state.Enabled() {
		c.watcher.Activate()
	}
}

func (c *Controller) onPricePush(price float64) {
	if !c.state.setPrice(price) {
		logging.EngineWarn("ignoring unusable price update %v", price)
		return
	}
	logging.Engine("reference price updated to %.2f", price)
	c.scanner.rec.PriceUpdated(price)
	c.activate()
}

func (c *Controller) onToggle(ctx context.Context, enabled bool) {
	c.state.setEnabled(enabled)
	if !enabled {
		c.watcher.Deactivate()
		c.setPhase(PhaseDisabled)
		if err := c.reloader().Reload(ctx); err != nil {
			logging.EngineError("reload after disable failed: %v", err)
		}
		return
	}
	if _, known := c.state.ReferencePrice(); known {
		c.activate()
		return
	}
	c.setPhase(PhaseAwaitingPrice)
	c.watcher.Activate()
}

// activate runs a full scan and starts the watcher if the engine is enabled.
func (c *Controller) activate() {
	if !c.state.Enabled() {
		c.setPhase(PhaseDisabled)
		return
	}
	st := c.scanner.Scan(c.doc.Body())
	c.totals.Add(st)
	c.watcher.Activate()
	c.setPhase(PhaseEnabled)
}

func (c *Controller) reloader() Reloader {
	if c.cfg.Reloader != nil {
		return c.cfg.Reloader
	}
	return ReloaderFunc(func(context.Context) error { return c.doc.Reload() })
}

// Status is a point-in-time view of the controller.
type Status struct {
	Phase     string       `json:"phase"`
	State     Snapshot     `json:"state"`
	Exhausted bool         `json:"exhausted"`
	Watching  bool         `json:"watching"`
	Processed int          `json:"processed"`
	Totals    ScanStats    `json:"totals"`
	Watcher   WatcherStats `json:"watcher"`
}

// Status reports the controller's counters. Like the tree, it must be read
// on the controller goroutine; use Do from elsewhere.
func (c *Controller) Status() Status {
	return Status{
		Phase:     c.Phase().String(),
		State:     c.state.Snapshot(),
		Exhausted: c.exhausted,
		Watching:  c.watcher.Active(),
		Processed: c.scanner.Processed().Len(),
		Totals:    c.totals,
		Watcher:   c.watcher.Stats(),
	}
}
