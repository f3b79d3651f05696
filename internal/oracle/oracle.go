// Package oracle supplies the bitcoin reference price: it fetches from
// CoinGecko, keeps the answer fresh for a TTL, persists it to one or more
// caches and falls back to the persisted price when fetching fails.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// ErrUnavailable is returned when no price can be fetched and none is cached.
var ErrUnavailable = errors.New("oracle: price unavailable")

// DefaultTTL is how long a fetched price is served without refetching.
const DefaultTTL = 5 * time.Minute

// Source tells where a quote came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Quote is a price and the time it was fetched.
type Quote struct {
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetchedAt"`
	Source    Source    `json:"source,omitempty"`
}

// Fetcher retrieves a live price.
type Fetcher interface {
	Fetch(ctx context.Context) (float64, error)
}

// Cache persists the last quote.
type Cache interface {
	// LoadQuote returns ok=false when nothing is stored.
	LoadQuote(ctx context.Context) (Quote, bool, error)
	SaveQuote(ctx context.Context, q Quote) error
}

// Config tunes an Oracle.
type Config struct {
	TTL time.Duration
	// RefreshInterval is the period of Run. Defaults to TTL.
	RefreshInterval time.Duration
	Now             func() time.Time
}

// Oracle serves the reference price.
type Oracle struct {
	fetcher  Fetcher
	caches   []Cache
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu      sync.RWMutex
	current Quote
	known   bool

	subsMu sync.Mutex
	subs   map[int]func(float64)
	nextID int
}

// New creates an oracle. Caches are consulted in order.
func New(fetcher Fetcher, cfg Config, caches ...Cache) *Oracle {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Oracle{
		fetcher:  fetcher,
		caches:   caches,
		ttl:      cfg.TTL,
		interval: cfg.RefreshInterval,
		now:      cfg.Now,
		subs:     make(map[int]func(float64)),
	}
}

// Current returns the in-memory quote.
func (o *Oracle) Current() (Quote, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current, o.known
}

// Rate returns a price, fetching only when the held one is stale.
func (o *Oracle) Rate(ctx context.Context) (float64, error) {
	q, err := o.Quote(ctx)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

// Quote returns a fresh quote from memory, then from the caches, and
// fetches otherwise.
func (o *Oracle) Quote(ctx context.Context) (Quote, error) {
	if q, ok := o.Current(); ok && o.fresh(q) {
		return q, nil
	}
	if q, ok := o.loadCached(ctx); ok && o.fresh(q) {
		q.Source = SourceCache
		o.set(q)
		logging.OracleDebug("using shared cached price %.2f from %s", q.Price, q.FetchedAt.Format(time.RFC3339))
		return q, nil
	}
	return o.fetch(ctx)
}

// Refresh fetches regardless of freshness and notifies subscribers on
// success.
func (o *Oracle) Refresh(ctx context.Context) (Quote, error) {
	q, err := o.fetch(ctx)
	if err != nil {
		return Quote{}, err
	}
	logging.Oracle("manual refresh: %.2f (%s)", q.Price, q.Source)
	o.publish(q.Price)
	return q, nil
}

// Start publishes any persisted price, then fetches and publishes again if
// the price moved.
func (o *Oracle) Start(ctx context.Context) {
	var before float64
	if q, ok := o.loadCached(ctx); ok {
		q.Source = SourceCache
		o.set(q)
		before = q.Price
		logging.Oracle("loaded cached price %.2f", q.Price)
		o.publish(q.Price)
	}
	q, err := o.Quote(ctx)
	if err != nil {
		logging.OracleWarn("startup fetch failed: %v", err)
		return
	}
	if q.Price != before {
		o.publish(q.Price)
	}
}

// Run refreshes on every interval until ctx is done, notifying subscribers
// when the price changed.
func (o *Oracle) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			before, _ := o.Current()
			q, err := o.Quote(ctx)
			if err != nil {
				logging.OracleWarn("periodic refresh failed: %v", err)
				continue
			}
			if q.Price != before.Price {
				logging.Oracle("price changed %.2f -> %.2f", before.Price, q.Price)
				o.publish(q.Price)
			}
		}
	}
}

// Subscribe registers fn for price notifications. fn runs on the notifying
// goroutine and must not block.
func (o *Oracle) Subscribe(fn func(price float64)) (cancel func()) {
	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.subsMu.Unlock()
	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

func (o *Oracle) publish(price float64) {
	o.subsMu.Lock()
	fns := make([]func(float64), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.subsMu.Unlock()
	for _, fn := range fns {
		fn(price)
	}
}

func (o *Oracle) fresh(q Quote) bool {
	return q.Price > 0 && o.now().Sub(q.FetchedAt) < o.ttl
}

func (o *Oracle) set(q Quote) {
	o.mu.Lock()
	o.current = q
	o.known = true
	o.mu.Unlock()
}

// fetch coalesces concurrent callers into one upstream request.
func (o *Oracle) fetch(ctx context.Context) (Quote, error) {
	v, err, shared := o.group.Do("price", func() (interface{}, error) {
		return o.fetchOnce(ctx)
	})
	if err != nil {
		return Quote{}, err
	}
	if shared {
		logging.OracleDebug("joined in-flight fetch")
	}
	return v.(Quote), nil
}

func (o *Oracle) fetchOnce(ctx context.Context) (Quote, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "fetch")
	price, err := o.fetcher.Fetch(ctx)
	timer.StopWithThreshold(2 * time.Second)

	if err == nil && price > 0 {
		q := Quote{Price: price, FetchedAt: o.now(), Source: SourceLive}
		o.set(q)
		o.persist(ctx, q)
		logging.Oracle("fetched price %.2f", price)
		return q, nil
	}
	if err == nil {
		err = fmt.Errorf("non-positive price %v", price)
	}
	logging.OracleWarn("fetch failed: %v", err)

	if q, ok := o.Current(); ok {
		q.Source = SourceFallback
		logging.Oracle("using held price %.2f", q.Price)
		return q, nil
	}
	if q, ok := o.loadCached(ctx); ok {
		q.Source = SourceFallback
		o.set(q)
		logging.Oracle("using persisted price %.2f", q.Price)
		return q, nil
	}
	return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// loadCached returns the newest usable quote across caches.
func (o *Oracle) loadCached(ctx context.Context) (Quote, bool) {
	var best Quote
	found := false
	for _, c := range o.caches {
		q, ok, err := c.LoadQuote(ctx)
		if err != nil {
			logging.OracleWarn("cache load failed: %v", err)
			continue
		}
		if ok && q.Price > 0 && (!found || q.FetchedAt.After(best.FetchedAt)) {
			best, found = q, true
		}
	}
	return best, found
}

func (o *Oracle) persist(ctx context.Context, q Quote) {
	for _, c := range o.caches {
		if err := c.SaveQuote(ctx, q); err != nil {
			logging.OracleWarn("cache save failed: %v", err)
		}
	}
}
