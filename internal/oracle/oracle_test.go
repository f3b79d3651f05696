package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priceServer(t *testing.T, body *atomic.Value, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/v3/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		b := body.Load().(string)
		if b == "" {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(b))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestCoinGecko_Fetch(t *testing.T) {
	var body atomic.Value
	var hits atomic.Int32
	body.Store(`{"bitcoin":{"usd":64250.5}}`)
	ts := priceServer(t, &body, &hits)

	cg := NewCoinGecko(ts.URL+"/api/v3/", time.Second)
	price, err := cg.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64250.5, price)

	body.Store("")
	_, err = cg.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")

	body.Store(`{"ethereum":{"usd":3000}}`)
	_, err = cg.Fetch(context.Background())
	assert.Error(t, err)

	body.Store(`not json`)
	_, err = cg.Fetch(context.Background())
	assert.Error(t, err)
}

type memCache struct {
	mu    sync.Mutex
	q     Quote
	ok    bool
	err   error
	saves int
}

func (m *memCache) LoadQuote(context.Context) (Quote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q, m.ok, m.err
}

func (m *memCache) SaveQuote(_ context.Context, q Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.q, m.ok = q, true
	m.saves++
	return nil
}

type fetchFunc func(ctx context.Context) (float64, error)

func (f fetchFunc) Fetch(ctx context.Context) (float64, error) { return f(ctx) }

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestOracle_CachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	price := 50000.0
	f := fetchFunc(func(context.Context) (float64, error) {
		calls.Add(1)
		return price, nil
	})
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := &memCache{}
	o := New(f, Config{Now: clk.Now}, store)

	got, err := o.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, got)
	assert.Equal(t, 1, store.saves)

	clk.Advance(4 * time.Minute)
	price = 51000
	got, _ = o.Rate(context.Background())
	assert.Equal(t, 50000.0, got, "fresh price is served from memory")
	assert.EqualValues(t, 1, calls.Load())

	clk.Advance(2 * time.Minute)
	got, _ = o.Rate(context.Background())
	assert.Equal(t, 51000.0, got)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 51000.0, store.q.Price)
}

func TestOracle_UsesFreshSharedCache(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	shared := &memCache{q: Quote{Price: 42000, FetchedAt: clk.t.Add(-time.Minute)}, ok: true}
	f := fetchFunc(func(context.Context) (float64, error) {
		t.Fatal("fetch must not happen while the shared quote is fresh")
		return 0, nil
	})
	o := New(f, Config{Now: clk.Now}, shared)

	q, err := o.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42000.0, q.Price)
	assert.Equal(t, SourceCache, q.Source)
}

func TestOracle_FallsBackToPersistedPrice(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	old := &memCache{q: Quote{Price: 30000, FetchedAt: clk.t.Add(-time.Hour)}, ok: true}
	newer := &memCache{q: Quote{Price: 31000, FetchedAt: clk.t.Add(-30 * time.Minute)}, ok: true}
	broken := &memCache{err: errors.New("redis down")}
	down := fetchFunc(func(context.Context) (float64, error) { return 0, errors.New("timeout") })

	o := New(down, Config{Now: clk.Now}, broken, old, newer)
	q, err := o.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 31000.0, q.Price)
	assert.Equal(t, SourceFallback, q.Source)
}

func TestOracle_Unavailable(t *testing.T) {
	down := fetchFunc(func(context.Context) (float64, error) { return 0, errors.New("timeout") })
	o := New(down, Config{})

	_, err := o.Rate(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	zero := fetchFunc(func(context.Context) (float64, error) { return 0, nil })
	_, err = New(zero, Config{}).Rate(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOracle_RefreshNotifies(t *testing.T) {
	price := 50000.0
	o := New(fetchFunc(func(context.Context) (float64, error) { return price, nil }), Config{})

	var got []float64
	cancel := o.Subscribe(func(p float64) { got = append(got, p) })

	_, err := o.Refresh(context.Background())
	require.NoError(t, err)
	price = 50500
	_, err = o.Refresh(context.Background())
	require.NoError(t, err)
	cancel()
	_, err = o.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []float64{50000, 50500}, got)
}

func TestOracle_StartPublishesCachedThenFresh(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := &memCache{q: Quote{Price: 40000, FetchedAt: clk.t.Add(-time.Hour)}, ok: true}
	o := New(fetchFunc(func(context.Context) (float64, error) { return 45000, nil }), Config{Now: clk.Now}, store)

	var got []float64
	o.Subscribe(func(p float64) { got = append(got, p) })
	o.Start(context.Background())

	assert.Equal(t, []float64{40000, 45000}, got)
	cur, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, SourceLive, cur.Source)
}

func TestOracle_StartSkipsUnchangedPrice(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := &memCache{q: Quote{Price: 40000, FetchedAt: clk.t.Add(-time.Minute)}, ok: true}
	o := New(fetchFunc(func(context.Context) (float64, error) { return 99999, nil }), Config{Now: clk.Now}, store)

	var got []float64
	o.Subscribe(func(p float64) { got = append(got, p) })
	o.Start(context.Background())

	assert.Equal(t, []float64{40000}, got, "a fresh persisted price is reused")
}

func TestOracle_RunNotifiesOnChange(t *testing.T) {
	var n atomic.Int32
	f := fetchFunc(func(context.Context) (float64, error) {
		if n.Add(1) < 3 {
			return 50000, nil
		}
		return 52000, nil
	})
	o := New(f, Config{TTL: time.Millisecond, RefreshInterval: 5 * time.Millisecond})

	updates := make(chan float64, 8)
	o.Subscribe(func(p float64) { updates <- p })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	var seen []float64
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case p := <-updates:
			seen = append(seen, p)
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []float64{50000, 52000}, seen)
}

func TestOracle_CoalescesConcurrentFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := fetchFunc(func(context.Context) (float64, error) {
		calls.Add(1)
		<-release
		return 50000, nil
	})
	o := New(f, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := o.Rate(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 50000.0, p)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(2))
}
