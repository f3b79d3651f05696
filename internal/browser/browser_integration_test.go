//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaperCranium/BrowserSats/internal/browser"
	"github.com/PaperCranium/BrowserSats/internal/engine"
)

type fixedOracle float64

func (f fixedOracle) Rate(context.Context) (float64, error) { return float64(f), nil }

type settingsOff struct{}

func (settingsOff) Enabled(context.Context) (bool, error) { return false, nil }

func newManager(t *testing.T) (*browser.SessionManager, context.Context) {
	t.Helper()
	cfg := browser.DefaultConfig()
	cfg.NavigationTimeoutMs = 10000
	sm := browser.NewSessionManager(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(func() {
		_ = sm.Shutdown(context.Background())
		cancel()
	})
	if err := sm.Start(ctx); err != nil {
		t.Skipf("chrome unavailable: %v", err)
	}
	return sm, ctx
}

func shop(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p id="deal">Only $12.99 today</p>
<span aria-hidden="true"><span class="a-price-symbol">€</span><span class="a-price-whole">160</span><span class="a-price-fraction">billion</span></span>
</body></html>`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRenderOverlaysConvertedBody(t *testing.T) {
	sm, ctx := newManager(t)
	ts := shop(t)

	res, err := sm.Render(ctx, ts.URL, browser.RenderOptions{Oracle: fixedOracle(50000), Keep: true, Screenshot: true})
	require.NoError(t, err)
	assert.Equal(t, "enabled", res.Status.Phase)
	assert.Equal(t, 2, res.Status.Totals.Mutations())
	assert.Contains(t, res.HTML, "丰25,980")
	assert.NotEmpty(t, res.Screenshot)

	live, err := sm.HTML(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Contains(t, live, "丰25,980")
	assert.Contains(t, live, "₿3,520,000.000")
}

func TestRenderDisabledLeavesPage(t *testing.T) {
	sm, ctx := newManager(t)
	ts := shop(t)

	res, err := sm.Render(ctx, ts.URL, browser.RenderOptions{
		Oracle:     fixedOracle(50000),
		Settings:   settingsOff{},
		Exclusions: engine.DefaultExclusionRules(),
		Keep:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Status.Phase)

	live, err := sm.HTML(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Contains(t, live, "Only $12.99 today")
}

func TestWatchConvertsLateInsertions(t *testing.T) {
	sm, ctx := newManager(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>Only $12.99 today</p><div id="feed"></div>
<script>setTimeout(() => {
  const a = document.createElement('article');
  a.id = 'late';
  a.innerHTML = '<p>Flash sale: €20</p>';
  document.getElementById('feed').appendChild(a);
}, 1500)</script></body></html>`)
	}))
	t.Cleanup(ts.Close)

	w, err := sm.Watch(ctx, ts.URL, browser.WatchOptions{Oracle: fixedOracle(50000), PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		live, err := sm.HTML(ctx, w.Session().ID)
		return err == nil && strings.Contains(live, "丰25,980") && strings.Contains(live, "丰44,000")
	}, 10*time.Second, 100*time.Millisecond)

	w.SetEnabled(false)
	require.Eventually(t, func() bool {
		live, err := sm.HTML(ctx, w.Session().ID)
		return err == nil && strings.Contains(live, "Only $12.99 today") && !strings.Contains(live, "sats-converted")
	}, 10*time.Second, 100*time.Millisecond)

	w.SetEnabled(true)
	require.Eventually(t, func() bool {
		live, err := sm.HTML(ctx, w.Session().ID)
		return err == nil && strings.Contains(live, "丰25,980")
	}, 10*time.Second, 100*time.Millisecond)
}
