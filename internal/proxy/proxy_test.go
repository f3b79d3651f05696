package proxy

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaperCranium/BrowserSats/internal/bus"
	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/oracle"
)

const shopPage = `<!DOCTYPE html><html><head><title>Shop</title></head><body>
<p id="deal">Now only $12.99!</p>
<span class="a-price"><span class="a-offscreen">$12.99</span><span aria-hidden="true"><span class="a-price-symbol">$</span><span class="a-price-whole">12.</span><span class="a-price-fraction">99</span></span></span>
<script>var price = "$5.00";</script>
</body></html>`

type staticPrice struct {
	price float64
	err   error
	calls atomic.Int32
}

func (s *staticPrice) Rate(context.Context) (float64, error) {
	s.calls.Add(1)
	return s.price, s.err
}

type outcomes struct {
	counts map[string]int
}

func (o *outcomes) PageRewritten(outcome string) {
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

func upstream(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, up string, prices PriceSource, rec PageRecorder) (*Proxy, *httptest.Server) {
	t.Helper()
	p, err := New(Config{Upstream: up, Prices: prices, Pages: rec})
	require.NoError(t, err)
	srv := httptest.NewServer(p.Handler(HandlerOptions{}))
	t.Cleanup(srv.Close)
	return p, srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestProxyRewritesHTML(t *testing.T) {
	up := upstream(t, "text/html; charset=utf-8", shopPage)
	rec := &outcomes{}
	_, srv := newProxy(t, up.URL, &staticPrice{price: 50000}, rec)

	resp, body := get(t, srv.URL+"/item")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, strings.Count(body, "丰25,980"), body)
	assert.Contains(t, body, `<span class="a-offscreen">$12.99</span>`)
	assert.Contains(t, body, `var price = "$5.00";`)
	assert.Equal(t, "2", resp.Header.Get("X-Sats-Converted"))
	assert.Empty(t, resp.Header.Get("ETag"))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Equal(t, 1, rec.counts[OutcomeRewritten])
}

func TestProxyPassesThroughWhenDisabled(t *testing.T) {
	up := upstream(t, "text/html", shopPage)
	p, srv := newProxy(t, up.URL, &staticPrice{price: 50000}, nil)

	b := bus.New(nil, nil, nil)
	cancel := bus.Bridge(b, p)
	defer cancel()
	b.EnabledChanged(false)
	require.False(t, p.Enabled())

	_, body := get(t, srv.URL)
	assert.Equal(t, shopPage, body)
	assert.Equal(t, int64(1), p.Pages().Skipped)

	b.EnabledChanged(true)
	_, body = get(t, srv.URL)
	assert.Contains(t, body, "丰25,980")
}

func TestProxyLeavesNonHTMLAlone(t *testing.T) {
	up := upstream(t, "application/json", `{"price":"$12.99"}`)
	prices := &staticPrice{price: 50000}
	p, srv := newProxy(t, up.URL, prices, nil)

	_, body := get(t, srv.URL)
	assert.Equal(t, `{"price":"$12.99"}`, body)
	assert.Zero(t, prices.calls.Load())
	assert.Equal(t, PageCounts{}, p.Pages())
}

func TestProxyDecodesGzipUpstream(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.Header.Get("Accept-Encoding") != "gzip" {
			io.WriteString(w, shopPage)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, shopPage)
		zw.Close()
	}))
	defer up.Close()
	_, srv := newProxy(t, up.URL, &staticPrice{price: 50000}, nil)

	resp, body := get(t, srv.URL)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Contains(t, body, "丰25,980")
}

func TestProxySkipsUndecodableBodies(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		io.WriteString(w, "opaque $12.99")
	}))
	defer up.Close()
	p, srv := newProxy(t, up.URL, &staticPrice{price: 50000}, nil)

	_, body := get(t, srv.URL)
	assert.Equal(t, "opaque $12.99", body)
	assert.Equal(t, int64(1), p.Pages().Skipped)
}

func TestProxyFallsBackToPushedPrice(t *testing.T) {
	up := upstream(t, "text/html", shopPage)
	p, srv := newProxy(t, up.URL, &staticPrice{err: oracle.ErrUnavailable}, nil)

	_, body := get(t, srv.URL)
	assert.Equal(t, shopPage, body, "no price, no rewrite")

	p.UpdatePrice(-3)
	p.UpdatePrice(25000)
	_, body = get(t, srv.URL)
	assert.Contains(t, body, "丰51,960")
	assert.Equal(t, PageCounts{Rewritten: 1, Skipped: 1}, p.Pages())
}

func TestProxyCountsUnchangedPages(t *testing.T) {
	up := upstream(t, "text/html", "<html><body><p>No prices here.</p></body></html>")
	p, srv := newProxy(t, up.URL, &staticPrice{price: 50000}, nil)

	_, body := get(t, srv.URL)
	assert.Equal(t, "<html><body><p>No prices here.</p></body></html>", body)
	assert.Equal(t, int64(1), p.Pages().Unchanged)
}

func TestProxyPassesOversizedBodies(t *testing.T) {
	big := "<html><body><p>$1.00</p>" + strings.Repeat("<p>filler</p>", 200) + "</body></html>"
	up := upstream(t, "text/html", big)
	p, err := New(Config{Upstream: up.URL, Prices: &staticPrice{price: 50000}, MaxBody: 64})
	require.NoError(t, err)
	srv := httptest.NewServer(p)
	defer srv.Close()

	_, body := get(t, srv.URL)
	assert.Equal(t, big, body)
	assert.Equal(t, int64(1), p.Pages().Skipped)
}

func TestProxyUpstreamDown(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	url := up.URL
	up.Close()

	rec := &outcomes{}
	p, srv := newProxy(t, url, &staticPrice{price: 50000}, rec)
	resp, _ := get(t, srv.URL)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(1), p.Pages().Errors)
	assert.Equal(t, 1, rec.counts[OutcomeError])
}

func TestNewRejectsBadUpstream(t *testing.T) {
	for _, up := range []string{"", "localhost:8080", "ftp://x", "http://"} {
		_, err := New(Config{Upstream: up})
		assert.Error(t, err, up)
	}
}

func TestStatusEndpoint(t *testing.T) {
	up := upstream(t, "text/html", shopPage)
	p, err := New(Config{Upstream: up.URL, Prices: &staticPrice{price: 50000}})
	require.NoError(t, err)
	srv := httptest.NewServer(p.Handler(HandlerOptions{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "metrics") }),
		Clients: func() int { return 4 },
	}))
	defer srv.Close()

	_, body := get(t, srv.URL+ControlPrefix+"status")
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.True(t, st.Enabled)
	require.NotNil(t, st.Price)
	assert.Equal(t, 50000.0, *st.Price)
	require.NotNil(t, st.SatsPerDollar)
	assert.Equal(t, int64(2000), *st.SatsPerDollar)
	assert.Equal(t, 4, st.Clients)
	assert.Equal(t, up.URL, st.Upstream)

	_, body = get(t, srv.URL+ControlPrefix+"metrics")
	assert.Equal(t, "metrics", body)
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}))
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeReportsListenErrors(t *testing.T) {
	err := Serve(context.Background(), "256.0.0.1:bad", http.NotFoundHandler())
	assert.Error(t, err)
}

func TestRewriterHonoursHostExclusions(t *testing.T) {
	page := `<html><body><p>$10.00</p><table class="comparison-table"><tr><td>$20.00</td></tr></table></body></html>`
	r := NewRewriter(RewriterConfig{})

	out, st, err := r.Rewrite(strings.NewReader(page), "www.amazon.com", 50000)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Converted)
	assert.Contains(t, string(out), "<td>$20.00</td>")

	out, st, err = r.Rewrite(strings.NewReader(page), "shop.example", 50000)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Converted)
	assert.NotContains(t, string(out), "$20.00")

	r = NewRewriter(RewriterConfig{Exclusions: []engine.ExclusionRule{}})
	_, st, err = r.Rewrite(strings.NewReader(page), "www.amazon.com", 50000)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Converted)
}

func TestSatsPerDollar(t *testing.T) {
	n, ok := SatsPerDollar(50000)
	assert.True(t, ok)
	assert.Equal(t, int64(2000), n)

	_, ok = SatsPerDollar(0)
	assert.False(t, ok)
}
