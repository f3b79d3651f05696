package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// Page outcomes reported to the PageRecorder.
const (
	OutcomeRewritten = "rewritten"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// DefaultMaxBody caps the pages the proxy rewrites.
const DefaultMaxBody = 8 << 20

// PriceSource supplies the reference price. *oracle.Oracle implements it.
type PriceSource interface {
	Rate(ctx context.Context) (float64, error)
}

// PageRecorder counts handled pages. *metrics.Metrics implements it.
type PageRecorder interface {
	PageRewritten(outcome string)
}

// Config configures a Proxy.
type Config struct {
	Upstream string
	Prices   PriceSource
	Rewriter *Rewriter
	MaxBody  int64
	Pages    PageRecorder
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Proxy is a reverse proxy that rewrites HTML responses. It implements
// bus.Target, so toggles and pushed prices reach it through bus.Bridge.
type Proxy struct {
	upstream *url.URL
	rp       *httputil.ReverseProxy
	rewriter *Rewriter
	prices   PriceSource
	maxBody  int64
	pages    PageRecorder

	enabled atomic.Bool
	pushed  atomic.Uint64

	rewritten atomic.Int64
	unchanged atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// New creates a proxy for cfg.Upstream. It starts enabled.
func New(cfg Config) (*Proxy, error) {
	u, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", cfg.Upstream, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: need an absolute http(s) URL", cfg.Upstream)
	}
	if cfg.Rewriter == nil {
		cfg.Rewriter = NewRewriter(RewriterConfig{})
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	p := &Proxy{
		upstream: u,
		rewriter: cfg.Rewriter,
		prices:   cfg.Prices,
		maxBody:  cfg.MaxBody,
		pages:    cfg.Pages,
	}
	p.enabled.Store(true)
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			// Let the transport negotiate gzip so it decodes the body for us.
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport:      cfg.Transport,
		ModifyResponse: p.modify,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.ProxyError("upstream %s: %v", r.URL.Path, err)
			p.record(OutcomeError)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	logging.Proxy("proxying %s", u)
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// SetEnabled turns rewriting on or off. Disabled pages pass through
// untouched.
func (p *Proxy) SetEnabled(enabled bool) {
	if p.enabled.Swap(enabled) != enabled {
		logging.Proxy("rewriting enabled=%v", enabled)
	}
}

// Enabled reports whether pages are rewritten.
func (p *Proxy) Enabled() bool {
	return p.enabled.Load()
}

// UpdatePrice records a pushed price, used when the price source fails.
func (p *Proxy) UpdatePrice(price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	p.pushed.Store(math.Float64bits(price))
}

func (p *Proxy) price(ctx context.Context) (float64, bool) {
	if p.prices != nil {
		price, err := p.prices.Rate(ctx)
		if err == nil && price > 0 {
			return price, true
		}
		logging.ProxyWarn("price source: %v", err)
	}
	if bits := p.pushed.Load(); bits != 0 {
		return math.Float64frombits(bits), true
	}
	return 0, false
}

func isHTML(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

func (p *Proxy) modify(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !isHTML(resp) {
		return nil
	}
	if !p.Enabled() {
		p.record(OutcomeSkipped)
		return nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		logging.ProxyDebug("%s: %s encoded body left alone", resp.Request.URL.Path, enc)
		p.record(OutcomeSkipped)
		return nil
	}
	price, ok := p.price(resp.Request.Context())
	if !ok {
		p.record(OutcomeSkipped)
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(data)) > p.maxBody {
		logging.ProxyWarn("%s: body over %d bytes, passing through", resp.Request.URL.Path, p.maxBody)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), resp.Body), resp.Body}
		p.record(OutcomeSkipped)
		return nil
	}
	resp.Body.Close()

	timer := logging.StartTimer(logging.CategoryProxy, "rewrite")
	out, st, err := p.rewriter.Rewrite(bytes.NewReader(data), resp.Request.URL.Hostname(), price)
	timer.StopWithThreshold(250 * time.Millisecond)
	if err != nil {
		logging.ProxyError("%s: %v", resp.Request.URL.Path, err)
		resp.Body = io.NopCloser(bytes.NewReader(data))
		p.record(OutcomeError)
		return nil
	}
	if st.Mutations() == 0 {
		resp.Body = io.NopCloser(bytes.NewReader(data))
		p.record(OutcomeUnchanged)
		return nil
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Del("ETag")
	resp.Header.Set("X-Sats-Converted", strconv.Itoa(st.Converted+st.Structured))
	logging.ProxyDebug("%s: %d amounts converted at %.2f", resp.Request.URL.Path, st.Converted+st.Structured, price)
	p.record(OutcomeRewritten)
	return nil
}

func (p *Proxy) record(outcome string) {
	switch outcome {
	case OutcomeRewritten:
		p.rewritten.Add(1)
	case OutcomeUnchanged:
		p.unchanged.Add(1)
	case OutcomeSkipped:
		p.skipped.Add(1)
	case OutcomeError:
		p.failed.Add(1)
	}
	if p.pages != nil {
		p.pages.PageRewritten(outcome)
	}
}

// PageCounts is the number of HTML pages per outcome.
type PageCounts struct {
	Rewritten int64 `json:"rewritten"`
	Unchanged int64 `json:"unchanged"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// Pages returns the page counters.
func (p *Proxy) Pages() PageCounts {
	return PageCounts{
		Rewritten: p.rewritten.Load(),
		Unchanged: p.unchanged.Load(),
		Skipped:   p.skipped.Load(),
		Errors:    p.failed.Load(),
	}
}
