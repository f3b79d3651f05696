package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// ControlPrefix is where the proxy's own endpoints live, out of the way of
// upstream paths.
const ControlPrefix = "/_sats/"

// Status is served at /_sats/status.
type Status struct {
	Enabled       bool       `json:"enabled"`
	Price         *float64   `json:"price"`
	SatsPerDollar *int64     `json:"satsPerDollar,omitempty"`
	Pages         PageCounts `json:"pages"`
	Clients       int        `json:"clients"`
	Upstream      string     `json:"upstream"`
}

// HandlerOptions attach the control endpoints.
type HandlerOptions struct {
	// Hub serves /_sats/ws when set.
	Hub http.Handler
	// Metrics serves /_sats/metrics when set.
	Metrics http.Handler
	// Clients reports connected websocket clients for the status page.
	Clients func() int
}

// Handler returns the proxy plus its control endpoints.
func (p *Proxy) Handler(opts HandlerOptions) http.Handler {
	mux := http.NewServeMux()
	if opts.Hub != nil {
		mux.Handle(ControlPrefix+"ws", opts.Hub)
	}
	if opts.Metrics != nil {
		mux.Handle(ControlPrefix+"metrics", opts.Metrics)
	}
	mux.HandleFunc(ControlPrefix+"status", func(w http.ResponseWriter, r *http.Request) {
		st := p.Status(r.Context())
		if opts.Clients != nil {
			st.Clients = opts.Clients()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			logging.ProxyWarn("encode status: %v", err)
		}
	})
	mux.Handle("/", p)
	return mux
}

// Status reports the proxy state. It asks the price source, which may fetch.
func (p *Proxy) Status(ctx context.Context) Status {
	st := Status{
		Enabled:  p.Enabled(),
		Pages:    p.Pages(),
		Upstream: p.upstream.String(),
	}
	if price, ok := p.price(ctx); ok {
		st.Price = &price
		if n, ok := SatsPerDollar(price); ok {
			st.SatsPerDollar = &n
		}
	}
	return st
}

// Serve runs an HTTP server for h on addr until ctx is done, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, h)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Proxy("listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		logging.Proxy("server stopped")
		return nil
	}
}
