package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PaperCranium/BrowserSats/internal/bus"
	"github.com/PaperCranium/BrowserSats/internal/metrics"
	"github.com/PaperCranium/BrowserSats/internal/proxy"
)

var (
	serveUpstream string
	serveListen   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rewriting reverse proxy",
	Long: `Proxies an upstream site and rewrites the amounts in every HTML page it
returns. Control endpoints live under /_sats/:

  /_sats/ws       websocket bus (getBitcoinPrice, refreshPrice, updatePrice, toggleEnabled)
  /_sats/status   JSON status
  /_sats/metrics  Prometheus metrics

Example:
  sats serve --upstream https://shop.example --listen 127.0.0.1:8484`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "Upstream base URL (overrides proxy.upstream)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides proxy.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveUpstream != "" {
		cfg.Proxy.Upstream = serveUpstream
	}
	if serveListen != "" {
		cfg.Proxy.Listen = serveListen
	}
	if cfg.Proxy.Upstream == "" {
		return errors.New("no upstream: pass --upstream or set proxy.upstream / SATS_UPSTREAM")
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps, err := openPrices(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	m := metrics.New()
	settingsStore := openSettings(cfg)
	enabled, err := settingsStore.Enabled(ctx)
	if err != nil {
		logger.Warn("settings unreadable, assuming enabled", zap.Error(err))
		enabled = true
	}

	b := bus.New(ps.oracle, settingsStore, m)
	b.SeedEnabled(enabled)
	defer ps.oracle.Subscribe(b.PriceUpdated)()
	defer ps.oracle.Subscribe(m.PriceUpdated)()

	p, err := proxy.New(proxy.Config{
		Upstream: cfg.Proxy.Upstream,
		Prices:   ps.oracle,
		Rewriter: proxy.NewRewriter(rewriterConfig(cfg, m.Recorder())),
		MaxBody:  cfg.Proxy.MaxBody,
		Pages:    m,
	})
	if err != nil {
		return err
	}
	p.SetEnabled(enabled)
	defer bus.Bridge(b, p)()

	watcher, err := settingsStore.Watch(ctx, cfg.GetSettingsDebounce(), b.EnabledChanged)
	if err != nil {
		logger.Warn("settings changes will not be picked up", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	hub := bus.NewHub(b, bus.HubConfig{})
	handler := p.Handler(proxy.HandlerOptions{
		Hub:     hub,
		Metrics: m.Handler(),
		Clients: hub.Clients,
	})

	logger.Info("serving",
		zap.String("listen", cfg.Proxy.Listen),
		zap.String("upstream", cfg.Proxy.Upstream),
		zap.Bool("enabled", enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ps.oracle.Start(gctx)
		return ps.oracle.Run(gctx)
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return proxy.Serve(gctx, cfg.Proxy.Listen, handler)
	})
	err = g.Wait()
	logger.Info("stopped")
	return err
}
