package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PaperCranium/BrowserSats/internal/cache"
	"github.com/PaperCranium/BrowserSats/internal/config"
	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/oracle"
	"github.com/PaperCranium/BrowserSats/internal/proxy"
	"github.com/PaperCranium/BrowserSats/internal/settings"
	"github.com/PaperCranium/BrowserSats/internal/store"
)

// priceStack is the oracle with its persistence layers.
type priceStack struct {
	oracle *oracle.Oracle
	store  *store.PriceStore
	redis  *cache.RedisCache
}

func (p *priceStack) Close() {
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			logger.Warn("close price store", zap.Error(err))
		}
	}
}

// openPrices wires CoinGecko, the SQLite store and, when configured, Redis.
// A Redis outage is not fatal; the oracle runs without the shared cache.
func openPrices(ctx context.Context, c *config.Config) (*priceStack, error) {
	ps := &priceStack{}
	var caches []oracle.Cache

	st, err := store.Open(c.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open price store: %w", err)
	}
	if c.Store.HistoryLimit > 0 {
		st.SetHistoryLimit(c.Store.HistoryLimit)
	}
	ps.store = st
	caches = append(caches, st)

	if c.Redis.Addr != "" {
		rc, err := cache.Connect(ctx, cache.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
			Expiry:   c.GetRedisExpiry(),
		})
		if err != nil {
			logger.Warn("redis unavailable, continuing without shared cache", zap.String("addr", c.Redis.Addr), zap.Error(err))
		} else {
			ps.redis = rc
			caches = append(caches, rc)
		}
	}

	fetcher := oracle.NewCoinGecko(c.Oracle.BaseURL, c.GetOracleTimeout())
	ps.oracle = oracle.New(fetcher, oracle.Config{
		TTL:             c.GetCacheTTL(),
		RefreshInterval: c.GetRefreshInterval(),
	}, caches...)
	return ps, nil
}

func openSettings(c *config.Config) *settings.Store {
	return settings.Open(c.Settings.Path)
}

func scannerConfig(c *config.Config, rec engine.Recorder) engine.ScannerConfig {
	layout := c.Layout()
	return engine.ScannerConfig{
		Style:       c.Style(),
		Layout:      &layout,
		SkipClasses: c.Engine.SkipClasses,
		Recorder:    rec,
	}
}

func rewriterConfig(c *config.Config, rec engine.Recorder) proxy.RewriterConfig {
	sc := scannerConfig(c, rec)
	exclusions := c.Engine.Exclusions
	if exclusions == nil {
		exclusions = []engine.ExclusionRule{}
	}
	return proxy.RewriterConfig{
		Style:       sc.Style,
		Layout:      sc.Layout,
		SkipClasses: sc.SkipClasses,
		Exclusions:  exclusions,
		Recorder:    rec,
	}
}

// currentPrice returns the override when positive, otherwise asks the oracle.
func currentPrice(ctx context.Context, override float64) (float64, error) {
	if override > 0 {
		return override, nil
	}
	ps, err := openPrices(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer ps.Close()
	price, err := ps.oracle.Rate(ctx)
	if errors.Is(err, oracle.ErrUnavailable) {
		return 0, fmt.Errorf("no bitcoin price available (offline and nothing cached): %w", err)
	}
	return price, err
}

func cmdContext(cmd interface{ Context() context.Context }) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
