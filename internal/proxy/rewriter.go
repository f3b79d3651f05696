// Package proxy serves upstream pages with their fiat amounts rewritten.
package proxy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/PaperCranium/BrowserSats/internal/amount"
	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

// RewriterConfig holds the settings shared by every rewrite.
type RewriterConfig struct {
	Rates       sats.RateTable
	Style       sats.Style
	Layout      *engine.StructuredLayout
	SkipClasses []string
	// Exclusions are matched against the page host.
	Exclusions []engine.ExclusionRule
	Recorder   engine.Recorder
}

// Rewriter converts whole HTML documents at a fixed price.
type Rewriter struct {
	cfg RewriterConfig
}

// NewRewriter creates a rewriter. A nil Exclusions selects the built-in
// rules; an empty non-nil slice disables exclusion.
func NewRewriter(cfg RewriterConfig) *Rewriter {
	if cfg.Exclusions == nil {
		cfg.Exclusions = engine.DefaultExclusionRules()
	}
	return &Rewriter{cfg: cfg}
}

// Rewrite parses body, scans it once at price and renders the result.
func (r *Rewriter) Rewrite(body io.Reader, host string, price float64) ([]byte, engine.ScanStats, error) {
	doc, err := dom.Parse(body)
	if err != nil {
		return nil, engine.ScanStats{}, fmt.Errorf("parse page: %w", err)
	}
	sc := engine.NewScanner(doc, engine.ScannerConfig{
		Converter:   sats.NewConverter(r.cfg.Rates, sats.FixedPrice(price)),
		Style:       r.cfg.Style,
		Exclusion:   engine.PolicyForHost(host, r.cfg.Exclusions),
		Layout:      r.cfg.Layout,
		SkipClasses: r.cfg.SkipClasses,
		Recorder:    r.cfg.Recorder,
	})
	st := sc.Scan(doc.Body())

	var buf bytes.Buffer
	if err := doc.Render(&buf); err != nil {
		return nil, st, fmt.Errorf("render page: %w", err)
	}
	return buf.Bytes(), st, nil
}

// SatsPerDollar returns how many satoshis one US dollar buys at price.
func SatsPerDollar(price float64) (int64, bool) {
	conv := sats.NewConverter(nil, sats.FixedPrice(price))
	return conv.Convert(decimal.NewFromInt(1), amount.USD)
}
