// Package metrics exposes engine, proxy and bus counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PaperCranium/BrowserSats/internal/amount"
	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

// Namespace prefixes every metric.
const Namespace = "sats"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	conversions    *prometheus.CounterVec
	parseFailures  *prometheus.CounterVec
	scans          prometheus.Counter
	scanMutations  prometheus.Counter
	scanLatency    prometheus.Histogram
	referencePrice prometheus.Gauge

	pagesRewritten *prometheus.CounterVec
	busClients     prometheus.Gauge
	busMessages    *prometheus.CounterVec
}

// New creates a registry with all collectors plus the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "conversions_total",
			Help:      "Amounts replaced by an annotation, by currency and display unit",
		}, []string{"currency", "unit"}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "parse_failures_total",
			Help:      "Candidate amounts left untouched because the number did not parse",
		}, []string{"currency"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scans_total",
			Help:      "Completed tree scans",
		}),
		scanMutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scan_mutations_total",
			Help:      "Tree mutations performed by scans",
		}),
		scanLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "scan_duration_seconds",
			Help:      "Tree scan duration",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		referencePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "reference_price_usd",
			Help:      "Current bitcoin reference price",
		}),
		pagesRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proxy_pages_total",
			Help:      "HTML responses handled by the proxy, by outcome",
		}, []string{"outcome"}),
		busClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "bus_clients",
			Help:      "Connected websocket clients",
		}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bus_messages_total",
			Help:      "Bus messages by action",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.conversions,
		m.parseFailures,
		m.scans,
		m.scanMutations,
		m.scanLatency,
		m.referencePrice,
		m.pagesRewritten,
		m.busClients,
		m.busMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Recorder adapts m to engine.Recorder.
func (m *Metrics) Recorder() engine.Recorder {
	return recorder{m}
}

// PageRewritten counts a proxied page by outcome ("rewritten", "unchanged",
// "skipped", "error").
func (m *Metrics) PageRewritten(outcome string) {
	if m == nil {
		return
	}
	m.pagesRewritten.WithLabelValues(outcome).Inc()
}

// ClientsConnected sets the websocket client gauge.
func (m *Metrics) ClientsConnected(n int) {
	if m == nil {
		return
	}
	m.busClients.Set(float64(n))
}

// Message counts a bus message.
func (m *Metrics) Message(action string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(action).Inc()
}

// PriceUpdated sets the reference price gauge.
func (m *Metrics) PriceUpdated(price float64) {
	if m == nil {
		return
	}
	m.referencePrice.Set(price)
}

type recorder struct{ m *Metrics }

func (r recorder) AmountConverted(code amount.Code, unit sats.Unit) {
	if r.m == nil {
		return
	}
	r.m.conversions.WithLabelValues(string(code), unit.String()).Inc()
}

func (r recorder) ParseFailed(code amount.Code) {
	if r.m == nil {
		return
	}
	r.m.parseFailures.WithLabelValues(string(code)).Inc()
}

func (r recorder) ScanCompleted(st engine.ScanStats, elapsed time.Duration) {
	if r.m == nil {
		return
	}
	r.m.scans.Inc()
	r.m.scanMutations.Add(float64(st.Mutations()))
	r.m.scanLatency.Observe(elapsed.Seconds())
}

func (r recorder) PriceUpdated(price float64) {
	r.m.PriceUpdated(price)
}
