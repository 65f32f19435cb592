// Package metrics exposes Prometheus counters for the payment core over a
// private registry, plus an HTTP server for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	transfersSubmitted *prometheus.CounterVec
	transferDuration   prometheus.Histogram
	idempotencyReplays prometheus.Counter
	inboundPayments    prometheus.Counter
	monitorReconnects  prometheus.Counter
	staleReads         prometheus.Counter
	sweptRecords       prometheus.Counter
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		transfersSubmitted: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "transfers_submitted_total",
			Help: "Outbound transfers by final status",
		}, []string{"status"}),
		transferDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "transfer_duration_seconds",
			Help:    "End-to-end transfer pipeline duration",
			Buckets: prometheus.DefBuckets,
		}),
		idempotencyReplays: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Requests answered from an existing idempotency record",
		}),
		inboundPayments: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "inbound_payments_total",
			Help: "Successful inbound payments processed by the monitor",
		}),
		monitorReconnects: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "monitor_reconnects_total",
			Help: "Subscription reconnect attempts",
		}),
		staleReads: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "external_stale_reads_total",
			Help: "External reads answered from stale cache",
		}),
		sweptRecords: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "idempotency_swept_total",
			Help: "Expired idempotency records removed by the sweeper",
		}),
	}
}

func (c *Collector) ObserveTransfer(status string, duration time.Duration) {
	c.transfersSubmitted.WithLabelValues(status).Inc()
	c.transferDuration.Observe(duration.Seconds())
}

func (c *Collector) IdempotencyReplay() { c.idempotencyReplays.Inc() }
func (c *Collector) InboundPayment()    { c.inboundPayments.Inc() }
func (c *Collector) MonitorReconnect()  { c.monitorReconnects.Inc() }
func (c *Collector) StaleRead()         { c.staleReads.Inc() }

func (c *Collector) Swept(n int64) {
	if n > 0 {
		c.sweptRecords.Add(float64(n))
	}
}

// Handler returns the scrape handler for the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server builds an HTTP server serving /metrics on addr. The caller owns
// its lifecycle.
func (c *Collector) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
