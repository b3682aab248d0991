// Package metrics exports scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheerbytes/assetflux/internal/cache"
	"github.com/sheerbytes/assetflux/internal/scheduler"
)

const namespace = "assetflux"

// Collector is a scheduler.Observer that records attempts, plus per-load
// results via ObserveResult.
type Collector struct {
	registry *prometheus.Registry

	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	inFlight  prometheus.Gauge
	bytes     prometheus.Counter
	latency   prometheus.Histogram
	results   *prometheus.CounterVec
	cacheHits prometheus.Counter
	batchSize prometheus.Gauge
	maxConc   prometheus.Gauge
}

// NewCollector registers every metric on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_started_total",
			Help:      "Fetch attempts that occupied a pool slot.",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Fetch attempts that released a pool slot, by outcome.",
		}, []string{"kind", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Occupied pool slots.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes returned by successful fetches.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of individual fetch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_total",
			Help:      "Terminal resource results by status.",
		}, []string{"policy", "status"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Resources served from the cache without a fetch.",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Batch size used by the most recent load.",
		}),
		maxConc: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_observed_concurrency",
			Help:      "Peak occupied slots during the most recent load.",
		}),
	}
	c.registry.MustRegister(c.started, c.completed, c.inFlight, c.bytes, c.latency, c.results, c.cacheHits, c.batchSize, c.maxConc)
	return c
}

// WatchCache exports the cache footprint and entry count.
func (c *Collector) WatchCache(rc *cache.Cache) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_footprint_bytes",
			Help:      "Accounted bytes of live cache entries.",
		}, func() float64 { return float64(rc.Footprint()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Live cache entries.",
		}, func() float64 { return float64(rc.Len()) }),
	)
}

func (c *Collector) OnResourceRequestStart(e scheduler.Event) {
	c.started.WithLabelValues(string(e.Resource.Kind)).Inc()
	c.inFlight.Inc()
}

func (c *Collector) OnResourceRequestComplete(e scheduler.Event) {
	c.inFlight.Dec()
	c.latency.Observe(e.Duration.Seconds())
	outcome := string(e.Status)
	if e.WillRetry {
		outcome = "retrying"
	}
	c.completed.WithLabelValues(string(e.Resource.Kind), outcome).Inc()
	if e.Status == scheduler.StatusSucceeded {
		c.bytes.Add(float64(e.Bytes))
	}
}

// ObserveResult records the terminal statuses of a finished load.
func (c *Collector) ObserveResult(r *scheduler.BatchResult) {
	for _, res := range r.Results {
		c.results.WithLabelValues(string(r.Policy), string(res.Status)).Inc()
		if res.CacheHit {
			c.cacheHits.Inc()
		}
	}
	c.batchSize.Set(float64(r.BatchSize))
	c.maxConc.Set(float64(r.MaxObservedConcurrency))
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
