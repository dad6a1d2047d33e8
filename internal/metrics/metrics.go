package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qwen_bridge"

// Exchange outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Continuity lookup results.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupNoPrior  = "no_assistant"
	LookupError    = "error"
	LookupDegraded = "degraded"
)

// Collector owns a private registry so several bridges (and tests) can coexist
// in one process. All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	firstChunk       prometheus.Histogram
	lookups          *prometheus.CounterVec
	persistFailures  prometheus.Counter
	malformedEvents  prometheus.Counter
	uploads          *prometheus.CounterVec
	uploadFallbacks  prometheus.Counter
	uploadBytes      prometheus.Counter
	rateLimited      *prometheus.CounterVec
	startTime        time.Time
}

// NewCollector registers every bridge metric plus the Go and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, startTime: time.Now()}

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"method", "route", "status"})
	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
	c.exchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchanges_total",
		Help:      "Chat exchanges by mode and outcome.",
	}, []string{"mode", "outcome"})
	c.exchangeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exchange_duration_seconds",
		Help:      "Wall time of one chat exchange.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"mode"})
	c.firstChunk = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "first_chunk_seconds",
		Help:      "Time until the first answer chunk was emitted.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	c.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "continuity_lookups_total",
		Help:      "Continuity matcher lookups by result.",
	}, []string{"result"})
	c.persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Session store writes that failed.",
	})
	c.malformedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_events_total",
		Help:      "Upstream stream events skipped because they could not be parsed.",
	})
	c.uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Upload attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})
	c.uploadFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_fallbacks_total",
		Help:      "Uploads that switched to the alternate strategy.",
	})
	c.uploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_bytes_total",
		Help:      "Bytes successfully uploaded to object storage.",
	})
	c.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limit.",
	}, []string{"route"})
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the bridge started.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	reg.MustRegister(
		c.httpRequests, c.httpDuration,
		c.exchanges, c.exchangeDuration, c.firstChunk,
		c.lookups, c.persistFailures, c.malformedEvents,
		c.uploads, c.uploadFallbacks, c.uploadBytes,
		c.rateLimited, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordExchange records a finished exchange. mode is "stream" or "aggregate".
func (c *Collector) RecordExchange(mode, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.exchanges.WithLabelValues(mode, outcome).Inc()
	c.exchangeDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordFirstChunk records time to the first emitted answer chunk.
func (c *Collector) RecordFirstChunk(d time.Duration) {
	if c == nil {
		return
	}
	c.firstChunk.Observe(d.Seconds())
}

// RecordLookup records one continuity lookup result.
func (c *Collector) RecordLookup(result string) {
	if c == nil {
		return
	}
	c.lookups.WithLabelValues(result).Inc()
}

// RecordPersistFailure counts a failed session write.
func (c *Collector) RecordPersistFailure() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

// RecordMalformedEvent counts a skipped upstream event.
func (c *Collector) RecordMalformedEvent() {
	if c == nil {
		return
	}
	c.malformedEvents.Inc()
}

// RecordRateLimited counts a throttled request.
func (c *Collector) RecordRateLimited(route string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordUpload records one strategy attempt.
func (c *Collector) RecordUpload(strategy string, err error, size int) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	} else {
		c.uploadBytes.Add(float64(size))
	}
	c.uploads.WithLabelValues(strategy, outcome).Inc()
}

// RecordUploadFallback counts a switch to the alternate strategy.
func (c *Collector) RecordUploadFallback() {
	if c == nil {
		return
	}
	c.uploadFallbacks.Inc()
}
