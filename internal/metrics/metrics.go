// Package metrics exposes Prometheus counters for the study lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the lifecycle manager and HTTP layer report to.
type Recorder interface {
	RecordTransition(from, to string)
	RecordAnalysis(studyType, outcome string, elapsed time.Duration)
	RecordChat(outcome string, elapsed time.Duration)
	RecordEventPublish(eventType string, err error)
	RecordHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// Collector implements Recorder on Prometheus metrics.
type Collector struct {
	transitions     *prometheus.CounterVec
	analyses        *prometheus.CounterVec
	analysisLatency *prometheus.HistogramVec
	chats           *prometheus.CounterVec
	chatLatency     prometheus.Histogram
	eventPublish    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewCollector registers the metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinalab_study_transitions_total",
			Help: "Committed study status transitions.",
		}, []string{"from", "to"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinalab_analysis_total",
			Help: "Finished analysis attempts by outcome (completed, failed, timeout).",
		}, []string{"study_type", "outcome"}),
		analysisLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retinalab_analysis_duration_seconds",
			Help:    "Analysis collaborator latency.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"study_type"}),
		chats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinalab_chat_total",
			Help: "Chat exchanges by outcome (answered, failed).",
		}, []string{"outcome"}),
		chatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retinalab_chat_duration_seconds",
			Help:    "Chat collaborator latency.",
			Buckets: prometheus.DefBuckets,
		}),
		eventPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinalab_event_publish_total",
			Help: "Lifecycle event publish attempts.",
		}, []string{"type", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retinalab_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retinalab_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.transitions,
		c.analyses,
		c.analysisLatency,
		c.chats,
		c.chatLatency,
		c.eventPublish,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordAnalysis(studyType, outcome string, elapsed time.Duration) {
	c.analyses.WithLabelValues(studyType, outcome).Inc()
	c.analysisLatency.WithLabelValues(studyType).Observe(elapsed.Seconds())
}

func (c *Collector) RecordChat(outcome string, elapsed time.Duration) {
	c.chats.WithLabelValues(outcome).Inc()
	c.chatLatency.Observe(elapsed.Seconds())
}

func (c *Collector) RecordEventPublish(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.eventPublish.WithLabelValues(eventType, result).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTransition(string, string) {}
func (Nop) RecordAnalysis(string, string, time.Duration) {}
func (Nop) RecordChat(string, time.Duration) {}
func (Nop) RecordEventPublish(string, error) {}
func (Nop) RecordHTTPRequest(string, string, int, time.Duration) {}
