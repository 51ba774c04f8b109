// Package metrics exposes Prometheus metrics for the local backend.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziadkadry99/nabokov/internal/storage"
)

const namespace = "nabokov"

// UsageSource reports the bytes an area holds.
type UsageSource interface {
	Area() storage.Area
	Usage(ctx context.Context) (storage.Usage, error)
}

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	llmCalls     *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	llmFallbacks *prometheus.CounterVec
	llmTokens    *prometheus.CounterVec
	llmCost      *prometheus.CounterVec

	flushes   *prometheus.CounterVec
	flushSize *prometheus.HistogramVec

	wsClients    prometheus.Gauge
	searchCards  prometheus.Gauge
	pipelineRuns *prometheus.CounterVec
}

// New creates a Metrics with Go runtime and process collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		llmFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallbacks_total",
			Help:      "Calls answered by the mock generator instead of a provider",
		}, []string{"reason"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by direction",
		}, []string{"provider", "direction"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Estimated LLM spend in US dollars",
		}, []string{"provider"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_flushes_total",
			Help:      "Debounced write-backs by queue and outcome",
		}, []string{"queue", "outcome"}),
		flushSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coalesced_flush_size",
			Help:      "Entries written per debounced write-back",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}, []string{"queue"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket event clients",
		}),
		searchCards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_indexed_cards",
			Help:      "Cards held by the semantic index",
		}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Generation pipeline runs by kind and outcome",
		}, []string{"pipeline", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.llmCalls,
		m.llmDuration,
		m.llmFallbacks,
		m.llmTokens,
		m.llmCost,
		m.flushes,
		m.flushSize,
		m.wsClients,
		m.searchCards,
		m.pipelineRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveLLMCall implements llm.CallObserver.
func (m *Metrics) ObserveLLMCall(provider, outcome string, d time.Duration) {
	m.llmCalls.WithLabelValues(provider, outcome).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveLLMFallback implements llm.CallObserver.
func (m *Metrics) ObserveLLMFallback(reason string) {
	m.llmFallbacks.WithLabelValues(reason).Inc()
}

// ObserveLLMTokens implements llm.CallObserver.
func (m *Metrics) ObserveLLMTokens(provider string, input, output int, costUSD float64) {
	m.llmTokens.WithLabelValues(provider, "input").Add(float64(input))
	m.llmTokens.WithLabelValues(provider, "output").Add(float64(output))
	if costUSD > 0 {
		m.llmCost.WithLabelValues(provider).Add(costUSD)
	}
}

// FlushHook returns a coalesce flush hook that counts under queue.
func (m *Metrics) FlushHook(queue string) func(size int, err error) {
	return func(size int, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.flushes.WithLabelValues(queue, outcome).Inc()
		m.flushSize.WithLabelValues(queue).Observe(float64(size))
	}
}

// CanvasFlushHook adapts FlushHook to the synchronizer's named queues.
func (m *Metrics) CanvasFlushHook(queue string, size int, err error) {
	m.FlushHook("canvas_"+queue)(size, err)
}

// SetWebsocketClients records the connected client count.
func (m *Metrics) SetWebsocketClients(n int) { m.wsClients.Set(float64(n)) }

// SetIndexedCards records the semantic index size.
func (m *Metrics) SetIndexedCards(n int) { m.searchCards.Set(float64(n)) }

// ObservePipeline counts one pipeline run.
func (m *Metrics) ObservePipeline(pipeline string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.pipelineRuns.WithLabelValues(pipeline, outcome).Inc()
}

// WatchStorage exports the bytes held by src, read on every scrape.
func (m *Metrics) WatchStorage(src UsageSource) {
	labels := prometheus.Labels{"area": string(src.Area())}
	usage := func() storage.Usage {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		u, _ := src.Usage(ctx)
		return u
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_bytes_in_use",
			Help:        "Bytes held by a storage area",
			ConstLabels: labels,
		}, func() float64 { return float64(usage().BytesInUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_quota_bytes",
			Help:        "Quota of a storage area, 0 when unlimited",
			ConstLabels: labels,
		}, func() float64 { return float64(usage().Quota) }),
	)
}
