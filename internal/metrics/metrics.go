// Package metrics exposes Prometheus collectors for content resolution,
// upstream fetches, cache lookups and registry changes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repohub"

// Recorder 是解析引擎与 Registry 使用的指标接口。
type Recorder interface {
	ObserveResolve(outcome string, fromIndex bool, elapsed time.Duration)
	ObserveFetch(variant, outcome string, elapsed time.Duration)
	ObserveCacheLookup(result string)
	IncStoreChange(kind string)
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// Noop 丢弃所有指标。
type Noop struct{}

func (Noop) ObserveResolve(string, bool, time.Duration)     {}
func (Noop) ObserveFetch(string, string, time.Duration)     {}
func (Noop) ObserveCacheLookup(string)                      {}
func (Noop) IncStoreChange(string)                          {}
func (Noop) ObserveHTTP(string, string, int, time.Duration) {}

// Prom 使用独立的 prometheus.Registry，避免多个实例重复注册到全局注册表。
type Prom struct {
	registry *prometheus.Registry

	resolves     *prometheus.CounterVec
	resolveTime  *prometheus.HistogramVec
	fetches      *prometheus.CounterVec
	fetchTime    *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	storeChanges *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewProm 构造并注册全部指标，同时附带 Go 运行时与进程指标。
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Content resolutions by outcome and whether the path index answered",
		}, []string{"outcome", "from_index"}),
		resolveTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Content resolution latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Fetches issued to hosted storage or remote upstreams",
		}, []string{"variant", "outcome"}),
		fetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Fetch latency per store variant",
			Buckets:   prometheus.DefBuckets,
		}, []string{"variant"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Content cache lookups by result (hit, negative, miss)",
		}, []string{"result"}),
		storeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_changes_total",
			Help:      "Store registry changes by kind",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.registry.MustRegister(
		p.resolves, p.resolveTime, p.fetches, p.fetchTime,
		p.cacheLookups, p.storeChanges, p.httpRequests, p.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry 返回底层注册表，供测试读取。
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler 返回 /metrics 的 HTTP handler。
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prom) ObserveResolve(outcome string, fromIndex bool, elapsed time.Duration) {
	idx := "false"
	if fromIndex {
		idx = "true"
	}
	p.resolves.WithLabelValues(outcome, idx).Inc()
	p.resolveTime.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (p *Prom) ObserveFetch(variant, outcome string, elapsed time.Duration) {
	p.fetches.WithLabelValues(variant, outcome).Inc()
	p.fetchTime.WithLabelValues(variant).Observe(elapsed.Seconds())
}

func (p *Prom) ObserveCacheLookup(result string) {
	p.cacheLookups.WithLabelValues(result).Inc()
}

func (p *Prom) IncStoreChange(kind string) {
	p.storeChanges.WithLabelValues(kind).Inc()
}

func (p *Prom) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	p.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	p.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
