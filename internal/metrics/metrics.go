// Package metrics collects request, delivery, origin and cache counters in a
// dedicated Prometheus registry, plus DDSketch latency quantiles for the
// /-/stats diagnostics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asset-hub/asset-hub/internal/cache"
)

const namespace = "asset_hub"

// Delivery sources.
const (
	SourceCache  = "cache"
	SourceOrigin = "origin"
	SourceJoined = "joined"
)

// Metrics 聚合所有 Prometheus 指标，每个进程创建一份。
type Metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deliveries         *prometheus.CounterVec
	deliveredBytes     *prometheus.CounterVec
	originFetch        *prometheus.HistogramVec
	cacheWriteFailures *prometheus.CounterVec
	sinkAborts         *prometheus.CounterVec
	evictions          *prometheus.CounterVec

	latency *LatencyTracker
}

// New 创建独立 registry 并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests handled, by hub, endpoint and status code.",
		}, []string{"hub", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"hub", "endpoint"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_deliveries_total",
			Help:      "Completed asset deliveries, by source (cache, origin, joined).",
		}, []string{"hub", "source"}),
		deliveredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_bytes_total",
			Help:      "Asset bytes written to clients, by source.",
		}, []string{"hub", "source"}),
		originFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_fetch_duration_seconds",
			Help:      "Duration of origin calls in seconds, by operation and result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"hub", "op", "result"}),
		cacheWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Cache writes that failed while the client delivery continued.",
		}, []string{"hub"}),
		sinkAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_aborts_total",
			Help:      "Deliveries aborted because the client went away.",
		}, []string{"hub"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries evicted, by reason.",
		}, []string{"reason"}),
		latency: NewLatencyTracker(0.01),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.deliveries,
		m.deliveredBytes,
		m.originFetch,
		m.cacheWriteFailures,
		m.sinkAborts,
		m.evictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回内部 registry，测试中用于采集断言。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /-/metrics 使用的 Prometheus 文本格式处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Latency 返回 DDSketch 延迟统计。
func (m *Metrics) Latency() *LatencyTracker {
	return m.latency
}

// RegisterCache 以 GaugeFunc 的形式暴露缓存容量指标。
func (m *Metrics) RegisterCache(c interface{ Stats() cache.Stats }) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently indexed by the disk cache.",
		}, func() float64 { return float64(c.Stats().Entries) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes currently held by the disk cache.",
		}, func() float64 { return float64(c.Stats().TotalBytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_max_bytes",
			Help:      "Configured disk cache capacity in bytes.",
		}, func() float64 { return float64(c.Stats().MaxBytes) }),
	)
}

// ObserveRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveRequest(hub, endpoint string, status int, duration time.Duration) {
	m.requests.WithLabelValues(hub, endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(hub, endpoint).Observe(duration.Seconds())
	m.latency.Record("request:"+endpoint, duration)
}

// ObserveDelivery 记录一次成功交付的资产。
func (m *Metrics) ObserveDelivery(hub string, cacheHit, joined bool, bytes int64) {
	source := SourceOrigin
	switch {
	case joined:
		source = SourceJoined
	case cacheHit:
		source = SourceCache
	}
	m.deliveries.WithLabelValues(hub, source).Inc()
	m.deliveredBytes.WithLabelValues(hub, source).Add(float64(bytes))
}

// ObserveOriginFetch 记录一次源站调用（list/stream）。
func (m *Metrics) ObserveOriginFetch(hub, op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.originFetch.WithLabelValues(hub, op, result).Observe(duration.Seconds())
	m.latency.Record("origin:"+op, duration)
}

// ObserveCacheWriteFailure 记录缓存写入失败。
func (m *Metrics) ObserveCacheWriteFailure(hub string) {
	m.cacheWriteFailures.WithLabelValues(hub).Inc()
}

// ObserveSinkAbort 记录客户端提前断开。
func (m *Metrics) ObserveSinkAbort(hub string) {
	m.sinkAborts.WithLabelValues(hub).Inc()
}

// ObserveEviction 作为 cache.Options.OnEvict 的回调。
func (m *Metrics) ObserveEviction(_ cache.Entry, reason cache.EvictReason) {
	m.evictions.WithLabelValues(string(reason)).Inc()
}
