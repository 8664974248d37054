package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总动态流引擎的监控指标。
// 约定：所有方法对 nil 接收者安全，组件可以不注入 Metrics。
type Metrics struct {
	registry *prometheus.Registry

	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheInvalidations prometheus.Counter
	fetches            *prometheus.CounterVec
	detectorOutcomes   *prometheus.CounterVec
	announcements      *prometheus.CounterVec
	staleResponses     prometheus.Counter
	surfaces           prometheus.Gauge
}

// New 创建并注册全部指标（使用独立 Registry，避免测试间互相污染）。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "cache", Name: "hits_total",
			Help: "Group cache reads served from a fresh entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "cache", Name: "misses_total",
			Help: "Group cache reads that were absent or expired.",
		}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "cache", Name: "invalidations_total",
			Help: "Explicit group cache invalidations.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "fetcher", Name: "calls_total",
			Help: "Remote feed source calls by operation and result.",
		}, []string{"op", "result"}),
		detectorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "detector", Name: "checks_total",
			Help: "New-activity detector ticks by outcome.",
		}, []string{"outcome"}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "broadcast", Name: "announcements_total",
			Help: "Change announcements by kind.",
		}, []string{"kind"}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "session", Name: "stale_responses_total",
			Help: "Superseded fetch responses discarded by the generation check.",
		}),
		surfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feed", Name: "mounted_surfaces",
			Help: "Currently mounted view surfaces.",
		}),
	}
	m.registry.MustRegister(
		m.cacheHits, m.cacheMisses, m.cacheInvalidations,
		m.fetches, m.detectorOutcomes, m.announcements,
		m.staleResponses, m.surfaces,
	)
	return m
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheInvalidated() {
	if m != nil {
		m.cacheInvalidations.Inc()
	}
}

// Fetch 记录一次远端调用，err 为 nil 记为 ok。
func (m *Metrics) Fetch(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(op, result).Inc()
}

func (m *Metrics) DetectorOutcome(outcome string) {
	if m != nil {
		m.detectorOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Announced(kind string) {
	if m != nil {
		m.announcements.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StaleResponse() {
	if m != nil {
		m.staleResponses.Inc()
	}
}

func (m *Metrics) SurfaceMounted() {
	if m != nil {
		m.surfaces.Inc()
	}
}

func (m *Metrics) SurfaceUnmounted() {
	if m != nil {
		m.surfaces.Dec()
	}
}
