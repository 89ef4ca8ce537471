// Package metrics 以 Prometheus 指标记录拦截管线的分发结果。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netintercept/internal/intercept"
	"netintercept/pkg/traffic"
)

// Metrics 拦截相关的全部指标，使用独立的注册表
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	usageErrors      *prometheus.CounterVec
	deferrals        *prometheus.CounterVec
	fullscreen       *prometheus.CounterVec
	schemeJobs       *prometheus.CounterVec
	ruleReloads      *prometheus.CounterVec
	sessionsActive   prometheus.Gauge

	registry *prometheus.Registry
}

// New 创建并注册指标
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netintercept_dispatch_total",
				Help: "Total number of dispatched requests by disposition",
			},
			[]string{"disposition", "resource_type", "scope", "bypassed"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netintercept_dispatch_duration_seconds",
				Help:    "Time from dispatch to final disposition in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 3, 5},
			},
			[]string{"deferred"},
		),
		usageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netintercept_usage_errors_total",
				Help: "Total number of interceptor usage errors",
			},
			[]string{"scope"},
		),
		deferrals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netintercept_deferrals_total",
				Help: "Total number of deferred decisions by outcome",
			},
			[]string{"outcome"},
		),
		fullscreen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netintercept_fullscreen_requests_total",
				Help: "Total number of full-screen requests by decision",
			},
			[]string{"toggle_on", "decision"},
		),
		schemeJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netintercept_scheme_jobs_total",
				Help: "Total number of custom scheme jobs by outcome",
			},
			[]string{"scheme", "outcome"},
		),
		ruleReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netintercept_rule_reloads_total",
				Help: "Total number of rule file reload attempts by status",
			},
			[]string{"status"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netintercept_sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.usageErrors,
		m.deferrals,
		m.fullscreen,
		m.schemeJobs,
		m.ruleReloads,
		m.sessionsActive,
	)
	return m
}

var _ intercept.Observer = (*Metrics)(nil)

// Observe 记录一次分发结果
func (m *Metrics) Observe(req traffic.Request, res intercept.Result) {
	scope := "none"
	if res.Intercepted {
		scope = "surface"
		if res.Scope.IsGlobal() {
			scope = "global"
		}
	}
	rt := string(req.ResourceType)
	if rt == "" {
		rt = "unknown"
	}
	m.dispatchTotal.WithLabelValues(string(res.Disposition), rt, scope, boolLabel(res.Bypassed)).Inc()
	m.dispatchDuration.WithLabelValues(boolLabel(res.Deferred)).Observe(res.Duration.Seconds())
	if n := len(res.UsageErrors); n > 0 {
		m.usageErrors.WithLabelValues(scope).Add(float64(n))
	}
	if res.Deferred {
		outcome := "resolved"
		if res.TimedOut {
			outcome = "timed_out"
		}
		m.deferrals.WithLabelValues(outcome).Inc()
	}
}

// RecordFullScreen 记录一次全屏请求的决定
func (m *Metrics) RecordFullScreen(toggleOn, accepted bool) {
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.fullscreen.WithLabelValues(boolLabel(toggleOn), decision).Inc()
}

// RecordSchemeJob 记录一次自定义协议任务的结果
func (m *Metrics) RecordSchemeJob(scheme, outcome string) {
	m.schemeJobs.WithLabelValues(scheme, outcome).Inc()
}

// RecordRuleReload 记录规则文件重载
func (m *Metrics) RecordRuleReload(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ruleReloads.WithLabelValues(status).Inc()
}

// SessionStarted 活动会话数加一
func (m *Metrics) SessionStarted() { m.sessionsActive.Inc() }

// SessionStopped 活动会话数减一
func (m *Metrics) SessionStopped() { m.sessionsActive.Dec() }

// Handler 返回指标的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
