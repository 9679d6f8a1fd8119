// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务指标
	tasksSubmittedTotal *prometheus.CounterVec
	tasksFinishedTotal  *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	queueDepth          *prometheus.GaugeVec

	// 治理指标
	governanceDenials *prometheus.CounterVec
	fallbackSwitches  *prometheus.CounterVec
	providerCost      *prometheus.CounterVec
	providerTokens    *prometheus.CounterVec

	// 集群指标
	nodesOnline      prometheus.Gauge
	watchdogReclaims *prometheus.CounterVec
	otaApplies       *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.tasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted tasks",
		},
		[]string{"capability", "priority"},
	)

	c.tasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal status",
		},
		[]string{"capability", "status", "error_code"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task submission to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"capability", "status"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks currently waiting in each priority queue",
		},
		[]string{"priority"},
	)

	// 治理指标
	c.governanceDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_denials_total",
			Help:      "Outbound calls denied by the governance engine",
		},
		[]string{"provider", "reason"},
	)

	c.fallbackSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_switches_total",
			Help:      "Provider fallback switches by trigger",
		},
		[]string{"capability", "trigger"},
	)

	c.providerCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_total",
			Help:      "Accumulated provider spend in USD",
		},
		[]string{"provider"},
	)

	c.providerTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Accumulated provider token usage",
		},
		[]string{"provider"},
	)

	// 集群指标
	c.nodesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_online",
			Help:      "Number of worker nodes currently online",
		},
	)

	c.watchdogReclaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_reclaims_total",
			Help:      "Zombie tasks reclaimed by the watchdog",
		},
		[]string{"outcome"}, // requeued, failed
	)

	c.otaApplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ota_applies_total",
			Help:      "OTA update applications reported by nodes",
		},
		[]string{"version", "status"}, // status: applied, rejected
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📋 任务指标记录
// =============================================================================

// RecordTaskSubmitted 记录任务提交
func (c *Collector) RecordTaskSubmitted(capability, priority string) {
	c.tasksSubmittedTotal.WithLabelValues(capability, priority).Inc()
}

// RecordTaskFinished 记录任务终态
func (c *Collector) RecordTaskFinished(capability, status, errorCode string, duration time.Duration) {
	c.tasksFinishedTotal.WithLabelValues(capability, status, errorCode).Inc()
	c.taskDuration.WithLabelValues(capability, status).Observe(duration.Seconds())
}

// SetQueueDepth 更新优先级队列深度
func (c *Collector) SetQueueDepth(priority string, depth int) {
	c.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// =============================================================================
// 🛡️ 治理指标记录
// =============================================================================

// RecordGovernanceDenial 记录治理拒绝
func (c *Collector) RecordGovernanceDenial(provider, reason string) {
	c.governanceDenials.WithLabelValues(provider, reason).Inc()
}

// RecordFallbackSwitch 记录降级切换
func (c *Collector) RecordFallbackSwitch(capability, trigger string) {
	c.fallbackSwitches.WithLabelValues(capability, trigger).Inc()
}

// RecordProviderUsage 记录供应商成本与 Token 用量
func (c *Collector) RecordProviderUsage(provider string, cost float64, tokens int) {
	c.providerCost.WithLabelValues(provider).Add(cost)
	c.providerTokens.WithLabelValues(provider).Add(float64(tokens))
}

// =============================================================================
// 🌐 集群指标记录
// =============================================================================

// SetNodesOnline 更新在线节点数
func (c *Collector) SetNodesOnline(count int) {
	c.nodesOnline.Set(float64(count))
}

// RecordWatchdogReclaim 记录看门狗回收
func (c *Collector) RecordWatchdogReclaim(outcome string) {
	c.watchdogReclaims.WithLabelValues(outcome).Inc()
}

// RecordOTAApply 记录 OTA 应用回执
func (c *Collector) RecordOTAApply(version string, applied bool) {
	status := "applied"
	if !applied {
		status = "rejected"
	}
	c.otaApplies.WithLabelValues(version, status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
