package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionsTotal 已结束的响应会话, 按最终处置分类
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usbsentry",
			Name:      "sessions_total",
			Help:      "Total number of closed response sessions by disposition",
		},
		[]string{"disposition"},
	)

	// ActiveSessions 当前活跃会话
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "usbsentry",
			Name:      "active_sessions",
			Help:      "Number of response sessions currently open",
		},
	)

	// BlockingApplied 阻断成功次数, 按层级
	BlockingApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usbsentry",
			Name:      "blocking_applied_total",
			Help:      "Total number of successful blocking actions per enforcement layer",
		},
		[]string{"layer"},
	)

	// SystemBlockFailures 系统级阻断降级次数
	SystemBlockFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usbsentry",
			Name:      "system_block_failures_total",
			Help:      "Total number of degraded system-level blocking attempts",
		},
		[]string{"reason"},
	)

	// FindingsTotal 检出项, 按等级
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usbsentry",
			Name:      "findings_total",
			Help:      "Total number of findings reported by completed scans",
		},
		[]string{"severity"},
	)

	// BytesScanned 扫描的总字节数
	BytesScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usbsentry",
			Name:      "scanned_bytes_total",
			Help:      "Total number of bytes read by the removable media scanner",
		},
	)

	once sync.Once
)

// InitMetrics 注册到默认 Registry, 可重复调用
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(SessionsTotal)
		prometheus.DefaultRegisterer.Register(ActiveSessions)
		prometheus.DefaultRegisterer.Register(BlockingApplied)
		prometheus.DefaultRegisterer.Register(SystemBlockFailures)
		prometheus.DefaultRegisterer.Register(FindingsTotal)
		prometheus.DefaultRegisterer.Register(BytesScanned)
	})
}
