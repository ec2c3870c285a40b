package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。nil *Monitor 上的调用均为空操作。
type Monitor struct {
	registry *prometheus.Registry

	// 指令
	commands       *prometheus.CounterVec // op, result
	gatewayLatency *prometheus.HistogramVec
	gatewayErrors  *prometheus.CounterVec

	// 成交
	fills      *prometheus.CounterVec // result
	fillVolume prometheus.Counter
	unmatched  prometheus.Gauge

	// 对账
	reconciles      *prometheus.CounterVec // mode
	reconcileTiming prometheus.Histogram
	refreshes       *prometheus.CounterVec // reason
	resyncs         *prometheus.CounterVec // result
	divergences     prometheus.Counter

	// 状态
	liveOrders  prometheus.Gauge
	position    prometheus.Gauge
	avgPrice    prometheus.Gauge
	realizedPnL prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mm",
		Subsystem: "core",
	}
}

// New 创建新的Monitor实例，使用独立 registry
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Monitor{
		registry: reg,

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "commands_total",
			Help: "下单/撤单指令结果计数",
		}, []string{"op", "result"}),
		gatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "gateway_latency_seconds",
			Help:    "网关调用耗时分布（秒）",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
		gatewayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "gateway_errors_total",
			Help: "网关调用失败次数",
		}, []string{"op"}),

		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "fills_total",
			Help: "成交推送处理结果计数",
		}, []string{"result"}),
		fillVolume: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "fill_volume_total",
			Help: "累计生效成交量",
		}),
		unmatched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "unmatched_fills",
			Help: "等待匹配订单的成交数",
		}),

		reconciles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "reconcile_cycles_total",
			Help: "对账轮次",
		}, []string{"mode"}),
		reconcileTiming: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "reconcile_duration_seconds",
			Help:    "单轮对账耗时（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "refresh_total",
			Help: "按触发原因统计的刷新次数",
		}, []string{"reason"}),
		resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "resync_total",
			Help: "与交易所挂单同步次数",
		}, []string{"result"}),
		divergences: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "state_divergences_total",
			Help: "被交易所状态覆盖的本地订单数",
		}),

		liveOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "live_orders",
			Help: "未终结订单数",
		}),
		position: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "position",
			Help: "当前净仓位",
		}),
		avgPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "avg_entry_price",
			Help: "持仓均价",
		}),
		realizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "realized_pnl",
			Help: "已实现盈亏",
		}),
	}
}

// ObserveGatewayCall 记录一次网关调用
func (m *Monitor) ObserveGatewayCall(op string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(op).Observe(latency.Seconds())
	if err != nil {
		m.gatewayErrors.WithLabelValues(op).Inc()
	}
}

// RecordCommand result 取值 ok/rejected/timeout/ambiguous/failed/not_sent
func (m *Monitor) RecordCommand(op, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op, result).Inc()
}

// RecordFill result 取值 applied/duplicate/queued/unmatched/invalid
func (m *Monitor) RecordFill(result string, size float64) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(result).Inc()
	if result == "applied" {
		m.fillVolume.Add(size)
	}
}

func (m *Monitor) SetUnmatchedFills(n int) {
	if m == nil {
		return
	}
	m.unmatched.Set(float64(n))
}

func (m *Monitor) RecordReconcile(full bool, d time.Duration) {
	if m == nil {
		return
	}
	mode := "individual"
	if full {
		mode = "full"
	}
	m.reconciles.WithLabelValues(mode).Inc()
	m.reconcileTiming.Observe(d.Seconds())
}

func (m *Monitor) RecordRefresh(reason string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordResync(err error, divergences int) {
	if m == nil {
		return
	}
	if err != nil {
		m.resyncs.WithLabelValues("error").Inc()
		return
	}
	m.resyncs.WithLabelValues("ok").Inc()
	m.divergences.Add(float64(divergences))
}

func (m *Monitor) SetLiveOrders(n int) {
	if m == nil {
		return
	}
	m.liveOrders.Set(float64(n))
}

// SetInventory 更新仓位相关指标
func (m *Monitor) SetInventory(net, avgPrice, realized float64) {
	if m == nil {
		return
	}
	m.position.Set(net)
	m.avgPrice.Set(avgPrice)
	m.realizedPnL.Set(realized)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
