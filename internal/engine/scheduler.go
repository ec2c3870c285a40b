package engine

import (
	"math"
	"sync"
	"time"

	"market-maker-core/internal/store"
)

// 刷新原因
const (
	ReasonInitial  = "initial"
	ReasonForce    = "force"
	ReasonInterval = "interval"
	ReasonDrift    = "drift"
	ReasonSkew     = "skew"
)

// Decision 调度结果。Full 为真时撤掉全部挂单后重新下单。
type Decision struct {
	Refresh bool
	Full    bool
	Reason  string
}

// Scheduler 决定本 tick 是否重新报价。实现不得修改任何状态。
type Scheduler interface {
	ShouldRefresh(now time.Time, mid float64, snap store.Snapshot) Decision
}

// SchedulerConfig 默认调度策略参数
type SchedulerConfig struct {
	RefreshInterval     time.Duration
	PriceDriftTolerance float64 // 相对上次报价价格的漂移比例
	FullRefreshDrift    float64 // 漂移超过该比例时整体重挂，0 表示关闭
	InventorySkewBound  float64
	TargetPosition      float64
}

// DefaultScheduler 满足任一条件即刷新：强制刷新、首次、间隔到期、价格漂移、库存偏离。
type DefaultScheduler struct {
	mu  sync.RWMutex
	cfg SchedulerConfig
}

func NewDefaultScheduler(cfg SchedulerConfig) *DefaultScheduler {
	return &DefaultScheduler{cfg: cfg}
}

// Update 热更新参数
func (s *DefaultScheduler) Update(cfg SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *DefaultScheduler) Config() SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *DefaultScheduler) ShouldRefresh(now time.Time, mid float64, snap store.Snapshot) Decision {
	cfg := s.Config()

	if snap.LastRefresh.IsZero() || snap.LastPlanPrice <= 0 {
		return Decision{Refresh: true, Reason: ReasonInitial}
	}

	drift := 0.0
	if mid > 0 {
		drift = math.Abs(mid-snap.LastPlanPrice) / snap.LastPlanPrice
	}
	if cfg.FullRefreshDrift > 0 && drift >= cfg.FullRefreshDrift {
		return Decision{Refresh: true, Full: true, Reason: ReasonDrift}
	}
	if snap.ForceRefresh {
		return Decision{Refresh: true, Reason: ReasonForce}
	}
	if cfg.RefreshInterval > 0 && now.Sub(snap.LastRefresh) >= cfg.RefreshInterval {
		return Decision{Refresh: true, Reason: ReasonInterval}
	}
	if drift > cfg.PriceDriftTolerance {
		return Decision{Refresh: true, Reason: ReasonDrift}
	}
	if math.Abs(snap.Inventory.Skew(cfg.TargetPosition)) > cfg.InventorySkewBound {
		return Decision{Refresh: true, Reason: ReasonSkew}
	}
	return Decision{}
}
