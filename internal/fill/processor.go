package fill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-maker-core/infrastructure/alert"
	"market-maker-core/infrastructure/logger"
	"market-maker-core/infrastructure/monitor"
	"market-maker-core/internal/store"
	"market-maker-core/order"
	"market-maker-core/strategy"
)

// Config 成交处理配置
type Config struct {
	// UnmatchedWindow 找不到订单的成交最多等待多久（下单应答可能晚于成交推送）
	UnmatchedWindow time.Duration
	// ForceRefreshMinFill 单笔成交量达到该值即要求立即刷新报价，0 表示只在订单完全成交时刷新
	ForceRefreshMinFill float64
}

type Components struct {
	State    *store.BotState
	Logger   *logger.Logger
	Alerts   alert.Sender
	Monitor  *monitor.Monitor
	Observer strategy.FillObserver
}

type queued struct {
	fill  order.Fill
	since time.Time
}

// Processor 把成交推送落到登记簿和库存上。
// 每个 fillId 只生效一次；同一订单的成交按到达顺序生效。
type Processor struct {
	cfg      Config
	state    *store.BotState
	logger   *logger.Logger
	alerts   alert.Sender
	monitor  *monitor.Monitor
	observer strategy.FillObserver
	now      func() time.Time

	// notifyMu 串行化成交后续处理；在释放 mu 之前取得，回调顺序与生效顺序一致
	notifyMu sync.Mutex

	mu      sync.Mutex
	pending []queued
	queued  map[string]struct{} // 队列中的 fillId
	wake    chan struct{}
}

type applied struct {
	fill order.Fill
	res  store.FillResult
}

func New(cfg Config, comp Components) *Processor {
	lg := comp.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		state:    comp.State,
		logger:   lg.Named("fill"),
		alerts:   comp.Alerts,
		monitor:  comp.Monitor,
		observer: comp.Observer,
		now:      time.Now,
		queued:   make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Wake 有成交生效时收到信号，事件循环据此提前醒来。
func (p *Processor) Wake() <-chan struct{} { return p.wake }

// Pending 等待匹配的成交数。
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run 消费成交源直到 ctx 结束或通道关闭。
func (p *Processor) Run(ctx context.Context, src <-chan order.Fill) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-src:
			if !ok {
				return nil
			}
			p.Submit(f)
		}
	}
}

// Submit 处理一笔成交：能匹配则立即生效，否则排队。
func (p *Processor) Submit(f order.Fill) {
	if err := f.Validate(); err != nil {
		p.logger.Warn("drop invalid fill", zap.String("fill_id", f.FillID), zap.Error(err))
		p.monitor.RecordFill("invalid", f.Size)
		return
	}

	p.mu.Lock()
	var done []applied
	switch {
	case p.isQueuedLocked(f.FillID):
		p.monitor.RecordFill("duplicate", f.Size)
	case p.hasQueuedOrderLocked(f.OrderID):
		// 前面还有同一订单的成交在等，排在后面保证顺序
		p.enqueueLocked(f)
	default:
		if a, ok := p.applyLocked(f); ok {
			done = append(done, a)
		}
	}
	p.unlockAndNotify(done)
}

// Drain 重试队列中的成交，丢弃超过等待窗口的。返回本次生效的数量。
func (p *Processor) Drain() int {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return 0
	}
	now := p.now()
	blocked := make(map[string]bool)
	items := append([]queued(nil), p.pending...)
	p.pending = nil
	var done []applied
	for _, q := range items {
		delete(p.queued, q.fill.FillID)
		if blocked[q.fill.OrderID] {
			p.pending = append(p.pending, q)
			p.queued[q.fill.FillID] = struct{}{}
			continue
		}
		a, ok, unknown := p.tryLocked(q.fill)
		if ok {
			done = append(done, a)
			continue
		}
		if !unknown {
			continue
		}
		if now.Sub(q.since) >= p.cfg.UnmatchedWindow {
			p.discardLocked(q, now)
			continue
		}
		blocked[q.fill.OrderID] = true
		p.pending = append(p.pending, q)
		p.queued[q.fill.FillID] = struct{}{}
	}
	p.monitor.SetUnmatchedFills(len(p.pending))
	p.unlockAndNotify(done)
	return len(done)
}

func (p *Processor) isQueuedLocked(fillID string) bool {
	_, ok := p.queued[fillID]
	return ok
}

func (p *Processor) hasQueuedOrderLocked(orderID string) bool {
	for _, q := range p.pending {
		if q.fill.OrderID == orderID {
			return true
		}
	}
	return false
}

func (p *Processor) enqueueLocked(f order.Fill) {
	p.pending = append(p.pending, queued{fill: f, since: p.now()})
	p.queued[f.FillID] = struct{}{}
	p.monitor.RecordFill("queued", f.Size)
	p.monitor.SetUnmatchedFills(len(p.pending))
}

// applyLocked 首次尝试，找不到订单时入队。
func (p *Processor) applyLocked(f order.Fill) (applied, bool) {
	a, ok, unknown := p.tryLocked(f)
	if unknown {
		p.logger.Debug("fill for unknown order queued", zap.String("fill_id", f.FillID), zap.String("order_id", f.OrderID))
		p.enqueueLocked(f)
	}
	return a, ok
}

// tryLocked 返回 (结果, 是否生效, 是否因为找不到订单而失败)。
func (p *Processor) tryLocked(f order.Fill) (applied, bool, bool) {
	res, err := p.state.ApplyFill(f)
	switch {
	case err == nil:
		p.monitor.RecordFill("applied", f.Size)
		return applied{fill: f, res: res}, true, false
	case errors.Is(err, order.ErrDuplicateFill):
		p.monitor.RecordFill("duplicate", f.Size)
		p.logger.Debug("duplicate fill ignored", zap.String("fill_id", f.FillID))
		return applied{}, false, false
	case errors.Is(err, order.ErrUnknownOrder):
		return applied{}, false, true
	default:
		p.monitor.RecordFill("invalid", f.Size)
		p.logger.Warn("fill rejected", zap.String("fill_id", f.FillID), zap.Error(err))
		return applied{}, false, false
	}
}

func (p *Processor) discardLocked(q queued, now time.Time) {
	err := fmt.Errorf("%w: fill %s order %s", order.ErrUnmatchedFill, q.fill.FillID, q.fill.OrderID)
	p.monitor.RecordFill("unmatched", q.fill.Size)
	p.logger.LogAnomaly("unmatched_fill", map[string]interface{}{
		"fill_id":  q.fill.FillID,
		"order_id": q.fill.OrderID,
		"size":     q.fill.Size,
		"price":    q.fill.Price,
		"waited":   now.Sub(q.since).String(),
		"error":    err.Error(),
	})
	if p.alerts != nil {
		_ = p.alerts.SendAlert(alert.Alert{
			Level:   alert.LevelError,
			Kind:    alert.KindUnmatchedFill,
			Message: "成交无法匹配任何订单，已丢弃",
			Fields: map[string]interface{}{
				"fill_id":  q.fill.FillID,
				"order_id": q.fill.OrderID,
				"size":     q.fill.Size,
			},
		})
	}
}

// unlockAndNotify 释放 mu，并在 notifyMu 下处理本批生效的成交。
func (p *Processor) unlockAndNotify(done []applied) {
	if len(done) == 0 {
		p.mu.Unlock()
		return
	}
	p.notifyMu.Lock()
	p.mu.Unlock()
	defer p.notifyMu.Unlock()
	p.notify(done)
}

// notify 日志、指标、强制刷新、策略回调，最后唤醒事件循环。
func (p *Processor) notify(done []applied) {
	force := false
	for _, a := range done {
		p.logger.LogFill(a.fill.FillID, a.fill.OrderID, a.fill.Size, a.fill.Price, map[string]interface{}{
			"client_id": a.res.Order.ClientID,
			"status":    string(a.res.Order.Status),
			"net":       a.res.Inventory.Net,
		})
		if a.res.Overfill > 0 {
			p.logger.LogAnomaly("overfill", map[string]interface{}{
				"client_id": a.res.Order.ClientID,
				"excess":    a.res.Overfill,
			})
		}
		if a.res.Terminal {
			p.logger.LogAnomaly("fill_on_terminal_order", map[string]interface{}{
				"client_id": a.res.Order.ClientID,
				"status":    string(a.res.Order.Status),
			})
		}
		if a.res.Completed || (p.cfg.ForceRefreshMinFill > 0 && a.fill.Size >= p.cfg.ForceRefreshMinFill) {
			force = true
		}
		if p.observer != nil {
			p.observer.OnFill(a.fill, a.res.Order.Side, a.res.Inventory)
		}
	}
	last := done[len(done)-1].res.Inventory
	p.monitor.SetInventory(last.Net, last.AvgPrice, last.RealizedPnL)
	if force {
		p.state.RequestForceRefresh()
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
