package engine

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
	"market-maker-core/internal/fill"
	"market-maker-core/internal/reconcile"
	"market-maker-core/internal/store"
	"market-maker-core/order"
	"market-maker-core/strategy"
)

var (
	// ErrResyncCeiling 对账连续失败超过上限，主循环退出。
	ErrResyncCeiling = errors.New("resync failing past ceiling")
	// ErrShutdownIncomplete 停机超时后仍有挂单。
	ErrShutdownIncomplete = errors.New("shutdown left live orders")
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态（只处理成交与对账，不报价）
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	Symbol               string        // 交易对
	TickInterval         time.Duration // 主循环间隔
	ShutdownTimeout      time.Duration // 停机撤单最长等待
	ShutdownPoll         time.Duration // 停机时查询挂单的间隔
	ResyncFailureCeiling time.Duration // 对账持续失败超过该时长即退出，0 表示不退出
}

// MarketSource 行情来源
type MarketSource interface {
	MarketData(symbol string) (strategy.MarketData, error)
}

// Components 引擎依赖组件
type Components struct {
	State      *store.BotState
	Planner    strategy.Planner
	Scheduler  Scheduler
	Reconciler *reconcile.Reconciler
	Fills      *fill.Processor
	FillSource <-chan order.Fill // 可为空，为空时由外部调用 Fills.Submit
	Market     MarketSource
	Logger     *logger.Logger
	Alerts     alert.Sender
	Monitor    *monitor.Monitor
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime       time.Time
	TotalTicks      int64
	TotalRefreshes  int64
	TotalPlaced     int64
	TotalCancelled  int64
	TotalRejected   int64
	TotalResyncs    int64
	TotalErrors     int64
	LastTickTime    time.Time
	LastRefreshTime time.Time
}

// ShutdownReport 停机结果
type ShutdownReport struct {
	Clean     bool
	Remaining []string // 停机超时后仍存活的订单 clientID
	Elapsed   time.Duration
}

// Engine 主事件循环：消化成交、按需对账、调度刷新、生成报价、对账下单。
type Engine struct {
	config Config

	state      *store.BotState
	planner    strategy.Planner
	scheduler  Scheduler
	reconciler *reconcile.Reconciler
	fills      *fill.Processor
	fillSrc    <-chan order.Fill
	market     MarketSource
	logger     *logger.Logger
	alerts     alert.Sender
	monitor    *monitor.Monitor
	now        func() time.Time

	mu     sync.RWMutex
	status EngineState
	err    error // 主循环异常退出的原因

	stopChan   chan struct{}
	stopOnce   sync.Once
	stopping   bool
	doneChan   chan struct{}
	fillsDone  chan struct{}
	cancel     context.CancelFunc // 成交消费与主循环
	loopCancel context.CancelFunc // 仅主循环，取消在途指令

	resyncFailingSince time.Time

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建引擎
func New(cfg Config, components Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ShutdownPoll <= 0 {
		cfg.ShutdownPoll = 200 * time.Millisecond
	}

	lg := components.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Engine{
		config:     cfg,
		state:      components.State,
		planner:    components.Planner,
		scheduler:  components.Scheduler,
		reconciler: components.Reconciler,
		fills:      components.Fills,
		fillSrc:    components.FillSource,
		market:     components.Market,
		logger:     lg.Named("engine"),
		alerts:     components.Alerts,
		monitor:    components.Monitor,
		now:        time.Now,
		status:     StateIdle,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start 启动主循环与成交消费
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.status)
	}
	e.status = StateRunning
	runCtx, cancel := context.WithCancel(ctx)
	loopCtx, loopCancel := context.WithCancel(runCtx)
	e.cancel = cancel
	e.loopCancel = loopCancel
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.StartTime = e.now()
	e.statsMu.Unlock()

	e.logger.Info("engine starting",
		zap.String("symbol", e.config.Symbol),
		zap.Duration("tick_interval", e.config.TickInterval),
		zap.Duration("shutdown_timeout", e.config.ShutdownTimeout))

	if e.fillSrc != nil {
		e.fillsDone = make(chan struct{})
		go func() {
			defer close(e.fillsDone)
			if err := e.fills.Run(runCtx, e.fillSrc); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("fill consumer stopped", zap.Error(err))
			}
		}()
	}

	go e.run(loopCtx)
	return nil
}

// Done 主循环退出时关闭
func (e *Engine) Done() <-chan struct{} { return e.doneChan }

// Err 主循环异常退出的原因
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Stop 停止报价，撤掉全部挂单并等待交易所确认。
// 主循环退出后才开始撤单；超时后仍有挂单时返回 ErrShutdownIncomplete，报告中列出剩余订单。
func (e *Engine) Stop() (ShutdownReport, error) {
	e.mu.Lock()
	if e.stopping || (e.status != StateRunning && e.status != StatePaused) {
		st := e.status
		e.mu.Unlock()
		return ShutdownReport{}, fmt.Errorf("engine not running (state: %s)", st)
	}
	e.stopping = true
	e.mu.Unlock()

	e.logger.Info("engine stopping")

	e.stopOnce.Do(func() { close(e.stopChan) })
	select {
	case <-e.doneChan:
	case <-time.After(e.config.ShutdownTimeout):
		// 本轮对账仍在等交易所应答：取消在途指令，结果交给停机对账确认
		e.logger.Warn("timeout waiting for loop to stop, cancelling in-flight commands")
		e.loopCancel()
		<-e.doneChan
	}

	report := e.shutdown()

	e.mu.Lock()
	e.status = StateStopped
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if e.fillsDone != nil {
		<-e.fillsDone
	}

	if !report.Clean {
		return report, fmt.Errorf("%w: %v", ErrShutdownIncomplete, report.Remaining)
	}
	e.logger.Info("engine stopped", zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// shutdown 撤单并轮询交易所，直到没有挂单或超时。
func (e *Engine) shutdown() ShutdownReport {
	start := e.now()
	ctx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	defer cancel()

	for {
		if err := e.reconciler.CancelAll(ctx); err != nil {
			e.logger.Warn("cancel all failed", zap.Error(err))
		}
		if _, err := e.reconciler.Resync(ctx); err != nil {
			e.logger.Warn("shutdown resync failed", zap.Error(err))
		}
		e.fills.Drain()
		if e.state.LiveCount() == 0 {
			return ShutdownReport{Clean: true, Elapsed: e.now().Sub(start)}
		}
		select {
		case <-ctx.Done():
			return e.reportResidue(start)
		case <-time.After(e.config.ShutdownPoll):
		}
	}
}

func (e *Engine) reportResidue(start time.Time) ShutdownReport {
	live := e.state.LiveOrders()
	ids := make([]string, 0, len(live))
	for _, o := range live {
		ids = append(ids, o.ClientID)
	}
	e.logger.Error("orders still live after shutdown timeout",
		zap.Strings("client_ids", ids),
		zap.Duration("timeout", e.config.ShutdownTimeout))
	if e.alerts != nil {
		_ = e.alerts.SendAlert(alert.Alert{
			Level:   alert.LevelCritical,
			Kind:    alert.KindShutdown,
			Message: fmt.Sprintf("停机超时，仍有 %d 笔挂单未撤销", len(ids)),
			Fields:  map[string]interface{}{"orders": ids},
		})
	}
	return ShutdownReport{Remaining: ids, Elapsed: e.now().Sub(start)}
}

// Pause 暂停报价
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StateRunning {
		return fmt.Errorf("engine not running (state: %s)", e.status)
	}
	e.status = StatePaused
	e.logger.Info("engine paused")
	return nil
}

// Resume 恢复报价，下一轮强制刷新
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.status)
	}
	e.status = StateRunning
	e.state.RequestForceRefresh()
	e.logger.Info("engine resumed")
	return nil
}

// run 主事件循环
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	if e.tick(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("context done, loop exiting")
			return
		case <-e.stopChan:
			e.logger.Info("stop signal received")
			return
		case <-ticker.C:
		case <-e.fills.Wake():
		}
		if e.tick(ctx) {
			return
		}
	}
}

// tick 执行一轮，返回 true 表示主循环应退出。
func (e *Engine) tick(ctx context.Context) bool {
	now := e.now()
	e.statsMu.Lock()
	e.stats.TotalTicks++
	e.stats.LastTickTime = now
	e.statsMu.Unlock()

	// 停机信号优先于报价
	select {
	case <-e.stopChan:
		return true
	default:
	}

	e.fills.Drain()
	e.state.Prune()

	if e.state.NeedsResync() {
		if fatal := e.resync(ctx, now); fatal {
			return true
		}
		if e.state.NeedsResync() {
			return false
		}
	}

	if e.GetState() == StatePaused {
		return false
	}

	md, err := e.market.MarketData(e.config.Symbol)
	if err != nil {
		e.logger.Debug("market data unavailable", zap.Error(err))
		return false
	}

	snap := e.state.Snapshot()
	dec := e.scheduler.ShouldRefresh(now, md.Mid, snap)
	if !dec.Refresh {
		return false
	}

	plan, err := e.planner.Plan(md, snap.Inventory)
	if err != nil {
		if !errors.Is(err, strategy.ErrPlanningUnavailable) {
			e.logger.Error("plan failed", zap.Error(err))
			e.recordError()
		}
		return false
	}
	if err := strategy.ValidateLevels(plan); err != nil {
		e.logger.Error("planner returned invalid levels", zap.Error(err))
		e.recordError()
		return false
	}
	strategy.SortLevels(plan)

	res, err := e.reconciler.Reconcile(ctx, plan, dec.Full)
	if err != nil {
		e.logger.Warn("reconcile failed", zap.Error(err))
		e.recordError()
		return false
	}
	e.state.MarkRefreshed(now, md.Mid, snap.ForceSeq)
	e.monitor.RecordRefresh(dec.Reason)

	e.statsMu.Lock()
	e.stats.TotalRefreshes++
	e.stats.TotalPlaced += int64(res.Placed)
	e.stats.TotalCancelled += int64(res.Cancelled)
	e.stats.TotalRejected += int64(res.Rejected)
	e.stats.LastRefreshTime = now
	e.statsMu.Unlock()

	e.logger.Debug("refreshed",
		zap.String("reason", dec.Reason),
		zap.Bool("full", dec.Full),
		zap.Float64("mid", md.Mid),
		zap.Int("kept", res.Kept),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("placed", res.Placed))
	return false
}

// resync 返回 true 表示对账失败已超过上限。
func (e *Engine) resync(ctx context.Context, now time.Time) bool {
	e.statsMu.Lock()
	e.stats.TotalResyncs++
	e.statsMu.Unlock()

	_, err := e.reconciler.Resync(ctx)
	if err == nil {
		e.resyncFailingSince = time.Time{}
		return false
	}
	e.recordError()
	if e.resyncFailingSince.IsZero() {
		e.resyncFailingSince = now
	}
	failing := now.Sub(e.resyncFailingSince)
	e.logger.Warn("resync failed", zap.Error(err), zap.Duration("failing_for", failing))
	if e.config.ResyncFailureCeiling <= 0 || failing < e.config.ResyncFailureCeiling {
		return false
	}

	fatal := fmt.Errorf("%w: %v", ErrResyncCeiling, err)
	e.mu.Lock()
	e.err = fatal
	e.mu.Unlock()
	e.logger.Error("resync failing past ceiling, stopping loop", zap.Error(fatal))
	if e.alerts != nil {
		_ = e.alerts.SendAlert(alert.Alert{
			Level:   alert.LevelCritical,
			Kind:    alert.KindResync,
			Message: fmt.Sprintf("交易所对账持续失败 %s，主循环已退出", failing),
		})
	}
	return true
}

func (e *Engine) recordError() {
	e.statsMu.Lock()
	e.stats.TotalErrors++
	e.statsMu.Unlock()
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// GetStatistics 获取统计信息
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// validateConfig 验证配置
func validateConfig(cfg Config) error {
	if cfg.Symbol == "" {
		return errors.New("symbol is required")
	}
	if cfg.TickInterval < 0 {
		return errors.New("tick_interval must be >= 0")
	}
	if cfg.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must be >= 0")
	}
	return nil
}

// validateComponents 验证组件
func validateComponents(c Components) error {
	if c.State == nil {
		return errors.New("state is required")
	}
	if c.Planner == nil {
		return errors.New("planner is required")
	}
	if c.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if c.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if c.Fills == nil {
		return errors.New("fill processor is required")
	}
	if c.Market == nil {
		return errors.New("market source is required")
	}
	return nil
}
