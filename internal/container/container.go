package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"market-maker-core/config"
	"market-maker-core/gateway"
	"market-maker-core/infrastructure/alert"
	"market-maker-core/infrastructure/logger"
	"market-maker-core/infrastructure/monitor"
	"market-maker-core/internal/engine"
	"market-maker-core/internal/fill"
	"market-maker-core/internal/reconcile"
	"market-maker-core/internal/store"
	"market-maker-core/market"
	"market-maker-core/order"
	"market-maker-core/strategy"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 交易所网关
	gw       gateway.Gateway
	paper    *gateway.Paper // 仅 paper 模式
	sender   *gateway.Sender
	fillFeed *gateway.WSFillFeed

	// 核心服务
	journal    store.Journal
	state      *store.BotState
	marketData *market.Service
	walk       *market.RandomWalk
	scheduler  *engine.DefaultScheduler
	reconciler *reconcile.Reconciler
	processor  *fill.Processor
	engine     *engine.Engine

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewFromConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewFromConfig 用已加载的配置创建容器，不监听配置文件。
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildState(); err != nil {
		return fmt.Errorf("build state failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("symbol", c.cfg.Symbol),
		zap.String("gateway", c.cfg.Gateway.Mode))
	return nil
}

func (c *Container) buildInfrastructure() error {
	lc := c.cfg.Log
	logCfg := logger.Config{
		Level:      lc.Level,
		Outputs:    lc.Outputs,
		OutputFile: lc.OutputFile,
		ErrorFile:  lc.ErrorFile,
		Format:     lc.Format,
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	throttle := time.Duration(c.cfg.Alert.ThrottleMs) * time.Millisecond
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewLogChannel("log", c.logger.Named("alert").Logger),
	}, throttle)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	gc := c.cfg.Gateway
	switch gc.Mode {
	case "paper":
		c.paper = gateway.NewPaper(gateway.PaperConfig{
			Latency: time.Duration(gc.LatencyMs) * time.Millisecond,
		})
		c.gw = c.paper
	case "dryrun":
		c.gw = gateway.NewDryRun(c.logger.Named("dryrun").Logger)
	default:
		return fmt.Errorf("unknown gateway mode %q", gc.Mode)
	}

	var limiter gateway.RateLimiter
	if gc.Rate > 0 {
		limiter = gateway.NewTokenBucketLimiter(gc.Rate, gc.Burst)
	}
	c.sender = gateway.NewSender(c.gw, gateway.SenderConfig{
		Limiter:    limiter,
		AckTimeout: c.cfg.Engine.OrderAckTimeout(),
		Observer:   c.monitor,
	})

	if gc.FillFeedURL != "" {
		c.fillFeed = gateway.NewWSFillFeed(gateway.WSFillFeedConfig{URL: gc.FillFeedURL}, c.logger.Named("fill_feed").Logger)
	}

	c.logger.Info("gateway built", zap.String("mode", gc.Mode), zap.Bool("fill_feed", c.fillFeed != nil))
	return nil
}

func (c *Container) buildState() error {
	jc := c.cfg.Journal
	if jc.Path != "" {
		pj, err := store.OpenPebbleJournal(jc.Path)
		if err != nil {
			return fmt.Errorf("open journal failed: %w", err)
		}
		c.journal = pj
	} else {
		c.journal = store.NewMemoryJournal()
	}

	anomalies := c.logger.Named("state")
	c.state = store.New(store.Config{
		Symbol:        c.cfg.Symbol,
		SizeTolerance: c.cfg.Engine.SizeTolerance,
		Retention:     c.cfg.Engine.OrderRetention(),
		Journal:       c.journal,
		Sink:          anomalies.LogAnomaly,
	})

	n, err := c.state.Restore(jc.RestoreInventory)
	if err != nil {
		return fmt.Errorf("restore journal failed: %w", err)
	}
	inv := c.state.Inventory()
	c.monitor.SetInventory(inv.Net, inv.AvgPrice, inv.RealizedPnL)
	c.logger.Info("state restored",
		zap.Int("fills", n),
		zap.Bool("inventory", jc.RestoreInventory),
		zap.Float64("net", inv.Net))
	return nil
}

func (c *Container) buildCoreServices() error {
	ec := c.cfg.Engine
	constraints := order.SymbolConstraints{
		TickSize:    c.cfg.Constraints.TickSize,
		StepSize:    c.cfg.Constraints.StepSize,
		MinQty:      c.cfg.Constraints.MinQty,
		MaxQty:      c.cfg.Constraints.MaxQty,
		MinNotional: c.cfg.Constraints.MinNotional,
	}

	c.marketData = market.NewService(market.NewPublisher())
	if c.paper != nil || c.cfg.Sim.StartPrice > 0 {
		sc := c.cfg.Sim
		c.walk = market.NewRandomWalk(market.RandomWalkConfig{
			Symbol:   c.cfg.Symbol,
			Start:    sc.StartPrice,
			Step:     sc.Step,
			Spread:   sc.Spread,
			Interval: time.Duration(sc.IntervalMs) * time.Millisecond,
			Seed:     sc.Seed,
		}, c.marketData)
	}

	sp := c.cfg.Strategy
	ladder, err := strategy.NewLadder(strategy.LadderConfig{
		Levels:         sp.Levels,
		BaseSpread:     sp.BaseSpread,
		LevelSpacing:   sp.LevelSpacing,
		BaseSize:       sp.BaseSize,
		SizeStep:       sp.SizeStep,
		TargetPosition: ec.TargetPosition,
		MaxPosition:    sp.MaxPosition,
		SkewFactor:     sp.SkewFactor,
		MaxStaleness:   time.Duration(sp.MaxStalenessMs) * time.Millisecond,
		PostOnly:       sp.PostOnly,
		TimeInForce:    sp.TimeInForce,
		Constraints:    constraints,
	})
	if err != nil {
		return fmt.Errorf("create planner failed: %w", err)
	}

	c.scheduler = engine.NewDefaultScheduler(schedulerConfig(ec))

	c.reconciler, err = reconcile.New(reconcile.Config{
		Symbol:         c.cfg.Symbol,
		PriceTolerance: ec.PriceTolerance,
		SizeTolerance:  ec.SizeTolerance,
		MaxRetries:     ec.MaxRetries,
		RetryBackoff:   ec.RetryBackoff(),
		MaxInFlight:    ec.MaxInFlight,
		Constraints:    constraints,
	}, reconcile.Components{
		State:     c.state,
		Commander: c.sender,
		Logger:    c.logger,
		Alerts:    c.alerts,
		Monitor:   c.monitor,
	})
	if err != nil {
		return fmt.Errorf("create reconciler failed: %w", err)
	}

	c.processor = fill.New(fill.Config{
		UnmatchedWindow:     ec.UnmatchedFillWindow(),
		ForceRefreshMinFill: ec.ForceRefreshMinFill,
	}, fill.Components{
		State:   c.state,
		Logger:  c.logger,
		Alerts:  c.alerts,
		Monitor: c.monitor,
	})

	var fills <-chan order.Fill
	switch {
	case c.fillFeed != nil:
		fills = c.fillFeed.Fills()
		c.fillFeed.SetConnectedHandler(c.state.RequestResync)
		c.fillFeed.SetFatalErrorHandler(func(err error) {
			c.logger.Error("fill feed gave up", zap.Error(err))
			_ = c.alerts.Critical(alert.KindGateway, "成交推送连接失败，已停止重连", map[string]interface{}{"error": err.Error()})
		})
	case c.paper != nil:
		fills = c.paper.Fills()
	}

	c.engine, err = engine.New(engine.Config{
		Symbol:               c.cfg.Symbol,
		TickInterval:         ec.TickInterval(),
		ShutdownTimeout:      ec.ShutdownTimeout(),
		ResyncFailureCeiling: ec.ResyncFailureCeiling(),
	}, engine.Components{
		State:      c.state,
		Planner:    ladder,
		Scheduler:  c.scheduler,
		Reconciler: c.reconciler,
		Fills:      c.processor,
		FillSource: fills,
		Market:     c.marketData,
		Logger:     c.logger,
		Alerts:     c.alerts,
		Monitor:    c.monitor,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}

	c.logger.Info("core services built")
	return nil
}

func schedulerConfig(ec config.EngineConfig) engine.SchedulerConfig {
	return engine.SchedulerConfig{
		RefreshInterval:     ec.RefreshInterval(),
		PriceDriftTolerance: ec.PriceDriftTolerance,
		FullRefreshDrift:    ec.FullRefreshDrift,
		InventorySkewBound:  ec.InventorySkewBound,
		TargetPosition:      ec.TargetPosition,
	}
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}
	if c.walk != nil {
		c.lifecycle.Register(&priceFeedComponent{
			walk:   c.walk,
			trades: c.marketData.Publisher().SubscribeTrade(),
			paper:  c.paper,
		})
	}
	if c.fillFeed != nil {
		c.lifecycle.Register(&fillFeedComponent{feed: c.fillFeed})
	}
	c.lifecycle.Register(&engineComponent{engine: c.engine, logger: c.logger})
	if c.configPath != "" {
		c.lifecycle.Register(&configWatchComponent{
			path:   c.configPath,
			logger: c.logger,
			apply:  c.applyEngineConfig,
		})
	}
}

// applyEngineConfig 热更新调度参数，其余配置需要重启生效。
func (c *Container) applyEngineConfig(cfg config.AppConfig) {
	if err := config.ValidateEngine(cfg.Engine); err != nil {
		c.logger.Warn("reloaded engine config rejected", zap.Error(err))
		return
	}
	c.scheduler.Update(schedulerConfig(cfg.Engine))
	c.logger.Info("engine tunables updated",
		zap.Int("refresh_interval_ms", cfg.Engine.RefreshIntervalMs),
		zap.Float64("price_drift_tolerance", cfg.Engine.PriceDriftTolerance),
		zap.Float64("inventory_skew_bound", cfg.Engine.InventorySkewBound))
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件：引擎在行情与成交推送之前停下，撤单期间仍能收到成交。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	if c.journal != nil {
		if jerr := c.journal.Close(); jerr != nil {
			c.logger.LogError(jerr, map[string]interface{}{"action": "close_journal"})
		}
	}

	if c.logger != nil {
		_ = c.logger.Close()
	}

	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Engine 主循环，供调用方监听异常退出。
func (c *Container) Engine() *engine.Engine { return c.engine }

func (c *Container) State() *store.BotState { return c.state }

func (c *Container) Logger() *logger.Logger { return c.logger }
