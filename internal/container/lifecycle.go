package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-maker-core/config"
	"market-maker-core/gateway"
	"market-maker-core/infrastructure/logger"
	"market-maker-core/internal/engine"
	"market-maker-core/market"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start component %d failed: %w", i, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，返回全部错误
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("component %d unhealthy: %w", i, err)
		}
	}
	return nil
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger
	server  **http.Server
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	srv := &http.Server{
		Addr:              h.addr,
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	*h.server = srv

	// 在后台启动服务器
	go func() {
		h.logger.Info("http server listening", zap.String("name", h.name), zap.String("addr", h.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "listen",
			})
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || *h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := (*h.server).Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info("http server stopped", zap.String("name", h.name))
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// priceFeedComponent 模拟行情；paper 模式下用成交价撮合挂单。
type priceFeedComponent struct {
	walk   *market.RandomWalk
	trades <-chan market.Trade
	paper  *gateway.Paper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *priceFeedComponent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.walk.Run(ctx)
	}()

	if p.paper != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.trades:
					p.paper.OnPrice(t.Price)
				}
			}
		}()
	}
	return nil
}

func (p *priceFeedComponent) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *priceFeedComponent) Health() error { return nil }

// fillFeedComponent websocket 成交推送
type fillFeedComponent struct {
	feed *gateway.WSFillFeed
}

func (f *fillFeedComponent) Start(ctx context.Context) error { return f.feed.Start(ctx) }
func (f *fillFeedComponent) Stop() error                     { return f.feed.Stop() }
func (f *fillFeedComponent) Health() error                   { return nil }

// engineComponent 主循环。Stop 会撤掉全部挂单。
type engineComponent struct {
	engine *engine.Engine
	logger *logger.Logger
}

func (e *engineComponent) Start(ctx context.Context) error {
	return e.engine.Start(ctx)
}

func (e *engineComponent) Stop() error {
	report, err := e.engine.Stop()
	if err != nil {
		return fmt.Errorf("engine stop: %w", err)
	}
	e.logger.Info("all orders cancelled", zap.Duration("elapsed", report.Elapsed))
	return nil
}

func (e *engineComponent) Health() error {
	if err := e.engine.Err(); err != nil {
		return err
	}
	switch st := e.engine.GetState(); st {
	case engine.StateRunning, engine.StatePaused:
		return nil
	default:
		return fmt.Errorf("engine %s", st)
	}
}

// configWatchComponent 配置文件热更新
type configWatchComponent struct {
	path     string
	cooldown time.Duration
	logger   *logger.Logger
	apply    func(config.AppConfig)

	watcher *config.Watcher
	cancel  context.CancelFunc
}

func (w *configWatchComponent) Start(ctx context.Context) error {
	if w.cooldown <= 0 {
		w.cooldown = time.Second
	}
	watcher, err := config.NewWatcher(w.path, w.cooldown, w.logger.Named("config").Logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := watcher.Start(ctx, w.apply); err != nil {
		cancel()
		return err
	}
	w.watcher = watcher
	w.cancel = cancel
	return nil
}

func (w *configWatchComponent) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.watcher.Done()
	return nil
}

func (w *configWatchComponent) Health() error { return nil }
