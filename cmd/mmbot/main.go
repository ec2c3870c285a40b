package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"market-maker-core/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/mmbot.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "交易对，覆盖配置文件（例如 ETHUSDC）")
	mode := flag.String("mode", "", "网关模式 paper|dryrun，覆盖配置文件")
	flag.Parse()

	// flag 与 MM_* 环境变量走同一条覆盖路径
	if *symbol != "" {
		_ = os.Setenv("MM_SYMBOL", strings.ToUpper(*symbol))
	}
	if *mode != "" {
		_ = os.Setenv("MM_GATEWAY_MODE", *mode)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		lg.Fatal("start failed", zap.Error(err))
	}
	notify(lg.Logger, daemon.SdNotifyReady)
	stopWatchdog := watchdog(ctx, lg.Logger, c)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		lg.Info("signal received", zap.String("signal", sig.String()))
	case <-c.Engine().Done():
		lg.Error("engine loop exited", zap.Error(c.Engine().Err()))
		exitCode = 1
	}

	notify(lg.Logger, daemon.SdNotifyStopping)
	stopWatchdog()
	// 先停组件再取消 ctx，撤单期间成交推送仍在消费
	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
		exitCode = 1
	}
	cancel()
	os.Exit(exitCode)
}

func notify(lg *zap.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		lg.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		lg.Debug("sd_notify sent", zap.String("state", state))
	}
}

// watchdog 按 WATCHDOG_USEC 的一半间隔上报存活，引擎不健康时停止上报交给 systemd 处理。
func watchdog(ctx context.Context, lg *zap.Logger, c *container.Container) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.HealthCheck(); err != nil {
					if !errors.Is(err, context.Canceled) {
						lg.Warn("health check failed, skipping watchdog ping", zap.Error(err))
					}
					continue
				}
				notify(lg, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
