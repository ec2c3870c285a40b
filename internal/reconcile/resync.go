package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"market-maker-core/gateway"
	"market-maker-core/infrastructure/alert"
	"market-maker-core/internal/store"
	"market-maker-core/order"
)

func sortOrders(out []order.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side == order.SideBuy
		}
		return out[i].Level < out[j].Level
	})
}

// Resync 拉取交易所挂单覆盖本地登记簿：
// 本地不认识的挂单直接撤掉，本地撤单中但仍挂着的订单重新撤单。
func (r *Reconciler) Resync(ctx context.Context) (store.ResyncResult, error) {
	remote, err := r.cmd.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		r.monitor.RecordResync(err, 0)
		return store.ResyncResult{}, fmt.Errorf("fetch open orders: %w", err)
	}
	res := r.state.ApplyResync(remote)
	r.monitor.RecordResync(nil, len(res.Divergences))

	if len(res.Divergences) > 0 {
		derr := fmt.Errorf("%w: %d orders overwritten", order.ErrStateDivergence, len(res.Divergences))
		r.logger.Warn("registry diverged from exchange",
			zap.Strings("client_ids", res.Divergences),
			zap.Error(derr))
		if r.alerts != nil {
			_ = r.alerts.SendAlert(alert.Alert{
				Level:   alert.LevelWarning,
				Kind:    alert.KindDivergence,
				Message: "本地订单状态与交易所不一致，已按交易所覆盖",
				Fields:  map[string]interface{}{"orders": res.Divergences, "orphans": len(res.Orphans)},
			})
		}
	}

	for _, o := range res.Orphans {
		id := o.ID()
		if err := r.cmd.Cancel(ctx, id); err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
			r.logger.Warn("cancel orphan failed", zap.String("order_id", id), zap.Error(err))
			r.state.RequestResync()
			continue
		}
		r.logger.Info("orphan order cancelled", zap.String("order_id", id), zap.String("client_id", o.ClientID))
	}
	for _, o := range res.Recancel {
		err := r.cmd.Cancel(ctx, o.ID())
		if err == nil || errors.Is(err, gateway.ErrOrderNotFound) {
			_ = r.state.ConfirmCancelled(o.ClientID)
			continue
		}
		r.logger.Warn("re-cancel failed", zap.String("client_id", o.ClientID), zap.Error(err))
		r.state.RequestResync()
	}
	r.monitor.SetLiveOrders(r.state.LiveCount())
	return res, nil
}

// CancelAll 停机时撤掉全部挂单：本地先置为 CANCELLING，再发一次批量撤单。
// 是否撤干净由调用方通过 Resync 轮询确认。
func (r *Reconciler) CancelAll(ctx context.Context) error {
	marked := r.state.BeginCancelAll()
	err := r.withRetry(ctx, "cancel_all", r.cfg.Symbol, func() error {
		return r.cmd.CancelAll(ctx, r.cfg.Symbol)
	})
	if err != nil {
		r.monitor.RecordCommand("cancel_all", "failed")
		r.state.RequestResync()
		return fmt.Errorf("cancel all: %w", err)
	}
	r.monitor.RecordCommand("cancel_all", "ok")
	r.logger.Info("cancel all sent", zap.Int("orders", len(marked)))
	return nil
}
