package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-maker-core/gateway"
	"market-maker-core/infrastructure/alert"
	"market-maker-core/infrastructure/logger"
	"market-maker-core/infrastructure/monitor"
	"market-maker-core/internal/store"
	"market-maker-core/order"
	"market-maker-core/strategy"
)

// Commander 下单出口，由 gateway.Sender 实现。
type Commander interface {
	Place(ctx context.Context, req gateway.PlaceRequest) (string, error)
	Cancel(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]order.Order, error)
}

// Config 对账配置
type Config struct {
	Symbol         string
	PriceTolerance float64 // 价格差不超过该值视为同一报价
	SizeTolerance  float64
	MaxRetries     int           // 非超时失败的最大重试次数
	RetryBackoff   time.Duration // 第 n 次重试前等待 n*RetryBackoff
	MaxInFlight    int           // 同时在途的指令数
	Constraints    order.SymbolConstraints
}

// Components 依赖
type Components struct {
	State     *store.BotState
	Commander Commander
	Logger    *logger.Logger
	Alerts    alert.Sender
	Monitor   *monitor.Monitor
}

// Result 单轮对账统计
type Result struct {
	Kept         int
	Cancelled    int
	CancelFailed int
	Placed       int
	Rejected     int
	Ambiguous    int // 下单结果未知（超时或空 ID），等待对账
	Skipped      int // 档位仍被占用或报价不合规
}

// Reconciler 比较目标报价与登记簿，发出最少的撤单/下单指令。
// Reconcile 调用需串行。
type Reconciler struct {
	cfg     Config
	state   *store.BotState
	cmd     Commander
	logger  *logger.Logger
	alerts  alert.Sender
	monitor *monitor.Monitor
	sleep   func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config, comp Components) (*Reconciler, error) {
	if comp.State == nil || comp.Commander == nil {
		return nil, fmt.Errorf("reconciler requires state and commander")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.SizeTolerance <= 0 {
		cfg.SizeTolerance = 1e-9
	}
	lg := comp.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Reconciler{
		cfg:     cfg,
		state:   comp.State,
		cmd:     comp.Commander,
		logger:  lg.Named("reconcile"),
		alerts:  comp.Alerts,
		monitor: comp.Monitor,
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// uncertain 请求可能已到达交易所但没有应答。
func uncertain(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// Diff 逐档位比较：价格与数量都在容差内的保留，其余撤旧单；
// 目标中存在但当前无订单的档位下新单。在途（PENDING/CANCELLING）档位本轮不动。
// full 为真时撤掉全部可撤订单并重新下单。
func (r *Reconciler) Diff(plan []strategy.PriceLevel, live map[order.SlotKey]order.Order, full bool) (cancels []order.Order, places []strategy.PriceLevel, kept int) {
	planned := make(map[order.SlotKey]strategy.PriceLevel, len(plan))
	for _, pl := range plan {
		planned[pl.Slot()] = pl
	}
	for _, o := range liveSorted(live) {
		if !o.Status.Resting() {
			continue
		}
		pl, ok := planned[o.Slot()]
		if ok && !full && r.matches(pl, o) {
			kept++
			continue
		}
		cancels = append(cancels, o)
	}
	for _, pl := range plan {
		o, ok := live[pl.Slot()]
		if ok && o.Status.Resting() && !full && r.matches(pl, o) {
			continue
		}
		places = append(places, pl)
	}
	return cancels, places, kept
}

func (r *Reconciler) matches(pl strategy.PriceLevel, o order.Order) bool {
	return math.Abs(pl.Price-o.Price) <= r.cfg.PriceTolerance &&
		math.Abs(pl.Size-o.Size) <= r.cfg.SizeTolerance &&
		pl.PostOnly == o.PostOnly
}

func liveSorted(live map[order.SlotKey]order.Order) []order.Order {
	out := make([]order.Order, 0, len(live))
	for _, o := range live {
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

// Reconcile 执行一轮对账：先并发撤单，全部返回后再并发下单。
// 单个指令的失败记录在登记簿与 Result 中，不作为返回错误。
func (r *Reconciler) Reconcile(ctx context.Context, plan []strategy.PriceLevel, full bool) (Result, error) {
	start := time.Now()
	var res Result
	valid := make([]strategy.PriceLevel, 0, len(plan))
	for _, pl := range plan {
		if err := r.cfg.Constraints.Validate(pl.Price, pl.Size); err != nil {
			r.logger.Warn("skip invalid level",
				zap.String("slot", pl.Slot().String()),
				zap.Float64("price", pl.Price),
				zap.Float64("size", pl.Size),
				zap.Error(err))
			res.Skipped++
			continue
		}
		valid = append(valid, pl)
	}

	cancels, places, kept := r.Diff(valid, r.state.SlotOrders(), full)
	res.Kept = kept

	var mu sync.Mutex
	count := func(f func()) {
		mu.Lock()
		f()
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.MaxInFlight)
	for _, o := range cancels {
		o := o
		g.Go(func() error {
			if r.cancelOne(ctx, o.ClientID) {
				count(func() { res.Cancelled++ })
			} else {
				count(func() { res.CancelFailed++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	// 撤单阶段被取消时不再占用新档位
	if err := ctx.Err(); err != nil {
		r.finish(full, start, res)
		return res, err
	}

	g = new(errgroup.Group)
	g.SetLimit(r.cfg.MaxInFlight)
	for _, pl := range places {
		pl := pl
		g.Go(func() error {
			outcome := r.placeOne(ctx, pl)
			count(func() {
				switch outcome {
				case placeOK:
					res.Placed++
				case placeRejected:
					res.Rejected++
				case placeAmbiguous:
					res.Ambiguous++
				case placeSkipped:
					res.Skipped++
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	r.finish(full, start, res)
	return res, ctx.Err()
}

func (r *Reconciler) finish(full bool, start time.Time, res Result) {
	r.monitor.RecordReconcile(full, time.Since(start))
	r.monitor.SetLiveOrders(r.state.LiveCount())
	r.logger.Debug("reconcile done",
		zap.Bool("full", full),
		zap.Int("kept", res.Kept),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("placed", res.Placed),
		zap.Int("rejected", res.Rejected),
		zap.Int("ambiguous", res.Ambiguous),
		zap.Int("skipped", res.Skipped))
}

// cancelOne 撤单。返回 true 表示订单已确认离场。
func (r *Reconciler) cancelOne(ctx context.Context, clientID string) bool {
	o, err := r.state.BeginCancel(clientID)
	if err != nil {
		// 撤单前已成交或已被对账关闭
		r.logger.Debug("skip cancel", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	err = r.withRetry(ctx, "cancel", o.ID(), func() error {
		return r.cmd.Cancel(ctx, o.ID())
	})
	switch {
	case err == nil || errors.Is(err, gateway.ErrOrderNotFound):
		if cerr := r.state.ConfirmCancelled(clientID); cerr != nil {
			r.logger.Warn("confirm cancel failed", zap.String("client_id", clientID), zap.Error(cerr))
		}
		r.monitor.RecordCommand("cancel", "ok")
		r.logger.LogOrder("cancelled", clientID, map[string]interface{}{"slot": o.Slot().String()})
		return true
	case errors.Is(err, gateway.ErrNotSent):
		// 订单仍挂着但已是 CANCELLING，由对账重新撤单
		r.state.NoteError(clientID, err.Error())
		r.state.RequestResync()
		r.monitor.RecordCommand("cancel", "not_sent")
		r.logger.Debug("cancel not sent", zap.String("client_id", clientID), zap.Error(err))
	case uncertain(err):
		r.state.NoteError(clientID, err.Error())
		r.state.RequestResync()
		r.monitor.RecordCommand("cancel", "timeout")
		r.logger.Warn("cancel outcome unknown, resync scheduled", zap.String("client_id", clientID), zap.Error(err))
	default:
		// 保持 CANCELLING，由对账确认订单是否仍在交易所
		r.state.NoteError(clientID, err.Error())
		r.state.RequestResync()
		r.monitor.RecordCommand("cancel", "failed")
		r.logger.LogError(err, map[string]interface{}{"op": "cancel", "client_id": clientID})
		r.alert(alert.LevelError, "撤单多次失败", map[string]interface{}{"client_id": clientID, "error": err.Error()})
	}
	return false
}

type placeOutcome int

const (
	placeOK placeOutcome = iota
	placeRejected
	placeAmbiguous
	placeSkipped
)

func (r *Reconciler) placeOne(ctx context.Context, pl strategy.PriceLevel) placeOutcome {
	o, err := r.state.Reserve(order.Order{
		Side:        pl.Side,
		Level:       pl.Level,
		Price:       pl.Price,
		Size:        pl.Size,
		PostOnly:    pl.PostOnly,
		TimeInForce: pl.TimeInForce,
	})
	if err != nil {
		// 撤单未确认，档位仍被占用，下一轮再下
		r.logger.Debug("slot busy", zap.String("slot", pl.Slot().String()), zap.Error(err))
		return placeSkipped
	}

	req := gateway.PlaceRequest{
		ClientID:    o.ClientID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       o.Price,
		Size:        o.Size,
		PostOnly:    o.PostOnly,
		TimeInForce: o.TimeInForce,
	}
	defer r.state.EndPlace(o.ClientID)

	var exchangeID string
	err = r.withRetry(ctx, "place", o.ClientID, func() error {
		var perr error
		exchangeID, perr = r.cmd.Place(ctx, req)
		return perr
	})
	switch {
	case err == nil && exchangeID == "":
		_ = r.state.ConfirmPlaced(o.ClientID, "")
		r.monitor.RecordCommand("place", "ambiguous")
		r.logger.Warn("place acked without order id, resync scheduled", zap.String("client_id", o.ClientID))
		return placeAmbiguous
	case err == nil:
		if cerr := r.state.ConfirmPlaced(o.ClientID, exchangeID); cerr != nil {
			r.logger.Warn("confirm place failed", zap.String("client_id", o.ClientID), zap.Error(cerr))
		}
		r.monitor.RecordCommand("place", "ok")
		r.logger.LogOrder("placed", o.ClientID, map[string]interface{}{
			"order_id": exchangeID,
			"slot":     o.Slot().String(),
			"price":    o.Price,
			"size":     o.Size,
		})
		return placeOK
	case errors.Is(err, gateway.ErrNotSent):
		if rerr := r.state.MarkRejected(o.ClientID, err.Error()); rerr != nil {
			r.logger.Warn("mark rejected failed", zap.String("client_id", o.ClientID), zap.Error(rerr))
		}
		r.monitor.RecordCommand("place", "not_sent")
		r.logger.Debug("place not sent", zap.String("client_id", o.ClientID), zap.Error(err))
		return placeSkipped
	case uncertain(err):
		r.state.NoteError(o.ClientID, err.Error())
		r.state.RequestResync()
		r.monitor.RecordCommand("place", "timeout")
		r.logger.Warn("place outcome unknown, resync scheduled", zap.String("client_id", o.ClientID), zap.Error(err))
		return placeAmbiguous
	default:
		if rerr := r.state.MarkRejected(o.ClientID, err.Error()); rerr != nil {
			r.logger.Warn("mark rejected failed", zap.String("client_id", o.ClientID), zap.Error(rerr))
		}
		r.monitor.RecordCommand("place", "rejected")
		r.logger.LogError(err, map[string]interface{}{"op": "place", "client_id": o.ClientID, "slot": o.Slot().String()})
		r.alert(alert.LevelError, "下单多次失败", map[string]interface{}{
			"client_id": o.ClientID, "slot": o.Slot().String(), "error": err.Error(),
		})
		return placeRejected
	}
}

// withRetry 非超时错误按线性退避重试；超时、未发出与撤单目标不存在不重试。
// 退避期间 ctx 结束时返回上一次的确定性错误。
func (r *Reconciler) withRetry(ctx context.Context, op, id string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || uncertain(err) || errors.Is(err, gateway.ErrOrderNotFound) || errors.Is(err, gateway.ErrNotSent) {
			return err
		}
		if attempt >= r.cfg.MaxRetries {
			return err
		}
		wait := time.Duration(attempt+1) * r.cfg.RetryBackoff
		r.logger.Warn("gateway command failed, retrying",
			zap.String("op", op),
			zap.String("id", id),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if !r.sleep(ctx, wait) {
			return fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
		}
	}
}

func (r *Reconciler) alert(level, msg string, fields map[string]interface{}) {
	if r.alerts == nil {
		return
	}
	_ = r.alerts.SendAlert(alert.Alert{Level: level, Kind: alert.KindGateway, Message: msg, Fields: fields})
}
