package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market-maker-core/order"
)

// Observer 接收每次网关调用的耗时与结果，一般由 monitor 实现。
type Observer interface {
	ObserveGatewayCall(op string, latency time.Duration, err error)
}

// SenderConfig 发送器配置。
type SenderConfig struct {
	Limiter    RateLimiter
	AckTimeout time.Duration // 单次请求等待应答的上限
	Serialize  bool          // 所有请求串行发出
	Observer   Observer
}

// Sender 唯一的下单出口：限速、超时、错误包装与指标都在这里。
// 其余组件不直接调用 Gateway。
type Sender struct {
	gw       Gateway
	limiter  RateLimiter
	timeout  time.Duration
	serial   bool
	observer Observer
	mu       sync.Mutex
}

func NewSender(gw Gateway, cfg SenderConfig) *Sender {
	s := &Sender{
		gw:       gw,
		limiter:  cfg.Limiter,
		timeout:  cfg.AckTimeout,
		serial:   cfg.Serialize,
		observer: cfg.Observer,
	}
	if s.limiter == nil {
		s.limiter = unlimited{}
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	return s
}

func (s *Sender) Place(ctx context.Context, req PlaceRequest) (string, error) {
	var id string
	err := s.call(ctx, "place", req.ClientID, func(ctx context.Context) error {
		var err error
		id, err = s.gw.PlaceLimitOrder(ctx, req)
		return err
	})
	return id, err
}

func (s *Sender) Cancel(ctx context.Context, orderID string) error {
	return s.call(ctx, "cancel", orderID, func(ctx context.Context) error {
		return s.gw.CancelOrder(ctx, orderID)
	})
}

func (s *Sender) CancelAll(ctx context.Context, symbol string) error {
	return s.call(ctx, "cancel_all", "", func(ctx context.Context) error {
		return s.gw.CancelAll(ctx, symbol)
	})
}

func (s *Sender) OpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	var out []order.Order
	err := s.call(ctx, "open_orders", "", func(ctx context.Context) error {
		var err error
		out, err = s.gw.FetchOpenOrders(ctx, symbol)
		return err
	})
	return out, err
}

func (s *Sender) call(ctx context.Context, op, id string, fn func(context.Context) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		// 不包装 ctx 错误，避免被当成结果未知
		return &Error{Op: op, OrderID: id, Err: fmt.Errorf("%w: %v", ErrNotSent, err)}
	}
	if s.serial {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	if err == nil && cctx.Err() != nil {
		// 应答晚于超时，结果不可信
		err = cctx.Err()
	}
	if s.observer != nil {
		s.observer.ObserveGatewayCall(op, time.Since(start), err)
	}
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	return &Error{Op: op, OrderID: id, Err: err}
}
