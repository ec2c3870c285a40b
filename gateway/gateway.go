package gateway

import (
	"context"
	"errors"
	"fmt"

	"market-maker-core/order"
)

// ErrOrderNotFound 撤单目标在交易所已不存在（已成交或已撤）。
var ErrOrderNotFound = errors.New("order not found on exchange")

// ErrNotSent 请求在发出前被放弃（限速等待期间 ctx 结束），交易所未收到。
var ErrNotSent = errors.New("request not sent")

// PlaceRequest 限价单请求。ClientID 由本地登记簿生成并透传给交易所。
type PlaceRequest struct {
	ClientID    string
	Symbol      string
	Side        order.Side
	Price       float64
	Size        float64
	PostOnly    bool
	TimeInForce string
}

// Gateway 交易所下单通道。
// PlaceLimitOrder 成功但返回空 ID 时，结果视为不确定，由调用方触发对账。
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, req PlaceRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]order.Order, error)
}

// FillSource 成交推送源，通道关闭表示推送结束。
type FillSource interface {
	Fills() <-chan order.Fill
}

// Error 网关调用失败。
type Error struct {
	Op      string
	OrderID string
	Err     error
}

func (e *Error) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("gateway %s %s: %v", e.Op, e.OrderID, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout 请求结果未知（超时或被取消）。
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
