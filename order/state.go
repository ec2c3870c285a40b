package order

import (
	"fmt"
	"time"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign 返回方向对应的仓位符号：买 +1，卖 -1。
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status represents order lifecycle.
type Status string

const (
	StatusPending         Status = "PENDING"          // 已提交，等待交易所确认
	StatusOpen            Status = "OPEN"             // 交易所已确认挂单
	StatusPartiallyFilled Status = "PARTIALLY_FILLED" // 部分成交
	StatusFilled          Status = "FILLED"
	StatusCancelling      Status = "CANCELLING" // 撤单请求已发出
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// IsTerminal 终态（不可再变更）。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsLive 非终态即占用档位。
func (s Status) IsLive() bool {
	return s != "" && !s.IsTerminal()
}

// IsInFlight 有未确认的下单/撤单请求。
func (s Status) IsInFlight() bool {
	return s == StatusPending || s == StatusCancelling
}

// Resting 交易所上确认挂着的订单（可撤）。
func (s Status) Resting() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// SlotKey 标识报价梯子上的一个档位 (side, level)。
type SlotKey struct {
	Side  Side
	Level int
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s#%d", k.Side, k.Level)
}

// Order holds the registry view of an order.
type Order struct {
	ClientID    string // 本地生成，下单前即存在
	ExchangeID  string // 交易所返回，Pending 时为空
	Symbol      string
	Side        Side
	Price       float64
	Size        float64
	Level       int
	PostOnly    bool
	TimeInForce string
	Status      Status
	Filled      float64
	UpdatedAt   time.Time
	LastError   string
}

// Slot 返回订单所在档位。
func (o Order) Slot() SlotKey {
	return SlotKey{Side: o.Side, Level: o.Level}
}

// Remaining 未成交数量。
func (o Order) Remaining() float64 {
	r := o.Size - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// ID 优先返回交易所 ID。
func (o Order) ID() string {
	if o.ExchangeID != "" {
		return o.ExchangeID
	}
	return o.ClientID
}
