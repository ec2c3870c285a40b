package order

import (
	"fmt"
	"time"
)

// Fill 交易所成交推送。
// OrderID 可以是交易所 ID 或本地 ClientID。
type Fill struct {
	FillID    string
	OrderID   string
	Size      float64
	Price     float64
	Timestamp time.Time
}

func (f Fill) Validate() error {
	if f.FillID == "" {
		return fmt.Errorf("%w: missing fill id", ErrInvalidFill)
	}
	if f.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrInvalidFill)
	}
	if f.Size <= 0 || f.Price <= 0 {
		return fmt.Errorf("%w: size=%.8f price=%.8f", ErrInvalidFill, f.Size, f.Price)
	}
	return nil
}
