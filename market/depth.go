package market

import "time"

// Depth 保存单个交易对的最优 bid/ask。
type Depth struct {
	Symbol string
	Bid    float64
	Ask    float64
	Ts     time.Time
}

// Update 使用增量更新 bid/ask，0 表示该侧不变。
func (d *Depth) Update(bid, ask float64) {
	if bid > 0 {
		d.Bid = bid
	}
	if ask > 0 {
		d.Ask = ask
	}
}

// Mid 双边都有报价时返回中间价，否则 0。
func (d Depth) Mid() float64 {
	if d.Bid <= 0 || d.Ask <= 0 || d.Bid > d.Ask {
		return 0
	}
	return (d.Bid + d.Ask) / 2
}
