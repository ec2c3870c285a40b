package inventory

import "math"

// Position 单一交易对的净仓位与持仓均价。
// 不自带锁，由持有方（store.BotState）统一加锁。
type Position struct {
	Net         float64
	AvgPrice    float64
	RealizedPnL float64
	Volume      float64 // 累计成交量（绝对值）
}

// Apply 按成交数量（带符号，买为正）调整仓位并更新均价。
// 加仓时加权平均；减仓时均价不变并结算已实现盈亏；穿仓时以成交价作为新均价。
func (p *Position) Apply(delta, price float64) {
	if delta == 0 {
		return
	}
	p.Volume += math.Abs(delta)
	switch {
	case p.Net == 0 || sameSign(p.Net, delta):
		total := p.AvgPrice*p.Net + price*delta
		p.Net += delta
		p.AvgPrice = total / p.Net
	case math.Abs(delta) <= math.Abs(p.Net):
		closed := -delta
		p.RealizedPnL += (price - p.AvgPrice) * closed
		p.Net += delta
		if nearZero(p.Net) {
			p.Net = 0
			p.AvgPrice = 0
		}
	default:
		closed := p.Net
		p.RealizedPnL += (price - p.AvgPrice) * closed
		p.Net += delta
		p.AvgPrice = price
	}
}

// Skew 相对目标仓位的偏离。
func (p Position) Skew(target float64) float64 {
	return p.Net - target
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func nearZero(v float64) bool {
	return math.Abs(v) < 1e-12
}
