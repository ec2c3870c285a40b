package inventory

// Valuation 基于当前 mid 价计算未实现盈亏。
func (p Position) Valuation(mid float64) (net float64, pnl float64) {
	net = p.Net
	if p.Net == 0 || mid <= 0 {
		return net, 0
	}
	pnl = (mid - p.AvgPrice) * p.Net
	return
}
