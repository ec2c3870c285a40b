package order

import (
	"fmt"
	"math"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty float64) error {
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if c.StepSize > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %.8f not aligned to stepSize %.8f", qty, c.StepSize)
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return fmt.Errorf("qty %.8f < minQty %.8f", qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("qty %.8f > maxQty %.8f", qty, c.MaxQty)
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*qty, c.MinNotional)
	}
	return nil
}

// Align 将价格/数量对齐到精度：买单价格向下取整、卖单向上取整，数量向下取整，
// 保证对齐后不会比原报价更激进。
func (c SymbolConstraints) Align(side Side, price, qty float64) (float64, float64) {
	if c.TickSize > 0 {
		ticks := price / c.TickSize
		if side == SideBuy {
			ticks = math.Floor(ticks + 1e-9)
		} else {
			ticks = math.Ceil(ticks - 1e-9)
		}
		price = roundTo(ticks*c.TickSize, c.TickSize)
	}
	if c.StepSize > 0 {
		qty = roundTo(math.Floor(qty/c.StepSize+1e-9)*c.StepSize, c.StepSize)
	}
	return price, qty
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}

// roundTo 去掉浮点乘法带来的尾差。
func roundTo(v, step float64) float64 {
	decimals := 0
	for s := step; s < 1 && decimals < 12; s *= 10 {
		decimals++
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
