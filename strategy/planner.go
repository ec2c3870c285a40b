package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"market-maker-core/inventory"
	"market-maker-core/order"
)

// ErrPlanningUnavailable 策略无法给出报价（行情缺失/过期等），本轮跳过。
var ErrPlanningUnavailable = errors.New("planning unavailable")

// MarketData 提供给策略的行情快照。
type MarketData struct {
	Symbol    string
	Mid       float64
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// PriceLevel 策略输出的单个目标档位，只做比较，不落库。
type PriceLevel struct {
	Side        order.Side
	Price       float64
	Size        float64
	Level       int // 0 为最内层
	PostOnly    bool
	TimeInForce string
}

func (l PriceLevel) Slot() order.SlotKey {
	return order.SlotKey{Side: l.Side, Level: l.Level}
}

// Planner 报价策略。实现必须是纯函数：相同输入得到相同输出，且不触碰订单登记表。
type Planner interface {
	Plan(md MarketData, inv inventory.Position) ([]PriceLevel, error)
}

// FillObserver 可选：策略希望在每笔成交落账后得到通知。
// OnFill 串行调用，顺序与成交生效顺序一致；回调阻塞会拖住后续成交处理。
type FillObserver interface {
	OnFill(fill order.Fill, side order.Side, inv inventory.Position)
}

// PlannerFunc 便于测试时用函数充当 Planner。
type PlannerFunc func(md MarketData, inv inventory.Position) ([]PriceLevel, error)

func (f PlannerFunc) Plan(md MarketData, inv inventory.Position) ([]PriceLevel, error) {
	return f(md, inv)
}

// SortLevels 按 (side, level) 稳定排序：买单在前，档位升序。
func SortLevels(levels []PriceLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].Side != levels[j].Side {
			return levels[i].Side == order.SideBuy
		}
		return levels[i].Level < levels[j].Level
	})
}

// ValidateLevels 检查策略输出：方向合法、价格数量为正、同一档位不重复。
func ValidateLevels(levels []PriceLevel) error {
	seen := make(map[order.SlotKey]struct{}, len(levels))
	for _, l := range levels {
		if !l.Side.Valid() {
			return fmt.Errorf("invalid side %q at level %d", l.Side, l.Level)
		}
		if l.Level < 0 {
			return fmt.Errorf("negative level index %d", l.Level)
		}
		if l.Price <= 0 || l.Size <= 0 {
			return fmt.Errorf("level %s: price=%.8f size=%.8f must be > 0", l.Slot(), l.Price, l.Size)
		}
		if _, dup := seen[l.Slot()]; dup {
			return fmt.Errorf("duplicate level %s", l.Slot())
		}
		seen[l.Slot()] = struct{}{}
	}
	return nil
}
