package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"market-maker-core/inventory"
	"market-maker-core/order"
)

// LadderConfig 对称多层报价参数。
type LadderConfig struct {
	Levels         int     // 每侧层数
	BaseSpread     float64 // 最内层买卖价差（相对 mid，如 0.001 = 10bps）
	LevelSpacing   float64 // 层间距（相对 mid）
	BaseSize       float64 // 最内层数量
	SizeStep       float64 // 每往外一层增加的数量
	TargetPosition float64 // 目标仓位
	MaxPosition    float64 // 超过后停止继续加仓方向的报价
	SkewFactor     float64 // 库存倾斜因子（0-1）
	MaxStaleness   time.Duration
	PostOnly       bool
	TimeInForce    string
	Constraints    order.SymbolConstraints
}

// Validate 检查必填参数。
func (c LadderConfig) Validate() error {
	if c.Levels <= 0 {
		return errors.New("ladder levels must be > 0")
	}
	if c.BaseSpread <= 0 {
		return errors.New("ladder baseSpread must be > 0")
	}
	if c.BaseSize <= 0 {
		return errors.New("ladder baseSize must be > 0")
	}
	if c.LevelSpacing < 0 || c.SizeStep < 0 || c.MaxPosition < 0 {
		return errors.New("ladder spacing/sizeStep/maxPosition must be >= 0")
	}
	if c.SkewFactor < 0 || c.SkewFactor > 1 {
		return fmt.Errorf("ladder skewFactor must be within [0,1], got %f", c.SkewFactor)
	}
	return nil
}

// Ladder 围绕 mid 生成多层对称报价，按库存偏离整体平移。
type Ladder struct {
	cfg LadderConfig
	now func() time.Time
}

func NewLadder(cfg LadderConfig) (*Ladder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "GTC"
	}
	return &Ladder{cfg: cfg, now: time.Now}, nil
}

// Plan 实现 Planner。
func (l *Ladder) Plan(md MarketData, inv inventory.Position) ([]PriceLevel, error) {
	if md.Mid <= 0 {
		return nil, fmt.Errorf("%w: no mid price", ErrPlanningUnavailable)
	}
	if l.cfg.MaxStaleness > 0 && !md.Timestamp.IsZero() && l.now().Sub(md.Timestamp) > l.cfg.MaxStaleness {
		return nil, fmt.Errorf("%w: market data stale since %s", ErrPlanningUnavailable, md.Timestamp.Format(time.RFC3339))
	}

	halfSpread := l.cfg.BaseSpread * md.Mid / 2
	spacing := l.cfg.LevelSpacing * md.Mid
	if spacing <= 0 {
		spacing = halfSpread
	}

	// inventoryRatio: -1 (满仓空头) 到 +1 (满仓多头)
	skew := inv.Skew(l.cfg.TargetPosition)
	ratio := 0.0
	if l.cfg.MaxPosition > 0 {
		ratio = math.Max(-1, math.Min(1, skew/l.cfg.MaxPosition))
	}
	// 多头过多时整体下移，促进卖出、抑制买入
	shift := ratio * l.cfg.SkewFactor * halfSpread * 2

	quoteBuy := l.cfg.MaxPosition <= 0 || skew < l.cfg.MaxPosition
	quoteSell := l.cfg.MaxPosition <= 0 || skew > -l.cfg.MaxPosition

	levels := make([]PriceLevel, 0, l.cfg.Levels*2)
	for i := 0; i < l.cfg.Levels; i++ {
		offset := halfSpread + float64(i)*spacing
		size := l.cfg.BaseSize + float64(i)*l.cfg.SizeStep
		if quoteBuy {
			if lvl, ok := l.level(order.SideBuy, i, md.Mid-offset-shift, size); ok {
				levels = append(levels, lvl)
			}
		}
		if quoteSell {
			if lvl, ok := l.level(order.SideSell, i, md.Mid+offset-shift, size); ok {
				levels = append(levels, lvl)
			}
		}
	}
	SortLevels(levels)
	return levels, nil
}

func (l *Ladder) level(side order.Side, idx int, price, size float64) (PriceLevel, bool) {
	price, size = l.cfg.Constraints.Align(side, price, size)
	if price <= 0 || size <= 0 {
		return PriceLevel{}, false
	}
	return PriceLevel{
		Side:        side,
		Price:       price,
		Size:        size,
		Level:       idx,
		PostOnly:    l.cfg.PostOnly,
		TimeInForce: l.cfg.TimeInForce,
	}, true
}

// Config 返回当前参数。
func (l *Ladder) Config() LadderConfig {
	return l.cfg
}
