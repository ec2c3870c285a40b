package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-maker-core/inventory"
	"market-maker-core/order"
)

func newTestLadder(t *testing.T, mut func(*LadderConfig)) *Ladder {
	t.Helper()
	cfg := LadderConfig{
		Levels:       3,
		BaseSpread:   0.002,
		LevelSpacing: 0.001,
		BaseSize:     1,
		SizeStep:     0.5,
		MaxPosition:  10,
		SkewFactor:   0.5,
		Constraints:  order.SymbolConstraints{TickSize: 0.01, StepSize: 0.001},
	}
	if mut != nil {
		mut(&cfg)
	}
	l, err := NewLadder(cfg)
	require.NoError(t, err)
	return l
}

func TestNewLadder_Invalid(t *testing.T) {
	_, err := NewLadder(LadderConfig{})
	assert.Error(t, err)
	_, err = NewLadder(LadderConfig{Levels: 1, BaseSpread: 0.001, BaseSize: 1, SkewFactor: 2})
	assert.Error(t, err)
}

func TestLadderPlan_Symmetric(t *testing.T) {
	l := newTestLadder(t, nil)
	levels, err := l.Plan(MarketData{Mid: 100}, inventory.Position{})
	require.NoError(t, err)
	require.Len(t, levels, 6)
	require.NoError(t, ValidateLevels(levels))

	// 买单在前，档位升序
	for i := 0; i < 3; i++ {
		assert.Equal(t, order.SideBuy, levels[i].Side)
		assert.Equal(t, i, levels[i].Level)
		assert.Equal(t, order.SideSell, levels[i+3].Side)
		assert.Equal(t, i, levels[i+3].Level)
	}
	assert.InDelta(t, 99.9, levels[0].Price, 1e-9)
	assert.InDelta(t, 100.1, levels[3].Price, 1e-9)
	assert.InDelta(t, 2.0, levels[2].Size, 1e-9)
	assert.Equal(t, "GTC", levels[0].TimeInForce)
}

func TestLadderPlan_Deterministic(t *testing.T) {
	l := newTestLadder(t, nil)
	md := MarketData{Mid: 2000.5}
	inv := inventory.Position{Net: 3, AvgPrice: 1990}
	a, err := l.Plan(md, inv)
	require.NoError(t, err)
	b, err := l.Plan(md, inv)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLadderPlan_SkewShiftsDown(t *testing.T) {
	l := newTestLadder(t, nil)
	flat, err := l.Plan(MarketData{Mid: 100}, inventory.Position{})
	require.NoError(t, err)
	long, err := l.Plan(MarketData{Mid: 100}, inventory.Position{Net: 5})
	require.NoError(t, err)
	assert.Less(t, long[0].Price, flat[0].Price)
	assert.Less(t, long[3].Price, flat[3].Price)
}

func TestLadderPlan_MaxPositionDropsSide(t *testing.T) {
	l := newTestLadder(t, nil)
	levels, err := l.Plan(MarketData{Mid: 100}, inventory.Position{Net: 10})
	require.NoError(t, err)
	for _, lvl := range levels {
		assert.Equal(t, order.SideSell, lvl.Side)
	}
}

func TestLadderPlan_Unavailable(t *testing.T) {
	l := newTestLadder(t, func(c *LadderConfig) { c.MaxStaleness = time.Second })
	_, err := l.Plan(MarketData{}, inventory.Position{})
	assert.True(t, errors.Is(err, ErrPlanningUnavailable))

	now := time.Now()
	l.now = func() time.Time { return now }
	_, err = l.Plan(MarketData{Mid: 100, Timestamp: now.Add(-time.Minute)}, inventory.Position{})
	assert.True(t, errors.Is(err, ErrPlanningUnavailable))
}

func TestValidateLevels(t *testing.T) {
	dup := []PriceLevel{
		{Side: order.SideBuy, Price: 1, Size: 1, Level: 0},
		{Side: order.SideBuy, Price: 2, Size: 1, Level: 0},
	}
	assert.Error(t, ValidateLevels(dup))
	assert.Error(t, ValidateLevels([]PriceLevel{{Side: "HOLD", Price: 1, Size: 1}}))
	assert.Error(t, ValidateLevels([]PriceLevel{{Side: order.SideSell, Price: 0, Size: 1}}))
}
