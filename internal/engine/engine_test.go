package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-maker-core/gateway"
	"market-maker-core/infrastructure/alert"
	"market-maker-core/internal/fill"
	"market-maker-core/internal/reconcile"
	"market-maker-core/internal/store"
	"market-maker-core/inventory"
	"market-maker-core/market"
	"market-maker-core/order"
	"market-maker-core/strategy"
)

const symbol = "ETHUSDC"

var errExchangeDown = errors.New("exchange down")

type rig struct {
	engine  *Engine
	state   *store.BotState
	paper   *gateway.Paper
	market  *market.Service
	alerts  *alert.MockChannel
	plans   *atomic.Int64
	blocked *atomic.Bool  // 为真时撤单失败
	offline *atomic.Bool  // 为真时查询挂单失败
	slow    *atomic.Int64 // 下单应答延迟（纳秒），不受 ctx 控制
}

func newRig(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	r := &rig{
		plans:   new(atomic.Int64),
		blocked: new(atomic.Bool),
		offline: new(atomic.Bool),
		slow:    new(atomic.Int64),
		alerts:  alert.NewMockChannel("mock"),
	}
	r.paper = gateway.NewPaper(gateway.PaperConfig{
		Fault: func(op string) error {
			if d := r.slow.Load(); d > 0 && op == "place" {
				time.Sleep(time.Duration(d))
			}
			switch {
			case r.blocked.Load() && (op == "cancel" || op == "cancel_all"):
				return errExchangeDown
			case r.offline.Load() && op == "open_orders":
				return errExchangeDown
			}
			return nil
		},
	})
	r.state = store.New(store.Config{Symbol: symbol})
	r.market = market.NewService(nil)
	alerts := alert.NewManager([]alert.Channel{r.alerts}, 0)

	sender := gateway.NewSender(r.paper, gateway.SenderConfig{AckTimeout: time.Second})
	rec, err := reconcile.New(reconcile.Config{
		Symbol:         symbol,
		PriceTolerance: 1e-9,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
		MaxInFlight:    2,
	}, reconcile.Components{State: r.state, Commander: sender, Alerts: alerts})
	require.NoError(t, err)

	proc := fill.New(fill.Config{UnmatchedWindow: time.Second}, fill.Components{State: r.state, Alerts: alerts})

	planner := strategy.PlannerFunc(func(md strategy.MarketData, inv inventory.Position) ([]strategy.PriceLevel, error) {
		r.plans.Add(1)
		return []strategy.PriceLevel{
			{Side: order.SideBuy, Price: 100, Size: 1},
			{Side: order.SideSell, Price: 101, Size: 1},
		}, nil
	})

	cfg := Config{
		Symbol:          symbol,
		TickInterval:    5 * time.Millisecond,
		ShutdownTimeout: 200 * time.Millisecond,
		ShutdownPoll:    10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg, Components{
		State:      r.state,
		Planner:    planner,
		Scheduler:  NewDefaultScheduler(SchedulerConfig{RefreshInterval: time.Hour, PriceDriftTolerance: 0.01, InventorySkewBound: 10}),
		Reconciler: rec,
		Fills:      proc,
		FillSource: r.paper.Fills(),
		Market:     r.market,
		Alerts:     alerts,
	})
	require.NoError(t, err)
	r.engine = eng
	return r
}

func (r *rig) orderAt(side order.Side) (order.Order, bool) {
	o, ok := r.state.SlotOrders()[order.SlotKey{Side: side}]
	return o, ok && o.Status == order.StatusOpen
}

func TestEngineFillTriggersReplan(t *testing.T) {
	r := newRig(t, nil)
	r.market.OnDepth(symbol, 100.4, 100.6, time.Now())
	require.NoError(t, r.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, buyOK := r.orderAt(order.SideBuy)
		_, sellOK := r.orderAt(order.SideSell)
		return buyOK && sellOK
	}, 2*time.Second, 5*time.Millisecond)

	buy, _ := r.orderAt(order.SideBuy)
	sell, _ := r.orderAt(order.SideSell)
	require.NoError(t, r.paper.Fill(buy.ExchangeID, 1))

	require.Eventually(t, func() bool {
		o, ok := r.state.Lookup(buy.ClientID)
		return ok && o.Status == order.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	inv := r.state.Inventory()
	assert.InDelta(t, 1.0, inv.Net, 1e-12)
	assert.InDelta(t, 100.0, inv.AvgPrice, 1e-12)

	// 成交后强制刷新：买档重新挂出，卖档保持不动
	require.Eventually(t, func() bool {
		o, ok := r.orderAt(order.SideBuy)
		return ok && o.ClientID != buy.ClientID
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.plans.Load(), int64(2))
	kept, ok := r.orderAt(order.SideSell)
	require.True(t, ok)
	assert.Equal(t, sell.ClientID, kept.ClientID)
	placed, _ := r.paper.Stats()
	assert.Equal(t, 3, placed)

	report, err := r.engine.Stop()
	require.NoError(t, err)
	assert.True(t, report.Clean)
	assert.Equal(t, 0, r.state.LiveCount())
	open, err := r.paper.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, StateStopped, r.engine.GetState())
	assert.Equal(t, int64(3), r.engine.GetStatistics().TotalPlaced)
}

func TestEngineShutdownReportsResidue(t *testing.T) {
	r := newRig(t, nil)
	r.market.OnDepth(symbol, 100.4, 100.6, time.Now())
	require.NoError(t, r.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return r.state.LiveCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	r.blocked.Store(true)
	report, err := r.engine.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShutdownIncomplete)
	assert.False(t, report.Clean)
	assert.Len(t, report.Remaining, 2)
	assert.Contains(t, r.alerts.Kinds(), alert.KindShutdown)
	for _, o := range r.state.LiveOrders() {
		assert.Equal(t, order.StatusCancelling, o.Status)
	}
}

func TestEngineStopWaitsForInFlightPlacement(t *testing.T) {
	r := newRig(t, nil)
	r.slow.Store(int64(400 * time.Millisecond))
	r.market.OnDepth(symbol, 100.4, 100.6, time.Now())
	require.NoError(t, r.engine.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	report, err := r.engine.Stop()
	require.NoError(t, err)
	assert.True(t, report.Clean)

	// 下单在停机开始后才落到交易所，停机撤单必须覆盖到
	placed, _ := r.paper.Stats()
	assert.Equal(t, 2, placed)
	open, err := r.paper.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 0, r.state.LiveCount())
}

func TestEngineConcurrentStop(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.engine.Start(context.Background()))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.engine.Stop()
			errs <- err
		}()
	}
	var failed int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, StateStopped, r.engine.GetState())
}

func TestEngineWithoutMarketDataPlacesNothing(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.engine.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int64(0), r.plans.Load())
	assert.Equal(t, 0, r.state.LiveCount())
	report, err := r.engine.Stop()
	require.NoError(t, err)
	assert.True(t, report.Clean)
}

func TestEngineStopsWhenResyncFailsPastCeiling(t *testing.T) {
	r := newRig(t, func(c *Config) { c.ResyncFailureCeiling = 20 * time.Millisecond })
	r.market.OnDepth(symbol, 100.4, 100.6, time.Now())
	r.offline.Store(true)
	r.state.RequestResync()

	require.NoError(t, r.engine.Start(context.Background()))
	select {
	case <-r.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.ErrorIs(t, r.engine.Err(), ErrResyncCeiling)
	assert.Equal(t, int64(0), r.plans.Load())
	assert.Contains(t, r.alerts.Kinds(), alert.KindResync)

	r.offline.Store(false)
	_, err := r.engine.Stop()
	require.NoError(t, err)
}

func TestEnginePauseResume(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.engine.Start(context.Background()))
	require.NoError(t, r.engine.Pause())
	assert.Equal(t, StatePaused, r.engine.GetState())
	assert.Error(t, r.engine.Pause())

	r.market.OnDepth(symbol, 100.4, 100.6, time.Now())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(0), r.plans.Load())

	require.NoError(t, r.engine.Resume())
	require.Eventually(t, func() bool { return r.state.LiveCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err := r.engine.Stop()
	require.NoError(t, err)
	_, err = r.engine.Stop()
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.Error(t, err)
	_, err = New(Config{Symbol: symbol}, Components{})
	assert.Error(t, err)
}
