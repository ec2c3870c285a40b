package reconcile

import (
	"context"
	"fmt"
	"testing"

	"market-maker-core/gateway"
	"market-maker-core/internal/store"
	"market-maker-core/order"
	"market-maker-core/strategy"
)

func ladderPlan(levels int, mid float64) []strategy.PriceLevel {
	plan := make([]strategy.PriceLevel, 0, levels*2)
	for i := 0; i < levels; i++ {
		off := float64(i+1) * 0.5
		plan = append(plan,
			strategy.PriceLevel{Side: order.SideBuy, Price: mid - off, Size: 1, Level: i},
			strategy.PriceLevel{Side: order.SideSell, Price: mid + off, Size: 1, Level: i},
		)
	}
	return plan
}

// BenchmarkDiff 测试差分计算性能
func BenchmarkDiff(b *testing.B) {
	for _, levels := range []int{1, 5, 20} {
		b.Run(fmt.Sprintf("levels=%d", levels), func(b *testing.B) {
			st := store.New(store.Config{Symbol: "ETHUSDC"})
			rec, err := New(Config{Symbol: "ETHUSDC"}, Components{State: st, Commander: gateway.NewSender(gateway.NewPaper(gateway.PaperConfig{}), gateway.SenderConfig{})})
			if err != nil {
				b.Fatalf("new reconciler: %v", err)
			}
			plan := ladderPlan(levels, 2000)
			if _, err := rec.Reconcile(context.Background(), plan, false); err != nil {
				b.Fatalf("seed: %v", err)
			}
			live := st.SlotOrders()
			shifted := ladderPlan(levels, 2000.5)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				rec.Diff(shifted, live, false)
			}
		})
	}
}

// BenchmarkSteadyStateReconcile 计划不变时的一轮对账（不发出任何指令）
func BenchmarkSteadyStateReconcile(b *testing.B) {
	st := store.New(store.Config{Symbol: "ETHUSDC"})
	rec, err := New(Config{Symbol: "ETHUSDC", MaxInFlight: 4}, Components{State: st, Commander: gateway.NewSender(gateway.NewPaper(gateway.PaperConfig{}), gateway.SenderConfig{})})
	if err != nil {
		b.Fatalf("new reconciler: %v", err)
	}
	plan := ladderPlan(5, 2000)
	ctx := context.Background()
	if _, err := rec.Reconcile(ctx, plan, false); err != nil {
		b.Fatalf("seed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rec.Reconcile(ctx, plan, false); err != nil {
			b.Fatalf("reconcile: %v", err)
		}
	}
}
