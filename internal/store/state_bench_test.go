package store

import (
	"strconv"
	"testing"

	"market-maker-core/order"
)

// BenchmarkApplyFill 测试成交落账性能（含去重与库存更新）
func BenchmarkApplyFill(b *testing.B) {
	st := New(Config{Symbol: "ETHUSDC"})
	o, err := st.Reserve(order.Order{Side: order.SideBuy, Price: 2000, Size: 1e12})
	if err != nil {
		b.Fatalf("reserve: %v", err)
	}
	if err := st.ConfirmPlaced(o.ClientID, "X1"); err != nil {
		b.Fatalf("confirm: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.ApplyFill(order.Fill{FillID: strconv.Itoa(i), OrderID: "X1", Size: 1, Price: 2000}); err != nil {
			b.Fatalf("apply: %v", err)
		}
	}
}

// BenchmarkSnapshot 测试调度读取快照的开销
func BenchmarkSnapshot(b *testing.B) {
	st := New(Config{Symbol: "ETHUSDC"})
	for i := 0; i < 10; i++ {
		if _, err := st.Reserve(order.Order{Side: order.SideSell, Level: i, Price: 2001, Size: 1}); err != nil {
			b.Fatalf("reserve: %v", err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = st.Snapshot()
	}
}
