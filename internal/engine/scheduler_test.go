package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"market-maker-core/internal/store"
	"market-maker-core/inventory"
)

func TestDefaultScheduler(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewDefaultScheduler(SchedulerConfig{
		RefreshInterval:     10 * time.Second,
		PriceDriftTolerance: 0.001,
		FullRefreshDrift:    0.01,
		InventorySkewBound:  2,
	})
	base := store.Snapshot{LastRefresh: now.Add(-time.Second), LastPlanPrice: 100}

	tests := []struct {
		name string
		mid  float64
		snap func(store.Snapshot) store.Snapshot
		want Decision
	}{
		{"首次报价", 100, func(s store.Snapshot) store.Snapshot { return store.Snapshot{} }, Decision{Refresh: true, Reason: ReasonInitial}},
		{"无变化", 100.05, nil, Decision{}},
		{"强制刷新", 100, func(s store.Snapshot) store.Snapshot { s.ForceRefresh = true; return s }, Decision{Refresh: true, Reason: ReasonForce}},
		{"间隔到期", 100, func(s store.Snapshot) store.Snapshot { s.LastRefresh = now.Add(-10 * time.Second); return s }, Decision{Refresh: true, Reason: ReasonInterval}},
		{"价格漂移", 100.2, nil, Decision{Refresh: true, Reason: ReasonDrift}},
		{"大幅漂移整体重挂", 98.9, nil, Decision{Refresh: true, Full: true, Reason: ReasonDrift}},
		{"库存偏离", 100, func(s store.Snapshot) store.Snapshot { s.Inventory = inventory.Position{Net: -2.5}; return s }, Decision{Refresh: true, Reason: ReasonSkew}},
		{"库存在界内", 100, func(s store.Snapshot) store.Snapshot { s.Inventory = inventory.Position{Net: 2}; return s }, Decision{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := base
			if tt.snap != nil {
				snap = tt.snap(base)
			}
			assert.Equal(t, tt.want, s.ShouldRefresh(now, tt.mid, snap))
		})
	}
}

func TestSchedulerIsSideEffectFree(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewDefaultScheduler(SchedulerConfig{RefreshInterval: time.Second})
	snap := store.Snapshot{LastRefresh: now.Add(-2 * time.Second), LastPlanPrice: 100}
	first := s.ShouldRefresh(now, 100, snap)
	assert.Equal(t, first, s.ShouldRefresh(now, 100, snap))

	s.Update(SchedulerConfig{RefreshInterval: time.Minute})
	assert.False(t, s.ShouldRefresh(now, 100, snap).Refresh)
}
