package market

import (
	"context"
	"math/rand"
	"time"
)

// RandomWalkConfig 模拟行情参数。
type RandomWalkConfig struct {
	Symbol   string
	Start    float64
	Step     float64 // 每次跳动的标准差（价格单位）
	Spread   float64 // 买卖价差（价格单位）
	Interval time.Duration
	Seed     int64
}

// RandomWalk 以高斯扰动生成中间价，推送到 Service（paper/dry-run 模式使用）。
type RandomWalk struct {
	cfg RandomWalkConfig
	svc *Service
	rng *rand.Rand
	mid float64
}

func NewRandomWalk(cfg RandomWalkConfig, svc *Service) *RandomWalk {
	if cfg.Start <= 0 {
		cfg.Start = 100
	}
	if cfg.Spread <= 0 {
		cfg.Spread = cfg.Start * 0.0002
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &RandomWalk{
		cfg: cfg,
		svc: svc,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		mid: cfg.Start,
	}
}

// Step 推进一步并返回新的中间价。
func (w *RandomWalk) Step(now time.Time) float64 {
	next := w.mid + w.rng.NormFloat64()*w.cfg.Step
	if next > w.cfg.Spread {
		w.mid = next
	}
	half := w.cfg.Spread / 2
	w.svc.OnDepth(w.cfg.Symbol, w.mid-half, w.mid+half, now)
	w.svc.OnTrade(w.cfg.Symbol, w.mid, 0, now)
	return w.mid
}

// Run 按固定间隔推进，直到 ctx 结束。
func (w *RandomWalk) Run(ctx context.Context) error {
	w.Step(time.Now())
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			w.Step(now)
		}
	}
}
