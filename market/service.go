package market

import (
	"fmt"
	"sync"
	"time"

	"market-maker-core/strategy"
)

// Service 维护最新深度，并向订阅者广播。
type Service struct {
	pub   *Publisher
	now   func() time.Time
	mu    sync.RWMutex
	depth map[string]Depth
}

func NewService(pub *Publisher) *Service {
	if pub == nil {
		pub = NewPublisher()
	}
	return &Service{
		pub:   pub,
		now:   time.Now,
		depth: make(map[string]Depth),
	}
}

func (s *Service) Publisher() *Publisher { return s.pub }

// OnDepth 更新并广播。
func (s *Service) OnDepth(symbol string, bid, ask float64, ts time.Time) {
	s.mu.Lock()
	d := s.depth[symbol]
	d.Symbol = symbol
	d.Update(bid, ask)
	d.Ts = ts
	s.depth[symbol] = d
	s.mu.Unlock()
	s.pub.PublishDepth(d)
}

// OnTrade 广播成交。
func (s *Service) OnTrade(symbol string, price, qty float64, ts time.Time) {
	s.pub.PublishTrade(Trade{Symbol: symbol, Price: price, Qty: qty, Ts: ts})
}

// Mid 返回当前中间价；若缺失则返回 0。
func (s *Service) Mid(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.depth[symbol].Mid()
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (s *Service) Staleness(symbol string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.depth[symbol]
	if !ok {
		return time.Hour * 24 * 365
	}
	return s.now().Sub(d.Ts)
}

// MarketData 策略使用的行情快照。没有完整双边报价时返回 ErrPlanningUnavailable。
func (s *Service) MarketData(symbol string) (strategy.MarketData, error) {
	s.mu.RLock()
	d, ok := s.depth[symbol]
	s.mu.RUnlock()
	if !ok || d.Mid() == 0 {
		return strategy.MarketData{}, fmt.Errorf("%w: no two-sided quote for %s", strategy.ErrPlanningUnavailable, symbol)
	}
	return strategy.MarketData{
		Symbol:    symbol,
		Mid:       d.Mid(),
		BestBid:   d.Bid,
		BestAsk:   d.Ask,
		Timestamp: d.Ts,
	}, nil
}
