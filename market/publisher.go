package market

import (
	"sync"
	"time"
)

// Trade 公共成交。
type Trade struct {
	Symbol string
	Price  float64
	Qty    float64
	Ts     time.Time
}

// Publisher 一个轻量事件分发器；订阅者处理不过来时丢弃旧事件。
type Publisher struct {
	mu        sync.RWMutex
	depthSubs []chan Depth
	tradeSubs []chan Trade
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) SubscribeDepth() <-chan Depth {
	ch := make(chan Depth, 1)
	p.mu.Lock()
	p.depthSubs = append(p.depthSubs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Publisher) SubscribeTrade() <-chan Trade {
	ch := make(chan Trade, 16)
	p.mu.Lock()
	p.tradeSubs = append(p.tradeSubs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Publisher) PublishDepth(d Depth) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.depthSubs {
		select {
		case ch <- d:
		default:
		}
	}
}

func (p *Publisher) PublishTrade(t Trade) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.tradeSubs {
		select {
		case ch <- t:
		default:
		}
	}
}
