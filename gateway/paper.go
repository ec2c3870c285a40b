package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-maker-core/order"
)

// PaperConfig 纸面交易所配置。
type PaperConfig struct {
	Latency    time.Duration // 每次请求的模拟延迟
	FillBuffer int
	// Fault 返回非 nil 时该请求失败，op 取值 place/cancel/cancel_all/open_orders。
	Fault func(op string) error
}

// Paper 内存撮合的模拟交易所：挂单在价格穿越时整笔成交，并通过 Fills 推送。
type Paper struct {
	cfg PaperConfig

	mu      sync.Mutex
	orders  map[string]*order.Order // exchangeID -> order
	seq     int
	fillSeq int
	fills   chan order.Fill

	placeCount  int
	cancelCount int
}

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 1024
	}
	return &Paper{
		cfg:    cfg,
		orders: make(map[string]*order.Order),
		fills:  make(chan order.Fill, cfg.FillBuffer),
	}
}

func (p *Paper) wait(ctx context.Context, op string) error {
	if p.cfg.Latency > 0 {
		t := time.NewTimer(p.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if p.cfg.Fault != nil {
		return p.cfg.Fault(op)
	}
	return nil
}

func (p *Paper) PlaceLimitOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := p.wait(ctx, "place"); err != nil {
		return "", err
	}
	if req.Price <= 0 || req.Size <= 0 {
		return "", fmt.Errorf("invalid order price=%.8f size=%.8f", req.Price, req.Size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.placeCount++
	id := fmt.Sprintf("P-%d", p.seq)
	p.orders[id] = &order.Order{
		ClientID:    req.ClientID,
		ExchangeID:  id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       req.Price,
		Size:        req.Size,
		PostOnly:    req.PostOnly,
		TimeInForce: req.TimeInForce,
		Status:      order.StatusOpen,
		UpdatedAt:   time.Now(),
	}
	return id, nil
}

// CancelOrder 支持交易所 ID 或 ClientID。
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.wait(ctx, "cancel"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelCount++
	id := p.resolveLocked(orderID)
	if id == "" {
		return ErrOrderNotFound
	}
	delete(p.orders, id)
	return nil
}

func (p *Paper) CancelAll(ctx context.Context, symbol string) error {
	if err := p.wait(ctx, "cancel_all"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.orders {
		if symbol == "" || o.Symbol == symbol {
			delete(p.orders, id)
			p.cancelCount++
		}
	}
	return nil
}

func (p *Paper) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	if err := p.wait(ctx, "open_orders"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]order.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeID < out[j].ExchangeID })
	return out, nil
}

func (p *Paper) Fills() <-chan order.Fill { return p.fills }

// OnPrice 以最新成交价撮合：买单价格 >= px、卖单价格 <= px 的挂单按挂单价全部成交。
func (p *Paper) OnPrice(px float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0)
	for id, o := range p.orders {
		if (o.Side == order.SideBuy && o.Price >= px) || (o.Side == order.SideSell && o.Price <= px) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := p.orders[id]
		p.fillLocked(o, o.Remaining())
	}
	return len(ids)
}

// Fill 手动对某个挂单成交 size（测试与回放用）。
func (p *Paper) Fill(orderID string, size float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.resolveLocked(orderID)
	if id == "" {
		return ErrOrderNotFound
	}
	p.fillLocked(p.orders[id], size)
	return nil
}

// Stats 返回下单与撤单请求计数。
func (p *Paper) Stats() (placed, cancelled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placeCount, p.cancelCount
}

func (p *Paper) fillLocked(o *order.Order, size float64) {
	if size > o.Remaining() {
		size = o.Remaining()
	}
	if size <= 0 {
		return
	}
	p.fillSeq++
	o.Filled += size
	f := order.Fill{
		FillID:    fmt.Sprintf("PF-%d", p.fillSeq),
		OrderID:   o.ExchangeID,
		Size:      size,
		Price:     o.Price,
		Timestamp: time.Now(),
	}
	if o.Remaining() <= 0 {
		delete(p.orders, o.ExchangeID)
	} else {
		o.Status = order.StatusPartiallyFilled
	}
	select {
	case p.fills <- f:
	default:
		// 缓冲满时丢弃，由对账补齐挂单状态
	}
}

func (p *Paper) resolveLocked(orderID string) string {
	if _, ok := p.orders[orderID]; ok {
		return orderID
	}
	for id, o := range p.orders {
		if o.ClientID == orderID {
			return id
		}
	}
	return ""
}
