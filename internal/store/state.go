package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"market-maker-core/inventory"
	"market-maker-core/order"
)

// EventSink 接收登记簿中的异常事件（超额成交、终态订单成交、状态分歧等）。
type EventSink func(string, map[string]interface{})

// Config BotState 配置。
type Config struct {
	Symbol        string
	SizeTolerance float64       // 判断完全成交的数量容差
	Retention     time.Duration // 终态订单与已处理 fillId 的保留时长，0 表示不清理
	Journal       Journal
	Sink          EventSink
	Now           func() time.Time
	NewClientID   func() string
}

// BotState 订单登记簿与库存；两个并发路径（对账与成交处理）只通过这里交换状态，
// 所有读写都在同一把锁下完成。
type BotState struct {
	symbol    string
	tolerance float64
	retention time.Duration
	journal   Journal
	sink      EventSink
	now       func() time.Time
	newID     func() string

	// jmu 保证成交日志按生效顺序写入，写盘时不持有 mu
	jmu sync.Mutex

	mu         sync.RWMutex
	orders     map[string]*order.Order // clientID -> order
	byExchange map[string]string       // exchangeID -> clientID
	slots      map[order.SlotKey]string
	placing    map[string]struct{} // 下单请求尚未返回的 clientID

	inv           inventory.Position
	lastRefresh   time.Time
	lastPlanPrice float64
	forceSeq      uint64
	forceAck      uint64
	needResync    bool
	seenFills     map[string]seenFill
}

// seenFill 已生效的 fillId 归属的订单；从日志恢复的记录没有订单。
type seenFill struct {
	clientID string
	at       time.Time
}

// Snapshot 调度器所需的只读视图。
type Snapshot struct {
	LastRefresh   time.Time
	LastPlanPrice float64
	ForceRefresh  bool
	ForceSeq      uint64
	NeedResync    bool
	Inventory     inventory.Position
	LiveOrders    int
}

// FillResult ApplyFill 的结果。
type FillResult struct {
	Order     order.Order
	Inventory inventory.Position
	Completed bool // 本次成交使订单变为 FILLED
	Terminal  bool // 订单此前已处于终态，仅更新了库存
	Overfill  float64
}

// ResyncResult 与交易所挂单比对的结果。
type ResyncResult struct {
	Divergences []string      // 被覆盖的本地订单 clientID
	Orphans     []order.Order // 交易所存在但本地无活跃记录
	Recancel    []order.Order // 本地撤单中但交易所仍挂着
	Closed      int           // 本地活跃但交易所已不存在
}

func newClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func New(cfg Config) *BotState {
	s := &BotState{
		symbol:     cfg.Symbol,
		tolerance:  cfg.SizeTolerance,
		retention:  cfg.Retention,
		journal:    cfg.Journal,
		sink:       cfg.Sink,
		now:        cfg.Now,
		newID:      cfg.NewClientID,
		orders:     make(map[string]*order.Order),
		byExchange: make(map[string]string),
		slots:      make(map[order.SlotKey]string),
		placing:    make(map[string]struct{}),
		seenFills:  make(map[string]seenFill),
	}
	if s.tolerance <= 0 {
		s.tolerance = 1e-9
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = newClientID
	}
	return s
}

func (s *BotState) Symbol() string { return s.symbol }

func (s *BotState) emit(event string, fields map[string]interface{}) {
	if s.sink != nil {
		s.sink(event, fields)
	}
}

// Reserve 为档位创建 PENDING 订单并占用档位；档位已有活跃订单时返回 ErrSlotBusy。
func (s *BotState) Reserve(o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := o.Slot()
	if cid, ok := s.slots[key]; ok {
		return order.Order{}, fmt.Errorf("%w: %s held by %s", order.ErrSlotBusy, key, cid)
	}
	o.ClientID = s.newID()
	o.ExchangeID = ""
	o.Symbol = s.symbol
	o.Status = order.StatusPending
	o.Filled = 0
	o.UpdatedAt = s.now()
	o.LastError = ""
	rec := o
	s.orders[o.ClientID] = &rec
	s.slots[key] = o.ClientID
	s.placing[o.ClientID] = struct{}{}
	return o, nil
}

// EndPlace 下单请求已返回（无论结果），此后对账可以关闭交易所上不存在的该订单。
// ConfirmPlaced 与 MarkRejected 隐含 EndPlace。
func (s *BotState) EndPlace(clientID string) {
	s.mu.Lock()
	delete(s.placing, clientID)
	s.mu.Unlock()
}

// ConfirmPlaced 记录下单应答。exchangeID 为空时结果不确定：订单保持 PENDING 并要求对账。
func (s *BotState) ConfirmPlaced(clientID, exchangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrUnknownOrder, clientID)
	}
	delete(s.placing, clientID)
	if exchangeID == "" {
		s.needResync = true
		o.LastError = "empty exchange id"
		return nil
	}
	o.ExchangeID = exchangeID
	s.byExchange[exchangeID] = clientID
	o.UpdatedAt = s.now()
	// 成交推送或对账可能先于应答改变了状态
	if o.Status == order.StatusPending {
		o.Status = order.StatusOpen
	}
	return nil
}

// MarkRejected 下单最终失败，释放档位。
func (s *BotState) MarkRejected(clientID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrUnknownOrder, clientID)
	}
	delete(s.placing, clientID)
	if err := s.transitionLocked(o, order.StatusRejected); err != nil {
		return err
	}
	o.LastError = reason
	return nil
}

// BeginCancel 发出撤单前调用：OPEN/PARTIALLY_FILLED -> CANCELLING。
func (s *BotState) BeginCancel(clientID string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientID]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrUnknownOrder, clientID)
	}
	if err := s.transitionLocked(o, order.StatusCancelling); err != nil {
		return order.Order{}, err
	}
	return *o, nil
}

// ConfirmCancelled 撤单确认。订单若已在撤单期间成交完毕则保持终态。
func (s *BotState) ConfirmCancelled(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrUnknownOrder, clientID)
	}
	if o.Status.IsTerminal() {
		return nil
	}
	return s.transitionLocked(o, order.StatusCancelled)
}

// NoteError 记录最近一次命令失败原因。
func (s *BotState) NoteError(clientID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[clientID]; ok {
		o.LastError = reason
		o.UpdatedAt = s.now()
	}
}

func (s *BotState) transitionLocked(o *order.Order, to order.Status) error {
	if err := order.ValidateTransition(o.Status, to); err != nil {
		return fmt.Errorf("order %s: %w", o.ClientID, err)
	}
	o.Status = to
	o.UpdatedAt = s.now()
	if to.IsTerminal() && s.slots[o.Slot()] == o.ClientID {
		delete(s.slots, o.Slot())
	}
	return nil
}

func (s *BotState) resolveLocked(id string) (*order.Order, bool) {
	if cid, ok := s.byExchange[id]; ok {
		o, ok := s.orders[cid]
		return o, ok
	}
	o, ok := s.orders[id]
	return o, ok
}

// Lookup 按交易所 ID 或 clientID 查询订单。
func (s *BotState) Lookup(id string) (order.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.resolveLocked(id)
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

// SeenFill 该 fillId 是否已生效。
func (s *BotState) SeenFill(fillID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seenFills[fillID]
	return ok
}

// ApplyFill 成交生效：去重、累加成交量（不超过订单数量）、推进状态、更新库存并写日志。
// 找不到订单返回 ErrUnknownOrder，此时 fillId 不被标记，可稍后重试。
func (s *BotState) ApplyFill(f order.Fill) (FillResult, error) {
	if err := f.Validate(); err != nil {
		return FillResult{}, err
	}
	s.mu.Lock()
	res, err := s.applyFillLocked(f)
	if err != nil || s.journal == nil {
		s.mu.Unlock()
		return res, err
	}
	s.jmu.Lock()
	s.mu.Unlock()
	defer s.jmu.Unlock()
	if jerr := s.journal.Append(JournalEntry{Fill: f, Side: res.Order.Side}); jerr != nil {
		s.emit("journal_error", map[string]interface{}{"fillId": f.FillID, "error": jerr.Error()})
	}
	return res, nil
}

func (s *BotState) applyFillLocked(f order.Fill) (FillResult, error) {
	if _, ok := s.seenFills[f.FillID]; ok {
		return FillResult{}, fmt.Errorf("%w: %s", order.ErrDuplicateFill, f.FillID)
	}
	o, ok := s.resolveLocked(f.OrderID)
	if !ok {
		return FillResult{}, fmt.Errorf("%w: %s", order.ErrUnknownOrder, f.OrderID)
	}
	s.seenFills[f.FillID] = seenFill{clientID: o.ClientID, at: s.now()}
	s.inv.Apply(o.Side.Sign()*f.Size, f.Price)

	res := FillResult{}
	if o.Status.IsTerminal() {
		res.Terminal = true
		s.emit("fill_on_terminal", map[string]interface{}{
			"clientId": o.ClientID, "status": string(o.Status), "fillId": f.FillID, "size": f.Size,
		})
	} else {
		filled := o.Filled + f.Size
		if filled > o.Size+s.tolerance {
			res.Overfill = filled - o.Size
			s.emit("overfill", map[string]interface{}{
				"clientId": o.ClientID, "fillId": f.FillID, "excess": res.Overfill,
			})
			filled = o.Size
		}
		o.Filled = filled
		next := order.FillStatus(filled, o.Size, s.tolerance)
		if err := s.transitionLocked(o, next); err != nil {
			// 合法成交不会走到这里，状态保持不变
			s.emit("fill_transition", map[string]interface{}{"clientId": o.ClientID, "error": err.Error()})
		}
		res.Completed = o.Status == order.StatusFilled
	}
	res.Order = *o
	res.Inventory = s.inv
	return res, nil
}

// LiveOrders 所有未终结订单，按 (side, level) 排序。
func (s *BotState) LiveOrders() []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked()
}

func (s *BotState) liveLocked() []order.Order {
	out := make([]order.Order, 0, len(s.slots))
	for _, o := range s.orders {
		if o.Status.IsLive() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side == order.SideBuy
		}
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// SlotOrders 档位 -> 占用该档位的活跃订单。
func (s *BotState) SlotOrders() map[order.SlotKey]order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[order.SlotKey]order.Order, len(s.slots))
	for key, cid := range s.slots {
		out[key] = *s.orders[cid]
	}
	return out
}

func (s *BotState) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if o.Status.IsLive() {
			n++
		}
	}
	return n
}

// Inventory 当前库存快照。
func (s *BotState) Inventory() inventory.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inv
}

func (s *BotState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := 0
	for _, o := range s.orders {
		if o.Status.IsLive() {
			live++
		}
	}
	return Snapshot{
		LastRefresh:   s.lastRefresh,
		LastPlanPrice: s.lastPlanPrice,
		ForceRefresh:  s.forceSeq != s.forceAck,
		ForceSeq:      s.forceSeq,
		NeedResync:    s.needResync,
		Inventory:     s.inv,
		LiveOrders:    live,
	}
}

// RequestForceRefresh 要求下一个 tick 立即刷新。
func (s *BotState) RequestForceRefresh() {
	s.mu.Lock()
	s.forceSeq++
	s.mu.Unlock()
}

// MarkRefreshed 记录一次完成的刷新。forceSeq 取自决策时的快照，
// 决策之后新到的强制刷新请求不会被清掉。
func (s *BotState) MarkRefreshed(at time.Time, price float64, forceSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = at
	s.lastPlanPrice = price
	if forceSeq > s.forceAck {
		s.forceAck = forceSeq
	}
}

func (s *BotState) RequestResync() {
	s.mu.Lock()
	s.needResync = true
	s.mu.Unlock()
}

func (s *BotState) NeedsResync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needResync
}

// BeginCancelAll 将所有可撤订单置为 CANCELLING 并返回（停机用）。
func (s *BotState) BeginCancelAll() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0)
	for _, o := range s.orders {
		if o.Status.Resting() {
			_ = s.transitionLocked(o, order.StatusCancelling)
			out = append(out, *o)
		}
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// ApplyResync 以交易所挂单为准覆盖本地登记簿并清除 needResync。
// 匹配优先用交易所 ID，其次 clientID；已成交数量以成交推送为准，不被覆盖。
// 下单请求仍在途的订单即使交易所查不到也保持不动。
func (s *BotState) ApplyResync(remote []order.Order) ResyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	byEx := make(map[string]int, len(remote))
	byClient := make(map[string]int, len(remote))
	for i, r := range remote {
		if r.ExchangeID != "" {
			byEx[r.ExchangeID] = i
		}
		if r.ClientID != "" {
			byClient[r.ClientID] = i
		}
	}
	matched := make([]bool, len(remote))
	var res ResyncResult

	// map 遍历顺序不定，固定顺序便于排查
	ids := make([]string, 0, len(s.orders))
	for cid, o := range s.orders {
		if o.Status.IsLive() {
			ids = append(ids, cid)
		}
	}
	sort.Strings(ids)

	for _, cid := range ids {
		o := s.orders[cid]
		idx, found := -1, false
		if o.ExchangeID != "" {
			idx, found = byEx[o.ExchangeID]
		}
		if !found {
			idx, found = byClient[o.ClientID]
		}
		if !found {
			if _, inFlight := s.placing[cid]; inFlight {
				// 下单请求可能尚未到达交易所
				continue
			}
			if o.Status != order.StatusCancelling {
				res.Divergences = append(res.Divergences, cid)
			}
			_ = s.transitionLocked(o, order.StatusCancelled)
			o.LastError = "absent on exchange"
			res.Closed++
			continue
		}
		matched[idx] = true
		r := remote[idx]
		diverged := false
		if o.ExchangeID == "" && r.ExchangeID != "" {
			o.ExchangeID = r.ExchangeID
			s.byExchange[r.ExchangeID] = cid
		}
		if o.Status == order.StatusPending {
			next := order.StatusOpen
			if o.Filled > 0 {
				next = order.StatusPartiallyFilled
			}
			_ = s.transitionLocked(o, next)
		}
		if !almostEqual(o.Price, r.Price) || !almostEqual(o.Size, r.Size) {
			diverged = true
			o.Price = r.Price
			o.Size = r.Size
		}
		if r.Filled > o.Filled+s.tolerance {
			diverged = true
		}
		if diverged {
			res.Divergences = append(res.Divergences, cid)
		}
		if o.Status == order.StatusCancelling {
			res.Recancel = append(res.Recancel, *o)
		}
		o.UpdatedAt = s.now()
	}

	for i, r := range remote {
		if !matched[i] {
			res.Orphans = append(res.Orphans, r)
		}
	}
	s.needResync = false
	if len(res.Divergences) > 0 {
		s.emit("state_divergence", map[string]interface{}{
			"orders": res.Divergences, "orphans": len(res.Orphans),
		})
	}
	return res
}

// Prune 清理超过保留期的终态订单，连同其 fillId 一起清掉。
// 订单仍在登记簿中时其 fillId 一直保留；从日志恢复的 fillId 按保留期清理。
func (s *BotState) Prune() int {
	if s.retention <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cut := s.now().Add(-s.retention)
	n := 0
	for cid, o := range s.orders {
		if o.Status.IsTerminal() && o.UpdatedAt.Before(cut) {
			delete(s.orders, cid)
			if o.ExchangeID != "" && s.byExchange[o.ExchangeID] == cid {
				delete(s.byExchange, o.ExchangeID)
			}
			n++
		}
	}
	for id, sf := range s.seenFills {
		if sf.clientID == "" {
			if sf.at.Before(cut) {
				delete(s.seenFills, id)
			}
			continue
		}
		if _, ok := s.orders[sf.clientID]; !ok {
			delete(s.seenFills, id)
		}
	}
	return n
}

// Restore 从日志回放成交：恢复 fillId 去重集合，restoreInventory 为真时同时恢复库存。
func (s *BotState) Restore(restoreInventory bool) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	err := s.journal.Replay(func(e JournalEntry) error {
		if _, ok := s.seenFills[e.Fill.FillID]; ok {
			return nil
		}
		s.seenFills[e.Fill.FillID] = seenFill{at: s.now()}
		if restoreInventory {
			s.inv.Apply(e.Side.Sign()*e.Fill.Size, e.Fill.Price)
		}
		n++
		return nil
	})
	return n, err
}
