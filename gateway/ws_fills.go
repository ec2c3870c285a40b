package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-maker-core/order"
)

var errNonFill = errors.New("non-fill message")

// fillMessage 成交推送报文：
//
//	{"type":"fill","fillId":"t-1","orderId":"123","clientOrderId":"...","size":1,"price":100,"ts":1700000000000}
type fillMessage struct {
	Type          string  `json:"type"`
	FillID        string  `json:"fillId"`
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`
	TS            int64   `json:"ts"`
}

// ParseFill 解析一条推送；非成交消息返回 errNonFill。
func ParseFill(raw []byte) (order.Fill, error) {
	var m fillMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return order.Fill{}, err
	}
	if m.Type != "fill" {
		return order.Fill{}, errNonFill
	}
	f := order.Fill{
		FillID:  m.FillID,
		OrderID: m.OrderID,
		Size:    m.Size,
		Price:   m.Price,
	}
	if f.OrderID == "" {
		f.OrderID = m.ClientOrderID
	}
	if m.TS > 0 {
		f.Timestamp = time.UnixMilli(m.TS)
	} else {
		f.Timestamp = time.Now()
	}
	return f, f.Validate()
}

// WSFillFeedConfig 成交推送连接配置。
type WSFillFeedConfig struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration // 默认 ReadTimeout 的 9/10，空闲时靠 pong 续期读超时
	Buffer       int
}

// WSFillFeed 通过 WebSocket 订阅成交推送，断线自动重连。
type WSFillFeed struct {
	cfg    WSFillFeedConfig
	logger *zap.Logger
	fills  chan order.Fill

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	onConnected  func()
	onFatalError func(error)
}

func NewWSFillFeed(cfg WSFillFeedConfig, logger *zap.Logger) *WSFillFeed {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 3 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSFillFeed{
		cfg:    cfg,
		logger: logger,
		fills:  make(chan order.Fill, cfg.Buffer),
	}
}

// SetConnectedHandler 每次（重新）连上后回调，用于触发对账补齐断线期间的变化。
func (w *WSFillFeed) SetConnectedHandler(fn func()) { w.onConnected = fn }

// SetFatalErrorHandler 重连次数耗尽时回调。
func (w *WSFillFeed) SetFatalErrorHandler(fn func(error)) { w.onFatalError = fn }

func (w *WSFillFeed) Fills() <-chan order.Fill { return w.fills }

// Start 启动后台连接。
func (w *WSFillFeed) Start(ctx context.Context) error {
	if w.cfg.URL == "" {
		return fmt.Errorf("fill feed url is empty")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// Stop 关闭连接并等待后台退出，之后 Fills 通道被关闭。
func (w *WSFillFeed) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (w *WSFillFeed) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.fills)
	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, nil)
		if err != nil {
			if retries >= w.cfg.MaxRetries {
				fatal := fmt.Errorf("fill feed reconnection failed after %d retries: %w", w.cfg.MaxRetries, err)
				w.logger.Error("fill feed gave up", zap.Error(fatal))
				if w.onFatalError != nil {
					w.onFatalError(fatal)
				}
				return
			}
			retries++
			backoff := time.Duration(retries) * w.cfg.RetryBackoff
			w.logger.Warn("fill feed dial failed",
				zap.Int("retry", retries),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.logger.Info("fill feed connected", zap.String("url", w.cfg.URL))
		if w.onConnected != nil {
			w.onConnected()
		}
		retries = 0

		w.readLoop(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("fill feed disconnected, reconnecting")
		if !sleepCtx(ctx, w.cfg.RetryBackoff) {
			return
		}
	}
}

func (w *WSFillFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})
	stop := make(chan struct{})
	defer close(stop)
	go w.pingLoop(conn, stop)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("fill feed read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		f, err := ParseFill(msg)
		if err != nil {
			if !errors.Is(err, errNonFill) {
				w.logger.Warn("drop malformed fill", zap.ByteString("raw", msg), zap.Error(err))
			}
			continue
		}
		select {
		case w.fills <- f:
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop 定时发 ping，写失败时关闭连接让 readLoop 退出重连。
func (w *WSFillFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.logger.Debug("fill feed ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
