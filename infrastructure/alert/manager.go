package alert

import (
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// 告警类别，限流按 级别:类别 计算，同类告警不会因订单 ID 不同而刷屏
const (
	KindGateway       = "gateway"
	KindDivergence    = "divergence"
	KindUnmatchedFill = "unmatched_fill"
	KindShutdown      = "shutdown"
	KindResync        = "resync"
	KindJournal       = "journal"
)

// Alert 告警信息
type Alert struct {
	Level     string                 // INFO, WARNING, ERROR, CRITICAL
	Kind      string                 // 告警类别，为空时按 Message 限流
	Message   string                 // 告警消息
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

func (a Alert) throttleKey() string {
	if a.Kind != "" {
		return a.Level + ":" + a.Kind
	}
	return a.Level + ":" + a.Message
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Sender 组件侧只依赖发送能力。
type Sender interface {
	SendAlert(alert Alert) error
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Reset 重置某个 key
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 发送告警，被限流时静默返回 nil。所有通道都失败才返回错误。
func (m *Manager) SendAlert(alert Alert) error {
	if m == nil {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(alert.throttleKey()) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			ok++
		}
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Warn 发送 WARNING 级别告警
func (m *Manager) Warn(kind, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Kind: kind, Message: message, Fields: fields})
}

// Error 发送 ERROR 级别告警
func (m *Manager) Error(kind, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Kind: kind, Message: message, Fields: fields})
}

// Critical 发送 CRITICAL 级别告警
func (m *Manager) Critical(kind, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelCritical, Kind: kind, Message: message, Fields: fields})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
