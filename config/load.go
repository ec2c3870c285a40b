package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string           `yaml:"env"`
	Symbol      string           `yaml:"symbol"`
	Engine      EngineConfig     `yaml:"engine"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Constraints SymbolConfig     `yaml:"constraints"`
	Strategy    StrategyParams   `yaml:"strategy"`
	Log         LogConfig        `yaml:"log"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Alert       AlertConfig      `yaml:"alert"`
	Journal     JournalConfig    `yaml:"journal"`
	Sim         SimulationConfig `yaml:"sim"`
}

// EngineConfig 事件循环与对账参数，支持热更新的部分见 Watcher。
type EngineConfig struct {
	RefreshIntervalMs      int     `yaml:"refreshIntervalMs"`
	PriceDriftTolerance    float64 `yaml:"priceDriftTolerance"` // 相对上次报价价格的比例
	FullRefreshDrift       float64 `yaml:"fullRefreshDrift"`    // 0 表示不做整体重挂
	InventorySkewBound     float64 `yaml:"inventorySkewBound"`
	TargetPosition         float64 `yaml:"targetPosition"`
	MaxRetries             int     `yaml:"maxRetries"`
	RetryBackoffMs         int     `yaml:"retryBackoffMs"`
	OrderAckTimeoutMs      int     `yaml:"orderAckTimeoutMs"`
	TickIntervalMs         int     `yaml:"tickIntervalMs"`
	PriceTolerance         float64 `yaml:"priceTolerance"`
	SizeTolerance          float64 `yaml:"sizeTolerance"`
	MaxInFlight            int     `yaml:"maxInFlight"`
	UnmatchedFillWindowMs  int     `yaml:"unmatchedFillWindowMs"`
	ForceRefreshMinFill    float64 `yaml:"forceRefreshMinFill"`
	ShutdownTimeoutMs      int     `yaml:"shutdownTimeoutMs"`
	ResyncFailureCeilingMs int     `yaml:"resyncFailureCeilingMs"`
	OrderRetentionMs       int     `yaml:"orderRetentionMs"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (e EngineConfig) RefreshInterval() time.Duration      { return ms(e.RefreshIntervalMs) }
func (e EngineConfig) RetryBackoff() time.Duration         { return ms(e.RetryBackoffMs) }
func (e EngineConfig) OrderAckTimeout() time.Duration      { return ms(e.OrderAckTimeoutMs) }
func (e EngineConfig) TickInterval() time.Duration         { return ms(e.TickIntervalMs) }
func (e EngineConfig) UnmatchedFillWindow() time.Duration  { return ms(e.UnmatchedFillWindowMs) }
func (e EngineConfig) ShutdownTimeout() time.Duration      { return ms(e.ShutdownTimeoutMs) }
func (e EngineConfig) ResyncFailureCeiling() time.Duration { return ms(e.ResyncFailureCeilingMs) }
func (e EngineConfig) OrderRetention() time.Duration       { return ms(e.OrderRetentionMs) }

// GatewayConfig 下单出口。mode: paper 内存撮合，dryrun 只打日志。
type GatewayConfig struct {
	Mode        string  `yaml:"mode"`
	FillFeedURL string  `yaml:"fillFeedURL"` // 非空时从 websocket 读取成交
	Rate        float64 `yaml:"rate"`        // 每秒请求数，0 表示不限速
	Burst       int     `yaml:"burst"`
	LatencyMs   int     `yaml:"latencyMs"` // paper 模式的模拟延迟
}

// SymbolConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
type SymbolConfig struct {
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MaxQty      float64 `yaml:"maxQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// StrategyParams 梯子报价参数
type StrategyParams struct {
	Levels       int     `yaml:"levels"`
	BaseSpread   float64 `yaml:"baseSpread"`
	LevelSpacing float64 `yaml:"levelSpacing"`
	BaseSize     float64 `yaml:"baseSize"`
	SizeStep     float64 `yaml:"sizeStep"`
	MaxPosition  float64 `yaml:"maxPosition"`
	SkewFactor   float64 `yaml:"skewFactor"`
	PostOnly     bool    `yaml:"postOnly"`
	TimeInForce  string  `yaml:"timeInForce"`
	// MaxStalenessMs 行情超过该时长未更新时暂停报价，0 表示不检查
	MaxStalenessMs int `yaml:"maxStalenessMs"`
}

type LogConfig struct {
	Level      string   `yaml:"level"`
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	ErrorFile  string   `yaml:"errorFile"`
	Format     string   `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动指标服务
}

type AlertConfig struct {
	ThrottleMs int `yaml:"throttleMs"`
}

type JournalConfig struct {
	Path             string `yaml:"path"` // 为空时只保存在内存
	RestoreInventory bool   `yaml:"restoreInventory"`
}

// SimulationConfig paper 模式下的随机游走行情
type SimulationConfig struct {
	StartPrice float64 `yaml:"startPrice"`
	Step       float64 `yaml:"step"`
	Spread     float64 `yaml:"spread"`
	IntervalMs int     `yaml:"intervalMs"`
	Seed       int64   `yaml:"seed"`
}

// Default 返回带默认值的配置，文件中出现的字段会覆盖这些值。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Engine: EngineConfig{
			RefreshIntervalMs:      5000,
			PriceDriftTolerance:    0.0005,
			InventorySkewBound:     1,
			MaxRetries:             3,
			RetryBackoffMs:         200,
			OrderAckTimeoutMs:      5000,
			TickIntervalMs:         250,
			PriceTolerance:         1e-9,
			SizeTolerance:          1e-9,
			MaxInFlight:            4,
			UnmatchedFillWindowMs:  5000,
			ShutdownTimeoutMs:      10000,
			ResyncFailureCeilingMs: 60000,
			OrderRetentionMs:       600000,
		},
		Gateway: GatewayConfig{Mode: "paper", Rate: 10, Burst: 20},
		Log:     LogConfig{Level: "info", Outputs: []string{"stdout"}, Format: "json"},
		Alert:   AlertConfig{ThrottleMs: 60000},
		Sim:     SimulationConfig{IntervalMs: 500},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from MM_* env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("MM_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("MM_SYMBOL"); v != "" {
		cfg.Symbol = v
	}
	if v := os.Getenv("MM_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("MM_GATEWAY_FILL_FEED_URL"); v != "" {
		cfg.Gateway.FillFeedURL = v
	}
	if v := os.Getenv("MM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("MM_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("MM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MM_GATEWAY_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return ErrInvalid(fmt.Sprintf("MM_GATEWAY_RATE: %v", err))
		}
		cfg.Gateway.Rate = rate
	}
	return nil
}
