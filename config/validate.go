package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// IsInvalid 判断是否为参数验证错误。
func IsInvalid(err error) bool {
	var target ErrInvalid
	return errors.As(err, &target)
}

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if cfg.Symbol == "" {
		return invalid("symbol is required")
	}
	if err := ValidateEngine(cfg.Engine); err != nil {
		return err
	}
	switch cfg.Gateway.Mode {
	case "paper", "dryrun":
	default:
		return invalid("gateway.mode must be paper or dryrun, got %q", cfg.Gateway.Mode)
	}
	if cfg.Gateway.Rate < 0 || cfg.Gateway.Burst < 0 {
		return invalid("gateway.rate/burst must be >= 0")
	}
	c := cfg.Constraints
	if c.TickSize < 0 || c.StepSize < 0 || c.MinQty < 0 || c.MaxQty < 0 || c.MinNotional < 0 {
		return invalid("constraints must be >= 0")
	}
	if c.MaxQty > 0 && c.MinQty > c.MaxQty {
		return invalid("constraints.minQty must be <= maxQty")
	}
	s := cfg.Strategy
	if s.Levels <= 0 {
		return invalid("strategy.levels must be > 0")
	}
	if s.BaseSpread <= 0 {
		return invalid("strategy.baseSpread must be > 0")
	}
	if s.BaseSize <= 0 {
		return invalid("strategy.baseSize must be > 0")
	}
	if s.SkewFactor < 0 || s.SkewFactor > 1 {
		return invalid("strategy.skewFactor must be between 0 and 1")
	}
	if s.MaxStalenessMs < 0 {
		return invalid("strategy.maxStalenessMs must be >= 0")
	}
	if cfg.Alert.ThrottleMs < 0 {
		return invalid("alert.throttleMs must be >= 0")
	}
	return nil
}

// ValidateEngine 单独校验引擎参数，热更新时只校验这一段。
func ValidateEngine(e EngineConfig) error {
	if e.RefreshIntervalMs <= 0 {
		return invalid("engine.refreshIntervalMs must be > 0")
	}
	if e.TickIntervalMs <= 0 {
		return invalid("engine.tickIntervalMs must be > 0")
	}
	if e.PriceDriftTolerance < 0 || e.FullRefreshDrift < 0 {
		return invalid("engine drift tolerances must be >= 0")
	}
	if e.FullRefreshDrift > 0 && e.FullRefreshDrift <= e.PriceDriftTolerance {
		return invalid("engine.fullRefreshDrift must exceed priceDriftTolerance")
	}
	if e.InventorySkewBound < 0 {
		return invalid("engine.inventorySkewBound must be >= 0")
	}
	if e.MaxRetries < 0 || e.RetryBackoffMs < 0 {
		return invalid("engine.maxRetries/retryBackoffMs must be >= 0")
	}
	if e.OrderAckTimeoutMs <= 0 {
		return invalid("engine.orderAckTimeoutMs must be > 0")
	}
	if e.PriceTolerance < 0 || e.SizeTolerance < 0 {
		return invalid("engine price/size tolerance must be >= 0")
	}
	if e.MaxInFlight <= 0 {
		return invalid("engine.maxInFlight must be > 0")
	}
	if e.UnmatchedFillWindowMs < 0 || e.ShutdownTimeoutMs < 0 || e.ResyncFailureCeilingMs < 0 || e.OrderRetentionMs < 0 {
		return invalid("engine durations must be >= 0")
	}
	if e.ForceRefreshMinFill < 0 {
		return invalid("engine.forceRefreshMinFill must be >= 0")
	}
	return nil
}
