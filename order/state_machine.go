package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// legalTransitions 所有合法的状态转换；终态（FILLED, CANCELLED, REJECTED）不出现在 From 中。
var legalTransitions = map[StateTransition]bool{
	// 从PENDING可以转到
	{StatusPending, StatusOpen}:     true,
	{StatusPending, StatusRejected}: true,
	// 下单回报前即被对账确认不存在
	{StatusPending, StatusCancelled}: true,
	// 回报前已成交（成交推送先于下单应答到达）
	{StatusPending, StatusPartiallyFilled}: true,
	{StatusPending, StatusFilled}:          true,

	// 从OPEN可以转到
	{StatusOpen, StatusPartiallyFilled}: true,
	{StatusOpen, StatusFilled}:          true,
	{StatusOpen, StatusCancelling}:      true,
	{StatusOpen, StatusCancelled}:       true,

	// 从PARTIALLY_FILLED可以转到
	{StatusPartiallyFilled, StatusPartiallyFilled}: true, // 多次部分成交
	{StatusPartiallyFilled, StatusFilled}:          true,
	{StatusPartiallyFilled, StatusCancelling}:      true,
	{StatusPartiallyFilled, StatusCancelled}:       true,

	// 从CANCELLING可以转到
	{StatusCancelling, StatusCancelled}:       true,
	{StatusCancelling, StatusFilled}:          true, // 撤单时全部成交
	{StatusCancelling, StatusPartiallyFilled}: true, // 撤单时部分成交
	{StatusCancelling, StatusCancelling}:      true,
}

// ValidateTransition 验证状态转换是否合法
func ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	if !legalTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0, 4)
	for t := range legalTransitions {
		if t.From == current {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// FillStatus 根据累计成交量推导成交后的状态。
func FillStatus(filled, size, tolerance float64) Status {
	if filled >= size-tolerance {
		return StatusFilled
	}
	return StatusPartiallyFilled
}
