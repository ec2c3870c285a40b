package order

import "errors"

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrSlotBusy 档位上已有未终结订单。
	ErrSlotBusy = errors.New("slot occupied by live order")
	// ErrDuplicateFill 相同 fillId 重复推送，调用方应静默忽略。
	ErrDuplicateFill = errors.New("duplicate fill")
	// ErrUnmatchedFill 重试窗口过后仍找不到对应订单。
	ErrUnmatchedFill = errors.New("unmatched fill")
	// ErrStateDivergence 本地登记与交易所查询结果不一致。
	ErrStateDivergence = errors.New("state divergence")
	ErrInvalidFill     = errors.New("invalid fill")
)
