package order

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"下单确认", StatusPending, StatusOpen, false},
		{"下单拒绝", StatusPending, StatusRejected, false},
		{"挂单撤销中", StatusOpen, StatusCancelling, false},
		{"部分成交后撤单", StatusPartiallyFilled, StatusCancelling, false},
		{"多次部分成交", StatusPartiallyFilled, StatusPartiallyFilled, false},
		{"撤单中全部成交", StatusCancelling, StatusFilled, false},
		{"撤单确认", StatusCancelling, StatusCancelled, false},
		{"挂单不能回到Pending", StatusOpen, StatusPending, true},
		{"撤单中不能回到Open", StatusCancelling, StatusOpen, true},
		{"Pending不能直接撤单中", StatusPending, StatusCancelling, true},
		{"已成交为终态", StatusFilled, StatusCancelled, true},
		{"已撤销为终态", StatusCancelled, StatusOpen, true},
		{"已拒绝为终态", StatusRejected, StatusRejected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrIllegalTransition), "want illegal transition, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	for _, st := range []Status{StatusFilled, StatusCancelled, StatusRejected} {
		assert.True(t, st.IsTerminal(), st)
		assert.False(t, st.IsLive(), st)
		assert.Empty(t, AllowedTransitions(st), st)
	}
	for _, st := range []Status{StatusPending, StatusOpen, StatusPartiallyFilled, StatusCancelling} {
		assert.True(t, st.IsLive(), st)
	}
	assert.True(t, StatusPending.IsInFlight())
	assert.True(t, StatusCancelling.IsInFlight())
	assert.False(t, StatusOpen.IsInFlight())
	assert.True(t, StatusPartiallyFilled.Resting())
}

func TestFillStatus(t *testing.T) {
	assert.Equal(t, StatusPartiallyFilled, FillStatus(0.4, 1, 1e-9))
	assert.Equal(t, StatusFilled, FillStatus(1, 1, 1e-9))
	assert.Equal(t, StatusFilled, FillStatus(0.9999999, 1, 1e-6))
}

func TestFillValidate(t *testing.T) {
	assert.NoError(t, Fill{FillID: "f1", OrderID: "o1", Size: 1, Price: 100}.Validate())
	assert.ErrorIs(t, Fill{OrderID: "o1", Size: 1, Price: 100}.Validate(), ErrInvalidFill)
	assert.ErrorIs(t, Fill{FillID: "f1", OrderID: "o1", Size: 0, Price: 100}.Validate(), ErrInvalidFill)
}

func TestOrderHelpers(t *testing.T) {
	o := Order{ClientID: "c1", Side: SideSell, Level: 2, Size: 1, Filled: 0.25}
	assert.Equal(t, SlotKey{Side: SideSell, Level: 2}, o.Slot())
	assert.Equal(t, "SELL#2", o.Slot().String())
	assert.InDelta(t, 0.75, o.Remaining(), 1e-12)
	assert.Equal(t, "c1", o.ID())
	o.ExchangeID = "x9"
	assert.Equal(t, "x9", o.ID())
	assert.Equal(t, -1.0, SideSell.Sign())
	assert.Equal(t, 1.0, SideBuy.Sign())
}
