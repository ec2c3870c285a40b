package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-maker-core/order"
)

type recordingObserver struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (r *recordingObserver) ObserveGatewayCall(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

func TestSenderWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewPaper(PaperConfig{Fault: func(op string) error {
		if op == "cancel" {
			return boom
		}
		return nil
	}})
	obs := &recordingObserver{}
	s := NewSender(p, SenderConfig{Observer: obs})

	id, err := s.Place(context.Background(), PlaceRequest{ClientID: "c1", Side: order.SideBuy, Price: 99, Size: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	err = s.Cancel(context.Background(), id)
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "cancel", gerr.Op)
	assert.Equal(t, id, gerr.OrderID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTimeout(err))

	assert.Equal(t, []string{"place", "cancel"}, obs.ops)
}

func TestSenderTimeout(t *testing.T) {
	p := NewPaper(PaperConfig{Latency: 200 * time.Millisecond})
	s := NewSender(p, SenderConfig{AckTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Place(context.Background(), PlaceRequest{ClientID: "c1", Side: order.SideBuy, Price: 99, Size: 1})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestSenderLimiterHonoursContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.5, 1)
	s := NewSender(NewPaper(PaperConfig{}), SenderConfig{Limiter: l})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.OpenOrders(ctx, "")
	require.NoError(t, err)
	// 令牌耗尽，第二次请求等待期间 ctx 到期，请求未发出
	_, err = s.OpenOrders(ctx, "")
	assert.ErrorIs(t, err, ErrNotSent)
	assert.False(t, IsTimeout(err))
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTokenBucketBurst(t *testing.T) {
	l := NewTokenBucketLimiter(1000, 3)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
