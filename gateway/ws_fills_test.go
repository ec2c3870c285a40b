package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFill(t *testing.T) {
	f, err := ParseFill([]byte(`{"type":"fill","fillId":"t1","clientOrderId":"c1","size":0.5,"price":100.5,"ts":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", f.FillID)
	assert.Equal(t, "c1", f.OrderID)
	assert.Equal(t, 0.5, f.Size)
	assert.Equal(t, int64(1700000000000), f.Timestamp.UnixMilli())

	_, err = ParseFill([]byte(`{"type":"heartbeat"}`))
	assert.ErrorIs(t, err, errNonFill)

	_, err = ParseFill([]byte(`{"type":"fill","orderId":"o1","size":1,"price":1}`))
	assert.Error(t, err)
}

func TestWSFillFeedDeliversFills(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"fill","fillId":"t1","orderId":"P-1","size":1,"price":100}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var connected atomic.Int32
	feed := NewWSFillFeed(WSFillFeedConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		RetryBackoff: 10 * time.Millisecond,
	}, nil)
	feed.SetConnectedHandler(func() { connected.Add(1) })
	require.NoError(t, feed.Start(context.Background()))

	select {
	case f := <-feed.Fills():
		assert.Equal(t, "t1", f.FillID)
		assert.Equal(t, "P-1", f.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no fill received")
	}
	assert.GreaterOrEqual(t, connected.Load(), int32(1))

	require.NoError(t, feed.Stop())
	_, ok := <-feed.Fills()
	assert.False(t, ok)
}

func TestWSFillFeedGivesUp(t *testing.T) {
	fatal := make(chan error, 1)
	feed := NewWSFillFeed(WSFillFeedConfig{
		URL:          "ws://127.0.0.1:1/none",
		MaxRetries:   1,
		RetryBackoff: 5 * time.Millisecond,
	}, nil)
	feed.SetFatalErrorHandler(func(err error) { fatal <- err })
	require.NoError(t, feed.Start(context.Background()))

	select {
	case err := <-fatal:
		assert.Contains(t, err.Error(), "after 1 retries")
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not give up")
	}
	require.NoError(t, feed.Stop())
}

func TestWSFillFeedKeepsIdleConnectionAlive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// 不推送任何数据，只读以便回复 ping
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var connected atomic.Int32
	feed := NewWSFillFeed(WSFillFeedConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		RetryBackoff: 10 * time.Millisecond,
		ReadTimeout:  150 * time.Millisecond,
		PingInterval: 40 * time.Millisecond,
	}, nil)
	feed.SetConnectedHandler(func() { connected.Add(1) })
	require.NoError(t, feed.Start(context.Background()))

	require.Eventually(t, func() bool { return connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(1), connected.Load())

	require.NoError(t, feed.Stop())
}
