package monitor

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordCommand("place", "ok")
	m.RecordCommand("place", "ok")
	m.RecordCommand("cancel", "timeout")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("place", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("cancel", "timeout")))

	m.RecordFill("applied", 1.5)
	m.RecordFill("duplicate", 1.5)
	assert.Equal(t, 1.5, testutil.ToFloat64(m.fillVolume))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fills.WithLabelValues("duplicate")))

	m.ObserveGatewayCall("place", 10*time.Millisecond, errors.New("x"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayErrors.WithLabelValues("place")))

	m.RecordResync(nil, 3)
	m.RecordResync(errors.New("x"), 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.divergences))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resyncs.WithLabelValues("error")))

	m.SetInventory(2, 100, 5)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.position))
}

func TestNilMonitorIsNoop(t *testing.T) {
	var m *Monitor
	m.RecordCommand("place", "ok")
	m.RecordFill("applied", 1)
	m.SetLiveOrders(1)
	m.RecordReconcile(true, time.Second)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.SetLiveOrders(4)
	m.RecordRefresh("interval")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mm_core_live_orders 4")
	assert.Contains(t, string(body), `mm_core_refresh_total{reason="interval"} 1`)
}
