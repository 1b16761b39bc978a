package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderAccepted("BUY", "LIMIT")
	m.RecordOrderAccepted("BUY", "LIMIT")
	m.RecordOrderAccepted("SELL", "MARKET")
	m.RecordOrderRejected("duplicate_id")
	m.RecordOrderCanceled()
	m.RecordOrderModified()
	m.RecordTrades(2, 7)
	m.RecordGFDPurge(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersAccepted.WithLabelValues("BUY", "LIMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersAccepted.WithLabelValues("SELL", "MARKET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues("duplicate_id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersCanceled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersModified))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tradesTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tradedQty))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.gfdPurged))
}

func TestRecordTradesIgnoresEmpty(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordTrades(0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tradesTotal))
}

func TestUpdateBookGauges(t *testing.T) {
	m := New(DefaultConfig())

	m.UpdateBook(3, 2, 1, 100_000000, 101_500000)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.openOrders))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookLevels.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookLevels.WithLabelValues("SELL")))
	assert.InDelta(t, 100.0, testutil.ToFloat64(m.bestPrice.WithLabelValues("BUY")), 1e-9)
	assert.InDelta(t, 101.5, testutil.ToFloat64(m.bestPrice.WithLabelValues("SELL")), 1e-9)

	// An emptied side reports zero.
	m.UpdateBook(0, 0, 0, 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.bestPrice.WithLabelValues("BUY")))
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordOrderAccepted("BUY", "LIMIT")
	m.RecordOrderRejected("invalid_price")
	m.RecordOrderCanceled()
	m.RecordOrderModified()
	m.RecordTrades(1, 1)
	m.RecordGFDPurge(1)
	m.RecordSubmitLatency(time.Microsecond)
	m.UpdateBook(1, 1, 1, 1, 1)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordOrderAccepted("BUY", "LIMIT")
	m.RecordSubmitLatency(5 * time.Microsecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "agora_engine_orders_accepted_total")
	assert.Contains(t, body, `side="BUY"`)
	assert.Contains(t, body, "agora_engine_submit_latency_seconds_count 1")
}
