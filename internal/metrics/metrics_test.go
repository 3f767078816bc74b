package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGauges(t *testing.T) {
	SetPending(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(pendingWritesGauge))

	SetOverflow(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(queueOverflowGauge))
	SetOverflow(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(queueOverflowGauge))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(flushTotal.WithLabelValues(FlushPartial))
	ObserveFlush(FlushPartial)
	assert.Equal(t, before+1, testutil.ToFloat64(flushTotal.WithLabelValues(FlushPartial)))

	beforeErr := testutil.ToFloat64(syncErrorsTotal.WithLabelValues("transactions", "upsert"))
	ObserveSyncError("transactions", "upsert")
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(syncErrorsTotal.WithLabelValues("transactions", "upsert")))

	ObserveRollover("completed")
	assert.GreaterOrEqual(t, testutil.ToFloat64(rolloverTotal.WithLabelValues("completed")), float64(1))
}

func TestHandler(t *testing.T) {
	ObserveHydration("remote", 1200*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "farmacontrol_pending_writes"))
	assert.True(t, strings.Contains(body, "farmacontrol_hydration_duration_seconds"))
}
