package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCommand("navigate", true, time.Second)
		m.SetQueueDepth(3)
		m.RecordNavigation("standard", false)
		m.RecordTask(true, false, 2)
		m.RecordPlan("rule")
		m.RecordFrame(nil)
		m.SetActiveSessions(1)
		m.RecordReaped()
		m.SetSubscribers(2)
		m.RecordDroppedSubscriber()
	})
	assert.Nil(t, m.Registry())
}

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.RecordCommand("click", false, 10*time.Millisecond)
	m.RecordCommand("click", false, 10*time.Millisecond)
	m.RecordNavigation("script", true)
	m.RecordFrame(nil)
	m.RecordFrame(errors.New("boom"))
	m.RecordTask(false, true, 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.commands.WithLabelValues("click", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.navigations.WithLabelValues("script", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.frames))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.frameErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tasks.WithLabelValues("timeout")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.SetActiveSessions(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "browser_pilot_sessions_active 4")
}
