package monitoring

import (
	"io"
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
		m.RecordEmailsFetched(3)
		m.RecordClassification("positive")
		m.RecordSearch("options_found", 2)
		m.RecordDecision("approved")
		m.RecordIntegrationError("fetch")
		m.ObserveEmailCycle(time.Second)
		m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	})
}

func TestRecordersCount(t *testing.T) {
	m := NewMetrics()
	m.RecordSearch("options_found", 3)
	m.RecordSearch("no_options", 0)
	m.RecordRequestCreated("email")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Searches.WithLabelValues("options_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Searches.WithLabelValues("no_options")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OptionsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsCreated.WithLabelValues("email")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordDecision("rejected")

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `procure_decisions_total{status="rejected"} 1`)
}

func TestInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}
