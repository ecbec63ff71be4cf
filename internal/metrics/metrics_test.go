package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRuns_Increment(t *testing.T) {
	before := testutil.ToFloat64(TaskRuns.WithLabelValues("metrics_test", "skipped"))
	TaskRuns.WithLabelValues("metrics_test", "skipped").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TaskRuns.WithLabelValues("metrics_test", "skipped")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	SignalVersion.Set(4)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prospect_signals_version 4")
}
