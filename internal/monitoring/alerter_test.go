package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/resilience"
)

func fastAlerter(url string) *Alerter {
	a := NewAlerter(url)
	a.retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	return a
}

func testAlert() Alert {
	return NewAlert(model.PipelineMetric{
		From: model.StageScraped, To: model.StageScored,
		WindowHours: 24, SourceCount: 20, TargetCount: 1, ConversionRate: 0.05,
		Alert: model.AlertBottlenecked,
	}, model.AlertNormal, testNow)
}

func TestNewAlert_Message(t *testing.T) {
	a := testAlert()
	assert.Equal(t, "scraped -> scored is bottlenecked: 5.0% conversion (1/20 in last 24h)", a.Message)
	assert.Equal(t, model.AlertNormal, a.Previous)
}

func TestNewBacklogAlert(t *testing.T) {
	a := NewBacklogAlert(model.StageBacklog{Stage: model.StageScraped, Depth: 35, Limit: 20}, testNow)
	assert.Equal(t, AlertKindBacklog, a.Kind)
	assert.Equal(t, "35 leads waiting at scraped (limit 20)", a.Message)
	assert.Equal(t, "scraped", a.subject())

	body, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"stage":"scraped"`)
	assert.NotContains(t, string(body), `"from"`)
	assert.Equal(t, "scraped -> scored", testAlert().subject())
}

func TestAlerter_Notify_Success(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, model.AlertBottlenecked, a.State)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sent := fastAlerter(srv.URL).Notify(context.Background(), []Alert{testAlert(), testAlert()})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_Notify_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sent := fastAlerter(srv.URL).Notify(context.Background(), []Alert{testAlert()})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_Notify_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sent := fastAlerter(srv.URL).Notify(context.Background(), []Alert{testAlert()})
	assert.Zero(t, sent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAlerter_Notify_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := fastAlerter(srv.URL)
	alerts := make([]Alert, 6)
	for i := range alerts {
		alerts[i] = testAlert()
	}

	sent := a.Notify(context.Background(), alerts)
	assert.Zero(t, sent)
	assert.Equal(t, int32(3), calls.Load(), "breaker opens after three failed deliveries")
	assert.Equal(t, resilience.CircuitOpen, a.breaker.State())
}

func TestAlerter_Notify_NoURL(t *testing.T) {
	assert.Zero(t, NewAlerter("").Notify(context.Background(), []Alert{testAlert()}))
}

func TestAlerter_Notify_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	require.Zero(t, fastAlerter(srv.URL).Notify(context.Background(), nil))
}
