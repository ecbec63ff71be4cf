package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/resilience"
)

// Alert kinds.
const (
	AlertKindConversion = "conversion"
	AlertKindBacklog    = "backlog"
)

// Alert is one non-normal stage pair, or one backlogged stage, sent to the
// webhook.
type Alert struct {
	Kind        string           `json:"kind"`
	From        model.Stage      `json:"from,omitempty"`
	To          model.Stage      `json:"to,omitempty"`
	Stage       model.Stage      `json:"stage,omitempty"`
	State       model.AlertState `json:"state"`
	Previous    model.AlertState `json:"previous,omitempty"`
	Rate        float64          `json:"conversion_rate"`
	SourceCount int              `json:"source_count"`
	TargetCount int              `json:"target_count"`
	WindowHours int              `json:"window_hours"`
	Depth       int              `json:"depth,omitempty"`
	Limit       int              `json:"limit,omitempty"`
	Message     string           `json:"message"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewAlert builds an alert for m. previous is empty when there was no prior
// snapshot.
func NewAlert(m model.PipelineMetric, previous model.AlertState, at time.Time) Alert {
	return Alert{
		Kind:        AlertKindConversion,
		From:        m.From,
		To:          m.To,
		State:       m.Alert,
		Previous:    previous,
		Rate:        m.ConversionRate,
		SourceCount: m.SourceCount,
		TargetCount: m.TargetCount,
		WindowHours: m.WindowHours,
		Message: fmt.Sprintf("%s -> %s is %s: %.1f%% conversion (%d/%d in last %dh)",
			m.From, m.To, m.Alert, m.ConversionRate*100, m.TargetCount, m.SourceCount, m.WindowHours),
		Timestamp: at,
	}
}

// NewBacklogAlert builds an alert for a stage holding more leads than its
// limit.
func NewBacklogAlert(b model.StageBacklog, at time.Time) Alert {
	return Alert{
		Kind:      AlertKindBacklog,
		Stage:     b.Stage,
		State:     model.AlertDegraded,
		Depth:     b.Depth,
		Limit:     b.Limit,
		Message:   fmt.Sprintf("%d leads waiting at %s (limit %d)", b.Depth, b.Stage, b.Limit),
		Timestamp: at,
	}
}

// subject names what an alert is about for logging.
func (a Alert) subject() string {
	if a.Kind == AlertKindBacklog {
		return string(a.Stage)
	}
	return string(a.From) + " -> " + string(a.To)
}

// Notifier delivers alerts and returns how many were sent.
type Notifier interface {
	Notify(ctx context.Context, alerts []Alert) int
}

// Alerter posts alerts as JSON to a webhook. Delivery is retried on transient
// failures and guarded by a circuit breaker so a dead endpoint does not stall
// every health check.
type Alerter struct {
	url     string
	client  *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewAlerter creates an Alerter for url. An empty url disables delivery.
func NewAlerter(url string) *Alerter {
	log := zap.L().With(zap.String("component", "alerter"))
	bc := resilience.WebhookBreakerConfig()
	bc.OnStateChange = func(from, to resilience.CircuitState) {
		log.Warn("monitoring: webhook breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Alerter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   resilience.WebhookRetryConfig(),
		breaker: resilience.NewCircuitBreaker(bc),
		log:     log,
	}
}

// Notify delivers alerts to the webhook. Returns the number of alerts
// successfully sent.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert) int {
	if a.url == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
				return a.sendWebhook(ctx, alert)
			})
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			a.log.Warn("monitoring: webhook circuit open, dropping remaining alerts",
				zap.Int("dropped", len(alerts)-sent),
			)
			return sent
		}
		if err != nil {
			a.log.Error("monitoring: failed to send alert",
				zap.String("kind", alert.Kind),
				zap.String("subject", alert.subject()),
				zap.Error(err),
			)
			continue
		}
		a.log.Info("monitoring: alert sent",
			zap.String("kind", alert.Kind),
			zap.String("subject", alert.subject()),
			zap.String("state", string(alert.State)),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
