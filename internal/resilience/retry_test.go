package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/model"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo_RetryDecisions(t *testing.T) {
	cases := []struct {
		name      string
		attempts  int
		failUntil int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first try succeeds", 3, 0, nil, 1, false},
		{"transient then success", 3, 2, NewTransientError(errors.New("busy"), 503), 3, false},
		{"transient exhausts attempts", 3, 99, NewTransientError(errors.New("down"), 502), 3, true},
		{"permanent error not retried", 3, 99, errors.New("bad request"), 1, true},
		{"validation not retried", 3, 99, model.NewValidationError("weight", "out of bounds"), 1, true},
		{"single attempt", 1, 99, NewTransientError(errors.New("busy"), 503), 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastRetry(tc.attempts), func(_ context.Context) error {
				calls++
				if calls <= tc.failUntil {
					return tc.err
				}
				return nil
			})
			assert.Equal(t, tc.wantCalls, calls)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second

	calls := 0
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ShouldRetryAndOnRetry(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(error) bool { return true }
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	calls := 0
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("plain")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	v, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = DoVal(context.Background(), fastRetry(2), func(_ context.Context) (string, error) {
		return "partial", errors.New("fail")
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(RetryConfig{JitterFraction: -1})
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
	assert.InDelta(t, def.Multiplier, cfg.Multiplier, 0.0001)
	assert.Zero(t, cfg.JitterFraction)
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 20*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 40*time.Millisecond, computeBackoff(2, cfg))
	assert.Equal(t, 50*time.Millisecond, computeBackoff(5, cfg))

	cfg.JitterFraction = 0.5
	for i := 0; i < 50; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestWebhookPolicies(t *testing.T) {
	rc := WebhookRetryConfig()
	assert.Equal(t, 500*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, 5*time.Second, rc.MaxBackoff)
	assert.NotNil(t, rc.OnRetry)

	bc := WebhookBreakerConfig()
	assert.Equal(t, 3, bc.FailureThreshold)
	assert.Equal(t, 5*time.Minute, bc.ResetTimeout)
}

func TestConflictRetryConfig_RetriesVersionConflicts(t *testing.T) {
	cfg := ConflictRetryConfig(3, "apply_delta")
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	calls := 0
	version, err := DoVal(context.Background(), cfg, func(_ context.Context) (int64, error) {
		calls++
		if calls < 3 {
			return 0, &model.ConflictError{BaseVersion: int64(calls), CurrentVersion: int64(calls + 1)}
		}
		return 4, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, 3, calls)
}

func TestConflictRetryConfig_GivesUpAfterBound(t *testing.T) {
	cfg := ConflictRetryConfig(2, "apply_delta")
	cfg.InitialBackoff = time.Millisecond

	calls := 0
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return &model.ConflictError{BaseVersion: 1, CurrentVersion: 2}
	})
	assert.ErrorIs(t, err, model.ErrVersionConflict)
	assert.Equal(t, 2, calls)
}
