// Package rescore keeps lead scores consistent with the latest signal set.
//
// A sweep visits every scored lead whose scored-with version is older than
// the current version, or whose score is older than the configured maximum
// age, and reapplies the current weights to its stored breakdown. Each lead is
// one atomic ledger write, so a cancelled sweep leaves no partial state.
package rescore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/ledger"
	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

// Ledger is the subset of the lead ledger a sweep needs.
type Ledger interface {
	List(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error)
	Rescore(ctx context.Context, id string, set model.SignalSet, stampOnly bool) (ledger.Change, error)
	Reopen(ctx context.Context, id, reason string) (*model.Lead, error)
}

// SignalSource provides the current signal set.
type SignalSource interface {
	Current(ctx context.Context) (model.SignalSet, error)
}

// Result counts what one sweep did.
type Result struct {
	Version    int64 `json:"version"`
	Candidates int   `json:"candidates"`
	Changed    int   `json:"changed"`
	Stamped    int   `json:"stamped"`
	Unchanged  int   `json:"unchanged"`
	Reopened   int   `json:"reopened"`
	Failed     int   `json:"failed"`
}

// Writes is the number of lead rows the sweep updated.
func (r Result) Writes() int {
	return r.Changed + r.Stamped
}

// Engine runs re-scoring sweeps.
type Engine struct {
	ledger  Ledger
	signals SignalSource
	cfg     config.RescoreConfig
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// New creates an Engine. A zero rate disables write pacing.
func New(l Ledger, signals SignalSource, cfg config.RescoreConfig) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Engine{
		ledger:  l,
		signals: signals,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		log:     zap.L().With(zap.String("component", "rescore")),
		now:     time.Now,
	}
}

// Run sweeps all candidates against the current signal set. Per-lead
// failures are logged and counted; the sweep continues. Cancellation stops the
// sweep between leads and returns the context error with partial counts.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	set, err := e.signals.Current(ctx)
	if err != nil {
		return Result{}, eris.Wrap(err, "rescore: load signal set")
	}

	filter := store.LeadFilter{VersionBelow: set.Version, Limit: e.cfg.BatchSize}
	if e.cfg.MaxAgeHours > 0 {
		filter.ScoredBefore = e.now().UTC().Add(-time.Duration(e.cfg.MaxAgeHours) * time.Hour)
	}

	var c counters
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		leads, err := e.ledger.List(ctx, filter)
		if err != nil {
			return c.result(set.Version), eris.Wrap(err, "rescore: list candidates")
		}
		if len(leads) == 0 {
			break
		}
		filter.AfterID = leads[len(leads)-1].ID
		c.candidates.Add(int64(len(leads)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, lead := range leads {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := e.limiter.Wait(gctx); err != nil {
					return nil
				}
				stampOnly := lead.ScoredWithVersion == set.Version
				ch, err := e.ledger.Rescore(gctx, lead.ID, set, stampOnly)
				if err != nil {
					if gctx.Err() == nil {
						c.failed.Add(1)
						metrics.RescoredLeads.WithLabelValues("failed").Inc()
						e.log.Error("rescore: lead failed", zap.String("lead_id", lead.ID), zap.Error(err))
					}
					return nil
				}

				switch {
				case ch.Changed:
					c.changed.Add(1)
					metrics.RescoredLeads.WithLabelValues("changed").Inc()
				case ch.Written:
					c.stamped.Add(1)
					metrics.RescoredLeads.WithLabelValues("stamped").Inc()
				default:
					c.unchanged.Add(1)
					metrics.RescoredLeads.WithLabelValues("unchanged").Inc()
				}

				if e.shouldReopen(ch) {
					if _, err := e.ledger.Reopen(gctx, ch.LeadID, "re-scored to "+string(ch.NewTier)); err != nil {
						e.log.Warn("rescore: reopen failed", zap.String("lead_id", ch.LeadID), zap.Error(err))
						return nil
					}
					c.reopened.Add(1)
					metrics.RescoredLeads.WithLabelValues("reopened").Inc()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(leads) < filter.Limit {
			break
		}
	}

	res := c.result(set.Version)
	if err := ctx.Err(); err != nil {
		e.log.Warn("rescore: sweep cancelled", zap.Int("candidates", res.Candidates), zap.Int("writes", res.Writes()))
		return res, err
	}
	e.log.Info("rescore: sweep complete",
		zap.Int64("version", res.Version),
		zap.Int("candidates", res.Candidates),
		zap.Int("changed", res.Changed),
		zap.Int("stamped", res.Stamped),
		zap.Int("reopened", res.Reopened),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (e *Engine) shouldReopen(ch ledger.Change) bool {
	return e.cfg.ReopenStale &&
		ch.Stage == model.StageStale &&
		ch.NewTier == model.TierHighFit &&
		ch.TierChanged()
}

type counters struct {
	candidates, changed, stamped, unchanged, reopened, failed atomic.Int64
}

func (c *counters) result(version int64) Result {
	return Result{
		Version:    version,
		Candidates: int(c.candidates.Load()),
		Changed:    int(c.changed.Load()),
		Stamped:    int(c.stamped.Load()),
		Unchanged:  int(c.unchanged.Load()),
		Reopened:   int(c.reopened.Load()),
		Failed:     int(c.failed.Load()),
	}
}

// Watch calls trigger after every version bump received on updates until ctx
// ends or updates closes.
func Watch(ctx context.Context, updates <-chan int64, trigger func(version int64)) {
	log := zap.L().With(zap.String("component", "rescore"))
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-updates:
			if !ok {
				return
			}
			log.Info("rescore: signal version changed, triggering sweep", zap.Int64("version", v))
			trigger(v)
		}
	}
}
