package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/db"
	"github.com/sells-group/prospect-engine/internal/discovery"
	"github.com/sells-group/prospect-engine/internal/ledger"
	"github.com/sells-group/prospect-engine/internal/monitoring"
	"github.com/sells-group/prospect-engine/internal/outcome"
	"github.com/sells-group/prospect-engine/internal/pipeline"
	"github.com/sells-group/prospect-engine/internal/refiner"
	"github.com/sells-group/prospect-engine/internal/rescore"
	"github.com/sells-group/prospect-engine/internal/scheduler"
	"github.com/sells-group/prospect-engine/internal/scorer"
	"github.com/sells-group/prospect-engine/internal/signals"
	"github.com/sells-group/prospect-engine/internal/store"
)

// engine holds the wired components shared by every command.
type engine struct {
	Store     store.Store
	Signals   *signals.Store
	Ledger    *ledger.Ledger
	Tracker   *outcome.Tracker
	Refiner   *refiner.Refiner
	Rescorer  *rescore.Engine
	Expander  *discovery.Expander
	Monitor   *monitoring.Monitor
	Pipeline  *pipeline.Orchestrator
	Scheduler *scheduler.Scheduler
}

// Close releases the store.
func (e *engine) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "prospect.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.DatabaseURL, db.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// initEngine opens and migrates the store, seeds version 1 of the signal set
// when the store is empty, and wires every component.
func initEngine(ctx context.Context, c *config.Config) (*engine, error) {
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	sig := signals.New(st, c.Signals)
	defs, err := signals.LoadSeedFile(c.Signals.SeedFile)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	if _, err := sig.Seed(ctx, defs); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	retries := c.Signals.ConflictRetries
	led := ledger.New(st, sig, scorer.FromConfig(c.Scoring), retries)
	tracker := outcome.NewTracker(led, st, time.Duration(c.Refiner.LookbackDays)*24*time.Hour)
	ref := refiner.New(sig, tracker, st, c.Refiner, retries)
	rs := rescore.New(led, sig, c.Rescore)
	exp := discovery.NewExpander(led, tracker, st, c.Expander)
	mon := monitoring.NewMonitor(st, monitoring.NewAlerter(c.Monitoring.WebhookURL), c.Monitoring)

	orch := pipeline.New(pipeline.Deps{
		Ledger:      led,
		Signals:     sig,
		Outcomes:    tracker,
		Suggestions: st,
		Refiner:     ref,
		Rescorer:    rs,
		Expander:    exp,
		Health:      mon,
	}, c.Rescore.BatchSize)

	sched := scheduler.New(st)
	if err := orch.Register(sched, c.Scheduler); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	return &engine{
		Store:     st,
		Signals:   sig,
		Ledger:    led,
		Tracker:   tracker,
		Refiner:   ref,
		Rescorer:  rs,
		Expander:  exp,
		Monitor:   mon,
		Pipeline:  orch,
		Scheduler: sched,
	}, nil
}
