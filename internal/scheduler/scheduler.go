// Package scheduler runs named tasks on fixed intervals. Each task has at
// most one execution in flight: a dispatch that finds the task running is
// recorded as skipped instead of queued.
package scheduler

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
)

// Task is a unit of scheduled work. A zero Interval registers the task for
// on-demand runs only.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// RunRecorder persists task run records.
type RunRecorder interface {
	RecordTaskRun(ctx context.Context, run model.TaskRun) error
}

type entry struct {
	task    Task
	running atomic.Bool
	trigger chan struct{}
}

// Scheduler dispatches registered tasks.
type Scheduler struct {
	recorder RunRecorder
	log      *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	tasks   map[string]*entry
	started bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. recorder may be nil.
func New(recorder RunRecorder) *Scheduler {
	return &Scheduler{
		recorder: recorder,
		log:      zap.L().With(zap.String("component", "scheduler")),
		now:      time.Now,
		tasks:    make(map[string]*entry),
	}
}

// Register adds a task. Tasks must be registered before Start.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return model.NewValidationError("name", "task name is required")
	}
	if t.Run == nil {
		return model.NewValidationError("run", "task "+t.Name+" has no run function")
	}
	if t.Interval < 0 {
		return model.NewValidationError("interval", "task "+t.Name+" has a negative interval")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return eris.Errorf("scheduler: register %s after start", t.Name)
	}
	if _, dup := s.tasks[t.Name]; dup {
		return model.NewValidationError("name", "task "+t.Name+" already registered")
	}
	s.tasks[t.Name] = &entry{task: t, trigger: make(chan struct{}, 1)}
	return nil
}

// Tasks returns the registered tasks sorted by name.
func (s *Scheduler) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running reports whether the named task is executing.
func (s *Scheduler) Running(name string) bool {
	e, err := s.lookup(name)
	return err == nil && e.running.Load()
}

// Start launches one loop per task and returns immediately. Loops stop when
// ctx is cancelled; use Wait to block until in-flight runs finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(entries)))
}

// Wait blocks until every loop and dispatched run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger requests an immediate run of the named task from its loop. It does
// not block; a trigger while one is already pending is coalesced.
func (s *Scheduler) Trigger(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// RunNow runs the named task synchronously under the same single-flight rule
// as scheduled runs. The returned error is the task's own failure, if any.
func (s *Scheduler) RunNow(ctx context.Context, name string) (model.TaskRun, error) {
	e, err := s.lookup(name)
	if err != nil {
		return model.TaskRun{}, err
	}
	run := s.dispatch(ctx, e)
	if run.Status == model.TaskFailed {
		return run, eris.New(run.Error)
	}
	return run, nil
}

func (s *Scheduler) lookup(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[name]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "scheduler: task %q", name)
	}
	return e, nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if e.task.Interval > 0 {
		ticker := time.NewTicker(e.task.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-e.trigger:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, e)
		}()
	}
}

// dispatch runs e unless it is already running, and records the outcome.
func (s *Scheduler) dispatch(ctx context.Context, e *entry) model.TaskRun {
	name := e.task.Name
	run := model.TaskRun{ID: uuid.NewString(), Task: name, StartedAt: s.now().UTC()}

	if !e.running.CompareAndSwap(false, true) {
		run.Status = model.TaskSkipped
		run.FinishedAt = run.StartedAt
		s.log.Info("scheduler: task still running, skipping", zap.String("task", name))
		s.record(ctx, run)
		return run
	}
	defer e.running.Store(false)

	err := s.execute(ctx, e.task)
	run.FinishedAt = s.now().UTC()
	metrics.TaskDuration.WithLabelValues(name).Observe(run.Duration().Seconds())

	if err != nil {
		run.Status = model.TaskFailed
		run.Error = err.Error()
		s.log.Error("scheduler: task failed",
			zap.String("task", name),
			zap.Time("started_at", run.StartedAt),
			zap.Duration("duration", run.Duration()),
			zap.Error(err),
		)
	} else {
		run.Status = model.TaskCompleted
		s.log.Info("scheduler: task completed",
			zap.String("task", name),
			zap.Duration("duration", run.Duration()),
		)
	}
	s.record(ctx, run)
	return run
}

// execute runs the task and converts a panic into an error.
func (s *Scheduler) execute(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: task panicked",
				zap.String("task", t.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = eris.Errorf("scheduler: task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}

func (s *Scheduler) record(ctx context.Context, run model.TaskRun) {
	metrics.TaskRuns.WithLabelValues(run.Task, string(run.Status)).Inc()
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordTaskRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Warn("scheduler: record task run failed", zap.String("task", run.Task), zap.Error(err))
	}
}
