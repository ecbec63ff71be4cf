// Package signals is the versioned, append-only store of signal weights.
//
// Every change appends a complete new signal set with version base+1. Writers
// pass the version they read; a write based on a stale version fails with a
// *model.ConflictError and the caller re-reads before retrying.
package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

// Store wraps the persistence layer with weight validation and version-bump
// notification. It is safe for concurrent use.
type Store struct {
	st      store.Store
	floor   float64
	ceiling float64
	log     *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	subs []chan int64
}

// New creates a Store with hard weight bounds from cfg.
func New(st store.Store, cfg config.SignalsConfig) *Store {
	return &Store{
		st:      st,
		floor:   cfg.Floor,
		ceiling: cfg.Ceiling,
		log:     zap.L().With(zap.String("component", "signals")),
		now:     time.Now,
	}
}

// Bounds returns the hard floor and ceiling for any weight.
func (s *Store) Bounds() (floor, ceiling float64) {
	return s.floor, s.ceiling
}

// Current returns a deep copy of the latest signal set.
func (s *Store) Current(ctx context.Context) (model.SignalSet, error) {
	set, err := s.st.LatestSignalSet(ctx)
	if err != nil {
		return model.SignalSet{}, eris.Wrap(err, "signals: current")
	}
	metrics.SignalVersion.Set(float64(set.Version))
	return set.Clone(), nil
}

// At returns a historical version.
func (s *Store) At(ctx context.Context, version int64) (model.SignalSet, error) {
	set, err := s.st.GetSignalSet(ctx, version)
	if err != nil {
		return model.SignalSet{}, eris.Wrapf(err, "signals: version %d", version)
	}
	return set.Clone(), nil
}

// History lists versions newest first.
func (s *Store) History(ctx context.Context, limit int) ([]model.SignalVersionInfo, error) {
	out, err := s.st.ListSignalVersions(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "signals: history")
	}
	return out, nil
}

// ProposeAndApply validates changes against baseVersion and appends them as
// version baseVersion+1 together with the proposals that produced them. The
// proposals are stamped as applied. Either every change lands or none does.
func (s *Store) ProposeAndApply(ctx context.Context, baseVersion int64, changes []model.WeightChange, proposals []model.RefinementProposal, reason string) (int64, error) {
	if len(changes) == 0 {
		return 0, model.NewValidationError("changes", "at least one weight change is required")
	}

	base, err := s.latestMatching(ctx, baseVersion)
	if err != nil {
		return 0, err
	}

	next := base.Clone()
	seen := make(map[string]bool, len(changes))
	for _, c := range changes {
		if err := s.validateChange(base, c, seen); err != nil {
			return 0, err
		}
		def := next.Signals[c.SignalID]
		def.Weight = c.NewWeight
		next.Signals[c.SignalID] = def
	}

	newVersion := baseVersion + 1
	now := s.now().UTC()
	applied := make([]model.RefinementProposal, len(proposals))
	for i, p := range proposals {
		p.Applied = true
		p.AppliedVersion = newVersion
		p.RollbackVersion = baseVersion
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		applied[i] = p
	}

	next.Version = newVersion
	next.ParentVersion = baseVersion
	next.Reason = reason
	next.CreatedAt = now

	if err := s.append(ctx, next, applied); err != nil {
		return 0, err
	}
	s.log.Info("signals: applied weight changes",
		zap.Int64("base_version", baseVersion),
		zap.Int64("version", newVersion),
		zap.Int("changes", len(changes)),
		zap.String("reason", reason),
	)
	return newVersion, nil
}

// Rollback appends a new version whose signals equal toVersion. History is
// never rewritten. Restored weights may sit outside the current bounds since
// they were valid when written.
func (s *Store) Rollback(ctx context.Context, baseVersion, toVersion int64) (int64, error) {
	if toVersion <= 0 {
		return 0, model.NewValidationError("version", fmt.Sprintf("invalid rollback target %d", toVersion))
	}
	if _, err := s.latestMatching(ctx, baseVersion); err != nil {
		return 0, err
	}
	if toVersion >= baseVersion {
		return 0, model.NewValidationError("version", fmt.Sprintf("rollback target %d must be older than current %d", toVersion, baseVersion))
	}

	target, err := s.st.GetSignalSet(ctx, toVersion)
	if errors.Is(err, model.ErrNotFound) {
		return 0, model.NewValidationError("version", fmt.Sprintf("unknown version %d", toVersion))
	}
	if err != nil {
		return 0, eris.Wrapf(err, "signals: read rollback target %d", toVersion)
	}

	next := target.Clone()
	next.Version = baseVersion + 1
	next.ParentVersion = baseVersion
	next.Reason = fmt.Sprintf("rollback to v%d", toVersion)
	next.CreatedAt = s.now().UTC()

	if err := s.append(ctx, next, nil); err != nil {
		return 0, err
	}
	s.log.Warn("signals: rolled back",
		zap.Int64("from_version", baseVersion),
		zap.Int64("to_version", toVersion),
		zap.Int64("version", next.Version),
	)
	return next.Version, nil
}

// Seed creates version 1 from defs when the store is empty. It reports
// whether a version was written.
func (s *Store) Seed(ctx context.Context, defs []model.SignalDefinition) (bool, error) {
	_, err := s.st.LatestSignalSet(ctx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return false, eris.Wrap(err, "signals: check seed")
	}

	set := model.SignalSet{
		Version:   1,
		Reason:    "seed",
		Signals:   make(map[string]model.SignalDefinition, len(defs)),
		CreatedAt: s.now().UTC(),
	}
	var problems []string
	for _, d := range defs {
		if _, dup := set.Signals[d.ID]; dup {
			problems = append(problems, "duplicate signal "+d.ID)
			continue
		}
		if d.Weight < s.floor || d.Weight > s.ceiling {
			problems = append(problems, fmt.Sprintf("%s weight %.2f outside [%.2f, %.2f]", d.ID, d.Weight, s.floor, s.ceiling))
		}
		set.Signals[d.ID] = d
	}
	if len(set.Signals) == 0 {
		problems = append(problems, "no signals defined")
	}
	if err := model.Errors("seed", problems); err != nil {
		return false, err
	}

	if err := s.append(ctx, set, nil); err != nil {
		// A concurrent seeder won.
		if errors.Is(err, model.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}
	s.log.Info("signals: seeded", zap.Int("signals", len(set.Signals)))
	return true, nil
}

// Subscribe returns a channel that receives the new version after each
// successful write. Notifications coalesce: a slow reader sees the latest
// version, not every intermediate one.
func (s *Store) Subscribe() <-chan int64 {
	ch := make(chan int64, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notify(version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- version:
			continue
		default:
		}
		// Replace the stale pending value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- version:
		default:
		}
	}
}

func (s *Store) append(ctx context.Context, set model.SignalSet, applied []model.RefinementProposal) error {
	if err := s.st.AppendSignalSet(ctx, set, applied); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			metrics.SignalConflicts.Inc()
			return err
		}
		return eris.Wrapf(err, "signals: append version %d", set.Version)
	}
	metrics.SignalVersion.Set(float64(set.Version))
	s.notify(set.Version)
	return nil
}

// latestMatching loads the latest set and fails with a conflict unless it is
// baseVersion.
func (s *Store) latestMatching(ctx context.Context, baseVersion int64) (*model.SignalSet, error) {
	cur, err := s.st.LatestSignalSet(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "signals: read latest")
	}
	if cur.Version != baseVersion {
		metrics.SignalConflicts.Inc()
		return nil, &model.ConflictError{BaseVersion: baseVersion, CurrentVersion: cur.Version}
	}
	return cur, nil
}

func (s *Store) validateChange(base *model.SignalSet, c model.WeightChange, seen map[string]bool) error {
	def, ok := base.Signals[c.SignalID]
	if !ok {
		return &model.InvalidDeltaError{SignalID: c.SignalID, OldWeight: c.OldWeight, NewWeight: c.NewWeight, Reason: "unknown signal"}
	}
	if seen[c.SignalID] {
		return &model.InvalidDeltaError{SignalID: c.SignalID, OldWeight: c.OldWeight, NewWeight: c.NewWeight, Reason: "duplicate change"}
	}
	seen[c.SignalID] = true

	if math.Abs(def.Weight-c.OldWeight) > 1e-9 {
		return &model.InvalidDeltaError{SignalID: c.SignalID, OldWeight: c.OldWeight, NewWeight: c.NewWeight,
			Reason: fmt.Sprintf("old weight does not match version %d (%.2f)", base.Version, def.Weight)}
	}
	if math.IsNaN(c.NewWeight) || math.IsInf(c.NewWeight, 0) {
		return &model.InvalidDeltaError{SignalID: c.SignalID, OldWeight: c.OldWeight, NewWeight: c.NewWeight, Reason: "weight must be finite"}
	}
	if c.NewWeight < s.floor || c.NewWeight > s.ceiling {
		return &model.InvalidDeltaError{SignalID: c.SignalID, OldWeight: c.OldWeight, NewWeight: c.NewWeight,
			Reason: fmt.Sprintf("outside bounds [%.2f, %.2f]", s.floor, s.ceiling)}
	}
	return nil
}
