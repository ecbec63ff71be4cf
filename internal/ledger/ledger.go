// Package ledger owns lead records, their stage machine and outcome events.
//
// All writes to one lead are serialized in-process by a per-lead lock and
// across processes by the row revision check in the store. A write that loses
// the revision race re-reads the lead and reapplies the change.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/resilience"
	"github.com/sells-group/prospect-engine/internal/scorer"
	"github.com/sells-group/prospect-engine/internal/store"
)

// SignalReader resolves a historical signal set.
type SignalReader interface {
	At(ctx context.Context, version int64) (model.SignalSet, error)
}

// Ledger is the single writer of leads, lead history and outcome events.
type Ledger struct {
	st      store.Store
	signals SignalReader
	th      scorer.Thresholds
	retries int
	locks   *keyedMutex
	log     *zap.Logger
	now     func() time.Time
}

// New creates a Ledger. retries bounds attempts after a revision conflict.
func New(st store.Store, signals SignalReader, th scorer.Thresholds, retries int) *Ledger {
	return &Ledger{
		st:      st,
		signals: signals,
		th:      th,
		retries: retries,
		locks:   newKeyedMutex(),
		log:     zap.L().With(zap.String("component", "ledger")),
		now:     time.Now,
	}
}

// Thresholds returns the tier cutoffs used for every score.
func (l *Ledger) Thresholds() scorer.Thresholds {
	return l.th
}

// Get returns one lead.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Lead, error) {
	lead, err := l.st.GetLead(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get lead %s", id)
	}
	return lead, nil
}

// GetByDomain looks a lead up by its normalized domain.
func (l *Ledger) GetByDomain(ctx context.Context, raw string) (*model.Lead, error) {
	domain, err := NormalizeDomain(raw)
	if err != nil {
		return nil, err
	}
	lead, err := l.st.GetLeadByDomain(ctx, domain)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get lead %s", domain)
	}
	return lead, nil
}

// List returns leads matching filter.
func (l *Ledger) List(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error) {
	leads, err := l.st.ListLeads(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list leads")
	}
	return leads, nil
}

// History returns the audit trail of one lead, oldest first.
func (l *Ledger) History(ctx context.Context, id string) ([]model.LeadHistoryEntry, error) {
	h, err := l.st.LeadHistory(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: history %s", id)
	}
	return h, nil
}

// UpsertByDomain returns the lead owning the domain, creating it in the
// Discovered stage when absent. Concurrent calls for one domain return the
// same id and exactly one reports created. Existing leads are returned as is.
func (l *Ledger) UpsertByDomain(ctx context.Context, raw string, profile model.Profile) (string, bool, error) {
	domain, err := NormalizeDomain(raw)
	if err != nil {
		return "", false, err
	}

	unlock := l.locks.Lock("domain:" + domain)
	defer unlock()

	now := l.now().UTC()
	lead := model.Lead{
		ID:        uuid.NewString(),
		Domain:    domain,
		Stage:     model.StageDiscovered,
		Profile:   profile,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := model.LeadHistoryEntry{Kind: model.HistoryDiscovered, ToStage: model.StageDiscovered, At: now}

	type upsert struct {
		id      string
		created bool
	}
	res, err := resilience.DoVal(ctx, resilience.ConflictRetryConfig(l.retries, "upsert_lead"), func(ctx context.Context) (upsert, error) {
		id, created, err := l.st.InsertLeadIfAbsent(ctx, lead, entry)
		return upsert{id: id, created: created}, err
	})
	if err != nil {
		return "", false, eris.Wrapf(err, "ledger: upsert %s", domain)
	}
	if res.created {
		l.log.Info("ledger: lead discovered", zap.String("lead_id", res.id), zap.String("domain", domain))
	}
	return res.id, res.created, nil
}

// UpdateProfile replaces the lead's descriptive metadata. No history is written.
func (l *Ledger) UpdateProfile(ctx context.Context, id string, profile model.Profile) (*model.Lead, error) {
	return l.update(ctx, id, "update_profile", func(lead model.Lead) (*store.LeadWrite, error) {
		lead.Profile = profile
		return &store.LeadWrite{Lead: lead}, nil
	})
}

// MarkScraped advances a Discovered lead to Scraped, storing profile when set.
func (l *Ledger) MarkScraped(ctx context.Context, id string, profile model.Profile) (*model.Lead, error) {
	return l.update(ctx, id, "mark_scraped", func(lead model.Lead) (*store.LeadWrite, error) {
		if err := model.ValidateTransition(lead.ID, lead.Stage, model.StageScraped); err != nil {
			return nil, err
		}
		if !profile.IsZero() {
			lead.Profile = profile
		}
		from := lead.Stage
		lead.Stage = model.StageScraped
		return &store.LeadWrite{Lead: lead, History: l.entry(model.HistoryStage, from, lead)}, nil
	})
}

// RecordScore scores breakdown against the weights of version and stores the
// result. A Scraped lead advances to Scored; a lead already Scored or later is
// re-stamped in place. Breakdown entries for signals unknown to version are
// rejected whether or not they matched.
func (l *Ledger) RecordScore(ctx context.Context, id string, breakdown model.Breakdown, version int64) (scorer.Result, error) {
	set, err := l.signalSet(ctx, version)
	if err != nil {
		return scorer.Result{}, err
	}
	res, err := scorer.Score(breakdown, set, l.th)
	if err != nil {
		return scorer.Result{}, err
	}

	_, err = l.update(ctx, id, "record_score", func(lead model.Lead) (*store.LeadWrite, error) {
		from := lead.Stage
		switch {
		case lead.Stage == model.StageScraped:
			lead.Stage = model.StageScored
		case lead.Stage.HasScore():
		default:
			return nil, &model.InvalidTransitionError{LeadID: lead.ID, From: lead.Stage, To: model.StageScored, Reason: "lead must be scraped before scoring"}
		}
		l.applyScore(&lead, res)
		return &store.LeadWrite{Lead: lead, History: l.entry(model.HistoryScore, from, lead)}, nil
	})
	if err != nil {
		return scorer.Result{}, err
	}
	return res, nil
}

// AdvanceStage moves a lead one step forward. Score and tier are recomputed
// from the stored breakdown at the lead's scored-with version.
func (l *Ledger) AdvanceStage(ctx context.Context, id string, target model.Stage) (*model.Lead, error) {
	return l.update(ctx, id, "advance_stage", func(lead model.Lead) (*store.LeadWrite, error) {
		if err := model.ValidateTransition(lead.ID, lead.Stage, target); err != nil {
			return nil, err
		}
		if target == model.StageScored && len(lead.Breakdown) == 0 {
			return nil, &model.InvalidTransitionError{LeadID: lead.ID, From: lead.Stage, To: target, Reason: "no breakdown recorded"}
		}
		if target.HasScore() && lead.ScoredWithVersion > 0 {
			set, err := l.signalSet(ctx, lead.ScoredWithVersion)
			if err != nil {
				return nil, err
			}
			res, err := scorer.Score(lead.Breakdown, set, l.th)
			if err != nil {
				return nil, err
			}
			lead.Score, lead.Tier, lead.Breakdown = res.Total, res.Tier, res.Breakdown
		}
		from := lead.Stage
		lead.Stage = target
		return &store.LeadWrite{Lead: lead, History: l.entry(model.HistoryStage, from, lead)}, nil
	})
}

// Change describes the effect of one re-score.
type Change struct {
	LeadID     string      `json:"lead_id"`
	Stage      model.Stage `json:"stage"`
	OldScore   float64     `json:"old_score"`
	NewScore   float64     `json:"new_score"`
	OldTier    model.Tier  `json:"old_tier"`
	NewTier    model.Tier  `json:"new_tier"`
	OldVersion int64       `json:"old_version"`
	NewVersion int64       `json:"new_version"`
	// Changed is true when score, tier or version moved.
	Changed bool `json:"changed"`
	// Written is true when the lead row was updated.
	Written bool `json:"written"`
}

// TierChanged reports whether the re-score moved the lead between tiers.
func (c Change) TierChanged() bool {
	return c.OldTier != c.NewTier
}

// Rescore recomputes a lead's score against set without changing its stage.
// The lead is written only when score, tier or version change, or when
// stampOnly asks to refresh the scored-at time of an otherwise unchanged lead.
// History is appended only for actual changes, so repeating a re-score at the
// same version is a no-op.
func (l *Ledger) Rescore(ctx context.Context, id string, set model.SignalSet, stampOnly bool) (Change, error) {
	var change Change
	_, err := l.update(ctx, id, "rescore", func(lead model.Lead) (*store.LeadWrite, error) {
		change = Change{
			LeadID:     lead.ID,
			Stage:      lead.Stage,
			OldScore:   lead.Score,
			NewScore:   lead.Score,
			OldTier:    lead.Tier,
			NewTier:    lead.Tier,
			OldVersion: lead.ScoredWithVersion,
			NewVersion: lead.ScoredWithVersion,
		}
		if !lead.Stage.HasScore() || lead.ScoredWithVersion == 0 {
			return nil, nil
		}

		res, err := scorer.Score(lead.Breakdown, set, l.th)
		if err != nil {
			return nil, err
		}
		change.NewScore, change.NewTier, change.NewVersion = res.Total, res.Tier, res.Version
		change.Changed = res.Total != lead.Score || res.Tier != lead.Tier || res.Version != lead.ScoredWithVersion

		switch {
		case change.Changed:
			l.applyScore(&lead, res)
			change.Written = true
			return &store.LeadWrite{Lead: lead, History: l.entry(model.HistoryRescore, lead.Stage, lead)}, nil
		case stampOnly:
			now := l.now().UTC()
			lead.ScoredAt = &now
			change.Written = true
			return &store.LeadWrite{Lead: lead}, nil
		default:
			return nil, nil
		}
	})
	if err != nil {
		return Change{}, err
	}

	if change.Changed && change.Stage.IsTerminal() {
		l.log.Info("ledger: rescored terminal lead, stage unchanged",
			zap.String("lead_id", change.LeadID),
			zap.String("stage", string(change.Stage)),
			zap.Float64("old_score", change.OldScore),
			zap.Float64("new_score", change.NewScore),
			zap.String("new_tier", string(change.NewTier)),
		)
	}
	return change, nil
}

// Reopen moves a terminal lead back to Scored. It is the only backward move
// the ledger allows.
func (l *Ledger) Reopen(ctx context.Context, id, reason string) (*model.Lead, error) {
	lead, err := l.update(ctx, id, "reopen", func(lead model.Lead) (*store.LeadWrite, error) {
		if !lead.Stage.IsTerminal() {
			return nil, &model.InvalidTransitionError{LeadID: lead.ID, From: lead.Stage, To: model.StageScored, Reason: "only terminal leads can be reopened"}
		}
		from := lead.Stage
		lead.Stage = model.StageScored
		h := l.entry(model.HistoryReopen, from, lead)
		h.Note = reason
		return &store.LeadWrite{Lead: lead, History: h}, nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Warn("ledger: lead reopened", zap.String("lead_id", id), zap.String("reason", reason))
	return lead, nil
}

// RecordOutcome stores a terminal outreach result and moves the lead to the
// outcome's stage in one write. The event keeps a deep copy of snapshot, or of
// the lead's current breakdown when snapshot is nil.
func (l *Ledger) RecordOutcome(ctx context.Context, id string, kind model.OutcomeKind, snapshot model.Breakdown) (model.OutcomeEvent, error) {
	if _, err := model.ParseOutcomeKind(string(kind)); err != nil {
		return model.OutcomeEvent{}, err
	}

	var ev model.OutcomeEvent
	_, err := l.update(ctx, id, "record_outcome", func(lead model.Lead) (*store.LeadWrite, error) {
		if lead.Stage != model.StageOutreached {
			return nil, &model.InvalidTransitionError{LeadID: lead.ID, From: lead.Stage, To: kind.TerminalStage(), Reason: "outcomes are recorded for outreached leads only"}
		}
		bd := snapshot
		if bd == nil {
			bd = lead.Breakdown
		}
		ev = model.OutcomeEvent{
			ID:            uuid.NewString(),
			LeadID:        lead.ID,
			Kind:          kind,
			OccurredAt:    l.now().UTC(),
			Breakdown:     bd.Clone(),
			TierAtSend:    lead.Tier,
			ScoreAtSend:   lead.Score,
			VersionAtSend: lead.ScoredWithVersion,
		}

		from := lead.Stage
		lead.Stage = kind.TerminalStage()
		h := l.entry(model.HistoryOutcome, from, lead)
		h.Note = string(kind)
		out := ev
		return &store.LeadWrite{Lead: lead, History: h, Outcome: &out}, nil
	})
	if err != nil {
		return model.OutcomeEvent{}, err
	}
	l.log.Info("ledger: outcome recorded",
		zap.String("lead_id", id),
		zap.String("kind", string(kind)),
		zap.String("tier_at_send", string(ev.TierAtSend)),
	)
	return ev, nil
}

// update runs fn against a fresh read of the lead under the lead's lock and
// writes the result. A nil write from fn leaves the lead untouched. Revision
// conflicts from other processes are retried with a re-read.
func (l *Ledger) update(ctx context.Context, id, op string, fn func(lead model.Lead) (*store.LeadWrite, error)) (*model.Lead, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	lead, err := resilience.DoVal(ctx, resilience.ConflictRetryConfig(l.retries, op), func(ctx context.Context) (*model.Lead, error) {
		cur, err := l.st.GetLead(ctx, id)
		if err != nil {
			return nil, err
		}
		w, err := fn(cur.Clone())
		if err != nil || w == nil {
			return cur, err
		}
		w.Lead.ID = cur.ID
		w.Lead.Revision = cur.Revision
		w.Lead.UpdatedAt = l.now().UTC()
		if w.History != nil {
			w.History.LeadID = cur.ID
		}
		return l.st.WriteLead(ctx, *w)
	})
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, eris.Wrapf(err, "ledger: %s %s", op, id)
	}
	return lead, nil
}

func (l *Ledger) applyScore(lead *model.Lead, res scorer.Result) {
	now := l.now().UTC()
	lead.Score = res.Total
	lead.Tier = res.Tier
	lead.Breakdown = res.Breakdown
	lead.ScoredAt = &now
	lead.ScoredWithVersion = res.Version
}

func (l *Ledger) entry(kind model.HistoryKind, from model.Stage, lead model.Lead) *model.LeadHistoryEntry {
	return &model.LeadHistoryEntry{
		LeadID:    lead.ID,
		Kind:      kind,
		FromStage: from,
		ToStage:   lead.Stage,
		Score:     lead.Score,
		Tier:      lead.Tier,
		Version:   lead.ScoredWithVersion,
		At:        l.now().UTC(),
	}
}

func (l *Ledger) signalSet(ctx context.Context, version int64) (model.SignalSet, error) {
	set, err := l.signals.At(ctx, version)
	if errors.Is(err, model.ErrNotFound) {
		return model.SignalSet{}, model.NewValidationError("signal_version", "unknown signal version")
	}
	if err != nil {
		return model.SignalSet{}, eris.Wrapf(err, "ledger: load signal version %d", version)
	}
	return set, nil
}

// isDomainError reports errors callers match on by type; they pass through
// unwrapped so their messages stay stable.
func isDomainError(err error) bool {
	return errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrInvalidTransition)
}
