package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-engine/internal/db"
	"github.com/sells-group/prospect-engine/internal/model"
)

// PostgresStore implements Store using a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to connString and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signal_sets (
	version        BIGINT PRIMARY KEY,
	parent_version BIGINT NOT NULL DEFAULT 0,
	reason         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS signal_weights (
	version     BIGINT NOT NULL REFERENCES signal_sets(version),
	signal_id   TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	weight      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (version, signal_id)
);

CREATE TABLE IF NOT EXISTS refinement_proposals (
	id               TEXT PRIMARY KEY,
	cycle_id         TEXT NOT NULL,
	signal_id        TEXT NOT NULL,
	old_weight       DOUBLE PRECISION NOT NULL,
	proposed_weight  DOUBLE PRECISION NOT NULL,
	sample_size      INTEGER NOT NULL,
	correlation      DOUBLE PRECISION NOT NULL,
	lift             DOUBLE PRECISION NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	applied          BOOLEAN NOT NULL DEFAULT false,
	superseded       BOOLEAN NOT NULL DEFAULT false,
	applied_version  BIGINT NOT NULL DEFAULT 0,
	rollback_version BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY,
	domain              TEXT NOT NULL UNIQUE,
	stage               TEXT NOT NULL,
	score               DOUBLE PRECISION NOT NULL DEFAULT 0,
	tier                TEXT NOT NULL DEFAULT '',
	breakdown           JSONB,
	scored_at           TIMESTAMPTZ,
	scored_with_version BIGINT NOT NULL DEFAULT 0,
	profile             JSONB NOT NULL DEFAULT '{}',
	revision            BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lead_history (
	id         BIGSERIAL PRIMARY KEY,
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	kind       TEXT NOT NULL,
	from_stage TEXT NOT NULL DEFAULT '',
	to_stage   TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	tier       TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL DEFAULT 0,
	note       TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outcome_events (
	id              TEXT PRIMARY KEY,
	lead_id         TEXT NOT NULL REFERENCES leads(id),
	kind            TEXT NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	breakdown       JSONB NOT NULL,
	tier_at_send    TEXT NOT NULL DEFAULT '',
	score_at_send   DOUBLE PRECISION NOT NULL DEFAULT 0,
	version_at_send BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pipeline_snapshots (
	id          TEXT PRIMARY KEY,
	computed_at TIMESTAMPTZ NOT NULL,
	metrics     JSONB NOT NULL,
	details     JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS query_suggestions (
	id         TEXT PRIMARY KEY,
	cycle_id   TEXT NOT NULL,
	query      TEXT NOT NULL,
	token      TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	consumed   BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_runs (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_stage ON leads(stage);
CREATE INDEX IF NOT EXISTS idx_leads_scored_with_version ON leads(scored_with_version);
CREATE INDEX IF NOT EXISTS idx_lead_history_lead_id ON lead_history(lead_id);
CREATE INDEX IF NOT EXISTS idx_lead_history_at ON lead_history(at);
CREATE INDEX IF NOT EXISTS idx_outcome_events_occurred_at ON outcome_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_refinement_proposals_pending ON refinement_proposals(created_at) WHERE NOT applied AND NOT superseded;
CREATE INDEX IF NOT EXISTS idx_query_suggestions_query ON query_suggestions(query);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task, started_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates all tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Signal sets ---

func (s *PostgresStore) LatestSignalSet(ctx context.Context) (*model.SignalSet, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM signal_sets`).Scan(&version)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest signal version")
	}
	if version == 0 {
		return nil, eris.Wrap(model.ErrNotFound, "postgres: no signal set")
	}
	return s.GetSignalSet(ctx, version)
}

func (s *PostgresStore) GetSignalSet(ctx context.Context, version int64) (*model.SignalSet, error) {
	set := model.SignalSet{Version: version, Signals: map[string]model.SignalDefinition{}}
	err := s.pool.QueryRow(ctx,
		`SELECT parent_version, reason, created_at FROM signal_sets WHERE version = $1`, version,
	).Scan(&set.ParentVersion, &set.Reason, &set.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: signal version %d", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get signal set %d", version)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT signal_id, category, description, weight FROM signal_weights WHERE version = $1`, version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get signal weights %d", version)
	}
	defer rows.Close()

	for rows.Next() {
		var def model.SignalDefinition
		if err := rows.Scan(&def.ID, &def.Category, &def.Description, &def.Weight); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal weight")
		}
		set.Signals[def.ID] = def
	}
	return &set, eris.Wrap(rows.Err(), "postgres: signal weights iterate")
}

func (s *PostgresStore) ListSignalVersions(ctx context.Context, limit int) ([]model.SignalVersionInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.version, s.parent_version, s.reason, s.created_at, COUNT(w.signal_id)
		 FROM signal_sets s LEFT JOIN signal_weights w ON w.version = s.version
		 GROUP BY s.version ORDER BY s.version DESC LIMIT $1`,
		limitOr(limit, defaultListLimit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list signal versions")
	}
	defer rows.Close()

	var out []model.SignalVersionInfo
	for rows.Next() {
		var info model.SignalVersionInfo
		if err := rows.Scan(&info.Version, &info.ParentVersion, &info.Reason, &info.CreatedAt, &info.SignalCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal version")
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list signal versions iterate")
}

func (s *PostgresStore) AppendSignalSet(ctx context.Context, set model.SignalSet, applied []model.RefinementProposal) error {
	if set.Version != set.ParentVersion+1 {
		return model.NewValidationError("version", "new version must be parent+1")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append signal set")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM signal_sets`).Scan(&current); err != nil {
		return eris.Wrap(err, "postgres: read current version")
	}
	if current != set.ParentVersion {
		return &model.ConflictError{BaseVersion: set.ParentVersion, CurrentVersion: current}
	}

	// The primary key on version rejects a concurrent writer that read the
	// same parent.
	_, err = tx.Exec(ctx,
		`INSERT INTO signal_sets (version, parent_version, reason, created_at) VALUES ($1, $2, $3, $4)`,
		set.Version, set.ParentVersion, set.Reason, set.CreatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return &model.ConflictError{BaseVersion: set.ParentVersion, CurrentVersion: set.Version}
		}
		return eris.Wrap(err, "postgres: insert signal set")
	}

	rows := make([][]any, 0, len(set.Signals))
	for _, id := range set.IDs() {
		def := set.Signals[id]
		rows = append(rows, []any{set.Version, id, def.Category, def.Description, def.Weight})
	}
	if _, err := db.CopyFrom(ctx, tx, "signal_weights",
		[]string{"version", "signal_id", "category", "description", "weight"}, rows); err != nil {
		return eris.Wrap(err, "postgres: copy signal weights")
	}

	if err := pgInsertProposals(ctx, tx, applied); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit append signal set")
}

// --- Refinement proposals ---

func (s *PostgresStore) SaveProposals(ctx context.Context, proposals []model.RefinementProposal) error {
	if len(proposals) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save proposals")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`UPDATE refinement_proposals SET superseded = true WHERE NOT applied AND NOT superseded`)
	if err != nil {
		return eris.Wrap(err, "postgres: supersede pending proposals")
	}
	if err := pgInsertProposals(ctx, tx, proposals); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save proposals")
}

func pgInsertProposals(ctx context.Context, tx pgx.Tx, proposals []model.RefinementProposal) error {
	for _, p := range proposals {
		_, err := tx.Exec(ctx,
			`INSERT INTO refinement_proposals
				(id, cycle_id, signal_id, old_weight, proposed_weight, sample_size, correlation, lift,
				 reason, applied, applied_version, rollback_version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			p.ID, p.CycleID, p.SignalID, p.OldWeight, p.ProposedWeight, p.SampleSize, p.Correlation, p.Lift,
			p.Reason, p.Applied, p.AppliedVersion, p.RollbackVersion, p.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert proposal %s", p.SignalID)
		}
	}
	return nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]model.RefinementProposal, error) {
	query := `SELECT id, cycle_id, signal_id, old_weight, proposed_weight, sample_size, correlation, lift,
		reason, applied, superseded, applied_version, rollback_version, created_at
		FROM refinement_proposals WHERE 1=1`
	var args []any
	if filter.PendingOnly {
		query += ` AND NOT applied AND NOT superseded`
	}
	if filter.CycleID != "" {
		args = append(args, filter.CycleID)
		query += fmt.Sprintf(` AND cycle_id = $%d`, len(args))
	}
	args = append(args, limitOr(filter.Limit, defaultListLimit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, signal_id ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list proposals")
	}
	defer rows.Close()

	var out []model.RefinementProposal
	for rows.Next() {
		var p model.RefinementProposal
		err := rows.Scan(&p.ID, &p.CycleID, &p.SignalID, &p.OldWeight, &p.ProposedWeight, &p.SampleSize,
			&p.Correlation, &p.Lift, &p.Reason, &p.Applied, &p.Superseded, &p.AppliedVersion, &p.RollbackVersion, &p.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan proposal")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list proposals iterate")
}

// --- Leads ---

const pgLeadColumns = `id, domain, stage, score, tier, breakdown, scored_at, scored_with_version,
	profile, revision, created_at, updated_at`

func (s *PostgresStore) InsertLeadIfAbsent(ctx context.Context, lead model.Lead, history model.LeadHistoryEntry) (string, bool, error) {
	breakdown, profile, err := marshalLeadJSON(lead)
	if err != nil {
		return "", false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: begin insert lead")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO leads (`+pgLeadColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (domain) DO NOTHING`,
		lead.ID, lead.Domain, string(lead.Stage), lead.Score, string(lead.Tier), breakdown,
		lead.ScoredAt, lead.ScoredWithVersion, profile, lead.Revision, lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: insert lead %s", lead.Domain)
	}

	if tag.RowsAffected() == 0 {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM leads WHERE domain = $1`, lead.Domain).Scan(&id); err != nil {
			return "", false, eris.Wrapf(err, "postgres: lookup lead %s", lead.Domain)
		}
		return id, false, nil
	}

	history.LeadID = lead.ID
	if err := pgInsertHistory(ctx, tx, history); err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, eris.Wrap(err, "postgres: commit insert lead")
	}
	return lead.ID, true, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx, `SELECT `+pgLeadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: lead %s", id)
	}
	return l, err
}

func (s *PostgresStore) GetLeadByDomain(ctx context.Context, domain string) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx, `SELECT `+pgLeadColumns+` FROM leads WHERE domain = $1`, domain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: lead domain %s", domain)
	}
	return l, err
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + pgLeadColumns + ` FROM leads WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Stage != "" {
		query += ` AND stage = ` + arg(string(filter.Stage))
	}
	switch {
	case filter.VersionBelow > 0 && !filter.ScoredBefore.IsZero():
		query += ` AND scored_at IS NOT NULL AND (scored_with_version < ` + arg(filter.VersionBelow) +
			` OR scored_at < ` + arg(filter.ScoredBefore) + `)`
	case filter.VersionBelow > 0:
		query += ` AND scored_at IS NOT NULL AND scored_with_version < ` + arg(filter.VersionBelow)
	case !filter.ScoredBefore.IsZero():
		query += ` AND scored_at IS NOT NULL AND scored_at < ` + arg(filter.ScoredBefore)
	}
	if filter.AfterID != "" {
		query += ` AND id > ` + arg(filter.AfterID)
	}
	query += ` ORDER BY id ASC LIMIT ` + arg(limitOr(filter.Limit, defaultListLimit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) CountLeadsByStage(ctx context.Context) (map[model.Stage]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, COUNT(*) FROM leads GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count leads by stage")
	}
	defer rows.Close()

	out := make(map[model.Stage]int)
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage count")
		}
		out[model.Stage(stage)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count leads by stage iterate")
}

func (s *PostgresStore) WriteLead(ctx context.Context, w LeadWrite) (*model.Lead, error) {
	lead := w.Lead.Clone()
	breakdown, profile, err := marshalLeadJSON(lead)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin write lead")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE leads SET stage = $1, score = $2, tier = $3, breakdown = $4, scored_at = $5,
			scored_with_version = $6, profile = $7, revision = revision + 1, updated_at = $8
		 WHERE id = $9 AND revision = $10`,
		string(lead.Stage), lead.Score, string(lead.Tier), breakdown, lead.ScoredAt,
		lead.ScoredWithVersion, profile, lead.UpdatedAt, lead.ID, lead.Revision,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update lead %s", lead.ID)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, lead.ID).Scan(&exists); err != nil {
			return nil, eris.Wrapf(err, "postgres: check lead %s", lead.ID)
		}
		if !exists {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: lead %s", lead.ID)
		}
		return nil, eris.Wrapf(model.ErrStaleRevision, "postgres: lead %s revision %d", lead.ID, lead.Revision)
	}

	if w.History != nil {
		h := *w.History
		h.LeadID = lead.ID
		if err := pgInsertHistory(ctx, tx, h); err != nil {
			return nil, err
		}
	}
	if w.Outcome != nil {
		if err := pgInsertOutcome(ctx, tx, *w.Outcome); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit write lead")
	}
	lead.Revision++
	return &lead, nil
}

func pgInsertHistory(ctx context.Context, tx pgx.Tx, h model.LeadHistoryEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO lead_history (lead_id, kind, from_stage, to_stage, score, tier, version, note, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.LeadID, string(h.Kind), string(h.FromStage), string(h.ToStage), h.Score, string(h.Tier),
		h.Version, h.Note, h.At,
	)
	return eris.Wrapf(err, "postgres: insert history for lead %s", h.LeadID)
}

func pgInsertOutcome(ctx context.Context, tx pgx.Tx, ev model.OutcomeEvent) error {
	breakdown, err := json.Marshal(ev.Breakdown)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcome breakdown")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outcome_events (id, lead_id, kind, occurred_at, breakdown, tier_at_send, score_at_send, version_at_send)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.LeadID, string(ev.Kind), ev.OccurredAt, breakdown,
		string(ev.TierAtSend), ev.ScoreAtSend, ev.VersionAtSend,
	)
	return eris.Wrapf(err, "postgres: insert outcome for lead %s", ev.LeadID)
}

func (s *PostgresStore) LeadHistory(ctx context.Context, leadID string) ([]model.LeadHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT id, lead_id, kind, from_stage, to_stage, score, tier, version, note, at
		 FROM lead_history WHERE lead_id = $1 ORDER BY id ASC`, leadID)
}

func (s *PostgresStore) HistorySince(ctx context.Context, since time.Time) ([]model.LeadHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT id, lead_id, kind, from_stage, to_stage, score, tier, version, note, at
		 FROM lead_history WHERE at >= $1 ORDER BY at ASC, id ASC`, since)
}

func (s *PostgresStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.LeadHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query history")
	}
	defer rows.Close()

	var out []model.LeadHistoryEntry
	for rows.Next() {
		var h model.LeadHistoryEntry
		var kind, from, to, tier string
		err := rows.Scan(&h.ID, &h.LeadID, &kind, &from, &to, &h.Score, &tier, &h.Version, &h.Note, &h.At)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		h.Kind, h.FromStage, h.ToStage, h.Tier = model.HistoryKind(kind), model.Stage(from), model.Stage(to), model.Tier(tier)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history iterate")
}

// --- Outcomes ---

func (s *PostgresStore) ListOutcomes(ctx context.Context, since time.Time) ([]model.OutcomeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lead_id, kind, occurred_at, breakdown, tier_at_send, score_at_send, version_at_send
		 FROM outcome_events WHERE occurred_at >= $1 ORDER BY occurred_at ASC, id ASC`, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var out []model.OutcomeEvent
	for rows.Next() {
		var ev model.OutcomeEvent
		var kind, tier string
		var breakdown []byte
		err := rows.Scan(&ev.ID, &ev.LeadID, &kind, &ev.OccurredAt, &breakdown, &tier, &ev.ScoreAtSend, &ev.VersionAtSend)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		ev.Kind, ev.TierAtSend = model.OutcomeKind(kind), model.Tier(tier)
		if err := json.Unmarshal(breakdown, &ev.Breakdown); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal outcome breakdown")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

// --- Health snapshots ---

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap model.PipelineSnapshot) error {
	metrics, details, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_snapshots (id, computed_at, metrics, details) VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.ComputedAt, metrics, details,
	)
	return eris.Wrap(err, "postgres: save snapshot")
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.PipelineSnapshot, error) {
	var snap model.PipelineSnapshot
	var metrics, details []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, computed_at, metrics, details FROM pipeline_snapshots ORDER BY computed_at DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.ComputedAt, &metrics, &details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest snapshot")
	}
	if err := unmarshalSnapshot(metrics, details, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) AppendSuggestions(ctx context.Context, suggestions []model.QuerySuggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	rows := make([][]any, len(suggestions))
	for i, q := range suggestions {
		rows[i] = []any{q.ID, q.CycleID, q.Query, q.Token, q.Score, q.Consumed, q.CreatedAt}
	}
	_, err := db.CopyFrom(ctx, s.pool, "query_suggestions",
		[]string{"id", "cycle_id", "query", "token", "score", "consumed", "created_at"}, rows)
	return eris.Wrap(err, "postgres: append suggestions")
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, unconsumedOnly bool, limit int) ([]model.QuerySuggestion, error) {
	query := `SELECT id, cycle_id, query, token, score, consumed, created_at FROM query_suggestions`
	if unconsumedOnly {
		query += ` WHERE NOT consumed`
	}
	query += ` ORDER BY created_at DESC, score DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limitOr(limit, defaultListLimit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suggestions")
	}
	defer rows.Close()

	var out []model.QuerySuggestion
	for rows.Next() {
		var q model.QuerySuggestion
		if err := rows.Scan(&q.ID, &q.CycleID, &q.Query, &q.Token, &q.Score, &q.Consumed, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suggestion")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list suggestions iterate")
}

func (s *PostgresStore) MarkSuggestionsConsumed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE query_suggestions SET consumed = true WHERE id = ANY($1)`, ids)
	return eris.Wrap(err, "postgres: mark suggestions consumed")
}

// --- Task runs ---

func (s *PostgresStore) RecordTaskRun(ctx context.Context, run model.TaskRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_runs (id, task, status, error, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Task, string(run.Status), run.Error, run.StartedAt, run.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: record task run %s", run.Task)
}

func (s *PostgresStore) ListTaskRuns(ctx context.Context, task string, limit int) ([]model.TaskRun, error) {
	query := `SELECT id, task, status, error, started_at, finished_at FROM task_runs`
	args := []any{}
	if task != "" {
		args = append(args, task)
		query += ` WHERE task = $1`
	}
	args = append(args, limitOr(limit, defaultListLimit))
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list task runs")
	}
	defer rows.Close()

	var out []model.TaskRun
	for rows.Next() {
		var r model.TaskRun
		var status string
		if err := rows.Scan(&r.ID, &r.Task, &status, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task run")
		}
		r.Status = model.TaskStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list task runs iterate")
}

// helpers

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var stage, tier string
	var breakdown, profile []byte

	err := row.Scan(&l.ID, &l.Domain, &stage, &l.Score, &tier, &breakdown, &l.ScoredAt,
		&l.ScoredWithVersion, &profile, &l.Revision, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan lead")
	}
	l.Stage, l.Tier = model.Stage(stage), model.Tier(tier)

	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &l.Breakdown); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal breakdown")
		}
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &l.Profile); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal profile")
		}
	}
	return &l, nil
}
