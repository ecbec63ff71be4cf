package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
//
// The pool is pinned to a single connection so transactions serialize inside
// the process; methods running inside a transaction must only use that tx.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signal_sets (
	version        INTEGER PRIMARY KEY,
	parent_version INTEGER NOT NULL DEFAULT 0,
	reason         TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_weights (
	version     INTEGER NOT NULL REFERENCES signal_sets(version),
	signal_id   TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	weight      REAL NOT NULL,
	PRIMARY KEY (version, signal_id)
);

CREATE TABLE IF NOT EXISTS refinement_proposals (
	id               TEXT PRIMARY KEY,
	cycle_id         TEXT NOT NULL,
	signal_id        TEXT NOT NULL,
	old_weight       REAL NOT NULL,
	proposed_weight  REAL NOT NULL,
	sample_size      INTEGER NOT NULL,
	correlation      REAL NOT NULL,
	lift             REAL NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	applied          INTEGER NOT NULL DEFAULT 0,
	superseded       INTEGER NOT NULL DEFAULT 0,
	applied_version  INTEGER NOT NULL DEFAULT 0,
	rollback_version INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY,
	domain              TEXT NOT NULL UNIQUE,
	stage               TEXT NOT NULL,
	score               REAL NOT NULL DEFAULT 0,
	tier                TEXT NOT NULL DEFAULT '',
	breakdown           TEXT,
	scored_at           TEXT,
	scored_with_version INTEGER NOT NULL DEFAULT 0,
	profile             TEXT NOT NULL DEFAULT '{}',
	revision            INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	kind       TEXT NOT NULL,
	from_stage TEXT NOT NULL DEFAULT '',
	to_stage   TEXT NOT NULL,
	score      REAL NOT NULL DEFAULT 0,
	tier       TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	note       TEXT NOT NULL DEFAULT '',
	at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outcome_events (
	id              TEXT PRIMARY KEY,
	lead_id         TEXT NOT NULL REFERENCES leads(id),
	kind            TEXT NOT NULL,
	occurred_at     TEXT NOT NULL,
	breakdown       TEXT NOT NULL,
	tier_at_send    TEXT NOT NULL DEFAULT '',
	score_at_send   REAL NOT NULL DEFAULT 0,
	version_at_send INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pipeline_snapshots (
	id          TEXT PRIMARY KEY,
	computed_at TEXT NOT NULL,
	metrics     TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS query_suggestions (
	id         TEXT PRIMARY KEY,
	cycle_id   TEXT NOT NULL,
	query      TEXT NOT NULL,
	token      TEXT NOT NULL,
	score      REAL NOT NULL,
	consumed   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_runs (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_stage ON leads(stage);
CREATE INDEX IF NOT EXISTS idx_leads_scored_with_version ON leads(scored_with_version);
CREATE INDEX IF NOT EXISTS idx_lead_history_lead_id ON lead_history(lead_id);
CREATE INDEX IF NOT EXISTS idx_lead_history_at ON lead_history(at);
CREATE INDEX IF NOT EXISTS idx_outcome_events_occurred_at ON outcome_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_refinement_proposals_applied ON refinement_proposals(applied);
CREATE INDEX IF NOT EXISTS idx_query_suggestions_query ON query_suggestions(query);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task, started_at);
`

// Migrate creates all tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Signal sets ---

func (s *SQLiteStore) LatestSignalSet(ctx context.Context) (*model.SignalSet, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM signal_sets`).Scan(&version)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest signal version")
	}
	if version == 0 {
		return nil, eris.Wrap(model.ErrNotFound, "sqlite: no signal set")
	}
	return s.GetSignalSet(ctx, version)
}

func (s *SQLiteStore) GetSignalSet(ctx context.Context, version int64) (*model.SignalSet, error) {
	set := model.SignalSet{Version: version, Signals: map[string]model.SignalDefinition{}}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT parent_version, reason, created_at FROM signal_sets WHERE version = ?`, version,
	).Scan(&set.ParentVersion, &set.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: signal version %d", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get signal set %d", version)
	}
	if set.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_id, category, description, weight FROM signal_weights WHERE version = ?`, version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get signal weights %d", version)
	}
	defer rows.Close()

	for rows.Next() {
		var def model.SignalDefinition
		if err := rows.Scan(&def.ID, &def.Category, &def.Description, &def.Weight); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal weight")
		}
		set.Signals[def.ID] = def
	}
	return &set, eris.Wrap(rows.Err(), "sqlite: signal weights iterate")
}

func (s *SQLiteStore) ListSignalVersions(ctx context.Context, limit int) ([]model.SignalVersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.version, s.parent_version, s.reason, s.created_at,
			(SELECT COUNT(*) FROM signal_weights w WHERE w.version = s.version)
		 FROM signal_sets s ORDER BY s.version DESC LIMIT ?`,
		limitOr(limit, defaultListLimit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signal versions")
	}
	defer rows.Close()

	var out []model.SignalVersionInfo
	for rows.Next() {
		var info model.SignalVersionInfo
		var createdAt string
		if err := rows.Scan(&info.Version, &info.ParentVersion, &info.Reason, &createdAt, &info.SignalCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal version")
		}
		if info.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list signal versions iterate")
}

func (s *SQLiteStore) AppendSignalSet(ctx context.Context, set model.SignalSet, applied []model.RefinementProposal) error {
	if set.Version != set.ParentVersion+1 {
		return model.NewValidationError("version", "new version must be parent+1")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append signal set")
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM signal_sets`).Scan(&current); err != nil {
		return eris.Wrap(err, "sqlite: read current version")
	}
	if current != set.ParentVersion {
		return &model.ConflictError{BaseVersion: set.ParentVersion, CurrentVersion: current}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO signal_sets (version, parent_version, reason, created_at) VALUES (?, ?, ?, ?)`,
		set.Version, set.ParentVersion, set.Reason, fmtTime(set.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &model.ConflictError{BaseVersion: set.ParentVersion, CurrentVersion: set.Version}
		}
		return eris.Wrap(err, "sqlite: insert signal set")
	}

	for _, id := range set.IDs() {
		def := set.Signals[id]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO signal_weights (version, signal_id, category, description, weight) VALUES (?, ?, ?, ?, ?)`,
			set.Version, id, def.Category, def.Description, def.Weight,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert signal weight %s", id)
		}
	}

	if err := insertProposals(ctx, tx, applied); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append signal set")
}

// --- Refinement proposals ---

func (s *SQLiteStore) SaveProposals(ctx context.Context, proposals []model.RefinementProposal) error {
	if len(proposals) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save proposals")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE refinement_proposals SET superseded = 1 WHERE applied = 0 AND superseded = 0`)
	if err != nil {
		return eris.Wrap(err, "sqlite: supersede pending proposals")
	}
	if err := insertProposals(ctx, tx, proposals); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save proposals")
}

func insertProposals(ctx context.Context, tx *sql.Tx, proposals []model.RefinementProposal) error {
	for _, p := range proposals {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO refinement_proposals
				(id, cycle_id, signal_id, old_weight, proposed_weight, sample_size, correlation, lift,
				 reason, applied, applied_version, rollback_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.CycleID, p.SignalID, p.OldWeight, p.ProposedWeight, p.SampleSize, p.Correlation, p.Lift,
			p.Reason, boolInt(p.Applied), p.AppliedVersion, p.RollbackVersion, fmtTime(p.CreatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert proposal %s", p.SignalID)
		}
	}
	return nil
}

func (s *SQLiteStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]model.RefinementProposal, error) {
	query := `SELECT id, cycle_id, signal_id, old_weight, proposed_weight, sample_size, correlation, lift,
		reason, applied, superseded, applied_version, rollback_version, created_at
		FROM refinement_proposals WHERE 1=1`
	var args []any
	if filter.PendingOnly {
		query += ` AND applied = 0 AND superseded = 0`
	}
	if filter.CycleID != "" {
		query += ` AND cycle_id = ?`
		args = append(args, filter.CycleID)
	}
	query += ` ORDER BY created_at DESC, signal_id ASC LIMIT ?`
	args = append(args, limitOr(filter.Limit, defaultListLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list proposals")
	}
	defer rows.Close()

	var out []model.RefinementProposal
	for rows.Next() {
		var p model.RefinementProposal
		var applied, superseded int
		var createdAt string
		err := rows.Scan(&p.ID, &p.CycleID, &p.SignalID, &p.OldWeight, &p.ProposedWeight, &p.SampleSize,
			&p.Correlation, &p.Lift, &p.Reason, &applied, &superseded, &p.AppliedVersion, &p.RollbackVersion, &createdAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan proposal")
		}
		p.Applied = applied != 0
		p.Superseded = superseded != 0
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list proposals iterate")
}

// --- Leads ---

const sqliteLeadColumns = `id, domain, stage, score, tier, breakdown, scored_at, scored_with_version,
	profile, revision, created_at, updated_at`

func (s *SQLiteStore) InsertLeadIfAbsent(ctx context.Context, lead model.Lead, history model.LeadHistoryEntry) (string, bool, error) {
	breakdown, profile, err := marshalLeadJSON(lead)
	if err != nil {
		return "", false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: begin insert lead")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO leads (`+sqliteLeadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain) DO NOTHING`,
		lead.ID, lead.Domain, string(lead.Stage), lead.Score, string(lead.Tier), breakdown,
		fmtTimePtr(lead.ScoredAt), lead.ScoredWithVersion, profile, lead.Revision,
		fmtTime(lead.CreatedAt), fmtTime(lead.UpdatedAt),
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: insert lead %s", lead.Domain)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: rows affected")
	}

	if n == 0 {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE domain = ?`, lead.Domain).Scan(&id); err != nil {
			return "", false, eris.Wrapf(err, "sqlite: lookup lead %s", lead.Domain)
		}
		return id, false, nil
	}

	history.LeadID = lead.ID
	if err := insertHistory(ctx, tx, history); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, eris.Wrap(err, "sqlite: commit insert lead")
	}
	return lead.ID, true, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLeadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: lead %s", id)
	}
	return l, err
}

func (s *SQLiteStore) GetLeadByDomain(ctx context.Context, domain string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLeadColumns+` FROM leads WHERE domain = ?`, domain)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: lead domain %s", domain)
	}
	return l, err
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + sqliteLeadColumns + ` FROM leads WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	switch {
	case filter.VersionBelow > 0 && !filter.ScoredBefore.IsZero():
		query += ` AND scored_at IS NOT NULL AND (scored_with_version < ? OR scored_at < ?)`
		args = append(args, filter.VersionBelow, fmtTime(filter.ScoredBefore))
	case filter.VersionBelow > 0:
		query += ` AND scored_at IS NOT NULL AND scored_with_version < ?`
		args = append(args, filter.VersionBelow)
	case !filter.ScoredBefore.IsZero():
		query += ` AND scored_at IS NOT NULL AND scored_at < ?`
		args = append(args, fmtTime(filter.ScoredBefore))
	}
	if filter.AfterID != "" {
		query += ` AND id > ?`
		args = append(args, filter.AfterID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limitOr(filter.Limit, defaultListLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) CountLeadsByStage(ctx context.Context) (map[model.Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM leads GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count leads by stage")
	}
	defer rows.Close()

	out := make(map[model.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage count")
		}
		out[model.Stage(stage)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count leads by stage iterate")
}

func (s *SQLiteStore) WriteLead(ctx context.Context, w LeadWrite) (*model.Lead, error) {
	lead := w.Lead.Clone()
	breakdown, profile, err := marshalLeadJSON(lead)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin write lead")
	}
	defer tx.Rollback() //nolint:errcheck

	lead.UpdatedAt = lead.UpdatedAt.UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE leads SET stage = ?, score = ?, tier = ?, breakdown = ?, scored_at = ?,
			scored_with_version = ?, profile = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND revision = ?`,
		string(lead.Stage), lead.Score, string(lead.Tier), breakdown, fmtTimePtr(lead.ScoredAt),
		lead.ScoredWithVersion, profile, fmtTime(lead.UpdatedAt), lead.ID, lead.Revision,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update lead %s", lead.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM leads WHERE id = ?`, lead.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: lead %s", lead.ID)
		}
		return nil, eris.Wrapf(model.ErrStaleRevision, "sqlite: lead %s revision %d", lead.ID, lead.Revision)
	}

	if w.History != nil {
		h := *w.History
		h.LeadID = lead.ID
		if err := insertHistory(ctx, tx, h); err != nil {
			return nil, err
		}
	}
	if w.Outcome != nil {
		if err := insertOutcome(ctx, tx, *w.Outcome); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit write lead")
	}
	lead.Revision++
	return &lead, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, h model.LeadHistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO lead_history (lead_id, kind, from_stage, to_stage, score, tier, version, note, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.LeadID, string(h.Kind), string(h.FromStage), string(h.ToStage), h.Score, string(h.Tier),
		h.Version, h.Note, fmtTime(h.At),
	)
	return eris.Wrapf(err, "sqlite: insert history for lead %s", h.LeadID)
}

func insertOutcome(ctx context.Context, tx *sql.Tx, ev model.OutcomeEvent) error {
	breakdown, err := json.Marshal(ev.Breakdown)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outcome breakdown")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outcome_events (id, lead_id, kind, occurred_at, breakdown, tier_at_send, score_at_send, version_at_send)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.LeadID, string(ev.Kind), fmtTime(ev.OccurredAt), string(breakdown),
		string(ev.TierAtSend), ev.ScoreAtSend, ev.VersionAtSend,
	)
	return eris.Wrapf(err, "sqlite: insert outcome for lead %s", ev.LeadID)
}

func (s *SQLiteStore) LeadHistory(ctx context.Context, leadID string) ([]model.LeadHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT id, lead_id, kind, from_stage, to_stage, score, tier, version, note, at
		 FROM lead_history WHERE lead_id = ? ORDER BY id ASC`, leadID)
}

func (s *SQLiteStore) HistorySince(ctx context.Context, since time.Time) ([]model.LeadHistoryEntry, error) {
	return s.queryHistory(ctx,
		`SELECT id, lead_id, kind, from_stage, to_stage, score, tier, version, note, at
		 FROM lead_history WHERE at >= ? ORDER BY at ASC, id ASC`, fmtTime(since))
}

func (s *SQLiteStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.LeadHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query history")
	}
	defer rows.Close()

	var out []model.LeadHistoryEntry
	for rows.Next() {
		var h model.LeadHistoryEntry
		var at string
		err := rows.Scan(&h.ID, &h.LeadID, &h.Kind, &h.FromStage, &h.ToStage, &h.Score, &h.Tier, &h.Version, &h.Note, &at)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		if h.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history iterate")
}

// --- Outcomes ---

func (s *SQLiteStore) ListOutcomes(ctx context.Context, since time.Time) ([]model.OutcomeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, kind, occurred_at, breakdown, tier_at_send, score_at_send, version_at_send
		 FROM outcome_events WHERE occurred_at >= ? ORDER BY occurred_at ASC, id ASC`,
		fmtTime(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var out []model.OutcomeEvent
	for rows.Next() {
		var ev model.OutcomeEvent
		var occurredAt, breakdown string
		err := rows.Scan(&ev.ID, &ev.LeadID, &ev.Kind, &occurredAt, &breakdown, &ev.TierAtSend, &ev.ScoreAtSend, &ev.VersionAtSend)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(breakdown), &ev.Breakdown); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal outcome breakdown")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

// --- Health snapshots ---

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap model.PipelineSnapshot) error {
	metrics, details, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_snapshots (id, computed_at, metrics, details) VALUES (?, ?, ?, ?)`,
		snap.ID, fmtTime(snap.ComputedAt), string(metrics), string(details),
	)
	return eris.Wrap(err, "sqlite: save snapshot")
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*model.PipelineSnapshot, error) {
	var snap model.PipelineSnapshot
	var computedAt, metrics, details string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, computed_at, metrics, details FROM pipeline_snapshots ORDER BY computed_at DESC, rowid DESC LIMIT 1`,
	).Scan(&snap.ID, &computedAt, &metrics, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest snapshot")
	}
	if snap.ComputedAt, err = parseTime(computedAt); err != nil {
		return nil, err
	}
	if err := unmarshalSnapshot([]byte(metrics), []byte(details), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- Query suggestions ---

func (s *SQLiteStore) AppendSuggestions(ctx context.Context, suggestions []model.QuerySuggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append suggestions")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range suggestions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_suggestions (id, cycle_id, query, token, score, consumed, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.CycleID, q.Query, q.Token, q.Score, boolInt(q.Consumed), fmtTime(q.CreatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert suggestion %q", q.Query)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append suggestions")
}

func (s *SQLiteStore) ListSuggestions(ctx context.Context, unconsumedOnly bool, limit int) ([]model.QuerySuggestion, error) {
	query := `SELECT id, cycle_id, query, token, score, consumed, created_at FROM query_suggestions`
	if unconsumedOnly {
		query += ` WHERE consumed = 0`
	}
	query += ` ORDER BY created_at DESC, score DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limitOr(limit, defaultListLimit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suggestions")
	}
	defer rows.Close()

	var out []model.QuerySuggestion
	for rows.Next() {
		var q model.QuerySuggestion
		var consumed int
		var createdAt string
		if err := rows.Scan(&q.ID, &q.CycleID, &q.Query, &q.Token, &q.Score, &consumed, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suggestion")
		}
		q.Consumed = consumed != 0
		if q.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list suggestions iterate")
}

func (s *SQLiteStore) MarkSuggestionsConsumed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE query_suggestions SET consumed = 1 WHERE id IN (`+placeholders+`)`, args...)
	return eris.Wrap(err, "sqlite: mark suggestions consumed")
}

// --- Task runs ---

func (s *SQLiteStore) RecordTaskRun(ctx context.Context, run model.TaskRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, task, status, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Task, string(run.Status), run.Error, fmtTime(run.StartedAt), fmtTime(run.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: record task run %s", run.Task)
}

func (s *SQLiteStore) ListTaskRuns(ctx context.Context, task string, limit int) ([]model.TaskRun, error) {
	query := `SELECT id, task, status, error, started_at, finished_at FROM task_runs`
	var args []any
	if task != "" {
		query += ` WHERE task = ?`
		args = append(args, task)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOr(limit, defaultListLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list task runs")
	}
	defer rows.Close()

	var out []model.TaskRun
	for rows.Next() {
		var r model.TaskRun
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.Task, &r.Status, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task run")
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list task runs iterate")
}

// helpers

// sqliteTimeLayout is fixed-width so that text comparison orders correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func marshalLeadJSON(l model.Lead) (breakdown any, profile string, err error) {
	if l.Breakdown != nil {
		b, err := json.Marshal(l.Breakdown)
		if err != nil {
			return nil, "", eris.Wrap(err, "store: marshal breakdown")
		}
		breakdown = string(b)
	}
	p, err := json.Marshal(l.Profile)
	if err != nil {
		return nil, "", eris.Wrap(err, "store: marshal profile")
	}
	return breakdown, string(p), nil
}

// snapshotDetails is the part of a snapshot stored beside its metrics.
type snapshotDetails struct {
	StageCounts map[model.Stage]int  `json:"stage_counts,omitempty"`
	Backlogs    []model.StageBacklog `json:"backlogs,omitempty"`
	Activity    []model.TaskActivity `json:"activity,omitempty"`
}

func marshalSnapshot(snap model.PipelineSnapshot) (metrics, details []byte, err error) {
	if metrics, err = json.Marshal(snap.Metrics); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal snapshot metrics")
	}
	details, err = json.Marshal(snapshotDetails{
		StageCounts: snap.StageCounts,
		Backlogs:    snap.Backlogs,
		Activity:    snap.Activity,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal snapshot details")
	}
	return metrics, details, nil
}

func unmarshalSnapshot(metrics, details []byte, snap *model.PipelineSnapshot) error {
	if err := json.Unmarshal(metrics, &snap.Metrics); err != nil {
		return eris.Wrap(err, "store: unmarshal snapshot metrics")
	}
	var d snapshotDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return eris.Wrap(err, "store: unmarshal snapshot details")
	}
	snap.StageCounts = d.StageCounts
	snap.Backlogs = d.Backlogs
	snap.Activity = d.Activity
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var breakdown, scoredAt sql.NullString
	var profile, createdAt, updatedAt string

	err := row.Scan(&l.ID, &l.Domain, &l.Stage, &l.Score, &l.Tier, &breakdown, &scoredAt,
		&l.ScoredWithVersion, &profile, &l.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}

	if breakdown.Valid {
		if err := json.Unmarshal([]byte(breakdown.String), &l.Breakdown); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
		}
	}
	if err := json.Unmarshal([]byte(profile), &l.Profile); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal profile")
	}
	if scoredAt.Valid {
		t, err := parseTime(scoredAt.String)
		if err != nil {
			return nil, err
		}
		l.ScoredAt = &t
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}
