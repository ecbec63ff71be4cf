package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

// leadUpdateArgs matches the UPDATE in WriteLead for an unscored lead.
func leadUpdateArgs(stage, id string, revision int64) []any {
	return []any{
		stage, 0.0, "", pgxmock.AnyArg(), pgxmock.AnyArg(),
		int64(0), pgxmock.AnyArg(), pgxmock.AnyArg(), id, revision,
	}
}

func TestPostgresStore_LatestSignalSet_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM signal_sets`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	_, err := s.LatestSignalSet(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSignalSet(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT parent_version, reason, created_at FROM signal_sets WHERE version = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"parent_version", "reason", "created_at"}).AddRow(int64(1), "refine", created))
	mock.ExpectQuery(`SELECT signal_id, category, description, weight FROM signal_weights WHERE version = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"signal_id", "category", "description", "weight"}).
			AddRow("AGN_PROD", "agentic", "agents in production", 7.0).
			AddRow("DATA_S", "data", "", 4.0))

	set, err := s.GetSignalSet(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), set.ParentVersion)
	assert.Equal(t, created, set.CreatedAt)
	assert.Len(t, set.Signals, 2)
	assert.InDelta(t, 7.0, set.Signals["AGN_PROD"].Weight, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSignalSet_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT parent_version, reason, created_at FROM signal_sets`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSignalSet(context.Background(), 9)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSignalSet_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	set := testSet(2, map[string]float64{"AGN_PROD": 7, "DATA_S": 4})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM signal_sets`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO signal_sets`).
		WithArgs(int64(2), int64(1), "v2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"signal_weights"}, []string{"version", "signal_id", "category", "description", "weight"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO refinement_proposals`).
		WithArgs("p1", "c1", "AGN_PROD", 6.0, 7.0, 0, 0.0, 0.0,
			"", true, int64(2), int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	applied := []model.RefinementProposal{{ID: "p1", CycleID: "c1", SignalID: "AGN_PROD", OldWeight: 6, ProposedWeight: 7, Applied: true, AppliedVersion: 2, RollbackVersion: 1}}
	require.NoError(t, s.AppendSignalSet(context.Background(), set, applied))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSignalSet_StaleParent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM signal_sets`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := s.AppendSignalSet(context.Background(), testSet(2, map[string]float64{"A": 1}), nil)
	var ce *model.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(3), ce.CurrentVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSignalSet_UniqueRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM signal_sets`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO signal_sets`).
		WithArgs(int64(2), int64(1), "v2", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := s.AppendSignalSet(context.Background(), testSet(2, map[string]float64{"A": 1}), nil)
	assert.ErrorIs(t, err, model.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProposals_SupersedesPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE refinement_proposals SET superseded = true WHERE NOT applied AND NOT superseded`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`INSERT INTO refinement_proposals`).
		WithArgs("p9", "c9", "DATA_S", 5.0, 4.0, 12, -0.2, -0.1,
			"weak lift", false, int64(0), int64(0), created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	pending := []model.RefinementProposal{{
		ID:             "p9",
		CycleID:        "c9",
		SignalID:       "DATA_S",
		OldWeight:      5,
		ProposedWeight: 4,
		SampleSize:     12,
		Correlation:    -0.2,
		Lift:           -0.1,
		Reason:         "weak lift",
		CreatedAt:      created,
	}}
	require.NoError(t, s.SaveProposals(context.Background(), pending))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertLeadIfAbsent_Existing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO leads .* ON CONFLICT \(domain\) DO NOTHING`).
		WithArgs("lead-2", "acme.io", "discovered", 0.0, "", pgxmock.AnyArg(),
			pgxmock.AnyArg(), int64(0), pgxmock.AnyArg(), int64(1), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id FROM leads WHERE domain = \$1`).
		WithArgs("acme.io").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lead-1"))
	mock.ExpectRollback()

	id, created, err := s.InsertLeadIfAbsent(context.Background(), testLead("lead-2", "acme.io"), model.LeadHistoryEntry{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "lead-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteLead_StaleRevision(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	lead := testLead("lead-1", "acme.io")

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE leads SET`).
		WithArgs(leadUpdateArgs("discovered", "lead-1", 1)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("lead-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.WriteLead(context.Background(), LeadWrite{Lead: lead})
	assert.ErrorIs(t, err, model.ErrStaleRevision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteLead_WithHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	lead := testLead("lead-1", "acme.io")
	lead.Stage = model.StageScraped

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE leads SET`).
		WithArgs(leadUpdateArgs("scraped", "lead-1", 1)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO lead_history`).
		WithArgs("lead-1", "stage", "discovered", "scraped", 0.0, "", int64(0), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	updated, err := s.WriteLead(context.Background(), LeadWrite{
		Lead:    lead,
		History: &model.LeadHistoryEntry{Kind: model.HistoryStage, FromStage: model.StageDiscovered, ToStage: model.StageScraped, At: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestSnapshot_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, computed_at, metrics, details FROM pipeline_snapshots`).
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSuggestions_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"query_suggestions"}, []string{"id", "cycle_id", "query", "token", "score", "consumed", "created_at"}).
		WillReturnResult(1)

	err := s.AppendSuggestions(context.Background(), []model.QuerySuggestion{{ID: "q1", Query: "x", Token: "x"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordTaskRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO task_runs`).
		WithArgs("r1", "rescoring", "completed", "", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordTaskRun(context.Background(), model.TaskRun{ID: "r1", Task: "rescoring", Status: model.TaskCompleted, StartedAt: now, FinishedAt: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
