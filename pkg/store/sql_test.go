package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

func TestSQLStore_CreateRunIfAbsent_LoserReadsWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db)
	run, _ := sampleRun("run:dup")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO remediation_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("FROM remediation_runs WHERE run_key").
		WithArgs("run:dup").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "run_key", "incident_key", "playbook_id", "inputs_hash", "status", "reason", "details_json",
			"lawbook_version", "lawbook_hash", "planned_json", "failed_step_id", "created_at", "started_at", "completed_at",
		}).AddRow("run-winner", "run:dup", "INC-1", "restart-service", "sha256:in", "SUCCEEDED", "", "[]",
			"1.0.0", "sha256:law", `{"steps":[]}`, "", "2026-02-01T09:00:00Z", "2026-02-01T09:00:01Z", "2026-02-01T09:00:02Z"))

	got, created, err := s.CreateRunIfAbsent(context.Background(), run, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "run-winner", got.ID)
	assert.Equal(t, contracts.RunSucceeded, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Append_MapsUniqueViolationToConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WillReturnError(errUnique{})

	err = NewSQLStore(db).Append(context.Background(), event(7, "run-a", "sha256:e6"))
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CompareAndSetState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE issues SET state").
		WithArgs("HOLD", "2026-02-01T09:00:00Z", "ISS-1", "IMPLEMENTING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, title, state, version, created_at, updated_at FROM issues").
		WithArgs("ISS-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "state", "version", "created_at", "updated_at"}).
			AddRow("ISS-1", "t", "HOLD", 3, "2026-01-31T09:00:00Z", "2026-02-01T09:00:00Z"))

	is, err := NewSQLStore(db).CompareAndSetState(context.Background(), "ISS-1", "IMPLEMENTING", "HOLD", at)
	require.NoError(t, err)
	assert.Equal(t, "HOLD", is.State)
	assert.Equal(t, 3, is.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

type errUnique struct{}

func (errUnique) Error() string { return "constraint failed: UNIQUE constraint failed: audit_events.sequence (1555)" }
