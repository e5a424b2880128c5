package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/database"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a migrated database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

const runColumns = `id, run_key, incident_key, playbook_id, inputs_hash, status, reason, details_json,
	lawbook_version, lawbook_hash, planned_json, failed_step_id, created_at, started_at, completed_at`

const stepColumns = `run_id, step_id, ordinal, action_type, idempotency_key, status, inputs_json, result_json,
	error, created_at, started_at, completed_at`

const eventColumns = `sequence, id, subject, event_type, lawbook_version, lawbook_hash, payload_json,
	payload_hash, previous_hash, entry_hash, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func scanRun(row rowScanner) (*contracts.RemediationRun, error) {
	var (
		r                  contracts.RemediationRun
		status, details    string
		planned            sql.NullString
		created            string
		started, completed sql.NullString
	)
	err := row.Scan(&r.ID, &r.RunKey, &r.IncidentKey, &r.PlaybookID, &r.InputsHash, &status, &r.Reason, &details,
		&r.LawbookVersion, &r.LawbookHash, &planned, &r.FailedStepID, &created, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &r.Details); err != nil {
			return nil, fmt.Errorf("store: decode run details: %w", err)
		}
	}
	if planned.Valid {
		r.PlannedJSON = json.RawMessage(planned.String)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("store: parse created_at: %w", err)
	}
	if r.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, fmt.Errorf("store: parse started_at: %w", err)
	}
	if r.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, fmt.Errorf("store: parse completed_at: %w", err)
	}
	return &r, nil
}

func scanStep(row rowScanner) (contracts.RemediationStep, error) {
	var (
		st                 contracts.RemediationStep
		status             string
		inputs, result     sql.NullString
		created            string
		started, completed sql.NullString
	)
	err := row.Scan(&st.RunID, &st.StepID, &st.Ordinal, &st.ActionType, &st.IdempotencyKey, &status,
		&inputs, &result, &st.Error, &created, &started, &completed)
	if err != nil {
		return st, err
	}
	st.Status = contracts.StepStatus(status)
	if inputs.Valid {
		st.Inputs = json.RawMessage(inputs.String)
	}
	if result.Valid {
		st.Result = json.RawMessage(result.String)
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return st, fmt.Errorf("store: parse step created_at: %w", err)
	}
	if st.StartedAt, err = parseTimePtr(started); err != nil {
		return st, fmt.Errorf("store: parse step started_at: %w", err)
	}
	if st.CompletedAt, err = parseTimePtr(completed); err != nil {
		return st, fmt.Errorf("store: parse step completed_at: %w", err)
	}
	return st, nil
}

// GetRunByKey implements RunStore.
func (s *SQLStore) GetRunByKey(ctx context.Context, runKey string) (*contracts.RemediationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE run_key = $1`, runKey)
	return scanRun(row)
}

// GetRun implements RunStore.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*contracts.RemediationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE id = $1`, id)
	return scanRun(row)
}

// CreateRunIfAbsent implements RunStore. The run_key UNIQUE constraint
// decides the race; the loser reads the winner's row.
func (s *SQLStore) CreateRunIfAbsent(ctx context.Context, run *contracts.RemediationRun, steps []contracts.RemediationStep) (*contracts.RemediationRun, bool, error) {
	details, err := json.Marshal(nonNil(run.Details))
	if err != nil {
		return nil, false, fmt.Errorf("store: encode run details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO remediation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_key) DO NOTHING`,
		run.ID, run.RunKey, run.IncidentKey, run.PlaybookID, run.InputsHash, string(run.Status), run.Reason, string(details),
		run.LawbookVersion, run.LawbookHash, nullJSON(run.PlannedJSON), run.FailedStepID,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		existing, err := s.GetRunByKey(ctx, run.RunKey)
		if err != nil {
			return nil, false, fmt.Errorf("store: read existing run: %w", err)
		}
		return existing, false, nil
	}

	for _, st := range steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO remediation_steps (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			run.ID, st.StepID, st.Ordinal, st.ActionType, st.IdempotencyKey, string(st.Status),
			nullJSON(st.Inputs), nullJSON(st.Result), st.Error,
			formatTime(st.CreatedAt), formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt),
		)
		if err != nil {
			return nil, false, fmt.Errorf("store: insert step %s: %w", st.StepID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return cloneRun(run), true, nil
}

// UpdateRun implements RunStore.
func (s *SQLStore) UpdateRun(ctx context.Context, run *contracts.RemediationRun) error {
	details, err := json.Marshal(nonNil(run.Details))
	if err != nil {
		return fmt.Errorf("store: encode run details: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE remediation_runs
		SET status = $1, reason = $2, details_json = $3, failed_step_id = $4, started_at = $5, completed_at = $6
		WHERE id = $7`,
		string(run.Status), run.Reason, string(details), run.FailedStepID,
		formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	return expectOne(res)
}

// UpdateStep implements RunStore.
func (s *SQLStore) UpdateStep(ctx context.Context, step *contracts.RemediationStep) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE remediation_steps
		SET status = $1, result_json = $2, error = $3, started_at = $4, completed_at = $5
		WHERE run_id = $6 AND step_id = $7`,
		string(step.Status), nullJSON(step.Result), step.Error,
		formatTimePtr(step.StartedAt), formatTimePtr(step.CompletedAt), step.RunID, step.StepID,
	)
	if err != nil {
		return fmt.Errorf("store: update step: %w", err)
	}
	return expectOne(res)
}

// ListSteps implements RunStore.
func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]contracts.RemediationStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM remediation_steps WHERE run_id = $1 ORDER BY ordinal`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.RemediationStep, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// ListRunsByIncident implements RunStore.
func (s *SQLStore) ListRunsByIncident(ctx context.Context, incidentKey string) ([]contracts.RemediationRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE incident_key = $1 ORDER BY created_at, id`, incidentKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []contracts.RemediationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// Append implements AuditStore. A taken sequence surfaces as ErrConflict;
// trigger rejections surface as ErrMutationAttempt.
func (s *SQLStore) Append(ctx context.Context, ev contracts.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		int64(ev.Sequence), ev.ID, ev.Subject, ev.EventType, ev.LawbookVersion, ev.LawbookHash, string(ev.Payload),
		ev.PayloadHash, ev.PreviousHash, ev.EntryHash, formatTime(ev.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%w: audit sequence %d: %v", ErrConflict, ev.Sequence, err)
	case database.IsAppendOnlyViolation(err):
		return fmt.Errorf("%w: %v", ErrMutationAttempt, err)
	default:
		return fmt.Errorf("store: append audit event: %w", err)
	}
}

func scanEvent(row rowScanner) (contracts.AuditEvent, error) {
	var (
		ev      contracts.AuditEvent
		seq     int64
		payload string
		created string
	)
	if err := row.Scan(&seq, &ev.ID, &ev.Subject, &ev.EventType, &ev.LawbookVersion, &ev.LawbookHash, &payload,
		&ev.PayloadHash, &ev.PreviousHash, &ev.EntryHash, &created); err != nil {
		return ev, err
	}
	ev.Sequence = uint64(seq)
	ev.Payload = json.RawMessage(payload)
	t, err := parseTime(created)
	if err != nil {
		return ev, fmt.Errorf("store: parse event created_at: %w", err)
	}
	ev.CreatedAt = t
	return ev, nil
}

// Head implements AuditStore.
func (s *SQLStore) Head(ctx context.Context) (*contracts.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY sequence DESC LIMIT 1`)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListBySubject implements AuditStore.
func (s *SQLStore) ListBySubject(ctx context.Context, subject string) ([]contracts.AuditEvent, error) {
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE subject = $1 ORDER BY sequence`, subject)
}

// ListAll implements AuditStore.
func (s *SQLStore) ListAll(ctx context.Context) ([]contracts.AuditEvent, error) {
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY sequence`)
}

func (s *SQLStore) listEvents(ctx context.Context, query string, args ...any) ([]contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CreateIssue implements IssueStore.
func (s *SQLStore) CreateIssue(ctx context.Context, issue contracts.Issue) error {
	if issue.Version == 0 {
		issue.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, title, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		issue.ID, issue.Title, issue.State, issue.Version, formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt),
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: issue %s", ErrAlreadyExists, issue.ID)
	}
	if err != nil {
		return fmt.Errorf("store: create issue: %w", err)
	}
	return nil
}

// GetIssue implements IssueStore.
func (s *SQLStore) GetIssue(ctx context.Context, id string) (*contracts.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, state, version, created_at, updated_at FROM issues WHERE id = $1`, id)
	var (
		is               contracts.Issue
		created, updated string
	)
	if err := row.Scan(&is.ID, &is.Title, &is.State, &is.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if is.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if is.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &is, nil
}

// CompareAndSetState implements IssueStore.
func (s *SQLStore) CompareAndSetState(ctx context.Context, id, from, to string, at time.Time) (*contracts.Issue, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE issues SET state = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		to, formatTime(at), id, from,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		current, err := s.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: issue %s is %s, expected %s", ErrConflict, id, current.State, from)
	}
	return s.GetIssue(ctx, id)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
