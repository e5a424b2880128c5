// Package store persists remediation runs, audit events and issue state.
//
// Two implementations share the interfaces: MemoryStore for tests and single
// process use, SQLStore for SQLite and Postgres. Idempotency and append-only
// guarantees come from the backing store's constraints, not process locks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

var (
	// ErrNotFound is returned when a run, step or issue does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an optimistic write loses a race: an issue
	// was not in the expected state, or an audit sequence is already taken.
	ErrConflict = errors.New("store: conflict")
	// ErrAlreadyExists is returned when creating an issue whose ID is taken.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrMutationAttempt is returned when an audit event would be rewritten.
	ErrMutationAttempt = errors.New("store: audit events are append-only")
)

// RunStore persists runs and their steps.
type RunStore interface {
	GetRunByKey(ctx context.Context, runKey string) (*contracts.RemediationRun, error)
	GetRun(ctx context.Context, id string) (*contracts.RemediationRun, error)
	// CreateRunIfAbsent inserts run and steps atomically unless a run with the
	// same RunKey exists. It returns the stored run and whether it was created.
	CreateRunIfAbsent(ctx context.Context, run *contracts.RemediationRun, steps []contracts.RemediationStep) (*contracts.RemediationRun, bool, error)
	UpdateRun(ctx context.Context, run *contracts.RemediationRun) error
	UpdateStep(ctx context.Context, step *contracts.RemediationStep) error
	ListSteps(ctx context.Context, runID string) ([]contracts.RemediationStep, error)
	ListRunsByIncident(ctx context.Context, incidentKey string) ([]contracts.RemediationRun, error)
}

// AuditStore persists audit events. There is no update or delete.
type AuditStore interface {
	// Append stores ev. ErrConflict means ev.Sequence is already taken and the
	// caller should rebuild the event against the new head.
	Append(ctx context.Context, ev contracts.AuditEvent) error
	// Head returns the last event, or nil for an empty chain.
	Head(ctx context.Context) (*contracts.AuditEvent, error)
	ListBySubject(ctx context.Context, subject string) ([]contracts.AuditEvent, error)
	ListAll(ctx context.Context) ([]contracts.AuditEvent, error)
}

// IssueStore persists issue lifecycle state.
type IssueStore interface {
	CreateIssue(ctx context.Context, issue contracts.Issue) error
	GetIssue(ctx context.Context, id string) (*contracts.Issue, error)
	// CompareAndSetState moves the issue from -> to, failing with ErrConflict
	// when the stored state is not from.
	CompareAndSetState(ctx context.Context, id, from, to string, at time.Time) (*contracts.Issue, error)
}

// Store bundles every persistence concern of the control plane.
type Store interface {
	RunStore
	AuditStore
	IssueStore
}

func cloneRun(r *contracts.RemediationRun) *contracts.RemediationRun {
	c := *r
	c.Details = append([]string(nil), r.Details...)
	c.PlannedJSON = append([]byte(nil), r.PlannedJSON...)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.Reused = false
	return &c
}

func cloneStep(s contracts.RemediationStep) contracts.RemediationStep {
	s.Inputs = append([]byte(nil), s.Inputs...)
	s.Result = append([]byte(nil), s.Result...)
	s.StartedAt = cloneTime(s.StartedAt)
	s.CompletedAt = cloneTime(s.CompletedAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
