// Package audit is the append-only, hash-chained record of every governed
// decision. Payloads are redacted before they are hashed or stored.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/store"
)

// Event types written by the control plane.
const (
	EventRunPlanned      = "run.planned"
	EventRunSkipped      = "run.skipped"
	EventRunSucceeded    = "run.succeeded"
	EventRunFailed       = "run.failed"
	EventStepStarted     = "step.started"
	EventStepSucceeded   = "step.succeeded"
	EventStepFailed      = "step.failed"
	EventIssueTransition = "issue.transition"
	EventIssueDenied     = "issue.transition_denied"
	EventIssueCreated    = "issue.created"
	EventIntervention    = "intervention.checked"
	EventStopDecision    = "stop.decision"
	EventChecksWaited    = "stop.checks_waited"
	EventIncidentBlocked = "incident.blocked"
)

var (
	// ErrChainBroken is returned when verification finds a hash mismatch.
	ErrChainBroken = errors.New("audit: hash chain broken")
	// ErrStoreNotConfigured is returned when the trail has no backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

const maxAppendAttempts = 8

// Record is what callers hand to Append.
type Record struct {
	Subject        string
	EventType      string
	Payload        any
	LawbookVersion string
	LawbookHash    string
}

// Trail appends and reads audit events.
type Trail struct {
	store    store.AuditStore
	redactor *Redactor
	clock    func() time.Time
	logger   *slog.Logger
	// mu serializes appends from this process; cross-process races are
	// settled by the store's sequence constraint.
	mu sync.Mutex
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(t *Trail) { t.clock = clock } }

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) Option { return func(t *Trail) { t.redactor = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Trail) { t.logger = l } }

// NewTrail creates a trail over s.
func NewTrail(s store.AuditStore, opts ...Option) *Trail {
	t := &Trail{
		store:    s,
		redactor: DefaultRedactor(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "audit"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Append redacts, hashes, chains and persists one event. Every failure is
// reported as AUDIT_WRITE_FAILURE and must be treated as fatal by callers.
func (t *Trail) Append(ctx context.Context, rec Record) (*contracts.AuditEvent, error) {
	if t == nil || t.store == nil {
		return nil, contracts.WrapError(contracts.KindAuditWriteFailure, ErrStoreNotConfigured, "audit trail unavailable")
	}
	if rec.Subject == "" || rec.EventType == "" {
		return nil, contracts.NewError(contracts.KindAuditWriteFailure, "audit record requires subject and event type")
	}

	payload, err := t.canonicalPayload(rec.Payload)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindAuditWriteFailure, err, "audit payload could not be canonicalized")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		head, err := t.store.Head(ctx)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindAuditWriteFailure, err, "audit head unavailable")
		}
		ev := contracts.AuditEvent{
			ID:             uuid.NewString(),
			Sequence:       1,
			Subject:        rec.Subject,
			EventType:      rec.EventType,
			LawbookVersion: rec.LawbookVersion,
			LawbookHash:    rec.LawbookHash,
			Payload:        payload,
			PayloadHash:    canonicalize.HashBytes(payload),
			PreviousHash:   contracts.GenesisHash,
			CreatedAt:      t.clock().UTC(),
		}
		if head != nil {
			ev.Sequence = head.Sequence + 1
			ev.PreviousHash = head.EntryHash
		}
		if ev.EntryHash, err = ComputeEntryHash(ev); err != nil {
			return nil, contracts.WrapError(contracts.KindAuditWriteFailure, err, "audit entry could not be hashed")
		}

		err = t.store.Append(ctx, ev)
		if err == nil {
			return &ev, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			t.logger.ErrorContext(ctx, "audit append failed", "subject", rec.Subject, "event_type", rec.EventType, "error", err)
			return nil, contracts.WrapError(contracts.KindAuditWriteFailure, err, "audit store rejected event")
		}
		lastErr = err
	}
	return nil, contracts.WrapError(contracts.KindAuditWriteFailure, lastErr, "audit chain contention exceeded retry budget")
}

func (t *Trail) canonicalPayload(p any) (json.RawMessage, error) {
	if p == nil {
		p = map[string]any{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return canonicalize.JCS(t.redactor.Redact(generic))
}

// Query returns the events recorded for subject in creation order.
func (t *Trail) Query(ctx context.Context, subject string) ([]contracts.AuditEvent, error) {
	if t == nil || t.store == nil {
		return nil, ErrStoreNotConfigured
	}
	return t.store.ListBySubject(ctx, subject)
}

// VerifyReport summarizes a chain verification.
type VerifyReport struct {
	Events    int    `json:"events"`
	ChainHead string `json:"chain_head"`
	Valid     bool   `json:"valid"`
	BrokenAt  uint64 `json:"broken_at,omitempty"`
	Problem   string `json:"problem,omitempty"`
}

// Verify recomputes payload and entry hashes across the whole chain.
func (t *Trail) Verify(ctx context.Context) (VerifyReport, error) {
	if t == nil || t.store == nil {
		return VerifyReport{}, ErrStoreNotConfigured
	}
	events, err := t.store.ListAll(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyEvents(events)
}

// VerifyEvents checks sequence continuity, linkage and hashes of a full chain.
func VerifyEvents(events []contracts.AuditEvent) (VerifyReport, error) {
	rep := VerifyReport{Events: len(events), Valid: true, ChainHead: contracts.GenesisHash}
	prev := contracts.GenesisHash
	for i, ev := range events {
		problem := ""
		switch {
		case ev.Sequence != uint64(i)+1:
			problem = fmt.Sprintf("expected sequence %d, found %d", i+1, ev.Sequence)
		case ev.PreviousHash != prev:
			problem = "previous hash does not match prior entry"
		case ev.PayloadHash != canonicalize.HashBytes(ev.Payload):
			problem = "payload hash mismatch"
		default:
			h, err := ComputeEntryHash(ev)
			if err != nil {
				return rep, err
			}
			if h != ev.EntryHash {
				problem = "entry hash mismatch"
			}
		}
		if problem != "" {
			rep.Valid = false
			rep.BrokenAt = ev.Sequence
			rep.Problem = problem
			return rep, fmt.Errorf("%w at sequence %d: %s", ErrChainBroken, ev.Sequence, problem)
		}
		prev = ev.EntryHash
	}
	rep.ChainHead = prev
	return rep, nil
}

// ComputeEntryHash hashes every field of ev except EntryHash itself.
func ComputeEntryHash(ev contracts.AuditEvent) (string, error) {
	hashable := struct {
		ID             string `json:"id"`
		Sequence       uint64 `json:"sequence"`
		Subject        string `json:"subject"`
		EventType      string `json:"event_type"`
		LawbookVersion string `json:"lawbook_version"`
		LawbookHash    string `json:"lawbook_hash"`
		PayloadHash    string `json:"payload_hash"`
		PreviousHash   string `json:"previous_hash"`
		CreatedAt      string `json:"created_at"`
	}{
		ID:             ev.ID,
		Sequence:       ev.Sequence,
		Subject:        ev.Subject,
		EventType:      ev.EventType,
		LawbookVersion: ev.LawbookVersion,
		LawbookHash:    ev.LawbookHash,
		PayloadHash:    ev.PayloadHash,
		PreviousHash:   ev.PreviousHash,
		CreatedAt:      ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return canonicalize.CanonicalHash(hashable)
}
