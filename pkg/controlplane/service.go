// Package controlplane is the surface thin callers (the CLI, an HTTP layer)
// use to drive governed actions. Every operation decides, audits the decision
// and only then returns; a decision that cannot be audited is reported as an
// AUDIT_WRITE_FAILURE.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/lawbook"
	"github.com/Mindburn-Labs/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/autopilot/pkg/playbook"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
	"github.com/Mindburn-Labs/autopilot/pkg/store"
)

// DefaultPollInterval paces CI check polling when none is configured.
const DefaultPollInterval = 30 * time.Second

// Config wires a Service. Store, Trail and Executor are required.
// PollInterval paces WaitForGreen, which the evaluator's MaxWaitForGreen
// bounds.
type Config struct {
	Store        store.Store
	Trail        *audit.Trail
	Lawbook      *lawbook.Holder
	Registry     *playbook.Registry
	Executor     *playbook.Executor
	Evaluator    *stopdecision.Evaluator
	Tracker      stopdecision.AttemptTracker
	Telemetry    *observability.Provider
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Service implements the exposed control plane operations.
type Service struct {
	store     store.Store
	trail     *audit.Trail
	exporter  *audit.Exporter
	lawbook   *lawbook.Holder
	registry  *playbook.Registry
	executor  *playbook.Executor
	evaluator *stopdecision.Evaluator
	tracker   stopdecision.AttemptTracker
	telemetry *observability.Provider
	poll      time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// New validates cfg and fills defaults: default stop thresholds and an
// in-memory attempt tracker.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("controlplane: store is required")
	case cfg.Trail == nil:
		return nil, errors.New("controlplane: audit trail is required")
	case cfg.Executor == nil:
		return nil, errors.New("controlplane: playbook executor is required")
	}
	s := &Service{
		store:     cfg.Store,
		trail:     cfg.Trail,
		exporter:  audit.NewExporter(cfg.Trail),
		lawbook:   cfg.Lawbook,
		registry:  cfg.Registry,
		executor:  cfg.Executor,
		evaluator: cfg.Evaluator,
		tracker:   cfg.Tracker,
		telemetry: cfg.Telemetry,
		poll:      cfg.PollInterval,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if s.registry == nil {
		s.registry = playbook.NewRegistry()
	}
	if s.evaluator == nil {
		s.evaluator = stopdecision.NewEvaluator(stopdecision.DefaultThresholds())
	}
	if s.tracker == nil {
		s.tracker = stopdecision.NewMemoryTracker(s.evaluator.Thresholds().SignalWindow)
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "controlplane")
	}
	return s, nil
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// audit appends rec stamped with the lawbook in force. The write is detached
// from ctx so a caller timeout cannot drop the record of a decision already
// taken.
func (s *Service) audit(ctx context.Context, subject, eventType string, payload any) error {
	rec := audit.Record{Subject: subject, EventType: eventType, Payload: payload}
	if doc := s.lawbook.Current(); doc != nil {
		rec.LawbookVersion = doc.Version
		rec.LawbookHash = doc.Hash()
	}
	_, err := s.trail.Append(context.WithoutCancel(ctx), rec)
	return err
}

// denied audits a refusal and returns the refusal. When the audit write
// fails the audit error comes first so KindOf reports AUDIT_WRITE_FAILURE.
func (s *Service) denied(ctx context.Context, subject, eventType string, payload map[string]any, cause error) error {
	payload["error_kind"] = contracts.KindOf(cause)
	payload["reasons"] = contracts.ReasonsOf(cause)
	if err := s.audit(ctx, subject, eventType, payload); err != nil {
		s.logger.ErrorContext(ctx, "refusal could not be audited", "subject", subject, "error", err)
		return errors.Join(err, cause)
	}
	return cause
}

// GetAuditTrail returns the events recorded for subject in creation order.
// Playbook runs are recorded under their run ID.
func (s *Service) GetAuditTrail(ctx context.Context, subject string) (events []contracts.AuditEvent, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "get_audit_trail")
	defer func() { done(err) }()
	if subject == "" {
		return nil, contracts.NewError(contracts.KindValidation, "audit subject is required")
	}
	return s.trail.Query(ctx, subject)
}

// VerifyAuditTrail recomputes every hash in the chain.
func (s *Service) VerifyAuditTrail(ctx context.Context) (report audit.VerifyReport, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "verify_audit_trail")
	defer func() { done(err) }()
	report, err = s.trail.Verify(ctx)
	if err != nil {
		return report, err
	}
	s.telemetry.RecordDecision(ctx, "verify_audit_trail", fmt.Sprintf("valid=%t", report.Valid))
	return report, nil
}

// ExportAudit builds an evidence pack and, when sink is non-nil, archives it.
// The returned location is empty when nothing was archived.
func (s *Service) ExportAudit(ctx context.Context, req audit.ExportRequest, sink audit.Sink) (pack *audit.Pack, location string, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "export_audit")
	defer func() { done(err) }()
	if sink == nil {
		pack, err = s.exporter.GeneratePack(ctx, req)
		return pack, "", err
	}
	return s.exporter.Archive(ctx, req, sink)
}

// ListPlaybooks returns the registered playbook definitions sorted by ID.
func (s *Service) ListPlaybooks() []*playbook.Definition {
	return s.registry.List()
}
