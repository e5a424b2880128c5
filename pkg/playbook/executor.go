package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/evidence"
	"github.com/Mindburn-Labs/autopilot/pkg/lawbook"
	"github.com/Mindburn-Labs/autopilot/pkg/store"
)

// DefaultStepTimeout bounds a backend call when the step declares none.
const DefaultStepTimeout = 5 * time.Minute

// closeRetries bounds the store retries made while closing a run.
const closeRetries = 3

var (
	// ErrActionFailed is returned when a backend reports Success=false.
	ErrActionFailed = errors.New("playbook: action reported failure")
	// ErrBackendPanic wraps a panic raised inside a backend.
	ErrBackendPanic = errors.New("playbook: backend panicked")
	// ErrStepTimeout is returned when a backend exceeds its step timeout.
	ErrStepTimeout = errors.New("playbook: step timed out")
)

// Config wires an Executor.
type Config struct {
	Registry    *Registry
	Lawbook     *lawbook.Holder
	Evidence    *evidence.Gate
	Runs        store.RunStore
	Audit       *audit.Trail
	Backend     ActionBackend
	StepTimeout time.Duration
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Executor plans and runs playbooks.
type Executor struct {
	registry    *Registry
	lawbook     *lawbook.Holder
	gate        *evidence.Gate
	runs        store.RunStore
	trail       *audit.Trail
	backend     ActionBackend
	stepTimeout time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// NewExecutor validates cfg and fills defaults. A nil Lawbook denies every
// playbook.
func NewExecutor(cfg Config) (*Executor, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("playbook: executor requires a registry")
	case cfg.Runs == nil:
		return nil, errors.New("playbook: executor requires a run store")
	case cfg.Audit == nil:
		return nil, errors.New("playbook: executor requires an audit trail")
	case cfg.Backend == nil:
		return nil, errors.New("playbook: executor requires an action backend")
	}
	e := &Executor{
		registry:    cfg.Registry,
		lawbook:     cfg.Lawbook,
		gate:        cfg.Evidence,
		runs:        cfg.Runs,
		trail:       cfg.Audit,
		backend:     cfg.Backend,
		stepTimeout: cfg.StepTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if e.gate == nil {
		g, err := evidence.NewGate()
		if err != nil {
			return nil, err
		}
		e.gate = g
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = DefaultStepTimeout
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "playbook")
	}
	return e, nil
}

// RunID derives the stable run ID for a run key.
func RunID(runKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(runKey)).String()
}

func (e *Executor) now() time.Time { return e.clock().UTC() }

// Run governs one playbook execution for an incident.
//
// The returned run describes the outcome: a SKIPPED or FAILED run is not an
// error (see RemediationRun.Err). A run that already exists under the same
// run key is returned unchanged with Reused set. Errors are returned only
// when no trustworthy record could be produced: invalid requests, store
// failures and audit write failures.
func (e *Executor) Run(ctx context.Context, inc Incident, playbookID string, inputs map[string]any) (*contracts.RemediationRun, error) {
	if inc.Key == "" || playbookID == "" {
		return nil, contracts.NewError(contracts.KindValidation, "incident key and playbook id are required")
	}
	inputsHash, err := canonicalize.InputsHash(inputs)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "inputs cannot be canonicalized")
	}
	runKey := canonicalize.RunKey(inc.Key, playbookID, inputsHash)
	logger := e.logger.With("run_key", runKey, "playbook_id", playbookID, "incident_key", inc.Key)

	existing, err := e.runs.GetRunByKey(ctx, runKey)
	switch {
	case err == nil:
		existing.Reused = true
		logger.InfoContext(ctx, "run already exists", "run_id", existing.ID, "status", existing.Status)
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("playbook: lookup run: %w", err)
	}

	doc := e.lawbook.Current()
	run := &contracts.RemediationRun{
		ID:             RunID(runKey),
		RunKey:         runKey,
		IncidentKey:    inc.Key,
		PlaybookID:     playbookID,
		InputsHash:     inputsHash,
		Status:         contracts.RunPlanned,
		LawbookVersion: versionOf(doc),
		LawbookHash:    doc.Hash(),
		CreatedAt:      e.now(),
	}

	def, defErr := e.registry.Get(playbookID)
	actions := []string{playbookID}
	if defErr == nil {
		actions = append(actions, def.ActionTypes()...)
	}
	allowed, decisions := lawbook.AuthorizeAll(doc, actions...)
	if defErr != nil || !allowed {
		details := make([]string, 0, len(decisions)+1)
		if defErr != nil {
			details = append(details, "PLAYBOOK_UNKNOWN: "+playbookID)
		}
		for _, d := range lawbook.Denials(decisions) {
			details = append(details, d.ActionID+": "+d.RuleID)
		}
		logger.WarnContext(ctx, "run denied by lawbook", "details", details)
		return e.skip(ctx, run, contracts.ReasonLawbookDenied, details, map[string]any{"decisions": decisions})
	}

	if err := inc.Evidence.Validate(); err != nil {
		return e.skip(ctx, run, contracts.ReasonEvidenceMissing, []string{"evidence bundle rejected: " + err.Error()}, nil)
	}
	if verdict := e.gate.Check(def.RequiredEvidence, inc.Evidence); !verdict.Satisfied {
		logger.WarnContext(ctx, "run skipped for missing evidence", "missing", len(verdict.Missing))
		return e.skip(ctx, run, contracts.ReasonEvidenceMissing, verdict.Reasons(), map[string]any{"missing": verdict.Missing})
	}

	plan, err := BuildPlan(PlanRequest{
		Definition:     def,
		Incident:       inc,
		Inputs:         inputs,
		RunKey:         runKey,
		InputsHash:     inputsHash,
		LawbookVersion: run.LawbookVersion,
		LawbookHash:    run.LawbookHash,
	})
	if err != nil {
		return e.skip(ctx, run, contracts.ReasonPlanInvalid, []string{err.Error()}, nil)
	}
	if run.PlannedJSON, err = canonicalize.JCS(plan); err != nil {
		return e.skip(ctx, run, contracts.ReasonPlanInvalid, []string{"plan cannot be canonicalized: " + err.Error()}, nil)
	}

	steps := make([]contracts.RemediationStep, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		in, err := canonicalize.JCS(ps.Inputs)
		if err != nil {
			return e.skip(ctx, run, contracts.ReasonPlanInvalid, []string{"step " + ps.StepID + " inputs: " + err.Error()}, nil)
		}
		steps = append(steps, contracts.RemediationStep{
			RunID:          run.ID,
			StepID:         ps.StepID,
			Ordinal:        ps.Ordinal,
			ActionType:     ps.ActionType,
			IdempotencyKey: ps.IdempotencyKey,
			Status:         contracts.StepPlanned,
			Inputs:         in,
			CreatedAt:      run.CreatedAt,
		})
	}

	stored, created, err := e.runs.CreateRunIfAbsent(ctx, run, steps)
	if err != nil {
		return nil, fmt.Errorf("playbook: create run: %w", err)
	}
	if !created {
		stored.Reused = true
		logger.InfoContext(ctx, "lost run creation race", "run_id", stored.ID)
		return stored, nil
	}

	persist := context.WithoutCancel(ctx)
	planned := map[string]any{
		"run_key":       run.RunKey,
		"incident_key":  run.IncidentKey,
		"playbook_id":   run.PlaybookID,
		"inputs_hash":   run.InputsHash,
		"plan_hash":     canonicalize.HashBytes(run.PlannedJSON),
		"step_ids":      stepIDs(steps),
		"lawbook_allow": decisions,
	}
	if err := e.record(persist, run, audit.EventRunPlanned, planned); err != nil {
		return e.finish(persist, run, contracts.RunFailed, contracts.ReasonAuditFailed, "", err)
	}
	logger.InfoContext(ctx, "run planned", "run_id", run.ID, "steps", len(steps))
	return e.execute(ctx, run, plan, steps, logger)
}

func (e *Executor) execute(ctx context.Context, run *contracts.RemediationRun, plan *Plan, steps []contracts.RemediationStep, logger *slog.Logger) (*contracts.RemediationRun, error) {
	// Persistence and audit outlive caller cancellation so that no step is
	// left RUNNING and every transition is recorded.
	persist := context.WithoutCancel(ctx)

	run.Status = contracts.RunRunning
	run.StartedAt = contracts.Stamp(e.now(), run.CreatedAt)
	if err := e.runs.UpdateRun(persist, run); err != nil {
		return e.abort(persist, run, nil, fmt.Errorf("playbook: mark run running: %w", err))
	}

	for i := range steps {
		step := &steps[i]
		if ctx.Err() != nil {
			logger.WarnContext(persist, "run canceled before step", "step_id", step.StepID)
			return e.finish(persist, run, contracts.RunFailed, contracts.ReasonCanceled, "", nil)
		}

		step.Status = contracts.StepRunning
		step.StartedAt = contracts.Stamp(e.now(), step.CreatedAt)
		if err := e.runs.UpdateStep(persist, step); err != nil {
			return e.abort(persist, run, step, fmt.Errorf("playbook: mark step %s running: %w", step.StepID, err))
		}
		if err := e.record(persist, run, audit.EventStepStarted, stepPayload(step)); err != nil {
			if rerr := e.resolveStep(persist, step, ActionResult{}, errors.New("step start could not be audited")); rerr != nil {
				logger.ErrorContext(persist, "step could not be closed", "step_id", step.StepID, "error", rerr)
				err = errors.Join(err, rerr)
			}
			return e.finish(persist, run, contracts.RunFailed, contracts.ReasonAuditFailed, step.StepID, err)
		}

		timeout := time.Duration(plan.Steps[i].Timeout)
		if timeout <= 0 {
			timeout = e.stepTimeout
		}
		res, execErr := e.invoke(ctx, ActionRequest{
			RunID:          run.ID,
			RunKey:         run.RunKey,
			IncidentKey:    run.IncidentKey,
			StepID:         step.StepID,
			ActionType:     step.ActionType,
			IdempotencyKey: step.IdempotencyKey,
			Inputs:         plan.Steps[i].Inputs,
		}, timeout)

		if err := e.resolveStep(persist, step, res, execErr); err != nil {
			return e.abort(persist, run, step, err)
		}
		eventType := audit.EventStepSucceeded
		if execErr != nil {
			eventType = audit.EventStepFailed
		}
		if err := e.record(persist, run, eventType, stepPayload(step)); err != nil {
			return e.finish(persist, run, contracts.RunFailed, contracts.ReasonAuditFailed, step.StepID, err)
		}

		if execErr != nil {
			reason := contracts.ReasonStepFailed
			if ctx.Err() != nil {
				reason = contracts.ReasonCanceled
			}
			logger.WarnContext(persist, "step failed", "step_id", step.StepID, "error", execErr)
			run.Details = append(run.Details, step.StepID+": "+execErr.Error())
			return e.finish(persist, run, contracts.RunFailed, reason, step.StepID, nil)
		}
		logger.InfoContext(persist, "step succeeded", "step_id", step.StepID)
	}
	return e.finish(persist, run, contracts.RunSucceeded, "", "", nil)
}

// resolveStep moves a RUNNING step to its terminal status and persists it.
func (e *Executor) resolveStep(ctx context.Context, step *contracts.RemediationStep, res ActionResult, execErr error) error {
	step.CompletedAt = contracts.Stamp(e.now(), *step.StartedAt)
	step.Status = contracts.StepSucceeded
	step.Error = ""
	if execErr != nil {
		step.Status = contracts.StepFailed
		step.Error = execErr.Error()
	}
	if res.Success || res.Message != "" || len(res.Output) > 0 {
		b, err := canonicalize.JCS(res)
		if err != nil {
			b, _ = json.Marshal(map[string]any{"success": res.Success, "message": res.Message})
		}
		step.Result = b
	}
	if err := e.runs.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("playbook: resolve step %s: %w", step.StepID, err)
	}
	return nil
}

// finish closes the run, persists it and writes the run outcome event.
// cause, when set, is the audit or store failure that forced the close and
// is returned to the caller with the run. The outcome event is written even
// when the run row cannot be closed.
func (e *Executor) finish(ctx context.Context, run *contracts.RemediationRun, status contracts.RunStatus, reason, failedStep string, cause error) (*contracts.RemediationRun, error) {
	if run.StartedAt == nil {
		run.StartedAt = contracts.Stamp(e.now(), run.CreatedAt)
	}
	run.Status = status
	run.Reason = reason
	run.FailedStepID = failedStep
	run.CompletedAt = contracts.Stamp(e.now(), *run.StartedAt)
	if err := e.retryStore(ctx, func() error { return e.runs.UpdateRun(ctx, run) }); err != nil {
		e.logger.ErrorContext(ctx, "run could not be closed", "run_id", run.ID, "status", status, "error", err)
		cause = errors.Join(cause, fmt.Errorf("playbook: close run: %w", err))
	}

	eventType := audit.EventRunSucceeded
	if status != contracts.RunSucceeded {
		eventType = audit.EventRunFailed
	}
	payload := map[string]any{
		"run_key":        run.RunKey,
		"status":         run.Status,
		"reason":         run.Reason,
		"failed_step_id": run.FailedStepID,
		"details":        run.Details,
	}
	if err := e.record(ctx, run, eventType, payload); err != nil {
		if cause == nil {
			cause = err
		} else {
			cause = errors.Join(cause, err)
		}
	}
	if cause != nil {
		return run, cause
	}
	return run, nil
}

// abort closes a run whose progress could not be persisted. The step, when
// given, is closed FAILED and audited first. The store error is returned
// with the run so that no run or step is left RUNNING.
func (e *Executor) abort(ctx context.Context, run *contracts.RemediationRun, step *contracts.RemediationStep, cause error) (*contracts.RemediationRun, error) {
	e.logger.ErrorContext(ctx, "run progress could not be persisted", "run_id", run.ID, "error", cause)
	var failedStep string
	if step != nil {
		failedStep = step.StepID
		if step.StartedAt == nil {
			step.StartedAt = contracts.Stamp(e.now(), step.CreatedAt)
		}
		step.Status = contracts.StepFailed
		step.CompletedAt = contracts.Stamp(e.now(), *step.StartedAt)
		if step.Error == "" {
			step.Error = cause.Error()
		}
		if err := e.retryStore(ctx, func() error { return e.runs.UpdateStep(ctx, step) }); err != nil {
			e.logger.ErrorContext(ctx, "step could not be closed", "step_id", step.StepID, "error", err)
		}
		if err := e.record(ctx, run, audit.EventStepFailed, stepPayload(step)); err != nil {
			cause = errors.Join(cause, err)
		}
	}
	run.Details = append(run.Details, cause.Error())
	return e.finish(ctx, run, contracts.RunFailed, contracts.ReasonStoreFailed, failedStep, cause)
}

// retryStore runs a store write a bounded number of times.
func (e *Executor) retryStore(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, closeRetries), ctx))
}

// skip stores a terminal SKIPPED run with no steps and writes exactly one
// event for it.
func (e *Executor) skip(ctx context.Context, run *contracts.RemediationRun, reason string, details []string, extra map[string]any) (*contracts.RemediationRun, error) {
	run.Status = contracts.RunSkipped
	run.Reason = reason
	run.Details = details
	run.StartedAt = contracts.Stamp(e.now(), run.CreatedAt)
	run.CompletedAt = contracts.Stamp(e.now(), *run.StartedAt)

	stored, created, err := e.runs.CreateRunIfAbsent(ctx, run, nil)
	if err != nil {
		return nil, fmt.Errorf("playbook: create skipped run: %w", err)
	}
	if !created {
		stored.Reused = true
		return stored, nil
	}

	payload := map[string]any{
		"run_key":      run.RunKey,
		"incident_key": run.IncidentKey,
		"playbook_id":  run.PlaybookID,
		"reason":       reason,
		"details":      details,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.record(context.WithoutCancel(ctx), run, audit.EventRunSkipped, payload); err != nil {
		return run, err
	}
	return run, nil
}

func (e *Executor) record(ctx context.Context, run *contracts.RemediationRun, eventType string, payload map[string]any) error {
	_, err := e.trail.Append(ctx, audit.Record{
		Subject:        run.ID,
		EventType:      eventType,
		Payload:        payload,
		LawbookVersion: run.LawbookVersion,
		LawbookHash:    run.LawbookHash,
	})
	return err
}

// invoke calls the backend once, bounded by timeout. Panics and
// Success=false results become errors.
func (e *Executor) invoke(ctx context.Context, req ActionRequest, timeout time.Duration) (ActionResult, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res ActionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrBackendPanic, r)}
			}
		}()
		res, err := e.backend.Execute(sctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return o.res, o.err
		}
		if !o.res.Success {
			msg := o.res.Message
			if msg == "" {
				msg = req.ActionType
			}
			return o.res, fmt.Errorf("%w: %s", ErrActionFailed, msg)
		}
		return o.res, nil
	case <-sctx.Done():
		if ctx.Err() != nil {
			return ActionResult{}, ctx.Err()
		}
		return ActionResult{}, fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
	}
}

func stepPayload(s *contracts.RemediationStep) map[string]any {
	p := map[string]any{
		"step_id":         s.StepID,
		"ordinal":         s.Ordinal,
		"action_type":     s.ActionType,
		"idempotency_key": s.IdempotencyKey,
		"status":          s.Status,
	}
	if s.Error != "" {
		p["error"] = s.Error
	}
	return p
}

func stepIDs(steps []contracts.RemediationStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.StepID
	}
	return out
}

func versionOf(doc *lawbook.Document) string {
	if doc == nil {
		return ""
	}
	return doc.Version
}
