package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/lawbook"
	"github.com/Mindburn-Labs/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
)

// ActionRerunCIJob is the lawbook action a CI rerun must be allowed under.
const ActionRerunCIJob = "RERUN_CI_JOB"

// FailureObservation reports one CI job failure.
type FailureObservation struct {
	JobKey       string                    `json:"job_key"`
	PRKey        string                    `json:"pr_key,omitempty"`
	FailureClass stopdecision.FailureClass `json:"failure_class"`
	SignalHash   string                    `json:"signal_hash,omitempty"`
	At           time.Time                 `json:"at,omitempty"`
}

func stopSubject(jobKey string) string { return "stop:" + jobKey }

// EvaluateStop decides whether a failing CI job may be rerun. A lawbook that
// does not allow RERUN_CI_JOB sets PolicyBlocked. The decision is audited
// under stop:<job key> before it is returned.
func (s *Service) EvaluateStop(ctx context.Context, c stopdecision.Context) (d stopdecision.StopDecision, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "evaluate_stop", observability.AttrJobKey.String(c.JobKey))
	defer func() { done(err) }()

	if c.JobKey == "" {
		return stopdecision.StopDecision{}, contracts.NewError(contracts.KindValidation, "job key is required")
	}
	if c.Now.IsZero() {
		c.Now = s.now()
	}
	policy := lawbook.Authorize(ActionRerunCIJob, s.lawbook.Current())
	if !policy.Allowed {
		c.PolicyBlocked = true
	}

	d = s.evaluator.Evaluate(c)
	if err := s.audit(ctx, stopSubject(c.JobKey), audit.EventStopDecision, map[string]any{
		"context":  c,
		"decision": d,
		"policy":   policy,
	}); err != nil {
		return stopdecision.StopDecision{}, err
	}
	s.telemetry.RecordDecision(ctx, "evaluate_stop", string(d.Decision))
	s.logger.InfoContext(ctx, "stop decision",
		"job_key", c.JobKey, "decision", d.Decision, "reason_code", d.ReasonCode)
	return d, nil
}

// ObserveFailure feeds a failure through the attempt tracker and the
// evaluator. The context is hydrated from the tracker before this failure
// is recorded, so the current signal is compared against earlier ones only.
// A CONTINUE decision counts as a rerun.
func (s *Service) ObserveFailure(ctx context.Context, obs FailureObservation) (d stopdecision.StopDecision, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "observe_failure", observability.AttrJobKey.String(obs.JobKey))
	defer func() { done(err) }()

	if obs.JobKey == "" {
		return stopdecision.StopDecision{}, contracts.NewError(contracts.KindValidation, "job key is required")
	}
	at := obs.At
	if at.IsZero() {
		at = s.now()
	}

	snap, err := s.tracker.Snapshot(ctx, obs.JobKey, obs.PRKey)
	if err != nil {
		return stopdecision.StopDecision{}, fmt.Errorf("controlplane: attempt snapshot: %w", err)
	}
	c := snap.Apply(stopdecision.Context{
		JobKey:       obs.JobKey,
		PRKey:        obs.PRKey,
		FailureClass: obs.FailureClass,
		SignalHash:   obs.SignalHash,
		Now:          at,
	})
	if c.FirstFailureAt.IsZero() {
		c.FirstFailureAt = at
	}
	c.LastFailureAt = at

	d, err = s.EvaluateStop(ctx, c)
	if err != nil {
		return stopdecision.StopDecision{}, err
	}
	if err := s.tracker.RecordFailure(ctx, obs.JobKey, obs.PRKey, obs.SignalHash, at); err != nil {
		return d, fmt.Errorf("controlplane: record failure: %w", err)
	}
	if d.Decision == stopdecision.Continue {
		if err := s.tracker.RecordRerun(ctx, obs.JobKey, obs.PRKey, at); err != nil {
			return d, fmt.Errorf("controlplane: record rerun: %w", err)
		}
	}
	return d, nil
}

// WaitForGreen polls CI checks for a job at the configured interval until
// they pass, fail, or the evaluator's MaxWaitForGreen elapses. The outcome
// is audited under stop:<job key>.
func (s *Service) WaitForGreen(ctx context.Context, jobKey string, poller stopdecision.CheckPoller) (res stopdecision.WaitResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "wait_for_green", observability.AttrJobKey.String(jobKey))
	defer func() { done(err) }()

	if jobKey == "" || poller == nil {
		return stopdecision.WaitResult{}, contracts.NewError(contracts.KindValidation, "job key and poller are required")
	}
	maxWait := s.evaluator.Thresholds().MaxWaitForGreen
	res, werr := stopdecision.WaitForChecks(ctx, poller, s.poll, maxWait)

	payload := map[string]any{
		"job_key":  jobKey,
		"outcome":  res.Outcome,
		"polls":    res.Polls,
		"elapsed":  res.Elapsed.String(),
		"max_wait": maxWait.String(),
	}
	if res.LastError != nil {
		payload["last_error"] = res.LastError.Error()
	}
	if err := s.audit(ctx, stopSubject(jobKey), audit.EventChecksWaited, payload); err != nil {
		return res, err
	}
	s.telemetry.RecordDecision(ctx, "wait_for_green", string(res.Outcome))
	return res, werr
}
