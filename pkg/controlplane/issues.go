package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/intervention"
	"github.com/Mindburn-Labs/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/autopilot/pkg/store"
)

// TransitionOptions describes who is moving an issue and why.
type TransitionOptions struct {
	IsManual    bool   `json:"is_manual"`
	InitiatedBy string `json:"initiated_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func issueSubject(id string) string { return "issue:" + id }

// CreateIssue registers a new issue in CREATED.
func (s *Service) CreateIssue(ctx context.Context, id, title string) (issue *contracts.Issue, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "create_issue", observability.AttrIssueID.String(id))
	defer func() { done(err) }()

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, contracts.NewError(contracts.KindValidation, "issue id is required")
	}
	now := s.now()
	is := contracts.Issue{
		ID:        id,
		Title:     title,
		State:     string(lifecycle.Created),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateIssue(ctx, is); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, contracts.WrapError(contracts.KindConflict, err, fmt.Sprintf("issue %s already exists", id))
		}
		return nil, fmt.Errorf("controlplane: create issue: %w", err)
	}
	if err := s.audit(ctx, issueSubject(id), audit.EventIssueCreated, map[string]any{
		"issue_id": id,
		"title":    title,
		"state":    is.State,
	}); err != nil {
		return nil, err
	}
	return &is, nil
}

// GetIssue returns the stored issue.
func (s *Service) GetIssue(ctx context.Context, id string) (*contracts.Issue, error) {
	is, err := s.store.GetIssue(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.WrapError(contracts.KindValidation, err, fmt.Sprintf("issue %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("controlplane: get issue: %w", err)
	}
	return is, nil
}

// Transition moves an issue from -> to.
//
// Checks run in order: manual-action validation, terminal guard on the
// stored state (TERMINAL_STATE_VIOLATION), optimistic state match
// (CONFLICT), terminal guard on from, transition table
// and, for manual actions, the manual transition policy (POLICY_VIOLATION).
// Allowed and denied decisions are both audited under issue:<id>.
func (s *Service) Transition(ctx context.Context, issueID string, from, to lifecycle.State, opts TransitionOptions) (state lifecycle.State, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "transition",
		observability.IssueTransition(issueID, string(from), string(to))...)
	defer func() { done(err) }()

	subject := issueSubject(issueID)
	payload := map[string]any{
		"issue_id":     issueID,
		"from":         from,
		"to":           to,
		"is_manual":    opts.IsManual,
		"initiated_by": opts.InitiatedBy,
		"reason":       opts.Reason,
	}

	if issueID == "" {
		return "", contracts.NewError(contracts.KindValidation, "issue id is required")
	}
	if err := intervention.ValidateManual(intervention.Context{
		IsManualAction: opts.IsManual,
		InitiatedBy:    opts.InitiatedBy,
		Reason:         opts.Reason,
	}); err != nil {
		return "", s.denied(ctx, subject, audit.EventIssueDenied, payload, err)
	}

	is, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	current := lifecycle.State(is.State)
	if err := lifecycle.EnsureNotTerminal(current); err != nil {
		return current, s.denied(ctx, subject, audit.EventIssueDenied, payload, err)
	}
	if current != from {
		return current, s.denied(ctx, subject, audit.EventIssueDenied, payload,
			contracts.NewError(contracts.KindConflict, fmt.Sprintf("issue %s is %s, not %s", issueID, current, from)))
	}
	if err := lifecycle.CheckTransition(from, to); err != nil {
		return current, s.denied(ctx, subject, audit.EventIssueDenied, payload, err)
	}
	if opts.IsManual {
		res := intervention.CheckManualStateTransition(from, to)
		payload["policy_rule"] = res.PolicyRule
		if !res.Allowed {
			reasons := append([]string{res.Reason, res.Violation}, res.Suggestions...)
			return current, s.denied(ctx, subject, audit.EventIssueDenied, payload,
				contracts.NewError(contracts.KindPolicyViolation, reasons...))
		}
	}

	updated, err := s.store.CompareAndSetState(ctx, issueID, string(from), string(to), s.now())
	if errors.Is(err, store.ErrConflict) {
		return current, s.denied(ctx, subject, audit.EventIssueDenied, payload,
			contracts.WrapError(contracts.KindConflict, err, fmt.Sprintf("issue %s changed concurrently", issueID)))
	}
	if err != nil {
		return current, fmt.Errorf("controlplane: transition issue: %w", err)
	}

	payload["version"] = updated.Version
	if err := s.audit(ctx, subject, audit.EventIssueTransition, payload); err != nil {
		// An unproven transition did not happen: put the state back.
		if _, rerr := s.store.CompareAndSetState(context.WithoutCancel(ctx), issueID, string(to), string(from), s.now()); rerr != nil {
			s.logger.ErrorContext(ctx, "transition rollback failed", "issue_id", issueID, "error", rerr)
		}
		return current, err
	}
	s.telemetry.RecordDecision(ctx, "transition", string(to))
	s.logger.InfoContext(ctx, "issue transitioned", "issue_id", issueID, "from", from, "to", to, "manual", opts.IsManual)
	return to, nil
}

// CheckIntervention evaluates a human action against the issue's stored
// state and audits the result. A denial is reported in the Result, not as
// an error; missing initiatedBy or reason is a VALIDATION error.
func (s *Service) CheckIntervention(ctx context.Context, issueID string, ic intervention.Context) (res intervention.Result, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "check_intervention", observability.AttrIssueID.String(issueID))
	defer func() { done(err) }()

	is, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return intervention.Result{}, err
	}
	ic.CurrentState = lifecycle.State(is.State)
	if err := intervention.ValidateManual(ic); err != nil {
		return intervention.Result{}, s.denied(ctx, issueSubject(issueID), audit.EventIntervention,
			map[string]any{"issue_id": issueID, "context": ic}, err)
	}

	res = intervention.CheckIntervention(ic)
	if err := s.audit(ctx, issueSubject(issueID), audit.EventIntervention, map[string]any{
		"issue_id": issueID,
		"context":  ic,
		"result":   res,
	}); err != nil {
		return intervention.Result{}, err
	}
	s.telemetry.RecordDecision(ctx, "check_intervention", res.PolicyRule)
	return res, nil
}
