package controlplane

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/autopilot/pkg/playbook"
)

// ReasonIssueOnHold is reported when a playbook is requested for an incident
// whose governing issue is paused.
const ReasonIssueOnHold = "ISSUE_ON_HOLD"

func incidentSubject(key string) string { return "incident:" + key }

// RunPlaybook executes a playbook for an incident.
//
// When the incident names a governing issue, that issue must be active: a
// DONE or KILLED issue yields TERMINAL_STATE_VIOLATION and a HOLD issue
// yields POLICY_VIOLATION. Blocked requests are audited under
// incident:<key> and create no run. Otherwise the returned run carries the
// outcome; see RemediationRun.Err for mapping SKIPPED and FAILED runs.
func (s *Service) RunPlaybook(ctx context.Context, inc playbook.Incident, playbookID string, inputs map[string]any) (run *contracts.RemediationRun, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "run_playbook", observability.PlaybookRun(inc.Key, playbookID)...)
	defer func() { done(err) }()

	if inc.Key == "" || playbookID == "" {
		return nil, contracts.NewError(contracts.KindValidation, "incident key and playbook id are required")
	}
	if inc.IssueID != "" {
		if err := s.checkGoverningIssue(ctx, inc, playbookID); err != nil {
			return nil, err
		}
	}

	run, err = s.executor.Run(ctx, inc, playbookID, inputs)
	if run != nil {
		s.telemetry.Annotate(ctx,
			observability.AttrRunKey.String(run.RunKey),
			observability.AttrLawbook.String(run.LawbookVersion))
	}
	if err != nil {
		return run, err
	}
	s.telemetry.RecordDecision(ctx, "run_playbook", string(run.Status))
	return run, nil
}

func (s *Service) checkGoverningIssue(ctx context.Context, inc playbook.Incident, playbookID string) error {
	is, err := s.GetIssue(ctx, inc.IssueID)
	if err != nil {
		return err
	}
	state := lifecycle.State(is.State)

	var blocked error
	switch {
	case lifecycle.IsTerminalState(state):
		blocked = contracts.NewError(contracts.KindTerminalStateViolation,
			fmt.Sprintf("governing issue %s is %s", is.ID, state))
	case state == lifecycle.Hold:
		blocked = contracts.NewError(contracts.KindPolicyViolation,
			ReasonIssueOnHold, fmt.Sprintf("governing issue %s is on HOLD", is.ID))
	default:
		return nil
	}
	s.logger.WarnContext(ctx, "playbook blocked by governing issue",
		"incident_key", inc.Key, "playbook_id", playbookID, "issue_id", is.ID, "issue_state", state)
	return s.denied(ctx, incidentSubject(inc.Key), audit.EventIncidentBlocked, map[string]any{
		"incident_key": inc.Key,
		"playbook_id":  playbookID,
		"issue_id":     is.ID,
		"issue_state":  state,
	}, blocked)
}
