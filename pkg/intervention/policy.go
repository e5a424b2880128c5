// Package intervention constrains human-initiated actions on issues. It sits
// on top of the automatic transition table: a manual action has to pass both.
package intervention

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/lifecycle"
)

// VerdictHumanRequired marks a verifier verdict that explicitly asks for a human.
const VerdictHumanRequired = "HUMAN_REQUIRED"

// Policy rule identifiers.
const (
	RuleAutomaticAction      = "AUTOMATIC_ACTION"
	RuleManualInHoldOrKilled = "MANUAL_IN_HOLD_OR_KILLED"
	RuleVerdictHumanRequired = "VERDICT_HUMAN_REQUIRED"
	RuleManualDenied         = "MANUAL_DENIED"
	RuleLeaveHold            = "LEAVE_HOLD"
	RuleEnterHoldOrKilled    = "ENTER_HOLD_OR_KILLED"
	RuleManualBetweenDenied  = "MANUAL_BETWEEN_INTERMEDIATE_DENIED"
	RuleTerminalSource       = "TERMINAL_SOURCE"
)

// Context is one "may a human act now" question.
type Context struct {
	CurrentState   lifecycle.State `json:"current_state"`
	TargetState    lifecycle.State `json:"target_state,omitempty"`
	VerdictAction  string          `json:"verdict_action,omitempty"`
	IsManualAction bool            `json:"is_manual_action"`
	InitiatedBy    string          `json:"initiated_by,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Result is the policy outcome. Violation and Suggestions are set on denial.
type Result struct {
	Allowed     bool     `json:"allowed"`
	Reason      string   `json:"reason"`
	PolicyRule  string   `json:"policy_rule"`
	Violation   string   `json:"violation,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// CheckIntervention applies the rules in order: automatic actions pass;
// manual actions pass in HOLD or KILLED, or when the verdict requires a
// human; everything else is denied.
func CheckIntervention(c Context) Result {
	if !c.IsManualAction {
		return Result{Allowed: true, Reason: "automatic actions are not constrained by intervention policy", PolicyRule: RuleAutomaticAction}
	}
	if c.CurrentState == lifecycle.Hold || c.CurrentState == lifecycle.Killed {
		return Result{
			Allowed:    true,
			Reason:     fmt.Sprintf("manual action permitted while issue is %s", c.CurrentState),
			PolicyRule: RuleManualInHoldOrKilled,
		}
	}
	if strings.EqualFold(c.VerdictAction, VerdictHumanRequired) {
		return Result{Allowed: true, Reason: "verdict requires human intervention", PolicyRule: RuleVerdictHumanRequired}
	}
	return Result{
		Allowed:    false,
		Reason:     fmt.Sprintf("manual action not permitted while issue is %s", c.CurrentState),
		PolicyRule: RuleManualDenied,
		Violation:  "manual intervention outside HOLD without a HUMAN_REQUIRED verdict",
		Suggestions: []string{
			"put the issue on HOLD first",
			"wait for a verdict that requires human review",
		},
	}
}

// CheckManualStateTransition governs manual transitions specifically.
func CheckManualStateTransition(from, to lifecycle.State) Result {
	switch {
	case lifecycle.IsTerminalState(from):
		return Result{
			Allowed:    false,
			Reason:     fmt.Sprintf("issue is %s and cannot transition", from),
			PolicyRule: RuleTerminalSource,
			Violation:  "transition out of a terminal state",
		}
	case from == lifecycle.Hold:
		return Result{Allowed: true, Reason: "leaving HOLD is always allowed", PolicyRule: RuleLeaveHold}
	case to == lifecycle.Hold || to == lifecycle.Killed:
		return Result{Allowed: true, Reason: fmt.Sprintf("entering %s is always allowed", to), PolicyRule: RuleEnterHoldOrKilled}
	default:
		return Result{
			Allowed:    false,
			Reason:     fmt.Sprintf("manual transition %s -> %s is not permitted", from, to),
			PolicyRule: RuleManualBetweenDenied,
			Violation:  "manual transition between intermediate states",
			Suggestions: []string{
				fmt.Sprintf("move the issue to HOLD, then resume it to %s", to),
				"let the automatic workflow advance the issue",
			},
		}
	}
}

// ValidateManual rejects manual actions without an initiator or a reason.
// It applies regardless of what the policy would decide.
func ValidateManual(c Context) error {
	if !c.IsManualAction {
		return nil
	}
	var reasons []string
	if strings.TrimSpace(c.InitiatedBy) == "" {
		reasons = append(reasons, "manual action requires initiatedBy")
	}
	if strings.TrimSpace(c.Reason) == "" {
		reasons = append(reasons, "manual action requires a reason")
	}
	if len(reasons) > 0 {
		return contracts.NewError(contracts.KindValidation, reasons...)
	}
	return nil
}
