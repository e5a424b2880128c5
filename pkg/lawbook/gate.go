package lawbook

import (
	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
)

// Decision is the outcome of authorizing one action ID.
type Decision struct {
	ActionID      string `json:"action_id"`
	Allowed       bool   `json:"allowed"`
	RuleID        string `json:"rule_id"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
	PolicyHash    string `json:"policy_hash,omitempty"`
	DecisionHash  string `json:"decision_hash,omitempty"`
}

// Authorize decides whether actionID may run under doc.
//
// Evaluation order: missing document, non-fail-closed document, empty action,
// explicit deny, allow list. Anything that falls through is denied.
func Authorize(actionID string, doc *Document) Decision {
	d := decide(actionID, doc)
	if doc != nil {
		d.PolicyVersion = doc.Version
		d.PolicyHash = doc.Hash()
	}
	hash, err := canonicalize.CanonicalHash(d)
	if err != nil {
		return Decision{
			ActionID:      actionID,
			RuleID:        RuleHashFailure,
			Reason:        "decision could not be hashed",
			PolicyVersion: d.PolicyVersion,
			PolicyHash:    d.PolicyHash,
		}
	}
	d.DecisionHash = hash
	return d
}

func decide(actionID string, doc *Document) Decision {
	switch {
	case doc == nil:
		return Decision{ActionID: actionID, RuleID: RuleLawbookMissing, Reason: "no lawbook is loaded"}
	case !doc.FailClosed:
		return Decision{ActionID: actionID, RuleID: RuleLawbookNotFailClosed, Reason: "lawbook is not fail-closed and cannot be trusted"}
	case actionID == "":
		return Decision{ActionID: actionID, RuleID: RuleActionEmpty, Reason: "action id is empty"}
	case doc.Denies(actionID):
		return Decision{ActionID: actionID, RuleID: RuleExplicitDeny, Reason: "action " + actionID + " is explicitly denied"}
	case doc.Allows(actionID):
		return Decision{ActionID: actionID, Allowed: true, RuleID: RuleExplicitAllow, Reason: "action " + actionID + " is allowlisted"}
	default:
		return Decision{ActionID: actionID, RuleID: RuleNotAllowlisted, Reason: "action " + actionID + " is not allowlisted"}
	}
}

// AuthorizeAll authorizes every action ID and reports whether all were allowed.
// Decisions are returned in input order.
func AuthorizeAll(doc *Document, actionIDs ...string) (bool, []Decision) {
	decisions := make([]Decision, 0, len(actionIDs))
	allowed := len(actionIDs) > 0
	for _, id := range actionIDs {
		d := Authorize(id, doc)
		if !d.Allowed {
			allowed = false
		}
		decisions = append(decisions, d)
	}
	return allowed, decisions
}

// Denials filters decisions down to the denied ones.
func Denials(decisions []Decision) []Decision {
	var out []Decision
	for _, d := range decisions {
		if !d.Allowed {
			out = append(out, d)
		}
	}
	return out
}
