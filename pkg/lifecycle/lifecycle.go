// Package lifecycle defines the canonical issue state machine.
//
// DONE and KILLED are absorbing. HOLD is reachable from every non-terminal
// state, itself included, and may resume into any of them.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

// State is an issue lifecycle state.
type State string

const (
	Created      State = "CREATED"
	SpecReady    State = "SPEC_READY"
	Implementing State = "IMPLEMENTING"
	Verified     State = "VERIFIED"
	MergeReady   State = "MERGE_READY"
	Done         State = "DONE"
	Hold         State = "HOLD"
	Killed       State = "KILLED"
)

// AllStates lists every state in canonical order.
func AllStates() []State {
	return []State{Created, SpecReady, Implementing, Verified, MergeReady, Done, Hold, Killed}
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", contracts.NewError(contracts.KindValidation, fmt.Sprintf("unknown issue state %q", s))
	}
	return st, nil
}

// Valid reports whether s is one of the eight canonical states.
func (s State) Valid() bool {
	switch s {
	case Created, SpecReady, Implementing, Verified, MergeReady, Done, Hold, Killed:
		return true
	default:
		return false
	}
}

// Targets returns the states reachable from s by a single transition.
// The switch is exhaustive; an unknown state has no targets.
func Targets(s State) []State {
	switch s {
	case Created:
		return []State{SpecReady, Hold, Killed}
	case SpecReady:
		return []State{Implementing, Hold, Killed}
	case Implementing:
		return []State{Verified, Hold, Killed}
	case Verified:
		return []State{MergeReady, Implementing, Hold, Killed}
	case MergeReady:
		return []State{Done, Implementing, Hold, Killed}
	case Hold:
		return []State{Created, SpecReady, Implementing, Verified, MergeReady, Hold, Killed}
	case Done, Killed:
		return nil
	default:
		return nil
	}
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to State) bool {
	for _, t := range Targets(from) {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminalState is true for DONE and KILLED.
func IsTerminalState(s State) bool {
	return s == Done || s == Killed
}

// IsActiveState excludes DONE, KILLED and HOLD.
func IsActiveState(s State) bool {
	return s.Valid() && !IsTerminalState(s) && s != Hold
}

// EnsureNotKilled fails with TERMINAL_STATE_VIOLATION when s is KILLED.
func EnsureNotKilled(s State) error {
	if s == Killed {
		return contracts.NewError(contracts.KindTerminalStateViolation,
			"issue is KILLED; no further operations are permitted")
	}
	return nil
}

// EnsureNotTerminal fails with TERMINAL_STATE_VIOLATION when s is DONE or KILLED.
func EnsureNotTerminal(s State) error {
	if err := EnsureNotKilled(s); err != nil {
		return err
	}
	if s == Done {
		return contracts.NewError(contracts.KindTerminalStateViolation,
			"issue is DONE; no further transitions are permitted")
	}
	return nil
}

// CheckTransition combines the terminal guard with table membership.
func CheckTransition(from, to State) error {
	if !from.Valid() || !to.Valid() {
		return contracts.NewError(contracts.KindValidation, fmt.Sprintf("invalid states %q -> %q", from, to))
	}
	if err := EnsureNotTerminal(from); err != nil {
		return err
	}
	if !IsValidTransition(from, to) {
		return contracts.NewError(contracts.KindPolicyViolation,
			fmt.Sprintf("transition %s -> %s is not in the transition table", from, to))
	}
	return nil
}
