package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the machine-readable class of a governance failure.
type ErrorKind string

const (
	KindPolicyViolation        ErrorKind = "POLICY_VIOLATION"
	KindEvidenceMissing        ErrorKind = "EVIDENCE_MISSING"
	KindTerminalStateViolation ErrorKind = "TERMINAL_STATE_VIOLATION"
	KindStepExecutionFailure   ErrorKind = "STEP_EXECUTION_FAILURE"
	KindAuditWriteFailure      ErrorKind = "AUDIT_WRITE_FAILURE"
	KindValidation             ErrorKind = "VALIDATION"
	KindConflict               ErrorKind = "CONFLICT"
)

// Recoverable reports whether an operator can resolve the condition without
// a code or configuration change (e.g. by supplying evidence or a reason).
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindEvidenceMissing, KindValidation, KindConflict, KindStepExecutionFailure:
		return true
	default:
		return false
	}
}

// GovernanceError is the single error type crossing the control-plane boundary.
type GovernanceError struct {
	Kind    ErrorKind `json:"kind"`
	Reasons []string  `json:"reasons"`
	Err     error     `json:"-"`
}

func (e *GovernanceError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, strings.Join(e.Reasons, "; "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GovernanceError) Unwrap() error { return e.Err }

// Is matches another *GovernanceError by kind, so callers can write
// errors.Is(err, &GovernanceError{Kind: KindPolicyViolation}).
func (e *GovernanceError) Is(target error) bool {
	var t *GovernanceError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && len(t.Reasons) == 0
}

// NewError builds a GovernanceError with one or more reasons.
func NewError(kind ErrorKind, reasons ...string) *GovernanceError {
	return &GovernanceError{Kind: kind, Reasons: reasons}
}

// WrapError attaches a cause to a GovernanceError.
func WrapError(kind ErrorKind, err error, reasons ...string) *GovernanceError {
	return &GovernanceError{Kind: kind, Reasons: reasons, Err: err}
}

// KindOf extracts the governance kind from err, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ge *GovernanceError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// ReasonsOf returns the reason list of a governance error.
func ReasonsOf(err error) []string {
	var ge *GovernanceError
	if errors.As(err, &ge) {
		return ge.Reasons
	}
	return nil
}
