package contracts

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a RemediationRun.
type RunStatus string

const (
	RunPlanned   RunStatus = "PLANNED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunSkipped   RunStatus = "SKIPPED"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunSkipped
}

// StepStatus is the lifecycle state of a RemediationStep.
type StepStatus string

const (
	StepPlanned   StepStatus = "PLANNED"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Run outcome reasons.
const (
	ReasonLawbookDenied   = "LAWBOOK_DENIED"
	ReasonEvidenceMissing = "EVIDENCE_MISSING"
	ReasonPlanInvalid     = "PLAN_INVALID"
	ReasonStepFailed      = "STEP_FAILED"
	ReasonCanceled        = "CANCELED"
	ReasonAuditFailed     = "AUDIT_WRITE_FAILURE"
	ReasonStoreFailed     = "STORE_WRITE_FAILURE"
)

// RemediationRun is one governed execution of a playbook for an incident.
// RunKey is unique across the store.
type RemediationRun struct {
	ID             string          `json:"id"`
	RunKey         string          `json:"run_key"`
	IncidentKey    string          `json:"incident_key"`
	PlaybookID     string          `json:"playbook_id"`
	InputsHash     string          `json:"inputs_hash"`
	Status         RunStatus       `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Details        []string        `json:"details,omitempty"`
	LawbookVersion string          `json:"lawbook_version,omitempty"`
	LawbookHash    string          `json:"lawbook_hash,omitempty"`
	PlannedJSON    json.RawMessage `json:"planned_json,omitempty"`
	FailedStepID   string          `json:"failed_step_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`

	// Reused is set when the run was returned from an earlier request with the
	// same run key. It is not persisted.
	Reused bool `json:"reused,omitempty"`
}

// Err maps a finished run to the governance error a caller would surface for
// it. SUCCEEDED and in-flight runs yield nil.
func (r *RemediationRun) Err() error {
	if r == nil {
		return nil
	}
	var kind ErrorKind
	switch r.Reason {
	case ReasonLawbookDenied:
		kind = KindPolicyViolation
	case ReasonEvidenceMissing:
		kind = KindEvidenceMissing
	case ReasonPlanInvalid:
		kind = KindValidation
	case ReasonStepFailed, ReasonCanceled, ReasonStoreFailed:
		kind = KindStepExecutionFailure
	case ReasonAuditFailed:
		kind = KindAuditWriteFailure
	default:
		return nil
	}
	if r.Status != RunSkipped && r.Status != RunFailed {
		return nil
	}
	reasons := append([]string{r.Reason}, r.Details...)
	return NewError(kind, reasons...)
}

// RemediationStep is one action inside a run.
type RemediationStep struct {
	RunID          string          `json:"run_id"`
	StepID         string          `json:"step_id"`
	Ordinal        int             `json:"ordinal"`
	ActionType     string          `json:"action_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         StepStatus      `json:"status"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Stamp returns a copy of t, never earlier than floor. Used to keep
// createdAt <= startedAt <= completedAt under a non-monotonic clock.
func Stamp(t, floor time.Time) *time.Time {
	if t.Before(floor) {
		t = floor
	}
	return &t
}
