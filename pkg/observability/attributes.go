package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attributes for governed operations.
var (
	AttrOperation   = attribute.Key("autopilot.operation")
	AttrDecision    = attribute.Key("autopilot.decision")
	AttrErrorKind   = attribute.Key("autopilot.error_kind")
	AttrRunKey      = attribute.Key("autopilot.run_key")
	AttrPlaybookID  = attribute.Key("autopilot.playbook_id")
	AttrIncidentKey = attribute.Key("autopilot.incident_key")
	AttrIssueID     = attribute.Key("autopilot.issue_id")
	AttrJobKey      = attribute.Key("autopilot.job_key")
	AttrLawbook     = attribute.Key("autopilot.lawbook_version")
)

// PlaybookRun returns the attributes of a playbook run request.
func PlaybookRun(incidentKey, playbookID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIncidentKey.String(incidentKey),
		AttrPlaybookID.String(playbookID),
	}
}

// IssueTransition returns the attributes of an issue transition.
func IssueTransition(issueID, from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIssueID.String(issueID),
		attribute.String("autopilot.from", from),
		attribute.String("autopilot.to", to),
	}
}
