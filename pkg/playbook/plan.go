package playbook

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
	"github.com/Mindburn-Labs/autopilot/pkg/evidence"
)

// ErrUnresolvedReference is returned when a {{...}} reference has no value.
var ErrUnresolvedReference = errors.New("playbook: unresolved reference")

var referencePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Plan is the persisted, fully resolved form of a run.
type Plan struct {
	PlaybookID      string        `json:"playbook_id"`
	PlaybookVersion string        `json:"playbook_version,omitempty"`
	IncidentKey     string        `json:"incident_key"`
	RunKey          string        `json:"run_key"`
	InputsHash      string        `json:"inputs_hash"`
	LawbookVersion  string        `json:"lawbook_version"`
	LawbookHash     string        `json:"lawbook_hash"`
	Steps           []PlannedStep `json:"steps"`
}

// PlannedStep is a step with its inputs resolved and its idempotency key set.
type PlannedStep struct {
	StepID         string         `json:"step_id"`
	Ordinal        int            `json:"ordinal"`
	ActionType     string         `json:"action_type"`
	Inputs         map[string]any `json:"inputs"`
	ParamsHash     string         `json:"params_hash"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timeout        Duration       `json:"timeout,omitempty"`
}

// PlanRequest carries everything planning depends on. Planning reads nothing
// else, so identical requests produce identical plans.
type PlanRequest struct {
	Definition     *Definition
	Incident       Incident
	Inputs         map[string]any
	RunKey         string
	InputsHash     string
	LawbookVersion string
	LawbookHash    string
}

// BuildPlan resolves every step's inputs against the incident and run.
func BuildPlan(req PlanRequest) (*Plan, error) {
	def := req.Definition
	scope := map[string]any{
		"incident": map[string]any{
			"key":        req.Incident.Key,
			"service":    req.Incident.Service,
			"severity":   req.Incident.Severity,
			"issue_id":   req.Incident.IssueID,
			"attributes": req.Incident.Attributes,
		},
		"inputs":   req.Inputs,
		"run":      map[string]any{"key": req.RunKey},
		"playbook": map[string]any{"id": def.ID, "version": def.Version},
	}

	plan := &Plan{
		PlaybookID:      def.ID,
		PlaybookVersion: def.Version,
		IncidentKey:     req.Incident.Key,
		RunKey:          req.RunKey,
		InputsHash:      req.InputsHash,
		LawbookVersion:  req.LawbookVersion,
		LawbookHash:     req.LawbookHash,
		Steps:           make([]PlannedStep, 0, len(def.Steps)),
	}
	for i, s := range def.Steps {
		resolved, err := resolveValue(s.Inputs, scope)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.ID, err)
		}
		inputs, _ := resolved.(map[string]any)
		if inputs == nil {
			inputs = map[string]any{}
		}
		paramsHash, err := canonicalize.CanonicalHash(inputs)
		if err != nil {
			return nil, fmt.Errorf("step %s: hash inputs: %w", s.ID, err)
		}
		plan.Steps = append(plan.Steps, PlannedStep{
			StepID:         s.ID,
			Ordinal:        i,
			ActionType:     s.ActionType,
			Inputs:         inputs,
			ParamsHash:     paramsHash,
			IdempotencyKey: canonicalize.IdempotencyKey(s.ActionType, req.Incident.Key, paramsHash),
			Timeout:        s.Timeout,
		})
	}
	return plan, nil
}

func resolveValue(v any, scope map[string]any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, err := resolveValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := resolveValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return resolveString(t, scope)
	default:
		return v, nil
	}
}

// resolveString substitutes references. A string that is exactly one
// reference takes the referenced value as is; embedded references are
// rendered as text.
func resolveString(s string, scope map[string]any) (any, error) {
	if m := referencePattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		val, ok := evidence.Lookup(scope, m[1])
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, m[1])
		}
		return val, nil
	}
	var missing string
	out := referencePattern.ReplaceAllStringFunc(s, func(ref string) string {
		path := referencePattern.FindStringSubmatch(ref)[1]
		val, ok := evidence.Lookup(scope, path)
		if !ok {
			if missing == "" {
				missing = path
			}
			return ref
		}
		return fmt.Sprint(val)
	})
	if missing != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, missing)
	}
	return out, nil
}
