// Package playbook plans and executes remediation playbooks against incidents.
//
// A run is gated by the lawbook and the incident's evidence, keyed by a
// deterministic run key so that identical requests never execute twice, and
// executed step by step in declaration order, stopping at the first failure.
package playbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/evidence"
)

var (
	// ErrUnknownPlaybook is returned when a playbook ID is not registered.
	ErrUnknownPlaybook = errors.New("playbook: unknown playbook")
	// ErrInvalidDefinition is returned for structurally invalid playbooks.
	ErrInvalidDefinition = errors.New("playbook: invalid definition")
)

// Definition is a declared remediation procedure.
type Definition struct {
	ID               string               `json:"id" yaml:"id"`
	Version          string               `json:"version,omitempty" yaml:"version,omitempty"`
	Description      string               `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredEvidence []evidence.Predicate `json:"required_evidence,omitempty" yaml:"required_evidence,omitempty"`
	Steps            []StepDefinition     `json:"steps" yaml:"steps"`
}

// StepDefinition is one declared action. Inputs may contain {{...}}
// references resolved at plan time.
type StepDefinition struct {
	ID         string         `json:"id" yaml:"id"`
	ActionType string         `json:"action_type" yaml:"action_type"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Timeout    Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ActionTypes returns the action type of every step in order.
func (d *Definition) ActionTypes() []string {
	out := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		out = append(out, s.ActionType)
	}
	return out
}

// Validate checks IDs, step uniqueness and evidence kinds.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" || s.ActionType == "" {
			return fmt.Errorf("%w: %s step %d needs id and action_type", ErrInvalidDefinition, d.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s has duplicate step id %q", ErrInvalidDefinition, d.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Timeout < 0 {
			return fmt.Errorf("%w: %s step %s has negative timeout", ErrInvalidDefinition, d.ID, s.ID)
		}
	}
	for _, p := range d.RequiredEvidence {
		if !p.Kind.Valid() {
			return fmt.Errorf("%w: %s requires unknown evidence kind %q", ErrInvalidDefinition, d.ID, p.Kind)
		}
	}
	return nil
}

// Incident is the detected problem a playbook runs against.
type Incident struct {
	Key        string          `json:"key" yaml:"key"`
	Service    string          `json:"service,omitempty" yaml:"service,omitempty"`
	Severity   string          `json:"severity,omitempty" yaml:"severity,omitempty"`
	IssueID    string          `json:"issue_id,omitempty" yaml:"issue_id,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Evidence   evidence.Bundle `json:"evidence" yaml:"evidence"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}
