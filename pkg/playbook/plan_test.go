package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planRequest() PlanRequest {
	return PlanRequest{
		Definition: &Definition{
			ID: "scale-up",
			Steps: []StepDefinition{
				{ID: "scale", ActionType: "SCALE_DEPLOYMENT", Inputs: map[string]any{
					"deployment": "{{incident.service}}",
					"replicas":   "{{inputs.replicas}}",
					"labels":     []any{"{{incident.severity}}", "auto"},
					"zone":       "{{ incident.attributes.region.zone }}",
				}},
				{ID: "note", ActionType: "NOTIFY_CHANNEL", Inputs: map[string]any{
					"text": "scaled {{incident.service}} to {{inputs.replicas}} for {{run.key}}",
				}},
			},
		},
		Incident: Incident{
			Key:        "INC-9",
			Service:    "search",
			Severity:   "SEV1",
			Attributes: map[string]any{"region": map[string]any{"zone": "eu-west-1a"}},
		},
		Inputs:     map[string]any{"replicas": 6},
		RunKey:     "run:abc",
		InputsHash: "sha256:in",
	}
}

func TestBuildPlan_ResolvesReferences(t *testing.T) {
	plan, err := BuildPlan(planRequest())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	scale := plan.Steps[0]
	assert.Equal(t, "search", scale.Inputs["deployment"])
	assert.Equal(t, 6, scale.Inputs["replicas"])
	assert.Equal(t, []any{"SEV1", "auto"}, scale.Inputs["labels"])
	assert.Equal(t, "eu-west-1a", scale.Inputs["zone"])
	assert.Equal(t, "scaled search to 6 for run:abc", plan.Steps[1].Inputs["text"])
	assert.Equal(t, 1, plan.Steps[1].Ordinal)
}

func TestBuildPlan_IsDeterministic(t *testing.T) {
	a, err := BuildPlan(planRequest())
	require.NoError(t, err)
	b, err := BuildPlan(planRequest())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Steps[0].IdempotencyKey, a.Steps[1].IdempotencyKey)
}

func TestBuildPlan_DoesNotMutateDefinition(t *testing.T) {
	req := planRequest()
	_, err := BuildPlan(req)
	require.NoError(t, err)
	assert.Equal(t, "{{incident.service}}", req.Definition.Steps[0].Inputs["deployment"])
}

func TestBuildPlan_UnresolvedReference(t *testing.T) {
	req := planRequest()
	req.Inputs = nil
	_, err := BuildPlan(req)
	require.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Contains(t, err.Error(), "inputs.replicas")
}

func TestBuildPlan_IdempotencyKeyTracksParams(t *testing.T) {
	a, err := BuildPlan(planRequest())
	require.NoError(t, err)
	req := planRequest()
	req.Inputs = map[string]any{"replicas": 7}
	b, err := BuildPlan(req)
	require.NoError(t, err)
	assert.NotEqual(t, a.Steps[0].IdempotencyKey, b.Steps[0].IdempotencyKey)
	assert.NotEqual(t, a.Steps[0].ParamsHash, b.Steps[0].ParamsHash)
}
