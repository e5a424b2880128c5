package controlplane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/intervention"
	"github.com/Mindburn-Labs/autopilot/pkg/lawbook"
	"github.com/Mindburn-Labs/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/autopilot/pkg/playbook"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
	"github.com/Mindburn-Labs/autopilot/pkg/store"
)

const incidentKey = "INC-2026-000123"

// failingAudit fails audit appends while fail is set.
type failingAudit struct {
	store.Store
	fail atomic.Bool
}

func (f *failingAudit) Append(ctx context.Context, ev contracts.AuditEvent) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.Append(ctx, ev)
}

type fixture struct {
	svc   *Service
	store *failingAudit
	calls atomic.Int64
	now   time.Time
}

func newFixture(t *testing.T, allowed []string, th stopdecision.Thresholds) *fixture {
	t.Helper()
	f := &fixture{
		store: &failingAudit{Store: store.NewMemoryStore()},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	doc, err := lawbook.New("1.0.0", allowed, nil)
	require.NoError(t, err)
	holder := lawbook.NewStaticHolder(doc)

	reg := playbook.NewRegistry()
	require.NoError(t, reg.Register(&playbook.Definition{
		ID:      "restart-service",
		Version: "1",
		Steps: []playbook.StepDefinition{
			{ID: "restart", ActionType: "RESTART_SERVICE", Inputs: map[string]any{"service": "{{incident.service}}"}},
		},
	}))

	trail := audit.NewTrail(f.store, audit.WithClock(clock))
	backend := playbook.BackendFunc(func(_ context.Context, _ playbook.ActionRequest) (playbook.ActionResult, error) {
		f.calls.Add(1)
		return playbook.ActionResult{Success: true}, nil
	})
	exec, err := playbook.NewExecutor(playbook.Config{
		Registry: reg,
		Lawbook:  holder,
		Runs:     f.store,
		Audit:    trail,
		Backend:  backend,
		Clock:    clock,
	})
	require.NoError(t, err)

	f.svc, err = New(Config{
		Store:     f.store,
		Trail:     trail,
		Lawbook:   holder,
		Registry:  reg,
		Executor:  exec,
		Evaluator: stopdecision.NewEvaluator(th),
		Clock:     clock,
	})
	require.NoError(t, err)
	return f
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, []string{"restart-service", "RESTART_SERVICE", ActionRerunCIJob}, stopdecision.DefaultThresholds())
}

func eventTypes(events []contracts.AuditEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestTransition_AutomaticPath(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)

	_, err := f.svc.CreateIssue(ctx, "ISS-1", "flaky checkout")
	require.NoError(t, err)

	state, err := f.svc.Transition(ctx, "ISS-1", lifecycle.Created, lifecycle.SpecReady, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SpecReady, state)

	is, err := f.svc.GetIssue(ctx, "ISS-1")
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.SpecReady), is.State)
	assert.Equal(t, 2, is.Version)

	events, err := f.svc.GetAuditTrail(ctx, "issue:ISS-1")
	require.NoError(t, err)
	assert.Equal(t, []string{audit.EventIssueCreated, audit.EventIssueTransition}, eventTypes(events))
	assert.Equal(t, "1.0.0", events[1].LawbookVersion)
}

func TestCreateIssue_Duplicate(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)
	_, err = f.svc.CreateIssue(ctx, "ISS-1", "")
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))

	_, err = f.svc.CreateIssue(ctx, "  ", "")
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

func TestTransition_Denials(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    []lifecycle.State
		from, to lifecycle.State
		opts     TransitionOptions
		kind     contracts.ErrorKind
	}{
		{
			name: "stale from",
			from: lifecycle.SpecReady,
			to:   lifecycle.Implementing,
			kind: contracts.KindConflict,
		},
		{
			name:  "out of killed",
			setup: []lifecycle.State{lifecycle.Killed},
			from:  lifecycle.Killed,
			to:    lifecycle.Created,
			kind:  contracts.KindTerminalStateViolation,
		},
		{
			name:  "stale from on killed issue",
			setup: []lifecycle.State{lifecycle.Killed},
			from:  lifecycle.Created,
			to:    lifecycle.SpecReady,
			kind:  contracts.KindTerminalStateViolation,
		},
		{
			name:  "stale from on done issue",
			setup: []lifecycle.State{lifecycle.SpecReady, lifecycle.Implementing, lifecycle.Verified, lifecycle.MergeReady, lifecycle.Done},
			from:  lifecycle.Verified,
			to:    lifecycle.Hold,
			kind:  contracts.KindTerminalStateViolation,
		},
		{
			name: "not in table",
			from: lifecycle.Created,
			to:   lifecycle.Done,
			kind: contracts.KindPolicyViolation,
		},
		{
			name: "manual without initiator",
			from: lifecycle.Created,
			to:   lifecycle.Hold,
			opts: TransitionOptions{IsManual: true, Reason: "pause"},
			kind: contracts.KindValidation,
		},
		{
			name:  "manual between intermediate states",
			setup: []lifecycle.State{lifecycle.SpecReady},
			from:  lifecycle.SpecReady,
			to:    lifecycle.Implementing,
			opts:  TransitionOptions{IsManual: true, InitiatedBy: "alice", Reason: "skip ahead"},
			kind:  contracts.KindPolicyViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := defaultFixture(t)
			_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
			require.NoError(t, err)
			prev := lifecycle.Created
			for _, s := range tt.setup {
				_, err := f.svc.Transition(ctx, "ISS-1", prev, s, TransitionOptions{})
				require.NoError(t, err)
				prev = s
			}

			_, err = f.svc.Transition(ctx, "ISS-1", tt.from, tt.to, tt.opts)
			require.Error(t, err)
			assert.Equal(t, tt.kind, contracts.KindOf(err))
			assert.NotEmpty(t, contracts.ReasonsOf(err))

			is, err := f.svc.GetIssue(ctx, "ISS-1")
			require.NoError(t, err)
			assert.Equal(t, string(prev), is.State, "a denied transition leaves the state alone")

			events, err := f.svc.GetAuditTrail(ctx, "issue:ISS-1")
			require.NoError(t, err)
			last := events[len(events)-1]
			assert.Equal(t, audit.EventIssueDenied, last.EventType)
			assert.Contains(t, string(last.Payload), string(tt.kind))
		})
	}
}

func TestTransition_ManualHoldEscapeHatch(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, "ISS-1", lifecycle.Created, lifecycle.SpecReady, TransitionOptions{})
	require.NoError(t, err)

	manual := TransitionOptions{IsManual: true, InitiatedBy: "alice", Reason: "needs review"}
	_, err = f.svc.Transition(ctx, "ISS-1", lifecycle.SpecReady, lifecycle.Hold, manual)
	require.NoError(t, err)
	state, err := f.svc.Transition(ctx, "ISS-1", lifecycle.Hold, lifecycle.Implementing, manual)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Implementing, state)
}

func TestTransition_ReHoldIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, "ISS-1", lifecycle.Created, lifecycle.Hold, TransitionOptions{})
	require.NoError(t, err)

	manual := TransitionOptions{IsManual: true, InitiatedBy: "alice", Reason: "still blocked"}
	state, err := f.svc.Transition(ctx, "ISS-1", lifecycle.Hold, lifecycle.Hold, manual)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Hold, state)

	is, err := f.svc.GetIssue(ctx, "ISS-1")
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.Hold), is.State)
	assert.Equal(t, 3, is.Version)
}

func TestTransition_UnknownIssue(t *testing.T) {
	f := defaultFixture(t)
	_, err := f.svc.Transition(context.Background(), "nope", lifecycle.Created, lifecycle.SpecReady, TransitionOptions{})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransition_AuditFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)

	f.store.fail.Store(true)
	_, err = f.svc.Transition(ctx, "ISS-1", lifecycle.Created, lifecycle.SpecReady, TransitionOptions{})
	require.Error(t, err)
	assert.Equal(t, contracts.KindAuditWriteFailure, contracts.KindOf(err))

	is, err := f.svc.GetIssue(ctx, "ISS-1")
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.Created), is.State)
}

func TestTransition_DeniedAndUnaudited(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)

	f.store.fail.Store(true)
	_, err = f.svc.Transition(ctx, "ISS-1", lifecycle.Created, lifecycle.Done, TransitionOptions{})
	assert.Equal(t, contracts.KindAuditWriteFailure, contracts.KindOf(err))
	assert.ErrorIs(t, err, &contracts.GovernanceError{Kind: contracts.KindPolicyViolation})
}

func TestCheckIntervention(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)

	res, err := f.svc.CheckIntervention(ctx, "ISS-1", intervention.Context{
		IsManualAction: true, InitiatedBy: "alice", Reason: "force merge",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, intervention.RuleManualDenied, res.PolicyRule)
	assert.NotEmpty(t, res.Suggestions)

	res, err = f.svc.CheckIntervention(ctx, "ISS-1", intervention.Context{
		IsManualAction: true, InitiatedBy: "alice", Reason: "verifier asked", VerdictAction: intervention.VerdictHumanRequired,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	_, err = f.svc.CheckIntervention(ctx, "ISS-1", intervention.Context{IsManualAction: true})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))

	events, err := f.svc.GetAuditTrail(ctx, "issue:ISS-1")
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestEvaluateStop_MaxAttemptsKills(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	th := stopdecision.DefaultThresholds()

	d, err := f.svc.EvaluateStop(ctx, stopdecision.Context{
		JobKey:             "ci/build#42",
		FailureClass:       stopdecision.ClassFlaky,
		CurrentJobAttempts: th.MaxRerunsPerJob,
	})
	require.NoError(t, err)
	assert.Equal(t, stopdecision.Kill, d.Decision)
	assert.Equal(t, stopdecision.ReasonMaxAttempts, d.ReasonCode)
	assert.Equal(t, stopdecision.NextManualReview, d.RecommendedNextStep)
	assert.Len(t, d.AppliedRules, 7)

	events, err := f.svc.GetAuditTrail(ctx, "stop:ci/build#42")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventStopDecision, events[0].EventType)
}

func TestEvaluateStop_LawbookBlocksRerun(t *testing.T) {
	f := newFixture(t, []string{"restart-service"}, stopdecision.DefaultThresholds())

	d, err := f.svc.EvaluateStop(context.Background(), stopdecision.Context{
		JobKey:       "ci/build#42",
		FailureClass: stopdecision.ClassFlaky,
	})
	require.NoError(t, err)
	assert.Equal(t, stopdecision.Hold, d.Decision)
	assert.Equal(t, stopdecision.ReasonPolicyBlocked, d.ReasonCode)
}

func TestEvaluateStop_RequiresJobKey(t *testing.T) {
	f := defaultFixture(t)
	_, err := f.svc.EvaluateStop(context.Background(), stopdecision.Context{})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

func TestObserveFailure_CountsReruns(t *testing.T) {
	ctx := context.Background()
	th := stopdecision.DefaultThresholds()
	th.MaxRerunsPerJob = 2
	f := newFixture(t, []string{ActionRerunCIJob}, th)
	start := f.now

	obs := func(signal string, after time.Duration) stopdecision.StopDecision {
		t.Helper()
		d, err := f.svc.ObserveFailure(ctx, FailureObservation{
			JobKey: "ci/test#7", PRKey: "pr/99", FailureClass: stopdecision.ClassFlaky,
			SignalHash: signal, At: start.Add(after),
		})
		require.NoError(t, err)
		return d
	}

	d := obs("sig-a", 0)
	assert.Equal(t, stopdecision.Continue, d.Decision)
	assert.Equal(t, stopdecision.ReasonRetryAllowed, d.ReasonCode)

	d = obs("sig-b", 3*time.Minute)
	assert.Equal(t, stopdecision.Continue, d.Decision)
	assert.Equal(t, 1, d.AttemptCounts.JobAttempts)

	d = obs("sig-c", 6*time.Minute)
	assert.Equal(t, stopdecision.Kill, d.Decision)
	assert.Equal(t, stopdecision.ReasonMaxAttempts, d.ReasonCode)
	assert.Equal(t, 2, d.AttemptCounts.JobAttempts)
}

func TestObserveFailure_RepeatedSignalHolds(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)

	first, err := f.svc.ObserveFailure(ctx, FailureObservation{JobKey: "ci/e2e", FailureClass: stopdecision.ClassInfra, SignalHash: "sig"})
	require.NoError(t, err)
	assert.Equal(t, stopdecision.Continue, first.Decision)

	f.now = f.now.Add(5 * time.Minute)
	second, err := f.svc.ObserveFailure(ctx, FailureObservation{JobKey: "ci/e2e", FailureClass: stopdecision.ClassInfra, SignalHash: "sig"})
	require.NoError(t, err)
	assert.Equal(t, stopdecision.Hold, second.Decision)
	assert.Equal(t, stopdecision.ReasonRepeatedSignal, second.ReasonCode)
	assert.Equal(t, stopdecision.NextGenerateFixPrompt, second.RecommendedNextStep)
}

func TestRunPlaybook_Succeeds(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	inc := playbook.Incident{Key: incidentKey, Service: "checkout"}

	run, err := f.svc.RunPlaybook(ctx, inc, "restart-service", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSucceeded, run.Status)
	assert.EqualValues(t, 1, f.calls.Load())

	again, err := f.svc.RunPlaybook(ctx, inc, "restart-service", nil)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, run.RunKey, again.RunKey)
	assert.EqualValues(t, 1, f.calls.Load())

	events, err := f.svc.GetAuditTrail(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		audit.EventRunPlanned, audit.EventStepStarted, audit.EventStepSucceeded, audit.EventRunSucceeded,
	}, eventTypes(events))
}

func TestRunPlaybook_GoverningIssue(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		path    []lifecycle.State
		kind    contracts.ErrorKind
		blocked bool
	}{
		{name: "active issue runs", path: []lifecycle.State{lifecycle.SpecReady, lifecycle.Implementing}},
		{name: "hold blocks", path: []lifecycle.State{lifecycle.Hold}, kind: contracts.KindPolicyViolation, blocked: true},
		{name: "killed blocks", path: []lifecycle.State{lifecycle.Killed}, kind: contracts.KindTerminalStateViolation, blocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := defaultFixture(t)
			_, err := f.svc.CreateIssue(ctx, "ISS-9", "")
			require.NoError(t, err)
			prev := lifecycle.Created
			for _, s := range tt.path {
				_, err := f.svc.Transition(ctx, "ISS-9", prev, s, TransitionOptions{})
				require.NoError(t, err)
				prev = s
			}

			inc := playbook.Incident{Key: incidentKey, Service: "checkout", IssueID: "ISS-9"}
			run, err := f.svc.RunPlaybook(ctx, inc, "restart-service", nil)
			if !tt.blocked {
				require.NoError(t, err)
				assert.Equal(t, contracts.RunSucceeded, run.Status)
				return
			}
			require.Error(t, err)
			assert.Nil(t, run)
			assert.Equal(t, tt.kind, contracts.KindOf(err))
			assert.Zero(t, f.calls.Load())

			runs, err := f.store.ListRunsByIncident(ctx, incidentKey)
			require.NoError(t, err)
			assert.Empty(t, runs)

			events, err := f.svc.GetAuditTrail(ctx, "incident:"+incidentKey)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, audit.EventIncidentBlocked, events[0].EventType)
		})
	}
}

func TestRunPlaybook_HoldReason(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-9", "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, "ISS-9", lifecycle.Created, lifecycle.Hold, TransitionOptions{})
	require.NoError(t, err)

	_, err = f.svc.RunPlaybook(ctx, playbook.Incident{Key: incidentKey, IssueID: "ISS-9"}, "restart-service", nil)
	assert.Contains(t, contracts.ReasonsOf(err), ReasonIssueOnHold)
}

func TestRunPlaybook_NotAllowlisted(t *testing.T) {
	f := newFixture(t, []string{ActionRerunCIJob}, stopdecision.DefaultThresholds())
	run, err := f.svc.RunPlaybook(context.Background(), playbook.Incident{Key: incidentKey}, "restart-service", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSkipped, run.Status)
	assert.Equal(t, contracts.ReasonLawbookDenied, run.Reason)
	assert.Equal(t, contracts.KindPolicyViolation, contracts.KindOf(run.Err()))
}

func TestVerifyAndExportAudit(t *testing.T) {
	ctx := context.Background()
	f := defaultFixture(t)
	_, err := f.svc.CreateIssue(ctx, "ISS-1", "")
	require.NoError(t, err)
	_, err = f.svc.RunPlaybook(ctx, playbook.Incident{Key: incidentKey, Service: "checkout"}, "restart-service", nil)
	require.NoError(t, err)

	report, err := f.svc.VerifyAuditTrail(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Events)

	pack, loc, err := f.svc.ExportAudit(ctx, audit.ExportRequest{}, nil)
	require.NoError(t, err)
	assert.Empty(t, loc)
	assert.Equal(t, 5, pack.EventCount)

	dir := t.TempDir()
	_, loc, err = f.svc.ExportAudit(ctx, audit.ExportRequest{Subject: "issue:ISS-1"}, audit.DirSink{Dir: dir})
	require.NoError(t, err)
	require.NotEmpty(t, loc)
	_, err = os.Stat(loc)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(loc))
}

func TestListPlaybooks(t *testing.T) {
	f := defaultFixture(t)
	defs := f.svc.ListPlaybooks()
	require.Len(t, defs, 1)
	assert.Equal(t, "restart-service", defs[0].ID)
}

func TestWaitForGreen(t *testing.T) {
	ctx := context.Background()
	th := stopdecision.DefaultThresholds()
	th.MaxWaitForGreen = 200 * time.Millisecond
	f := newFixture(t, []string{ActionRerunCIJob}, th)
	f.svc.poll = 5 * time.Millisecond

	var polls atomic.Int64
	green := stopdecision.CheckPollerFunc(func(context.Context) (stopdecision.CheckStatus, error) {
		if polls.Add(1) < 3 {
			return stopdecision.ChecksPending, nil
		}
		return stopdecision.ChecksSuccess, nil
	})
	res, err := f.svc.WaitForGreen(ctx, "ci/build", green)
	require.NoError(t, err)
	assert.Equal(t, stopdecision.WaitSuccess, res.Outcome)
	assert.Equal(t, 3, res.Polls)

	pending := stopdecision.CheckPollerFunc(func(context.Context) (stopdecision.CheckStatus, error) {
		return stopdecision.ChecksPending, nil
	})
	res, err = f.svc.WaitForGreen(ctx, "ci/build", pending)
	require.NoError(t, err)
	assert.Equal(t, stopdecision.WaitTimeout, res.Outcome)

	events, err := f.svc.GetAuditTrail(ctx, "stop:ci/build")
	require.NoError(t, err)
	assert.Equal(t, []string{audit.EventChecksWaited, audit.EventChecksWaited}, eventTypes(events))
}
