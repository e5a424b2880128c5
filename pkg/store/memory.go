package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*contracts.RemediationRun // id -> run
	runKeys map[string]string                    // run_key -> id
	steps   map[string][]contracts.RemediationStep
	events  []contracts.AuditEvent
	issues  map[string]*contracts.Issue
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*contracts.RemediationRun),
		runKeys: make(map[string]string),
		steps:   make(map[string][]contracts.RemediationStep),
		issues:  make(map[string]*contracts.Issue),
	}
}

// GetRunByKey implements RunStore.
func (m *MemoryStore) GetRunByKey(_ context.Context, runKey string) (*contracts.RemediationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.runKeys[runKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(m.runs[id]), nil
}

// GetRun implements RunStore.
func (m *MemoryStore) GetRun(_ context.Context, id string) (*contracts.RemediationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

// CreateRunIfAbsent implements RunStore.
func (m *MemoryStore) CreateRunIfAbsent(_ context.Context, run *contracts.RemediationRun, steps []contracts.RemediationStep) (*contracts.RemediationRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.runKeys[run.RunKey]; ok {
		return cloneRun(m.runs[id]), false, nil
	}
	if _, ok := m.runs[run.ID]; ok {
		return nil, false, fmt.Errorf("store: run id %s already used by another run key", run.ID)
	}
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.StepID] {
			return nil, false, fmt.Errorf("store: duplicate step id %s", s.StepID)
		}
		seen[s.StepID] = true
	}

	m.runs[run.ID] = cloneRun(run)
	m.runKeys[run.RunKey] = run.ID
	stored := make([]contracts.RemediationStep, len(steps))
	for i, s := range steps {
		stored[i] = cloneStep(s)
	}
	m.steps[run.ID] = stored
	return cloneRun(run), true, nil
}

// UpdateRun implements RunStore.
func (m *MemoryStore) UpdateRun(_ context.Context, run *contracts.RemediationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateStep implements RunStore.
func (m *MemoryStore) UpdateStep(_ context.Context, step *contracts.RemediationStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[step.RunID]
	for i := range steps {
		if steps[i].StepID == step.StepID {
			steps[i] = cloneStep(*step)
			return nil
		}
	}
	return ErrNotFound
}

// ListSteps implements RunStore.
func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]contracts.RemediationStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.RemediationStep, 0, len(m.steps[runID]))
	for _, s := range m.steps[runID] {
		out = append(out, cloneStep(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// ListRunsByIncident implements RunStore.
func (m *MemoryStore) ListRunsByIncident(_ context.Context, incidentKey string) ([]contracts.RemediationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.RemediationRun
	for _, r := range m.runs {
		if r.IncidentKey == incidentKey {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Append implements AuditStore.
func (m *MemoryStore) Append(_ context.Context, ev contracts.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Sequence != uint64(len(m.events))+1 {
		return fmt.Errorf("%w: sequence %d, head is %d", ErrConflict, ev.Sequence, len(m.events))
	}
	ev.Payload = append([]byte(nil), ev.Payload...)
	m.events = append(m.events, ev)
	return nil
}

// Head implements AuditStore.
func (m *MemoryStore) Head(_ context.Context) (*contracts.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	ev := m.events[len(m.events)-1]
	return &ev, nil
}

// ListBySubject implements AuditStore.
func (m *MemoryStore) ListBySubject(_ context.Context, subject string) ([]contracts.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.AuditEvent
	for _, ev := range m.events {
		if ev.Subject == subject {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ListAll implements AuditStore.
func (m *MemoryStore) ListAll(_ context.Context) ([]contracts.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]contracts.AuditEvent(nil), m.events...), nil
}

// CreateIssue implements IssueStore.
func (m *MemoryStore) CreateIssue(_ context.Context, issue contracts.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[issue.ID]; ok {
		return fmt.Errorf("%w: issue %s", ErrAlreadyExists, issue.ID)
	}
	if issue.Version == 0 {
		issue.Version = 1
	}
	m.issues[issue.ID] = &issue
	return nil
}

// GetIssue implements IssueStore.
func (m *MemoryStore) GetIssue(_ context.Context, id string) (*contracts.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	is, ok := m.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *is
	return &c, nil
}

// CompareAndSetState implements IssueStore.
func (m *MemoryStore) CompareAndSetState(_ context.Context, id, from, to string, at time.Time) (*contracts.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	if is.State != from {
		return nil, fmt.Errorf("%w: issue %s is %s, expected %s", ErrConflict, id, is.State, from)
	}
	is.State = to
	is.Version++
	is.UpdatedAt = at
	c := *is
	return &c, nil
}
