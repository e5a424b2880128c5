package stopdecision

import (
	"context"
	"sync"
	"time"
)

// Snapshot is what a tracker knows about a job and its pull request.
type Snapshot struct {
	JobAttempts    int
	PRReruns       int
	FirstFailureAt time.Time
	LastFailureAt  time.Time
	LastRerunAt    time.Time
	// SignalHashes holds the recent failure signals, oldest first.
	SignalHashes []string
}

// AttemptTracker persists rerun counters between evaluations. Implementations
// must be safe for concurrent use across instances.
type AttemptTracker interface {
	RecordFailure(ctx context.Context, jobKey, prKey, signalHash string, at time.Time) error
	RecordRerun(ctx context.Context, jobKey, prKey string, at time.Time) error
	Snapshot(ctx context.Context, jobKey, prKey string) (Snapshot, error)
}

// Apply copies a snapshot into an evaluation context.
func (s Snapshot) Apply(c Context) Context {
	c.CurrentJobAttempts = s.JobAttempts
	c.TotalPRReruns = s.PRReruns
	c.FirstFailureAt = s.FirstFailureAt
	c.LastFailureAt = s.LastFailureAt
	c.LastRerunAt = s.LastRerunAt
	c.PreviousSignalHashes = append([]string(nil), s.SignalHashes...)
	return c
}

type jobState struct {
	attempts    int
	first       time.Time
	lastFailure time.Time
	lastRerun   time.Time
	signals     []string
}

// MemoryTracker is an in-process AttemptTracker for single-instance use and tests.
type MemoryTracker struct {
	mu     sync.Mutex
	window int
	jobs   map[string]*jobState
	prs    map[string]int
}

// NewMemoryTracker keeps at most window signal hashes per job.
func NewMemoryTracker(window int) *MemoryTracker {
	if window <= 0 {
		window = DefaultThresholds().SignalWindow
	}
	return &MemoryTracker{window: window, jobs: make(map[string]*jobState), prs: make(map[string]int)}
}

func (m *MemoryTracker) job(key string) *jobState {
	j, ok := m.jobs[key]
	if !ok {
		j = &jobState{}
		m.jobs[key] = j
	}
	return j
}

// RecordFailure implements AttemptTracker.
func (m *MemoryTracker) RecordFailure(_ context.Context, jobKey, _ string, signalHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobKey)
	if j.first.IsZero() {
		j.first = at
	}
	j.lastFailure = at
	if signalHash != "" {
		j.signals = append(j.signals, signalHash)
		if len(j.signals) > m.window {
			j.signals = j.signals[len(j.signals)-m.window:]
		}
	}
	return nil
}

// RecordRerun implements AttemptTracker.
func (m *MemoryTracker) RecordRerun(_ context.Context, jobKey, prKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobKey)
	j.attempts++
	j.lastRerun = at
	if prKey != "" {
		m.prs[prKey]++
	}
	return nil
}

// Snapshot implements AttemptTracker.
func (m *MemoryTracker) Snapshot(_ context.Context, jobKey, prKey string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{PRReruns: m.prs[prKey]}
	if j, ok := m.jobs[jobKey]; ok {
		s.JobAttempts = j.attempts
		s.FirstFailureAt = j.first
		s.LastFailureAt = j.lastFailure
		s.LastRerunAt = j.lastRerun
		s.SignalHashes = append([]string(nil), j.signals...)
	}
	return s, nil
}
