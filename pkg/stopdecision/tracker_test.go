package stopdecision

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseTracker(t *testing.T, tr AttemptTracker, job, pr string) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s, err := tr.Snapshot(ctx, job, pr)
	require.NoError(t, err)
	assert.Zero(t, s.JobAttempts)
	assert.True(t, s.FirstFailureAt.IsZero())

	for i := 0; i < 7; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, tr.RecordFailure(ctx, job, pr, fmt.Sprintf("sig-%d", i), at))
		require.NoError(t, tr.RecordRerun(ctx, job, pr, at.Add(time.Second)))
	}

	s, err = tr.Snapshot(ctx, job, pr)
	require.NoError(t, err)
	assert.Equal(t, 7, s.JobAttempts)
	assert.Equal(t, 7, s.PRReruns)
	assert.True(t, s.FirstFailureAt.Equal(t0))
	assert.True(t, s.LastFailureAt.Equal(t0.Add(6*time.Minute)))
	assert.True(t, s.LastRerunAt.Equal(t0.Add(6*time.Minute+time.Second)))
	assert.Equal(t, []string{"sig-2", "sig-3", "sig-4", "sig-5", "sig-6"}, s.SignalHashes)

	c := s.Apply(Context{JobKey: job, SignalHash: "sig-6"})
	assert.Equal(t, 7, c.CurrentJobAttempts)
	assert.Len(t, c.PreviousSignalHashes, 5)
}

func TestMemoryTracker(t *testing.T) {
	exerciseTracker(t, NewMemoryTracker(5), "job-a", "pr-1")
}

// TestRedisTracker_Integration requires a running Redis and skips otherwise.
func TestRedisTracker_Integration(t *testing.T) {
	tr := NewRedisTracker("localhost:6379", "", 0, 5)
	defer func() { _ = tr.Close() }()
	ctx := context.Background()
	if err := tr.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	job, pr := "job-"+suffix, "pr-"+suffix
	t.Cleanup(func() {
		_ = tr.client.Del(ctx, tr.jobKey(job), tr.signalsKey(job), tr.prKey(pr)).Err()
	})
	exerciseTracker(t, tr, job, pr)
}
