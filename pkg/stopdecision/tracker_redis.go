package stopdecision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordFailureScript updates failure timestamps and the signal window atomically.
// KEYS[1] = job hash, KEYS[2] = signal list
// ARGV[1] = failure time (unix nanos), ARGV[2] = signal hash ("" to skip),
// ARGV[3] = window size, ARGV[4] = ttl seconds
var recordFailureScript = redis.NewScript(`
redis.call("HSETNX", KEYS[1], "first_failure", ARGV[1])
redis.call("HSET", KEYS[1], "last_failure", ARGV[1])
if ARGV[2] ~= "" then
    redis.call("RPUSH", KEYS[2], ARGV[2])
    redis.call("LTRIM", KEYS[2], -tonumber(ARGV[3]), -1)
    redis.call("EXPIRE", KEYS[2], tonumber(ARGV[4]))
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[4]))
return 1
`)

// recordRerunScript increments the job and PR counters atomically.
// KEYS[1] = job hash, KEYS[2] = PR counter ("" name skips)
// ARGV[1] = rerun time (unix nanos), ARGV[2] = ttl seconds
var recordRerunScript = redis.NewScript(`
redis.call("HINCRBY", KEYS[1], "attempts", 1)
redis.call("HSET", KEYS[1], "last_rerun", ARGV[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
if KEYS[2] ~= "" then
    redis.call("INCR", KEYS[2])
    redis.call("EXPIRE", KEYS[2], tonumber(ARGV[2]))
end
return 1
`)

// RedisTracker shares attempt counters across stateless control-plane instances.
type RedisTracker struct {
	client *redis.Client
	prefix string
	window int
	ttl    time.Duration
}

// NewRedisTracker creates a tracker backed by Redis.
func NewRedisTracker(addr, password string, db, window int) *RedisTracker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisTrackerWithClient(rdb, window)
}

// NewRedisTrackerWithClient wraps an existing client.
func NewRedisTrackerWithClient(client *redis.Client, window int) *RedisTracker {
	if window <= 0 {
		window = DefaultThresholds().SignalWindow
	}
	return &RedisTracker{client: client, prefix: "autopilot:stop", window: window, ttl: 7 * 24 * time.Hour}
}

// Ping checks connectivity.
func (r *RedisTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisTracker) Close() error { return r.client.Close() }

func (r *RedisTracker) jobKey(job string) string     { return fmt.Sprintf("%s:job:%s", r.prefix, job) }
func (r *RedisTracker) signalsKey(job string) string { return fmt.Sprintf("%s:job:%s:signals", r.prefix, job) }
func (r *RedisTracker) prKey(pr string) string {
	if pr == "" {
		return ""
	}
	return fmt.Sprintf("%s:pr:%s", r.prefix, pr)
}

// RecordFailure implements AttemptTracker.
func (r *RedisTracker) RecordFailure(ctx context.Context, jobKey, _ string, signalHash string, at time.Time) error {
	err := recordFailureScript.Run(ctx, r.client,
		[]string{r.jobKey(jobKey), r.signalsKey(jobKey)},
		at.UnixNano(), signalHash, r.window, int(r.ttl.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("stopdecision: record failure: %w", err)
	}
	return nil
}

// RecordRerun implements AttemptTracker.
func (r *RedisTracker) RecordRerun(ctx context.Context, jobKey, prKey string, at time.Time) error {
	err := recordRerunScript.Run(ctx, r.client,
		[]string{r.jobKey(jobKey), r.prKey(prKey)},
		at.UnixNano(), int(r.ttl.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("stopdecision: record rerun: %w", err)
	}
	return nil
}

// Snapshot implements AttemptTracker.
func (r *RedisTracker) Snapshot(ctx context.Context, jobKey, prKey string) (Snapshot, error) {
	pipe := r.client.Pipeline()
	fields := pipe.HGetAll(ctx, r.jobKey(jobKey))
	signals := pipe.LRange(ctx, r.signalsKey(jobKey), 0, -1)
	var reruns *redis.StringCmd
	if prKey != "" {
		reruns = pipe.Get(ctx, r.prKey(prKey))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("stopdecision: snapshot: %w", err)
	}

	var s Snapshot
	h := fields.Val()
	s.JobAttempts, _ = strconv.Atoi(h["attempts"])
	s.FirstFailureAt = unixNanos(h["first_failure"])
	s.LastFailureAt = unixNanos(h["last_failure"])
	s.LastRerunAt = unixNanos(h["last_rerun"])
	s.SignalHashes = signals.Val()
	if reruns != nil {
		s.PRReruns, _ = strconv.Atoi(reruns.Val())
	}
	return s, nil
}

func unixNanos(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
