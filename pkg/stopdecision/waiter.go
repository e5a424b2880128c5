package stopdecision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CheckStatus is one poll result for a set of CI checks.
type CheckStatus string

const (
	ChecksPending CheckStatus = "PENDING"
	ChecksSuccess CheckStatus = "SUCCESS"
	ChecksFailure CheckStatus = "FAILURE"
)

// CheckPoller reports the aggregate status of CI checks.
type CheckPoller interface {
	Poll(ctx context.Context) (CheckStatus, error)
}

// CheckPollerFunc adapts a function to CheckPoller.
type CheckPollerFunc func(ctx context.Context) (CheckStatus, error)

// Poll implements CheckPoller.
func (f CheckPollerFunc) Poll(ctx context.Context) (CheckStatus, error) { return f(ctx) }

// WaitOutcome is how a wait ended.
type WaitOutcome string

const (
	WaitSuccess  WaitOutcome = "SUCCESS"
	WaitFailure  WaitOutcome = "FAILURE"
	WaitTimeout  WaitOutcome = "TIMEOUT"
	WaitCanceled WaitOutcome = "CANCELED"
)

// WaitResult summarizes a bounded wait.
type WaitResult struct {
	Outcome WaitOutcome
	Polls   int
	Elapsed time.Duration
	// LastError is the most recent poll error, if any poll failed.
	LastError error
}

var errChecksPending = errors.New("checks pending")

// WaitForChecks polls at a fixed interval until the checks reach a definitive
// status or maxWait elapses. Poll errors are treated as pending. It returns
// an error only when the caller's context ends first.
func WaitForChecks(ctx context.Context, poller CheckPoller, interval, maxWait time.Duration) (WaitResult, error) {
	if interval <= 0 || maxWait <= 0 {
		return WaitResult{}, fmt.Errorf("stopdecision: interval and max wait must be positive")
	}
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	var (
		res    WaitResult
		status CheckStatus
	)
	op := func() error {
		res.Polls++
		st, err := poller.Poll(waitCtx)
		if err != nil {
			res.LastError = err
			return err
		}
		if st == ChecksSuccess || st == ChecksFailure {
			status = st
			return nil
		}
		return errChecksPending
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx))
	res.Elapsed = time.Since(start)
	switch {
	case err == nil && status == ChecksSuccess:
		res.Outcome = WaitSuccess
	case err == nil:
		res.Outcome = WaitFailure
	case ctx.Err() != nil:
		res.Outcome = WaitCanceled
		return res, ctx.Err()
	default:
		res.Outcome = WaitTimeout
	}
	return res, nil
}
