// Package stopdecision governs CI rerun loops: given attempt counters, timing
// and the recent failure signals for a job, it decides whether rerunning is
// still worth it.
package stopdecision

import (
	"fmt"
	"slices"
	"time"
)

// Decision is the verdict for a rerun loop.
type Decision string

const (
	Continue Decision = "CONTINUE"
	Hold     Decision = "HOLD"
	Kill     Decision = "KILL"
)

// ReasonCode names the rule that produced a decision.
type ReasonCode string

// Reason codes in evaluation priority; the first triggered rule wins.
const (
	ReasonMaxAttempts     ReasonCode = "MAX_ATTEMPTS"
	ReasonMaxTotalReruns  ReasonCode = "MAX_TOTAL_RERUNS"
	ReasonMaxWaitExceeded ReasonCode = "MAX_WAIT_EXCEEDED"
	ReasonNonRetriable    ReasonCode = "NON_RETRIABLE_FAILURE"
	ReasonRepeatedSignal  ReasonCode = "REPEATED_FAILURE_SIGNAL"
	ReasonCooldownActive  ReasonCode = "COOLDOWN_ACTIVE"
	ReasonPolicyBlocked   ReasonCode = "POLICY_BLOCKED"
	ReasonRetryAllowed    ReasonCode = "RETRY_ALLOWED"
)

// NextStep is the recommended follow-up for the caller.
type NextStep string

const (
	NextGenerateFixPrompt NextStep = "GENERATE_FIX_PROMPT"
	NextManualReview      NextStep = "MANUAL_REVIEW"
	NextFixRequired       NextStep = "FIX_REQUIRED"
	NextWait              NextStep = "WAIT"
)

// FailureClass is the classifier's label for a CI failure.
type FailureClass string

const (
	ClassFlaky       FailureClass = "FLAKY"
	ClassInfra       FailureClass = "INFRA"
	ClassTimeout     FailureClass = "TIMEOUT"
	ClassTestFailure FailureClass = "TEST_FAILURE"
	ClassLint        FailureClass = "LINT"
	ClassBuild       FailureClass = "BUILD"
	ClassTypecheck   FailureClass = "TYPECHECK"
	ClassSecurity    FailureClass = "SECURITY"
	ClassUnknown     FailureClass = "UNKNOWN"
)

// Outcome is the decision and next step a reason code maps to.
type Outcome struct {
	Decision Decision `json:"decision" mapstructure:"decision"`
	NextStep NextStep `json:"next_step" mapstructure:"next_step"`
}

// Thresholds configures the evaluator.
type Thresholds struct {
	MaxRerunsPerJob     int                    `json:"max_reruns_per_job"`
	MaxTotalRerunsPerPR int                    `json:"max_total_reruns_per_pr"`
	MaxWaitForGreen     time.Duration          `json:"max_wait_for_green"`
	Cooldown            time.Duration          `json:"cooldown"`
	SignalWindow        int                    `json:"signal_window"`
	RepeatThreshold     int                    `json:"repeat_threshold"`
	NonRetriable        []FailureClass         `json:"non_retriable"`
	Outcomes            map[ReasonCode]Outcome `json:"-"`
}

// DefaultOutcomes is the reason-code mapping used when Thresholds.Outcomes
// does not override a code.
func DefaultOutcomes() map[ReasonCode]Outcome {
	return map[ReasonCode]Outcome{
		ReasonMaxAttempts:     {Kill, NextManualReview},
		ReasonMaxTotalReruns:  {Kill, NextManualReview},
		ReasonMaxWaitExceeded: {Hold, NextManualReview},
		ReasonNonRetriable:    {Kill, NextFixRequired},
		ReasonRepeatedSignal:  {Hold, NextGenerateFixPrompt},
		ReasonCooldownActive:  {Hold, NextWait},
		ReasonPolicyBlocked:   {Hold, NextManualReview},
		ReasonRetryAllowed:    {Continue, NextWait},
	}
}

// DefaultThresholds returns conservative production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRerunsPerJob:     3,
		MaxTotalRerunsPerPR: 10,
		MaxWaitForGreen:     45 * time.Minute,
		Cooldown:            2 * time.Minute,
		SignalWindow:        5,
		RepeatThreshold:     1,
		NonRetriable:        []FailureClass{ClassTestFailure, ClassLint, ClassBuild, ClassTypecheck, ClassSecurity},
	}
}

// Validate rejects thresholds that would disable a bound.
func (t Thresholds) Validate() error {
	switch {
	case t.MaxRerunsPerJob <= 0:
		return fmt.Errorf("stopdecision: max reruns per job must be positive")
	case t.MaxTotalRerunsPerPR <= 0:
		return fmt.Errorf("stopdecision: max total reruns per PR must be positive")
	case t.MaxWaitForGreen <= 0:
		return fmt.Errorf("stopdecision: max wait for green must be positive")
	case t.Cooldown < 0:
		return fmt.Errorf("stopdecision: cooldown must not be negative")
	case t.SignalWindow <= 0 || t.RepeatThreshold <= 0:
		return fmt.Errorf("stopdecision: signal window and repeat threshold must be positive")
	}
	for code, o := range t.Outcomes {
		switch o.Decision {
		case Continue, Hold, Kill:
		default:
			return fmt.Errorf("stopdecision: outcome for %s has unknown decision %q", code, o.Decision)
		}
	}
	return nil
}

func (t Thresholds) outcome(code ReasonCode) Outcome {
	if o, ok := t.Outcomes[code]; ok {
		return o
	}
	return DefaultOutcomes()[code]
}

// Context is one evaluation input.
type Context struct {
	JobKey               string       `json:"job_key"`
	PRKey                string       `json:"pr_key,omitempty"`
	FailureClass         FailureClass `json:"failure_class"`
	SignalHash           string       `json:"signal_hash,omitempty"`
	CurrentJobAttempts   int          `json:"current_job_attempts"`
	TotalPRReruns        int          `json:"total_pr_reruns"`
	FirstFailureAt       time.Time    `json:"first_failure_at,omitempty"`
	LastFailureAt        time.Time    `json:"last_failure_at,omitempty"`
	LastRerunAt          time.Time    `json:"last_rerun_at,omitempty"`
	PreviousSignalHashes []string     `json:"previous_signal_hashes,omitempty"`
	PolicyBlocked        bool         `json:"policy_blocked,omitempty"`
	Now                  time.Time    `json:"now,omitempty"`
}

// AppliedRule records one rule evaluation, triggered or not.
type AppliedRule struct {
	Rule      ReasonCode `json:"rule"`
	Triggered bool       `json:"triggered"`
	Detail    string     `json:"detail"`
}

// AttemptCounts echoes the counters the decision was based on.
type AttemptCounts struct {
	JobAttempts int `json:"job_attempts"`
	PRReruns    int `json:"pr_reruns"`
}

// StopDecision is the evaluator result. It is audited and never mutated.
type StopDecision struct {
	Decision            Decision      `json:"decision"`
	ReasonCode          ReasonCode    `json:"reason_code"`
	RecommendedNextStep NextStep      `json:"recommended_next_step"`
	AttemptCounts       AttemptCounts `json:"attempt_counts"`
	Thresholds          Thresholds    `json:"thresholds"`
	AppliedRules        []AppliedRule `json:"applied_rules"`
	EvaluatedAt         time.Time     `json:"evaluated_at"`
}

// Evaluator is a pure decision function over Context plus Thresholds.
type Evaluator struct {
	thresholds Thresholds
	clock      func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Thresholds returns the configured thresholds.
func (e *Evaluator) Thresholds() Thresholds { return e.thresholds }

// Evaluate runs every rule in priority order and returns the first triggered
// one, or RETRY_ALLOWED. All rules are recorded in AppliedRules.
func (e *Evaluator) Evaluate(c Context) StopDecision {
	now := c.Now
	if now.IsZero() {
		now = e.clock()
	}
	t := e.thresholds

	rules := []AppliedRule{
		e.maxAttempts(c),
		e.maxTotalReruns(c),
		e.maxWait(c, now),
		e.nonRetriable(c),
		e.repeatedSignal(c),
		e.cooldown(c, now),
		{Rule: ReasonPolicyBlocked, Triggered: c.PolicyBlocked, Detail: fmt.Sprintf("policy blocked=%t", c.PolicyBlocked)},
	}

	code := ReasonRetryAllowed
	for _, r := range rules {
		if r.Triggered {
			code = r.Rule
			break
		}
	}
	o := t.outcome(code)

	return StopDecision{
		Decision:            o.Decision,
		ReasonCode:          code,
		RecommendedNextStep: o.NextStep,
		AttemptCounts:       AttemptCounts{JobAttempts: c.CurrentJobAttempts, PRReruns: c.TotalPRReruns},
		Thresholds:          t,
		AppliedRules:        rules,
		EvaluatedAt:         now,
	}
}

func (e *Evaluator) maxAttempts(c Context) AppliedRule {
	limit := e.thresholds.MaxRerunsPerJob
	return AppliedRule{
		Rule:      ReasonMaxAttempts,
		Triggered: c.CurrentJobAttempts >= limit,
		Detail:    fmt.Sprintf("job attempts %d of %d", c.CurrentJobAttempts, limit),
	}
}

func (e *Evaluator) maxTotalReruns(c Context) AppliedRule {
	limit := e.thresholds.MaxTotalRerunsPerPR
	return AppliedRule{
		Rule:      ReasonMaxTotalReruns,
		Triggered: c.TotalPRReruns >= limit,
		Detail:    fmt.Sprintf("PR reruns %d of %d", c.TotalPRReruns, limit),
	}
}

func (e *Evaluator) maxWait(c Context, now time.Time) AppliedRule {
	r := AppliedRule{Rule: ReasonMaxWaitExceeded, Detail: "no first failure recorded"}
	if c.FirstFailureAt.IsZero() {
		return r
	}
	waited := now.Sub(c.FirstFailureAt)
	r.Triggered = waited >= e.thresholds.MaxWaitForGreen
	r.Detail = fmt.Sprintf("waited %s of %s", waited.Round(time.Second), e.thresholds.MaxWaitForGreen)
	return r
}

func (e *Evaluator) nonRetriable(c Context) AppliedRule {
	hit := slices.Contains(e.thresholds.NonRetriable, c.FailureClass)
	return AppliedRule{
		Rule:      ReasonNonRetriable,
		Triggered: hit,
		Detail:    fmt.Sprintf("failure class %s", c.FailureClass),
	}
}

func (e *Evaluator) repeatedSignal(c Context) AppliedRule {
	r := AppliedRule{Rule: ReasonRepeatedSignal, Detail: "no failure signal"}
	if c.SignalHash == "" {
		return r
	}
	window := c.PreviousSignalHashes
	if n := e.thresholds.SignalWindow; len(window) > n {
		window = window[len(window)-n:]
	}
	seen := 0
	for _, h := range window {
		if h == c.SignalHash {
			seen++
		}
	}
	r.Triggered = seen >= e.thresholds.RepeatThreshold
	r.Detail = fmt.Sprintf("signal seen %d times in last %d failures", seen, len(window))
	return r
}

func (e *Evaluator) cooldown(c Context, now time.Time) AppliedRule {
	r := AppliedRule{Rule: ReasonCooldownActive, Detail: "no previous rerun"}
	if c.LastRerunAt.IsZero() {
		return r
	}
	since := now.Sub(c.LastRerunAt)
	r.Triggered = since < e.thresholds.Cooldown
	r.Detail = fmt.Sprintf("%s since last rerun, cooldown %s", since.Round(time.Second), e.thresholds.Cooldown)
	return r
}
