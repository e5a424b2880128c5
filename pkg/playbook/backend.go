package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// ErrNoBackend is returned when no backend handles an action type.
var ErrNoBackend = errors.New("playbook: no backend for action type")

// ActionRequest is what a backend receives for one step.
type ActionRequest struct {
	RunID          string         `json:"run_id"`
	RunKey         string         `json:"run_key"`
	IncidentKey    string         `json:"incident_key"`
	StepID         string         `json:"step_id"`
	ActionType     string         `json:"action_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Inputs         map[string]any `json:"inputs"`
}

// ActionResult is a backend's report. Success false is a step failure even
// when no error is returned.
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// ActionBackend performs the side effect of a step. Backends own any retry
// logic; the executor calls each step exactly once.
type ActionBackend interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// BackendFunc adapts a function to ActionBackend.
type BackendFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

func (f BackendFunc) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// Dispatcher routes requests to backends by action type. Each action type
// has its own token bucket.
type Dispatcher struct {
	mu       sync.Mutex
	backends map[string]ActionBackend
	fallback ActionBackend
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewDispatcher creates a dispatcher allowing rps calls per second per action
// type. rps <= 0 disables limiting.
func NewDispatcher(rps float64, burst int) *Dispatcher {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		backends: make(map[string]ActionBackend),
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Register binds a backend to an action type.
func (d *Dispatcher) Register(actionType string, b ActionBackend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[actionType] = b
}

// SetFallback handles action types without a registered backend.
func (d *Dispatcher) SetFallback(b ActionBackend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = b
}

func (d *Dispatcher) route(actionType string) (ActionBackend, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.backends[actionType]
	if !ok {
		b = d.fallback
	}
	if b == nil {
		return nil, nil
	}
	l, ok := d.limiters[actionType]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[actionType] = l
	}
	return b, l
}

// Execute waits for the action type's limiter and calls its backend.
func (d *Dispatcher) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	b, l := d.route(req.ActionType)
	if b == nil {
		return ActionResult{}, fmt.Errorf("%w: %s", ErrNoBackend, req.ActionType)
	}
	if err := l.Wait(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("rate limit %s: %w", req.ActionType, err)
	}
	return b.Execute(ctx, req)
}

// LogBackend performs no side effect. It logs the request and succeeds,
// which makes it the dry-run backend.
type LogBackend struct {
	Logger *slog.Logger
}

func (b LogBackend) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "dry-run action",
		"action_type", req.ActionType,
		"step_id", req.StepID,
		"run_key", req.RunKey,
		"idempotency_key", req.IdempotencyKey,
	)
	return ActionResult{Success: true, Message: "dry run", Output: map[string]any{"dry_run": true}}, nil
}
