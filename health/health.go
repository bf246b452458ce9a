// Package health runs named checks against the broker connection and the
// result store and folds them into one status.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of a check, ordered healthy < degraded < unhealthy
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is what one Checker reports. Name and TookMs are filled in
// by the Registry.
type CheckResult struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	TookMs  int64          `json:"tookMs"`
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	CheckedAt time.Time              `json:"checkedAt"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Checker is a single named health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (f funcChecker) Name() string                          { return f.name }
func (f funcChecker) Check(ctx context.Context) CheckResult { return f.fn(ctx) }

// Func turns fn into a Checker called name
func Func(name string, fn func(ctx context.Context) CheckResult) Checker {
	return funcChecker{name: name, fn: fn}
}

// Option configures a Registry
type Option func(*Registry)

// WithMetadata adds a key reported with every Report
func WithMetadata(key, value string) Option {
	return func(r *Registry) {
		r.metadata[key] = value
	}
}

// Registry holds the checks behind GET /health and the health command
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	metadata map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{metadata: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checker. A checker with the same name is replaced in place.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.checkers {
		if c.Name() == checker.Name() {
			r.checkers[i] = checker
			return
		}
	}
	r.checkers = append(r.checkers, checker)
}

// Check runs every check concurrently and reports the worst status. Checks
// still running when ctx ends are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		CheckedAt: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(checkers)),
		Metadata:  r.metadata,
	}

	done := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			start := time.Now()
			res := c.Check(ctx)
			res.Name = c.Name()
			res.TookMs = time.Since(start).Milliseconds()
			done <- res
		}(c)
	}

	for range checkers {
		select {
		case res := <-done:
			report.record(res)
		case <-ctx.Done():
			for _, c := range checkers {
				if _, ok := report.Checks[c.Name()]; !ok {
					report.record(CheckResult{
						Name:    c.Name(),
						Status:  StatusUnhealthy,
						Message: "check timed out",
						Error:   ctx.Err().Error(),
					})
				}
			}
			return report
		}
	}
	return report
}

func (r *Report) record(res CheckResult) {
	r.Checks[res.Name] = res
	if res.Status.severity() > r.Status.severity() {
		r.Status = res.Status
	}
}
