// Package health aggregates liveness information from the client
// subsystems: the nearby pipeline, the spatial cache, and the remote
// collaborator.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the health status of a subsystem.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one subsystem check.
type CheckResult struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// Check performs one subsystem check.
type Check func(ctx context.Context) CheckResult

// Subsystem is a checkable part of the client.
type Subsystem struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker runs subsystem checks and aggregates the results.
type Checker struct {
	mu         sync.RWMutex
	subsystems map[string]*Subsystem
	results    map[string]CheckResult
}

const defaultCheckTimeout = 5 * time.Second

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		subsystems: make(map[string]*Subsystem),
		results:    make(map[string]CheckResult),
	}
}

// Register adds a subsystem to the checker, replacing any previous
// registration with the same name.
func (c *Checker) Register(s *Subsystem) {
	if s.Timeout <= 0 {
		s.Timeout = defaultCheckTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subsystems[s.Name] = s
}

// RegisterFunc registers a check under a name.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Subsystem{Name: name, Critical: critical, Check: check})
}

// Check runs all registered checks concurrently and returns the
// results by subsystem name. Panicking or hanging checks count as
// unhealthy instead of taking the caller down with them.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	subsystems := make([]*Subsystem, 0, len(c.subsystems))
	for _, s := range c.subsystems {
		subsystems = append(subsystems, s)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, s := range subsystems {
		wg.Add(1)
		go func(s *Subsystem) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, s.Timeout)
			defer cancel()

			start := time.Now()
			result := runCheck(checkCtx, s.Check)
			result.LastChecked = start
			result.Duration = time.Since(start)

			resultsMu.Lock()
			results[s.Name] = result
			resultsMu.Unlock()
		}(s)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		c.results[name] = r
	}
	c.mu.Unlock()
	return results
}

func runCheck(ctx context.Context, check Check) CheckResult {
	var result CheckResult
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result = CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
			close(done)
		}()
		result = check(ctx)
	}()

	select {
	case <-done:
		return result
	case <-ctx.Done():
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   ctx.Err().Error(),
		}
	}
}

// Result returns the most recent result for a subsystem.
func (c *Checker) Result(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[name]
	return r, ok
}

// OverallStatus folds the most recent results into one status. A
// failing critical subsystem makes the whole client unhealthy; a
// failing non-critical one only degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.results) == 0 {
		return StatusUnknown
	}

	overall := StatusHealthy
	for name, r := range c.results {
		if r.Status == StatusHealthy {
			continue
		}
		s, ok := c.subsystems[name]
		if ok && s.Critical && r.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		overall = StatusDegraded
	}
	return overall
}

// Healthy is a convenience result constructor.
func Healthy(message string) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: message}
}

// Degraded is a convenience result constructor.
func Degraded(message string) CheckResult {
	return CheckResult{Status: StatusDegraded, Message: message}
}

// Unhealthy is a convenience result constructor.
func Unhealthy(message string, err error) CheckResult {
	r := CheckResult{Status: StatusUnhealthy, Message: message}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
