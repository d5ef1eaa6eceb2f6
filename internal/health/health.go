package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/conductor/internal/instance"
)

// Status is the outcome of a single-dimension probe.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// severity orders statuses for the worst-of reduction. Higher is worse.
var severity = map[Status]int{
	StatusUnknown:  0,
	StatusHealthy:  1,
	StatusDegraded: 2,
	StatusCritical: 3,
}

// Result is one immutable check outcome.
type Result struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
}

// Check probes one dimension of instance health.
type Check interface {
	Name() string
	Check(ctx context.Context, inst *instance.Instance) Result
}

// Checker fans a fixed check set out concurrently, each under its own
// timeout, and returns a name -> result map.
type Checker struct {
	checks  []Check
	timeout time.Duration
}

func NewChecker(timeout time.Duration, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{checks: checks, timeout: timeout}
}

// CheckHealth runs every check against inst. Each check gets its own timeout;
// a check overrunning it yields an UNKNOWN result rather than blocking others.
func (c *Checker) CheckHealth(ctx context.Context, inst *instance.Instance) map[string]Result {
	results := make(map[string]Result, len(c.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, chk := range c.checks {
		wg.Add(1)
		go func(chk Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := time.Now()
			done := make(chan Result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- Result{
							Status:    StatusUnknown,
							Message:   fmt.Sprintf("check panicked: %v", r),
							Timestamp: time.Now(),
							Duration:  time.Since(start),
						}
					}
				}()
				done <- chk.Check(cctx, inst)
			}()
			var res Result
			select {
			case res = <-done:
			case <-cctx.Done():
				res = Result{
					Status:    StatusUnknown,
					Message:   "check timed out",
					Timestamp: time.Now(),
					Duration:  time.Since(start),
				}
			}
			mu.Lock()
			results[chk.Name()] = res
			mu.Unlock()
		}(chk)
	}
	wg.Wait()
	return results
}

// OverallStatus reduces a result map to the strict worst status.
// An empty set is UNKNOWN. Independent of map iteration order.
func OverallStatus(results map[string]Result) Status {
	overall := StatusUnknown
	for _, r := range results {
		if severity[r.Status] > severity[overall] {
			overall = r.Status
		}
	}
	return overall
}

func result(st Status, msg string, start time.Time, details map[string]any) Result {
	return Result{
		Status:    st,
		Message:   msg,
		Details:   details,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}
