package health

import (
	"context"
	"sync"
	"time"

	"github.com/datazip-inc/olake-cdc/utils"
)

type Report struct {
	Status       Status            `json:"status"`
	Checks       map[string]Result `json:"checks"`
	CheckedAtUTC time.Time         `json:"checked_at_utc"`
}

// Monitor runs a fixed set of checks.
type Monitor struct {
	mu     sync.RWMutex
	checks []Check
}

func NewMonitor(checks ...Check) *Monitor {
	return &Monitor{checks: checks}
}

func (m *Monitor) Add(checks ...Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, checks...)
}

// Run executes every check concurrently; the overall status is the worst one.
func (m *Monitor) Run(ctx context.Context) Report {
	m.mu.RLock()
	checks := append([]Check(nil), m.checks...)
	m.mu.RUnlock()

	results := make([]Result, len(checks))
	runs := make([]func(context.Context) error, 0, len(checks))
	for i, check := range checks {
		runs = append(runs, func(ctx context.Context) error {
			results[i] = check.Check(ctx)
			return nil
		})
	}
	// checks report failures in their Result, never as an error
	_ = utils.ErrExec(ctx, runs...)

	report := Report{
		Status:       Healthy,
		Checks:       make(map[string]Result, len(checks)),
		CheckedAtUTC: time.Now().UTC(),
	}
	for i, check := range checks {
		report.Checks[check.Name()] = results[i]
		report.Status = report.Status.Worse(results[i].Status)
	}
	return report
}

// RunOne executes the named check; found is false for unknown names.
func (m *Monitor) RunOne(ctx context.Context, name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		if check.Name() == name {
			return check.Check(ctx), true
		}
	}
	return Result{}, false
}
