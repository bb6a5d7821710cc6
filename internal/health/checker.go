// Package health runs periodic self-checks on the daemon's moving parts:
// the history database, the staleness sweeper and the radio transport.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/metrics"
)

// DefaultInterval is how often the checks run.
const DefaultInterval = 15 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a checker running checks every interval.
func NewChecker(interval time.Duration, checks ...Check) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{interval: interval, checks: checks}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

// RunNow runs every check once and returns the results.
func (c *Checker) RunNow(ctx context.Context) []Status {
	c.runAll(ctx)
	return c.Statuses()
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					log.Printf("[health] %s: recovery failed: %v", check.Name, rerr)
				} else if check.CheckFn(ctx) == nil {
					s.Healthy, s.Error = true, ""
				}
			}
		} else {
			s.Healthy = true
		}
		if !s.Healthy {
			log.Printf("[health] %s unhealthy: %s", check.Name, s.Error)
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(boolGauge(s.Healthy))
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ─── Check Implementations ──────────────────────────────────────────────────

// Pinger is satisfied by *sqlite.DB.
type Pinger interface {
	Ping() error
}

// Sweeper is satisfied by *session.Coordinator.
type Sweeper interface {
	Running() bool
	LastSweep() time.Time
	Sweep() []domain.PeerID
}

// Runner reports whether a background component is up.
type Runner interface {
	Running() bool
}

// SQLiteCheck pings the history database. WAL mode recovers on its own, so
// there is no recovery action.
func SQLiteCheck(db Pinger) Check {
	return Check{
		Name: "sqlite",
		CheckFn: func(ctx context.Context) error {
			return db.Ping()
		},
	}
}

// SweeperCheck fails when the staleness sweeper has not run within maxAge.
// Recovery runs one sweep by hand.
func SweeperCheck(s Sweeper, maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return Check{
		Name: "sweeper",
		CheckFn: func(ctx context.Context) error {
			if !s.Running() {
				return errors.New("session coordinator not running")
			}
			if age := now().Sub(s.LastSweep()); age > maxAge {
				return fmt.Errorf("last sweep %s ago (limit %s)", age.Round(time.Millisecond), maxAge)
			}
			return nil
		},
		RecoverFn: func(ctx context.Context) error {
			if !s.Running() {
				return domain.ErrStopped
			}
			s.Sweep()
			return nil
		},
	}
}

// TransportCheck fails when the named transport is not running.
func TransportCheck(name string, r Runner) Check {
	return Check{
		Name: "transport",
		CheckFn: func(ctx context.Context) error {
			if !r.Running() {
				return fmt.Errorf("%s transport not running: %w", name, domain.ErrTransportDown)
			}
			return nil
		},
	}
}
