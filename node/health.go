package node

import (
	"sync"
	"time"
)

// SubsystemChecker is implemented by subsystems that report their health.
type SubsystemChecker interface {
	Check() *SubsystemHealth
}

// CheckFunc adapts a function to SubsystemChecker.
type CheckFunc func() *SubsystemHealth

// Check calls f.
func (f CheckFunc) Check() *SubsystemHealth { return f() }

// SubsystemHealth describes the health of a single subsystem.
type SubsystemHealth struct {
	Name string `json:"name"`

	// Status is one of "healthy", "degraded", or "unhealthy".
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	// Latency is how long the check took.
	Latency time.Duration `json:"latency"`
}

// HealthReport is the aggregate result of checking all subsystems.
type HealthReport struct {
	// OverallStatus is the worst status of any subsystem.
	OverallStatus string             `json:"status"`
	Subsystems    []*SubsystemHealth `json:"subsystems"`
	CheckedAt     time.Time          `json:"checkedAt"`
	Uptime        time.Duration      `json:"uptime"`
}

// Healthy reports whether every subsystem is healthy.
func (r *HealthReport) Healthy() bool { return r.OverallStatus == StatusHealthy }

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

func healthy(msg string) *SubsystemHealth {
	return &SubsystemHealth{Status: StatusHealthy, Message: msg}
}

func unhealthy(msg string) *SubsystemHealth {
	return &SubsystemHealth{Status: StatusUnhealthy, Message: msg}
}

// HealthChecker aggregates health from registered subsystem checkers.
// All methods are safe for concurrent use.
type HealthChecker struct {
	mu        sync.RWMutex
	checkers  map[string]SubsystemChecker
	order     []string // insertion order
	startTime time.Time
}

// NewHealthChecker creates a new HealthChecker with no registered subsystems.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checkers:  make(map[string]SubsystemChecker),
		startTime: time.Now(),
	}
}

// RegisterSubsystem registers a named subsystem health checker. If a
// checker with the same name already exists, it is replaced.
func (hc *HealthChecker) RegisterSubsystem(name string, checker SubsystemChecker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if _, exists := hc.checkers[name]; !exists {
		hc.order = append(hc.order, name)
	}
	hc.checkers[name] = checker
}

// CheckAll runs all registered health checks in registration order.
func (hc *HealthChecker) CheckAll() *HealthReport {
	hc.mu.RLock()
	names := make([]string, len(hc.order))
	copy(names, hc.order)
	checkers := make(map[string]SubsystemChecker, len(hc.checkers))
	for k, v := range hc.checkers {
		checkers[k] = v
	}
	startTime := hc.startTime
	hc.mu.RUnlock()

	now := time.Now()
	report := &HealthReport{
		OverallStatus: StatusHealthy,
		CheckedAt:     now,
		Uptime:        now.Sub(startTime),
	}
	for _, name := range names {
		start := time.Now()
		health := checkers[name].Check()
		if health == nil {
			health = unhealthy("no report")
		}
		health.Name = name
		health.Latency = time.Since(start)
		report.Subsystems = append(report.Subsystems, health)

		switch health.Status {
		case StatusUnhealthy:
			report.OverallStatus = StatusUnhealthy
		case StatusDegraded:
			if report.OverallStatus != StatusUnhealthy {
				report.OverallStatus = StatusDegraded
			}
		}
	}
	return report
}

// SetStartTime records the node's start time for uptime calculation.
func (hc *HealthChecker) SetStartTime(t time.Time) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.startTime = t
}
