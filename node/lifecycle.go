package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ServiceState represents the lifecycle state of a service.
type ServiceState int

const (
	StateCreated  ServiceState = iota // registered but not started
	StateStarting                     // start in progress
	StateRunning                      // running normally
	StateStopping                     // stop in progress
	StateStopped                      // stopped cleanly
	StateFailed                       // failed to start or stop
)

// String returns a human-readable name for the service state.
func (s ServiceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a subsystem that can be started and stopped by the
// lifecycle manager.
type Service interface {
	Start() error
	Stop() error
	Name() string
}

// funcService adapts a pair of functions to Service.
type funcService struct {
	name  string
	start func() error
	stop  func() error
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start() error {
	if s.start == nil {
		return nil
	}
	return s.start()
}

func (s *funcService) Stop() error {
	if s.stop == nil {
		return nil
	}
	return s.stop()
}

// ServiceEntry tracks a registered service and its state.
type ServiceEntry struct {
	Svc       Service
	State     ServiceState
	StartedAt time.Time
	Error     error
	Priority  int // lower value = start first
}

// LifecycleManager starts services in priority order and stops them in
// reverse.
type LifecycleManager struct {
	mu       sync.Mutex
	services []*ServiceEntry
	byName   map[string]*ServiceEntry
}

// NewLifecycleManager creates an empty LifecycleManager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{byName: make(map[string]*ServiceEntry)}
}

// Register adds a service to the manager. Priority determines start order:
// lower values start first.
func (lm *LifecycleManager) Register(svc Service, priority int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.byName[svc.Name()]; exists {
		return fmt.Errorf("service %q already registered", svc.Name())
	}
	entry := &ServiceEntry{
		Svc:      svc,
		State:    StateCreated,
		Priority: priority,
	}
	lm.services = append(lm.services, entry)
	lm.byName[svc.Name()] = entry
	return nil
}

// StartAll starts all registered services in priority order (ascending).
// It stops at the first failure, stops the services already started and
// returns the failure.
func (lm *LifecycleManager) StartAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	ordered := lm.sortedServices()
	for i, entry := range ordered {
		entry.State = StateStarting
		if err := entry.Svc.Start(); err != nil {
			entry.State = StateFailed
			entry.Error = err
			startErr := fmt.Errorf("start %s: %w", entry.Svc.Name(), err)
			return errors.Join(append([]error{startErr}, lm.stop(ordered[:i])...)...)
		}
		entry.State = StateRunning
		entry.StartedAt = time.Now()
	}
	return nil
}

// StopAll stops all running services in reverse priority order.
func (lm *LifecycleManager) StopAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return errors.Join(lm.stop(lm.sortedServices())...)
}

// stop stops the running services of ordered, last first. Caller must hold
// lm.mu.
func (lm *LifecycleManager) stop(ordered []*ServiceEntry) []error {
	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		entry := ordered[i]
		if entry.State != StateRunning {
			continue
		}
		entry.State = StateStopping
		if err := entry.Svc.Stop(); err != nil {
			entry.State = StateFailed
			entry.Error = err
			errs = append(errs, fmt.Errorf("stop %s: %w", entry.Svc.Name(), err))
			continue
		}
		entry.State = StateStopped
	}
	return errs
}

// GetState returns the current state of a service by name. Returns
// StateFailed if the service is not found.
func (lm *LifecycleManager) GetState(name string) ServiceState {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, ok := lm.byName[name]
	if !ok {
		return StateFailed
	}
	return entry.State
}

// States returns the state of every service by name.
func (lm *LifecycleManager) States() map[string]ServiceState {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	result := make(map[string]ServiceState, len(lm.services))
	for _, entry := range lm.services {
		result[entry.Svc.Name()] = entry.State
	}
	return result
}

// sortedServices returns a copy of the services slice sorted by priority
// (ascending). Caller must hold lm.mu.
func (lm *LifecycleManager) sortedServices() []*ServiceEntry {
	sorted := make([]*ServiceEntry, len(lm.services))
	copy(sorted, lm.services)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}
