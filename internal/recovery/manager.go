package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/conductor/internal/health"
	"github.com/loykin/conductor/internal/metrics"
)

// DefaultHistoryCap bounds the per-instance attempt history.
const DefaultHistoryCap = 20

// Attempt records one recovery action, successful or not. Failed recovery is
// data, not control flow.
type Attempt struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Strategy   Strategy       `json:"strategy"`
	Timestamp  time.Time      `json:"timestamp"`
	Success    bool           `json:"success"`
	Error      string         `json:"error_message,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Details    map[string]any `json:"details,omitempty"`
}

// Managed is the instance surface recovery drives. instance.Instance
// satisfies it.
type Managed interface {
	IssueID() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
	IsRunning() bool
}

// Manager decides whether and how to recover unhealthy instances and
// executes the chosen strategy, serializing attempts per instance.
type Manager struct {
	mu         sync.Mutex
	policy     Policy
	history    map[string][]Attempt
	locks      map[string]*sync.Mutex
	historyCap int
}

func NewManager(policy Policy) *Manager {
	return &Manager{
		policy:     policy.withDefaults(),
		history:    make(map[string][]Attempt),
		locks:      make(map[string]*sync.Mutex),
		historyCap: DefaultHistoryCap,
	}
}

// ShouldRecover applies the policy to the instance's windowed history.
func (m *Manager) ShouldRecover(instanceID string, overall health.Status) bool {
	m.mu.Lock()
	hist := m.history[instanceID]
	m.mu.Unlock()
	return m.policy.ShouldRecover(overall, hist, time.Now())
}

// lockFor returns the per-instance lock, creating it on first use.
func (m *Manager) lockFor(instanceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[instanceID] = l
	}
	return l
}

// Recover executes the policy's strategy for inst. Concurrent calls for the
// same instance serialize on a per-instance lock; any failure is captured in
// the returned attempt rather than propagated.
func (m *Manager) Recover(ctx context.Context, inst Managed) Attempt {
	id := inst.IssueID()
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	hist := m.history[id]
	m.mu.Unlock()
	strategy := m.policy.StrategyFor(hist, time.Now())
	return m.attempt(ctx, inst, strategy)
}

func (m *Manager) attempt(ctx context.Context, inst Managed, strategy Strategy) Attempt {
	id := inst.IssueID()
	start := time.Now()
	attempt := Attempt{
		ID:         uuid.NewString(),
		InstanceID: id,
		Strategy:   strategy,
		Timestamp:  start,
	}
	if strategy == StrategyNone {
		// no automated action; recording it would burn attempt budget
		slog.Info("recovery policy selected no action", "instance", id)
		return attempt
	}

	err := m.execute(ctx, inst, strategy)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = err.Error()
		slog.Warn("recovery attempt failed", "instance", id, "strategy", string(strategy), "error", err)
	} else if strategy == StrategyRestart || strategy == StrategyRecreate {
		attempt.Success = inst.IsRunning()
		if !attempt.Success {
			attempt.Error = "instance not running after recovery"
		}
	}
	m.append(id, attempt)
	metrics.ObserveRecovery(string(strategy), attempt.Success)
	slog.Info("recovery attempt recorded",
		"instance", id, "strategy", string(strategy), "success", attempt.Success)
	return attempt
}

func (m *Manager) execute(ctx context.Context, inst Managed, strategy Strategy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery panicked: %v", r)
		}
	}()
	switch strategy {
	case StrategyRestart:
		if err := inst.Stop(ctx); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err := inst.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	case StrategyRecreate:
		if err := inst.Cleanup(ctx); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		if err := inst.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		if err := inst.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	case StrategyManual:
		return fmt.Errorf("manual intervention required for %s", inst.IssueID())
	}
	return nil
}

// append records an attempt, evicting the oldest past the cap.
func (m *Manager) append(instanceID string, a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[instanceID], a)
	if len(hist) > m.historyCap {
		hist = hist[len(hist)-m.historyCap:]
	}
	m.history[instanceID] = hist
}

// History returns a read-only copy of the attempt history for instanceID.
func (m *Manager) History(instanceID string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.history[instanceID]
	out := make([]Attempt, len(hist))
	copy(out, hist)
	return out
}

// Forget drops history and the per-instance lock, used on destroy.
func (m *Manager) Forget(instanceID string) {
	m.mu.Lock()
	delete(m.history, instanceID)
	delete(m.locks, instanceID)
	m.mu.Unlock()
}
