package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/conductor/internal/alert"
	"github.com/loykin/conductor/internal/health"
	"github.com/loykin/conductor/internal/instance"
	"github.com/loykin/conductor/internal/metrics"
	"github.com/loykin/conductor/internal/recovery"
)

// Defaults for the periodic loop.
const (
	DefaultInterval      = 30 * time.Second
	DefaultAlertCooldown = 5 * time.Minute
	DefaultHistoryCap    = 50
)

// Config tunes the monitor. Zero values fall back to defaults.
type Config struct {
	Interval      time.Duration
	AlertCooldown time.Duration
	HistoryCap    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = DefaultAlertCooldown
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	return c
}

// cycle is one recorded health-check round.
type cycle struct {
	at      time.Time
	overall health.Status
	results map[string]health.Result
}

type entry struct {
	inst      *instance.Instance
	cancel    context.CancelFunc
	history   []cycle
	lastAlert time.Time
}

// Monitor runs one periodic health loop per instance, aggregates check
// results, raises alerts and triggers recovery on CRITICAL.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	checker *health.Checker
	rec     *recovery.Manager
	sinks   []alert.Sink
	entries map[string]*entry
	persist func(ctx context.Context, inst *instance.Instance) error
}

func New(cfg Config, checker *health.Checker, rec *recovery.Manager, sinks ...alert.Sink) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		checker: checker,
		rec:     rec,
		sinks:   sinks,
		entries: make(map[string]*entry),
	}
}

// SetPersist installs the callback that writes an instance back to the
// database after recovery mutates it. The orchestrator installs itself here
// so the persisted row keeps mirroring the live process.
func (m *Monitor) SetPersist(fn func(ctx context.Context, inst *instance.Instance) error) {
	m.mu.Lock()
	m.persist = fn
	m.mu.Unlock()
}

// StartMonitoring begins the periodic loop for inst. Monitoring an instance
// twice is an error.
func (m *Monitor) StartMonitoring(inst *instance.Instance) error {
	id := inst.IssueID()
	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("instance %s is already monitored", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.entries[id] = &entry{inst: inst, cancel: cancel}
	m.mu.Unlock()

	go m.loop(ctx, inst)
	slog.Info("started health monitoring", "instance", id, "interval", m.cfg.Interval)
	return nil
}

func (m *Monitor) loop(ctx context.Context, inst *instance.Instance) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// one bad iteration must never kill the loop
			m.runCycle(ctx, inst)
		}
	}
}

// ForceHealthCheck runs one cycle synchronously and returns the results.
func (m *Monitor) ForceHealthCheck(ctx context.Context, inst *instance.Instance) map[string]health.Result {
	return m.runCycle(ctx, inst)
}

func (m *Monitor) runCycle(ctx context.Context, inst *instance.Instance) map[string]health.Result {
	id := inst.IssueID()
	results := m.checkSafely(ctx, inst)
	overall := health.OverallStatus(results)
	m.record(id, cycle{at: time.Now(), overall: overall, results: results})
	for name, r := range results {
		metrics.ObserveHealthCheck(name, string(r.Status))
	}

	switch overall {
	case health.StatusCritical:
		recovered := false
		if m.rec != nil && m.rec.ShouldRecover(id, overall) {
			attempt := m.rec.Recover(ctx, inst)
			recovered = attempt.Success
			// recovery changed status/pid; the row must follow
			m.persistInstance(ctx, inst)
		}
		m.alertWithCooldown(ctx, id, alert.LevelCritical,
			fmt.Sprintf("instance %s is critical", id),
			map[string]any{"results": results, "recovered": recovered})
	case health.StatusDegraded:
		// recovery is reserved strictly for CRITICAL
		m.alertWithCooldown(ctx, id, alert.LevelWarning,
			fmt.Sprintf("instance %s is degraded", id),
			map[string]any{"results": results})
	}
	return results
}

func (m *Monitor) persistInstance(ctx context.Context, inst *instance.Instance) {
	m.mu.Lock()
	persist := m.persist
	m.mu.Unlock()
	if persist == nil {
		return
	}
	if err := persist(ctx, inst); err != nil {
		slog.Warn("failed to persist instance after recovery",
			"instance", inst.IssueID(), "error", err)
	}
}

// checkSafely shields the loop from a misbehaving checker: a panic yields an
// empty result set instead of propagating.
func (m *Monitor) checkSafely(ctx context.Context, inst *instance.Instance) (results map[string]health.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("health checker panicked", "instance", inst.IssueID(), "panic", r)
			results = map[string]health.Result{}
		}
	}()
	return m.checker.CheckHealth(ctx, inst)
}

func (m *Monitor) record(id string, c cycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		// force checks on unmonitored instances keep no history
		return
	}
	e.history = append(e.history, c)
	if len(e.history) > m.cfg.HistoryCap {
		e.history = e.history[len(e.history)-m.cfg.HistoryCap:]
	}
}

// alertWithCooldown sends to every sink unless the per-instance cooldown is
// still active. Sink failures are logged, never fatal.
func (m *Monitor) alertWithCooldown(ctx context.Context, id string, level alert.Level, msg string, details map[string]any) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		if time.Since(e.lastAlert) < m.cfg.AlertCooldown {
			m.mu.Unlock()
			return
		}
		e.lastAlert = time.Now()
	}
	sinks := m.sinks
	m.mu.Unlock()

	a := alert.New(id, level, msg, details)
	metrics.ObserveAlert(string(level))
	for _, s := range sinks {
		if err := s.Send(ctx, a); err != nil {
			slog.Warn("alert sink failed", "instance", id, "error", err)
		}
	}
}

// Uptime returns healthy/total over the retained history window for id.
// Returns 0 when no history exists.
func (m *Monitor) Uptime(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || len(e.history) == 0 {
		return 0
	}
	healthy := 0
	for _, c := range e.history {
		if c.overall == health.StatusHealthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(e.history)) * 100
}

// History returns the retained cycle statuses for id, oldest first.
func (m *Monitor) History(id string) []health.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	out := make([]health.Status, len(e.history))
	for idx, c := range e.history {
		out[idx] = c.overall
	}
	return out
}

// IsMonitoring reports whether id has an active loop.
func (m *Monitor) IsMonitoring(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// StopMonitoring cancels the loop for id and clears bookkeeping. Stopping an
// unmonitored instance is a no-op.
func (m *Monitor) StopMonitoring(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if ok && e.cancel != nil {
		// cancel tolerates already-cancelled loops
		e.cancel()
	}
	if ok {
		slog.Info("stopped health monitoring", "instance", id)
	}
}

// StopAll stops every per-instance loop.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopMonitoring(id)
	}
}
