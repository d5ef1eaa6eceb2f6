package conductor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/conductor/internal/alert"
	"github.com/loykin/conductor/internal/config"
	"github.com/loykin/conductor/internal/health"
	"github.com/loykin/conductor/internal/instance"
	"github.com/loykin/conductor/internal/metrics"
	"github.com/loykin/conductor/internal/monitor"
	"github.com/loykin/conductor/internal/orchestrator"
	"github.com/loykin/conductor/internal/procmgr"
	"github.com/loykin/conductor/internal/recovery"
	"github.com/loykin/conductor/internal/server"
	"github.com/loykin/conductor/internal/store"
	"github.com/loykin/conductor/internal/store/factory"
	"github.com/loykin/conductor/internal/tmux"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = config.Config

type Instance = instance.Instance

type InstanceOptions = instance.Options

type InstanceStatus = instance.Status

type HealthResult = health.Result

type HealthStatus = health.Status

type RecoveryAttempt = recovery.Attempt

type RecoveryPolicy = recovery.Policy

type ProcessInfo = procmgr.Info

type SyncError = orchestrator.SyncError

// LoadConfig reads a TOML daemon configuration.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// System is the application context: one process manager, health monitor,
// recovery manager and orchestrator, constructed once at process start and
// passed by reference to outer layers.
type System struct {
	cfg  *config.Config
	st   store.Store
	pm   *procmgr.Manager
	rec  *recovery.Manager
	mon  *monitor.Monitor
	orch *orchestrator.Orchestrator
	srv  *http.Server
}

// New builds a System from cfg, opening the store named by the DSN.
func New(cfg *config.Config) (*System, error) {
	st, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return build(cfg, st, true)
}

// NewWithStore builds a System around an injected store session. The caller
// remains responsible for closing it.
func NewWithStore(cfg *config.Config, st store.Store) (*System, error) {
	return build(cfg, st, false)
}

func build(cfg *config.Config, st store.Store, ownStore bool) (*System, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	runner := tmux.Runner(tmux.Exec{})

	pm := procmgr.New(procmgr.Config{
		GracefulTimeout: cfg.Process.GracefulTimeout,
		StartGrace:      cfg.Process.StartGrace,
		PollInterval:    cfg.Process.PollInterval,
		SampleInterval:  cfg.Process.SampleInterval,
		Log:             cfg.Process.Log,
	}, runner)
	pm.SetSampleHook(metrics.SetProcessSample)

	checker := health.NewChecker(cfg.Health.CheckTimeout,
		health.ProcessCheck{PM: pm, CPUThreshold: cfg.Health.CPUThreshold, MemThreshold: cfg.Health.MemoryThreshold},
		health.SessionCheck{Tmux: runner},
		health.WorkspaceCheck{MinFreeMB: cfg.Health.MinDiskFreeMB},
		health.ResponseCheck{Tmux: runner, Timeout: cfg.Health.ResponseTimeout},
	)
	rec := recovery.NewManager(cfg.Recovery)
	mon := monitor.New(monitor.Config{
		Interval:      cfg.Monitor.Interval,
		AlertCooldown: cfg.Monitor.AlertCooldown,
		HistoryCap:    cfg.Monitor.HistoryCap,
	}, checker, rec, alert.LogSink{}, alert.StoreSink{Store: st})

	orch := orchestrator.New(st, ownStore, pm, mon, runner)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &System{cfg: cfg, st: st, pm: pm, rec: rec, mon: mon, orch: orch}, nil
}

// Initialize validates persistence, loads instances per the lazy-load
// setting, and starts the HTTP surface when enabled.
func (s *System) Initialize(ctx context.Context) error {
	if err := s.orch.Initialize(ctx, s.cfg.Store.LazyLoad); err != nil {
		return err
	}
	if s.cfg.Server.Enabled {
		r := server.NewRouter(s.orch, s.mon, s.rec, s.pm, s.st, s.cfg.Server.BasePath)
		s.srv = server.NewServer(s.cfg.Server.Listen, r)
	}
	return nil
}

func (s *System) CreateInstance(ctx context.Context, issueID string, opts InstanceOptions) (*Instance, error) {
	inst, err := s.orch.CreateInstance(ctx, issueID, opts)
	if err == nil {
		s.refreshInstanceGauge(ctx)
	}
	return inst, err
}

func (s *System) DestroyInstance(ctx context.Context, issueID string) error {
	err := s.orch.DestroyInstance(ctx, issueID)
	if err == nil {
		// only drop recovery state once the instance is really gone; a failed
		// destroy leaves it live and still under recovery budget
		s.rec.Forget(issueID)
		metrics.DropProcessSample(issueID)
		s.refreshInstanceGauge(ctx)
	}
	return err
}

// refreshInstanceGauge recounts cached instances per status.
func (s *System) refreshInstanceGauge(ctx context.Context) {
	insts, err := s.orch.ListInstances(ctx, false)
	if err != nil {
		return
	}
	counts := map[instance.Status]int{
		instance.StatusInitializing: 0,
		instance.StatusRunning:      0,
		instance.StatusStopped:      0,
		instance.StatusError:        0,
	}
	for _, inst := range insts {
		counts[inst.Status()]++
	}
	for st, n := range counts {
		metrics.SetInstancesByStatus(string(st), n)
	}
}

func (s *System) GetInstance(ctx context.Context, issueID string) (*Instance, bool, error) {
	return s.orch.GetInstance(ctx, issueID)
}

func (s *System) ListInstances(ctx context.Context, loadAll bool) ([]*Instance, error) {
	return s.orch.ListInstances(ctx, loadAll)
}

// StartInstance starts a stopped instance and persists the transition. On a
// sync error the instance is stopped again: fail fast instead of running in
// a state the database does not reflect.
func (s *System) StartInstance(ctx context.Context, issueID string) error {
	inst, ok, err := s.orch.GetInstance(ctx, issueID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("start %s: %w", issueID, store.ErrNotFound)
	}
	if err := inst.Start(ctx); err != nil {
		return err
	}
	if err := s.orch.SyncInstance(ctx, inst); err != nil {
		return s.failFast(ctx, inst, err)
	}
	s.refreshInstanceGauge(ctx)
	return nil
}

// StopInstance stops a running instance and persists the transition, with
// the same fail-fast contract as StartInstance.
func (s *System) StopInstance(ctx context.Context, issueID string) error {
	inst, ok, err := s.orch.GetInstance(ctx, issueID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stop %s: %w", issueID, store.ErrNotFound)
	}
	if err := inst.Stop(ctx); err != nil {
		return err
	}
	if err := s.orch.SyncInstance(ctx, inst); err != nil {
		return s.failFast(ctx, inst, err)
	}
	s.refreshInstanceGauge(ctx)
	return nil
}

// failFast terminates the instance after an exhausted sync so it never keeps
// running against state the database no longer reflects.
func (s *System) failFast(ctx context.Context, inst *Instance, syncErr error) error {
	var se *SyncError
	if errors.As(syncErr, &se) {
		_ = inst.Stop(ctx)
		inst.SetStatus(instance.StatusError)
	}
	return syncErr
}

// ForceHealthCheck runs one synchronous health cycle for issueID.
func (s *System) ForceHealthCheck(ctx context.Context, issueID string) (map[string]HealthResult, error) {
	inst, ok, err := s.orch.GetInstance(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("health check %s: %w", issueID, store.ErrNotFound)
	}
	return s.mon.ForceHealthCheck(ctx, inst), nil
}

// RecoveryHistory returns the recorded attempts for issueID.
func (s *System) RecoveryHistory(issueID string) []RecoveryAttempt {
	return s.rec.History(issueID)
}

// Uptime returns the healthy percentage over the retained monitoring window.
func (s *System) Uptime(issueID string) float64 {
	return s.mon.Uptime(issueID)
}

// Shutdown tears the system down: HTTP surface, monitoring loops, live
// instances, process supervision, and the store when owned.
func (s *System) Shutdown(ctx context.Context) {
	if s.srv != nil {
		_ = s.srv.Shutdown(ctx)
		s.srv = nil
	}
	s.orch.Cleanup(ctx)
}
