package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/conductor/internal/instance"
	"github.com/loykin/conductor/internal/monitor"
	"github.com/loykin/conductor/internal/procmgr"
	"github.com/loykin/conductor/internal/store"
	"github.com/loykin/conductor/internal/tmux"
)

var (
	ErrNotInitialized = errors.New("orchestrator is not initialized")
	ErrAlreadyExists  = errors.New("instance already exists")
	ErrDestroyFailed  = errors.New("instance destroy failed")
	ErrInitialization = errors.New("orchestrator initialization failed")
)

// SyncError is raised after the retry budget for a database sync is
// exhausted. Callers are expected to fail fast: stop the named instance
// rather than continue inconsistently.
type SyncError struct {
	IssueID string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to sync instance %s to database: %v", e.IssueID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Sync retry bounds.
const (
	syncAttempts  = 3
	syncBaseDelay = 100 * time.Millisecond
)

// Orchestrator owns the issue -> instance mapping, persists lifecycle state
// with retry/fail-fast semantics, and coordinates the process manager and
// health monitor. It is the sole writer for instance rows.
type Orchestrator struct {
	mu          sync.Mutex
	st          store.Store
	ownStore    bool
	pm          *procmgr.Manager
	mon         *monitor.Monitor
	tmux        tmux.Runner
	instances   map[string]*instance.Instance
	initialized bool
}

// New builds an orchestrator around an injected store. When ownStore is
// true, Cleanup closes the store session as well.
func New(st store.Store, ownStore bool, pm *procmgr.Manager, mon *monitor.Monitor, runner tmux.Runner) *Orchestrator {
	o := &Orchestrator{
		st:        st,
		ownStore:  ownStore,
		pm:        pm,
		mon:       mon,
		tmux:      runner,
		instances: make(map[string]*instance.Instance),
	}
	if mon != nil {
		// recovery mutates status/pid outside the orchestrator's own paths;
		// the monitor persists through us so the row keeps mirroring memory
		mon.SetPersist(o.SyncInstance)
	}
	return o
}

// Initialize validates the database session and, unless lazyLoad, eagerly
// loads all persisted instances. A validation failure is fatal: the session
// is closed (when owned) and state reset so a retry starts clean.
func (o *Orchestrator) Initialize(ctx context.Context, lazyLoad bool) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.st.EnsureSchema(ctx); err != nil {
		return o.failInit(fmt.Errorf("%w: ensure schema: %v", ErrInitialization, err))
	}
	if err := o.st.Ping(ctx); err != nil {
		return o.failInit(fmt.Errorf("%w: validation query: %v", ErrInitialization, err))
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()

	if !lazyLoad {
		if err := o.loadAll(ctx); err != nil {
			o.mu.Lock()
			o.initialized = false
			o.instances = make(map[string]*instance.Instance)
			o.mu.Unlock()
			return o.failInit(fmt.Errorf("%w: load instances: %v", ErrInitialization, err))
		}
	}
	slog.Info("orchestrator initialized", "lazy_load", lazyLoad)
	return nil
}

func (o *Orchestrator) failInit(err error) error {
	if o.ownStore {
		_ = o.st.Close()
	}
	o.mu.Lock()
	o.initialized = false
	o.instances = make(map[string]*instance.Instance)
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) requireInit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return ErrNotInitialized
	}
	return nil
}

// loadAll replaces the cache with every persisted instance, validating
// recorded pids against the live OS process table.
func (o *Orchestrator) loadAll(ctx context.Context) error {
	recs, err := o.st.ListAll(ctx, "")
	if err != nil {
		return err
	}
	loaded := make(map[string]*instance.Instance, len(recs))
	for _, rec := range recs {
		inst, err := o.reconstruct(ctx, rec)
		if err != nil {
			return err
		}
		loaded[inst.IssueID()] = inst
	}
	o.mu.Lock()
	o.instances = loaded
	o.mu.Unlock()
	slog.Info("loaded persisted instances", "count", len(loaded))
	return nil
}

// reconstruct rebuilds one in-memory instance from its row. A RUNNING row
// whose recorded pid is gone from the OS is demoted to STOPPED and the
// correction persisted, preventing zombie-running rows after a crash.
func (o *Orchestrator) reconstruct(ctx context.Context, rec store.Record) (*instance.Instance, error) {
	inst, err := instance.FromRecord(rec, o.pm, o.tmux)
	if err != nil {
		return nil, err
	}
	if inst.Status() == instance.StatusRunning {
		pid := inst.ProcessID()
		if pid <= 0 || !procmgr.PidAlive(pid) {
			slog.Warn("demoting zombie-running instance", "instance", inst.IssueID(), "recorded_pid", pid)
			inst.SetStatus(instance.StatusStopped)
			inst.SetProcessID(0)
			if err := o.SyncInstance(ctx, inst); err != nil {
				return nil, err
			}
		}
	}
	if o.mon != nil && inst.Status() == instance.StatusRunning {
		if err := o.mon.StartMonitoring(inst); err != nil {
			slog.Warn("failed to monitor reconstructed instance", "instance", inst.IssueID(), "error", err)
		}
	}
	return inst, nil
}

// GetInstance returns the cached instance, lazily loading by issue id on a
// cache miss. A missing record is (nil, false, nil), never an error.
func (o *Orchestrator) GetInstance(ctx context.Context, issueID string) (*instance.Instance, bool, error) {
	if err := o.requireInit(); err != nil {
		return nil, false, err
	}
	o.mu.Lock()
	inst, ok := o.instances[issueID]
	o.mu.Unlock()
	if ok && inst != nil {
		return inst, true, nil
	}
	if ok {
		// creation in flight; not visible yet
		return nil, false, nil
	}
	rec, err := o.st.GetByIssueID(ctx, issueID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	inst, err = o.reconstruct(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	o.mu.Lock()
	o.instances[issueID] = inst
	o.mu.Unlock()
	return inst, true, nil
}

// ListInstances returns the cache; when the cache is empty and loadAll is
// set it performs one full load first, avoiding repeated full scans.
func (o *Orchestrator) ListInstances(ctx context.Context, loadAll bool) ([]*instance.Instance, error) {
	if err := o.requireInit(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	empty := len(o.instances) == 0
	o.mu.Unlock()
	if empty && loadAll {
		if err := o.loadAll(ctx); err != nil {
			return nil, err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*instance.Instance, 0, len(o.instances))
	for _, inst := range o.instances {
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out, nil
}

// CreateInstance builds, initializes, starts, and persists a new instance.
// Duplicate issue ids fail up front (the orchestrator is the sole writer, so
// the in-memory check suffices). Any failure rolls back: the instance is
// cleaned up and the row removed before the error propagates.
func (o *Orchestrator) CreateInstance(ctx context.Context, issueID string, opts instance.Options) (*instance.Instance, error) {
	if err := o.requireInit(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	if _, ok := o.instances[issueID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("create %s: %w", issueID, ErrAlreadyExists)
	}
	// reserve the key so concurrent creates fail fast
	o.instances[issueID] = nil
	o.mu.Unlock()

	inst := instance.New(issueID, opts, o.pm, o.tmux)
	rollback := func(cause error) error {
		if err := inst.Cleanup(ctx); err != nil {
			slog.Warn("cleanup during create rollback failed", "instance", issueID, "error", err)
		}
		if err := o.st.Delete(ctx, issueID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("row rollback during create failed", "instance", issueID, "error", err)
		}
		o.mu.Lock()
		delete(o.instances, issueID)
		o.mu.Unlock()
		return cause
	}

	if err := inst.Initialize(ctx); err != nil {
		return nil, rollback(fmt.Errorf("create %s: initialize: %w", issueID, err))
	}
	if err := inst.Start(ctx); err != nil {
		return nil, rollback(fmt.Errorf("create %s: start: %w", issueID, err))
	}
	if err := o.SyncInstance(ctx, inst); err != nil {
		return nil, rollback(err)
	}

	o.mu.Lock()
	o.instances[issueID] = inst
	o.mu.Unlock()

	if o.mon != nil {
		if err := o.mon.StartMonitoring(inst); err != nil {
			slog.Warn("failed to start monitoring", "instance", issueID, "error", err)
		}
	}
	slog.Info("created instance", "instance", issueID, "pid", inst.ProcessID())
	return inst, nil
}

// DestroyInstance removes the instance from memory and database. Cleanup
// failures are logged, not fatal; a failed row delete leaves the instance
// queryable and returns an error.
func (o *Orchestrator) DestroyInstance(ctx context.Context, issueID string) error {
	if err := o.requireInit(); err != nil {
		return err
	}
	inst, ok, err := o.GetInstance(ctx, issueID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("destroy %s: %w", issueID, store.ErrNotFound)
	}

	if o.mon != nil {
		o.mon.StopMonitoring(issueID)
	}
	if err := inst.Cleanup(ctx); err != nil {
		slog.Warn("instance cleanup failed during destroy", "instance", issueID, "error", err)
	}

	if err := o.st.Delete(ctx, issueID); err != nil && !errors.Is(err, store.ErrNotFound) {
		// one final cleanup pass, then report failure; the instance stays cached
		if cerr := inst.Cleanup(ctx); cerr != nil {
			slog.Warn("final cleanup pass failed", "instance", issueID, "error", cerr)
		}
		return fmt.Errorf("destroy %s: delete row: %w: %v", issueID, ErrDestroyFailed, err)
	}

	o.mu.Lock()
	delete(o.instances, issueID)
	o.mu.Unlock()
	slog.Info("destroyed instance", "instance", issueID)
	return nil
}

// SyncInstance persists the instance: create-if-absent else update. Transient
// failures are retried with a short increasing delay; after exhaustion a
// SyncError naming the instance is returned — the fail-fast contract the
// calling layer relies on.
func (o *Orchestrator) SyncInstance(ctx context.Context, inst *instance.Instance) error {
	rec, err := inst.ToRecord()
	if err != nil {
		return &SyncError{IssueID: inst.IssueID(), Err: err}
	}
	var lastErr error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		lastErr = o.syncOnce(ctx, rec)
		if lastErr == nil {
			return nil
		}
		slog.Warn("instance sync attempt failed",
			"instance", rec.IssueID, "attempt", attempt, "error", lastErr)
		if attempt < syncAttempts {
			select {
			case <-time.After(time.Duration(attempt) * syncBaseDelay):
			case <-ctx.Done():
				return &SyncError{IssueID: rec.IssueID, Err: ctx.Err()}
			}
		}
	}
	return &SyncError{IssueID: rec.IssueID, Err: lastErr}
}

func (o *Orchestrator) syncOnce(ctx context.Context, rec store.Record) error {
	_, err := o.st.GetByIssueID(ctx, rec.IssueID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_, cerr := o.st.Create(ctx, rec)
		return cerr
	case err != nil:
		return err
	default:
		return o.st.Update(ctx, rec)
	}
}

// Cleanup stops monitoring, cleans up every live instance, and closes the
// database session if the orchestrator opened it. Per-instance failures are
// logged so bookkeeping is always released.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	if o.mon != nil {
		o.mon.StopAll()
	}
	o.mu.Lock()
	insts := make([]*instance.Instance, 0, len(o.instances))
	for _, inst := range o.instances {
		if inst != nil {
			insts = append(insts, inst)
		}
	}
	o.instances = make(map[string]*instance.Instance)
	o.initialized = false
	o.mu.Unlock()

	for _, inst := range insts {
		if err := inst.Cleanup(ctx); err != nil {
			slog.Warn("instance cleanup failed", "instance", inst.IssueID(), "error", err)
		}
	}
	o.pm.CleanupAll(ctx)
	if o.ownStore {
		if err := o.st.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}
	slog.Info("orchestrator cleaned up")
}
