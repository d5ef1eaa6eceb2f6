package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/conductor/internal/health"
	"github.com/loykin/conductor/internal/instance"
	"github.com/loykin/conductor/internal/monitor"
	"github.com/loykin/conductor/internal/procmgr"
	"github.com/loykin/conductor/internal/recovery"
	"github.com/loykin/conductor/internal/store"
	"github.com/loykin/conductor/internal/store/sqlite"
	"github.com/loykin/conductor/internal/tmux"
)

// flakyStore wraps a real store and fails the next N write calls.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	failCount int
	calls     int
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.failCount = n
	f.mu.Unlock()
}

func (f *flakyStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failCount > 0 {
		f.failCount--
		return true
	}
	return false
}

func (f *flakyStore) Create(ctx context.Context, rec store.Record) (int64, error) {
	if f.fail() {
		return 0, errors.New("injected create failure")
	}
	return f.Store.Create(ctx, rec)
}

func (f *flakyStore) Update(ctx context.Context, rec store.Record) error {
	if f.fail() {
		return errors.New("injected update failure")
	}
	return f.Store.Update(ctx, rec)
}

func (f *flakyStore) Delete(ctx context.Context, issueID string) error {
	if f.fail() {
		return errors.New("injected delete failure")
	}
	return f.Store.Delete(ctx, issueID)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return st
}

func newTestOrchestrator(t *testing.T, st store.Store) *Orchestrator {
	t.Helper()
	pm := procmgr.New(procmgr.Config{
		StartGrace:   50 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, tmux.NewFake())
	o := New(st, false, pm, nil, tmux.NewFake())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.Cleanup(ctx)
	})
	return o
}

func testOpts(t *testing.T) instance.Options {
	return instance.Options{
		Command:       []string{"sleep", "30"},
		WorkspacePath: filepath.Join(t.TempDir(), "ws"),
		BranchName:    "agent/test",
	}
}

func TestRequiresInitialize(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t))
	ctx := context.Background()
	if _, err := o.CreateInstance(ctx, "x", testOpts(t)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("create: expected ErrNotInitialized, got %v", err)
	}
	if _, _, err := o.GetInstance(ctx, "x"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("get: expected ErrNotInitialized, got %v", err)
	}
	if _, err := o.ListInstances(ctx, true); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("list: expected ErrNotInitialized, got %v", err)
	}
}

func TestCreateGetDestroy(t *testing.T) {
	st := newTestStore(t)
	o := newTestOrchestrator(t, st)
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	opts := testOpts(t)
	inst, err := o.CreateInstance(ctx, "issue-42", opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Status() != instance.StatusRunning {
		t.Fatalf("status = %s, want %s", inst.Status(), instance.StatusRunning)
	}
	if inst.ProcessID() <= 0 {
		t.Fatal("no pid after create")
	}

	// persisted row matches
	rec, err := st.GetByIssueID(ctx, "issue-42")
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if rec.Status != "RUNNING" || !rec.ProcessID.Valid || rec.WorkspacePath != opts.WorkspacePath {
		t.Fatalf("row mismatch: %+v", rec)
	}

	got, ok, err := o.GetInstance(ctx, "issue-42")
	if err != nil || !ok || got != inst {
		t.Fatalf("get: %v %v", ok, err)
	}

	list, err := o.ListInstances(ctx, false)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v, n=%d", err, len(list))
	}

	if err := o.DestroyInstance(ctx, "issue-42"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := st.GetByIssueID(ctx, "issue-42"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("row survived destroy: %v", err)
	}
	if _, ok, _ := o.GetInstance(ctx, "issue-42"); ok {
		t.Fatal("instance still visible after destroy")
	}
}

func TestCreateDuplicate(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t))
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := o.CreateInstance(ctx, "dup", testOpts(t)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := o.CreateInstance(ctx, "dup", testOpts(t)); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	// the original is untouched
	inst, ok, _ := o.GetInstance(ctx, "dup")
	if !ok || inst.Status() != instance.StatusRunning {
		t.Fatal("duplicate create disturbed the original")
	}
}

func TestCreateRollbackOnStartFailure(t *testing.T) {
	st := newTestStore(t)
	o := newTestOrchestrator(t, st)
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	opts := testOpts(t)
	opts.Command = []string{"/nonexistent/agent-binary"}
	if _, err := o.CreateInstance(ctx, "broken", opts); err == nil {
		t.Fatal("expected create failure")
	}

	// no residue: neither cached nor persisted, and the id is reusable
	if _, ok, _ := o.GetInstance(ctx, "broken"); ok {
		t.Fatal("failed create left a cached instance")
	}
	if _, err := st.GetByIssueID(ctx, "broken"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed create left a row: %v", err)
	}
	opts.Command = []string{"sleep", "30"}
	if _, err := o.CreateInstance(ctx, "broken", opts); err != nil {
		t.Fatalf("recreate after rollback: %v", err)
	}
}

func TestCreateRollbackOnSyncFailure(t *testing.T) {
	fs := &flakyStore{Store: newTestStore(t)}
	o := newTestOrchestrator(t, fs)
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	fs.failNext(10) // more than the retry budget
	_, err := o.CreateInstance(ctx, "nosync", testOpts(t))
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if syncErr.IssueID != "nosync" {
		t.Fatalf("SyncError names %q, want nosync", syncErr.IssueID)
	}
	if _, ok, _ := o.GetInstance(ctx, "nosync"); ok {
		t.Fatal("failed create left a cached instance")
	}
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	fs := &flakyStore{Store: newTestStore(t)}
	o := newTestOrchestrator(t, fs)
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	fs.failNext(2) // fewer than the retry budget: the create succeeds
	inst, err := o.CreateInstance(ctx, "transient", testOpts(t))
	if err != nil {
		t.Fatalf("create despite transient failures: %v", err)
	}
	if inst.Status() != instance.StatusRunning {
		t.Fatalf("status = %s", inst.Status())
	}
	if _, err := fs.GetByIssueID(ctx, "transient"); err != nil {
		t.Fatalf("row missing after retried sync: %v", err)
	}
}

func TestDestroyMissing(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t))
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := o.DestroyInstance(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDestroyDeleteFailureKeepsInstanceQueryable(t *testing.T) {
	fs := &flakyStore{Store: newTestStore(t)}
	o := newTestOrchestrator(t, fs)
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := o.CreateInstance(ctx, "sticky", testOpts(t)); err != nil {
		t.Fatalf("create: %v", err)
	}

	fs.failNext(1)
	err := o.DestroyInstance(ctx, "sticky")
	if !errors.Is(err, ErrDestroyFailed) {
		t.Fatalf("expected ErrDestroyFailed, got %v", err)
	}
	// still queryable, and a later destroy succeeds
	if _, ok, _ := o.GetInstance(ctx, "sticky"); !ok {
		t.Fatal("instance vanished despite failed delete")
	}
	if err := o.DestroyInstance(ctx, "sticky"); err != nil {
		t.Fatalf("retry destroy: %v", err)
	}
}

func TestReloadPersistedInstances(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	o1 := newTestOrchestrator(t, st)
	if err := o1.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	inst, err := o1.CreateInstance(ctx, "persist-1", testOpts(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inst.SetStatus(instance.StatusStopped)
	inst.SetProcessID(0)
	if err := o1.SyncInstance(ctx, inst); err != nil {
		t.Fatalf("sync: %v", err)
	}

	o2 := newTestOrchestrator(t, st)
	if err := o2.Initialize(ctx, false); err != nil {
		t.Fatalf("second init: %v", err)
	}
	got, ok, err := o2.GetInstance(ctx, "persist-1")
	if err != nil || !ok {
		t.Fatalf("reload: %v %v", ok, err)
	}
	if got.Status() != instance.StatusStopped {
		t.Fatalf("status = %s, want %s", got.Status(), instance.StatusStopped)
	}
	if got.WorkspacePath() != inst.WorkspacePath() {
		t.Fatal("workspace path lost across reload")
	}
}

func TestZombieRunningDemotedOnLoad(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// persist a RUNNING row whose pid cannot be alive
	rec := store.Record{
		IssueID:       "zombie",
		Status:        "RUNNING",
		WorkspacePath: t.TempDir(),
		CreatedAt:     time.Now().UTC(),
		LastActivity:  time.Now().UTC(),
	}
	rec.ProcessID.Int64 = 2147483646
	rec.ProcessID.Valid = true
	if _, err := st.Create(ctx, rec); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	o := newTestOrchestrator(t, st)
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	inst, ok, err := o.GetInstance(ctx, "zombie")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if inst.Status() != instance.StatusStopped {
		t.Fatalf("status = %s, want %s", inst.Status(), instance.StatusStopped)
	}
	if inst.ProcessID() != 0 {
		t.Fatalf("pid = %d, want 0", inst.ProcessID())
	}
	// the demotion is persisted, not just in memory
	row, err := st.GetByIssueID(ctx, "zombie")
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if row.Status != "STOPPED" || row.ProcessID.Valid {
		t.Fatalf("row not demoted: %+v", row)
	}
}

// criticalCheck always reports the process gone, so any forced cycle
// escalates into recovery.
type criticalCheck struct{}

func (criticalCheck) Name() string { return "process" }

func (criticalCheck) Check(context.Context, *instance.Instance) health.Result {
	return health.Result{Status: health.StatusCritical, Message: "process not running", Timestamp: time.Now()}
}

func newMonitoredOrchestrator(t *testing.T, st store.Store) (*Orchestrator, *monitor.Monitor) {
	t.Helper()
	pm := procmgr.New(procmgr.Config{
		StartGrace:   50 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, tmux.NewFake())
	rec := recovery.NewManager(recovery.Policy{
		MaxAttempts:   3,
		Window:        30 * time.Minute,
		BaseDelay:     time.Millisecond,
		Multiplier:    2.0,
		MaxDelay:      time.Millisecond,
		EscalateAfter: 2,
	})
	mon := monitor.New(monitor.Config{
		Interval:      time.Hour,
		AlertCooldown: time.Hour,
	}, health.NewChecker(time.Second, criticalCheck{}), rec)
	o := New(st, false, pm, mon, tmux.NewFake())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.Cleanup(ctx)
	})
	return o, mon
}

func TestRecoveryOutcomePersisted(t *testing.T) {
	st := newTestStore(t)
	o, mon := newMonitoredOrchestrator(t, st)
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	inst, err := o.CreateInstance(ctx, "recover-1", testOpts(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	oldPID := inst.ProcessID()

	// the critical cycle restarts the process; the row must follow the new pid
	mon.ForceHealthCheck(ctx, inst)

	newPID := inst.ProcessID()
	if newPID <= 0 || newPID == oldPID {
		t.Fatalf("restart did not replace pid: old=%d new=%d", oldPID, newPID)
	}
	row, err := st.GetByIssueID(ctx, "recover-1")
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if row.Status != "RUNNING" {
		t.Fatalf("row status = %s, want RUNNING", row.Status)
	}
	if !row.ProcessID.Valid || row.ProcessID.Int64 != int64(newPID) {
		t.Fatalf("row pid = %+v, want %d", row.ProcessID, newPID)
	}
}

func TestReloadedRunningInstanceIsMonitored(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	live := store.Record{
		IssueID:       "reload-live",
		Status:        "RUNNING",
		WorkspacePath: t.TempDir(),
		CreatedAt:     time.Now().UTC(),
		LastActivity:  time.Now().UTC(),
	}
	live.ProcessID.Int64 = int64(os.Getpid())
	live.ProcessID.Valid = true
	if _, err := st.Create(ctx, live); err != nil {
		t.Fatalf("seed live row: %v", err)
	}
	zombie := store.Record{
		IssueID:       "reload-zombie",
		Status:        "RUNNING",
		WorkspacePath: t.TempDir(),
		CreatedAt:     time.Now().UTC(),
		LastActivity:  time.Now().UTC(),
	}
	zombie.ProcessID.Int64 = 2147483646
	zombie.ProcessID.Valid = true
	if _, err := st.Create(ctx, zombie); err != nil {
		t.Fatalf("seed zombie row: %v", err)
	}

	o, mon := newMonitoredOrchestrator(t, st)
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !mon.IsMonitoring("reload-live") {
		t.Fatal("reloaded running instance is not monitored")
	}
	if mon.IsMonitoring("reload-zombie") {
		t.Fatal("demoted instance should not be monitored")
	}
}

func TestLazyLoad(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	o1 := newTestOrchestrator(t, st)
	if err := o1.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	inst, err := o1.CreateInstance(ctx, "lazy-1", testOpts(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inst.SetStatus(instance.StatusStopped)
	inst.SetProcessID(0)
	if err := o1.SyncInstance(ctx, inst); err != nil {
		t.Fatalf("sync: %v", err)
	}

	o2 := newTestOrchestrator(t, st)
	if err := o2.Initialize(ctx, true); err != nil {
		t.Fatalf("lazy init: %v", err)
	}
	list, err := o2.ListInstances(ctx, false)
	if err != nil || len(list) != 0 {
		t.Fatalf("cache should start empty: %v, n=%d", err, len(list))
	}
	if _, ok, err := o2.GetInstance(ctx, "lazy-1"); err != nil || !ok {
		t.Fatalf("lazy get: %v %v", ok, err)
	}
	// subsequent list sees the lazily loaded instance
	list, _ = o2.ListInstances(ctx, false)
	if len(list) != 1 {
		t.Fatalf("list after lazy get: n=%d", len(list))
	}
}

func TestGetMissingIsNotAnError(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t))
	ctx := context.Background()
	if err := o.Initialize(ctx, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	inst, ok, err := o.GetInstance(ctx, "nobody")
	if err != nil {
		t.Fatalf("missing record returned error: %v", err)
	}
	if ok || inst != nil {
		t.Fatalf("missing record visible: %v %v", inst, ok)
	}
}

func TestSyncErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &SyncError{IssueID: "i1", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("SyncError does not unwrap its cause")
	}
	if err.Error() == "" {
		t.Fatal("empty error string")
	}
}
