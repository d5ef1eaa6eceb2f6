package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/conductor/internal/procmgr"
	"github.com/loykin/conductor/internal/store"
	"github.com/loykin/conductor/internal/tmux"
)

// Options describe how an instance runs its worker process.
type Options struct {
	Command         []string
	WorkspacePath   string
	BranchName      string
	TerminalSession string
	Env             map[string]string
	Limits          procmgr.Limits
	Metadata        map[string]string
}

// Instance is one supervised unit of work bound to an issue id, a workspace
// and an OS process. The orchestrator owns it exclusively; all mutation goes
// through its methods.
type Instance struct {
	mu           sync.Mutex
	issueID      string
	status       Status
	processID    int
	opts         Options
	createdAt    time.Time
	lastActivity time.Time
	metadata     map[string]string

	pm   *procmgr.Manager
	tmux tmux.Runner
}

func New(issueID string, opts Options, pm *procmgr.Manager, runner tmux.Runner) *Instance {
	now := time.Now()
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	return &Instance{
		issueID:      issueID,
		status:       StatusInitializing,
		opts:         opts,
		createdAt:    now,
		lastActivity: now,
		metadata:     meta,
		pm:           pm,
		tmux:         runner,
	}
}

// Initialize validates the spec and prepares the workspace directory.
func (i *Instance) Initialize(ctx context.Context) error {
	i.mu.Lock()
	opts := i.opts
	i.mu.Unlock()
	if len(opts.Command) == 0 {
		return errors.New("instance has no command")
	}
	if opts.WorkspacePath != "" {
		if err := os.MkdirAll(opts.WorkspacePath, 0o750); err != nil {
			return fmt.Errorf("prepare workspace %s: %w", opts.WorkspacePath, err)
		}
	}
	i.mu.Lock()
	i.status = StatusInitializing
	i.lastActivity = time.Now()
	i.mu.Unlock()
	return nil
}

// Start spawns the worker process and moves the instance to RUNNING.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	opts := i.opts
	id := i.issueID
	i.mu.Unlock()

	info, err := i.pm.Spawn(ctx, id, procmgr.SpawnSpec{
		Command:         opts.Command,
		WorkDir:         opts.WorkspacePath,
		TerminalSession: opts.TerminalSession,
		Env:             opts.Env,
		Limits:          opts.Limits,
	})
	if err != nil {
		i.mu.Lock()
		i.status = StatusError
		i.mu.Unlock()
		return err
	}
	i.mu.Lock()
	i.processID = info.PID
	i.status = StatusRunning
	i.lastActivity = time.Now()
	i.mu.Unlock()
	return nil
}

// Stop terminates the worker process and moves the instance to STOPPED.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	id := i.issueID
	i.mu.Unlock()
	i.pm.Terminate(ctx, id, 0)
	i.mu.Lock()
	i.status = StatusStopped
	i.processID = 0
	i.lastActivity = time.Now()
	i.mu.Unlock()
	return nil
}

// Cleanup releases everything the instance holds: process, terminal session.
// Failures are logged, not returned, so teardown paths always complete.
func (i *Instance) Cleanup(ctx context.Context) error {
	i.mu.Lock()
	id := i.issueID
	session := i.opts.TerminalSession
	i.mu.Unlock()

	i.pm.Terminate(ctx, id, 0)
	if session != "" && i.tmux != nil {
		if err := i.tmux.KillSession(ctx, session); err != nil {
			slog.Warn("failed to kill terminal session", "instance", id, "session", session, "error", err)
		}
	}
	i.mu.Lock()
	i.status = StatusStopped
	i.processID = 0
	i.mu.Unlock()
	return nil
}

// IsRunning reports whether the worker process is live.
func (i *Instance) IsRunning() bool {
	i.mu.Lock()
	id := i.issueID
	i.mu.Unlock()
	return i.pm.IsRunning(id)
}

// ProcessStatus returns the latest supervised-process snapshot, if any.
func (i *Instance) ProcessStatus() (procmgr.Info, bool) {
	i.mu.Lock()
	id := i.issueID
	i.mu.Unlock()
	return i.pm.GetInfo(id)
}

func (i *Instance) IssueID() string {
	return i.issueID
}

func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) SetStatus(s Status) {
	i.mu.Lock()
	i.status = s
	i.lastActivity = time.Now()
	i.mu.Unlock()
}

func (i *Instance) ProcessID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.processID
}

func (i *Instance) SetProcessID(pid int) {
	i.mu.Lock()
	i.processID = pid
	i.mu.Unlock()
}

func (i *Instance) WorkspacePath() string {
	return i.opts.WorkspacePath
}

func (i *Instance) BranchName() string {
	return i.opts.BranchName
}

func (i *Instance) TerminalSession() string {
	return i.opts.TerminalSession
}

func (i *Instance) CreatedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.createdAt
}

func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// Touch bumps last activity.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastActivity = time.Now()
	i.mu.Unlock()
}

// Metadata returns a copy of the metadata map.
func (i *Instance) Metadata() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string, len(i.metadata))
	for k, v := range i.metadata {
		out[k] = v
	}
	return out
}

// Info returns a loosely-typed view for API surfaces and logs.
func (i *Instance) Info() map[string]any {
	i.mu.Lock()
	m := map[string]any{
		"issue_id":         i.issueID,
		"status":           string(i.status),
		"process_id":       i.processID,
		"workspace_path":   i.opts.WorkspacePath,
		"branch_name":      i.opts.BranchName,
		"terminal_session": i.opts.TerminalSession,
		"created_at":       i.createdAt,
		"last_activity":    i.lastActivity,
	}
	i.mu.Unlock()
	if info, ok := i.ProcessStatus(); ok {
		m["process"] = info
	}
	return m
}

// ToRecord converts the instance to its persisted row form.
func (i *Instance) ToRecord() (store.Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	st, err := ToRecordStatus(i.status)
	if err != nil {
		return store.Record{}, err
	}
	rec := store.Record{
		IssueID:         i.issueID,
		Status:          st,
		WorkspacePath:   i.opts.WorkspacePath,
		BranchName:      i.opts.BranchName,
		TerminalSession: i.opts.TerminalSession,
		Metadata:        i.metadata,
		CreatedAt:       i.createdAt,
		LastActivity:    i.lastActivity,
	}
	if i.processID > 0 {
		rec.ProcessID = sql.NullInt64{Int64: int64(i.processID), Valid: true}
	}
	return rec, nil
}

// FromRecord reconstructs an in-memory instance from its persisted row.
// The caller is responsible for liveness validation of the recorded pid.
func FromRecord(rec store.Record, pm *procmgr.Manager, runner tmux.Runner) (*Instance, error) {
	st, err := FromRecordStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	inst := New(rec.IssueID, Options{
		WorkspacePath:   rec.WorkspacePath,
		BranchName:      rec.BranchName,
		TerminalSession: rec.TerminalSession,
		Metadata:        rec.Metadata,
	}, pm, runner)
	inst.mu.Lock()
	inst.status = st
	if rec.ProcessID.Valid {
		inst.processID = int(rec.ProcessID.Int64)
	}
	if !rec.CreatedAt.IsZero() {
		inst.createdAt = rec.CreatedAt
	}
	if !rec.LastActivity.IsZero() {
		inst.lastActivity = rec.LastActivity
	}
	inst.mu.Unlock()
	return inst, nil
}
