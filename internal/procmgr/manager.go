package procmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/conductor/internal/logger"
	"github.com/loykin/conductor/internal/tmux"
)

var (
	ErrAlreadyTracked = errors.New("instance already has a tracked process")
	ErrShuttingDown   = errors.New("process manager is shutting down")
)

// Limits are advisory per-process resource ceilings. They are recorded on the
// Info snapshot and consulted by health checks; they are not enforced by the OS.
type Limits struct {
	CPUPercent float64
	MemoryMB   float64
}

// Info is a point-in-time snapshot of one supervised process.
type Info struct {
	InstanceID      string            `json:"instance_id"`
	PID             int               `json:"pid"`
	Status          Status            `json:"status"`
	Command         []string          `json:"command"`
	WorkDir         string            `json:"working_directory"`
	Env             map[string]string `json:"environment,omitempty"`
	TerminalSession string            `json:"terminal_session,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CPUPercent      float64           `json:"cpu_percent"`
	MemoryMB        float64           `json:"memory_mb"`
	NumThreads      int32             `json:"num_threads"`
	ReturnCode      int               `json:"return_code"`
	ErrMessage      string            `json:"error_message,omitempty"`
	Limits          Limits            `json:"-"`
}

// SpawnSpec describes how to start a process for an instance.
type SpawnSpec struct {
	Command         []string
	WorkDir         string
	TerminalSession string // when set, the command runs inside a detached tmux session
	Env             map[string]string
	Limits          Limits
}

// Config tunes supervision timing. Zero values fall back to defaults.
type Config struct {
	GracefulTimeout time.Duration // wait after SIGTERM before SIGKILL
	StartGrace      time.Duration // survive this long before STARTING -> RUNNING
	PollInterval    time.Duration // liveness poll
	SampleInterval  time.Duration // cpu/mem refresh
	Log             logger.RotateConfig
}

func (c Config) withDefaults() Config {
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 10 * time.Second
	}
	if c.StartGrace <= 0 {
		c.StartGrace = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	return c
}

// Manager owns OS process lifecycle for every instance: spawn, monitor,
// terminate, resource sampling. Its maps are the only cross-goroutine shared
// state and are only mutated through its methods.
type Manager struct {
	mu       sync.Mutex
	procs    map[string]*proc
	shutdown bool
	cfg      Config
	tmux     tmux.Runner
	onSample func(instanceID string, cpu, memMB float64)
}

type proc struct {
	mu     sync.Mutex
	info   Info
	cmd    *exec.Cmd // nil for tmux-managed processes
	done   chan exitResult
	cancel context.CancelFunc
	outW   io.WriteCloser
	errW   io.WriteCloser
}

type exitResult struct {
	code int
	err  error
}

func New(cfg Config, runner tmux.Runner) *Manager {
	if runner == nil {
		runner = tmux.Exec{}
	}
	return &Manager{
		procs: make(map[string]*proc),
		cfg:   cfg.withDefaults(),
		tmux:  runner,
	}
}

// SetSampleHook installs a callback invoked after each cpu/mem refresh,
// used to feed gauges without importing the metrics package here.
func (m *Manager) SetSampleHook(fn func(instanceID string, cpu, memMB float64)) {
	m.mu.Lock()
	m.onSample = fn
	m.mu.Unlock()
}

// Spawn starts a process for instanceID and begins supervising it.
// A failed spawn leaves no partial registration behind.
func (m *Manager) Spawn(ctx context.Context, instanceID string, spec SpawnSpec) (Info, error) {
	if len(spec.Command) == 0 {
		return Info{}, errors.New("empty command")
	}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return Info{}, ErrShuttingDown
	}
	if _, ok := m.procs[instanceID]; ok {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("spawn %s: %w", instanceID, ErrAlreadyTracked)
	}
	// reserve the slot so concurrent spawns for the same instance fail fast
	placeholder := &proc{}
	m.procs[instanceID] = placeholder
	m.mu.Unlock()

	p, err := m.startProcess(ctx, instanceID, spec)
	if err != nil {
		m.mu.Lock()
		delete(m.procs, instanceID)
		m.mu.Unlock()
		return Info{}, err
	}

	m.mu.Lock()
	m.procs[instanceID] = p
	m.mu.Unlock()

	monCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	info := p.info
	p.mu.Unlock()

	go m.monitor(monCtx, instanceID, p)
	slog.Info("spawned process", "instance", instanceID, "pid", info.PID, "session", spec.TerminalSession)
	return info, nil
}

func (m *Manager) startProcess(ctx context.Context, instanceID string, spec SpawnSpec) (*proc, error) {
	now := time.Now()
	base := Info{
		InstanceID:      instanceID,
		Status:          StatusStarting,
		Command:         append([]string(nil), spec.Command...),
		WorkDir:         spec.WorkDir,
		Env:             spec.Env,
		TerminalSession: spec.TerminalSession,
		StartedAt:       now,
		ReturnCode:      -1,
		Limits:          spec.Limits,
	}

	if spec.TerminalSession != "" {
		if err := m.tmux.NewSession(ctx, spec.TerminalSession, spec.WorkDir, spec.Command); err != nil {
			return nil, fmt.Errorf("spawn %s in session: %w", instanceID, err)
		}
		pid, err := m.tmux.PanePID(ctx, spec.TerminalSession)
		if err != nil {
			_ = m.tmux.KillSession(ctx, spec.TerminalSession)
			return nil, fmt.Errorf("spawn %s: resolve pane pid: %w", instanceID, err)
		}
		base.PID = pid
		return &proc{info: base}, nil
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &proc{info: base}
	if m.cfg.Log.Dir != "" {
		outW, errW, err := m.cfg.Log.Writers(instanceID)
		if err == nil {
			p.outW, p.errW = outW, errW
			cmd.Stdout = outW
			cmd.Stderr = errW
		}
	}
	if cmd.Stdout == nil {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("spawn %s: %w", instanceID, err)
	}
	p.cmd = cmd
	p.info.PID = cmd.Process.Pid
	p.done = make(chan exitResult, 1)
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				code = ee.ExitCode()
			}
		}
		p.done <- exitResult{code: code, err: err}
	}()
	return p, nil
}

// monitor polls liveness and refreshes resource usage until the process
// exits or supervision is cancelled.
func (m *Manager) monitor(ctx context.Context, instanceID string, p *proc) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	started := time.Now()
	lastSample := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-p.doneChan():
			if ok {
				m.recordExit(instanceID, p, res)
				return
			}
		case <-ticker.C:
		}

		alive := p.alive()
		p.mu.Lock()
		switch {
		case !alive && p.cmd == nil:
			// tmux-managed: the pane process vanished, session is gone with it
			p.info.Status = StatusStopped
			p.info.ReturnCode = 0
			p.info.ErrMessage = "process exited (terminal pane closed)"
			p.mu.Unlock()
			slog.Info("process exited", "instance", instanceID, "pid", p.info.PID)
			return
		case alive && p.info.Status == StatusStarting && time.Since(started) >= m.cfg.StartGrace:
			p.info.Status = StatusRunning
		}
		p.mu.Unlock()

		if alive && time.Since(lastSample) >= m.cfg.SampleInterval {
			lastSample = time.Now()
			m.sample(instanceID, p)
		}
	}
}

func (p *proc) doneChan() chan exitResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return p.done
	}
	// tmux-managed processes have no wait channel; block this select arm
	return nil
}

func (p *proc) alive() bool {
	p.mu.Lock()
	pid := p.info.PID
	p.mu.Unlock()
	if pid <= 0 {
		return false
	}
	ok, err := gops.PidExists(int32(pid))
	return err == nil && ok
}

func (m *Manager) recordExit(instanceID string, p *proc, res exitResult) {
	p.mu.Lock()
	stopping := p.info.Status == StatusStopping
	if res.code == 0 || stopping {
		p.info.Status = StatusStopped
	} else {
		p.info.Status = StatusCrashed
	}
	p.info.ReturnCode = res.code
	if res.err != nil {
		p.info.ErrMessage = res.err.Error()
	}
	status := p.info.Status
	code := p.info.ReturnCode
	p.mu.Unlock()
	p.closeWriters()
	slog.Info("process exited", "instance", instanceID, "status", string(status), "return_code", code)
}

// sample refreshes cpu/mem/threads via OS inspection. A vanished process or
// denied access is a silent no-op; the liveness poll handles the rest.
func (m *Manager) sample(instanceID string, p *proc) {
	p.mu.Lock()
	pid := p.info.PID
	p.mu.Unlock()
	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	memMB := 0.0
	if mi, err := proc.MemoryInfo(); err == nil {
		memMB = float64(mi.RSS) / 1024 / 1024
	}
	threads, _ := proc.NumThreads()

	p.mu.Lock()
	p.info.CPUPercent = cpu
	p.info.MemoryMB = memMB
	p.info.NumThreads = threads
	p.mu.Unlock()

	m.mu.Lock()
	hook := m.onSample
	m.mu.Unlock()
	if hook != nil {
		hook(instanceID, cpu, memMB)
	}
}

func (p *proc) closeWriters() {
	p.mu.Lock()
	outW, errW := p.outW, p.errW
	p.outW, p.errW = nil, nil
	p.mu.Unlock()
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// Terminate stops the process for instanceID: graceful signal, bounded wait,
// force kill, then bookkeeping release. Unknown instanceIDs return false.
func (m *Manager) Terminate(ctx context.Context, instanceID string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = m.cfg.GracefulTimeout
	}
	m.mu.Lock()
	p, ok := m.procs[instanceID]
	if ok {
		delete(m.procs, instanceID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	p.info.Status = StatusStopping
	pid := p.info.PID
	session := p.info.TerminalSession
	cancel := p.cancel
	p.mu.Unlock()

	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		if !m.waitDead(ctx, p, timeout) {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			m.waitDead(ctx, p, 500*time.Millisecond)
		}
	}
	if session != "" {
		_ = m.tmux.KillSession(ctx, session)
	}
	if cancel != nil {
		cancel()
	}
	p.closeWriters()
	p.mu.Lock()
	if !p.info.Status.Terminal() {
		p.info.Status = StatusStopped
	}
	p.mu.Unlock()
	slog.Info("terminated process", "instance", instanceID, "pid", pid)
	return true
}

func (m *Manager) waitDead(ctx context.Context, p *proc, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case res, ok := <-p.doneChan():
			if ok {
				m.recordExitQuiet(p, res)
				return true
			}
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
		if !p.alive() {
			return true
		}
	}
	return !p.alive()
}

func (m *Manager) recordExitQuiet(p *proc, res exitResult) {
	p.mu.Lock()
	p.info.Status = StatusStopped
	p.info.ReturnCode = res.code
	if res.err != nil {
		p.info.ErrMessage = res.err.Error()
	}
	p.mu.Unlock()
}

// GetInfo returns a snapshot for instanceID.
func (m *Manager) GetInfo(instanceID string) (Info, bool) {
	m.mu.Lock()
	p, ok := m.procs[instanceID]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	p.mu.Lock()
	info := p.info
	info.Command = append([]string(nil), p.info.Command...)
	p.mu.Unlock()
	return info, true
}

// ListProcesses returns snapshots for every tracked process.
func (m *Manager) ListProcesses() map[string]Info {
	m.mu.Lock()
	procs := make(map[string]*proc, len(m.procs))
	for id, p := range m.procs {
		procs[id] = p
	}
	m.mu.Unlock()
	out := make(map[string]Info, len(procs))
	for id, p := range procs {
		p.mu.Lock()
		out[id] = p.info
		p.mu.Unlock()
	}
	return out
}

// IsRunning reports whether instanceID has a live supervised process.
func (m *Manager) IsRunning(instanceID string) bool {
	m.mu.Lock()
	p, ok := m.procs[instanceID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	st := p.info.Status
	p.mu.Unlock()
	return (st == StatusStarting || st == StatusRunning) && p.alive()
}

// CleanupAll rejects further spawns, terminates every tracked process and
// clears bookkeeping.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Terminate(ctx, id, m.cfg.GracefulTimeout)
	}
}

// PidAlive reports whether pid refers to a live OS process.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gops.PidExists(int32(pid))
	return err == nil && ok
}
