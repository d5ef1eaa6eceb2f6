package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/loykin/conductor/internal/instance"
	"github.com/loykin/conductor/internal/procmgr"
	"github.com/loykin/conductor/internal/tmux"
)

// Default thresholds for the process and workspace checks.
const (
	DefaultCPUThreshold    = 90.0   // percent
	DefaultMemoryThreshold = 2048.0 // MB
	DefaultMinDiskFreeMB   = 500.0
)

// ProcessCheck probes the supervised OS process: CRITICAL when it is gone,
// DEGRADED above resource thresholds.
type ProcessCheck struct {
	PM           *procmgr.Manager
	CPUThreshold float64
	MemThreshold float64 // MB
}

func (p ProcessCheck) Name() string { return "process" }

func (p ProcessCheck) Check(_ context.Context, inst *instance.Instance) Result {
	start := time.Now()
	info, ok := p.PM.GetInfo(inst.IssueID())
	if !ok {
		return result(StatusCritical, "no process information", start, nil)
	}
	if info.Status.Terminal() || !procmgr.PidAlive(info.PID) {
		return result(StatusCritical,
			fmt.Sprintf("process %d is not running (status %s)", info.PID, info.Status), start,
			map[string]any{"pid": info.PID, "process_status": string(info.Status), "return_code": info.ReturnCode})
	}

	cpuLimit := p.CPUThreshold
	if info.Limits.CPUPercent > 0 {
		cpuLimit = info.Limits.CPUPercent
	}
	if cpuLimit <= 0 {
		cpuLimit = DefaultCPUThreshold
	}
	memLimit := p.MemThreshold
	if info.Limits.MemoryMB > 0 {
		memLimit = info.Limits.MemoryMB
	}
	if memLimit <= 0 {
		memLimit = DefaultMemoryThreshold
	}

	details := map[string]any{
		"pid":         info.PID,
		"cpu_percent": info.CPUPercent,
		"memory_mb":   info.MemoryMB,
		"num_threads": info.NumThreads,
	}
	switch {
	case info.CPUPercent > cpuLimit:
		return result(StatusDegraded, fmt.Sprintf("cpu usage %.1f%% exceeds %.1f%%", info.CPUPercent, cpuLimit), start, details)
	case info.MemoryMB > memLimit:
		return result(StatusDegraded, fmt.Sprintf("memory usage %.0fMB exceeds %.0fMB", info.MemoryMB, memLimit), start, details)
	}
	return result(StatusHealthy, "process is running", start, details)
}

// SessionCheck probes the terminal-multiplexer session. An instance without
// a configured session is trivially healthy.
type SessionCheck struct {
	Tmux tmux.Runner
}

func (s SessionCheck) Name() string { return "terminal_session" }

func (s SessionCheck) Check(ctx context.Context, inst *instance.Instance) Result {
	start := time.Now()
	name := inst.TerminalSession()
	if name == "" {
		return result(StatusHealthy, "no terminal session configured", start, nil)
	}
	ok, err := s.Tmux.HasSession(ctx, name)
	if err != nil {
		return result(StatusUnknown, fmt.Sprintf("session query failed: %v", err), start, nil)
	}
	if !ok {
		return result(StatusDegraded, fmt.Sprintf("terminal session %q no longer exists", name), start,
			map[string]any{"session": name})
	}
	info, err := s.Tmux.Info(ctx, name)
	if err != nil {
		return result(StatusDegraded, fmt.Sprintf("session metadata unavailable: %v", err), start,
			map[string]any{"session": name})
	}
	return result(StatusHealthy, "terminal session is alive", start, map[string]any{
		"session":  name,
		"windows":  info.Windows,
		"panes":    info.Panes,
		"attached": info.Attached,
	})
}

// WorkspaceCheck probes the workspace directory: CRITICAL when the path is
// gone, DEGRADED when unconfigured or low on disk.
type WorkspaceCheck struct {
	MinFreeMB float64
}

func (w WorkspaceCheck) Name() string { return "workspace" }

func (w WorkspaceCheck) Check(_ context.Context, inst *instance.Instance) Result {
	start := time.Now()
	path := inst.WorkspacePath()
	if path == "" {
		return result(StatusDegraded, "no workspace path configured", start, nil)
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return result(StatusCritical, fmt.Sprintf("workspace path %s does not exist", path), start,
			map[string]any{"path": path})
	}

	details := map[string]any{"path": path}
	if gi, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		details["git_repo"] = gi.IsDir() || gi.Mode().IsRegular()
	} else {
		details["git_repo"] = false
	}

	minFree := w.MinFreeMB
	if minFree <= 0 {
		minFree = DefaultMinDiskFreeMB
	}
	if usage, err := disk.Usage(path); err == nil {
		freeMB := float64(usage.Free) / 1024 / 1024
		details["disk_free_mb"] = freeMB
		if freeMB < minFree {
			return result(StatusDegraded, fmt.Sprintf("low disk space: %.0fMB free", freeMB), start, details)
		}
	}
	return result(StatusHealthy, "workspace is accessible", start, details)
}

// ResponseCheck performs a bounded round-trip liveness probe through the
// terminal session. Without a session it is a healthy no-op.
type ResponseCheck struct {
	Tmux    tmux.Runner
	Timeout time.Duration
}

func (r ResponseCheck) Name() string { return "responsiveness" }

func (r ResponseCheck) Check(ctx context.Context, inst *instance.Instance) Result {
	start := time.Now()
	name := inst.TerminalSession()
	if name == "" {
		return result(StatusHealthy, "no terminal session to probe", start, nil)
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	before, err := r.Tmux.CapturePane(cctx, name)
	if err != nil {
		return probeFailure(cctx, err, start, name)
	}
	if err := r.Tmux.SendKeys(cctx, name, ""); err != nil {
		return probeFailure(cctx, err, start, name)
	}
	after, err := r.Tmux.CapturePane(cctx, name)
	if err != nil {
		return probeFailure(cctx, err, start, name)
	}
	return result(StatusHealthy, "session round-trip succeeded", start, map[string]any{
		"session":      name,
		"pane_bytes":   len(after),
		"pane_changed": !strings.HasPrefix(after, before) || len(after) != len(before),
	})
}

func probeFailure(ctx context.Context, err error, start time.Time, name string) Result {
	if ctx.Err() != nil {
		return result(StatusDegraded, "responsiveness probe timed out", start, map[string]any{"session": name})
	}
	return result(StatusDegraded, fmt.Sprintf("responsiveness probe failed: %v", err), start,
		map[string]any{"session": name})
}
