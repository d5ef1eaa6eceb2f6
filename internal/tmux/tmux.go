package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SessionInfo describes a live multiplexer session.
type SessionInfo struct {
	Name     string
	Windows  int
	Panes    int
	Attached bool
}

// Runner abstracts the terminal multiplexer so process spawning and health
// checks can be exercised without a real tmux server.
type Runner interface {
	// NewSession creates a detached session running command in workdir.
	NewSession(ctx context.Context, name, workdir string, command []string) error
	// HasSession reports whether the named session exists.
	HasSession(ctx context.Context, name string) (bool, error)
	// Info returns window/pane metadata for the named session.
	Info(ctx context.Context, name string) (SessionInfo, error)
	// PanePID returns the PID of the first pane's root process.
	PanePID(ctx context.Context, name string) (int, error)
	// SendKeys types keys into the session's active pane.
	SendKeys(ctx context.Context, name, keys string) error
	// CapturePane returns the current contents of the active pane.
	CapturePane(ctx context.Context, name string) (string, error)
	// KillSession destroys the session. Killing a missing session is not an error.
	KillSession(ctx context.Context, name string) error
}

// Exec shells out to the tmux binary.
type Exec struct {
	// Bin is the tmux executable; defaults to "tmux" on PATH.
	Bin string
}

func (e Exec) bin() string {
	if e.Bin != "" {
		return e.Bin
	}
	return "tmux"
}

func (e Exec) run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, e.bin(), args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (e Exec) NewSession(ctx context.Context, name, workdir string, command []string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	args = append(args, command...)
	_, err := e.run(ctx, args...)
	return err
}

func (e Exec) HasSession(ctx context.Context, name string) (bool, error) {
	err := exec.CommandContext(ctx, e.bin(), "has-session", "-t", name).Run()
	if err == nil {
		return true, nil
	}
	// has-session exits 1 when the session is missing
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (e Exec) Info(ctx context.Context, name string) (SessionInfo, error) {
	out, err := e.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_windows}\t#{session_attached}")
	if err != nil {
		return SessionInfo{}, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 || parts[0] != name {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		attached, _ := strconv.Atoi(parts[2])
		panes, err := e.paneCount(ctx, name)
		if err != nil {
			return SessionInfo{}, err
		}
		return SessionInfo{Name: name, Windows: windows, Panes: panes, Attached: attached > 0}, nil
	}
	return SessionInfo{}, fmt.Errorf("tmux session %q not found", name)
}

func (e Exec) paneCount(ctx context.Context, name string) (int, error) {
	out, err := e.run(ctx, "list-panes", "-s", "-t", name, "-F", "#{pane_id}")
	if err != nil {
		return 0, err
	}
	return len(strings.Fields(out)), nil
}

func (e Exec) PanePID(ctx context.Context, name string) (int, error) {
	out, err := e.run(ctx, "list-panes", "-s", "-t", name, "-F", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("tmux session %q has no panes", name)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("bad pane pid %q: %w", fields[0], err)
	}
	return pid, nil
}

func (e Exec) SendKeys(ctx context.Context, name, keys string) error {
	_, err := e.run(ctx, "send-keys", "-t", name, keys, "Enter")
	return err
}

func (e Exec) CapturePane(ctx context.Context, name string) (string, error) {
	return e.run(ctx, "capture-pane", "-p", "-t", name)
}

func (e Exec) KillSession(ctx context.Context, name string) error {
	ok, err := e.HasSession(ctx, name)
	if err != nil || !ok {
		return err
	}
	_, err = e.run(ctx, "kill-session", "-t", name)
	return err
}
