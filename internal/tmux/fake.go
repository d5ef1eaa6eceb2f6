package tmux

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Runner used by tests and by embedders that disable
// the multiplexer entirely.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession

	// SendErr, when set, is returned by SendKeys.
	SendErr error
	// CaptureDelayed, when set, makes CapturePane block until ctx is done.
	CaptureDelayed bool
}

type fakeSession struct {
	workdir string
	command []string
	pid     int
	pane    string
	sent    []string
}

func NewFake() *Fake {
	return &Fake{sessions: make(map[string]*fakeSession)}
}

func (f *Fake) NewSession(_ context.Context, name, workdir string, command []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; ok {
		return fmt.Errorf("duplicate session %s", name)
	}
	f.sessions[name] = &fakeSession{workdir: workdir, command: command, pid: 10000 + len(f.sessions)}
	return nil
}

func (f *Fake) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *Fake) Info(_ context.Context, name string) (SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return SessionInfo{}, fmt.Errorf("tmux session %q not found", name)
	}
	return SessionInfo{Name: name, Windows: 1, Panes: 1}, nil
}

func (f *Fake) PanePID(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return 0, fmt.Errorf("tmux session %q not found", name)
	}
	return s.pid, nil
}

func (f *Fake) SendKeys(_ context.Context, name, keys string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return fmt.Errorf("tmux session %q not found", name)
	}
	s.sent = append(s.sent, keys)
	s.pane += keys + "\n"
	return nil
}

func (f *Fake) CapturePane(ctx context.Context, name string) (string, error) {
	if f.CaptureDelayed {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return "", fmt.Errorf("tmux session %q not found", name)
	}
	return s.pane, nil
}

func (f *Fake) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

// SetPane overrides the captured pane content for tests.
func (f *Fake) SetPane(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.pane = content
	}
}

// Sent returns keys sent to the named session.
func (f *Fake) Sent(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil
	}
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}
