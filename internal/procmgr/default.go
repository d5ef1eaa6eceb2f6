package procmgr

import (
	"context"
	"sync"
)

var (
	defaultMu  sync.Mutex
	defaultMgr *Manager
)

// Default returns the process-wide Manager, creating it on first use.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr == nil {
		defaultMgr = New(Config{}, nil)
	}
	return defaultMgr
}

// ResetDefault tears down the process-wide Manager and lets the next Default
// call recreate it. Used for full-supervisor restart and test isolation.
func ResetDefault(ctx context.Context) {
	defaultMu.Lock()
	old := defaultMgr
	defaultMgr = nil
	defaultMu.Unlock()
	if old != nil {
		old.CleanupAll(ctx)
	}
}
