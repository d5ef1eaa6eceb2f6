package recovery

import (
	"math"
	"time"

	"github.com/loykin/conductor/internal/health"
)

// Strategy is the action taken to restore an unhealthy instance.
type Strategy string

const (
	StrategyRestart  Strategy = "restart"  // stop + start
	StrategyRecreate Strategy = "recreate" // cleanup + reinitialize + start
	StrategyManual   Strategy = "manual"   // record only, no automated action
	StrategyNone     Strategy = "none"
)

// Policy bounds autonomous recovery: a max attempt count inside a rolling
// window, exponential backoff between attempts, and deterministic escalation
// from restart to recreate.
type Policy struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Window        time.Duration `mapstructure:"window"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	Multiplier    float64       `mapstructure:"multiplier"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	EscalateAfter int           `mapstructure:"escalate_after"`
}

// DefaultPolicy returns the stock recovery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		Window:        30 * time.Minute,
		BaseDelay:     30 * time.Second,
		Multiplier:    2.0,
		MaxDelay:      10 * time.Minute,
		EscalateAfter: 2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.EscalateAfter <= 0 {
		p.EscalateAfter = d.EscalateAfter
	}
	return p
}

// windowed returns the attempts that fall inside the rolling window.
// Older attempts are ignored entirely.
func (p Policy) windowed(history []Attempt, now time.Time) []Attempt {
	cutoff := now.Add(-p.Window)
	out := make([]Attempt, 0, len(history))
	for _, a := range history {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// backoff returns the minimum gap required after n prior windowed attempts.
func (p Policy) backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1)))
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// ShouldRecover decides whether an automated attempt is allowed right now.
// Only CRITICAL status qualifies; the windowed attempt count and backoff
// since the last attempt bound it further.
func (p Policy) ShouldRecover(overall health.Status, history []Attempt, now time.Time) bool {
	if overall != health.StatusCritical {
		return false
	}
	p = p.withDefaults()
	recent := p.windowed(history, now)
	if len(recent) >= p.MaxAttempts {
		return false
	}
	if len(recent) > 0 {
		last := recent[len(recent)-1].Timestamp
		if now.Sub(last) < p.backoff(len(recent)) {
			return false
		}
	}
	return true
}

// StrategyFor escalates deterministically with the windowed attempt count:
// early attempts restart, later attempts recreate from scratch.
func (p Policy) StrategyFor(history []Attempt, now time.Time) Strategy {
	p = p.withDefaults()
	recent := p.windowed(history, now)
	if len(recent) >= p.MaxAttempts {
		return StrategyManual
	}
	if len(recent) >= p.EscalateAfter {
		return StrategyRecreate
	}
	return StrategyRestart
}
