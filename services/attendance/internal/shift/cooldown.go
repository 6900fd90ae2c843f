// Package shift owns the shift lifecycle: the controller state machine, the
// post-commit cooldown, duration timers, and auto-end reconciliation against
// the backend.
package shift

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"shiftd/pkg/kv"
)

// Cooldown defaults.
const (
	// DoubleTapWindow rejects a second tap within this window as accidental.
	DoubleTapWindow = 2 * time.Second
	// DefaultCooldown is the post-commit lockout.
	DefaultCooldown = 30 * time.Second

	cooldownTick = time.Second
)

// Rejection reasons reported by Check.
const (
	ReasonDoubleTap = "double_tap"
	ReasonCooldown  = "cooldown"
)

// Decision is the guard's verdict on one action attempt.
type Decision struct {
	Allowed   bool
	Reason    string
	Remaining time.Duration
}

// CooldownGuard throttles shift actions: a 2s double-tap window plus a
// persisted post-commit lockout that survives restarts.
type CooldownGuard struct {
	store  kv.Store
	key    string
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastTap  time.Time
	until    time.Time
	tickStop chan struct{}

	// OnTick reports the remaining lockout once per second while armed. It
	// is cosmetic; correctness never depends on it firing.
	OnTick func(remaining time.Duration)
}

// NewCooldownGuard restores any persisted lockout deadline from the store.
func NewCooldownGuard(store kv.Store, key string, logger *log.Logger) (*CooldownGuard, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	if key == "" {
		key = kv.KeyShiftCooldown
	}
	if logger == nil {
		logger = log.Default()
	}

	g := &CooldownGuard{store: store, key: key, logger: logger, now: time.Now}

	raw, err := store.Get(context.Background(), key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		logger.Printf("WARN cooldown state unreadable, starting clear: %v", err)
	default:
		until, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			logger.Printf("WARN cooldown state corrupt, starting clear: %v", perr)
		} else {
			g.until = until
		}
	}

	return g, nil
}

// Check records the tap and decides whether the action may proceed.
func (g *CooldownGuard) Check() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if !g.lastTap.IsZero() && now.Sub(g.lastTap) < DoubleTapWindow {
		return Decision{Reason: ReasonDoubleTap, Remaining: DoubleTapWindow - now.Sub(g.lastTap)}
	}

	if now.Before(g.until) {
		return Decision{Reason: ReasonCooldown, Remaining: g.until.Sub(now)}
	}

	// Recorded only once both gates pass, so a tap rejected by the lockout
	// never turns the next honest attempt into a double-tap rejection.
	g.lastTap = now

	return Decision{Allowed: true}
}

// Arm sets the post-commit lockout and persists the deadline. The cosmetic
// remaining-time tick restarts for the new deadline.
func (g *CooldownGuard) Arm(ctx context.Context, d time.Duration) {
	g.mu.Lock()
	g.until = g.now().Add(d)
	until := g.until
	g.stopTick()
	stop := make(chan struct{})
	g.tickStop = stop
	g.mu.Unlock()

	if err := g.store.Set(ctx, g.key, until.Format(time.RFC3339Nano)); err != nil {
		g.logger.Printf("WARN cooldown deadline not persisted: %v", err)
	}

	go g.tick(until, stop)
}

func (g *CooldownGuard) tick(until time.Time, stop chan struct{}) {
	ticker := time.NewTicker(cooldownTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			remaining := until.Sub(g.now())
			if remaining <= 0 {
				return
			}
			if g.OnTick != nil {
				g.OnTick(remaining)
			}
		}
	}
}

// Remaining reports how much lockout is left, zero when clear.
func (g *CooldownGuard) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.until.Sub(g.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear drops the lockout and its persisted deadline.
func (g *CooldownGuard) Clear(ctx context.Context) {
	g.mu.Lock()
	g.until = time.Time{}
	g.stopTick()
	g.mu.Unlock()

	if err := g.store.Delete(ctx, g.key); err != nil {
		g.logger.Printf("WARN cooldown state not cleared: %v", err)
	}
}

// stopTick must be called with g.mu held.
func (g *CooldownGuard) stopTick() {
	if g.tickStop != nil {
		close(g.tickStop)
		g.tickStop = nil
	}
}
