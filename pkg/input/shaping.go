package input

import (
	"sync"
	"time"
)

// DefaultMoveInterval caps pointer-move traffic at roughly 60 events
// per second. Intermediate moves are dropped, never queued: a stale
// batched move arriving late feels worse than a skipped one.
const DefaultMoveInterval = 16 * time.Millisecond

// Throttle drops pointer moves arriving faster than the configured
// minimum interval. Other event kinds always pass.
type Throttle struct {
	Interval time.Duration // DefaultMoveInterval if zero

	mu       sync.Mutex
	lastMove time.Time
	now      func() time.Time // test hook
}

// Allow reports whether ev should be sent now. It is the sender's
// single admission check: call it per event, drop the event on false.
func (t *Throttle) Allow(ev Event) bool {
	if _, ok := ev.(PointerMove); !ok {
		return true
	}

	interval := t.Interval
	if interval <= 0 {
		interval = DefaultMoveInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if t.now != nil {
		now = t.now()
	}
	if !t.lastMove.IsZero() && now.Sub(t.lastMove) < interval {
		return false
	}
	t.lastMove = now
	return true
}

// KeyTracker suppresses OS key repeat. While a key code is held, only
// the first down event passes; the eventual up always passes and
// re-arms the code.
type KeyTracker struct {
	mu   sync.Mutex
	held map[string]bool
}

// Filter reports whether a key event should be sent. Non-key events
// always pass.
func (k *KeyTracker) Filter(ev Event) bool {
	key, ok := ev.(Key)
	if !ok {
		return true
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held == nil {
		k.held = make(map[string]bool)
	}

	if key.Down {
		if k.held[key.Code] {
			return false
		}
		k.held[key.Code] = true
		return true
	}
	delete(k.held, key.Code)
	return true
}

// Reset releases all tracked keys, for use when a session ends while
// keys are held.
func (k *KeyTracker) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.held = nil
}
