// Package ratelimit admits requests per client key within a sliding
// window. The validation endpoint uses it against nonce grinding, the
// management routes against operator-token guessing and rotate storms.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy is a window budget for one request class.
type Policy struct {
	// Name labels the policy in logs and metrics.
	Name string
	// Limit is the number of requests admitted per key and window.
	// Zero or negative admits everything.
	Limit int
	// Window is the sliding interval the limit applies to.
	Window time.Duration
}

// Enabled reports whether the policy restricts anything.
func (p Policy) Enabled() bool { return p.Limit > 0 && p.Window > 0 }

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
	// RetryAfter is whole seconds until a blocked key may retry.
	RetryAfter int
}

// Limiter tracks request timestamps per key. State is per instance;
// horizontally scaled deployments multiply the effective limit by the
// replica count, which is acceptable for abuse control.
type Limiter struct {
	mu      sync.Mutex
	policy  Policy
	windows map[string]*window
	allows  int

	now func() time.Time
}

type window struct {
	timestamps []time.Time
}

// New creates a limiter enforcing policy.
func New(policy Policy) *Limiter {
	return &Limiter{
		policy:  policy,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Policy returns the enforced policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Allow consumes one slot for key. The context is accepted for interface
// parity with backed stores; the in-memory limiter never blocks on it.
// The error return is always nil here and exists for the same reason.
func (l *Limiter) Allow(_ context.Context, key string) (*Result, error) {
	if !l.policy.Enabled() {
		return &Result{Allowed: true, Limit: l.policy.Limit, Remaining: l.policy.Limit}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.drop(now.Add(-l.policy.Window))

	if len(w.timestamps) >= l.policy.Limit {
		resetAt := w.timestamps[0].Add(l.policy.Window)
		return &Result{
			Allowed:    false,
			Limit:      l.policy.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfterSeconds(now, resetAt),
		}, nil
	}

	w.timestamps = append(w.timestamps, now)
	l.sweep(now)
	return &Result{
		Allowed:   true,
		Limit:     l.policy.Limit,
		Remaining: l.policy.Limit - len(w.timestamps),
		ResetAt:   w.timestamps[0].Add(l.policy.Window),
	}, nil
}

// Reset forgets all state for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// drop removes timestamps at or before cutoff.
func (w *window) drop(cutoff time.Time) {
	i := 0
	for ; i < len(w.timestamps); i++ {
		if w.timestamps[i].After(cutoff) {
			break
		}
	}
	w.timestamps = w.timestamps[i:]
}

// sweepEvery bounds how often the idle-key sweep runs. Sweeping on every
// admission would make each Allow linear in the number of known keys.
const sweepEvery = 4096

// sweep drops keys whose every timestamp has left the window, so idle
// clients do not grow the map forever. Called with the lock held.
func (l *Limiter) sweep(now time.Time) {
	l.allows++
	if l.allows%sweepEvery != 0 {
		return
	}
	cutoff := now.Add(-l.policy.Window)
	for key, w := range l.windows {
		w.drop(cutoff)
		if len(w.timestamps) == 0 {
			delete(l.windows, key)
		}
	}
}

func retryAfterSeconds(now, resetAt time.Time) int {
	seconds := int(resetAt.Sub(now).Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}
