package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter enforces the process-wide request budget shared by every caller:
// a bounded concurrency pool, a sliding one-minute request window, and a
// cooldown timestamp refreshed from provider rate-limit headers.
//
// The window and cooldown are guarded by a single mutex; the semaphore
// handles its own synchronization.
type Limiter struct {
	sem          *semaphore.Weighted
	maxPerMinute int

	mu            sync.Mutex
	window        []time.Time
	cooldownUntil time.Time

	now func() time.Time // swapped in tests
}

// NewLimiter creates a limiter with the given concurrency and per-minute caps
func NewLimiter(maxConcurrent, maxPerMinute int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	return &Limiter{
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxPerMinute: maxPerMinute,
		now:          time.Now,
	}
}

// Acquire blocks until the caller holds a concurrency token, the sliding
// window has room, and no cooldown is active. The request timestamp is
// recorded before returning. Callers must Release exactly once.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.WaitTurn(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	return nil
}

// Release returns the concurrency token
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// SetCooldown pauses all request issuance for d. Shorter cooldowns never
// shrink a longer one already in effect.
func (l *Limiter) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// WaitTurn blocks until the sliding window has room and no cooldown is
// active, then records the request timestamp. Retries inside a call hold
// their concurrency token and re-enter here so every issued request counts
// against the window.
func (l *Limiter) WaitTurn(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		var wait time.Duration
		if l.cooldownUntil.After(now) {
			wait = l.cooldownUntil.Sub(now)
		} else if len(l.window) >= l.maxPerMinute {
			wait = l.window[0].Add(time.Minute).Sub(now)
		}

		if wait <= 0 {
			l.window = append(l.window, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops window entries older than one minute. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = l.window[i:]
	}
}

// WindowSize reports the number of requests recorded in the last minute
func (l *Limiter) WindowSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.window)
}
