package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"voucher-service/logging"
)

// Limiter is a sliding-window request counter keyed by caller identity.
// It is approximate: bursts straddling a window boundary are tolerated.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string][]time.Time
	retention time.Duration
	now       func() time.Time
}

// New creates a Limiter. Identities with no request newer than retention are
// dropped by Sweep.
func New(retention time.Duration) *Limiter {
	return &Limiter{
		windows:   make(map[string][]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock swaps the time source. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow records a request for identity and reports whether it fits in the
// window. Rejected requests are not recorded.
func (l *Limiter) Allow(identity string, maxRequests int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	stamps := l.windows[identity]
	keep := 0
	for keep < len(stamps) && !stamps[keep].After(cutoff) {
		keep++
	}
	stamps = stamps[keep:]

	if len(stamps) >= maxRequests {
		l.windows[identity] = stamps
		return false
	}

	l.windows[identity] = append(stamps, now)
	return true
}

// Sweep removes identities whose newest request is older than the retention
// horizon and returns how many were evicted.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.retention)
	evicted := 0
	for identity, stamps := range l.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.windows, identity)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.windows)
}

// Run sweeps on every tick until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := l.Sweep(); evicted > 0 {
				logging.Info("Rate limiter sweep evicted idle identities", zap.Int("evicted", evicted))
			}
		}
	}
}
