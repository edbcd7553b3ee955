// Package ratelimit implements the shared sliding-window rate limiter
// that every provider task passes through before calling its arena.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"harvestplane/internal/store"
)

// ErrTimeout is returned when a permit could not be acquired within the
// caller's timeout.
var ErrTimeout = errors.New("rate limit wait timed out")

// Limit is the ceiling/window pair enforced for one key.
type Limit struct {
	Ceiling int64
	Window  time.Duration
}

// Config holds the limiter defaults and per-provider overrides.
type Config struct {
	Default  Limit
	Provider map[string]Limit
}

// Key builds the limiter key for a (provider, credential) pair.
// Distinct credentials for the same provider do not starve each other.
func Key(provider, credentialID string) string {
	return provider + "/" + credentialID
}

// Limiter admits requests against a shared RateWindowStore. Waiters for
// the same key are queued in arrival order, so admission is roughly
// FIFO among local waiters once capacity frees up.
type Limiter struct {
	windows store.RateWindowStore
	config  Config

	mu    sync.Mutex
	gates map[string]chan struct{}
}

// New creates a limiter over the given window store.
func New(windows store.RateWindowStore, config Config) *Limiter {
	if config.Default.Ceiling <= 0 {
		config.Default = Limit{Ceiling: 10, Window: time.Minute}
	}
	return &Limiter{
		windows: windows,
		config:  config,
		gates:   make(map[string]chan struct{}),
	}
}

func (l *Limiter) limitFor(provider string) Limit {
	if lim, ok := l.config.Provider[provider]; ok {
		return lim
	}
	return l.config.Default
}

// gate returns the single-slot admission gate for key. Holding the gate
// makes one waiter at a time poll the shared store, which keeps local
// waiters in arrival order and spares the store a thundering herd.
func (l *Limiter) gate(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[key]
	if !ok {
		g = make(chan struct{}, 1)
		l.gates[key] = g
	}
	return g
}

// Acquire blocks until the sliding window for (provider, credentialID)
// has room for cost more units, the timeout elapses, or ctx is
// cancelled. It returns the time spent waiting. Waiting here is the
// primary suspension point of a provider task and must unblock promptly
// on cancellation.
func (l *Limiter) Acquire(ctx context.Context, provider, credentialID string, cost int64, timeout time.Duration) (time.Duration, error) {
	if cost <= 0 {
		cost = 1
	}
	lim := l.limitFor(provider)
	if cost > lim.Ceiling {
		return 0, fmt.Errorf("cost %d exceeds ceiling %d for provider %s", cost, lim.Ceiling, provider)
	}

	key := Key(provider, credentialID)
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	gate := l.gate(key)
	select {
	case gate <- struct{}{}:
	case <-waitCtx.Done():
		return time.Since(start), l.waitErr(ctx, waitCtx)
	}
	defer func() { <-gate }()

	for {
		admitted, retryAfter, err := l.windows.TryAcquire(waitCtx, key, cost, lim.Ceiling, lim.Window)
		if err != nil {
			if waitCtx.Err() != nil {
				return time.Since(start), l.waitErr(ctx, waitCtx)
			}
			return time.Since(start), fmt.Errorf("rate window store: %w", err)
		}
		if admitted {
			return time.Since(start), nil
		}

		if retryAfter <= 0 {
			retryAfter = 100 * time.Millisecond
		}
		select {
		case <-time.After(retryAfter):
		case <-waitCtx.Done():
			return time.Since(start), l.waitErr(ctx, waitCtx)
		}
	}
}

// waitErr distinguishes caller cancellation from limiter timeout.
func (l *Limiter) waitErr(ctx, waitCtx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return waitCtx.Err()
}
