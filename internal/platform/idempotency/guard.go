// Package idempotency rejects repeated writes carrying the same
// caller-supplied key.
//
// Keys are reserved before the write is forwarded (mark-before-send). A
// forward that later fails still consumes its key, which favours
// at-most-once delivery: the caller must retry with a fresh key.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Header is the request header carrying the key.
const Header = "Idempotency-Key"

// DefaultTTL bounds how long a key stays reserved.
const DefaultTTL = 24 * time.Hour

var (
	ErrMissingKey = errors.New("idempotency key required")
	ErrDuplicate  = errors.New("idempotency key already used")
)

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets how long a key stays reserved. A non-positive TTL keeps keys
// for the lifetime of the process.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithCleanupInterval sets how often StartCleanup sweeps expired keys.
func WithCleanupInterval(d time.Duration) Option {
	return func(g *Guard) { g.cleanupInterval = d }
}

// Guard records the keys it has seen, process-wide.
type Guard struct {
	mu              sync.Mutex
	seen            map[string]time.Time
	ttl             time.Duration
	now             func() time.Time
	logger          zerolog.Logger
	cleanupInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		seen:            make(map[string]time.Time),
		ttl:             DefaultTTL,
		now:             time.Now,
		logger:          zerolog.Nop(),
		cleanupInterval: 10 * time.Minute,
		stopChan:        make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) expired(seenAt, now time.Time) bool {
	return g.ttl > 0 && now.Sub(seenAt) >= g.ttl
}

// Reserve marks key as consumed. It returns ErrDuplicate when the key is
// still reserved and ErrMissingKey when key is empty. Check and record
// happen under one lock, so of two concurrent requests with the same key
// exactly one succeeds.
func (g *Guard) Reserve(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if seenAt, ok := g.seen[key]; ok && !g.expired(seenAt, now) {
		return ErrDuplicate
	}
	g.seen[key] = now
	return nil
}

// Sweep deletes expired keys and returns how many were removed.
func (g *Guard) Sweep() int {
	if g.ttl <= 0 {
		return 0
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, seenAt := range g.seen {
		if g.expired(seenAt, now) {
			delete(g.seen, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Sweep periodically until ctx is cancelled or Stop is
// called.
func (g *Guard) StartCleanup(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopChan:
				return
			case <-ticker.C:
				if n := g.Sweep(); n > 0 {
					g.logger.Debug().Int("removed", n).Msg("idempotency keys expired")
				}
			}
		}
	}()
}

// Stop halts the cleanup loop and waits for it. Safe to call more than once.
func (g *Guard) Stop() {
	g.once.Do(func() {
		close(g.stopChan)
	})
	g.wg.Wait()
}

// Size returns the number of reserved keys.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
