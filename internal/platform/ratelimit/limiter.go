// Package ratelimit implements the gateway's fixed-window request limiter.
//
// Counters live in process memory, split across mutex-guarded shards chosen
// by hashing the key. A boundary-crossing burst can reach close to twice the
// configured rate; the limiter is meant for abuse mitigation, not metering.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Window is the length of one counting window.
const Window = time.Minute

// DefaultLimit is used when a non-positive limit is configured.
const DefaultLimit = 120

const shardCount = 32

// AnonymousSubject keys callers without an attributable token.
const AnonymousSubject = "anon"

// Key builds the bucket key for a caller. An empty subject is treated as
// anonymous.
func Key(subject, originIP string) string {
	if subject == "" {
		subject = AnonymousSubject
	}
	return subject + ":" + originIP
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the time until the next window opens. Zero when allowed.
	RetryAfter time.Duration
}

type bucket struct {
	window int64
	count  int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a FixedWindow limiter.
type Option func(*FixedWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindow) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *FixedWindow) { l.logger = logger }
}

// WithCleanupInterval sets how often StartCleanup sweeps stale buckets.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *FixedWindow) { l.cleanupInterval = d }
}

// FixedWindow counts requests per key in clock-aligned 60 second windows.
type FixedWindow struct {
	limit           int
	shards          [shardCount]*shard
	now             func() time.Time
	logger          zerolog.Logger
	cleanupInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewFixedWindow(limit int, opts ...Option) *FixedWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	l := &FixedWindow{
		limit:           limit,
		now:             time.Now,
		logger:          zerolog.Nop(),
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the per-window ceiling.
func (l *FixedWindow) Limit() int {
	return l.limit
}

func windowID(t time.Time) int64 {
	return t.Unix() / int64(Window/time.Second)
}

func (l *FixedWindow) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%shardCount]
}

// Allow counts one request for key. The stored count is compared before it
// is incremented, so exactly limit requests pass per window and denied
// requests are not counted.
func (l *FixedWindow) Allow(key string) Decision {
	now := l.now()
	win := windowID(now)

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{window: win}
		s.buckets[key] = b
	}
	if b.window != win {
		b.window = win
		b.count = 0
	}

	if b.count >= l.limit {
		next := time.Unix((win+1)*int64(Window/time.Second), 0)
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: next.Sub(now),
		}
	}
	b.count++
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - b.count,
	}
}

// Sweep deletes buckets whose window has already ended and returns how many
// were removed. Such buckets would be reset on their next access anyway.
func (l *FixedWindow) Sweep() int {
	current := windowID(l.now())
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if b.window < current {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartCleanup runs Sweep periodically until ctx is cancelled or Stop is
// called.
func (l *FixedWindow) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug().Int("removed", n).Int("remaining", l.Size()).Msg("rate limit buckets swept")
				}
			}
		}
	}()
}

// Stop halts the cleanup loop and waits for it. Safe to call more than once.
func (l *FixedWindow) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked keys.
func (l *FixedWindow) Size() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
