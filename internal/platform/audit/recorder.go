package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/emr-gateway/internal/platform/metrics"
)

const (
	DefaultBuffer       = 1024
	defaultWriteTimeout = 5 * time.Second
)

type RecorderOption func(*Recorder)

// WithBuffer sets how many events may wait for the sink before new ones are
// dropped.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

func WithLogger(logger zerolog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithWriteTimeout bounds a single sink write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.writeTimeout = d }
}

// Recorder hands events to a Sink on a single background worker so request
// handling never waits on audit I/O. Sink failures are logged and otherwise
// ignored.
type Recorder struct {
	sink         Sink
	buffer       int
	writeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	events  chan Event
	stopped chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the worker. Close must be called to stop it.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:         sink,
		buffer:       DefaultBuffer,
		writeTimeout: defaultWriteTimeout,
		logger:       zerolog.Nop(),
		now:          time.Now,
		stopped:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.events = make(chan Event, r.buffer)
	go r.run()
	return r
}

// Record queues e without blocking. It reports false when the event was
// dropped because the buffer is full or the recorder is closed.
func (r *Recorder) Record(e Event) bool {
	e.normalize(r.now())

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "recorder closed")
		return false
	}
	select {
	case r.events <- e:
		return true
	default:
		r.drop(e, "buffer full")
		return false
	}
}

func (r *Recorder) drop(e Event, reason string) {
	r.metrics.ObserveAuditDrop()
	r.logger.Warn().
		Str("action", e.Action).
		Str("actor", e.Actor).
		Str("reason", reason).
		Msg("audit event dropped")
}

func (r *Recorder) run() {
	defer close(r.stopped)
	for e := range r.events {
		r.write(e)
	}
}

func (r *Recorder) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.sink.Write(ctx, e); err != nil {
		r.metrics.ObserveAuditError()
		r.logger.Error().Err(err).
			Str("action", e.Action).
			Str("actor", e.Actor).
			Str("request_id", e.RequestID).
			Msg("audit write failed")
	}
}

// Close stops accepting events and waits until queued ones are written or
// ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
