package serializer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("serializer is closed")

// Task is one unit of work. The context passed to a running task is never
// cancelled by the caller that enqueued it.
type Task func(ctx context.Context) (any, error)

// Serializer runs tasks one at a time, in the order they were enqueued, on a
// single worker goroutine.
type Serializer struct {
	mu      sync.Mutex
	pending []*unit
	closed  bool

	wake    chan struct{}
	stopped chan struct{}

	limiter *rate.Limiter
	depth   prometheus.Gauge
	logger  *zerolog.Logger
}

type unit struct {
	ctx    context.Context
	task   Task
	future *Future
}

type Option func(*Serializer)

// WithRateLimit paces task starts with a token bucket.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Serializer) {
		if limit > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithDepthGauge reports the number of queued, not yet started tasks.
func WithDepthGauge(g prometheus.Gauge) Option {
	return func(s *Serializer) {
		s.depth = g
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Serializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New starts the worker. Call Close to stop it.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  &log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Enqueue appends a task to the queue and returns immediately. A task whose
// context is done before it starts is not run.
func (s *Serializer) Enqueue(ctx context.Context, task Task) *Future {
	f := newFuture()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	}
	s.pending = append(s.pending, &unit{ctx: ctx, task: task, future: f})
	depth := len(s.pending)
	s.mu.Unlock()

	s.setDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return f
}

// Submit enqueues fn and waits for its result. If ctx is done first, Submit
// returns ctx.Err() but a task that already started still runs to completion.
func Submit[T any](ctx context.Context, s *Serializer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	f := s.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}

// Close stops accepting tasks, runs everything already queued and waits for
// the worker to exit.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.stopped
}

func (s *Serializer) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		u := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		depth := len(s.pending)
		s.mu.Unlock()

		s.setDepth(depth)
		s.execute(u)
	}
}

func (s *Serializer) execute(u *unit) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("serialized task panicked: %v", r)
			s.logger.Error().Err(err).Msg("recovered from panic in serialized task")
			u.future.resolve(nil, err)
		}
	}()

	if err := u.ctx.Err(); err != nil {
		u.future.resolve(nil, err)
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(u.ctx); err != nil {
			u.future.resolve(nil, err)
			return
		}
	}

	v, err := u.task(context.WithoutCancel(u.ctx))
	u.future.resolve(v, err)
}

func (s *Serializer) setDepth(depth int) {
	if s.depth != nil {
		s.depth.Set(float64(depth))
	}
}
