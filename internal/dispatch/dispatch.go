// Package dispatch runs state machine calls on a fixed worker pool fed by a
// bounded queue.
//
// A job runs with context.WithoutCancel of the submitting context: request
// values (request id, chat id) carry over, cancellation does not. Once a job
// starts it runs to completion even if the submitter stops waiting. The
// request clock is re-read when a worker picks the job up, so expiry checks
// see the time the work actually happens rather than the time it was queued.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"idlink/pkg/requestcontext"
)

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrStopped     = errors.New("dispatcher stopped")
	ErrJobPanicked = errors.New("dispatched job panicked")
)

const (
	DefaultWorkers   = 8
	DefaultQueueSize = 256
)

// Job is a unit of work. The context it receives is never cancelled.
type Job func(ctx context.Context)

type task struct {
	ctx context.Context
	run Job
}

type Metrics struct {
	QueueDepth prometheus.Gauge
	Rejected   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idlink_dispatch_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "idlink_dispatch_rejected_total",
			Help: "Jobs rejected because the queue was full",
		}),
	}
}

func (m *Metrics) setDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.Rejected.Inc()
	}
}

type Dispatcher struct {
	queue   chan task
	workers int
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithClock sets the clock stamped onto each job as it starts.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func New(workers, queueSize int, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		queue:   make(chan task, queueSize),
		workers: workers,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for range d.workers {
		d.wg.Add(1)
		go d.work()
	}
}

// Submit enqueues job without blocking. It returns ErrQueueFull when every
// slot is taken and ErrStopped after Stop.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- task{ctx: context.WithoutCancel(ctx), run: job}:
		d.metrics.setDepth(len(d.queue))
		return nil
	default:
		d.metrics.incRejected()
		return ErrQueueFull
	}
}

// Stop refuses new jobs, lets queued and running jobs finish, and returns when
// the workers exit or ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for t := range d.queue {
		d.metrics.setDepth(len(d.queue))
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(t.ctx, "dispatched job panicked", "panic", r)
		}
	}()
	t.run(requestcontext.WithTime(t.ctx, d.now()))
}

// Do submits fn and waits for its result. If ctx ends first Do returns
// ctx.Err(); fn still runs to completion and its result is dropped.
func Do[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) T) (T, error) {
	var zero T
	type result struct {
		value T
		ok    bool
	}
	out := make(chan result, 1)

	err := d.Submit(ctx, func(ctx context.Context) {
		var r result
		defer func() { out <- r }()
		r.value = fn(ctx)
		r.ok = true
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-out:
		if !r.ok {
			return zero, ErrJobPanicked
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
