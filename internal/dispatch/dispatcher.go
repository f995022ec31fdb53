// Package dispatch runs frame and telemetry requests on a fixed set of workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrWorkerFault is returned when a request panicked inside a worker.
	ErrWorkerFault = errors.New("worker fault")
	// ErrStopped is returned for requests submitted after shutdown.
	ErrStopped = errors.New("dispatcher stopped")
)

type result struct {
	frame []byte
	err   error
}

type job struct {
	ctx   context.Context
	run   func(ctx context.Context) ([]byte, error)
	reply chan result
}

// Dispatcher hands each request to one of a fixed number of workers. A worker
// runs one request at a time to completion; a panic fails only that request.
type Dispatcher struct {
	size    int
	jobs    chan job
	handler Handler
	log     zerolog.Logger

	done <-chan struct{}
	wg   sync.WaitGroup
}

// New creates a Dispatcher with the given number of workers.
func New(workers int, h Handler, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		size:    workers,
		jobs:    make(chan job),
		handler: h,
		log:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start launches the workers. They exit when ctx is cancelled. Start must be
// called once, before any request is submitted.
func (d *Dispatcher) Start(ctx context.Context) {
	d.done = ctx.Done()
	for i := 0; i < d.size; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.log.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case j := <-d.jobs:
			j.reply <- d.runJob(j, id)
		case <-ctx.Done():
			d.log.Debug().Int("worker", id).Msg("worker shutting down")
			return
		}
	}
}

func (d *Dispatcher) runJob(j job, id int) (res result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Int("worker", id).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("request panicked")
			res = result{err: fmt.Errorf("%w: %v", ErrWorkerFault, r)}
		}
	}()
	frame, err := j.run(j.ctx)
	return result{frame: frame, err: err}
}

// FetchFrame runs a frame request on a free worker and waits for its outcome.
func (d *Dispatcher) FetchFrame(ctx context.Context, req FrameRequest) ([]byte, error) {
	return d.submit(ctx, func(ctx context.Context) ([]byte, error) {
		return d.handler.Frame(ctx, req)
	})
}

// SubmitTelemetry runs a telemetry batch on a free worker and waits for its outcome.
func (d *Dispatcher) SubmitTelemetry(ctx context.Context, req TelemetryRequest) error {
	_, err := d.submit(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, d.handler.Telemetry(ctx, req)
	})
	return err
}

func (d *Dispatcher) submit(ctx context.Context, run func(context.Context) ([]byte, error)) ([]byte, error) {
	// The reply is buffered so a worker never waits on a caller that gave up.
	j := job{ctx: ctx, run: run, reply: make(chan result, 1)}
	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrStopped
	}

	select {
	case res := <-j.reply:
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
