// Package workerpool is the elastic worker pool LocalAgent uses to run
// blocking native-process invocations off the executor's event loop
// (spec §5 "Suspension points" / "Scheduling model"). It is a small
// fixed-size goroutine pool with a buffered job queue, the same shape as
// the teacher's job scheduler generalized from "MCP tool jobs" to
// "process-chain executables".
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Job is one unit of blocking work.
type Job func(ctx context.Context)

// Pool runs submitted jobs on a fixed number of goroutines.
type Pool struct {
	workers int
	queue   chan Job
	log     zerolog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
}

// New creates a Pool with the given worker count and queue depth. Values
// <= 0 fall back to sane defaults (4 workers, 100 queue slots), matching
// the teacher's scheduler defaults.
func New(workers, queueSize int, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		queue:   make(chan Job, queueSize),
		log:     log.With().Str("component", "workerpool").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.log.Info().Int("workers", p.workers).Msg("starting worker pool")
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop drains in-flight jobs and stops accepting new ones.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.cancel()
		close(p.queue)
		p.wg.Wait()
		p.log.Info().Msg("worker pool stopped")
	})
}

// Submit enqueues job, blocking the caller if the queue is full. Returns an
// error once the pool has been stopped.
func (p *Pool) Submit(job Job) error {
	if p.stopped.Load() {
		return fmt.Errorf("workerpool: stopped")
	}
	select {
	case p.queue <- job:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("workerpool: stopped")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Interface("panic", r).Int("worker", id).Msg("job panicked")
				}
			}()
			job(p.ctx)
		}()
	}
}
