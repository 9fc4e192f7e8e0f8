// Package worker implements the bounded goroutine pool the order manager
// uses to drain a channel of jobs. It is the
// generic form of the teacher's internal/libs/worker.Worker: the same
// start/stop/send lifecycle, generalized with type parameters so callers
// get a typed job channel instead of interface{}.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoConfig is returned when New is called with a nil config.
var ErrNoConfig = errors.New("worker: config invalid")

// Process handles a single job. It reports nothing back to the pool; the
// process function itself decides whether/how to retry.
type Process[T any] func(ctx context.Context, job T)

// PoolConfig controls pool sizing and per-job timeout.
type PoolConfig struct {
	NumProcess  int32
	QueueSize   int32
	JobTimeout  time.Duration
}

// Pool is a fixed-size worker pool draining a buffered job channel.
type Pool[T any] struct {
	logger  *zap.Logger
	process Process[T]
	jobs    chan T
	quit    chan struct{}
	wait    sync.WaitGroup
	config  *PoolConfig
	once    sync.Once
}

// New constructs a pool. The job channel is sized to config.QueueSize
// (defaulting to config.NumProcess if unset).
func New[T any](logger *zap.Logger, config *PoolConfig, process Process[T]) (*Pool[T], error) {
	if config == nil {
		return nil, ErrNoConfig
	}
	if config.NumProcess <= 0 {
		config.NumProcess = 1
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}

	capacity := config.QueueSize
	if capacity <= 0 {
		capacity = config.NumProcess
	}

	return &Pool[T]{
		logger:  logger,
		process: process,
		jobs:    make(chan T, capacity),
		quit:    make(chan struct{}),
		config:  config,
	}, nil
}

// Start launches config.NumProcess goroutines consuming the job channel.
func (p *Pool[T]) Start() {
	for i := int32(0); i < p.config.NumProcess; i++ {
		p.wait.Add(1)

		go func() {
			defer p.wait.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker panic",
						zap.Any("error", r),
						zap.String("stacktrace", string(debug.Stack())))
				}
			}()

			for {
				select {
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					p.run(job)

				case <-p.quit:
					// drain remaining buffered jobs before exiting
					for {
						select {
						case job, ok := <-p.jobs:
							if !ok {
								return
							}
							p.run(job)
						default:
							return
						}
					}
				}
			}
		}()
	}
}

func (p *Pool[T]) run(job T) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()
	p.process(ctx, job)
}

// Send enqueues a job, blocking if the queue is full. It returns false if
// the pool has been stopped.
func (p *Pool[T]) Send(job T) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.quit:
		return false
	}
}

// TrySend enqueues a job without blocking, returning false if the queue is
// full or the pool is stopped.
func (p *Pool[T]) TrySend(job T) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop signals all workers to drain and exit, and waits for them. Safe to
// call more than once.
func (p *Pool[T]) Stop() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wait.Wait()
}

// Len reports the number of jobs currently buffered.
func (p *Pool[T]) Len() int {
	return len(p.jobs)
}

// Cap reports the job channel's capacity.
func (p *Pool[T]) Cap() int {
	return cap(p.jobs)
}
