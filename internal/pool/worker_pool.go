// Package pool provides a bounded worker pool for local task execution.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool is full")
)

// Job is one unit of local execution work.
type Job func(ctx context.Context) error

// WorkerPool runs jobs on a bounded set of goroutines. Workers are
// spawned on demand up to MaxWorkers and retire after IdleTimeout, so
// an idle coordinator holds no execution goroutines.
type WorkerPool struct {
	maxWorkers  int
	jobs        chan jobWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type jobWrapper struct {
	job    Job
	ctx    context.Context
	result chan error
}

// Config configures the pool.
type Config struct {
	MaxWorkers   int           `yaml:"max_workers" json:"max_workers"`
	QueueSize    int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	PanicHandler func(any)     `yaml:"-" json:"-"`
}

// DefaultConfig returns sensible defaults for a coordinator node.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  32,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// New creates a worker pool.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		jobs:         make(chan jobWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a job without waiting for its completion.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	wrapper := jobWrapper{job: job, ctx: ctx}

	select {
	case p.jobs <- wrapper:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.jobs <- wrapper:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a job and blocks until it finishes or ctx ends.
func (p *WorkerPool) SubmitWait(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	wrapper := jobWrapper{job: job, ctx: ctx, result: make(chan error, 1)}

	select {
	case p.jobs <- wrapper:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.jobs:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(wrapper)
			p.activeCount.Add(-1)

			if wrapper.result != nil {
				wrapper.result <- err
				close(wrapper.result)
			}

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// keep at least one worker alive while the pool is open
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(wrapper jobWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("job panicked")
		}
	}()

	return wrapper.job(wrapper.ctx)
}

// Close drains the pool and waits for in-flight jobs.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats returns a point-in-time snapshot.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
