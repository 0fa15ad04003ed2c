// Package taskpool runs retryable tasks on a fixed set of worker goroutines.
//
// A task is invoked until it reports completion. Between attempts the task
// waits on a timer rather than on a worker, so a slow retry schedule never
// starves other tasks of workers.
package taskpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/loggingutil"
)

const (
	// DefaultWorkers is used when Config.Workers is not positive.
	DefaultWorkers = 16
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 50 * time.Millisecond
	// DefaultMaxDelay caps the retry delay.
	DefaultMaxDelay = 5 * time.Second
	// DefaultMultiplier grows the delay between retries.
	DefaultMultiplier = 2.0
)

// ErrClosed is returned by Submit once the pool is closed.
var ErrClosed = errors.New("taskpool: closed")

// Task is one retryable unit of work.
type Task interface {
	// Run performs a single attempt and reports whether the task is done.
	Run(ctx context.Context) bool
}

// TaskFunc adapts a function into a Task.
type TaskFunc func(ctx context.Context) bool

// Run calls f.
func (f TaskFunc) Run(ctx context.Context) bool { return f(ctx) }

// Config tunes a Pool.
type Config struct {
	Name       string
	Workers    int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Pool is a fixed-size worker pool with a retry contract.
type Pool struct {
	name       string
	clock      clock.Clock
	logger     pslog.Logger
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	metrics    *poolMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Ticket
	closed bool
}

// Ticket tracks one submitted task.
type Ticket struct {
	pool *Pool
	task Task

	mu       sync.Mutex
	attempts int
	canceled bool
	done     bool
	timer    clock.Timer
}

// New starts a pool with cfg.Workers goroutines.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Name == "" {
		cfg.Name = "tasks"
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, loggingutil.Subsystem("taskpool", cfg.Name))
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		clock:      cfg.Clock,
		logger:     logger,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		multiplier: cfg.Multiplier,
		metrics:    newPoolMetrics(logger, cfg.Name),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Submit queues task for immediate execution.
func (p *Pool) Submit(task Task) (*Ticket, error) {
	t := &Ticket{pool: p, task: task}
	if !p.enqueue(t) {
		return nil, ErrClosed
	}
	return t, nil
}

// Len reports the number of tasks waiting for a worker.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting tasks, cancels retry timers and waits for workers to
// finish their current attempt or for ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()
	for _, t := range dropped {
		t.Cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(t *Ticket) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, t)
	depth := len(p.queue)
	p.cond.Signal()
	p.mu.Unlock()
	p.metrics.recordDepth(p.ctx, depth)
	return true
}

func (p *Pool) next() *Ticket {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return t
}

func (p *Pool) remove(t *Ticket) {
	p.mu.Lock()
	for i, candidate := range p.queue {
		if candidate == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t := p.next()
		if t == nil {
			return
		}
		t.run()
	}
}

func (p *Pool) delay(attempts int) time.Duration {
	delay := p.baseDelay
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * p.multiplier)
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}

func (t *Ticket) run() {
	t.mu.Lock()
	if t.canceled || t.done {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempts := t.attempts
	t.mu.Unlock()

	p := t.pool
	finished := t.task.Run(p.ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return
	}
	if finished {
		t.done = true
		return
	}
	delay := p.delay(attempts)
	p.metrics.recordRetry(p.ctx)
	p.logger.Trace("taskpool.task.retry", "attempt", attempts, "delay", delay)
	t.timer = p.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		canceled := t.canceled
		t.timer = nil
		t.mu.Unlock()
		if canceled {
			return
		}
		p.enqueue(t)
	})
}

// Attempts reports how many times the task has run.
func (t *Ticket) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Done reports whether the task reported completion.
func (t *Ticket) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Cancel removes the task from the pool. An attempt already running is not
// interrupted but will not be retried.
func (t *Ticket) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	t.canceled = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.pool.remove(t)
}
