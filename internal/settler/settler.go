// Package settler drives transactions to a final outcome after their caller
// stopped waiting. It owns a task pool of its own so settlement never
// competes with participant calls for workers.
package settler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/taskpool"
	"pkt.systems/txnd/internal/txn"
)

const (
	// DefaultWorkers sizes the settlement pool.
	DefaultWorkers = 4
	// DefaultRequeueDelay is the pause before a failed settlement is retried.
	DefaultRequeueDelay = time.Second
	// DefaultRequeueRate bounds requeued dispatches per second.
	DefaultRequeueRate = 50.0
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("settler: closed")

// Coordinator is the part of a transaction the settler drives.
type Coordinator interface {
	State() txn.State
	Commit(ctx context.Context, waitFor time.Duration) error
	Abort(ctx context.Context, waitFor time.Duration) error
}

// Lookup finds the coordinator for id. A miss drops the id.
type Lookup func(id txn.ID) (Coordinator, bool)

// Config tunes a Settler.
type Config struct {
	Lookup       Lookup
	Workers      int
	RequeueDelay time.Duration
	RequeueRate  float64
	Clock        clock.Clock
	Logger       pslog.Logger
}

type item struct {
	id      txn.ID
	requeue bool
}

// Settler is a de-duplicated queue drained by one dispatcher goroutine into
// a dedicated pool.
type Settler struct {
	lookup       Lookup
	pool         *taskpool.Pool
	clock        clock.Clock
	logger       pslog.Logger
	requeueDelay time.Duration
	limiter      *rate.Limiter
	metrics      *settlerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      sync.Mutex
	queue   []item
	tracked map[txn.ID]struct{}
	closed  bool
}

// New starts a Settler.
func New(cfg Config) *Settler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	if cfg.RequeueRate <= 0 {
		cfg.RequeueRate = DefaultRequeueRate
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "txn.settler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Settler{
		lookup: cfg.Lookup,
		pool: taskpool.New(taskpool.Config{
			Name:    "settler",
			Workers: cfg.Workers,
			Clock:   cfg.Clock,
			Logger:  cfg.Logger,
		}),
		clock:        cfg.Clock,
		logger:       logger,
		requeueDelay: cfg.RequeueDelay,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequeueRate), 1),
		metrics:      newSettlerMetrics(logger),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		tracked:      make(map[txn.ID]struct{}),
	}
	go s.run()
	return s
}

// Enqueue schedules id for settlement. An id already queued or being
// settled is ignored.
func (s *Settler) Enqueue(id txn.ID) {
	s.push(item{id: id})
}

func (s *Settler) push(it item) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.tracked[it.id]; ok && !it.requeue {
		s.mu.Unlock()
		return
	}
	s.tracked[it.id] = struct{}{}
	s.queue = append(s.queue, it)
	s.mu.Unlock()
	s.logger.Trace("txn.settle.enqueue", "txn_id", it.id.String(), "requeue", it.requeue)
	s.signal()
}

// Pending reports ids queued or being settled.
func (s *Settler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *Settler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Settler) pop() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return item{}, false
	}
	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]
	return it, true
}

func (s *Settler) run() {
	defer close(s.done)
	for {
		it, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if it.requeue {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		task := &settleTask{settler: s, id: it.id}
		if _, err := s.pool.Submit(task); err != nil {
			s.logger.Warn("txn.settle.submit_failed", "txn_id", it.id.String(), "error", err)
			s.forget(it.id)
		}
	}
}

func (s *Settler) forget(id txn.ID) {
	s.mu.Lock()
	delete(s.tracked, id)
	s.mu.Unlock()
}

func (s *Settler) requeue(id txn.ID, cause error) {
	s.metrics.recordRequeue(s.ctx)
	s.logger.Info("txn.settle.requeue", "txn_id", id.String(), "delay", s.requeueDelay, "error", cause)
	s.clock.AfterFunc(s.requeueDelay, func() {
		s.push(item{id: id, requeue: true})
	})
}

// Close stops the dispatcher and drains the settlement pool. Settlements in
// flight observe a canceled context.
func (s *Settler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.pool.Close(ctx)
}

type settleTask struct {
	settler *Settler
	id      txn.ID
}

// Run implements taskpool.Task. The task always finishes; retries go back
// through the queue so the dispatcher can pace them.
func (t *settleTask) Run(ctx context.Context) bool {
	s := t.settler
	c, ok := s.lookup(t.id)
	if !ok {
		s.logger.Debug("txn.settle.unknown", "txn_id", t.id.String())
		s.forget(t.id)
		return true
	}
	var err error
	switch state := c.State(); state {
	case txn.Voting, txn.Committed:
		err = c.Commit(ctx, -1)
	case txn.Aborted:
		err = c.Abort(ctx, -1)
	default:
		s.logger.Warn("txn.settle.unexpected_state", "txn_id", t.id.String(), "state", state.String())
		s.forget(t.id)
		return true
	}
	if err != nil && retryable(err) {
		if ctx.Err() != nil {
			s.forget(t.id)
			return true
		}
		s.requeue(t.id, err)
		return true
	}
	if err != nil {
		s.logger.Info("txn.settle.final", "txn_id", t.id.String(), "state", c.State().String(), "error", err)
	} else {
		s.logger.Debug("txn.settle.done", "txn_id", t.id.String(), "state", c.State().String())
	}
	s.metrics.recordSettled(ctx, c.State())
	s.forget(t.id)
	return true
}

// retryable reports whether another settlement pass can change err.
func retryable(err error) bool {
	switch {
	case errors.Is(err, txn.ErrTimeoutExpired),
		errors.Is(err, txn.ErrLogWrite),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}
