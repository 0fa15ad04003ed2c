// Package job fans one protocol phase out across the participants of a
// transaction. A Job submits one task per participant to a task pool, each
// task retries until the job-specific work yields an outcome, and the job
// folds the per-task outcomes into a single vote.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/taskpool"
	"pkt.systems/txnd/internal/txn"
)

const (
	// DefaultMaxAttempts bounds prepare and abort retries.
	DefaultMaxAttempts = 5
	// DefaultCallTimeout bounds a single participant call.
	DefaultCallTimeout = 30 * time.Second
)

var (
	// ErrNotStarted is returned when no tasks were ever scheduled.
	ErrNotStarted = errors.New("job: not started")
	// ErrNotReady is returned when results are requested before completion.
	ErrNotReady = errors.New("job: not ready")
	// ErrStopped is returned when waiting on a job that was stopped.
	ErrStopped = errors.New("job: stopped")
)

// Job is one phase of the protocol fanned out over participants.
type Job interface {
	// ScheduleTasks submits one task per participant.
	ScheduleTasks() error
	// IsCompleted waits up to timeout for every task to report. A negative
	// timeout waits forever, zero polls.
	IsCompleted(ctx context.Context, timeout time.Duration) (bool, error)
	// ComputeResult folds the per-task outcomes into one vote.
	ComputeResult() (txn.Vote, error)
	// Stop cancels outstanding tasks.
	Stop()
	// Kind names the phase for logs and metrics.
	Kind() string
}

// Submitter accepts tasks. *taskpool.Pool implements it.
type Submitter interface {
	Submit(task taskpool.Task) (*taskpool.Ticket, error)
}

// Recorder makes a participant outcome durable before it is applied to the
// handle. A failing Recorder leaves the task without an outcome so it runs
// again.
type Recorder func(ctx context.Context, h *participant.Handle, v txn.Vote) error

// Config is shared by every job type.
type Config struct {
	TxnID       txn.ID
	Pool        Submitter
	Logger      pslog.Logger
	CallTimeout time.Duration
	// MaxAttempts bounds retries for prepare and abort. Commit ignores it.
	MaxAttempts int
	Recorder    Recorder
}

type doWorkFunc func(ctx context.Context, h *participant.Handle, attempt int) (txn.Vote, bool)

type base struct {
	kind        string
	id          txn.ID
	pool        Submitter
	logger      pslog.Logger
	callTimeout time.Duration
	maxAttempts int
	recorder    Recorder
	handles     []*participant.Handle
	doWork      doWorkFunc
	aggregate   func([]txn.Vote) txn.Vote
	metrics     *jobMetrics

	mu        sync.Mutex
	results   []txn.Vote
	reported  []bool
	attempts  []int
	pending   int
	scheduled bool
	stopped   bool
	tickets   []*taskpool.Ticket
	done      chan struct{}
	halt      chan struct{}
}

func newBase(kind string, cfg Config, handles []*participant.Handle) *base {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, loggingutil.Subsystem("txn", "job", kind))
	return &base{
		kind:        kind,
		id:          cfg.TxnID,
		pool:        cfg.Pool,
		logger:      logger.With("txn_id", cfg.TxnID.String()),
		callTimeout: cfg.CallTimeout,
		maxAttempts: cfg.MaxAttempts,
		recorder:    cfg.Recorder,
		handles:     handles,
		metrics:     sharedMetrics(logger),
		done:        make(chan struct{}),
		halt:        make(chan struct{}),
	}
}

func (b *base) Kind() string { return b.kind }

// ScheduleTasks implements Job.
func (b *base) ScheduleTasks() error {
	b.mu.Lock()
	if b.scheduled {
		b.mu.Unlock()
		return fmt.Errorf("job %s: already scheduled", b.kind)
	}
	if b.pool == nil {
		b.mu.Unlock()
		return fmt.Errorf("job %s: task pool required", b.kind)
	}
	n := len(b.handles)
	b.results = make([]txn.Vote, n)
	b.reported = make([]bool, n)
	b.attempts = make([]int, n)
	b.pending = n
	b.scheduled = true
	if n == 0 {
		close(b.done)
	}
	b.mu.Unlock()

	tickets := make([]*taskpool.Ticket, 0, n)
	for rank := range b.handles {
		ticket, err := b.pool.Submit(&Task{job: b, rank: rank})
		if err != nil {
			for _, t := range tickets {
				t.Cancel()
			}
			return fmt.Errorf("job %s: submit task %d: %w", b.kind, rank, err)
		}
		tickets = append(tickets, ticket)
	}
	b.mu.Lock()
	b.tickets = tickets
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		for _, t := range tickets {
			t.Cancel()
		}
	}
	b.logger.Debug("txn.job.scheduled", "tasks", n)
	return nil
}

// IsCompleted implements Job.
func (b *base) IsCompleted(ctx context.Context, timeout time.Duration) (bool, error) {
	b.mu.Lock()
	scheduled := b.scheduled
	b.mu.Unlock()
	if !scheduled {
		return false, ErrNotStarted
	}
	select {
	case <-b.done:
		return true, nil
	case <-b.halt:
		return false, ErrStopped
	default:
	}
	if timeout == 0 {
		return false, nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-b.done:
		return true, nil
	case <-b.halt:
		return false, ErrStopped
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ComputeResult implements Job.
func (b *base) ComputeResult() (txn.Vote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.scheduled {
		return txn.VoteActive, ErrNotStarted
	}
	if b.pending > 0 {
		return txn.VoteActive, ErrNotReady
	}
	results := append([]txn.Vote(nil), b.results...)
	return b.aggregate(results), nil
}

// Stop implements Job.
func (b *base) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	tickets := b.tickets
	b.tickets = nil
	close(b.halt)
	b.mu.Unlock()
	for _, t := range tickets {
		t.Cancel()
	}
	b.logger.Debug("txn.job.stopped")
}

// performWork runs one attempt for the task at rank and reports whether the
// task is finished.
func (b *base) performWork(ctx context.Context, rank int) bool {
	b.mu.Lock()
	if b.stopped || b.reported[rank] {
		b.mu.Unlock()
		return true
	}
	b.attempts[rank]++
	attempt := b.attempts[rank]
	b.mu.Unlock()

	b.metrics.recordAttempt(ctx, b.kind)
	vote, ok := b.doWork(ctx, b.handles[rank], attempt)
	if !ok {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.reported[rank] {
		return true
	}
	b.results[rank] = vote
	b.reported[rank] = true
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
	return true
}

// Attempts returns the attempt counter for each task.
func (b *base) Attempts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempts...)
}

func (b *base) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.callTimeout)
}

// record persists v through the recorder and applies it to h.
func (b *base) record(ctx context.Context, h *participant.Handle, v txn.Vote) bool {
	if b.recorder != nil {
		if err := b.recorder(ctx, h, v); err != nil {
			b.logger.Warn("txn.job.record_failed", "participant", h.Ref().String(), "vote", v.String(), "error", err)
			return false
		}
	}
	h.SetVote(v)
	return true
}

// Task is the unit of work bound to one participant of a job.
type Task struct {
	job  *base
	rank int
}

// Run implements taskpool.Task.
func (t *Task) Run(ctx context.Context) bool {
	return t.job.performWork(ctx, t.rank)
}

// Rank returns the task's index within its job.
func (t *Task) Rank() int { return t.rank }
