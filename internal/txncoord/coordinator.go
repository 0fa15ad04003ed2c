// Package txncoord implements the per-transaction two-phase-commit state
// machine. A Coordinator owns one transaction's manager state, participant
// handles, the running job and the lease expiration, each behind its own
// lock.
//
// Lock order is job lock, then state lock. The lease lock is never held
// together with either. No lock is held across a participant call, and log
// writes run under the job lock alone so state reads never wait on storage.
package txncoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/job"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

// WaitForever makes Commit and Abort wait until the phase finishes.
const WaitForever time.Duration = -1

// Settler accepts transactions whose caller stopped waiting.
type Settler interface {
	Enqueue(id txn.ID)
}

// Config is shared by every coordinator of a service.
type Config struct {
	Log      txnlog.Log
	Pool     job.Submitter
	Settler  Settler
	Resolver participant.Resolver
	Clock    clock.Clock
	Logger   pslog.Logger

	CallTimeout     time.Duration
	PrepareAttempts int
	AbortAttempts   int

	// OnSettled runs once every participant has been told the outcome.
	OnSettled func(id txn.ID, state txn.State)
	// OnVoting runs once when the transaction leaves Active for Voting.
	// The lease no longer applies from that point.
	OnVoting func(id txn.ID)
}

// Coordinator drives one transaction.
type Coordinator struct {
	id       txn.ID
	log      txnlog.Log
	pool     job.Submitter
	settler  Settler
	resolver participant.Resolver
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *coordMetrics

	callTimeout     time.Duration
	prepareAttempts int
	abortAttempts   int
	onSettled       func(txn.ID, txn.State)
	onVoting        func(txn.ID)

	// state lock
	stateMu sync.Mutex
	state   txn.State
	handles []*participant.Handle
	settled bool
	broken  error

	// job lock
	jobMu sync.Mutex
	job   job.Job

	// lease lock
	leaseMu sync.Mutex
	expires time.Time
	expired bool
}

// New returns an Active coordinator for id whose lease ends at expires. A
// zero expires means the lease never ends.
func New(id txn.ID, expires time.Time, cfg Config) (*Coordinator, error) {
	if id == 0 {
		return nil, errors.New("txncoord: transaction id required")
	}
	if cfg.Log == nil {
		return nil, errors.New("txncoord: log required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("txncoord: task pool required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "txn.coord").With("txn_id", id.String())
	return &Coordinator{
		id:              id,
		log:             cfg.Log,
		pool:            cfg.Pool,
		settler:         cfg.Settler,
		resolver:        cfg.Resolver,
		clock:           cfg.Clock,
		logger:          logger,
		metrics:         sharedMetrics(logger),
		callTimeout:     cfg.CallTimeout,
		prepareAttempts: cfg.PrepareAttempts,
		abortAttempts:   cfg.AbortAttempts,
		onSettled:       cfg.OnSettled,
		onVoting:        cfg.OnVoting,
		expires:         expires,
	}, nil
}

// ID returns the transaction id.
func (c *Coordinator) ID() txn.ID { return c.id }

// State returns the current manager state.
func (c *Coordinator) State() txn.State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Settled reports whether every participant has been told the outcome.
func (c *Coordinator) Settled() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.settled
}

// Handles returns a copy of the participant list.
func (c *Coordinator) Handles() []*participant.Handle {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return append([]*participant.Handle(nil), c.handles...)
}

// Expires returns the lease expiration.
func (c *Coordinator) Expires() time.Time {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	return c.expires
}

// Join enlists ref. It succeeds silently when ref already joined with the
// same crash count.
func (c *Coordinator) Join(ctx context.Context, ref participant.Ref, crashCount int64) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", txn.ErrCannotJoin, err)
	}
	if c.leaseExpired() {
		c.logger.Info("txn.join.expired", "participant", ref.String())
		c.abortExpired()
		return fmt.Errorf("%w: lease expired", txn.ErrCannotJoin)
	}
	// The job lock keeps the state Active until the handle is appended.
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	c.stateMu.Lock()
	if c.broken != nil {
		err := c.broken
		c.stateMu.Unlock()
		return err
	}
	if c.state != txn.Active {
		state := c.state
		c.stateMu.Unlock()
		return fmt.Errorf("%w: transaction is %s", txn.ErrCannotJoin, state)
	}
	if existing := participant.Find(c.handles, ref); existing != nil {
		c.stateMu.Unlock()
		if existing.CrashCount() != crashCount {
			return fmt.Errorf("%w: %s rejoined with crash count %d (joined with %d)",
				txn.ErrCannotJoin, ref, crashCount, existing.CrashCount())
		}
		return nil
	}
	c.stateMu.Unlock()

	h := participant.NewHandle(ref, crashCount, c.resolver)
	if err := c.write(ctx, txnlog.ParticipantRecord(c.id, h, txn.VoteActive)); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.handles = append(c.handles, h)
	c.stateMu.Unlock()
	c.logger.Debug("txn.join", "participant", ref.String(), "crash_count", crashCount)
	return nil
}

// Commit drives the transaction to COMMITTED, waiting up to waitFor. When
// the wait runs out the transaction is handed to the settler and
// txn.ErrTimeoutExpired is returned.
func (c *Coordinator) Commit(ctx context.Context, waitFor time.Duration) error {
	start := c.clock.Now()
	remaining := c.budget(waitFor)
	err := c.commit(ctx, remaining)
	c.metrics.recordCommit(ctx, c.clock.Now().Sub(start), resultLabel(err))
	return err
}

func (c *Coordinator) commit(ctx context.Context, remaining func() time.Duration) error {
	if c.State() == txn.Active && c.leaseExpired() {
		c.abortExpired()
		return fmt.Errorf("%w: lease expired", txn.ErrCannotCommit)
	}

	c.jobMu.Lock()
	c.stateMu.Lock()
	if c.broken != nil {
		err := c.broken
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		return err
	}
	state := c.state
	handles := append([]*participant.Handle(nil), c.handles...)
	switch state {
	case txn.Aborted:
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		return fmt.Errorf("%w: transaction aborted", txn.ErrCannotCommit)
	case txn.Committed:
		c.stateMu.Unlock()
		j, err := c.commitJobLocked(handles)
		c.jobMu.Unlock()
		if err != nil || j == nil {
			return err
		}
		return c.await(ctx, j, remaining, txn.Committed)
	}
	if len(handles) == 0 {
		c.state = txn.Committed
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		c.logger.Debug("txn.commit.empty")
		c.markSettled(txn.Committed)
		return nil
	}
	c.stateMu.Unlock()
	if state == txn.Active {
		var rec txnlog.Record
		if len(handles) == 1 {
			rec = txnlog.PrepareAndCommitRecord(c.id, handles[0])
		} else {
			rec = txnlog.PrepareRecord(c.id, handles)
		}
		if err := c.write(ctx, rec); err != nil {
			c.jobMu.Unlock()
			return err
		}
		c.stateMu.Lock()
		c.state = txn.Voting
		c.stateMu.Unlock()
		if c.onVoting != nil {
			c.onVoting(c.id)
		}
	}

	vj := c.job
	if vj == nil {
		if len(handles) == 1 {
			vj = job.NewPrepareAndCommitJob(c.jobConfig(c.prepareAttempts), handles[0])
		} else {
			vj = job.NewPrepareJob(c.jobConfig(c.prepareAttempts), handles)
		}
		if err := vj.ScheduleTasks(); err != nil {
			c.jobMu.Unlock()
			return fmt.Errorf("txncoord: schedule %s: %w", vj.Kind(), err)
		}
		c.job = vj
	}
	c.jobMu.Unlock()

	done, err := vj.IsCompleted(ctx, remaining())
	switch {
	case errors.Is(err, job.ErrStopped):
		return fmt.Errorf("%w: superseded by abort", txn.ErrCannotCommit)
	case err != nil:
		return c.handoff(err)
	case !done:
		return c.handoff(nil)
	}
	return c.decide(ctx, vj, remaining)
}

// decide acts on a finished voting job. Exactly one caller performs the
// transition; any other caller re-reads the state and follows it.
func (c *Coordinator) decide(ctx context.Context, vj job.Job, remaining func() time.Duration) error {
	vote, err := vj.ComputeResult()
	if err != nil {
		return c.fault(fmt.Errorf("voting job finished without a result: %w", err))
	}

	c.jobMu.Lock()
	c.stateMu.Lock()
	if c.job != vj || c.state != txn.Voting {
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		return c.commit(ctx, remaining)
	}
	handles := append([]*participant.Handle(nil), c.handles...)
	c.stateMu.Unlock()

	switch vote {
	case txn.VoteAborted:
		c.jobMu.Unlock()
		c.logger.Info("txn.commit.vote_aborted")
		cause := fmt.Errorf("%w: a participant voted to abort", txn.ErrCannotCommit)
		if pac, ok := vj.(*job.PrepareAndCommitJob); ok && pac.TransportErr() != nil {
			cause = fmt.Errorf("%w: participant unreachable: %w", txn.ErrCannotCommit, pac.TransportErr())
		}
		if err := c.Abort(ctx, remaining()); err != nil && !errors.Is(err, txn.ErrTimeoutExpired) {
			return errors.Join(cause, err)
		}
		return cause
	case txn.VotePrepared, txn.VoteCommitted, txn.VoteNotChanged:
	default:
		c.jobMu.Unlock()
		return c.fault(fmt.Errorf("voting job returned %s", vote))
	}

	if err := c.write(ctx, txnlog.CommitRecord(c.id, handles)); err != nil {
		c.jobMu.Unlock()
		return err
	}
	c.stateMu.Lock()
	c.state = txn.Committed
	c.stateMu.Unlock()

	if vote != txn.VotePrepared {
		c.jobMu.Unlock()
		c.logger.Debug("txn.commit.decided", "vote", vote.String())
		c.markSettled(txn.Committed)
		return nil
	}
	cj, err := c.commitJobLocked(handles)
	c.jobMu.Unlock()
	if err != nil {
		return err
	}
	c.logger.Debug("txn.commit.decided", "vote", vote.String())
	return c.await(ctx, cj, remaining, txn.Committed)
}

// commitJobLocked returns the running commit job, starting one if needed.
// It returns nil when the transaction is already settled. The job lock must
// be held.
func (c *Coordinator) commitJobLocked(handles []*participant.Handle) (job.Job, error) {
	if c.Settled() {
		return nil, nil
	}
	if c.job != nil && c.job.Kind() == "commit" {
		return c.job, nil
	}
	cj := job.NewCommitJob(c.jobConfig(0), handles)
	if err := cj.ScheduleTasks(); err != nil {
		return nil, fmt.Errorf("txncoord: schedule commit: %w", err)
	}
	c.job = cj
	return cj, nil
}

// Abort drives the transaction to ABORTED, waiting up to waitFor with the
// same settler handoff as Commit.
func (c *Coordinator) Abort(ctx context.Context, waitFor time.Duration) error {
	return c.abort(ctx, c.budget(waitFor), false)
}

// errLeftActive reports that a lease abort lost the race with Commit.
var errLeftActive = errors.New("txncoord: transaction left active")

func (c *Coordinator) abort(ctx context.Context, remaining func() time.Duration, activeOnly bool) error {
	c.jobMu.Lock()
	c.stateMu.Lock()
	if c.broken != nil {
		err := c.broken
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		return err
	}
	if activeOnly && c.state != txn.Active {
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		return errLeftActive
	}
	handles := append([]*participant.Handle(nil), c.handles...)
	switch c.state {
	case txn.Committed:
		c.stateMu.Unlock()
		c.jobMu.Unlock()
		return fmt.Errorf("%w: transaction committed", txn.ErrCannotAbort)
	case txn.Active, txn.Voting:
		if len(handles) == 0 {
			c.state = txn.Aborted
			c.stateMu.Unlock()
			c.jobMu.Unlock()
			c.markSettled(txn.Aborted)
			return nil
		}
		c.stateMu.Unlock()
		if err := c.write(ctx, txnlog.AbortRecord(c.id, handles)); err != nil {
			c.jobMu.Unlock()
			return err
		}
		c.stateMu.Lock()
		c.state = txn.Aborted
		if c.job != nil {
			c.job.Stop()
			c.job = nil
		}
		c.logger.Debug("txn.abort.decided")
	}
	settled := c.settled
	c.stateMu.Unlock()
	if settled {
		c.jobMu.Unlock()
		return nil
	}
	aj := c.job
	if aj == nil || aj.Kind() != "abort" {
		aj = job.NewAbortJob(c.jobConfig(c.abortAttempts), handles)
		if err := aj.ScheduleTasks(); err != nil {
			c.jobMu.Unlock()
			return fmt.Errorf("txncoord: schedule abort: %w", err)
		}
		c.job = aj
	}
	c.jobMu.Unlock()
	return c.await(ctx, aj, remaining, txn.Aborted)
}

// await waits for an outcome job and marks the transaction settled.
func (c *Coordinator) await(ctx context.Context, j job.Job, remaining func() time.Duration, want txn.State) error {
	done, err := j.IsCompleted(ctx, remaining())
	switch {
	case errors.Is(err, job.ErrStopped):
		return c.fault(fmt.Errorf("%s job stopped", j.Kind()))
	case err != nil:
		return c.handoff(err)
	case !done:
		return c.handoff(nil)
	}
	vote, err := j.ComputeResult()
	if err != nil {
		return c.fault(fmt.Errorf("%s job finished without a result: %w", j.Kind(), err))
	}
	if (want == txn.Committed && vote != txn.VoteCommitted) || (want == txn.Aborted && vote != txn.VoteAborted) {
		return c.fault(fmt.Errorf("%s job returned %s while %s", j.Kind(), vote, want))
	}
	c.markSettled(want)
	return nil
}

// Expire is the lease expiry callback. It aborts an Active transaction
// unless the lease was renewed after the timer was armed. A transaction that
// already left Active is not touched.
func (c *Coordinator) Expire() bool {
	if c.State() != txn.Active || !c.leaseExpired() {
		return false
	}
	return c.abortExpired()
}

func (c *Coordinator) abortExpired() bool {
	if c.State() != txn.Active {
		return false
	}
	err := c.abort(context.Background(), c.budget(0), true)
	switch {
	case errors.Is(err, errLeftActive):
		return false
	case err != nil && !errors.Is(err, txn.ErrTimeoutExpired):
		c.logger.Warn("txn.lease.expired.abort_failed", "error", err)
	}
	c.logger.Info("txn.lease.expired.abort")
	return true
}

// leaseExpired checks and marks expiry atomically under the lease lock.
func (c *Coordinator) leaseExpired() bool {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.expired {
		return true
	}
	if c.expires.IsZero() || c.clock.Now().Before(c.expires) {
		return false
	}
	c.expired = true
	return true
}

// Renew moves the lease expiration to now+duration. Expired and finished
// transactions cannot be renewed.
func (c *Coordinator) Renew(duration time.Duration) (time.Time, error) {
	if c.State().Terminal() {
		return time.Time{}, fmt.Errorf("%w: transaction is %s", txn.ErrUnknownTransaction, c.State())
	}
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	now := c.clock.Now()
	if c.expired || (!c.expires.IsZero() && !now.Before(c.expires)) {
		c.expired = true
		return time.Time{}, fmt.Errorf("%w: lease expired", txn.ErrUnknownTransaction)
	}
	c.expires = now.Add(duration)
	return c.expires, nil
}

// SetExpiration re-arms the lease of a recovered transaction.
func (c *Coordinator) SetExpiration(t time.Time) {
	c.leaseMu.Lock()
	c.expires = t
	c.expired = false
	c.leaseMu.Unlock()
}

// RestoreParticipant implements txnlog.Target.
func (c *Coordinator) RestoreParticipant(ref participant.Ref, crashCount int64) *participant.Handle {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if h := participant.Find(c.handles, ref); h != nil {
		return h
	}
	h := participant.NewHandle(ref, crashCount, c.resolver)
	c.handles = append(c.handles, h)
	return h
}

// RestoreState implements txnlog.Target.
func (c *Coordinator) RestoreState(s txn.State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == s {
		return nil
	}
	if c.state.Terminal() {
		return fmt.Errorf("%w: log moves %s from %s to %s", txn.ErrInternal, c.id, c.state, s)
	}
	c.state = s
	return nil
}

func (c *Coordinator) markSettled(state txn.State) {
	c.stateMu.Lock()
	if c.settled {
		c.stateMu.Unlock()
		return
	}
	c.settled = true
	c.stateMu.Unlock()
	c.metrics.recordOutcome(context.Background(), state)
	if err := c.log.Invalidate(context.Background(), c.id); err != nil {
		c.logger.Warn("txn.settle.invalidate_failed", "state", state.String(), "error", err)
	}
	c.logger.Debug("txn.settled", "state", state.String())
	if c.onSettled != nil {
		c.onSettled(c.id, state)
	}
}

func (c *Coordinator) handoff(cause error) error {
	if c.settler != nil {
		c.settler.Enqueue(c.id)
	}
	c.logger.Debug("txn.wait.expired", "state", c.State().String())
	if cause != nil {
		return fmt.Errorf("%w: %w", txn.ErrTimeoutExpired, cause)
	}
	return txn.ErrTimeoutExpired
}

// fault marks the coordinator unusable.
func (c *Coordinator) fault(err error) error {
	err = fmt.Errorf("%w: %s: %v", txn.ErrInternal, c.id, err)
	c.stateMu.Lock()
	if c.broken == nil {
		c.broken = err
	}
	c.stateMu.Unlock()
	c.logger.Error("txn.internal_fault", "error", err)
	return err
}

func (c *Coordinator) write(ctx context.Context, rec txnlog.Record) error {
	rec.Written = c.clock.Now()
	if err := c.log.Write(ctx, rec); err != nil {
		c.logger.Warn("txnlog.write.failed", "kind", string(rec.Kind), "error", err)
		return fmt.Errorf("%w: %s record: %w", txn.ErrLogWrite, rec.Kind, err)
	}
	return nil
}

func (c *Coordinator) recordVote(ctx context.Context, h *participant.Handle, v txn.Vote) error {
	rec := txnlog.ParticipantRecord(c.id, h, v)
	rec.Written = c.clock.Now()
	return c.log.Write(ctx, rec)
}

func (c *Coordinator) jobConfig(maxAttempts int) job.Config {
	return job.Config{
		TxnID:       c.id,
		Pool:        c.pool,
		Logger:      c.logger,
		CallTimeout: c.callTimeout,
		MaxAttempts: maxAttempts,
		Recorder:    c.recordVote,
	}
}

// budget turns waitFor into a function reporting the time left.
func (c *Coordinator) budget(waitFor time.Duration) func() time.Duration {
	if waitFor < 0 {
		return func() time.Duration { return WaitForever }
	}
	deadline := c.clock.Now().Add(waitFor)
	return func() time.Duration {
		if d := deadline.Sub(c.clock.Now()); d > 0 {
			return d
		}
		return 0
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, txn.ErrTimeoutExpired):
		return "timeout"
	case errors.Is(err, txn.ErrCannotCommit):
		return "cannot_commit"
	default:
		return "error"
	}
}
