// Package core implements the transaction manager: it issues transaction
// ids, routes calls to per-transaction coordinators, ties leases to them and
// rebuilds unsettled work from the durable log on start.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/job"
	"pkt.systems/txnd/internal/lease"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/settler"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txncoord"
	"pkt.systems/txnd/internal/txnlog"
)

// DefaultRetainSettled is how long a settled outcome stays queryable.
const DefaultRetainSettled = 10 * time.Minute

// Config captures the dependencies and behavioural knobs of the manager.
type Config struct {
	Log      txnlog.Log
	Pool     job.Submitter
	Resolver participant.Resolver
	Lease    lease.Policy
	Clock    clock.Clock
	Logger   pslog.Logger

	CallTimeout     time.Duration
	PrepareAttempts int
	AbortAttempts   int

	SettlerWorkers      int
	SettlerRequeueDelay time.Duration
	SettlerRequeueRate  float64

	// RetainSettled keeps finished outcomes answerable by State. Negative
	// forgets them immediately.
	RetainSettled time.Duration
}

// Created is returned by Create.
type Created struct {
	ID    txn.ID
	Lease lease.Info
}

// RecoveryStats summarises a Recover pass.
type RecoveryStats struct {
	Records      int
	Transactions int
	Active       int
	Queued       int
}

type retained struct {
	state txn.State
	timer clock.Timer
}

// Service aggregates the transport-agnostic transaction manager.
type Service struct {
	log      txnlog.Log
	coordCfg txncoord.Config
	policy   lease.Policy
	clock    clock.Clock
	logger   pslog.Logger
	retain   time.Duration
	landlord *lease.Landlord
	settler  *settler.Settler
	metrics  *serviceMetrics

	mu       sync.RWMutex
	live     map[txn.ID]*txncoord.Coordinator
	finished map[txn.ID]retained
	closed   bool
}

// New constructs the Service and starts its settler.
func New(cfg Config) (*Service, error) {
	if cfg.Log == nil {
		return nil, errors.New("core: log required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("core: participant pool required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.RetainSettled == 0 {
		cfg.RetainSettled = DefaultRetainSettled
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "txn.manager")
	s := &Service{
		log:      cfg.Log,
		policy:   cfg.Lease,
		clock:    cfg.Clock,
		logger:   logger,
		retain:   cfg.RetainSettled,
		metrics:  newServiceMetrics(logger),
		live:     make(map[txn.ID]*txncoord.Coordinator),
		finished: make(map[txn.ID]retained),
	}
	s.landlord = lease.NewLandlord(lease.Config{
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		OnExpire: s.expire,
	})
	s.settler = settler.New(settler.Config{
		Lookup:       s.lookupForSettler,
		Workers:      cfg.SettlerWorkers,
		RequeueDelay: cfg.SettlerRequeueDelay,
		RequeueRate:  cfg.SettlerRequeueRate,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	s.coordCfg = txncoord.Config{
		Log:             cfg.Log,
		Pool:            cfg.Pool,
		Settler:         s.settler,
		Resolver:        cfg.Resolver,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger,
		CallTimeout:     cfg.CallTimeout,
		PrepareAttempts: cfg.PrepareAttempts,
		AbortAttempts:   cfg.AbortAttempts,
		OnSettled:       s.settled,
		OnVoting:        s.landlord.Cancel,
	}
	return s, nil
}

// Create starts a transaction with a lease of leaseDuration, clamped by the
// lease policy.
func (s *Service) Create(ctx context.Context, leaseDuration time.Duration) (Created, error) {
	if leaseDuration < 0 {
		return Created{}, invalid("invalid_lease", "lease duration must be >= 0")
	}
	expires := s.clock.Now().Add(s.policy.Grant(leaseDuration))
	for {
		id, err := txn.NewID()
		if err != nil {
			return Created{}, failure(0, fmt.Errorf("%w: %v", txn.ErrInternal, err))
		}
		c, err := txncoord.New(id, expires, s.coordCfg)
		if err != nil {
			return Created{}, failure(id, err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Created{}, failure(id, ErrClosed)
		}
		_, dupLive := s.live[id]
		_, dupDone := s.finished[id]
		if dupLive || dupDone {
			s.mu.Unlock()
			continue
		}
		s.live[id] = c
		s.mu.Unlock()
		s.landlord.Schedule(id, expires)
		s.metrics.recordCreated(ctx)
		s.logger.Debug("txn.create", "txn_id", id.String(), "expires_at", expires)
		return Created{ID: id, Lease: lease.Info{ID: id, Expires: expires}}, nil
	}
}

// Join enlists a participant in id.
func (s *Service) Join(ctx context.Context, id txn.ID, ref participant.Ref, crashCount int64) error {
	if err := ref.Validate(); err != nil {
		return invalid("invalid_participant", err.Error())
	}
	c, state, err := s.lookup(id)
	if err != nil {
		return err
	}
	if c == nil {
		return failure(id, fmt.Errorf("%w: transaction is %s", txn.ErrCannotJoin, state))
	}
	return failure(id, c.Join(ctx, ref, crashCount))
}

// State returns the manager state of id.
func (s *Service) State(_ context.Context, id txn.ID) (txn.State, error) {
	c, state, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return state, nil
	}
	return c.State(), nil
}

// Commit commits id, waiting up to waitFor. A negative waitFor waits until
// every participant has been told.
func (s *Service) Commit(ctx context.Context, id txn.ID, waitFor time.Duration) error {
	c, state, err := s.lookup(id)
	if err != nil {
		return err
	}
	if c == nil {
		if state == txn.Committed {
			return nil
		}
		return failure(id, fmt.Errorf("%w: transaction aborted", txn.ErrCannotCommit))
	}
	err = c.Commit(ctx, waitFor)
	if err == nil || !errors.Is(err, txn.ErrTimeoutExpired) {
		s.landlord.Cancel(id)
	}
	return failure(id, err)
}

// Abort aborts id, waiting up to waitFor.
func (s *Service) Abort(ctx context.Context, id txn.ID, waitFor time.Duration) error {
	c, state, err := s.lookup(id)
	if err != nil {
		return err
	}
	if c == nil {
		if state == txn.Aborted {
			return nil
		}
		return failure(id, fmt.Errorf("%w: transaction committed", txn.ErrCannotAbort))
	}
	err = c.Abort(ctx, waitFor)
	if c.State().Terminal() {
		s.landlord.Cancel(id)
	}
	return failure(id, err)
}

// Renew extends the lease of id by extension, clamped by the lease policy.
func (s *Service) Renew(_ context.Context, id txn.ID, extension time.Duration) (lease.Info, error) {
	if extension < 0 {
		return lease.Info{}, invalid("invalid_lease", "extension must be >= 0")
	}
	c, _, err := s.lookup(id)
	if err != nil {
		return lease.Info{}, err
	}
	if c == nil {
		return lease.Info{}, unknown(id)
	}
	expires, err := c.Renew(s.policy.Grant(extension))
	if err != nil {
		return lease.Info{}, failure(id, err)
	}
	if c.State() == txn.Active {
		s.landlord.Schedule(id, expires)
	}
	s.logger.Debug("txn.renew", "txn_id", id.String(), "expires_at", expires)
	return lease.Info{ID: id, Expires: expires}, nil
}

// Cancel gives up the lease of id, which aborts it without waiting.
func (s *Service) Cancel(ctx context.Context, id txn.ID) error {
	err := s.Abort(ctx, id, 0)
	if errors.Is(err, txn.ErrTimeoutExpired) {
		return nil
	}
	return err
}

// Pending reports live transactions and those waiting on the settler.
func (s *Service) Pending() (live int, settling int) {
	s.mu.RLock()
	live = len(s.live)
	s.mu.RUnlock()
	return live, s.settler.Pending()
}

// Close stops lease timers and the settler. The log and participant pool
// belong to the caller.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, r := range s.finished {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(s.finished, id)
	}
	s.mu.Unlock()
	s.landlord.Close()
	if err := s.settler.Close(ctx); err != nil && !errors.Is(err, settler.ErrClosed) {
		return err
	}
	return nil
}

// lookup returns the live coordinator for id, or the retained final state
// when it already settled.
func (s *Service) lookup(id txn.ID) (*txncoord.Coordinator, txn.State, error) {
	if id == 0 {
		return nil, 0, invalid("missing_txn", "txn_id required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, failure(id, ErrClosed)
	}
	if c, ok := s.live[id]; ok {
		return c, c.State(), nil
	}
	if r, ok := s.finished[id]; ok {
		return nil, r.state, nil
	}
	return nil, 0, unknown(id)
}

func (s *Service) lookupForSettler(id txn.ID) (settler.Coordinator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.live[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Service) expire(id txn.ID) {
	s.mu.RLock()
	c, ok := s.live[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if c.Expire() {
		s.logger.Info("txn.lease.expired", "txn_id", id.String())
		return
	}
	// Renewed after the timer was armed: follow the new expiration. Once
	// voting started the lease no longer applies.
	if exp := c.Expires(); !exp.IsZero() && c.State() == txn.Active {
		s.landlord.Schedule(id, exp)
	}
}

// settled moves id from the live set into the retained outcomes.
func (s *Service) settled(id txn.ID, state txn.State) {
	s.landlord.Cancel(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
	if s.closed || s.retain < 0 {
		return
	}
	r := retained{state: state}
	r.timer = s.clock.AfterFunc(s.retain, func() {
		s.mu.Lock()
		delete(s.finished, id)
		s.mu.Unlock()
	})
	s.finished[id] = r
}
