// Package lease grants transaction lease durations and fires an expiry
// callback for leases that are not renewed in time.
//
// The landlord only owns timers. The authoritative expiration lives with the
// transaction, which re-checks it under its own lock when the callback runs,
// so a renewal racing the timer always wins or loses cleanly.
package lease

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/txn"
)

const (
	// DefaultDuration is granted when the caller asks for none.
	DefaultDuration = time.Minute
	// DefaultMaxDuration caps every grant.
	DefaultMaxDuration = time.Hour
)

// Policy clamps requested lease durations.
type Policy struct {
	Default time.Duration
	Max     time.Duration
}

// Grant returns the duration actually granted for requested.
func (p Policy) Grant(requested time.Duration) time.Duration {
	def := p.Default
	if def <= 0 {
		def = DefaultDuration
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMaxDuration
	}
	if requested <= 0 {
		requested = def
	}
	if requested > max {
		requested = max
	}
	return requested
}

// Info describes a granted lease.
type Info struct {
	ID      txn.ID
	Expires time.Time
}

// Remaining returns the time left at now.
func (i Info) Remaining(now time.Time) time.Duration {
	if d := i.Expires.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Config configures a Landlord.
type Config struct {
	Clock    clock.Clock
	Logger   pslog.Logger
	OnExpire func(id txn.ID)
}

// Landlord schedules one expiry timer per transaction.
type Landlord struct {
	clock    clock.Clock
	logger   pslog.Logger
	onExpire func(txn.ID)

	mu     sync.Mutex
	timers map[txn.ID]clock.Timer
	closed bool
}

// NewLandlord returns a Landlord using cfg.
func NewLandlord(cfg Config) *Landlord {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Landlord{
		clock:    cfg.Clock,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "txn.lease"),
		onExpire: cfg.OnExpire,
		timers:   make(map[txn.ID]clock.Timer),
	}
}

// Schedule arms (or re-arms) the expiry timer for id at expires.
func (l *Landlord) Schedule(id txn.ID, expires time.Time) {
	delay := expires.Sub(l.clock.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if prev, ok := l.timers[id]; ok {
		prev.Stop()
	}
	var timer clock.Timer
	timer = l.clock.AfterFunc(delay, func() {
		l.mu.Lock()
		current, ok := l.timers[id]
		if !ok || current != timer {
			l.mu.Unlock()
			return
		}
		delete(l.timers, id)
		closed := l.closed
		l.mu.Unlock()
		if closed || l.onExpire == nil {
			return
		}
		l.logger.Debug("txn.lease.expired", "txn_id", id.String())
		l.onExpire(id)
	})
	l.timers[id] = timer
}

// Cancel drops the timer for id without firing the callback.
func (l *Landlord) Cancel(id txn.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if timer, ok := l.timers[id]; ok {
		timer.Stop()
		delete(l.timers, id)
	}
}

// Len reports the number of armed timers.
func (l *Landlord) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Close stops every timer.
func (l *Landlord) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, timer := range l.timers {
		timer.Stop()
		delete(l.timers, id)
	}
}
