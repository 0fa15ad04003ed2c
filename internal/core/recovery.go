package core

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txncoord"
	"pkt.systems/txnd/internal/txnlog"
)

// Recover replays the durable log into fresh coordinators. Active
// transactions get a new lease at the default duration; every other
// recovered transaction is unsettled by definition and goes to the settler.
// Recover must run before the service takes requests.
func (s *Service) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats
	recovered := make(map[txn.ID]*txncoord.Coordinator)
	var order []txn.ID
	err := s.log.Recover(ctx, func(rec txnlog.Record) error {
		stats.Records++
		c, ok := recovered[rec.TxnID]
		if !ok {
			var err error
			c, err = txncoord.New(rec.TxnID, time.Time{}, s.coordCfg)
			if err != nil {
				return err
			}
			recovered[rec.TxnID] = c
			order = append(order, rec.TxnID)
		}
		if err := rec.Apply(c); err != nil {
			return fmt.Errorf("core: replay %s record for %s: %w", rec.Kind, rec.TxnID, err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("txn.recover.failed", "records", stats.Records, "error", err)
		return stats, err
	}

	expires := s.clock.Now().Add(s.policy.Grant(0))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stats, failure(0, ErrClosed)
	}
	for _, id := range order {
		s.live[id] = recovered[id]
	}
	s.mu.Unlock()

	for _, id := range order {
		c := recovered[id]
		stats.Transactions++
		if c.State() == txn.Active {
			c.SetExpiration(expires)
			s.landlord.Schedule(id, expires)
			stats.Active++
			continue
		}
		s.settler.Enqueue(id)
		stats.Queued++
	}
	s.logger.Info("txn.recover.done",
		"records", stats.Records,
		"transactions", stats.Transactions,
		"active", stats.Active,
		"queued", stats.Queued,
	)
	return stats, nil
}
