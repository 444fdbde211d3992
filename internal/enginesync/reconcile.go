package enginesync

import (
	"context"
	"fmt"
	"time"

	"lv-tradecore/internal/metrics"

	"go.uber.org/zap"
)

// Quiescence exposes the ledger backlog. Balances are only compared while
// no trade settlement is in flight.
type Quiescence interface {
	Pending() int64
	Enqueued() uint64
}

// ReconcileBalances patches live balances that drifted from the store. It
// does nothing while ledger writes or funding changes are outstanding, and a
// balance that changed during the pass is left for the next one.
func (s *Sync) ReconcileBalances(ctx context.Context, ledger Quiescence) (int, error) {
	fundingMark, idle := s.fundingIdle()
	if !idle {
		return 0, nil
	}
	var mark uint64
	if ledger != nil {
		if ledger.Pending() > 0 {
			return 0, nil
		}
		mark = ledger.Enqueued()
	}
	durable, err := s.source.AccountBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("load balances: %w", err)
	}
	live, err := s.engine.Balances(ctx)
	if err != nil {
		return 0, err
	}
	if ledger != nil && (ledger.Pending() > 0 || ledger.Enqueued() != mark) {
		return 0, nil
	}
	if seq, idle := s.fundingIdle(); !idle || seq != fundingMark {
		return 0, nil
	}

	fixed := 0
	for id, bal := range live {
		want, ok := durable[id]
		if !ok || want.Equal(bal) {
			continue
		}
		swapped, err := s.engine.CompareAndSetBalance(ctx, id, bal, want)
		if err != nil {
			s.logger.Warn("balance reconcile failed", zap.String("account_id", id), zap.Error(err))
			continue
		}
		if !swapped {
			continue
		}
		fixed++
		metrics.ReconcileCorrections.Inc()
		s.logger.Warn("balance drift corrected",
			zap.String("account_id", id),
			zap.String("live", bal.String()),
			zap.String("durable", want.String()))
	}
	return fixed, nil
}

func (s *Sync) RunReconciler(ctx context.Context, interval time.Duration, ledger Quiescence) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ReconcileBalances(ctx, ledger); err != nil {
				s.logger.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}
