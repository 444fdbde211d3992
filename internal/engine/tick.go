package engine

import (
	"context"
	"sort"
	"time"

	"lv-tradecore/internal/metrics"
	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OnTick applies a raw quote for a symbol: marks every exposed position to
// market, fires stop loss and take profit, enforces stop-out, raises margin
// warnings and triggers pending orders. Ticks for one symbol must be
// submitted in arrival order.
func (e *Engine) OnTick(ctx context.Context, code string, bid, ask decimal.Decimal) error {
	start := time.Now()
	_, err := call(ctx, e, func() (struct{}, error) {
		return struct{}{}, e.applyTick(code, bid, ask)
	})
	metrics.TickLatency.WithLabelValues(code).Observe(float64(time.Since(start).Microseconds()) / 1000)
	return err
}

func (e *Engine) applyTick(code string, bid, ask decimal.Decimal) error {
	s, ok := e.symbols[code]
	if !ok {
		return ErrInvalidSymbol
	}
	if !bid.IsPositive() || !ask.IsPositive() || ask.LessThan(bid) {
		return ErrInvalidTick
	}
	s.applyQuote(bid, ask, e.now())

	ids := make([]string, 0, len(e.exposure[code]))
	for id := range e.exposure[code] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a, ok := e.accounts[id]
		if !ok {
			continue
		}
		for _, p := range a.Positions {
			if p.Symbol == code {
				p.UpdatePnL(s.Bid, s.Ask)
			}
		}
		e.recomputeMargin(a)
		e.checkStops(a, s)
		e.enforceStopOut(a)
		e.checkWarning(a)
	}

	e.triggerPending(s)
	return nil
}

func (e *Engine) checkStops(a *AccountState, s *Symbol) {
	for _, p := range a.sortedPositions() {
		if p.Symbol != s.Code {
			continue
		}
		if reason, hit := p.stopHit(s.Bid, s.Ask); hit {
			e.closePosition(a, p, reason)
		}
	}
}

// enforceStopOut closes the worst losing position until the account is back
// under the stop-out threshold or nothing closable is left.
func (e *Engine) enforceStopOut(a *AccountState) {
	for e.risk.ShouldStopOut(a) {
		victim := e.worstPosition(a)
		if victim == nil {
			return
		}
		e.logger.Warn("stop out",
			zap.String("account_id", a.ID),
			zap.String("position_id", victim.ID),
			zap.String("loss_percent", e.risk.LossPercent(a).StringFixed(2)))
		e.closePosition(a, victim, types.CloseReasonStopOut)
	}
}

// worstPosition picks the priced position with the lowest floating PnL.
// Ties go to the oldest position.
func (e *Engine) worstPosition(a *AccountState) *Position {
	var worst *Position
	for _, p := range a.sortedPositions() {
		if !e.priced(p.Symbol) {
			continue
		}
		if worst == nil || p.FloatingPnL.LessThan(worst.FloatingPnL) {
			worst = p
		}
	}
	return worst
}

func (e *Engine) checkWarning(a *AccountState) {
	if !e.risk.CheckWarning(a) {
		return
	}
	metrics.MarginWarnings.Inc()
	e.emit(Event{
		Type:        EventMarginWarning,
		AccountID:   a.ID,
		UserID:      a.UserID,
		LossPercent: e.risk.LossPercent(a),
		MarginLevel: e.risk.MarginLevel(a),
	})
}
