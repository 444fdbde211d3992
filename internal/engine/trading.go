package engine

import (
	"context"

	"lv-tradecore/internal/metrics"
	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MarketOrderRequest struct {
	AccountID  string
	Symbol     string
	Side       types.Side
	Volume     decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	IPAddress  string
}

type ModifyPositionRequest struct {
	AccountID  string
	PositionID string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

type CloseResult struct {
	Position     Position          `json:"position"`
	ClosePrice   decimal.Decimal   `json:"close_price"`
	RealizedPnL  decimal.Decimal   `json:"realized_pnl"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
	Reason       types.CloseReason `json:"reason"`
}

type CloseScope string

const (
	CloseScopeAll    CloseScope = "all"
	CloseScopeProfit CloseScope = "profit"
	CloseScopeLoss   CloseScope = "loss"
)

func resultLabel(err error) string {
	if err != nil {
		return "rejected"
	}
	return "accepted"
}

// PlaceMarketOrder opens a position at the current quote. Either the
// position is opened and margin updated, or the account is left exactly as
// it was.
func (e *Engine) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (Position, error) {
	return call(ctx, e, func() (Position, error) {
		p, err := e.openPosition(req)
		metrics.Orders.WithLabelValues("market", resultLabel(err)).Inc()
		if err != nil {
			return Position{}, err
		}
		return p.clone(), nil
	})
}

func (e *Engine) tradable(accountID, code string) (*AccountState, *Symbol, error) {
	if !e.ownsAccount(accountID) {
		return nil, nil, ErrNotOwner
	}
	a, ok := e.accounts[accountID]
	if !ok {
		return nil, nil, ErrInvalidAccount
	}
	if a.Status != types.AccountStatusActive {
		return nil, nil, ErrAccountInactive
	}
	s, ok := e.symbols[code]
	if !ok || s.retired {
		return nil, nil, ErrInvalidSymbol
	}
	if !s.MarketOpen {
		return nil, nil, ErrMarketClosed
	}
	if !s.HasPrice() {
		return nil, nil, ErrPriceNotReady
	}
	return a, s, nil
}

func (e *Engine) openPosition(req MarketOrderRequest) (*Position, error) {
	a, s, err := e.tradable(req.AccountID, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := e.validator.Side(req.Side); err != nil {
		return nil, err
	}
	if err := e.validator.Volume(req.Volume); err != nil {
		return nil, err
	}
	price, closeRef := s.Ask, s.Bid
	if req.Side == types.SideSell {
		price, closeRef = s.Bid, s.Ask
	}
	if err := e.validator.Stops(req.Side, closeRef, req.StopLoss, req.TakeProfit); err != nil {
		return nil, err
	}
	if limit := e.risk.cfg.MaxOpenPositions; limit > 0 && len(a.Positions) >= limit {
		return nil, ErrTooManyPositions
	}

	lev := effectiveLeverage(a.Leverage, s.MaxLeverage)
	p := &Position{
		ID:           e.newID(),
		AccountID:    a.ID,
		Symbol:       s.Code,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    price,
		ContractSize: s.ContractSize,
		Leverage:     int(lev.IntPart()),
		StopLoss:     cloneDecimal(req.StopLoss),
		TakeProfit:   cloneDecimal(req.TakeProfit),
		MarginUsed:   req.Volume.Mul(s.ContractSize).Mul(price).Div(lev),
		IPAddress:    req.IPAddress,
		OpenTime:     e.now(),
	}
	p.UpdatePnL(s.Bid, s.Ask)

	used, equity, free := a.UsedMargin, a.Equity, a.FreeMargin
	a.Positions[p.ID] = p
	e.recomputeMargin(a)
	if a.FreeMargin.IsNegative() {
		delete(a.Positions, p.ID)
		a.UsedMargin, a.Equity, a.FreeMargin = used, equity, free
		return nil, ErrInsufficientMargin
	}

	e.indexExposure(a.ID, p.Symbol)
	e.refreshOpenPositions()
	opened := p.clone()
	e.emit(Event{Type: EventTradeOpen, AccountID: a.ID, UserID: a.UserID, IPAddress: req.IPAddress, Position: &opened})
	return p, nil
}

// recomputeMargin charges margin on the net exposure per symbol. Opposing
// positions in the same symbol offset each other. A net long leg is valued
// at the ask and a net short leg at the bid.
func (e *Engine) recomputeMargin(a *AccountState) {
	type leg struct {
		net decimal.Decimal
		ref *Position
	}
	legs := make(map[string]*leg)
	for _, p := range a.sortedPositions() {
		l, ok := legs[p.Symbol]
		if !ok {
			l = &leg{ref: p}
			legs[p.Symbol] = l
		}
		l.net = l.net.Add(p.signedVolume())
	}

	used := decimal.Zero
	for code, l := range legs {
		if l.net.IsZero() {
			continue
		}
		contractSize, maxLev, price := l.ref.ContractSize, 0, l.ref.OpenPrice
		if s, ok := e.symbols[code]; ok {
			contractSize, maxLev = s.ContractSize, s.MaxLeverage
			if l.net.IsPositive() && s.Ask.IsPositive() {
				price = s.Ask
			} else if l.net.IsNegative() && s.Bid.IsPositive() {
				price = s.Bid
			}
		}
		used = used.Add(l.net.Abs().Mul(contractSize).Mul(price).Div(effectiveLeverage(a.Leverage, maxLev)))
	}
	a.UsedMargin = used
	a.Recalc()
}

// closePosition settles a position at the current quote. The caller must
// ensure the symbol is priced.
func (e *Engine) closePosition(a *AccountState, p *Position, reason types.CloseReason) CloseResult {
	s := e.symbols[p.Symbol]
	p.UpdatePnL(s.Bid, s.Ask)
	closePrice := p.ClosePrice(s.Bid, s.Ask)
	realized := p.FloatingPnL

	a.Balance = a.Balance.Add(realized)
	delete(a.Positions, p.ID)
	e.unindexExposure(a, p.Symbol)
	e.recomputeMargin(a)
	e.refreshOpenPositions()
	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()

	closed := p.clone()
	e.emit(Event{
		Type:         EventTradeClose,
		AccountID:    a.ID,
		UserID:       a.UserID,
		IPAddress:    p.IPAddress,
		Position:     &closed,
		ClosePrice:   closePrice,
		RealizedPnL:  realized,
		BalanceAfter: a.Balance,
		CloseReason:  reason,
	})
	return CloseResult{Position: closed, ClosePrice: closePrice, RealizedPnL: realized, BalanceAfter: a.Balance, Reason: reason}
}

func (e *Engine) priced(code string) bool {
	s, ok := e.symbols[code]
	return ok && s.HasPrice()
}

// SquareOffPosition closes a position at market on the owner's request.
func (e *Engine) SquareOffPosition(ctx context.Context, accountID, positionID string) (CloseResult, error) {
	return call(ctx, e, func() (CloseResult, error) {
		if !e.ownsAccount(accountID) {
			return CloseResult{}, ErrNotOwner
		}
		a, ok := e.accounts[accountID]
		if !ok {
			return CloseResult{}, ErrAccountNotFound
		}
		p, ok := a.Positions[positionID]
		if !ok {
			return CloseResult{}, ErrPositionNotFound
		}
		if !e.priced(p.Symbol) {
			return CloseResult{}, ErrPriceNotAvailable
		}
		return e.closePosition(a, p, types.CloseReasonManual), nil
	})
}

// ClosePositions closes every position of an account matching scope.
// Positions in unpriced symbols are skipped.
func (e *Engine) ClosePositions(ctx context.Context, accountID string, scope CloseScope) ([]CloseResult, error) {
	return call(ctx, e, func() ([]CloseResult, error) {
		if !e.ownsAccount(accountID) {
			return nil, ErrNotOwner
		}
		a, ok := e.accounts[accountID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		var out []CloseResult
		for _, p := range a.sortedPositions() {
			if !e.priced(p.Symbol) {
				continue
			}
			switch scope {
			case CloseScopeProfit:
				if !p.FloatingPnL.IsPositive() {
					continue
				}
			case CloseScopeLoss:
				if !p.FloatingPnL.IsNegative() {
					continue
				}
			}
			out = append(out, e.closePosition(a, p, types.CloseReasonManual))
		}
		return out, nil
	})
}

func (e *Engine) ModifyPosition(ctx context.Context, req ModifyPositionRequest) (Position, error) {
	return call(ctx, e, func() (Position, error) {
		if !e.ownsAccount(req.AccountID) {
			return Position{}, ErrNotOwner
		}
		a, ok := e.accounts[req.AccountID]
		if !ok {
			return Position{}, ErrAccountNotFound
		}
		p, ok := a.Positions[req.PositionID]
		if !ok {
			return Position{}, ErrPositionNotFound
		}
		s, ok := e.symbols[p.Symbol]
		if !ok || !s.HasPrice() {
			return Position{}, ErrPriceNotAvailable
		}
		if err := e.validator.Stops(p.Side, p.ClosePrice(s.Bid, s.Ask), req.StopLoss, req.TakeProfit); err != nil {
			return Position{}, err
		}
		p.StopLoss = cloneDecimal(req.StopLoss)
		p.TakeProfit = cloneDecimal(req.TakeProfit)
		modified := p.clone()
		e.emit(Event{Type: EventPositionModified, AccountID: a.ID, UserID: a.UserID, Position: &modified})
		return p.clone(), nil
	})
}

// RestorePosition reinstates an open position from the durable store
// without emitting events. Restoring a known position is a no-op.
func (e *Engine) RestorePosition(ctx context.Context, pos Position) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		a, ok := e.accounts[pos.AccountID]
		if !ok {
			return struct{}{}, ErrAccountNotFound
		}
		if _, exists := a.Positions[pos.ID]; exists {
			return struct{}{}, nil
		}
		p := pos.clone()
		s, known := e.symbols[p.Symbol]
		if known && !p.ContractSize.IsPositive() {
			p.ContractSize = s.ContractSize
		}
		if !p.ContractSize.IsPositive() {
			e.logger.Warn("restored position has no contract size",
				zap.String("position_id", p.ID), zap.String("symbol", p.Symbol))
			return struct{}{}, ErrInvalidSymbolConfig
		}
		if known && s.HasPrice() {
			p.UpdatePnL(s.Bid, s.Ask)
		}
		a.Positions[p.ID] = &p
		e.indexExposure(a.ID, p.Symbol)
		e.recomputeMargin(a)
		e.refreshOpenPositions()
		return struct{}{}, nil
	})
	return err
}
