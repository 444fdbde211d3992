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

type PendingOrder struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id"`
	UserID     string            `json:"user_id"`
	Symbol     string            `json:"symbol"`
	Type       types.PendingType `json:"type"`
	Volume     decimal.Decimal   `json:"volume"`
	Price      decimal.Decimal   `json:"price"`
	StopLoss   *decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal  `json:"take_profit,omitempty"`
	IPAddress  string            `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (o *PendingOrder) clone() PendingOrder {
	c := *o
	c.StopLoss = cloneDecimal(o.StopLoss)
	c.TakeProfit = cloneDecimal(o.TakeProfit)
	return c
}

func (o *PendingOrder) before(other *PendingOrder) bool {
	if c := o.Price.Cmp(other.Price); c != 0 {
		return c < 0
	}
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.ID < other.ID
}

type PendingOrderRequest struct {
	AccountID  string
	Symbol     string
	Type       types.PendingType
	Volume     decimal.Decimal
	Price      decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	IPAddress  string
}

// ModifyPendingRequest replaces the trigger price when Price is set. Stop
// loss and take profit are always replaced, nil clears them.
type ModifyPendingRequest struct {
	AccountID  string
	OrderID    string
	Price      *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// pendingBook keeps each order type of one symbol sorted by trigger price.
type pendingBook struct {
	lists map[types.PendingType][]*PendingOrder
}

func newPendingBook() *pendingBook {
	return &pendingBook{lists: make(map[types.PendingType][]*PendingOrder)}
}

func (b *pendingBook) insert(o *PendingOrder) {
	l := b.lists[o.Type]
	i := sort.Search(len(l), func(i int) bool { return o.before(l[i]) })
	l = append(l, nil)
	copy(l[i+1:], l[i:])
	l[i] = o
	b.lists[o.Type] = l
}

func (b *pendingBook) remove(o *PendingOrder) {
	l := b.lists[o.Type]
	for i, cur := range l {
		if cur.ID == o.ID {
			b.lists[o.Type] = append(l[:i], l[i+1:]...)
			return
		}
	}
}

func (b *pendingBook) empty() bool {
	for _, l := range b.lists {
		if len(l) > 0 {
			return false
		}
	}
	return true
}

func (b *pendingBook) all() []*PendingOrder {
	var out []*PendingOrder
	for _, l := range b.lists {
		out = append(out, l...)
	}
	sortByAge(out)
	return out
}

// triggered removes and returns every order the quote has reached.
// Buy orders compare against the ask, sell orders against the bid.
func (b *pendingBook) triggered(bid, ask decimal.Decimal) []*PendingOrder {
	var hits []*PendingOrder
	atOrAbove := func(typ types.PendingType, level decimal.Decimal) {
		l := b.lists[typ]
		i := sort.Search(len(l), func(i int) bool { return l[i].Price.GreaterThanOrEqual(level) })
		hits = append(hits, l[i:]...)
		b.lists[typ] = l[:i]
	}
	atOrBelow := func(typ types.PendingType, level decimal.Decimal) {
		l := b.lists[typ]
		i := sort.Search(len(l), func(i int) bool { return l[i].Price.GreaterThan(level) })
		hits = append(hits, l[:i]...)
		b.lists[typ] = append([]*PendingOrder(nil), l[i:]...)
	}
	atOrAbove(types.PendingBuyLimit, ask)
	atOrBelow(types.PendingBuyStop, ask)
	atOrBelow(types.PendingSellLimit, bid)
	atOrAbove(types.PendingSellStop, bid)
	sortByAge(hits)
	return hits
}

func sortByAge(orders []*PendingOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

func (e *Engine) addPending(o *PendingOrder) {
	e.pending[o.ID] = o
	book, ok := e.books[o.Symbol]
	if !ok {
		book = newPendingBook()
		e.books[o.Symbol] = book
	}
	book.insert(o)
}

func (e *Engine) removePending(id string) {
	o, ok := e.pending[id]
	if !ok {
		return
	}
	delete(e.pending, id)
	if book, ok := e.books[o.Symbol]; ok {
		book.remove(o)
		if book.empty() {
			delete(e.books, o.Symbol)
		}
	}
}

func (e *Engine) cancelPending(o *PendingOrder, reason string) {
	e.removePending(o.ID)
	cancelled := o.clone()
	e.emit(Event{Type: EventPendingCancelled, AccountID: o.AccountID, UserID: o.UserID, Order: &cancelled, Reason: reason})
}

func (e *Engine) pendingForAccount(accountID string) []*PendingOrder {
	var out []*PendingOrder
	for _, o := range e.pending {
		if o.AccountID == accountID {
			out = append(out, o)
		}
	}
	sortByAge(out)
	return out
}

func (e *Engine) PlacePendingOrder(ctx context.Context, req PendingOrderRequest) (PendingOrder, error) {
	return call(ctx, e, func() (PendingOrder, error) {
		o, err := e.placePending(req)
		metrics.Orders.WithLabelValues("pending", resultLabel(err)).Inc()
		if err != nil {
			return PendingOrder{}, err
		}
		return o.clone(), nil
	})
}

func (e *Engine) placePending(req PendingOrderRequest) (*PendingOrder, error) {
	a, s, err := e.tradable(req.AccountID, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := e.validator.Volume(req.Volume); err != nil {
		return nil, err
	}
	if err := e.validator.PendingPrice(req.Type, req.Price, s.Bid, s.Ask); err != nil {
		return nil, err
	}
	if err := e.validator.Stops(req.Type.Side(), req.Price, req.StopLoss, req.TakeProfit); err != nil {
		return nil, err
	}
	o := &PendingOrder{
		ID:         e.newID(),
		AccountID:  a.ID,
		UserID:     a.UserID,
		Symbol:     s.Code,
		Type:       req.Type,
		Volume:     req.Volume,
		Price:      req.Price,
		StopLoss:   cloneDecimal(req.StopLoss),
		TakeProfit: cloneDecimal(req.TakeProfit),
		IPAddress:  req.IPAddress,
		CreatedAt:  e.now(),
	}
	e.addPending(o)
	placed := o.clone()
	e.emit(Event{Type: EventPendingPlaced, AccountID: a.ID, UserID: a.UserID, IPAddress: req.IPAddress, Order: &placed})
	return o, nil
}

func (e *Engine) ModifyPendingOrder(ctx context.Context, req ModifyPendingRequest) (PendingOrder, error) {
	return call(ctx, e, func() (PendingOrder, error) {
		if !e.ownsAccount(req.AccountID) {
			return PendingOrder{}, ErrNotOwner
		}
		o, ok := e.pending[req.OrderID]
		if !ok || o.AccountID != req.AccountID {
			return PendingOrder{}, ErrOrderNotFound
		}
		s, ok := e.symbols[o.Symbol]
		if !ok || !s.HasPrice() {
			return PendingOrder{}, ErrPriceNotAvailable
		}
		price := o.Price
		if req.Price != nil {
			price = *req.Price
		}
		if err := e.validator.PendingPrice(o.Type, price, s.Bid, s.Ask); err != nil {
			return PendingOrder{}, err
		}
		if err := e.validator.Stops(o.Type.Side(), price, req.StopLoss, req.TakeProfit); err != nil {
			return PendingOrder{}, err
		}
		e.removePending(o.ID)
		o.Price = price
		o.StopLoss = cloneDecimal(req.StopLoss)
		o.TakeProfit = cloneDecimal(req.TakeProfit)
		e.addPending(o)
		modified := o.clone()
		e.emit(Event{Type: EventPendingModified, AccountID: o.AccountID, UserID: o.UserID, Order: &modified})
		return o.clone(), nil
	})
}

func (e *Engine) CancelPendingOrder(ctx context.Context, accountID, orderID string) (PendingOrder, error) {
	return call(ctx, e, func() (PendingOrder, error) {
		if !e.ownsAccount(accountID) {
			return PendingOrder{}, ErrNotOwner
		}
		o, ok := e.pending[orderID]
		if !ok || o.AccountID != accountID {
			return PendingOrder{}, ErrOrderNotFound
		}
		e.cancelPending(o, "cancelled by user")
		return o.clone(), nil
	})
}

// RestorePendingOrder reinstates a resting order from the durable store
// without emitting events.
func (e *Engine) RestorePendingOrder(ctx context.Context, order PendingOrder) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		a, ok := e.accounts[order.AccountID]
		if !ok {
			return struct{}{}, ErrAccountNotFound
		}
		if _, ok := e.symbols[order.Symbol]; !ok {
			return struct{}{}, ErrInvalidSymbol
		}
		if _, exists := e.pending[order.ID]; exists {
			return struct{}{}, nil
		}
		o := order.clone()
		o.UserID = a.UserID
		e.addPending(&o)
		return struct{}{}, nil
	})
	return err
}

// triggerPending fills every order the symbol's quote has reached, oldest
// first. An order that can no longer be filled is cancelled.
func (e *Engine) triggerPending(s *Symbol) {
	if !s.MarketOpen {
		return
	}
	book, ok := e.books[s.Code]
	if !ok {
		return
	}
	hits := book.triggered(s.Bid, s.Ask)
	if book.empty() {
		delete(e.books, s.Code)
	}
	for _, o := range hits {
		delete(e.pending, o.ID)
		p, err := e.openPosition(MarketOrderRequest{
			AccountID:  o.AccountID,
			Symbol:     o.Symbol,
			Side:       o.Type.Side(),
			Volume:     o.Volume,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			IPAddress:  o.IPAddress,
		})
		metrics.Orders.WithLabelValues("pending_fill", resultLabel(err)).Inc()
		order := o.clone()
		if err != nil {
			e.logger.Info("pending order cancelled on trigger",
				zap.String("order_id", o.ID), zap.String("account_id", o.AccountID), zap.Error(err))
			e.emit(Event{Type: EventPendingCancelled, AccountID: o.AccountID, UserID: o.UserID, Order: &order, Reason: err.Error()})
			continue
		}
		filled := p.clone()
		e.emit(Event{Type: EventPendingFilled, AccountID: o.AccountID, UserID: o.UserID, Order: &order, Position: &filled})
	}
}
