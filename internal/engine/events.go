package engine

import (
	"time"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTradeOpen        EventType = "trade_open"
	EventTradeClose       EventType = "trade_close"
	EventPositionModified EventType = "position_modified"
	EventPendingPlaced    EventType = "pending_placed"
	EventPendingModified  EventType = "pending_modified"
	EventPendingCancelled EventType = "pending_cancelled"
	EventPendingFilled    EventType = "pending_filled"
	EventMarginWarning    EventType = "margin_warning"
)

// Event describes a state change the engine has already committed in
// memory. Position and Order are copies owned by the receiver.
type Event struct {
	Type      EventType
	AccountID string
	UserID    string
	IPAddress string
	At        time.Time

	Position *Position
	Order    *PendingOrder

	ClosePrice   decimal.Decimal
	RealizedPnL  decimal.Decimal
	BalanceAfter decimal.Decimal
	CloseReason  types.CloseReason

	// Reason explains a pending order cancellation.
	Reason string

	LossPercent decimal.Decimal
	MarginLevel decimal.Decimal
}

// EventSink receives engine events. Enqueue is called from the engine loop
// and must not block.
type EventSink interface {
	Enqueue(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Enqueue(e Event) { f(e) }
