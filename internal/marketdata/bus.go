package marketdata

import (
	"sync"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/metrics"
)

const (
	EventQuote         = "quote"
	EventMarginWarning = "margin_warning"
	EventAccount       = "account_event"
)

// Event is pushed to WebSocket subscribers. Events with a UserID are
// delivered only to that user's subscriptions.
type Event struct {
	Type   string `json:"type"`
	UserID string `json:"-"`
	Data   any    `json:"data"`
}

type Subscription struct {
	C      chan Event
	userID string
}

type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for broadcast events and for events
// addressed to userID.
func (b *Bus) Subscribe(userID string) *Subscription {
	sub := &Subscription{C: make(chan Event, 100), userID: userID}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

// Publish never blocks. Slow subscribers lose events.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if evt.UserID != "" && evt.UserID != sub.userID {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			metrics.SinkDropped.WithLabelValues("ws").Inc()
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type accountEvent struct {
	Event      engine.EventType `json:"event"`
	AccountID  string           `json:"account_id"`
	PositionID string           `json:"position_id,omitempty"`
	OrderID    string           `json:"order_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

type marginWarning struct {
	AccountID   string `json:"account_id"`
	LossPercent string `json:"loss_percent"`
	MarginLevel string `json:"margin_level"`
}

// Enqueue forwards engine events to the owning user's sockets.
func (b *Bus) Enqueue(evt engine.Event) {
	if evt.UserID == "" {
		return
	}
	if evt.Type == engine.EventMarginWarning {
		b.Publish(Event{Type: EventMarginWarning, UserID: evt.UserID, Data: marginWarning{
			AccountID:   evt.AccountID,
			LossPercent: evt.LossPercent.StringFixed(2),
			MarginLevel: evt.MarginLevel.StringFixed(2),
		}})
		return
	}
	data := accountEvent{Event: evt.Type, AccountID: evt.AccountID, Reason: evt.Reason}
	if evt.Position != nil {
		data.PositionID = evt.Position.ID
	}
	if evt.Order != nil {
		data.OrderID = evt.Order.ID
	}
	if evt.CloseReason != "" {
		data.Reason = string(evt.CloseReason)
	}
	b.Publish(Event{Type: EventAccount, UserID: evt.UserID, Data: data})
}
