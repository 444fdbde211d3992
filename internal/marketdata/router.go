package marketdata

import (
	"context"
	"errors"
	"strings"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tick is a raw quote from a price source.
type Tick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

type TickEngine interface {
	OnTick(ctx context.Context, code string, bid, ask decimal.Decimal) error
	Quote(ctx context.Context, code string) (engine.Quote, error)
}

// PriceRouter feeds ticks into the engine in arrival order and republishes
// the resulting client-facing quotes on the bus.
type PriceRouter struct {
	eng    TickEngine
	bus    *Bus
	in     chan Tick
	logger *zap.Logger
}

func NewPriceRouter(eng TickEngine, bus *Bus, buffer int, logger *zap.Logger) *PriceRouter {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceRouter{eng: eng, bus: bus, in: make(chan Tick, buffer), logger: logger.Named("router")}
}

// Submit queues a tick without blocking. It reports false when the tick
// was dropped because the router is behind.
func (r *PriceRouter) Submit(t Tick) bool {
	select {
	case r.in <- t:
		return true
	default:
		metrics.TicksDropped.WithLabelValues("backpressure").Inc()
		return false
	}
}

func (r *PriceRouter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-r.in:
			if err := r.Route(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Debug("tick rejected", zap.String("symbol", t.Symbol), zap.Error(err))
			}
		}
	}
}

// Route applies a single tick synchronously.
func (r *PriceRouter) Route(ctx context.Context, t Tick) error {
	code := strings.ToUpper(strings.TrimSpace(t.Symbol))
	if err := r.eng.OnTick(ctx, code, t.Bid, t.Ask); err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidSymbol):
			metrics.TicksDropped.WithLabelValues("unknown_symbol").Inc()
		case errors.Is(err, engine.ErrInvalidTick):
			metrics.TicksDropped.WithLabelValues("invalid").Inc()
		}
		return err
	}
	if r.bus == nil {
		return nil
	}
	q, err := r.eng.Quote(ctx, code)
	if err != nil {
		return err
	}
	r.bus.Publish(Event{Type: EventQuote, Data: q})
	return nil
}
