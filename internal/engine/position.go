package engine

import (
	"time"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	Symbol       string           `json:"symbol"`
	Side         types.Side       `json:"side"`
	Volume       decimal.Decimal  `json:"volume"`
	OpenPrice    decimal.Decimal  `json:"open_price"`
	ContractSize decimal.Decimal  `json:"contract_size"`
	Leverage     int              `json:"leverage"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	FloatingPnL  decimal.Decimal  `json:"floating_pnl"`
	MarginUsed   decimal.Decimal  `json:"margin_used"`
	IPAddress    string           `json:"-"`
	OpenTime     time.Time        `json:"open_time"`
}

// UpdatePnL marks the position to market. Buys are valued at the bid and
// sells at the ask, the prices they would close at.
func (p *Position) UpdatePnL(bid, ask decimal.Decimal) {
	size := p.Volume.Mul(p.ContractSize)
	if p.Side == types.SideBuy {
		p.FloatingPnL = bid.Sub(p.OpenPrice).Mul(size)
		return
	}
	p.FloatingPnL = p.OpenPrice.Sub(ask).Mul(size)
}

func (p *Position) ClosePrice(bid, ask decimal.Decimal) decimal.Decimal {
	if p.Side == types.SideBuy {
		return bid
	}
	return ask
}

func (p *Position) signedVolume() decimal.Decimal {
	if p.Side == types.SideSell {
		return p.Volume.Neg()
	}
	return p.Volume
}

// stopHit reports which protective level, if any, the quote has crossed.
func (p *Position) stopHit(bid, ask decimal.Decimal) (types.CloseReason, bool) {
	price := p.ClosePrice(bid, ask)
	if p.Side == types.SideBuy {
		if p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss) {
			return types.CloseReasonStopLoss, true
		}
		if p.TakeProfit != nil && price.GreaterThanOrEqual(*p.TakeProfit) {
			return types.CloseReasonTakeProfit, true
		}
		return "", false
	}
	if p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss) {
		return types.CloseReasonStopLoss, true
	}
	if p.TakeProfit != nil && price.LessThanOrEqual(*p.TakeProfit) {
		return types.CloseReasonTakeProfit, true
	}
	return "", false
}

func (p *Position) clone() Position {
	c := *p
	c.StopLoss = cloneDecimal(p.StopLoss)
	c.TakeProfit = cloneDecimal(p.TakeProfit)
	return c
}

func cloneDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
