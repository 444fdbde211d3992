package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

type SymbolConfig struct {
	ContractSize   decimal.Decimal
	MaxLeverage    int
	Spread         decimal.Decimal
	TickSize       decimal.Decimal
	PricePrecision int32
}

func (c SymbolConfig) Validate() error {
	if !c.ContractSize.IsPositive() {
		return fmt.Errorf("%w: contract size must be positive", ErrInvalidSymbolConfig)
	}
	if c.MaxLeverage < 0 {
		return fmt.Errorf("%w: max leverage must not be negative", ErrInvalidSymbolConfig)
	}
	if c.Spread.IsNegative() {
		return fmt.Errorf("%w: spread must not be negative", ErrInvalidSymbolConfig)
	}
	if c.PricePrecision < 0 {
		return fmt.Errorf("%w: price precision must not be negative", ErrInvalidSymbolConfig)
	}
	return nil
}

type Symbol struct {
	Code string
	SymbolConfig

	Bid        decimal.Decimal
	Ask        decimal.Decimal
	LastTickAt time.Time
	MarketOpen bool

	// retired symbols accept no new orders but keep pricing existing
	// positions until those close.
	retired bool
}

func (s *Symbol) HasPrice() bool {
	return s.Bid.IsPositive() && s.Ask.IsPositive()
}

// applyQuote widens the raw quote by the configured markup, split evenly
// across both sides, and rounds to the symbol's precision.
func (s *Symbol) applyQuote(bid, ask decimal.Decimal, at time.Time) {
	if s.Spread.IsPositive() {
		half := s.Spread.Div(two)
		bid = bid.Sub(half)
		ask = ask.Add(half)
	}
	if s.PricePrecision > 0 {
		bid = bid.Round(s.PricePrecision)
		ask = ask.Round(s.PricePrecision)
	}
	s.Bid = bid
	s.Ask = ask
	s.LastTickAt = at
}

// effectiveLeverage is the lower of the account and symbol caps. A
// non-positive value on either side means that side imposes no cap.
func effectiveLeverage(accountLeverage, symbolMax int) decimal.Decimal {
	lev := accountLeverage
	if lev <= 0 || (symbolMax > 0 && symbolMax < lev) {
		lev = symbolMax
	}
	if lev <= 0 {
		lev = 1
	}
	return decimal.NewFromInt(int64(lev))
}

type Quote struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	MarketOpen bool            `json:"market_open"`
	At         time.Time       `json:"at"`
}
