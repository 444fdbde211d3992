package model

import (
	"time"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	Balance           decimal.Decimal     `json:"balance"`
	Bonus             decimal.Decimal     `json:"bonus"`
	Leverage          int                 `json:"leverage"`
	Status            types.AccountStatus `json:"status"`
	CommissionEnabled bool                `json:"commission_enabled"`
	SwapEnabled       bool                `json:"swap_enabled"`
	SpreadEnabled     bool                `json:"spread_enabled"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Instrument is the durable configuration of a tradable symbol.
type Instrument struct {
	Code           string          `json:"code"`
	ContractSize   decimal.Decimal `json:"contract_size"`
	MaxLeverage    int             `json:"max_leverage"`
	Spread         decimal.Decimal `json:"spread"`
	TickSize       decimal.Decimal `json:"tick_size"`
	PricePrecision int32           `json:"price_precision"`
	Tradeable      bool            `json:"tradeable"`
}

type BonusSettings struct {
	Enabled   bool            `json:"enabled"`
	Percent   decimal.Decimal `json:"percent"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

// Credit returns the bonus granted for a deposit of amount.
func (s BonusSettings) Credit(amount decimal.Decimal) decimal.Decimal {
	if !s.Enabled || !s.Percent.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	credit := amount.Mul(s.Percent).Div(decimal.NewFromInt(100))
	if s.MaxAmount.IsPositive() && credit.GreaterThan(s.MaxAmount) {
		credit = s.MaxAmount
	}
	return credit
}
