package engine

import (
	"sort"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
)

// AccountSpec is what the engine needs to know about an account from the
// durable store.
type AccountSpec struct {
	ID                string
	UserID            string
	Balance           decimal.Decimal
	Bonus             decimal.Decimal
	Leverage          int
	Status            types.AccountStatus
	CommissionEnabled bool
	SwapEnabled       bool
	SpreadEnabled     bool
}

type AccountState struct {
	ID                string
	UserID            string
	Balance           decimal.Decimal
	Bonus             decimal.Decimal
	Leverage          int
	Status            types.AccountStatus
	CommissionEnabled bool
	SwapEnabled       bool
	SpreadEnabled     bool

	Positions  map[string]*Position
	UsedMargin decimal.Decimal
	Equity     decimal.Decimal
	FreeMargin decimal.Decimal

	warned bool
}

func newAccountState(spec AccountSpec) *AccountState {
	a := &AccountState{Positions: make(map[string]*Position)}
	a.apply(spec)
	a.Recalc()
	return a
}

func (a *AccountState) apply(spec AccountSpec) {
	a.ID = spec.ID
	a.UserID = spec.UserID
	a.Balance = spec.Balance
	a.Bonus = spec.Bonus
	a.Leverage = spec.Leverage
	a.Status = spec.Status
	if a.Status == "" {
		a.Status = types.AccountStatusActive
	}
	a.CommissionEnabled = spec.CommissionEnabled
	a.SwapEnabled = spec.SwapEnabled
	a.SpreadEnabled = spec.SpreadEnabled
}

// Recalc derives equity and free margin from balance, floating PnL and the
// current used margin. Bonus is not part of equity.
func (a *AccountState) Recalc() {
	pnl := decimal.Zero
	for _, p := range a.Positions {
		pnl = pnl.Add(p.FloatingPnL)
	}
	a.Equity = a.Balance.Add(pnl)
	a.FreeMargin = a.Equity.Sub(a.UsedMargin)
}

// sortedPositions returns positions by open time, then ID.
func (a *AccountState) sortedPositions() []*Position {
	out := make([]*Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type AccountSnapshot struct {
	AccountID         string              `json:"account_id"`
	UserID            string              `json:"user_id"`
	Balance           decimal.Decimal     `json:"balance"`
	Bonus             decimal.Decimal     `json:"bonus"`
	Equity            decimal.Decimal     `json:"equity"`
	UsedMargin        decimal.Decimal     `json:"used_margin"`
	FreeMargin        decimal.Decimal     `json:"free_margin"`
	MarginLevel       decimal.Decimal     `json:"margin_level"`
	LossPercent       decimal.Decimal     `json:"loss_percent"`
	Leverage          int                 `json:"leverage"`
	Status            types.AccountStatus `json:"status"`
	CommissionEnabled bool                `json:"commission_enabled"`
	SwapEnabled       bool                `json:"swap_enabled"`
	SpreadEnabled     bool                `json:"spread_enabled"`
	Positions         []Position          `json:"positions"`
	PendingOrders     []PendingOrder      `json:"pending_orders"`
}
