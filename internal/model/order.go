package model

import (
	"time"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
)

// Trade is the durable record of one position, open or closed.
type Trade struct {
	ID           string             `json:"id"`
	PositionID   string             `json:"position_id"`
	AccountID    string             `json:"account_id"`
	UserID       string             `json:"user_id"`
	Symbol       string             `json:"symbol"`
	Side         types.Side         `json:"side"`
	Volume       decimal.Decimal    `json:"volume"`
	OpenPrice    decimal.Decimal    `json:"open_price"`
	ClosePrice   *decimal.Decimal   `json:"close_price,omitempty"`
	ContractSize decimal.Decimal    `json:"contract_size"`
	Leverage     int                `json:"leverage"`
	StopLoss     *decimal.Decimal   `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal   `json:"take_profit,omitempty"`
	RealizedPnL  *decimal.Decimal   `json:"realized_pnl,omitempty"`
	Status       types.TradeStatus  `json:"status"`
	CloseReason  *types.CloseReason `json:"close_reason,omitempty"`
	IPAddress    string             `json:"ip_address,omitempty"`
	OpenedAt     time.Time          `json:"opened_at"`
	ClosedAt     *time.Time         `json:"closed_at,omitempty"`
}

// TradeClose carries everything needed to settle a position durably.
// RealizedPnL is the engine's figure and is written as-is.
type TradeClose struct {
	Trade       Trade
	ClosePrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      types.CloseReason
	ClosedAt    time.Time
}

type Transaction struct {
	ID           string                `json:"id"`
	AccountID    string                `json:"account_id"`
	UserID       string                `json:"user_id"`
	Type         types.TransactionType `json:"type"`
	Amount       decimal.Decimal       `json:"amount"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	Reference    string                `json:"reference,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

type PendingOrder struct {
	ID         string              `json:"id"`
	AccountID  string              `json:"account_id"`
	UserID     string              `json:"user_id"`
	Symbol     string              `json:"symbol"`
	Type       types.PendingType   `json:"type"`
	Volume     decimal.Decimal     `json:"volume"`
	Price      decimal.Decimal     `json:"price"`
	StopLoss   *decimal.Decimal    `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal    `json:"take_profit,omitempty"`
	Status     types.PendingStatus `json:"status"`
	PositionID *string             `json:"position_id,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	IPAddress  string              `json:"ip_address,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}
