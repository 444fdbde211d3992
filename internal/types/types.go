package types

type Side string

type PendingType string

type CloseReason string

type TradeStatus string

type PendingStatus string

type AccountStatus string

type TransactionType string

type SyncType string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	PendingBuyLimit  PendingType = "BUY_LIMIT"
	PendingSellLimit PendingType = "SELL_LIMIT"
	PendingBuyStop   PendingType = "BUY_STOP"
	PendingSellStop  PendingType = "SELL_STOP"
)

const (
	CloseReasonManual     CloseReason = "MANUAL_CLOSE"
	CloseReasonStopOut    CloseReason = "STOP_OUT"
	CloseReasonStopLoss   CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit CloseReason = "TAKE_PROFIT"
)

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

const (
	PendingStatusPending   PendingStatus = "PENDING"
	PendingStatusFilled    PendingStatus = "FILLED"
	PendingStatusCancelled PendingStatus = "CANCELLED"
)

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
)

const (
	TransactionTradeProfit TransactionType = "TRADE_PROFIT"
	TransactionTradeLoss   TransactionType = "TRADE_LOSS"
	TransactionDeposit     TransactionType = "DEPOSIT"
	TransactionWithdraw    TransactionType = "WITHDRAW"
	TransactionTransferIn  TransactionType = "TRANSFER_IN"
	TransactionTransferOut TransactionType = "TRANSFER_OUT"
	TransactionBonus       TransactionType = "BONUS"
)

const (
	SyncAccountSnapshot SyncType = "ACCOUNT_SNAPSHOT"
	SyncAccountBalance  SyncType = "ACCOUNT_BALANCE"
	SyncSymbolUpsert    SyncType = "SYMBOL_UPSERT"
	SyncSymbolRemove    SyncType = "SYMBOL_REMOVE"
	SyncMarketStatus    SyncType = "MARKET_STATUS"
	SyncBonusSettings   SyncType = "BONUS_SETTINGS"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (t PendingType) Valid() bool {
	switch t {
	case PendingBuyLimit, PendingSellLimit, PendingBuyStop, PendingSellStop:
		return true
	}
	return false
}

// Side is the direction of the position a pending order opens once filled.
func (t PendingType) Side() Side {
	if t == PendingBuyLimit || t == PendingBuyStop {
		return SideBuy
	}
	return SideSell
}
