package engine

import "errors"

var (
	ErrInvalidAccount      = errors.New("invalid account")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrPriceNotReady       = errors.New("price not ready")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrAccountNotFound     = errors.New("account not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPriceNotAvailable   = errors.New("price not available")
	ErrOrderNotFound       = errors.New("pending order not found")
	ErrAccountInactive     = errors.New("account is not active")
	ErrMarketClosed        = errors.New("market is closed")
	ErrNotOwner            = errors.New("account is served by another instance")
	ErrInvalidSymbolConfig = errors.New("invalid symbol configuration")
	ErrInvalidTick         = errors.New("invalid tick")
	ErrTooManyPositions    = errors.New("max open positions reached")
	ErrEngineStopped       = errors.New("engine stopped")
)
