// Package order validates order parameters against the current quote before
// the engine touches any account state.
package order

import (
	"errors"
	"fmt"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidVolume       = errors.New("invalid volume")
	ErrInvalidSide         = errors.New("invalid side")
	ErrInvalidPendingType  = errors.New("invalid pending order type")
	ErrInvalidPendingPrice = errors.New("invalid pending order price")
	ErrInvalidStops        = errors.New("invalid stop loss or take profit")
)

// Limits bounds order size. Zero values disable the corresponding check.
type Limits struct {
	MinVolume  decimal.Decimal `yaml:"min_volume"`
	MaxVolume  decimal.Decimal `yaml:"max_volume"`
	VolumeStep decimal.Decimal `yaml:"volume_step"`
}

type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

func (v *Validator) Volume(volume decimal.Decimal) error {
	if !volume.IsPositive() {
		return ErrInvalidVolume
	}
	if v == nil {
		return nil
	}
	if v.limits.MinVolume.IsPositive() && volume.LessThan(v.limits.MinVolume) {
		return fmt.Errorf("%w: below minimum %s", ErrInvalidVolume, v.limits.MinVolume)
	}
	if v.limits.MaxVolume.IsPositive() && volume.GreaterThan(v.limits.MaxVolume) {
		return fmt.Errorf("%w: above maximum %s", ErrInvalidVolume, v.limits.MaxVolume)
	}
	if v.limits.VolumeStep.IsPositive() && !volume.Mod(v.limits.VolumeStep).IsZero() {
		return fmt.Errorf("%w: not a multiple of %s", ErrInvalidVolume, v.limits.VolumeStep)
	}
	return nil
}

func (v *Validator) Side(side types.Side) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	return nil
}

// PendingPrice checks that a pending order would not fill immediately.
// Limit orders rest on the favourable side of the market, stop orders on the
// unfavourable side.
func (v *Validator) PendingPrice(typ types.PendingType, price, bid, ask decimal.Decimal) error {
	if !typ.Valid() {
		return ErrInvalidPendingType
	}
	if !price.IsPositive() {
		return ErrInvalidPendingPrice
	}
	var ok bool
	switch typ {
	case types.PendingBuyLimit:
		ok = price.LessThan(ask)
	case types.PendingBuyStop:
		ok = price.GreaterThan(ask)
	case types.PendingSellLimit:
		ok = price.GreaterThan(bid)
	case types.PendingSellStop:
		ok = price.LessThan(bid)
	}
	if !ok {
		return fmt.Errorf("%w: %s at %s with bid %s ask %s", ErrInvalidPendingPrice, typ, price, bid, ask)
	}
	return nil
}

// Stops checks stop loss and take profit against ref, the price the
// position would close at. Nil levels are not set and always pass.
func (v *Validator) Stops(side types.Side, ref decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) error {
	if stopLoss != nil && !stopLoss.IsPositive() {
		return fmt.Errorf("%w: stop loss must be positive", ErrInvalidStops)
	}
	if takeProfit != nil && !takeProfit.IsPositive() {
		return fmt.Errorf("%w: take profit must be positive", ErrInvalidStops)
	}
	switch side {
	case types.SideBuy:
		if stopLoss != nil && !stopLoss.LessThan(ref) {
			return fmt.Errorf("%w: buy stop loss %s must be below %s", ErrInvalidStops, stopLoss, ref)
		}
		if takeProfit != nil && !takeProfit.GreaterThan(ref) {
			return fmt.Errorf("%w: buy take profit %s must be above %s", ErrInvalidStops, takeProfit, ref)
		}
	case types.SideSell:
		if stopLoss != nil && !stopLoss.GreaterThan(ref) {
			return fmt.Errorf("%w: sell stop loss %s must be above %s", ErrInvalidStops, stopLoss, ref)
		}
		if takeProfit != nil && !takeProfit.LessThan(ref) {
			return fmt.Errorf("%w: sell take profit %s must be below %s", ErrInvalidStops, takeProfit, ref)
		}
	default:
		return ErrInvalidSide
	}
	return nil
}
