package order

import (
	"testing"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func TestVolume(t *testing.T) {
	v := NewValidator(Limits{MinVolume: d("0.01"), MaxVolume: d("50"), VolumeStep: d("0.01")})

	assert.NoError(t, v.Volume(d("0.1")))
	assert.ErrorIs(t, v.Volume(decimal.Zero), ErrInvalidVolume)
	assert.ErrorIs(t, v.Volume(d("-1")), ErrInvalidVolume)
	assert.ErrorIs(t, v.Volume(d("0.001")), ErrInvalidVolume)
	assert.ErrorIs(t, v.Volume(d("51")), ErrInvalidVolume)
	assert.ErrorIs(t, v.Volume(d("0.015")), ErrInvalidVolume)
}

func TestVolumeWithoutLimits(t *testing.T) {
	var v *Validator
	assert.NoError(t, v.Volume(d("0.0001")))
	assert.ErrorIs(t, v.Volume(decimal.Zero), ErrInvalidVolume)
}

func TestPendingPrice(t *testing.T) {
	v := NewValidator(Limits{})
	bid, ask := d("1.1000"), d("1.1002")

	tests := []struct {
		name  string
		typ   types.PendingType
		price string
		ok    bool
	}{
		{"buy limit below ask", types.PendingBuyLimit, "1.0990", true},
		{"buy limit at ask", types.PendingBuyLimit, "1.1002", false},
		{"buy stop above ask", types.PendingBuyStop, "1.1010", true},
		{"buy stop below ask", types.PendingBuyStop, "1.0990", false},
		{"sell limit above bid", types.PendingSellLimit, "1.1010", true},
		{"sell limit at bid", types.PendingSellLimit, "1.1000", false},
		{"sell stop below bid", types.PendingSellStop, "1.0990", true},
		{"sell stop above bid", types.PendingSellStop, "1.1005", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.PendingPrice(tt.typ, d(tt.price), bid, ask)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPendingPrice)
			}
		})
	}

	assert.ErrorIs(t, v.PendingPrice("MARKET", d("1.1"), bid, ask), ErrInvalidPendingType)
}

func TestStops(t *testing.T) {
	v := NewValidator(Limits{})
	ref := d("1.1000")

	require.NoError(t, v.Stops(types.SideBuy, ref, nil, nil))
	assert.NoError(t, v.Stops(types.SideBuy, ref, ptr("1.0950"), ptr("1.1100")))
	assert.ErrorIs(t, v.Stops(types.SideBuy, ref, ptr("1.1050"), nil), ErrInvalidStops)
	assert.ErrorIs(t, v.Stops(types.SideBuy, ref, nil, ptr("1.0900")), ErrInvalidStops)

	assert.NoError(t, v.Stops(types.SideSell, ref, ptr("1.1050"), ptr("1.0900")))
	assert.ErrorIs(t, v.Stops(types.SideSell, ref, ptr("1.0950"), nil), ErrInvalidStops)
	assert.ErrorIs(t, v.Stops(types.SideSell, ref, nil, ptr("1.1100")), ErrInvalidStops)

	assert.ErrorIs(t, v.Stops(types.SideBuy, ref, ptr("0"), nil), ErrInvalidStops)
	assert.ErrorIs(t, v.Stops("HOLD", ref, nil, nil), ErrInvalidSide)
}
