package engine

import (
	"context"
	"testing"
	"time"

	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireIdentities checks equity and free margin against their definitions.
func requireIdentities(t *testing.T, e *Engine, step string) AccountSnapshot {
	t.Helper()
	snap, err := e.Snapshot(context.Background(), "acc-1")
	require.NoError(t, err, step)
	pnl := decimal.Zero
	for _, p := range snap.Positions {
		pnl = pnl.Add(p.FloatingPnL)
	}
	assert.True(t, snap.Equity.Equal(snap.Balance.Add(pnl)),
		"%s: equity %s, balance %s, floating %s", step, snap.Equity, snap.Balance, pnl)
	assert.True(t, snap.FreeMargin.Equal(snap.Equity.Sub(snap.UsedMargin)),
		"%s: free margin %s, equity %s, used %s", step, snap.FreeMargin, snap.Equity, snap.UsedMargin)
	return snap
}

func TestAccountIdentitiesHoldAcrossOperations(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, Options{})
	setup(t, e, "10000", 100)

	var short Position
	steps := []struct {
		name string
		do   func(t *testing.T)
	}{
		{"first tick", func(t *testing.T) { tick(t, e, "1.1000", "1.1002") }},
		{"open long", func(t *testing.T) {
			_, err := e.PlaceMarketOrder(ctx, buy("1.0"))
			require.NoError(t, err)
		}},
		{"open hedge", func(t *testing.T) {
			var err error
			short, err = e.PlaceMarketOrder(ctx, sell("0.4"))
			require.NoError(t, err)
		}},
		{"rejected order", func(t *testing.T) {
			_, err := e.PlaceMarketOrder(ctx, buy("50"))
			require.ErrorIs(t, err, ErrInsufficientMargin)
		}},
		{"tick up", func(t *testing.T) { tick(t, e, "1.1050", "1.1052") }},
		{"place buy limit", func(t *testing.T) {
			_, err := e.PlacePendingOrder(ctx, pendingReq(types.PendingBuyLimit, "0.1", "1.1000"))
			require.NoError(t, err)
		}},
		{"tick fills pending", func(t *testing.T) {
			tick(t, e, "1.0990", "1.0992")
			require.Len(t, rec.ofType(EventPendingFilled), 1)
		}},
		{"close hedge", func(t *testing.T) {
			_, err := e.SquareOffPosition(ctx, "acc-1", short.ID)
			require.NoError(t, err)
		}},
		{"balance patch", func(t *testing.T) {
			require.NoError(t, e.UpdateBalance(ctx, "acc-1", dec("2000"), nil))
		}},
		{"balance adjust", func(t *testing.T) {
			require.NoError(t, e.AdjustBalance(ctx, "acc-1", dec("100"), dec("5")))
		}},
		{"tick into stop-out", func(t *testing.T) {
			tick(t, e, "1.0820", "1.0822")
			var stopOuts int
			for _, c := range rec.ofType(EventTradeClose) {
				if c.CloseReason == types.CloseReasonStopOut {
					stopOuts++
				}
			}
			require.Equal(t, 1, stopOuts)
		}},
		{"tick recovers", func(t *testing.T) { tick(t, e, "1.0900", "1.0902") }},
		{"close all", func(t *testing.T) {
			_, err := e.ClosePositions(ctx, "acc-1", CloseScopeAll)
			require.NoError(t, err)
		}},
	}
	for _, step := range steps {
		step.do(t)
		requireIdentities(t, e, step.name)
	}

	snap := requireIdentities(t, e, "end")
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.UsedMargin.IsZero())
	assert.True(t, snap.Equity.Equal(snap.Balance))
}

func TestStopOutTieBreak(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		positions []Position
		want      string
	}{
		{
			name: "older position first",
			positions: []Position{
				{ID: "pos-a", OpenTime: base.Add(time.Hour)},
				{ID: "pos-z", OpenTime: base},
			},
			want: "pos-z",
		},
		{
			name: "same open time goes by id",
			positions: []Position{
				{ID: "pos-b", OpenTime: base},
				{ID: "pos-a", OpenTime: base},
			},
			want: "pos-a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, rec := newTestEngine(t, Options{})
			setup(t, e, "1000", 500)
			tick(t, e, "1.1000", "1.1000")
			for _, p := range tt.positions {
				p.AccountID = "acc-1"
				p.Symbol = "EURUSD"
				p.Side = types.SideBuy
				p.Volume = dec("0.5")
				p.OpenPrice = dec("1.1000")
				p.Leverage = 500
				require.NoError(t, e.RestorePosition(ctx, p))
			}

			// both lose 450 on a 1000 balance; closing one is enough
			tick(t, e, "1.0910", "1.0910")

			closes := rec.ofType(EventTradeClose)
			require.Len(t, closes, 1)
			assert.Equal(t, tt.want, closes[0].Position.ID)
			assert.Equal(t, types.CloseReasonStopOut, closes[0].CloseReason)
			requireIdentities(t, e, tt.name)
		})
	}
}

func TestUnloadAccountForgetsRetiredSymbol(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Options{})
	setup(t, e, "10000", 100)
	tick(t, e, "1.1000", "1.1000")
	_, err := e.PlaceMarketOrder(ctx, buy("0.1"))
	require.NoError(t, err)
	_, err = e.PlaceMarketOrder(ctx, buy("0.2"))
	require.NoError(t, err)

	require.NoError(t, e.RemoveSymbol(ctx, "EURUSD"))
	_, err = e.Quote(ctx, "EURUSD")
	require.NoError(t, err, "retired symbols keep pricing held positions")

	require.NoError(t, e.UnloadAccount(ctx, "acc-1"))
	_, err = e.Quote(ctx, "EURUSD")
	assert.ErrorIs(t, err, ErrInvalidSymbol)

	require.NoError(t, e.LoadSymbol(ctx, "EURUSD", eurusd))
	_, err = e.Quote(ctx, "EURUSD")
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}
