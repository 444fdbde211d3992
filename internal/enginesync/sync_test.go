package enginesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/model"
	"lv-tradecore/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSource struct {
	mu          sync.Mutex
	accounts    map[string]model.Account
	instruments map[string]model.Instrument
	trades      []model.Trade
	orders      []model.PendingOrder
	bonus       model.BonusSettings
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		accounts: map[string]model.Account{
			"acc-1": {ID: "acc-1", UserID: "user-1", Balance: dec("10000"), Leverage: 100, Status: types.AccountStatusActive},
			"acc-2": {ID: "acc-2", UserID: "user-2", Balance: dec("500"), Leverage: 50, Status: types.AccountStatusActive},
		},
		instruments: map[string]model.Instrument{
			"EURUSD": {Code: "EURUSD", ContractSize: dec("100000"), MaxLeverage: 500, PricePrecision: 5, Tradeable: true},
			"BADCFG": {Code: "BADCFG", ContractSize: decimal.Zero, Tradeable: true},
			"DELIST": {Code: "DELIST", ContractSize: dec("1"), Tradeable: false},
		},
		trades: []model.Trade{
			{PositionID: "pos-1", AccountID: "acc-1", Symbol: "EURUSD", Side: types.SideBuy, Volume: dec("0.1"), OpenPrice: dec("1.1"), ContractSize: dec("100000"), Leverage: 100},
			{PositionID: "pos-ghost", AccountID: "acc-404", Symbol: "EURUSD", Side: types.SideBuy, Volume: dec("0.1"), OpenPrice: dec("1.1"), ContractSize: dec("100000")},
		},
		orders: []model.PendingOrder{
			{ID: "po-1", AccountID: "acc-2", Symbol: "EURUSD", Type: types.PendingBuyLimit, Volume: dec("0.01"), Price: dec("1.05")},
		},
		bonus: model.BonusSettings{Enabled: true, Percent: dec("10"), MaxAmount: dec("100")},
	}
}

func (f *fakeSource) LoadAccount(_ context.Context, id string) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeSource) ListAccounts(context.Context) ([]model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Account
	for _, id := range []string{"acc-1", "acc-2"} {
		if a, ok := f.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeSource) AccountBalances(context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]decimal.Decimal{}
	for id, a := range f.accounts {
		out[id] = a.Balance
	}
	return out, nil
}

func (f *fakeSource) LoadInstrument(_ context.Context, code string) (model.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.instruments[code]
	if !ok {
		return model.Instrument{}, ErrNotFound
	}
	return i, nil
}

func (f *fakeSource) ListInstruments(context.Context) ([]model.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []model.Instrument{f.instruments["BADCFG"], f.instruments["DELIST"], f.instruments["EURUSD"]}, nil
}

func (f *fakeSource) ListOpenTrades(context.Context) ([]model.Trade, error) { return f.trades, nil }

func (f *fakeSource) ListPendingOrders(context.Context) ([]model.PendingOrder, error) {
	return f.orders, nil
}

func (f *fakeSource) LoadBonusSettings(context.Context) (model.BonusSettings, error) {
	return f.bonus, nil
}

func (f *fakeSource) setBalance(id string, bal decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.accounts[id]
	a.Balance = bal
	f.accounts[id] = a
}

func startEngine(t *testing.T, opts engine.Options) *engine.Engine {
	t.Helper()
	e := engine.New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func TestReloadAll(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	e := startEngine(t, engine.Options{})
	s := New(e, src, nil, nil)

	rep, err := s.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReloadReport{Symbols: 1, Accounts: 2, Positions: 1, PendingOrders: 1, Failed: 2}, rep)
	assert.True(t, s.BonusSettings().Enabled)

	snap, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.UsedMargin.Equal(dec("110")))

	snap, err = e.Snapshot(ctx, "acc-2")
	require.NoError(t, err)
	assert.Len(t, snap.PendingOrders, 1)

	again, err := s.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, rep, again)
	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.Stats{Accounts: 2, Symbols: 1, Positions: 1, PendingOrders: 1}, st)
}

func TestReloadAllSkipsForeignAccounts(t *testing.T) {
	ctx := context.Background()
	owns := func(id string) bool { return id == "acc-1" }
	e := startEngine(t, engine.Options{Owns: owns})
	s := New(e, newFakeSource(), owns, nil)

	rep, err := s.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Accounts)
	assert.Zero(t, rep.PendingOrders)

	_, err = e.Snapshot(ctx, "acc-2")
	assert.ErrorIs(t, err, engine.ErrAccountNotFound)
	require.NoError(t, s.SyncAccount(ctx, "acc-2"))
	_, err = e.Snapshot(ctx, "acc-2")
	assert.ErrorIs(t, err, engine.ErrAccountNotFound)
}

func TestSyncAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, engine.Options{})
	s := New(e, newFakeSource(), nil, nil)

	require.NoError(t, s.SyncAccount(ctx, "acc-1"))
	first, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, s.SyncAccount(ctx, "acc-1"))
	second, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, s.SyncAccount(ctx, "acc-404"))
	_, err = e.Snapshot(ctx, "acc-404")
	assert.ErrorIs(t, err, engine.ErrAccountNotFound)
}

func TestUpdateBalanceLoadsUnknownAccount(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, engine.Options{})
	s := New(e, newFakeSource(), nil, nil)

	bonus := dec("25")
	require.NoError(t, s.UpdateBalance(ctx, "acc-2", dec("750"), &bonus))

	snap, err := e.Snapshot(ctx, "acc-2")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("750")))
	assert.True(t, snap.Bonus.Equal(dec("25")))
}

func TestDepositWithdrawTransfer(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	e := startEngine(t, engine.Options{})
	s := New(e, src, nil, nil)
	_, err := s.ReloadAll(ctx)
	require.NoError(t, err)

	require.NoError(t, s.OnDeposit(ctx, "acc-1", dec("100"), dec("10")))
	require.NoError(t, s.OnWithdraw(ctx, "acc-1", dec("50")))
	require.NoError(t, s.OnInternalTransfer(ctx, "acc-1", "acc-2", dec("25")))

	one, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, one.Balance.Equal(dec("10025")), one.Balance.String())
	assert.True(t, one.Bonus.Equal(dec("10")))

	two, err := e.Snapshot(ctx, "acc-2")
	require.NoError(t, err)
	assert.True(t, two.Balance.Equal(dec("525")))
}

func TestSymbolLifecycle(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, engine.Options{})
	s := New(e, newFakeSource(), nil, nil)

	_, err := s.LoadSymbolByCode(ctx, "EURUSD")
	require.NoError(t, err)
	require.NoError(t, e.OnTick(ctx, "EURUSD", dec("1.1"), dec("1.1")))

	require.NoError(t, s.SetMarketStatus(ctx, "EURUSD", false))
	q, err := e.Quote(ctx, "EURUSD")
	require.NoError(t, err)
	assert.False(t, q.MarketOpen)

	_, err = s.LoadSymbolByCode(ctx, "BADCFG")
	assert.ErrorIs(t, err, engine.ErrInvalidSymbolConfig)

	_, err = s.LoadSymbolByCode(ctx, "DELIST")
	require.NoError(t, err)
	require.NoError(t, s.RemoveInstrumentByCode(ctx, "EURUSD"))
	_, err = e.Quote(ctx, "EURUSD")
	assert.ErrorIs(t, err, engine.ErrInvalidSymbol)
}

type fakeLedger struct {
	pending  int64
	enqueued uint64
}

func (f *fakeLedger) Pending() int64   { return f.pending }
func (f *fakeLedger) Enqueued() uint64 { return f.enqueued }

func TestReconcileBalances(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	e := startEngine(t, engine.Options{})
	s := New(e, src, nil, nil)
	_, err := s.ReloadAll(ctx)
	require.NoError(t, err)

	src.setBalance("acc-1", dec("9000"))

	busy := &fakeLedger{pending: 3}
	fixed, err := s.ReconcileBalances(ctx, busy)
	require.NoError(t, err)
	assert.Zero(t, fixed)

	fixed, err = s.ReconcileBalances(ctx, &fakeLedger{})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	snap, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("9000")))

	fixed, err = s.ReconcileBalances(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}

func TestReconcileSkipsWhileFundingInFlight(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	e := startEngine(t, engine.Options{})
	s := New(e, src, nil, nil)
	_, err := s.ReloadAll(ctx)
	require.NoError(t, err)

	// The deposit is committed to the store but not yet applied live.
	done := s.BeginFunding()
	src.setBalance("acc-1", dec("10100"))
	fixed, err := s.ReconcileBalances(ctx, &fakeLedger{})
	require.NoError(t, err)
	assert.Zero(t, fixed)

	require.NoError(t, s.OnDeposit(ctx, "acc-1", dec("100"), decimal.Zero))
	done()
	done()

	fixed, err = s.ReconcileBalances(ctx, &fakeLedger{})
	require.NoError(t, err)
	assert.Zero(t, fixed)
	snap, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("10100")), snap.Balance.String())
}

// fundingLedger runs a whole funding change while the reconciler is
// between reading balances and applying corrections.
type fundingLedger struct {
	fakeLedger
	calls  int
	during func()
}

func (f *fundingLedger) Enqueued() uint64 {
	f.calls++
	if f.calls == 2 && f.during != nil {
		f.during()
	}
	return f.enqueued
}

func TestReconcileSkipsWhenFundingFinishedDuringPass(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	e := startEngine(t, engine.Options{})
	s := New(e, src, nil, nil)
	_, err := s.ReloadAll(ctx)
	require.NoError(t, err)

	src.setBalance("acc-1", dec("9000"))
	ledger := &fundingLedger{during: func() {
		done := s.BeginFunding()
		defer done()
		src.setBalance("acc-1", dec("9100"))
		require.NoError(t, s.OnDeposit(ctx, "acc-1", dec("100"), decimal.Zero))
	}}
	fixed, err := s.ReconcileBalances(ctx, ledger)
	require.NoError(t, err)
	assert.Zero(t, fixed)

	fixed, err = s.ReconcileBalances(ctx, &fakeLedger{})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	snap, err := e.Snapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("9100")), snap.Balance.String())
}

func TestRunReconcilerStopsWithContext(t *testing.T) {
	e := startEngine(t, engine.Options{})
	s := New(e, newFakeSource(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.RunReconciler(ctx, 5*time.Millisecond, nil))
}
