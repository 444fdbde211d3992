package enginesync

import (
	"context"
	"testing"
	"time"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/model"
	"lv-tradecore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	engine *engine.Engine
	sync   *Sync
	bus    *Bus
}

func startNode(t *testing.T, transport Transport, origin string) *node {
	t.Helper()
	e := startEngine(t, engine.Options{})
	s := New(e, newFakeSource(), nil, nil)
	_, err := s.ReloadAll(context.Background())
	require.NoError(t, err)
	b := NewBus(transport, s, origin, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &node{engine: e, sync: s, bus: b}
}

func waitListeners(t *testing.T, tr *MemoryTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.Listeners() == n }, time.Second, 5*time.Millisecond)
}

func balanceOf(e *engine.Engine, id string) string {
	snap, err := e.Snapshot(context.Background(), id)
	if err != nil {
		return err.Error()
	}
	return snap.Balance.String()
}

func TestBusAppliesPeerMessages(t *testing.T) {
	tr := NewMemoryTransport()
	a := startNode(t, tr, "node-a")
	b := startNode(t, tr, "node-b")
	waitListeners(t, tr, 2)
	ctx := context.Background()

	require.NoError(t, a.bus.PublishBalance(ctx, "acc-1", dec("12345"), nil))
	require.Eventually(t, func() bool { return balanceOf(b.engine, "acc-1") == "12345" }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.engine.OnTick(ctx, "EURUSD", dec("1.1"), dec("1.1")))
	require.NoError(t, a.bus.PublishMarketStatus(ctx, "", false))
	require.Eventually(t, func() bool {
		q, err := b.engine.Quote(ctx, "EURUSD")
		return err == nil && !q.MarketOpen
	}, time.Second, 5*time.Millisecond)
}

func TestBusIgnoresItsOwnMessages(t *testing.T) {
	tr := NewMemoryTransport()
	a := startNode(t, tr, "node-a")
	b := startNode(t, tr, "node-b")
	waitListeners(t, tr, 2)
	ctx := context.Background()

	// a local change that a replay of the echo would clobber
	require.NoError(t, a.engine.UpdateBalance(ctx, "acc-1", dec("777"), nil))
	require.NoError(t, a.bus.PublishBalance(ctx, "acc-1", dec("111"), nil))

	require.Eventually(t, func() bool { return balanceOf(b.engine, "acc-1") == "111" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "777", balanceOf(a.engine, "acc-1"))
}

func TestBusSymbolAndBonusMessages(t *testing.T) {
	tr := NewMemoryTransport()
	a := startNode(t, tr, "node-a")
	b := startNode(t, tr, "node-b")
	waitListeners(t, tr, 2)
	ctx := context.Background()

	require.NoError(t, a.bus.PublishSymbolUpsert(ctx, model.Instrument{Code: "XAUUSD", ContractSize: dec("100"), MaxLeverage: 50, PricePrecision: 2, Tradeable: true}))
	require.Eventually(t, func() bool {
		return b.engine.OnTick(ctx, "XAUUSD", dec("2000"), dec("2001")) == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.bus.PublishSymbolRemove(ctx, "XAUUSD"))
	require.Eventually(t, func() bool {
		_, err := b.engine.Quote(ctx, "XAUUSD")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.bus.PublishBonusSettings(ctx, model.BonusSettings{Enabled: true, Percent: dec("50"), MaxAmount: dec("10")}))
	require.Eventually(t, func() bool { return b.sync.BonusSettings().Percent.Equal(dec("50")) }, time.Second, 5*time.Millisecond)
}

func TestBusAccountSnapshotResyncsFromStore(t *testing.T) {
	tr := NewMemoryTransport()
	a := startNode(t, tr, "node-a")
	b := startNode(t, tr, "node-b")
	waitListeners(t, tr, 2)
	ctx := context.Background()

	require.NoError(t, b.engine.UpdateBalance(ctx, "acc-2", dec("1"), nil))
	require.NoError(t, a.bus.PublishAccountSnapshot(ctx, "acc-2"))
	require.Eventually(t, func() bool { return balanceOf(b.engine, "acc-2") == "500" }, time.Second, 5*time.Millisecond)
}

func TestBusHandlesGarbage(t *testing.T) {
	tr := NewMemoryTransport()
	b := startNode(t, tr, "node-b")
	b.bus.handle(context.Background(), []byte("{not json"))
	b.bus.handle(context.Background(), []byte(`{"type":"NOPE","origin":"x","payload":{}}`))
	err := b.bus.apply(context.Background(), Message{Type: types.SyncType("NOPE")})
	assert.Error(t, err)
}
