package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lv-tradecore/internal/engine"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTickEngine struct {
	mu    sync.Mutex
	ticks []Tick
	known map[string]bool
}

func (f *fakeTickEngine) OnTick(_ context.Context, code string, bid, ask decimal.Decimal) error {
	if !f.known[code] {
		return engine.ErrInvalidSymbol
	}
	if ask.LessThan(bid) {
		return engine.ErrInvalidTick
	}
	f.mu.Lock()
	f.ticks = append(f.ticks, Tick{Symbol: code, Bid: bid, Ask: ask})
	f.mu.Unlock()
	return nil
}

func (f *fakeTickEngine) Quote(_ context.Context, code string) (engine.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.ticks[len(f.ticks)-1]
	return engine.Quote{Symbol: code, Bid: last.Bid, Ask: last.Ask, MarketOpen: true}, nil
}

func (f *fakeTickEngine) received() []Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Tick(nil), f.ticks...)
}

func tickOf(symbol, bid, ask string) Tick {
	return Tick{Symbol: symbol, Bid: decimal.RequireFromString(bid), Ask: decimal.RequireFromString(ask)}
}

func TestRouteAppliesAndPublishes(t *testing.T) {
	eng := &fakeTickEngine{known: map[string]bool{"EURUSD": true}}
	bus := NewBus()
	sub := bus.Subscribe("")
	r := NewPriceRouter(eng, bus, 4, nil)

	require.NoError(t, r.Route(context.Background(), tickOf("eurusd", "1.1000", "1.1002")))
	assert.ErrorIs(t, r.Route(context.Background(), tickOf("GBPUSD", "1.2", "1.3")), engine.ErrInvalidSymbol)
	assert.ErrorIs(t, r.Route(context.Background(), tickOf("EURUSD", "1.2", "1.1")), engine.ErrInvalidTick)

	got := drain(sub)
	require.Len(t, got, 1)
	q, ok := got[0].Data.(engine.Quote)
	require.True(t, ok)
	assert.Equal(t, "EURUSD", q.Symbol)
}

func TestRunKeepsArrivalOrder(t *testing.T) {
	eng := &fakeTickEngine{known: map[string]bool{"EURUSD": true}}
	r := NewPriceRouter(eng, nil, 16, nil)
	prices := []string{"1.1000", "1.1001", "1.1002", "1.1003"}
	for _, p := range prices {
		require.True(t, r.Submit(tickOf("EURUSD", p, p)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(eng.received()) == len(prices) }, time.Second, 5*time.Millisecond)
	for i, tk := range eng.received() {
		assert.Equal(t, prices[i], tk.Bid.StringFixed(4))
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	r := NewPriceRouter(&fakeTickEngine{}, nil, 1, nil)
	assert.True(t, r.Submit(tickOf("EURUSD", "1", "1")))
	assert.False(t, r.Submit(tickOf("EURUSD", "1", "1")))
}

func TestDecodeTicks(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    int
		wantErr bool
	}{
		{"object", `{"symbol":"EURUSD","bid":"1.1","ask":"1.2"}`, 1, false},
		{"numbers", `{"symbol":"EURUSD","bid":1.1,"ask":1.2}`, 1, false},
		{"array", ` [{"symbol":"EURUSD","bid":"1.1","ask":"1.2"},{"symbol":"GBPUSD","bid":"1.3","ask":"1.4"}]`, 2, false},
		{"no symbol", `{"bid":"1.1","ask":"1.2"}`, 0, true},
		{"garbage", `hello`, 0, true},
		{"blank", "  ", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := decodeTicks([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, ticks, tt.want)
		})
	}
}

func TestFeedReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		price := "1.1000"
		if n > 1 {
			price = "1.2000"
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"EURUSD","bid":"`+price+`","ask":"`+price+`"}`))
		_ = conn.Close()
	}))
	defer srv.Close()

	eng := &fakeTickEngine{known: map[string]bool{"EURUSD": true}}
	r := NewPriceRouter(eng, nil, 16, nil)
	feed := NewFeed(FeedConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
	}, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		ticks := eng.received()
		return len(ticks) >= 2 && ticks[len(ticks)-1].Bid.StringFixed(4) == "1.2000"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("feed did not stop")
	}
}
