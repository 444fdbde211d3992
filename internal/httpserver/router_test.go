package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lv-tradecore/internal/accounts"
	"lv-tradecore/internal/auth"
	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/enginesync"
	"lv-tradecore/internal/health"
	"lv-tradecore/internal/marketdata"
	"lv-tradecore/internal/trading"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	srv   *httptest.Server
	ws    *WSHandler
	eng   *engine.Engine
	bus   *marketdata.Bus
	auth  *auth.Service
	token string
}

func newStack(t *testing.T, limiter *IPLimiter) stack {
	t.Helper()
	return newLoadingStack(t, limiter, nil)
}

func newLoadingStack(t *testing.T, limiter *IPLimiter, loaded func() bool) stack {
	t.Helper()
	eng := engine.New(engine.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, eng.LoadAccount(ctx, engine.AccountSpec{ID: "acc-1", UserID: "user-1", Balance: decimal.NewFromInt(1000), Leverage: 100}))

	authSvc := auth.NewService("tradecore", []byte("secret"), time.Hour)
	bus := marketdata.NewBus()
	ws := NewWSHandler(bus, authSvc, eng, "*", nil)
	router := NewRouter(RouterDeps{
		Auth:            authSvc,
		TradingHandler:  trading.NewHandler(eng),
		AccountsHandler: accounts.NewHandler(accounts.NewService(nil, nil, eng, nil, nil)),
		SyncHandler:     enginesync.NewHandler(nil, nil, nil),
		HealthHandler:   health.NewHandler(nil, eng, nil, "node-a", time.Now()),
		WSHandler:       ws,
		InternalToken:   "internal",
		Limiter:         limiter,
		Loaded:          loaded,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	token, err := authSvc.Issue("user-1")
	require.NoError(t, err)
	return stack{srv: srv, ws: ws, eng: eng, bus: bus, auth: authSvc, token: token}
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouterAuth(t *testing.T) {
	s := newStack(t, nil)

	resp := get(t, s.srv.URL+"/v1/trading/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = get(t, s.srv.URL+"/v1/trading/accounts", map[string]string{"Authorization": "Bearer nonsense"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, s.srv.URL+"/v1/trading/accounts", map[string]string{"Authorization": "Bearer " + s.token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRouterInternalEndpoints(t *testing.T) {
	s := newStack(t, nil)
	resp := get(t, s.srv.URL+"/internal/sync/bonus-settings", map[string]string{"X-Internal-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, s.srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = get(t, s.srv.URL+"/metrics", map[string]string{"X-Internal-Token": "internal"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, s.srv.URL+"/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterWaitsForLoad(t *testing.T) {
	var loaded atomic.Bool
	s := newLoadingStack(t, nil, loaded.Load)
	h := map[string]string{"Authorization": "Bearer " + s.token}

	resp := get(t, s.srv.URL+"/v1/trading/accounts", h)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	resp = get(t, s.srv.URL+"/internal/sync/bonus-settings", map[string]string{"X-Internal-Token": "internal"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, http.StatusOK, get(t, s.srv.URL+"/health/live", nil).StatusCode)

	loaded.Store(true)
	assert.Equal(t, http.StatusOK, get(t, s.srv.URL+"/v1/trading/accounts", h).StatusCode)
}

func TestRouterRateLimit(t *testing.T) {
	s := newStack(t, NewIPLimiter(0.001, 2))
	h := map[string]string{"Authorization": "Bearer " + s.token}
	assert.Equal(t, http.StatusOK, get(t, s.srv.URL+"/v1/trading/accounts", h).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, s.srv.URL+"/v1/trading/accounts", h).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, s.srv.URL+"/v1/trading/accounts", h).StatusCode)
}

func TestIPLimiterPrunesIdleVisitors(t *testing.T) {
	l := NewIPLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	now = now.Add(10 * time.Minute)
	assert.True(t, l.Allow("2.2.2.2"))
	assert.Len(t, l.visitors, 1)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(raw, &evt))
	return evt
}

func TestWebSocketPushes(t *testing.T) {
	s := newStack(t, nil)
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/ws?token=" + s.token

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.srv.URL, "http")+"/v1/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, eventAccountSnapshot, first["type"])

	require.Eventually(t, func() bool { return s.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	s.bus.Publish(marketdata.Event{Type: marketdata.EventMarginWarning, UserID: "user-2", Data: "not yours"})
	s.bus.Publish(marketdata.Event{Type: marketdata.EventQuote, Data: map[string]string{"symbol": "EURUSD"}})

	evt := readEvent(t, conn)
	assert.Equal(t, marketdata.EventQuote, evt["type"])
}

func snapshotBalance(t *testing.T, evt map[string]any) string {
	t.Helper()
	data, ok := evt["data"].(map[string]any)
	require.True(t, ok, "%v", evt)
	items, ok := data["items"].([]any)
	require.True(t, ok, "%v", evt)
	require.NotEmpty(t, items)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	return fmt.Sprint(first["balance"])
}

func TestWebSocketFlushesThrottledSnapshot(t *testing.T) {
	s := newStack(t, nil)
	s.ws.every = 500 * time.Millisecond
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.srv.URL, "http")+"/v1/ws?token="+s.token, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, eventAccountSnapshot, readEvent(t, conn)["type"])
	require.Eventually(t, func() bool { return s.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	quote := marketdata.Event{Type: marketdata.EventQuote, Data: map[string]string{"symbol": "EURUSD"}}
	s.bus.Publish(quote)
	assert.Equal(t, marketdata.EventQuote, readEvent(t, conn)["type"])
	evt := readEvent(t, conn)
	assert.Equal(t, eventAccountSnapshot, evt["type"])
	assert.Equal(t, "1000", snapshotBalance(t, evt))

	// The second event lands inside the throttle window; its snapshot is
	// sent once the window has passed, with the latest state.
	require.NoError(t, s.eng.UpdateBalance(context.Background(), "acc-1", decimal.NewFromInt(1234), nil))
	s.bus.Publish(quote)
	assert.Equal(t, marketdata.EventQuote, readEvent(t, conn)["type"])
	evt = readEvent(t, conn)
	assert.Equal(t, eventAccountSnapshot, evt["type"])
	assert.Equal(t, "1234", snapshotBalance(t, evt))
}

func TestAllowOrigin(t *testing.T) {
	tests := []struct {
		allowed string
		origin  string
		want    bool
	}{
		{"*", "https://evil.example", true},
		{"https://app.example", "https://app.example", true},
		{"https://app.example", "https://evil.example", false},
		{"http://localhost:3000", "http://127.0.0.1:3000", true},
		{"https://app.example", "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, allowOrigin(r, tt.allowed), tt.origin)
	}
}
