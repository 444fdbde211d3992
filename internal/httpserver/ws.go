package httpserver

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/marketdata"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	eventAccountSnapshot = "account_snapshot"
	writeWait            = 10 * time.Second
	pingPeriod           = 30 * time.Second
)

type SnapshotSource interface {
	SnapshotsForUser(ctx context.Context, userID string) ([]engine.AccountSnapshot, error)
}

type WSHandler struct {
	bus      *marketdata.Bus
	auth     TokenParser
	snaps    SnapshotSource
	origin   string
	every    time.Duration
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(bus *marketdata.Bus, auth TokenParser, snaps SnapshotSource, origin string, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		bus:    bus,
		auth:   auth,
		snaps:  snaps,
		origin: origin,
		every:  200 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
		logger: logger.Named("ws"),
	}
}

type wsControlMessage struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type accountSnapshotsPayload struct {
	Items []engine.AccountSnapshot `json:"items"`
	TS    int64                    `json:"ts"`
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	// localhost and 127.0.0.1 are interchangeable in development
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe(userID)
	defer h.bus.Unsubscribe(sub)

	var snapshotsEnabled atomic.Bool
	snapshotsEnabled.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(ctrl.Type)) {
			case "account_snapshots_subscribe":
				next := true
				if ctrl.Enabled != nil {
					next = *ctrl.Enabled
				}
				snapshotsEnabled.Store(next)
			case "account_snapshots_unsubscribe":
				snapshotsEnabled.Store(false)
			}
		}
	}()

	throttle := rate.NewLimiter(rate.Every(h.every), 1)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	// flush sends the snapshot a throttled burst held back, once the
	// window has passed.
	flush := time.NewTimer(h.every)
	flush.Stop()
	defer flush.Stop()

	send := func(evt marketdata.Event) bool {
		raw, err := json.Marshal(evt)
		if err != nil {
			h.logger.Warn("encode event", zap.String("type", evt.Type), zap.Error(err))
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, raw) == nil
	}

	flushArmed := false
	snapshotAfterEvent := func() bool {
		if !snapshotsEnabled.Load() {
			return true
		}
		if throttle.Allow() {
			return h.pushSnapshots(r.Context(), userID, send)
		}
		if !flushArmed {
			flush.Reset(h.every)
			flushArmed = true
		}
		return true
	}

	// Account state is pushed right away so the client can render before
	// the first tick.
	if !h.pushSnapshots(r.Context(), userID, send) {
		return
	}
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok || !send(evt) {
				return
			}
			if !snapshotAfterEvent() {
				return
			}
		case <-flush.C:
			flushArmed = false
			if !snapshotAfterEvent() {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WSHandler) pushSnapshots(ctx context.Context, userID string, send func(marketdata.Event) bool) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	items, err := h.snaps.SnapshotsForUser(ctx, userID)
	if err != nil {
		h.logger.Debug("snapshot failed", zap.String("user_id", userID), zap.Error(err))
		return true
	}
	if len(items) == 0 {
		return true
	}
	return send(marketdata.Event{Type: eventAccountSnapshot, Data: accountSnapshotsPayload{Items: items, TS: time.Now().UnixMilli()}})
}
