package health

import (
	"context"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/httputil"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type EngineStats interface {
	Stats(ctx context.Context) (engine.Stats, error)
}

type LedgerDepth interface {
	Pending() int64
}

type Handler struct {
	db         Pinger
	engine     EngineStats
	ledger     LedgerDepth
	instanceID string
	startedAt  time.Time
	timeout    time.Duration
	loaded     atomic.Bool
}

func NewHandler(db Pinger, eng EngineStats, ledger LedgerDepth, instanceID string, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{db: db, engine: eng, ledger: ledger, instanceID: instanceID, startedAt: start, timeout: time.Second}
}

// SetLoaded records that durable state has been loaded into the engine.
func (h *Handler) SetLoaded() { h.loaded.Store(true) }

func (h *Handler) Loaded() bool { return h.loaded.Load() }

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
}

type dependencyStat struct {
	Healthy bool   `json:"healthy"`
	Ms      int64  `json:"ms"`
	Error   string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status        string         `json:"status"`
	Instance      string         `json:"instance"`
	Loaded        bool           `json:"loaded"`
	Timestamp     string         `json:"timestamp"`
	UptimeSec     int64          `json:"uptime_sec"`
	Database      dependencyStat `json:"database"`
	Engine        dependencyStat `json:"engine"`
	Stats         engine.Stats   `json:"stats"`
	LedgerPending int64          `json:"ledger_pending"`
	Goroutines    int            `json:"goroutines"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func check(ctx context.Context, timeout time.Duration, fn func(context.Context) error) dependencyStat {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	out := dependencyStat{Healthy: err == nil, Ms: time.Since(start).Milliseconds()}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
	})
}

// Ready reports 503 until state is loaded and whenever the database or the
// engine loop is unresponsive.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := readinessResponse{
		Status:     "ok",
		Instance:   h.instanceID,
		Loaded:     h.Loaded(),
		Timestamp:  now.Format(time.RFC3339),
		UptimeSec:  int64(h.uptime(now).Seconds()),
		Goroutines: runtime.NumGoroutine(),
	}
	if h.db != nil {
		resp.Database = check(r.Context(), h.timeout, h.db.Ping)
	} else {
		resp.Database = dependencyStat{Error: "database is not configured"}
	}
	resp.Engine = check(r.Context(), h.timeout, func(ctx context.Context) error {
		st, err := h.engine.Stats(ctx)
		resp.Stats = st
		return err
	})
	if h.ledger != nil {
		resp.LedgerPending = h.ledger.Pending()
	}
	status := http.StatusOK
	switch {
	case !resp.Database.Healthy || !resp.Engine.Healthy:
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	case !resp.Loaded:
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}
