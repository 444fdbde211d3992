package httpserver

import (
	"net/http"
	"time"

	"lv-tradecore/internal/accounts"
	"lv-tradecore/internal/enginesync"
	"lv-tradecore/internal/health"
	"lv-tradecore/internal/metrics"
	"lv-tradecore/internal/trading"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Auth            TokenParser
	TradingHandler  *trading.Handler
	AccountsHandler *accounts.Handler
	SyncHandler     *enginesync.Handler
	HealthHandler   *health.Handler
	WSHandler       http.Handler
	InternalToken   string
	// Limiter is optional; nil disables per-IP rate limiting.
	Limiter *IPLimiter
	// Loaded gates /v1 and /internal until startup loading is done. Nil
	// means always loaded.
	Loaded func() bool
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)
	r.With(InternalAuth(d.InternalToken)).Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.Loaded != nil {
			r.Use(RequireLoaded(d.Loaded))
		}
		if d.WSHandler != nil {
			r.Get("/ws", d.WSHandler.ServeHTTP)
		}
		r.Group(func(r chi.Router) {
			if d.Limiter != nil {
				r.Use(d.Limiter.Middleware)
			}
			r.Use(middleware.Timeout(15 * time.Second))
			r.Use(WithAuth(d.Auth))
			r.Route("/trading", func(r chi.Router) {
				d.TradingHandler.Routes(r, WithUser)
			})
			r.Get("/accounts", WithUser(d.AccountsHandler.List))
			r.Post("/accounts", WithUser(d.AccountsHandler.Create))
			r.Post("/accounts/leverage", WithUser(d.AccountsHandler.UpdateLeverage))
			r.Post("/funds/deposit", WithUser(d.AccountsHandler.Deposit))
			r.Post("/funds/withdraw", WithUser(d.AccountsHandler.Withdraw))
			r.Post("/funds/transfer", WithUser(d.AccountsHandler.Transfer))
		})
	})

	r.Route("/internal/sync", func(r chi.Router) {
		if d.Loaded != nil {
			r.Use(RequireLoaded(d.Loaded))
		}
		r.Use(InternalAuth(d.InternalToken))
		d.SyncHandler.Routes(r)
	})
	return r
}
