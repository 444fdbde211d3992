// Package trading exposes the engine's trading operations over HTTP.
package trading

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/httputil"
	"lv-tradecore/internal/order"
	"lv-tradecore/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Engine interface {
	PlaceMarketOrder(ctx context.Context, req engine.MarketOrderRequest) (engine.Position, error)
	PlacePendingOrder(ctx context.Context, req engine.PendingOrderRequest) (engine.PendingOrder, error)
	ModifyPendingOrder(ctx context.Context, req engine.ModifyPendingRequest) (engine.PendingOrder, error)
	CancelPendingOrder(ctx context.Context, accountID, orderID string) (engine.PendingOrder, error)
	ModifyPosition(ctx context.Context, req engine.ModifyPositionRequest) (engine.Position, error)
	SquareOffPosition(ctx context.Context, accountID, positionID string) (engine.CloseResult, error)
	ClosePositions(ctx context.Context, accountID string, scope engine.CloseScope) ([]engine.CloseResult, error)
	Snapshot(ctx context.Context, accountID string) (engine.AccountSnapshot, error)
	SnapshotsForUser(ctx context.Context, userID string) ([]engine.AccountSnapshot, error)
	Quote(ctx context.Context, code string) (engine.Quote, error)
}

type Handler struct {
	eng Engine
}

func NewHandler(eng Engine) *Handler {
	return &Handler{eng: eng}
}

var errForbidden = errors.New("account does not belong to user")

// StatusFor maps engine and validation errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, engine.ErrInvalidAccount),
		errors.Is(err, engine.ErrPositionNotFound),
		errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, errForbidden):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusMisdirectedRequest
	case errors.Is(err, engine.ErrInsufficientMargin),
		errors.Is(err, engine.ErrAccountInactive),
		errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrPriceNotReady),
		errors.Is(err, engine.ErrPriceNotAvailable),
		errors.Is(err, engine.ErrTooManyPositions):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSymbol),
		errors.Is(err, order.ErrInvalidVolume),
		errors.Is(err, order.ErrInvalidSide),
		errors.Is(err, order.ErrInvalidPendingType),
		errors.Is(err, order.ErrInvalidPendingPrice),
		errors.Is(err, order.ErrInvalidStops):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	httputil.WriteError(w, StatusFor(err), err)
}

// owned loads the account in the path and checks that userID owns it.
func (h *Handler) owned(r *http.Request, userID string) (engine.AccountSnapshot, error) {
	snap, err := h.eng.Snapshot(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		return engine.AccountSnapshot{}, err
	}
	if snap.UserID != userID {
		return engine.AccountSnapshot{}, errForbidden
	}
	return snap, nil
}

func (h *Handler) authorize(r *http.Request, userID string) (string, error) {
	snap, err := h.owned(r, userID)
	return snap.AccountID, err
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request, userID string) {
	snaps, err := h.eng.SnapshotsForUser(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if snaps == nil {
		snaps = []engine.AccountSnapshot{}
	}
	httputil.WriteJSON(w, http.StatusOK, snaps)
}

func (h *Handler) Account(w http.ResponseWriter, r *http.Request, userID string) {
	snap, err := h.owned(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request, _ string) {
	q, err := h.eng.Quote(r.Context(), strings.ToUpper(chi.URLParam(r, "symbol")))
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, q)
}

type marketOrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       types.Side       `json:"side"`
	Volume     decimal.Decimal  `json:"volume"`
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

func (h *Handler) PlaceMarket(w http.ResponseWriter, r *http.Request, userID string) {
	var req marketOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	pos, err := h.eng.PlaceMarketOrder(r.Context(), engine.MarketOrderRequest{
		AccountID:  accountID,
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:       types.Side(strings.ToUpper(string(req.Side))),
		Volume:     req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		IPAddress:  clientIP(r),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pos)
}

type pendingOrderRequest struct {
	Symbol     string            `json:"symbol"`
	Type       types.PendingType `json:"type"`
	Volume     decimal.Decimal   `json:"volume"`
	Price      decimal.Decimal   `json:"price"`
	StopLoss   *decimal.Decimal  `json:"stop_loss"`
	TakeProfit *decimal.Decimal  `json:"take_profit"`
}

func (h *Handler) PlacePending(w http.ResponseWriter, r *http.Request, userID string) {
	var req pendingOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := h.eng.PlacePendingOrder(r.Context(), engine.PendingOrderRequest{
		AccountID:  accountID,
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Type:       types.PendingType(strings.ToUpper(string(req.Type))),
		Volume:     req.Volume,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		IPAddress:  clientIP(r),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, o)
}

type modifyPendingRequest struct {
	Price      *decimal.Decimal `json:"price"`
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

func (h *Handler) ModifyPending(w http.ResponseWriter, r *http.Request, userID string) {
	var req modifyPendingRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := h.eng.ModifyPendingOrder(r.Context(), engine.ModifyPendingRequest{
		AccountID:  accountID,
		OrderID:    chi.URLParam(r, "orderID"),
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) CancelPending(w http.ResponseWriter, r *http.Request, userID string) {
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := h.eng.CancelPendingOrder(r.Context(), accountID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

type modifyPositionRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

func (h *Handler) ModifyPosition(w http.ResponseWriter, r *http.Request, userID string) {
	var req modifyPositionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	pos, err := h.eng.ModifyPosition(r.Context(), engine.ModifyPositionRequest{
		AccountID:  accountID,
		PositionID: chi.URLParam(r, "positionID"),
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request, userID string) {
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.eng.SquareOffPosition(r.Context(), accountID, chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) CloseAll(w http.ResponseWriter, r *http.Request, userID string) {
	scope := engine.CloseScope(strings.ToLower(r.URL.Query().Get("scope")))
	switch scope {
	case "":
		scope = engine.CloseScopeAll
	case engine.CloseScopeAll, engine.CloseScopeProfit, engine.CloseScopeLoss:
	default:
		httputil.WriteError(w, http.StatusBadRequest, errors.New("scope must be all, profit or loss"))
		return
	}
	accountID, err := h.authorize(r, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	results, err := h.eng.ClosePositions(r.Context(), accountID, scope)
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []engine.CloseResult{}
	}
	httputil.WriteJSON(w, http.StatusOK, results)
}

// Routes mounts the trading endpoints. wrap adapts a user-scoped handler.
func (h *Handler) Routes(r chi.Router, wrap func(func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc) {
	r.Get("/accounts", wrap(h.Accounts))
	r.Get("/quotes/{symbol}", wrap(h.Quote))
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/", wrap(h.Account))
		r.Post("/orders", wrap(h.PlaceMarket))
		r.Post("/close", wrap(h.CloseAll))
		r.Patch("/positions/{positionID}", wrap(h.ModifyPosition))
		r.Delete("/positions/{positionID}", wrap(h.ClosePosition))
		r.Post("/pending", wrap(h.PlacePending))
		r.Patch("/pending/{orderID}", wrap(h.ModifyPending))
		r.Delete("/pending/{orderID}", wrap(h.CancelPending))
	})
}
