package accounts

import (
	"errors"
	"net/http"

	"lv-tradecore/internal/httputil"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrAccountInactive):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidLeverage), errors.Is(err, ErrSameAccount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	accounts, err := h.svc.List(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Leverage int `json:"leverage"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := h.svc.Create(r.Context(), userID, req.Leverage)
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) UpdateLeverage(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AccountID string `json:"account_id"`
		Leverage  int    `json:"leverage"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := h.svc.UpdateLeverage(r.Context(), userID, req.AccountID, req.Leverage)
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

type fundsRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request, userID string) {
	var req fundsRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := h.svc.Deposit(r.Context(), userID, req.AccountID, req.Amount)
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request, userID string) {
	var req fundsRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := h.svc.Withdraw(r.Context(), userID, req.AccountID, req.Amount)
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		FromAccountID string          `json:"from_account_id"`
		ToAccountID   string          `json:"to_account_id"`
		Amount        decimal.Decimal `json:"amount"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	from, to, err := h.svc.InternalTransfer(r.Context(), userID, req.FromAccountID, req.ToAccountID, req.Amount)
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"from": from, "to": to})
}
