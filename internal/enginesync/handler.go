package enginesync

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/httputil"
	"lv-tradecore/internal/model"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Writer persists configuration changes made through the internal API.
type Writer interface {
	UpsertInstrument(ctx context.Context, i model.Instrument) error
	SaveBonusSettings(ctx context.Context, b model.BonusSettings) error
}

// Peers is the publishing side of the sync bus.
type Peers interface {
	PublishAccountSnapshot(ctx context.Context, accountID string) error
	PublishBalance(ctx context.Context, accountID string, balance decimal.Decimal, bonus *decimal.Decimal) error
	PublishSymbolUpsert(ctx context.Context, inst model.Instrument) error
	PublishSymbolRemove(ctx context.Context, code string) error
	PublishMarketStatus(ctx context.Context, code string, open bool) error
	PublishBonusSettings(ctx context.Context, settings model.BonusSettings) error
}

// Handler serves the internal endpoints other services call after they
// change durable state. Each change is applied locally and then broadcast.
type Handler struct {
	sync   *Sync
	writer Writer
	peers  Peers
}

func NewHandler(s *Sync, writer Writer, peers Peers) *Handler {
	return &Handler{sync: s, writer: writer, peers: peers}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, engine.ErrAccountNotFound), errors.Is(err, engine.ErrInvalidSymbol):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidSymbolConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type applied struct {
	Applied   bool   `json:"applied"`
	Broadcast bool   `json:"broadcast"`
	Error     string `json:"broadcast_error,omitempty"`
}

func broadcast(err error) applied {
	out := applied{Applied: true, Broadcast: err == nil}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (h *Handler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := h.sync.SyncAccount(r.Context(), accountID); err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishAccountSnapshot(r.Context(), accountID)))
}

func (h *Handler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Balance decimal.Decimal  `json:"balance"`
		Bonus   *decimal.Decimal `json:"bonus"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	accountID := chi.URLParam(r, "accountID")
	if err := h.sync.UpdateBalance(r.Context(), accountID, req.Balance, req.Bonus); err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishBalance(r.Context(), accountID, req.Balance, req.Bonus)))
}

// UpsertInstrument stores the instrument in the body and applies it.
func (h *Handler) UpsertInstrument(w http.ResponseWriter, r *http.Request) {
	var inst model.Instrument
	if err := httputil.ReadJSON(r, &inst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	inst.Code = strings.ToUpper(chi.URLParam(r, "code"))
	if inst.Tradeable {
		if err := symbolConfig(inst).Validate(); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.writer.UpsertInstrument(r.Context(), inst); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.sync.LoadSymbolFromInstrument(r.Context(), inst); err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishSymbolUpsert(r.Context(), inst)))
}

// ReloadInstrument re-reads one instrument from the store.
func (h *Handler) ReloadInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := h.sync.LoadSymbolByCode(r.Context(), strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	if inst.Tradeable {
		httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishSymbolUpsert(r.Context(), inst)))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishSymbolRemove(r.Context(), inst.Code)))
}

func (h *Handler) RemoveInstrument(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if err := h.sync.RemoveInstrumentByCode(r.Context(), code); err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishSymbolRemove(r.Context(), code)))
}

func (h *Handler) SetMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
		Open bool   `json:"open"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if err := h.sync.SetMarketStatus(r.Context(), code, req.Open); err != nil {
		httputil.WriteError(w, statusFor(err), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishMarketStatus(r.Context(), code, req.Open)))
}

func (h *Handler) BonusSettings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.sync.BonusSettings())
}

func (h *Handler) UpdateBonusSettings(w http.ResponseWriter, r *http.Request) {
	var b model.BonusSettings
	if err := httputil.ReadJSON(r, &b); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if b.Percent.IsNegative() || b.MaxAmount.IsNegative() {
		httputil.WriteError(w, http.StatusBadRequest, errors.New("percent and max_amount must not be negative"))
		return
	}
	if err := h.writer.SaveBonusSettings(r.Context(), b); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	h.sync.ApplyBonusSettings(b)
	httputil.WriteJSON(w, http.StatusOK, broadcast(h.peers.PublishBonusSettings(r.Context(), b)))
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sync.ReloadAll(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

// Routes mounts the internal sync endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts/{accountID}", h.SyncAccount)
	r.Put("/accounts/{accountID}/balance", h.UpdateBalance)
	r.Put("/instruments/{code}", h.UpsertInstrument)
	r.Post("/instruments/{code}", h.ReloadInstrument)
	r.Delete("/instruments/{code}", h.RemoveInstrument)
	r.Post("/market-status", h.SetMarketStatus)
	r.Get("/bonus-settings", h.BonusSettings)
	r.Put("/bonus-settings", h.UpdateBonusSettings)
	r.Post("/reload", h.Reload)
}
