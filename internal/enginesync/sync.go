// Package enginesync keeps the in-memory engine consistent with the durable
// store and with peer engine instances.
package enginesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source is the durable state the engine is loaded from.
type Source interface {
	LoadAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	AccountBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	LoadInstrument(ctx context.Context, code string) (model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	ListOpenTrades(ctx context.Context) ([]model.Trade, error)
	ListPendingOrders(ctx context.Context) ([]model.PendingOrder, error)
	LoadBonusSettings(ctx context.Context) (model.BonusSettings, error)
}

// Engine is the part of the live engine this package drives.
type Engine interface {
	LoadAccount(ctx context.Context, spec engine.AccountSpec) error
	UnloadAccount(ctx context.Context, accountID string) error
	UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal, bonus *decimal.Decimal) error
	AdjustBalance(ctx context.Context, accountID string, balanceDelta, bonusDelta decimal.Decimal) error
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	CompareAndSetBalance(ctx context.Context, accountID string, old, balance decimal.Decimal) (bool, error)
	LoadSymbol(ctx context.Context, code string, cfg engine.SymbolConfig) error
	RemoveSymbol(ctx context.Context, code string) error
	SetMarketStatus(ctx context.Context, code string, open bool) error
	RestorePosition(ctx context.Context, p engine.Position) error
	RestorePendingOrder(ctx context.Context, o engine.PendingOrder) error
}

type Sync struct {
	engine Engine
	source Source
	owns   func(accountID string) bool
	logger *zap.Logger

	mu    sync.RWMutex
	bonus model.BonusSettings

	// funding counts balance changes committed to the store whose live
	// delta has not been applied yet; fundingSeq counts finished ones.
	funding    atomic.Int64
	fundingSeq atomic.Uint64
}

func New(eng Engine, source Source, owns func(string) bool, logger *zap.Logger) *Sync {
	if owns == nil {
		owns = func(string) bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{engine: eng, source: source, owns: owns, logger: logger.Named("enginesync")}
}

func accountSpec(a model.Account) engine.AccountSpec {
	return engine.AccountSpec{
		ID:                a.ID,
		UserID:            a.UserID,
		Balance:           a.Balance,
		Bonus:             a.Bonus,
		Leverage:          a.Leverage,
		Status:            a.Status,
		CommissionEnabled: a.CommissionEnabled,
		SwapEnabled:       a.SwapEnabled,
		SpreadEnabled:     a.SpreadEnabled,
	}
}

func symbolConfig(i model.Instrument) engine.SymbolConfig {
	return engine.SymbolConfig{
		ContractSize:   i.ContractSize,
		MaxLeverage:    i.MaxLeverage,
		Spread:         i.Spread,
		TickSize:       i.TickSize,
		PricePrecision: i.PricePrecision,
	}
}

// SyncAccount loads an account from the store into the engine. Calling it
// twice has the same effect as calling it once. Accounts served by another
// instance are skipped.
func (s *Sync) SyncAccount(ctx context.Context, accountID string) error {
	if !s.owns(accountID) {
		return nil
	}
	a, err := s.source.LoadAccount(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		if err := s.engine.UnloadAccount(ctx, accountID); err != nil && !errors.Is(err, engine.ErrAccountNotFound) {
			return err
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}
	return s.engine.LoadAccount(ctx, accountSpec(a))
}

func (s *Sync) OnAccountCreated(ctx context.Context, accountID string) error {
	return s.SyncAccount(ctx, accountID)
}

// UpdateBalance overwrites the live balance. An account the engine does not
// know yet is loaded from the store first.
func (s *Sync) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal, bonus *decimal.Decimal) error {
	if !s.owns(accountID) {
		return nil
	}
	err := s.engine.UpdateBalance(ctx, accountID, balance, bonus)
	if !errors.Is(err, engine.ErrAccountNotFound) {
		return err
	}
	if err := s.SyncAccount(ctx, accountID); err != nil {
		return err
	}
	err = s.engine.UpdateBalance(ctx, accountID, balance, bonus)
	if errors.Is(err, engine.ErrAccountNotFound) {
		return nil
	}
	return err
}

func (s *Sync) adjust(ctx context.Context, accountID string, balanceDelta, bonusDelta decimal.Decimal) error {
	if !s.owns(accountID) {
		return nil
	}
	err := s.engine.AdjustBalance(ctx, accountID, balanceDelta, bonusDelta)
	if errors.Is(err, engine.ErrAccountNotFound) {
		// the store already holds the new balance
		return s.SyncAccount(ctx, accountID)
	}
	return err
}

// BeginFunding marks a deposit, withdrawal or transfer as in flight until
// the returned func is called. The reconciler stays away from balances
// while any is in flight, since the store would already hold a change that
// the live delta is about to add again.
func (s *Sync) BeginFunding() (done func()) {
	s.funding.Add(1)
	return sync.OnceFunc(func() {
		s.fundingSeq.Add(1)
		s.funding.Add(-1)
	})
}

func (s *Sync) fundingIdle() (uint64, bool) {
	seq := s.fundingSeq.Load()
	return seq, s.funding.Load() == 0
}

func (s *Sync) OnDeposit(ctx context.Context, accountID string, amount, bonus decimal.Decimal) error {
	return s.adjust(ctx, accountID, amount, bonus)
}

func (s *Sync) OnWithdraw(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return s.adjust(ctx, accountID, amount.Neg(), decimal.Zero)
}

func (s *Sync) OnInternalTransfer(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal) error {
	return errors.Join(
		s.OnWithdraw(ctx, fromAccountID, amount),
		s.OnDeposit(ctx, toAccountID, amount, decimal.Zero),
	)
}

// LoadSymbolFromInstrument applies an instrument record. Instruments marked
// untradeable are removed from the engine.
func (s *Sync) LoadSymbolFromInstrument(ctx context.Context, inst model.Instrument) error {
	if !inst.Tradeable {
		return s.RemoveInstrumentByCode(ctx, inst.Code)
	}
	return s.engine.LoadSymbol(ctx, inst.Code, symbolConfig(inst))
}

func (s *Sync) LoadSymbolByCode(ctx context.Context, code string) (model.Instrument, error) {
	inst, err := s.source.LoadInstrument(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return model.Instrument{Code: code}, s.RemoveInstrumentByCode(ctx, code)
	}
	if err != nil {
		return model.Instrument{}, fmt.Errorf("load instrument %s: %w", code, err)
	}
	return inst, s.LoadSymbolFromInstrument(ctx, inst)
}

func (s *Sync) RemoveInstrumentByCode(ctx context.Context, code string) error {
	return s.engine.RemoveSymbol(ctx, code)
}

func (s *Sync) SetMarketStatus(ctx context.Context, code string, open bool) error {
	return s.engine.SetMarketStatus(ctx, code, open)
}

func (s *Sync) ApplyBonusSettings(b model.BonusSettings) {
	s.mu.Lock()
	s.bonus = b
	s.mu.Unlock()
}

func (s *Sync) BonusSettings() model.BonusSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bonus
}

type ReloadReport struct {
	Symbols       int `json:"symbols"`
	Accounts      int `json:"accounts"`
	Positions     int `json:"positions"`
	PendingOrders int `json:"pending_orders"`
	Failed        int `json:"failed"`
}

// ReloadAll rebuilds engine state from the store: symbols, owned accounts,
// their open positions and resting orders. Individual records that fail to
// load are logged and counted, the rest still load.
func (s *Sync) ReloadAll(ctx context.Context) (ReloadReport, error) {
	var rep ReloadReport

	bonus, err := s.source.LoadBonusSettings(ctx)
	if err != nil {
		return rep, fmt.Errorf("load bonus settings: %w", err)
	}
	s.ApplyBonusSettings(bonus)

	instruments, err := s.source.ListInstruments(ctx)
	if err != nil {
		return rep, fmt.Errorf("list instruments: %w", err)
	}
	for _, inst := range instruments {
		if !inst.Tradeable {
			continue
		}
		if err := s.engine.LoadSymbol(ctx, inst.Code, symbolConfig(inst)); err != nil {
			rep.Failed++
			s.logger.Warn("symbol skipped", zap.String("symbol", inst.Code), zap.Error(err))
			continue
		}
		rep.Symbols++
	}

	accounts, err := s.source.ListAccounts(ctx)
	if err != nil {
		return rep, fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accounts {
		if !s.owns(a.ID) {
			continue
		}
		if err := s.engine.LoadAccount(ctx, accountSpec(a)); err != nil {
			rep.Failed++
			s.logger.Warn("account skipped", zap.String("account_id", a.ID), zap.Error(err))
			continue
		}
		rep.Accounts++
	}

	trades, err := s.source.ListOpenTrades(ctx)
	if err != nil {
		return rep, fmt.Errorf("list open trades: %w", err)
	}
	for _, t := range trades {
		if !s.owns(t.AccountID) {
			continue
		}
		if err := s.engine.RestorePosition(ctx, positionFromTrade(t)); err != nil {
			rep.Failed++
			s.logger.Warn("position skipped", zap.String("position_id", t.PositionID), zap.Error(err))
			continue
		}
		rep.Positions++
	}

	orders, err := s.source.ListPendingOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending orders: %w", err)
	}
	for _, o := range orders {
		if !s.owns(o.AccountID) {
			continue
		}
		if err := s.engine.RestorePendingOrder(ctx, pendingFromRecord(o)); err != nil {
			rep.Failed++
			s.logger.Warn("pending order skipped", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		rep.PendingOrders++
	}

	s.logger.Info("engine state reloaded",
		zap.Int("symbols", rep.Symbols),
		zap.Int("accounts", rep.Accounts),
		zap.Int("positions", rep.Positions),
		zap.Int("pending_orders", rep.PendingOrders),
		zap.Int("failed", rep.Failed))
	return rep, nil
}

func positionFromTrade(t model.Trade) engine.Position {
	return engine.Position{
		ID:           t.PositionID,
		AccountID:    t.AccountID,
		Symbol:       t.Symbol,
		Side:         t.Side,
		Volume:       t.Volume,
		OpenPrice:    t.OpenPrice,
		ContractSize: t.ContractSize,
		Leverage:     t.Leverage,
		StopLoss:     t.StopLoss,
		TakeProfit:   t.TakeProfit,
		IPAddress:    t.IPAddress,
		OpenTime:     t.OpenedAt,
	}
}

func pendingFromRecord(o model.PendingOrder) engine.PendingOrder {
	return engine.PendingOrder{
		ID:         o.ID,
		AccountID:  o.AccountID,
		UserID:     o.UserID,
		Symbol:     o.Symbol,
		Type:       o.Type,
		Volume:     o.Volume,
		Price:      o.Price,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		IPAddress:  o.IPAddress,
		CreatedAt:  o.CreatedAt,
	}
}
