// Package engine keeps live account, position and symbol state in memory
// and applies orders and price ticks to it.
//
// All state is owned by the goroutine running Run. Public methods submit a
// command to that goroutine and wait for it to finish, so every operation
// observes and leaves a consistent view of an account.
package engine

import (
	"context"
	"sort"
	"time"

	"lv-tradecore/internal/metrics"
	"lv-tradecore/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultQueueSize = 1024

type Options struct {
	Risk      RiskConfig
	Validator *order.Validator
	Sinks     []EventSink
	// Owns reports whether this instance may trade an account. Nil means
	// every account is owned.
	Owns      func(accountID string) bool
	QueueSize int
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
}

type Engine struct {
	cmds    chan func()
	stopped chan struct{}

	risk      *RiskManager
	validator *order.Validator
	sinks     []EventSink
	owns      func(string) bool
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	accounts map[string]*AccountState
	symbols  map[string]*Symbol
	// exposure maps a symbol to the accounts holding positions in it.
	exposure map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}
	pending  map[string]*PendingOrder
	books    map[string]*pendingBook
}

func New(opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Validator == nil {
		opts.Validator = order.NewValidator(order.Limits{})
	}
	return &Engine{
		cmds:      make(chan func(), opts.QueueSize),
		stopped:   make(chan struct{}),
		risk:      NewRiskManager(opts.Risk),
		validator: opts.Validator,
		sinks:     append([]EventSink(nil), opts.Sinks...),
		owns:      opts.Owns,
		logger:    opts.Logger.Named("engine"),
		now:       opts.Clock,
		newID:     opts.NewID,
		accounts:  make(map[string]*AccountState),
		symbols:   make(map[string]*Symbol),
		exposure:  make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		pending:   make(map[string]*PendingOrder),
		books:     make(map[string]*pendingBook),
	}
}

// AddSink registers an event sink. It must be called before Run.
func (e *Engine) AddSink(s EventSink) {
	e.sinks = append(e.sinks, s)
}

func (e *Engine) Risk() *RiskManager { return e.risk }

// Run executes submitted commands until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.logger.Info("engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return nil
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

// exec runs fn on the engine goroutine. ctx only bounds the wait for a queue
// slot: once queued, exec waits for fn unless Run exits first, in which case
// fn may never run and exec returns ErrEngineStopped.
func (e *Engine) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrEngineStopped
		}
	}
}

func call[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if execErr := e.exec(ctx, func() { out, err = fn() }); execErr != nil {
		return out, execErr
	}
	return out, err
}

func (e *Engine) emit(evt Event) {
	if evt.At.IsZero() {
		evt.At = e.now()
	}
	for _, s := range e.sinks {
		s.Enqueue(evt)
	}
}

func (e *Engine) ownsAccount(id string) bool {
	return e.owns == nil || e.owns(id)
}

// LoadAccount creates or refreshes an account from its durable record.
// Positions, pending orders and the warning latch survive a refresh.
func (e *Engine) LoadAccount(ctx context.Context, spec AccountSpec) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		if spec.ID == "" {
			return struct{}{}, ErrInvalidAccount
		}
		if a, ok := e.accounts[spec.ID]; ok {
			if a.UserID != spec.UserID {
				e.unindexUser(a.UserID, a.ID)
			}
			a.apply(spec)
			e.indexUser(a.UserID, a.ID)
			e.recomputeMargin(a)
			return struct{}{}, nil
		}
		a := newAccountState(spec)
		e.accounts[a.ID] = a
		e.indexUser(a.UserID, a.ID)
		return struct{}{}, nil
	})
	return err
}

func (e *Engine) UnloadAccount(ctx context.Context, accountID string) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		a, ok := e.accounts[accountID]
		if !ok {
			return struct{}{}, ErrAccountNotFound
		}
		for _, p := range a.Positions {
			e.dropExposure(a.ID, p.Symbol)
		}
		for id, o := range e.pending {
			if o.AccountID == accountID {
				e.removePending(id)
			}
		}
		e.unindexUser(a.UserID, a.ID)
		delete(e.accounts, accountID)
		e.refreshOpenPositions()
		return struct{}{}, nil
	})
	return err
}

// UpdateBalance overwrites balance, and bonus when given, with durable values.
func (e *Engine) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal, bonus *decimal.Decimal) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		a, ok := e.accounts[accountID]
		if !ok {
			return struct{}{}, ErrAccountNotFound
		}
		a.Balance = balance
		if bonus != nil {
			a.Bonus = *bonus
		}
		a.Recalc()
		return struct{}{}, nil
	})
	return err
}

// AdjustBalance applies deltas to balance and bonus.
func (e *Engine) AdjustBalance(ctx context.Context, accountID string, balanceDelta, bonusDelta decimal.Decimal) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		a, ok := e.accounts[accountID]
		if !ok {
			return struct{}{}, ErrAccountNotFound
		}
		a.Balance = a.Balance.Add(balanceDelta)
		a.Bonus = a.Bonus.Add(bonusDelta)
		a.Recalc()
		return struct{}{}, nil
	})
	return err
}

// CompareAndSetBalance replaces the balance only if it still equals old.
func (e *Engine) CompareAndSetBalance(ctx context.Context, accountID string, old, balance decimal.Decimal) (bool, error) {
	return call(ctx, e, func() (bool, error) {
		a, ok := e.accounts[accountID]
		if !ok {
			return false, ErrAccountNotFound
		}
		if !a.Balance.Equal(old) {
			return false, nil
		}
		a.Balance = balance
		a.Recalc()
		return true, nil
	})
}

// Balances returns the live balance of every loaded account.
func (e *Engine) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return call(ctx, e, func() (map[string]decimal.Decimal, error) {
		out := make(map[string]decimal.Decimal, len(e.accounts))
		for id, a := range e.accounts {
			out[id] = a.Balance
		}
		return out, nil
	})
}

// LoadSymbol registers a symbol or replaces its configuration, keeping the
// last quote and market status.
func (e *Engine) LoadSymbol(ctx context.Context, code string, cfg SymbolConfig) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		if code == "" {
			return struct{}{}, ErrInvalidSymbol
		}
		if err := cfg.Validate(); err != nil {
			return struct{}{}, err
		}
		if s, ok := e.symbols[code]; ok {
			s.SymbolConfig = cfg
			s.retired = false
			for accountID := range e.exposure[code] {
				e.recomputeMargin(e.accounts[accountID])
			}
			return struct{}{}, nil
		}
		e.symbols[code] = &Symbol{Code: code, SymbolConfig: cfg, MarketOpen: true}
		return struct{}{}, nil
	})
	return err
}

// RemoveSymbol stops trading in a symbol. Pending orders on it are
// cancelled. Open positions keep it priced until they close.
func (e *Engine) RemoveSymbol(ctx context.Context, code string) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		s, ok := e.symbols[code]
		if !ok {
			return struct{}{}, nil
		}
		if book, ok := e.books[code]; ok {
			for _, o := range book.all() {
				e.cancelPending(o, "symbol removed")
			}
		}
		if len(e.exposure[code]) > 0 {
			s.retired = true
			return struct{}{}, nil
		}
		delete(e.symbols, code)
		return struct{}{}, nil
	})
	return err
}

// SetMarketStatus opens or closes a market. An empty code applies to every
// symbol.
func (e *Engine) SetMarketStatus(ctx context.Context, code string, open bool) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		if code == "" {
			for _, s := range e.symbols {
				s.MarketOpen = open
			}
			return struct{}{}, nil
		}
		s, ok := e.symbols[code]
		if !ok {
			return struct{}{}, ErrInvalidSymbol
		}
		s.MarketOpen = open
		return struct{}{}, nil
	})
	return err
}

func (e *Engine) Quote(ctx context.Context, code string) (Quote, error) {
	return call(ctx, e, func() (Quote, error) {
		s, ok := e.symbols[code]
		if !ok {
			return Quote{}, ErrInvalidSymbol
		}
		if !s.HasPrice() {
			return Quote{}, ErrPriceNotAvailable
		}
		return Quote{Symbol: s.Code, Bid: s.Bid, Ask: s.Ask, MarketOpen: s.MarketOpen, At: s.LastTickAt}, nil
	})
}

func (e *Engine) Snapshot(ctx context.Context, accountID string) (AccountSnapshot, error) {
	return call(ctx, e, func() (AccountSnapshot, error) {
		a, ok := e.accounts[accountID]
		if !ok {
			return AccountSnapshot{}, ErrAccountNotFound
		}
		return e.snapshot(a), nil
	})
}

// SnapshotsForUser returns every loaded account of a user, ordered by ID.
func (e *Engine) SnapshotsForUser(ctx context.Context, userID string) ([]AccountSnapshot, error) {
	return call(ctx, e, func() ([]AccountSnapshot, error) {
		ids := make([]string, 0, len(e.byUser[userID]))
		for id := range e.byUser[userID] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]AccountSnapshot, 0, len(ids))
		for _, id := range ids {
			out = append(out, e.snapshot(e.accounts[id]))
		}
		return out, nil
	})
}

func (e *Engine) snapshot(a *AccountState) AccountSnapshot {
	snap := AccountSnapshot{
		AccountID:         a.ID,
		UserID:            a.UserID,
		Balance:           a.Balance,
		Bonus:             a.Bonus,
		Equity:            a.Equity,
		UsedMargin:        a.UsedMargin,
		FreeMargin:        a.FreeMargin,
		MarginLevel:       e.risk.MarginLevel(a),
		LossPercent:       e.risk.LossPercent(a),
		Leverage:          a.Leverage,
		Status:            a.Status,
		CommissionEnabled: a.CommissionEnabled,
		SwapEnabled:       a.SwapEnabled,
		SpreadEnabled:     a.SpreadEnabled,
		Positions:         make([]Position, 0, len(a.Positions)),
		PendingOrders:     []PendingOrder{},
	}
	for _, p := range a.sortedPositions() {
		snap.Positions = append(snap.Positions, p.clone())
	}
	for _, o := range e.pendingForAccount(a.ID) {
		snap.PendingOrders = append(snap.PendingOrders, o.clone())
	}
	return snap
}

type Stats struct {
	Accounts      int `json:"accounts"`
	Symbols       int `json:"symbols"`
	Positions     int `json:"positions"`
	PendingOrders int `json:"pending_orders"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return call(ctx, e, func() (Stats, error) {
		st := Stats{Accounts: len(e.accounts), Symbols: len(e.symbols), PendingOrders: len(e.pending)}
		for _, a := range e.accounts {
			st.Positions += len(a.Positions)
		}
		return st, nil
	})
}

func (e *Engine) indexUser(userID, accountID string) {
	set, ok := e.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		e.byUser[userID] = set
	}
	set[accountID] = struct{}{}
}

func (e *Engine) unindexUser(userID, accountID string) {
	if set, ok := e.byUser[userID]; ok {
		delete(set, accountID)
		if len(set) == 0 {
			delete(e.byUser, userID)
		}
	}
}

func (e *Engine) indexExposure(accountID, code string) {
	set, ok := e.exposure[code]
	if !ok {
		set = make(map[string]struct{})
		e.exposure[code] = set
	}
	set[accountID] = struct{}{}
}

// unindexExposure drops the account from a symbol's exposure set once it
// holds no more positions there, and forgets retired symbols nobody holds.
func (e *Engine) unindexExposure(a *AccountState, code string) {
	for _, p := range a.Positions {
		if p.Symbol == code {
			return
		}
	}
	e.dropExposure(a.ID, code)
}

// dropExposure removes the account from a symbol's exposure set. A retired
// symbol goes away with its last exposure.
func (e *Engine) dropExposure(accountID, code string) {
	set := e.exposure[code]
	delete(set, accountID)
	if len(set) > 0 {
		return
	}
	delete(e.exposure, code)
	if s, ok := e.symbols[code]; ok && s.retired {
		delete(e.symbols, code)
	}
}

func (e *Engine) refreshOpenPositions() {
	n := 0
	for _, a := range e.accounts {
		n += len(a.Positions)
	}
	metrics.OpenPositions.Set(float64(n))
}
