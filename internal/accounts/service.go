package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidLeverage   = errors.New("leverage not allowed")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountInactive   = errors.New("account is not active")
	ErrInsufficientFunds = errors.New("insufficient free margin")
	ErrSameAccount       = errors.New("source and destination accounts must differ")
)

var allowedLeverageValues = map[int]struct{}{
	2: {}, 5: {}, 10: {}, 20: {}, 30: {}, 40: {}, 50: {},
	100: {}, 200: {}, 500: {}, 1000: {}, 2000: {}, 3000: {},
}

const defaultNewAccountLeverage = 100

func isAllowedLeverage(v int) bool {
	_, ok := allowedLeverageValues[v]
	return ok
}

// Store is the durable side of account funding. Implementations lock the
// account rows, check ownership and status, and record transactions.
type Store interface {
	List(ctx context.Context, userID string) ([]model.Account, error)
	Get(ctx context.Context, userID, accountID string) (model.Account, error)
	Create(ctx context.Context, userID string, leverage int) (model.Account, error)
	UpdateLeverage(ctx context.Context, userID, accountID string, leverage int) (model.Account, error)
	Deposit(ctx context.Context, userID, accountID string, amount, bonus decimal.Decimal) (model.Account, error)
	// Withdraw debits amount as long as it does not exceed the balance and,
	// when limit is not nil, the live free margin it points to.
	Withdraw(ctx context.Context, userID, accountID string, amount decimal.Decimal, limit *decimal.Decimal) (model.Account, error)
	Transfer(ctx context.Context, userID, fromID, toID string, amount decimal.Decimal, limit *decimal.Decimal) (from, to model.Account, err error)
}

// Live pushes durable changes into this instance's engine.
type Live interface {
	SyncAccount(ctx context.Context, accountID string) error
	OnAccountCreated(ctx context.Context, accountID string) error
	OnDeposit(ctx context.Context, accountID string, amount, bonus decimal.Decimal) error
	OnWithdraw(ctx context.Context, accountID string, amount decimal.Decimal) error
	OnInternalTransfer(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal) error
	BonusSettings() model.BonusSettings
	// BeginFunding marks a balance change that is committed to the store but
	// not yet applied live. The returned func ends it.
	BeginFunding() (done func())
}

// Snapshotter exposes the live free margin of an account.
type Snapshotter interface {
	Snapshot(ctx context.Context, accountID string) (engine.AccountSnapshot, error)
}

// Publisher tells peer instances about a durable change.
type Publisher interface {
	PublishAccountSnapshot(ctx context.Context, accountID string) error
	PublishBalance(ctx context.Context, accountID string, balance decimal.Decimal, bonus *decimal.Decimal) error
}

type Service struct {
	store  Store
	live   Live
	engine Snapshotter
	peers  Publisher
	logger *zap.Logger
}

func NewService(store Store, live Live, eng Snapshotter, peers Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, live: live, engine: eng, peers: peers, logger: logger.Named("accounts")}
}

func (s *Service) List(ctx context.Context, userID string) ([]model.Account, error) {
	return s.store.List(ctx, userID)
}

func (s *Service) Create(ctx context.Context, userID string, leverage int) (model.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Account{}, errors.New("user_id is required")
	}
	if leverage == 0 {
		leverage = defaultNewAccountLeverage
	}
	if !isAllowedLeverage(leverage) {
		return model.Account{}, ErrInvalidLeverage
	}
	acc, err := s.store.Create(ctx, userID, leverage)
	if err != nil {
		return model.Account{}, err
	}
	if err := s.live.OnAccountCreated(ctx, acc.ID); err != nil {
		s.logger.Warn("live load failed", zap.String("account_id", acc.ID), zap.Error(err))
	}
	s.publish(ctx, acc.ID, func() error { return s.peers.PublishAccountSnapshot(ctx, acc.ID) })
	return acc, nil
}

func (s *Service) UpdateLeverage(ctx context.Context, userID, accountID string, leverage int) (model.Account, error) {
	if !isAllowedLeverage(leverage) {
		return model.Account{}, ErrInvalidLeverage
	}
	acc, err := s.store.UpdateLeverage(ctx, userID, accountID, leverage)
	if err != nil {
		return model.Account{}, err
	}
	if err := s.live.SyncAccount(ctx, accountID); err != nil {
		s.logger.Warn("live sync failed", zap.String("account_id", accountID), zap.Error(err))
	}
	s.publish(ctx, accountID, func() error { return s.peers.PublishAccountSnapshot(ctx, accountID) })
	return acc, nil
}

// Deposit credits amount plus the bonus granted by the current bonus
// settings.
func (s *Service) Deposit(ctx context.Context, userID, accountID string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	bonus := s.live.BonusSettings().Credit(amount)
	done := s.live.BeginFunding()
	defer done()
	acc, err := s.store.Deposit(ctx, userID, accountID, amount, bonus)
	if err != nil {
		return model.Account{}, err
	}
	if err := s.live.OnDeposit(ctx, accountID, amount, bonus); err != nil {
		s.logger.Warn("live deposit failed", zap.String("account_id", accountID), zap.Error(err))
	}
	s.publishBalance(ctx, acc)
	return acc, nil
}

func (s *Service) Withdraw(ctx context.Context, userID, accountID string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	done := s.live.BeginFunding()
	defer done()
	limit, err := s.withdrawLimit(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	acc, err := s.store.Withdraw(ctx, userID, accountID, amount, limit)
	if err != nil {
		return model.Account{}, err
	}
	if err := s.live.OnWithdraw(ctx, accountID, amount); err != nil {
		s.logger.Warn("live withdraw failed", zap.String("account_id", accountID), zap.Error(err))
	}
	s.publishBalance(ctx, acc)
	return acc, nil
}

// InternalTransfer moves funds between two accounts of the same user.
func (s *Service) InternalTransfer(ctx context.Context, userID, fromID, toID string, amount decimal.Decimal) (model.Account, model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, model.Account{}, ErrInvalidAmount
	}
	if fromID == toID {
		return model.Account{}, model.Account{}, ErrSameAccount
	}
	done := s.live.BeginFunding()
	defer done()
	limit, err := s.withdrawLimit(ctx, fromID)
	if err != nil {
		return model.Account{}, model.Account{}, err
	}
	from, to, err := s.store.Transfer(ctx, userID, fromID, toID, amount, limit)
	if err != nil {
		return model.Account{}, model.Account{}, err
	}
	if err := s.live.OnInternalTransfer(ctx, fromID, toID, amount); err != nil {
		s.logger.Warn("live transfer failed", zap.String("from", fromID), zap.String("to", toID), zap.Error(err))
	}
	s.publishBalance(ctx, from)
	s.publishBalance(ctx, to)
	return from, to, nil
}

// withdrawLimit returns the live free margin, or nil when the account is
// not held by this instance and only the durable balance applies.
func (s *Service) withdrawLimit(ctx context.Context, accountID string) (*decimal.Decimal, error) {
	snap, err := s.engine.Snapshot(ctx, accountID)
	if errors.Is(err, engine.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live margin: %w", err)
	}
	free := snap.FreeMargin
	return &free, nil
}

func (s *Service) publishBalance(ctx context.Context, acc model.Account) {
	bonus := acc.Bonus
	s.publish(ctx, acc.ID, func() error { return s.peers.PublishBalance(ctx, acc.ID, acc.Balance, &bonus) })
}

func (s *Service) publish(ctx context.Context, accountID string, fn func() error) {
	if s.peers == nil {
		return
	}
	if err := fn(); err != nil {
		s.logger.Warn("peer publish failed", zap.String("account_id", accountID), zap.Error(err))
	}
}
