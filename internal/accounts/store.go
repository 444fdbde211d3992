package accounts

import (
	"context"
	"errors"
	"time"

	"lv-tradecore/internal/ledger"
	"lv-tradecore/internal/model"
	"lv-tradecore/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const accountColumns = "id, user_id, balance, bonus, leverage, status, commission_enabled, swap_enabled, spread_enabled, updated_at"

type PgStore struct {
	pool   *pgxpool.Pool
	ledger *ledger.Store
}

func NewPgStore(pool *pgxpool.Pool, ledgerStore *ledger.Store) *PgStore {
	return &PgStore{pool: pool, ledger: ledgerStore}
}

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	var status string
	err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.Bonus, &a.Leverage, &status, &a.CommissionEnabled, &a.SwapEnabled, &a.SpreadEnabled, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ErrAccountNotFound
	}
	a.Status = types.AccountStatus(status)
	return a, err
}

func (s *PgStore) List(ctx context.Context, userID string) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, "select "+accountColumns+" from trading_accounts where user_id = $1 order by created_at, id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PgStore) Get(ctx context.Context, userID, accountID string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from trading_accounts where id = $1 and user_id = $2", accountID, userID))
}

func (s *PgStore) Create(ctx context.Context, userID string, leverage int) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		insert into trading_accounts (id, user_id, leverage, status)
		values ($1, $2, $3, $4)
		returning `+accountColumns, uuid.NewString(), userID, leverage, string(types.AccountStatusActive)))
}

func (s *PgStore) UpdateLeverage(ctx context.Context, userID, accountID string, leverage int) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		update trading_accounts set leverage = $3, updated_at = now()
		where id = $1 and user_id = $2
		returning `+accountColumns, accountID, userID, leverage))
}

// lock selects an owned, active account row for update.
func lock(ctx context.Context, tx pgx.Tx, userID, accountID string) (model.Account, error) {
	a, err := scanAccount(tx.QueryRow(ctx, "select "+accountColumns+" from trading_accounts where id = $1 and user_id = $2 for update", accountID, userID))
	if err != nil {
		return model.Account{}, err
	}
	if a.Status != types.AccountStatusActive {
		return model.Account{}, ErrAccountInactive
	}
	return a, nil
}

func (s *PgStore) setFunds(ctx context.Context, tx pgx.Tx, a model.Account) (model.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		update trading_accounts set balance = $2, bonus = $3, updated_at = now()
		where id = $1
		returning `+accountColumns, a.ID, a.Balance, a.Bonus))
}

func (s *PgStore) record(ctx context.Context, tx pgx.Tx, a model.Account, typ types.TransactionType, amount decimal.Decimal, ref string) error {
	_, err := s.ledger.AppendTransaction(ctx, tx, model.Transaction{
		AccountID:    a.ID,
		UserID:       a.UserID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: a.Balance,
		Reference:    ref,
		CreatedAt:    time.Now().UTC(),
	})
	return err
}

func (s *PgStore) Deposit(ctx context.Context, userID, accountID string, amount, bonus decimal.Decimal) (model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback(ctx)

	a, err := lock(ctx, tx, userID, accountID)
	if err != nil {
		return model.Account{}, err
	}
	a.Balance = a.Balance.Add(amount)
	a.Bonus = a.Bonus.Add(bonus)
	if a, err = s.setFunds(ctx, tx, a); err != nil {
		return model.Account{}, err
	}
	if err := s.record(ctx, tx, a, types.TransactionDeposit, amount, "deposit"); err != nil {
		return model.Account{}, err
	}
	if bonus.IsPositive() {
		if err := s.record(ctx, tx, a, types.TransactionBonus, bonus, "deposit bonus"); err != nil {
			return model.Account{}, err
		}
	}
	return a, tx.Commit(ctx)
}

func (s *PgStore) Withdraw(ctx context.Context, userID, accountID string, amount decimal.Decimal, limit *decimal.Decimal) (model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback(ctx)

	a, err := lock(ctx, tx, userID, accountID)
	if err != nil {
		return model.Account{}, err
	}
	if !canWithdraw(a.Balance, limit, amount) {
		return model.Account{}, ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	if a, err = s.setFunds(ctx, tx, a); err != nil {
		return model.Account{}, err
	}
	if err := s.record(ctx, tx, a, types.TransactionWithdraw, amount.Neg(), "withdraw"); err != nil {
		return model.Account{}, err
	}
	return a, tx.Commit(ctx)
}

func (s *PgStore) Transfer(ctx context.Context, userID, fromID, toID string, amount decimal.Decimal, limit *decimal.Decimal) (model.Account, model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Account{}, model.Account{}, err
	}
	defer tx.Rollback(ctx)

	// Lock in id order so concurrent opposite transfers cannot deadlock.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]model.Account, 2)
	for _, id := range []string{first, second} {
		a, err := lock(ctx, tx, userID, id)
		if err != nil {
			return model.Account{}, model.Account{}, err
		}
		locked[id] = a
	}
	from, to := locked[fromID], locked[toID]
	if !canWithdraw(from.Balance, limit, amount) {
		return model.Account{}, model.Account{}, ErrInsufficientFunds
	}
	from.Balance = from.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)
	if from, err = s.setFunds(ctx, tx, from); err != nil {
		return model.Account{}, model.Account{}, err
	}
	if to, err = s.setFunds(ctx, tx, to); err != nil {
		return model.Account{}, model.Account{}, err
	}
	if err := s.record(ctx, tx, from, types.TransactionTransferOut, amount.Neg(), "transfer:"+toID); err != nil {
		return model.Account{}, model.Account{}, err
	}
	if err := s.record(ctx, tx, to, types.TransactionTransferIn, amount, "transfer:"+fromID); err != nil {
		return model.Account{}, model.Account{}, err
	}
	return from, to, tx.Commit(ctx)
}

// canWithdraw checks amount against the durable balance and, when limit is
// set, against the live free margin. A negative free margin allows nothing.
func canWithdraw(balance decimal.Decimal, limit *decimal.Decimal, amount decimal.Decimal) bool {
	if amount.GreaterThan(balance) {
		return false
	}
	return limit == nil || !amount.GreaterThan(*limit)
}
