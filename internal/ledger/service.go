package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-tradecore/internal/model"
	"lv-tradecore/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrAccountMissing = errors.New("trading account not found")

// Store persists trades, pending orders and balance transactions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LookupUserID(ctx context.Context, accountID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, "select user_id from trading_accounts where id = $1", accountID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAccountMissing
	}
	return userID, err
}

const insertTradeSQL = `
	insert into trades (position_id, account_id, user_id, symbol, side, volume, open_price, close_price, contract_size, leverage,
		stop_loss, take_profit, realized_pnl, status, close_reason, ip_address, opened_at, closed_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, nullif($16, ''), $17, $18)
	on conflict (position_id) do nothing`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTrade(ctx context.Context, q execer, t model.Trade) error {
	_, err := q.Exec(ctx, insertTradeSQL, t.PositionID, t.AccountID, t.UserID, t.Symbol, string(t.Side), t.Volume, t.OpenPrice,
		t.ClosePrice, t.ContractSize, t.Leverage, t.StopLoss, t.TakeProfit, t.RealizedPnL, string(t.Status), closeReason(t.CloseReason),
		t.IPAddress, t.OpenedAt, t.ClosedAt)
	return err
}

// InsertOpenTrade records a newly opened position. Replays are ignored.
func (s *Store) InsertOpenTrade(ctx context.Context, t model.Trade) error {
	t.Status = types.TradeStatusOpen
	return insertTrade(ctx, s.pool, t)
}

// CloseTrade marks the trade closed, credits the realized PnL to the
// account and appends the matching transaction, all in one database
// transaction. It returns nil when the trade was already closed. A close
// whose open record never made it to the store is written as a closed trade.
func (s *Store) CloseTrade(ctx context.Context, c model.TradeClose) (*model.Transaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		update trades set status = $2, close_price = $3, realized_pnl = $4, close_reason = $5, closed_at = $6
		where position_id = $1 and status = $7`,
		c.Trade.PositionID, string(types.TradeStatusClosed), c.ClosePrice, c.RealizedPnL, string(c.Reason), c.ClosedAt, string(types.TradeStatusOpen))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, "select status from trades where position_id = $1", c.Trade.PositionID).Scan(&status)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		closed := c.Trade
		closed.Status = types.TradeStatusClosed
		closed.ClosePrice = &c.ClosePrice
		closed.RealizedPnL = &c.RealizedPnL
		closed.CloseReason = &c.Reason
		closed.ClosedAt = &c.ClosedAt
		if err := insertTrade(ctx, tx, closed); err != nil {
			return nil, err
		}
	}

	var (
		balance decimal.Decimal
		userID  string
	)
	err = tx.QueryRow(ctx, "update trading_accounts set balance = balance + $1, updated_at = $2 where id = $3 returning balance, user_id",
		c.RealizedPnL, c.ClosedAt, c.Trade.AccountID).Scan(&balance, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountMissing
	}
	if err != nil {
		return nil, err
	}

	txnType := types.TransactionTradeProfit
	if c.RealizedPnL.IsNegative() {
		txnType = types.TransactionTradeLoss
	}
	txn, err := s.AppendTransaction(ctx, tx, model.Transaction{
		AccountID:    c.Trade.AccountID,
		UserID:       userID,
		Type:         txnType,
		Amount:       c.RealizedPnL,
		BalanceAfter: balance,
		Reference:    "position:" + c.Trade.PositionID,
		CreatedAt:    c.ClosedAt,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &txn, nil
}

// AppendTransaction writes a balance transaction chained to the previous
// one of the same account. The caller must hold the account row lock.
func (s *Store) AppendTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) (model.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var prevHash *string
	err := tx.QueryRow(ctx, "select encode(hash, 'hex') from transactions where account_id = $1 order by seq desc limit 1", t.AccountID).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, err
	}
	hash := computeHash(t, prevHash)
	_, err = tx.Exec(ctx, `
		insert into transactions (id, account_id, user_id, type, amount, balance_after, reference, prev_hash, hash, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, decode(nullif($8, ''), 'hex'), decode($9, 'hex'), $10)`,
		t.ID, t.AccountID, t.UserID, string(t.Type), t.Amount, t.BalanceAfter, t.Reference, nullable(prevHash), hash, t.CreatedAt)
	if err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

func (s *Store) UpdateTradeStops(ctx context.Context, positionID string, stopLoss, takeProfit *decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, "update trades set stop_loss = $2, take_profit = $3 where position_id = $1 and status = $4",
		positionID, stopLoss, takeProfit, string(types.TradeStatusOpen))
	return err
}

func (s *Store) UpsertPendingOrder(ctx context.Context, o model.PendingOrder) error {
	_, err := s.pool.Exec(ctx, `
		insert into pending_orders (id, account_id, user_id, symbol, type, volume, price, stop_loss, take_profit, status, ip_address, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nullif($11, ''), $12, $13)
		on conflict (id) do update set price = excluded.price, stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit, updated_at = excluded.updated_at
		where pending_orders.status = $10`,
		o.ID, o.AccountID, o.UserID, o.Symbol, string(o.Type), o.Volume, o.Price, o.StopLoss, o.TakeProfit,
		string(types.PendingStatusPending), o.IPAddress, o.CreatedAt, o.UpdatedAt)
	return err
}

// FinishPendingOrder moves a resting order to a terminal status. Orders
// already finished are left alone.
func (s *Store) FinishPendingOrder(ctx context.Context, orderID string, status types.PendingStatus, positionID *string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		update pending_orders set status = $2, position_id = $3, reason = nullif($4, ''), updated_at = $5
		where id = $1 and status = $6`,
		orderID, string(status), positionID, reason, time.Now().UTC(), string(types.PendingStatusPending))
	return err
}

func computeHash(t model.Transaction, prevHash *string) string {
	buf := strings.Join([]string{
		t.ID, t.AccountID, string(t.Type), t.Amount.String(), t.BalanceAfter.String(), t.Reference,
		fmt.Sprint(t.CreatedAt.UnixNano()), nullable(prevHash),
	}, "|")
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}

func nullable(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func closeReason(r *types.CloseReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
