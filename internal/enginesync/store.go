package enginesync

import (
	"context"
	"errors"

	"lv-tradecore/internal/model"
	"lv-tradecore/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("record not found")

// Store reads the durable state the engine is rebuilt from.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = "id, user_id, balance, bonus, leverage, status, commission_enabled, swap_enabled, spread_enabled, updated_at"

func scanAccount(row pgx.Row) (model.Account, error) {
	var (
		a      model.Account
		status string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.Bonus, &a.Leverage, &status, &a.CommissionEnabled, &a.SwapEnabled, &a.SpreadEnabled, &a.UpdatedAt)
	a.Status = types.AccountStatus(status)
	return a, err
}

func (s *Store) LoadAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from trading_accounts where id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, "select "+accountColumns+" from trading_accounts where status <> $1 order by id", string(types.AccountStatusClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AccountBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, "select id, balance from trading_accounts where status <> $1", string(types.AccountStatusClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			id  string
			bal decimal.Decimal
		)
		if err := rows.Scan(&id, &bal); err != nil {
			return nil, err
		}
		out[id] = bal
	}
	return out, rows.Err()
}

const instrumentColumns = "code, contract_size, max_leverage, spread, tick_size, price_precision, tradeable"

func scanInstrument(row pgx.Row) (model.Instrument, error) {
	var i model.Instrument
	err := row.Scan(&i.Code, &i.ContractSize, &i.MaxLeverage, &i.Spread, &i.TickSize, &i.PricePrecision, &i.Tradeable)
	return i, err
}

func (s *Store) LoadInstrument(ctx context.Context, code string) (model.Instrument, error) {
	i, err := scanInstrument(s.pool.QueryRow(ctx, "select "+instrumentColumns+" from instruments where code = $1", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instrument{}, ErrNotFound
	}
	return i, err
}

func (s *Store) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, "select "+instrumentColumns+" from instruments order by code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Instrument
	for rows.Next() {
		i, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) ListOpenTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		select position_id, account_id, user_id, symbol, side, volume, open_price, contract_size, leverage,
			stop_loss, take_profit, coalesce(ip_address, ''), opened_at
		from trades where status = $1 order by opened_at, position_id`, string(types.TradeStatusOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var (
			t    model.Trade
			side string
		)
		if err := rows.Scan(&t.PositionID, &t.AccountID, &t.UserID, &t.Symbol, &side, &t.Volume, &t.OpenPrice, &t.ContractSize,
			&t.Leverage, &t.StopLoss, &t.TakeProfit, &t.IPAddress, &t.OpenedAt); err != nil {
			return nil, err
		}
		t.Side = types.Side(side)
		t.Status = types.TradeStatusOpen
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingOrders(ctx context.Context) ([]model.PendingOrder, error) {
	rows, err := s.pool.Query(ctx, `
		select id, account_id, user_id, symbol, type, volume, price, stop_loss, take_profit, coalesce(ip_address, ''), created_at, updated_at
		from pending_orders where status = $1 order by created_at, id`, string(types.PendingStatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PendingOrder
	for rows.Next() {
		var (
			o   model.PendingOrder
			typ string
		)
		if err := rows.Scan(&o.ID, &o.AccountID, &o.UserID, &o.Symbol, &typ, &o.Volume, &o.Price, &o.StopLoss, &o.TakeProfit,
			&o.IPAddress, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Type = types.PendingType(typ)
		o.Status = types.PendingStatusPending
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) LoadBonusSettings(ctx context.Context) (model.BonusSettings, error) {
	var b model.BonusSettings
	err := s.pool.QueryRow(ctx, "select enabled, percent, max_amount from bonus_settings where id = 1").Scan(&b.Enabled, &b.Percent, &b.MaxAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BonusSettings{}, nil
	}
	return b, err
}

func (s *Store) UpsertInstrument(ctx context.Context, i model.Instrument) error {
	_, err := s.pool.Exec(ctx, `
		insert into instruments (`+instrumentColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (code) do update set contract_size = excluded.contract_size, max_leverage = excluded.max_leverage,
			spread = excluded.spread, tick_size = excluded.tick_size, price_precision = excluded.price_precision,
			tradeable = excluded.tradeable`,
		i.Code, i.ContractSize, i.MaxLeverage, i.Spread, i.TickSize, i.PricePrecision, i.Tradeable)
	return err
}

// SeedInstrument inserts an instrument unless one with the same code exists.
func (s *Store) SeedInstrument(ctx context.Context, i model.Instrument) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		insert into instruments (`+instrumentColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (code) do nothing`,
		i.Code, i.ContractSize, i.MaxLeverage, i.Spread, i.TickSize, i.PricePrecision, i.Tradeable)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SaveBonusSettings(ctx context.Context, b model.BonusSettings) error {
	_, err := s.pool.Exec(ctx, `
		insert into bonus_settings (id, enabled, percent, max_amount) values (1, $1, $2, $3)
		on conflict (id) do update set enabled = excluded.enabled, percent = excluded.percent, max_amount = excluded.max_amount`,
		b.Enabled, b.Percent, b.MaxAmount)
	return err
}
