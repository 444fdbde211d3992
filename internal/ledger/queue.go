package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/metrics"
	"lv-tradecore/internal/model"
	"lv-tradecore/internal/retry"
	"lv-tradecore/internal/types"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Writer is the durable side of the ledger.
type Writer interface {
	LookupUserID(ctx context.Context, accountID string) (string, error)
	InsertOpenTrade(ctx context.Context, t model.Trade) error
	CloseTrade(ctx context.Context, c model.TradeClose) (*model.Transaction, error)
	UpdateTradeStops(ctx context.Context, positionID string, stopLoss, takeProfit *decimal.Decimal) error
	UpsertPendingOrder(ctx context.Context, o model.PendingOrder) error
	FinishPendingOrder(ctx context.Context, orderID string, status types.PendingStatus, positionID *string, reason string) error
}

// BalanceNotifier is told about every balance a committed close produced.
type BalanceNotifier interface {
	AccountBalanceChanged(ctx context.Context, accountID string, balance decimal.Decimal)
}

type QueueOptions struct {
	Buffer       int
	Retry        retry.Config
	JobTimeout   time.Duration
	DrainTimeout time.Duration
}

// Queue writes engine events to the store in the order they were emitted,
// on a single worker. Enqueue never blocks and never drops while the queue
// is running: events that do not fit the buffer wait in an overflow list.
type Queue struct {
	store  Writer
	notify BalanceNotifier
	logger *zap.Logger
	opts   QueueOptions

	ch       chan engine.Event
	wake     chan struct{}
	mu       sync.Mutex
	backlog  []engine.Event
	closed   bool
	enqueued atomic.Uint64
	inflight atomic.Int64
}

func NewQueue(store Writer, notify BalanceNotifier, logger *zap.Logger, opts QueueOptions) *Queue {
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  store,
		notify: notify,
		logger: logger.Named("ledger"),
		opts:   opts,
		ch:     make(chan engine.Event, opts.Buffer),
		wake:   make(chan struct{}, 1),
	}
}

func persisted(t engine.EventType) bool {
	switch t {
	case engine.EventTradeOpen, engine.EventTradeClose, engine.EventPositionModified,
		engine.EventPendingPlaced, engine.EventPendingModified, engine.EventPendingCancelled, engine.EventPendingFilled:
		return true
	}
	return false
}

func (q *Queue) Enqueue(evt engine.Event) {
	if !persisted(evt.Type) {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		metrics.SinkDropped.WithLabelValues("ledger").Inc()
		q.logger.Error("ledger closed, event dropped", zap.String("event", string(evt.Type)), zap.String("account_id", evt.AccountID))
		return
	}
	q.enqueued.Add(1)
	metrics.LedgerDepth.Set(float64(q.inflight.Add(1)))
	if len(q.backlog) == 0 {
		select {
		case q.ch <- evt:
			q.mu.Unlock()
			return
		default:
		}
	}
	q.backlog = append(q.backlog, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of events accepted but not yet written.
func (q *Queue) Pending() int64 { return q.inflight.Load() }

// Enqueued counts every event ever accepted.
func (q *Queue) Enqueued() uint64 { return q.enqueued.Load() }

func (q *Queue) takeBacklog() []engine.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.backlog
	q.backlog = nil
	return batch
}

// Run processes events until ctx is cancelled, then drains whatever is
// left within the drain timeout.
func (q *Queue) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	q.logger.Info("ledger writer started", zap.Int("buffer", q.opts.Buffer))
	for {
		select {
		case evt := <-q.ch:
			q.process(base, evt)
			continue
		default:
		}
		if batch := q.takeBacklog(); len(batch) > 0 {
			for _, evt := range batch {
				q.process(base, evt)
			}
			continue
		}
		select {
		case evt := <-q.ch:
			q.process(base, evt)
		case <-q.wake:
		case <-ctx.Done():
			q.shutdown(base)
			return nil
		}
	}
}

func (q *Queue) shutdown(base context.Context) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, q.opts.DrainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-q.ch:
			q.process(ctx, evt)
			continue
		default:
		}
		batch := q.takeBacklog()
		if len(batch) == 0 {
			break
		}
		for _, evt := range batch {
			q.process(ctx, evt)
		}
	}
	if left := q.inflight.Load(); left > 0 {
		q.logger.Error("ledger drained with unwritten events", zap.Int64("events", left))
		return
	}
	q.logger.Info("ledger drained")
}

func (q *Queue) process(base context.Context, evt engine.Event) {
	defer func() { metrics.LedgerDepth.Set(float64(q.inflight.Add(-1))) }()

	cfg := q.opts.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		q.logger.Warn("ledger write retry",
			zap.String("event", string(evt.Type)),
			zap.String("account_id", evt.AccountID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	err := retry.Do(base, func() error {
		ctx, cancel := context.WithTimeout(base, q.opts.JobTimeout)
		defer cancel()
		return classify(q.apply(ctx, evt))
	}, cfg)
	if err != nil {
		metrics.LedgerJobs.WithLabelValues(string(evt.Type), "failed").Inc()
		q.logger.Error("ledger write failed",
			zap.String("event", string(evt.Type)),
			zap.String("account_id", evt.AccountID),
			zap.Error(err))
		return
	}
	metrics.LedgerJobs.WithLabelValues(string(evt.Type), "ok").Inc()
}

// classify marks integrity and data errors as not worth retrying.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "22" || pgErr.Code[:2] == "23")) {
		return retry.Permanent(err)
	}
	if errors.Is(err, ErrAccountMissing) {
		return retry.Permanent(err)
	}
	return err
}

func (q *Queue) apply(ctx context.Context, evt engine.Event) error {
	switch evt.Type {
	case engine.EventTradeOpen:
		userID, err := q.userID(ctx, evt)
		if err != nil {
			return err
		}
		return q.store.InsertOpenTrade(ctx, tradeRecord(evt, userID))
	case engine.EventTradeClose:
		userID, err := q.userID(ctx, evt)
		if err != nil {
			return err
		}
		txn, err := q.store.CloseTrade(ctx, model.TradeClose{
			Trade:       tradeRecord(evt, userID),
			ClosePrice:  evt.ClosePrice,
			RealizedPnL: evt.RealizedPnL,
			Reason:      evt.CloseReason,
			ClosedAt:    evt.At,
		})
		if err != nil {
			return err
		}
		if txn != nil && q.notify != nil {
			q.notify.AccountBalanceChanged(ctx, evt.AccountID, txn.BalanceAfter)
		}
		return nil
	case engine.EventPositionModified:
		return q.store.UpdateTradeStops(ctx, evt.Position.ID, evt.Position.StopLoss, evt.Position.TakeProfit)
	case engine.EventPendingPlaced, engine.EventPendingModified:
		return q.store.UpsertPendingOrder(ctx, pendingRecord(evt))
	case engine.EventPendingCancelled:
		return q.store.FinishPendingOrder(ctx, evt.Order.ID, types.PendingStatusCancelled, nil, evt.Reason)
	case engine.EventPendingFilled:
		positionID := evt.Position.ID
		return q.store.FinishPendingOrder(ctx, evt.Order.ID, types.PendingStatusFilled, &positionID, "")
	}
	return nil
}

func (q *Queue) userID(ctx context.Context, evt engine.Event) (string, error) {
	if evt.UserID != "" {
		return evt.UserID, nil
	}
	return q.store.LookupUserID(ctx, evt.AccountID)
}

func tradeRecord(evt engine.Event, userID string) model.Trade {
	p := evt.Position
	return model.Trade{
		PositionID:   p.ID,
		AccountID:    p.AccountID,
		UserID:       userID,
		Symbol:       p.Symbol,
		Side:         p.Side,
		Volume:       p.Volume,
		OpenPrice:    p.OpenPrice,
		ContractSize: p.ContractSize,
		Leverage:     p.Leverage,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		Status:       types.TradeStatusOpen,
		IPAddress:    evt.IPAddress,
		OpenedAt:     p.OpenTime,
	}
}

func pendingRecord(evt engine.Event) model.PendingOrder {
	o := evt.Order
	return model.PendingOrder{
		ID:         o.ID,
		AccountID:  o.AccountID,
		UserID:     o.UserID,
		Symbol:     o.Symbol,
		Type:       o.Type,
		Volume:     o.Volume,
		Price:      o.Price,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		Status:     types.PendingStatusPending,
		IPAddress:  evt.IPAddress,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  evt.At,
	}
}
