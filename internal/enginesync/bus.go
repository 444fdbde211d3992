package enginesync

import (
	"context"
	"fmt"
	"time"

	"lv-tradecore/internal/metrics"
	"lv-tradecore/internal/model"
	"lv-tradecore/internal/types"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Transport carries encoded bus messages between engine instances.
// Listen blocks until ctx ends, calling handle for every payload received,
// including the ones this instance published.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Listen(ctx context.Context, handle func(payload []byte)) error
}

type Message struct {
	Type    types.SyncType      `json:"type"`
	Payload jsoniter.RawMessage `json:"payload"`
	TS      int64               `json:"ts"`
	Origin  string              `json:"origin"`
}

type AccountPayload struct {
	AccountID string `json:"account_id"`
}

type BalancePayload struct {
	AccountID string           `json:"account_id"`
	Balance   decimal.Decimal  `json:"balance"`
	Bonus     *decimal.Decimal `json:"bonus,omitempty"`
}

type SymbolRemovePayload struct {
	Code string `json:"code"`
}

type MarketStatusPayload struct {
	Code string `json:"code"`
	Open bool   `json:"open"`
}

// Bus broadcasts state changes to peer instances and applies theirs.
// Messages carrying this instance's origin are never applied.
type Bus struct {
	transport Transport
	sync      *Sync
	origin    string
	logger    *zap.Logger
	timeout   time.Duration
}

func NewBus(t Transport, s *Sync, origin string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{transport: t, sync: s, origin: origin, logger: logger.Named("syncbus"), timeout: 10 * time.Second}
}

// Publish sends a message. Failures are logged and returned but callers
// treat them as non-fatal: peers converge on the next reload.
func (b *Bus) Publish(ctx context.Context, typ types.SyncType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg, err := json.Marshal(Message{Type: typ, Payload: raw, TS: time.Now().UnixMilli(), Origin: b.origin})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", typ, err)
	}
	if err := b.transport.Publish(ctx, msg); err != nil {
		metrics.SyncMessages.WithLabelValues("out", string(typ), "failed").Inc()
		b.logger.Warn("publish failed", zap.String("type", string(typ)), zap.Error(err))
		return err
	}
	metrics.SyncMessages.WithLabelValues("out", string(typ), "ok").Inc()
	return nil
}

func (b *Bus) PublishAccountSnapshot(ctx context.Context, accountID string) error {
	return b.Publish(ctx, types.SyncAccountSnapshot, AccountPayload{AccountID: accountID})
}

func (b *Bus) PublishBalance(ctx context.Context, accountID string, balance decimal.Decimal, bonus *decimal.Decimal) error {
	return b.Publish(ctx, types.SyncAccountBalance, BalancePayload{AccountID: accountID, Balance: balance, Bonus: bonus})
}

func (b *Bus) PublishSymbolUpsert(ctx context.Context, inst model.Instrument) error {
	return b.Publish(ctx, types.SyncSymbolUpsert, inst)
}

func (b *Bus) PublishSymbolRemove(ctx context.Context, code string) error {
	return b.Publish(ctx, types.SyncSymbolRemove, SymbolRemovePayload{Code: code})
}

func (b *Bus) PublishMarketStatus(ctx context.Context, code string, open bool) error {
	return b.Publish(ctx, types.SyncMarketStatus, MarketStatusPayload{Code: code, Open: open})
}

func (b *Bus) PublishBonusSettings(ctx context.Context, settings model.BonusSettings) error {
	return b.Publish(ctx, types.SyncBonusSettings, settings)
}

// AccountBalanceChanged tells peers about a balance settled by the ledger.
func (b *Bus) AccountBalanceChanged(ctx context.Context, accountID string, balance decimal.Decimal) {
	_ = b.PublishBalance(ctx, accountID, balance, nil)
}

// Run listens for peer messages until ctx ends.
func (b *Bus) Run(ctx context.Context) error {
	b.logger.Info("sync bus listening", zap.String("origin", b.origin))
	return b.transport.Listen(ctx, func(payload []byte) {
		hctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		b.handle(hctx, payload)
	})
}

func (b *Bus) handle(ctx context.Context, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.SyncMessages.WithLabelValues("in", "unknown", "malformed").Inc()
		b.logger.Warn("malformed sync message", zap.Error(err))
		return
	}
	if msg.Origin == b.origin {
		metrics.SyncMessages.WithLabelValues("in", string(msg.Type), "echo").Inc()
		return
	}
	if err := b.apply(ctx, msg); err != nil {
		metrics.SyncMessages.WithLabelValues("in", string(msg.Type), "failed").Inc()
		b.logger.Warn("sync message not applied",
			zap.String("type", string(msg.Type)),
			zap.String("origin", msg.Origin),
			zap.Error(err))
		return
	}
	metrics.SyncMessages.WithLabelValues("in", string(msg.Type), "ok").Inc()
}

func (b *Bus) apply(ctx context.Context, msg Message) error {
	switch msg.Type {
	case types.SyncAccountSnapshot:
		var p AccountPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return b.sync.SyncAccount(ctx, p.AccountID)
	case types.SyncAccountBalance:
		var p BalancePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return b.sync.UpdateBalance(ctx, p.AccountID, p.Balance, p.Bonus)
	case types.SyncSymbolUpsert:
		var inst model.Instrument
		if err := json.Unmarshal(msg.Payload, &inst); err != nil {
			return err
		}
		return b.sync.LoadSymbolFromInstrument(ctx, inst)
	case types.SyncSymbolRemove:
		var p SymbolRemovePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return b.sync.RemoveInstrumentByCode(ctx, p.Code)
	case types.SyncMarketStatus:
		var p MarketStatusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return b.sync.SetMarketStatus(ctx, p.Code, p.Open)
	case types.SyncBonusSettings:
		var settings model.BonusSettings
		if err := json.Unmarshal(msg.Payload, &settings); err != nil {
			return err
		}
		b.sync.ApplyBonusSettings(settings)
		return nil
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}
