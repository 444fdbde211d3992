package marketdata

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type FeedConfig struct {
	URL          string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	ReadTimeout  time.Duration
	Header       http.Header
}

// Feed reads JSON ticks from an upstream WebSocket and submits them to the
// router. It reconnects with exponential backoff until ctx is done.
type Feed struct {
	cfg    FeedConfig
	router *PriceRouter
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewFeed(cfg FeedConfig, router *PriceRouter, logger *zap.Logger) *Feed {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		cfg:    cfg,
		router: router,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.Named("feed"),
	}
}

func (f *Feed) Run(ctx context.Context) error {
	delay := f.cfg.InitialDelay
	for {
		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = f.cfg.InitialDelay
		}
		f.logger.Warn("feed disconnected", zap.String("url", f.cfg.URL), zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxDelay {
			delay = f.cfg.MaxDelay
		}
	}
}

func (f *Feed) session(ctx context.Context) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, f.cfg.Header)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	f.logger.Info("feed connected", zap.String("url", f.cfg.URL))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		ticks, err := decodeTicks(payload)
		if err != nil {
			f.logger.Debug("bad feed frame", zap.Error(err))
			continue
		}
		for _, t := range ticks {
			f.router.Submit(t)
		}
	}
}

// decodeTicks accepts a single tick object or an array of ticks.
func decodeTicks(payload []byte) ([]Tick, error) {
	for _, c := range payload {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var ticks []Tick
			if err := json.Unmarshal(payload, &ticks); err != nil {
				return nil, err
			}
			return ticks, nil
		default:
			var t Tick
			if err := json.Unmarshal(payload, &t); err != nil {
				return nil, err
			}
			if t.Symbol == "" {
				return nil, errors.New("tick without symbol")
			}
			return []Tick{t}, nil
		}
	}
	return nil, errors.New("empty frame")
}
