package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/model"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
)

// ParseFunc turns one wire message into a raw tick. Each exchange supplies
// its own; a parse error skips the message without dropping the connection.
type ParseFunc func(data []byte) (model.RawTick, error)

// WSConfig configures a streaming WebSocket adapter.
type WSConfig struct {
	Exchange string
	URL      string
	Parse    ParseFunc
	Writer   TickWriter
	Log      *slog.Logger

	// ReconnectDelay is the initial backoff; it doubles per failed attempt
	// up to MaxReconnectDelay. Zeros take the defaults (2s, 30s).
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// WSAdapter streams ticks from an exchange WebSocket, reconnecting with
// exponential backoff when the connection drops.
type WSAdapter struct {
	runner
	cfg WSConfig
}

// NewWS creates a WebSocket adapter. The URL is validated up front so a
// misconfigured exchange fails at wiring time, not at first connect.
func NewWS(cfg WSConfig) (*WSAdapter, error) {
	if cfg.Parse == nil {
		return nil, fmt.Errorf("ws adapter %s: parse func is required", cfg.Exchange)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("ws adapter %s: %w", cfg.Exchange, err)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &WSAdapter{
		runner: newRunner(cfg.Exchange, model.SourceStreaming),
		cfg:    cfg,
	}, nil
}

func (a *WSAdapter) Name() string { return "ws-" + a.cfg.Exchange }

func (a *WSAdapter) Start(ctx context.Context) error {
	return a.start(ctx, a.run)
}

func (a *WSAdapter) Stop(ctx context.Context) error {
	return a.stop(ctx)
}

// run is the reconnect loop. Blocks until ctx is cancelled.
func (a *WSAdapter) run(ctx context.Context) {
	delay := a.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := a.runOnce(ctx)
		if err == nil {
			return
		}
		a.setError(err)
		a.cfg.Log.Warn("feed disconnected, reconnecting",
			"exchange", a.cfg.Exchange, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > a.cfg.MaxReconnectDelay {
			delay = a.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// cancellation. A nil return means a clean shutdown.
func (a *WSAdapter) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.setOnline(true)
	defer a.setOnline(false)
	a.cfg.Log.Info("feed connected", "exchange", a.cfg.Exchange, "url", a.cfg.URL)

	// Unblocks the blocking ReadMessage on cancellation.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		t, err := a.cfg.Parse(raw)
		if err != nil {
			a.cfg.Log.Warn("unparseable message skipped",
				"exchange", a.cfg.Exchange, "err", err)
			continue
		}
		t.Exchange = a.cfg.Exchange
		t.Source = model.SourceStreaming
		if t.ReceivedAt.IsZero() {
			t.ReceivedAt = time.Now().UTC()
		}

		if err := a.cfg.Writer.Write(ctx, t); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("write tick: %w", err)
		}
		a.markTick(t.ReceivedAt)
	}
}
