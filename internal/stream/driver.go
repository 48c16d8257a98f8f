package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
)

// RawFrame is an inbound wire frame before normalization. Field names follow
// the upstream feed's compact schema.
type RawFrame struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Volume   float64 `json:"volume"`
	Bid      float64 `json:"bid,omitempty"`
	Ask      float64 `json:"ask,omitempty"`
	Sequence int64   `json:"seq"`
	Time     int64   `json:"ts"` // ms since epoch, exchange clock
}

type controlMessage struct {
	Op       string   `json:"op"`
	Symbols  []string `json:"symbols"`
	Channels []string `json:"channels"`
}

// Driver maintains the websocket subscription to the upstream market-data
// feed. Connection loss is recovered with exponential backoff; consumers
// observe health through IsConnected and LastFrameAt.
type Driver struct {
	cfg    config.StreamConfig
	logger *logrus.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	lastFrameAt time.Time
}

// NewDriver creates a market-data driver for the configured feed.
func NewDriver(cfg config.StreamConfig, logger *logrus.Logger) *Driver {
	return &Driver{cfg: cfg, logger: logger}
}

// Connect establishes the websocket connection.
func (d *Driver) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.WebsocketURL, nil)
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"url":     d.cfg.WebsocketURL,
		"symbols": d.cfg.Symbols,
	}).Info("Market-data stream connected")
	return nil
}

// Subscribe requests the configured symbols and channel types.
func (d *Driver) Subscribe(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || !d.connected {
		return fmt.Errorf("stream not connected")
	}
	msg := controlMessage{Op: "subscribe", Symbols: d.cfg.Symbols, Channels: d.cfg.Channels}
	if err := d.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes symbols from the live subscription.
func (d *Driver) Unsubscribe(ctx context.Context, symbols []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || !d.connected {
		return fmt.Errorf("stream not connected")
	}
	msg := controlMessage{Op: "unsubscribe", Symbols: symbols}
	if err := d.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Read streams raw frames and errors. The error channel receives at most one
// error per read loop; callers drive reconnection.
func (d *Driver) Read(ctx context.Context) (<-chan RawFrame, <-chan error) {
	frames := make(chan RawFrame, d.cfg.TickBuffer)
	errs := make(chan error, 1)
	done := make(chan struct{})

	// keepalive pings, stopped with the read loop so repeated Read calls
	// across reconnects don't stack tickers
	go func() {
		ticker := time.NewTicker(d.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				d.mu.Lock()
				conn := d.conn
				d.mu.Unlock()
				if conn != nil {
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				}
			}
		}
	}()

	go func() {
		defer close(frames)
		defer close(errs)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			if conn == nil {
				errs <- fmt.Errorf("stream connection lost")
				return
			}

			_, payload, err := conn.ReadMessage()
			if err != nil {
				d.markDisconnected()
				errs <- fmt.Errorf("stream read: %w", err)
				return
			}

			var frame RawFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				// control acks and heartbeats are not frames
				continue
			}
			if frame.Symbol == "" {
				continue
			}

			d.mu.Lock()
			d.lastFrameAt = time.Now()
			d.mu.Unlock()

			select {
			case frames <- frame:
			default:
				// drop on backpressure; downstream prefers fresh data
			}
		}
	}()

	return frames, errs
}

// Reconnect retries the connection with exponential backoff until the context
// is cancelled or the connection is restored.
func (d *Driver) Reconnect(ctx context.Context) error {
	_ = d.Close()

	backoff := d.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err := d.Connect(ctx); err != nil {
			d.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
			}).Warn("Stream reconnect failed")
			backoff *= 2
			if backoff > d.cfg.MaxReconnectWait {
				backoff = d.cfg.MaxReconnectWait
			}
			continue
		}
		return d.Subscribe(ctx)
	}
}

// Close closes the websocket connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

// IsConnected reports connection status.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Fresh reports whether a frame arrived within the freshness window. Signal
// emission pauses while the feed is stale.
func (d *Driver) Fresh(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && !d.lastFrameAt.IsZero() && now.Sub(d.lastFrameAt) <= d.cfg.FreshnessWindow
}

func (d *Driver) markDisconnected() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}
