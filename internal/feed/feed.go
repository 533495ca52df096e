// Package feed streams venue ticks over a websocket and fans them out to
// tick sinks (candle aggregation, breaker price window).
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds feed connection settings
type Config struct {
	URL            string        `json:"url"`
	Symbols        []string      `json:"symbols"`
	ReadTimeout    time.Duration `json:"-"`
	WriteTimeout   time.Duration `json:"-"`
	PingInterval   time.Duration `json:"-"`
	MaxBackoff     time.Duration `json:"-"`
	HandshakeLimit time.Duration `json:"-"`
}

// DefaultConfig returns default timeouts
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   20 * time.Second,
		MaxBackoff:     time.Minute,
		HandshakeLimit: 10 * time.Second,
	}
}

// Tick is one venue quote
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"-"`
}

// Mid returns the mid price
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Sink consumes ticks. Called on the read goroutine; must not block.
type Sink func(Tick)

type wireTick struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume float64 `json:"volume"`
	TimeMs int64   `json:"time"`
}

type subscribeMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

var errBadTick = errors.New("malformed tick")

// Client maintains the websocket and reconnects with exponential backoff
type Client struct {
	config Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu    sync.RWMutex
	sinks []Sink

	connected  atomic.Bool
	lastTick   atomic.Int64 // unix nanos
	reconnects atomic.Int64
	received   atomic.Int64
}

// NewClient creates a feed client
func NewClient(config Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.HandshakeLimit <= 0 {
		config.HandshakeLimit = def.HandshakeLimit
	}
	return &Client{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeLimit},
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// OnTick registers a sink
func (c *Client) OnTick(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Connected reports whether a session is currently live
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LastTick returns the time of the last decoded tick
func (c *Client) LastTick() time.Time {
	n := c.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Stats returns counters for the operator API
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":  c.Connected(),
		"last_tick":  c.LastTick(),
		"reconnects": c.reconnects.Load(),
		"received":   c.received.Load(),
	}
}

// Run connects and reconnects until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	if c.config.URL == "" {
		return fmt.Errorf("feed url is required")
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.config.MaxBackoff
	bo.MaxElapsedTime = 0

	op := func() error {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		// a session that stayed up resets the backoff
		if time.Since(start) > c.config.ReadTimeout {
			bo.Reset()
		}
		c.reconnects.Add(1)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Feed disconnected")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		c.logger.Info().Msg("Feed stopped")
		return nil
	}
	return err
}

// session runs one connection until it fails
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	defer conn.Close()

	if len(c.config.Symbols) > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Symbols: c.config.Symbols}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info().Str("url", c.config.URL).Int("symbols", len(c.config.Symbols)).Msg("Feed connected")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		tick, err := decodeTick(message)
		if err != nil {
			if !errors.Is(err, errSkip) {
				c.logger.Debug().Err(err).Msg("Dropping feed message")
			}
			continue
		}
		c.dispatch(tick)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// unblock ReadMessage
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(t Tick) {
	c.received.Add(1)
	c.lastTick.Store(t.Time.UnixNano())

	c.mu.RLock()
	sinks := c.sinks
	c.mu.RUnlock()
	for _, s := range sinks {
		s(t)
	}
}

var errSkip = errors.New("not a tick")

func decodeTick(message []byte) (Tick, error) {
	var w wireTick
	if err := json.Unmarshal(message, &w); err != nil {
		return Tick{}, fmt.Errorf("%w: %v", errBadTick, err)
	}
	if w.Type != "" && w.Type != "tick" {
		return Tick{}, errSkip
	}
	if w.Symbol == "" || w.Bid <= 0 || w.Ask <= 0 || w.Ask < w.Bid {
		return Tick{}, errBadTick
	}
	at := time.Now()
	if w.TimeMs > 0 {
		at = time.UnixMilli(w.TimeMs)
	}
	return Tick{
		Symbol: strings.ToUpper(w.Symbol),
		Bid:    w.Bid,
		Ask:    w.Ask,
		Volume: w.Volume,
		Time:   at,
	}, nil
}
