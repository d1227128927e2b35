package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/exchange-core/internal/model"
)

// ErrClientRunning is returned by Run when the client is already running.
var ErrClientRunning = errors.New("client already running")

// ClientConfig configures a feed Client.
type ClientConfig struct {
	URL               string                      // ws://host:port/v1/feed?user=...
	Header            func() (http.Header, error) // called before every dial; nil = no headers
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
	BufferSize        int
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  time.Minute,
		BufferSize:        1000,
	}
}

// Client follows a Feed, reconnecting with backoff when the connection drops.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	events chan model.Event

	mu        sync.Mutex
	running   bool
	connected bool
}

// NewClient creates a client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan model.Event, cfg.BufferSize),
	}
}

// Events returns received events. It is closed when Run returns.
func (c *Client) Events() <-chan model.Event {
	return c.events
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and reads until ctx is cancelled, reconnecting after every
// failure.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrClientRunning
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.events)

	wait := c.cfg.ReconnectBaseWait
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// A session that delivered events resets the backoff.
			wait = c.cfg.ReconnectBaseWait
		}

		delay := wait/2 + time.Duration(rand.Int64N(int64(wait)))
		c.logger.Warn("feed connection lost, reconnecting",
			"url", c.cfg.URL,
			"backoff", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		wait *= 2
		if wait > c.cfg.ReconnectMaxWait {
			wait = c.cfg.ReconnectMaxWait
		}
	}
}

// session runs one connection. It returns nil if at least one event was
// received before the connection ended.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Header != nil {
		h, err := c.cfg.Header()
		if err != nil {
			return err
		}
		header = h
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setConnected(true)
	defer c.setConnected(false)
	c.logger.Info("feed connected", "url", c.cfg.URL)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	})
	defer stop()

	received := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if received > 0 {
				return nil
			}
			return err
		}
		var e model.Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("failed to decode feed event", "error", err)
			continue
		}
		received++
		select {
		case c.events <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
