package notify

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	SubscriberBuffer int           // events queued per subscriber before the oldest is dropped
	PingInterval     time.Duration // heartbeat; a peer silent for two intervals is dropped
	WriteTimeout     time.Duration
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		SubscriberBuffer: 256,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Feed fans events from an Outbox out to websocket subscribers. A
// subscriber connecting with ?user=<id> only receives events addressed to
// that user.
type Feed struct {
	cfg      FeedConfig
	outbox   *Outbox
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscriber struct {
	user   string
	events chan model.Event
}

// NewFeed creates a feed draining outbox.
func NewFeed(cfg FeedConfig, outbox *Outbox, m *metrics.Metrics, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultFeedConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:     cfg,
		outbox:  outbox,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs:   make(map[*subscriber]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins draining the outbox.
func (f *Feed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.drain()
	f.logger.Info("event feed started")
	return nil
}

// Stop closes the outbox, disconnects subscribers and waits.
func (f *Feed) Stop(ctx context.Context) error {
	f.outbox.Close()
	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("event feed stopped")
		return nil
	case <-ctx.Done():
		f.logger.Warn("event feed stop timed out")
		return ctx.Err()
	}
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// ServeHTTP upgrades the request and streams events until either side
// closes.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{
		user:   r.URL.Query().Get("user"),
		events: make(chan model.Event, f.cfg.SubscriberBuffer),
	}
	f.add(sub)
	defer f.remove(sub)

	f.wg.Add(1)
	defer f.wg.Done()

	readDone := make(chan struct{})
	go f.readLoop(conn, readDone)
	f.writeLoop(conn, sub, readDone)
}

func (f *Feed) drain() {
	defer f.wg.Done()
	for {
		e, ok := f.outbox.Next()
		if !ok {
			return
		}
		f.broadcast(e)
	}
}

func (f *Feed) broadcast(e model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		if sub.user != "" && !slices.Contains(e.Users, sub.user) {
			continue
		}
		if !sub.offer(e) {
			f.metrics.Dropped()
		}
	}
}

// offer queues e, dropping the oldest queued event when full. It reports
// false when something was dropped.
func (s *subscriber) offer(e model.Event) bool {
	select {
	case s.events <- e:
		return true
	default:
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- e:
	default:
	}
	return false
}

// readLoop consumes control frames and detects the peer going away.
func (f *Feed) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	wait := 2 * f.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(conn *websocket.Conn, sub *subscriber, readDone <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-sub.events:
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				f.logger.Debug("feed write failed", "user", sub.user, "error", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(f.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				f.logger.Debug("feed ping failed", "user", sub.user, "error", err)
				return
			}
		case <-readDone:
			return
		case <-f.ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

func (f *Feed) add(sub *subscriber) {
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	f.metrics.Subscribers(1)
	f.logger.Debug("feed subscriber connected", "user", sub.user)
}

func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
	f.metrics.Subscribers(-1)
	f.logger.Debug("feed subscriber disconnected", "user", sub.user)
}
