package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/chatrag/core"
)

// FeedConfig configures a websocket feed.
type FeedConfig struct {
	// URL is the ws:// or wss:// endpoint streaming messages.
	URL string

	// Header is sent with the handshake, e.g. for authorization.
	Header http.Header

	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration

	// MaxReconnectInterval caps the wait between reconnects.
	MaxReconnectInterval time.Duration

	// ReadLimit bounds a single frame in bytes.
	ReadLimit int64
}

// DefaultFeedConfig returns sensible defaults.
var DefaultFeedConfig = &FeedConfig{
	HandshakeTimeout:     10 * time.Second,
	MaxReconnectInterval: time.Minute,
	ReadLimit:            4 * 1024 * 1024,
}

// Feed is a push ingestor reading JSON messages from a websocket.
type Feed struct {
	config  FeedConfig
	handler core.MessageHandler
	dialer  websocket.Dialer
}

// NewFeed creates a feed delivering to handler.
func NewFeed(config *FeedConfig, handler core.MessageHandler) (*Feed, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("%w: feed url is required", core.ErrInvalidInput)
	}
	cfg := *config
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultFeedConfig.HandshakeTimeout
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = DefaultFeedConfig.MaxReconnectInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultFeedConfig.ReadLimit
	}
	return &Feed{
		config:  cfg,
		handler: handler,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

// Run keeps the feed connected until ctx is cancelled, reconnecting with
// exponential backoff whenever the connection fails.
func (f *Feed) Run(ctx context.Context) error {
	initial := min(time.Second, f.config.MaxReconnectInterval)
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(f.config.MaxReconnectInterval),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		delivered, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Printf("[INGEST] Feed %s disconnected after %d messages, reconnecting in %s: %v",
			f.config.URL, delivered, wait.Round(time.Millisecond), err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails and returns how many
// messages it delivered.
func (f *Feed) session(ctx context.Context) (int, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.config.URL, f.config.Header)
	if err != nil {
		return 0, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(f.config.ReadLimit)
	log.Printf("[INGEST] Connected to feed %s", f.config.URL)

	// Unblock ReadMessage when the caller goes away.
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	delivered := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return delivered, errors.New("feed closed by server")
			}
			return delivered, fmt.Errorf("read feed: %w", err)
		}

		msgs, err := DecodeMessages(data)
		if err != nil {
			log.Printf("[INGEST] Skipping undecodable frame: %v", err)
			continue
		}
		for _, msg := range msgs {
			if err := f.handler(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return delivered, ctx.Err()
				}
				log.Printf("[INGEST] Failed to handle message %s: %v", msg.ID, err)
				continue
			}
			delivered++
		}
	}
}
