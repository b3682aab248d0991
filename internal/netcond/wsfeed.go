package netcond

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var wsDialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// WSFeed consumes a websocket stream of JSON-encoded samples, as emitted by an
// external network monitor, and publishes each one into an Adapter.
type WSFeed struct {
	url         string
	logger      *slog.Logger
	readTimeout time.Duration
}

// NewWSFeed creates a feed for wsURL (ws:// or wss://).
func NewWSFeed(wsURL string, logger *slog.Logger) *WSFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSFeed{url: wsURL, logger: logger, readTimeout: 60 * time.Second}
}

// Run dials the feed and publishes samples until ctx is done or the
// connection fails. Malformed messages and samples without a bandwidth
// figure are skipped.
func (f *WSFeed) Run(ctx context.Context, a *Adapter) error {
	u, err := url.Parse(f.url)
	if err != nil {
		return fmt.Errorf("netcond: parse feed url: %w", err)
	}

	conn, resp, err := wsDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return fmt.Errorf("netcond: feed upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return fmt.Errorf("netcond: feed upgrade failed (%d)", resp.StatusCode)
		}
		return fmt.Errorf("netcond: dial feed: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Closing unblocks ReadMessage.
			conn.Close()
		case <-done:
		}
	}()

	f.logger.Info("network feed connected", "url", u.Redacted())
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("netcond: read feed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var s Sample
		if err := json.Unmarshal(message, &s); err != nil {
			f.logger.Warn("invalid network sample", "error", err)
			continue
		}
		if !s.Usable() {
			f.logger.Warn("network sample skipped", "error", ErrProbeUnavailable)
			continue
		}
		a.Publish(s)
	}
}
