package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// realtimeReadLimit caps inbound notification frames. Change
	// notifications are tiny JSON documents.
	realtimeReadLimit = 64 * 1024
)

// ChangeEvent is one row-change notification from the change feed.
type ChangeEvent struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

// wsConn abstracts the WebSocket connection so Listener can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a connection to the change feed. Tests substitute it.
type dialFunc func(ctx context.Context) (wsConn, error)

// Listener subscribes to the remote change feed and invokes OnChange for
// every row-change notification, letting the orchestrator re-hydrate
// when another device writes. Losing the feed only costs freshness:
// sync still converges on the next explicit load.
type Listener struct {
	dial     dialFunc
	onChange func(ChangeEvent)
	logger   *slog.Logger
}

// NewListener creates a change-feed listener for the given feed URL.
func NewListener(feedURL, token string, onChange func(ChangeEvent), logger *slog.Logger) *Listener {
	dial := func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, feedURL, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing change feed: %w", err)
		}

		conn.SetReadLimit(realtimeReadLimit)

		sub, _ := json.Marshal(map[string]string{"op": "subscribe", "token": token})
		if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
			conn.Close(websocket.StatusInternalError, "subscribe failed")
			return nil, fmt.Errorf("subscribing to change feed: %w", err)
		}

		return conn, nil
	}

	return &Listener{dial: dial, onChange: onChange, logger: logger}
}

// Listen connects to the change feed and dispatches notifications until
// the context is cancelled, reconnecting with exponential backoff when
// the connection drops.
func (l *Listener) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn("change feed connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)

			if !sleepCtx(ctx, withJitter(backoff)) {
				return ctx.Err()
			}

			backoff = nextBackoff(backoff)

			continue
		}

		backoff = reconnectMin

		err = l.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("change feed disconnected", slog.String("error", err.Error()))
	}
}

// readLoop dispatches notifications until the connection errors.
func (l *Listener) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading change feed: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Warn("malformed change notification", slog.String("error", err.Error()))
			continue
		}

		if ev.Table == "" {
			continue
		}

		l.logger.Debug("change notification",
			slog.String("table", ev.Table),
			slog.String("op", ev.Op),
			slog.String("id", ev.ID),
		)
		l.onChange(ev)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * reconnectBackoffMultiplier
	if next > reconnectMax {
		next = reconnectMax
	}

	return next
}

func withJitter(d time.Duration) time.Duration {
	return d + rand.N(d/jitterDivisor)
}

// sleepCtx sleeps for d, returning false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
