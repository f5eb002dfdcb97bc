package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jpillora/backoff"
)

const (
	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
)

// DialWebSocket opens a WebSocket to serverURL. host, when set, overrides the
// Host header sent with the upgrade request.
func DialWebSocket(ctx context.Context, serverURL, host string) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if host != "" {
		opts.Host = host
	}
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	ws, resp, err := websocket.Dial(dialCtx, serverURL, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dial server: unexpected status %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial server: %w", err)
	}
	return ws, nil
}

// DialWithRetry calls dial, retrying with exponential backoff (1s, 2s, 4s,
// capped at 30s) until budget is exhausted or ctx is cancelled. budget=0
// means a single attempt. onRetry is called before each retry; it may be nil.
func DialWithRetry[T any](ctx context.Context, budget time.Duration, onRetry func(), logger *slog.Logger, dial func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if budget == 0 {
		return dial(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	b := &backoff.Backoff{Min: dialRetryBase, Max: dialRetryMax, Factor: 2}
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := b.Duration()
			logger.Debug("retrying dial", "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-timeoutCtx.Done():
				return zero, lastErr
			case <-time.After(delay):
			}
		}
		conn, err := dial(timeoutCtx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Debug("dial attempt failed", "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return zero, lastErr
	}
	return zero, timeoutCtx.Err()
}
