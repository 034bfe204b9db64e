package updates

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// keepAliveInterval is how long each keepalive cycle waits for a
	// disconnect before sending a ping.
	keepAliveInterval = 60 * time.Second

	// stateRequestAfter is the idle threshold past which a lightweight
	// "get current state" request is issued. The server stops delivering
	// pushes to clients that send no content-related traffic, so the
	// cursor request keeps the stream alive well inside that window.
	stateRequestAfter = 30 * time.Minute
)

// KeepAlive runs the connection liveness loop until the connection
// drops or ctx is cancelled. Each cycle waits up to keepAliveInterval
// for a disconnect, then sends a fire-and-forget ping with a randomized
// id and, if no content-related request left the client for
// stateRequestAfter and the session is authorized, requests the current
// cursor. Ping failures retry on the next cycle.
func (c *Client) KeepAlive(ctx context.Context) error {
	timer := time.NewTimer(keepAliveInterval)
	defer timer.Stop()

	for c.conn.IsConnected() {
		select {
		case <-c.conn.Disconnected():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		timer.Reset(keepAliveInterval)

		// Ping ids just need to be random, not secure. The result is
		// ignored; pings do not count as content-related traffic.
		if err := c.rpc.Ping(ctx, rand.Int64()); err != nil {
			c.logger.Debug("keepalive ping failed",
				slog.String("error", err.Error()),
			)
			continue
		}

		if time.Since(c.conn.LastRequestAt()) < stateRequestAfter {
			continue
		}
		if !c.conn.IsAuthorized() {
			continue
		}

		// The response itself is irrelevant; the request is what keeps
		// push delivery active.
		if _, err := c.rpc.GetState(ctx); err != nil {
			c.logger.Warn("keepalive state request failed",
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
