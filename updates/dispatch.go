package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStopPropagation is returned by a handler to end the current
// update's handler chain early. It is a normal outcome, not a failure,
// and only affects the dispatch that returned it.
var ErrStopPropagation = errors.New("stop event propagation")

// Event is a concrete event produced by a matcher. Bind attaches the
// client and the raw update before the callback runs; embed EventCommon
// to get it for free.
type Event interface {
	Bind(client *Client, raw *Update)
}

// EventBuilder is a polymorphic event matcher: Resolve performs one-time
// asynchronous setup (run at most once per instance, before first use),
// and Build inspects a raw update and produces an event or declines by
// returning nil.
type EventBuilder interface {
	Resolve(ctx context.Context, client *Client) error
	Build(u *Update) Event
}

// Handler is a registered event callback. Returning ErrStopPropagation
// skips the remaining handlers for this update; any other error is
// logged and isolated.
type Handler func(ctx context.Context, ev Event) error

// EventCommon carries the client identity and original raw update
// attached to every dispatched event. Embed it in concrete event types.
type EventCommon struct {
	client *Client
	raw    *Update
}

// Bind implements Event.
func (e *EventCommon) Bind(client *Client, raw *Update) {
	e.client = client
	e.raw = raw
}

// Client returns the client that dispatched this event.
func (e *EventCommon) Client() *Client { return e.client }

// Original returns the raw update this event was built from.
func (e *EventCommon) Original() *Update { return e.raw }

// Raw is the catch-all matcher: it matches every update and delivers it
// without interpretation. Used when a handler is registered with a nil
// matcher.
type Raw struct{}

// Resolve implements EventBuilder; Raw needs no setup.
func (*Raw) Resolve(ctx context.Context, client *Client) error { return nil }

// Build implements EventBuilder.
func (*Raw) Build(u *Update) Event {
	return &RawEvent{Update: u}
}

// RawEvent wraps an uninterpreted update.
type RawEvent struct {
	EventCommon
	Update *Update
}

// resolveBarrierKey is the single-flight key for the matcher resolution
// pass; all concurrent dispatches share one in-flight pass.
const resolveBarrierKey = "resolve"

// dispatch delivers one normalized update to every registered handler in
// registration order. It runs on its own goroutine per update;
// dispatches of distinct updates are unordered with respect to each
// other.
func (c *Client) dispatch(ctx context.Context, u *Update) {
	// Lazy resolution barrier: exactly one concurrent dispatch runs the
	// resolution pass while the rest block here until it completes.
	if c.registry.hasPending() {
		c.resolve.Do(resolveBarrierKey, func() (any, error) {
			c.resolvePending(ctx)
			return nil, nil
		})
	}

	for _, reg := range c.registry.snapshot() {
		ev := reg.builder.Build(u)
		if ev == nil {
			continue
		}
		ev.Bind(c, u)

		err := c.callHandler(ctx, reg, ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrStopPropagation) {
			c.logger.Debug("handler stopped propagation",
				slog.String("handler", reg.name),
				slog.String("update", u.Kind),
			)
			return
		}
		c.logger.Error("unhandled error in event handler",
			slog.String("handler", reg.name),
			slog.String("update", u.Kind),
			slog.String("error", err.Error()),
		)
	}
}

// callHandler invokes one callback, converting a panic into an error so
// a faulty handler can never take down the dispatch goroutine.
func (c *Client) callHandler(ctx context.Context, reg registration, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return reg.handler(ctx, ev)
}

// resolvePending runs the one-time resolution pass over all matchers
// queued since the previous pass. The queue stays populated until the
// pass completes, so a dispatch arriving mid-pass still sees pending
// work and blocks on the barrier instead of building against an
// unresolved matcher. Only the entries this pass resolved are cleared;
// a matcher whose resolution fails is logged, dropped from the queue,
// and still offered updates.
func (c *Client) resolvePending(ctx context.Context) {
	pending := c.registry.pendingSnapshot()
	for _, b := range pending {
		if err := b.Resolve(ctx, c); err != nil {
			c.logger.Warn("resolving event matcher",
				slog.String("error", err.Error()),
			)
		}
	}
	c.registry.clearPending(len(pending))
}
