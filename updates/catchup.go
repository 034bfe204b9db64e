package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDifferenceTooLong reports that the server cannot enumerate the gap
// incrementally. The cursor persisted so far is kept; the caller must
// fall back to a full resync of entities and state.
var ErrDifferenceTooLong = errors.New("update gap too large to enumerate")

// CatchUp drives the difference protocol until the client is fully
// synchronized or gives up. It is mutually exclusive with itself; the
// store's catching-up flag is set for the duration and the final cursor
// is persisted on every exit path, including failures.
//
// An unset or zero cursor means no history exists yet and the call
// returns immediately.
func (c *Client) CatchUp(ctx context.Context) error {
	c.catchUpMu.Lock()
	defer c.catchUpMu.Unlock()

	st, ok, err := c.store.UpdateState(defaultScope)
	if err != nil {
		return fmt.Errorf("loading update state: %w", err)
	}
	if !ok || st.Pts == 0 {
		return nil
	}

	c.store.SetCatchingUp(true)
	state := st
	defer func() {
		c.state.Store(state)
		if perr := c.store.SetUpdateState(defaultScope, state); perr != nil {
			c.logger.Warn("persisting update state after catch-up",
				slog.String("error", perr.Error()),
			)
		}
		c.store.SetCatchingUp(false)
	}()

	for {
		d, err := c.rpc.GetDifference(ctx, state.Pts, state.Qts, state.Date)
		if err != nil {
			return fmt.Errorf("requesting difference: %w", err)
		}

		switch d := d.(type) {
		case *DifferenceEmpty:
			state.Date = d.Date
			state.Seq = d.Seq
			c.logger.Info("caught up",
				slog.Int64("pts", state.Pts),
				slog.Int64("seq", state.Seq),
			)
			return nil

		case *Difference:
			// A full difference does not guarantee that nothing more
			// remains; adopt its state and poll again. Only
			// DifferenceEmpty or DifferenceTooLong stop the loop.
			state = d.State
			c.HandleEnvelope(ctx, diffEnvelope(d.Users, d.Chats, d.NewMessages, d.OtherUpdates, state))

		case *DifferenceSlice:
			advanced := d.IntermediateState.Pts > state.Pts
			if advanced {
				state = d.IntermediateState
			}
			c.HandleEnvelope(ctx, diffEnvelope(d.Users, d.Chats, d.NewMessages, d.OtherUpdates, state))
			if !advanced {
				// A non-advancing intermediate state would loop forever
				// if followed; stop here instead of trusting the server
				// to eventually reach DifferenceEmpty.
				c.logger.Warn("difference slice did not advance, stopping catch-up",
					slog.Int64("pts", state.Pts),
				)
				return nil
			}

		case *DifferenceTooLong:
			c.logger.Warn("difference too long, full resync required",
				slog.Int64("server_pts", d.Pts),
			)
			return ErrDifferenceTooLong

		default:
			// The difference variants are a closed set; anything else
			// would re-poll forever with an unchanged cursor.
			return fmt.Errorf("unexpected difference response %T", d)
		}
	}
}

// diffEnvelope synthesizes a batch envelope from a difference payload so
// recovered updates re-enter the normal normalization/dispatch path. New
// messages are wrapped as generic new-message updates with zeroed
// pts/pts_count, after the other updates.
func diffEnvelope(users, chats []Peer, msgs []*Message, other []*Update, st State) *UpdateBatch {
	ups := make([]*Update, 0, len(other)+len(msgs))
	ups = append(ups, other...)
	for _, m := range msgs {
		ups = append(ups, &Update{Kind: KindNewMessage, Message: m})
	}

	return &UpdateBatch{
		Users:   users,
		Chats:   chats,
		Updates: ups,
		Date:    st.Date,
		Seq:     st.Seq,
	}
}
