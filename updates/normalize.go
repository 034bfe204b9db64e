package updates

import (
	"context"
	"log/slog"
)

// normalizedUpdate pairs a leaf update with its advisory gap flag.
type normalizedUpdate struct {
	update *Update
	gap    bool
}

// HandleEnvelope ingests one raw envelope from the transport: the
// session entity cache is fed, the envelope is flattened into leaf
// updates with their entity context attached, the cursor is advanced,
// and each leaf is dispatched on its own goroutine. Gapped updates are
// still delivered; the gap is logged and counted only.
func (c *Client) HandleEnvelope(ctx context.Context, env Envelope) {
	if users, chats, ok := envelopeEntities(env); ok {
		if err := c.store.ProcessEntities(users, chats); err != nil {
			c.logger.Warn("caching envelope entities",
				slog.String("error", err.Error()),
			)
		}
	}

	for _, n := range c.normalize(env) {
		if n.gap {
			c.gaps.Add(1)
			c.logger.Warn("update gap detected",
				slog.String("kind", n.update.Kind),
				slog.Int64("pts", n.update.Pts),
			)
		}

		u := n.update
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(ctx, u)
		}()
	}
}

// normalize flattens an envelope into leaf updates using an explicit
// worklist rather than recursion, attaching the batch entity context to
// each child and advancing the cursor as a side effect. A batch's
// trailing date/seq is applied after its children, matching the order a
// depth-first decomposition would produce.
func (c *Client) normalize(env Envelope) []normalizedUpdate {
	var out []normalizedUpdate

	work := []Envelope{env}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]

		switch e := cur.(type) {
		case *UpdateBatchCombined:
			work = c.expandBatch(&e.UpdateBatch, work)

		case *UpdateBatch:
			work = c.expandBatch(e, work)

		case *UpdateShort:
			queued := make([]Envelope, 0, 2)
			if e.Update != nil {
				queued = append(queued, e.Update)
			}
			if e.Date > 0 {
				queued = append(queued, &batchTail{date: e.Date})
			}
			work = append(queued, work...)

		case *batchTail:
			c.state.Observe(e.date, e.seq)

		case *Update:
			gap := c.state.Advance(e)
			out = append(out, normalizedUpdate{update: e, gap: gap})
		}
	}

	return out
}

// expandBatch queues a batch's children ahead of the remaining worklist,
// followed by a tail marker carrying the batch's own date/seq.
func (c *Client) expandBatch(b *UpdateBatch, work []Envelope) []Envelope {
	ents := entityIndex(b.Users, b.Chats)

	queued := make([]Envelope, 0, len(b.Updates)+1)
	for _, u := range b.Updates {
		if u == nil {
			continue
		}
		if u.entities == nil {
			u.entities = ents
		}
		queued = append(queued, u)
	}
	queued = append(queued, &batchTail{date: b.Date, seq: b.Seq})

	return append(queued, work...)
}

// envelopeEntities extracts the user/chat lists of batch envelopes.
func envelopeEntities(env Envelope) (users, chats []Peer, ok bool) {
	switch e := env.(type) {
	case *UpdateBatch:
		return e.Users, e.Chats, true
	case *UpdateBatchCombined:
		return e.Users, e.Chats, true
	default:
		return nil, nil, false
	}
}

// entityIndex builds the entity-lookup context for a batch, keyed by
// marked peer id. Returns nil when the batch carries no entities.
func entityIndex(users, chats []Peer) map[int64]Peer {
	if len(users)+len(chats) == 0 {
		return nil
	}

	m := make(map[int64]Peer, len(users)+len(chats))
	for _, p := range users {
		m[p.MarkedID()] = p
	}
	for _, p := range chats {
		m[p.MarkedID()] = p
	}

	return m
}
