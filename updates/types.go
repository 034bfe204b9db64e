package updates

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Peer kinds as they appear in the "_" discriminator of entity objects.
const (
	PeerUser    = "user"
	PeerChat    = "chat"
	PeerChannel = "channel"
)

// channelMarkOffset shifts channel ids into their own negative range so
// that user, chat and channel ids never collide in the same key space.
const channelMarkOffset = int64(1_000_000_000_000)

// Peer is a user, group chat or channel entity delivered alongside
// updates. Only the fields this engine needs are decoded.
type Peer struct {
	Kind       string `json:"_"`
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash,omitempty"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	Title      string `json:"title,omitempty"`
	Min        bool   `json:"min,omitempty"`
}

// MarkedID returns the stable integer id used as the entity-context key:
// users keep their id, chats are negated, channels are shifted into the
// channel range. Mirrors the bot-API marked id convention.
func (p Peer) MarkedID() int64 {
	switch p.Kind {
	case PeerChat:
		return -p.ID
	case PeerChannel:
		return -channelMarkOffset - p.ID
	default:
		return p.ID
	}
}

// Message is the payload of message-bearing updates. PeerID and FromID
// are marked ids resolvable through the update's entity context.
type Message struct {
	ID       int64  `json:"id"`
	PeerID   int64  `json:"peer_id"`
	FromID   int64  `json:"from_id,omitempty"`
	Text     string `json:"message,omitempty"`
	Date     int64  `json:"date,omitempty"`
	Out      bool   `json:"out,omitempty"`
	EditDate int64  `json:"edit_date,omitempty"`
}

// Update kinds this engine interprets. Unknown kinds still flow through
// normalization and dispatch so catch-all handlers see them.
const (
	KindNewMessage        = "updateNewMessage"
	KindNewChannelMessage = "updateNewChannelMessage"
	KindEditMessage       = "updateEditMessage"
	KindDeleteMessages    = "updateDeleteMessages"
	KindUserStatus        = "updateUserStatus"
)

// Update is a single leaf state-change notification. The pts/qts/date/seq
// fields are optional per kind; zero means absent. The entity context is
// attached by the normalizer and is scoped to the envelope the update
// arrived in.
type Update struct {
	Kind       string   `json:"_"`
	Pts        int64    `json:"pts,omitempty"`
	PtsCount   int64    `json:"pts_count,omitempty"`
	Qts        int64    `json:"qts,omitempty"`
	Date       int64    `json:"date,omitempty"`
	Seq        int64    `json:"seq,omitempty"`
	Message    *Message `json:"message,omitempty"`
	UserID     int64    `json:"user_id,omitempty"`
	Status     string   `json:"status,omitempty"`
	MessageIDs []int64  `json:"messages,omitempty"`

	entities map[int64]Peer
}

// Entities returns the entity-lookup context attached during
// normalization, keyed by marked peer id. May be nil when the update
// arrived without entity metadata; lookups on a nil map are safe.
func (u *Update) Entities() map[int64]Peer {
	return u.entities
}

// State is the synchronization cursor as persisted and as returned by
// the server ("get current state" and difference responses).
type State struct {
	Pts  int64 `json:"pts"`
	Qts  int64 `json:"qts"`
	Date int64 `json:"date"`
	Seq  int64 `json:"seq"`
}

// Envelope is the closed set of push-notification shapes received from
// the transport: a batch, a combined batch, a shorthand single update,
// or a bare leaf update.
type Envelope interface {
	isEnvelope()
}

// UpdateBatch carries entity lists, an ordered set of update items and a
// trailing date/seq cursor.
type UpdateBatch struct {
	Users   []Peer    `json:"users"`
	Chats   []Peer    `json:"chats"`
	Updates []*Update `json:"updates"`
	Date    int64     `json:"date"`
	Seq     int64     `json:"seq"`
}

// UpdateBatchCombined is a batch combining several server-side batches
// into one; handled identically to UpdateBatch apart from SeqStart.
type UpdateBatchCombined struct {
	UpdateBatch
	SeqStart int64 `json:"seq_start,omitempty"`
}

// UpdateShort wraps a single update with no entity or seq metadata.
type UpdateShort struct {
	Update *Update `json:"update"`
	Date   int64   `json:"date,omitempty"`
}

func (*UpdateBatch) isEnvelope()         {}
func (*UpdateBatchCombined) isEnvelope() {}
func (*UpdateShort) isEnvelope()         {}
func (*Update) isEnvelope()              {}

// batchTail is an internal worklist marker that applies a batch's
// trailing date/seq after its child updates have been processed,
// preserving child-before-batch cursor ordering.
type batchTail struct {
	date int64
	seq  int64
}

func (*batchTail) isEnvelope() {}

// ErrUnknownEnvelope reports a push frame whose discriminator names no
// known envelope or update kind.
var ErrUnknownEnvelope = fmt.Errorf("unknown envelope kind")

// ParseEnvelope decodes a raw push frame into its envelope variant. The
// "_" discriminator is peeked first so unknown kinds fail cheaply.
func ParseEnvelope(data []byte) (Envelope, error) {
	kind := gjson.GetBytes(data, "_").Str

	switch kind {
	case "updates":
		var e UpdateBatch
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding update batch: %w", err)
		}
		return &e, nil

	case "updatesCombined":
		var e UpdateBatchCombined
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding combined batch: %w", err)
		}
		return &e, nil

	case "updateShort":
		var e UpdateShort
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding short update: %w", err)
		}
		return &e, nil
	}

	// Bare leaf update pushed without a wrapping batch.
	if len(kind) > len("update") && kind[:len("update")] == "update" {
		var u Update
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("decoding update %s: %w", kind, err)
		}
		return &u, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, kind)
}

// DifferenceResult is the closed set of outcomes of a "get difference"
// reconciliation request.
type DifferenceResult interface {
	isDifference()
}

// DifferenceEmpty means no changes occurred since the requested cursor.
type DifferenceEmpty struct {
	Date int64 `json:"date"`
	Seq  int64 `json:"seq"`
}

// Difference carries the complete remaining difference and the new
// authoritative cursor.
type Difference struct {
	NewMessages  []*Message `json:"new_messages"`
	OtherUpdates []*Update  `json:"other_updates"`
	Users        []Peer     `json:"users"`
	Chats        []Peer     `json:"chats"`
	State        State      `json:"state"`
}

// DifferenceSlice is a partial difference; IntermediateState is the
// cursor to resume from.
type DifferenceSlice struct {
	NewMessages       []*Message `json:"new_messages"`
	OtherUpdates      []*Update  `json:"other_updates"`
	Users             []Peer     `json:"users"`
	Chats             []Peer     `json:"chats"`
	IntermediateState State      `json:"intermediate_state"`
}

// DifferenceTooLong means the gap is too large to enumerate; the caller
// must fall back to a full resync.
type DifferenceTooLong struct {
	Pts int64 `json:"pts"`
}

func (*DifferenceEmpty) isDifference()   {}
func (*Difference) isDifference()        {}
func (*DifferenceSlice) isDifference()   {}
func (*DifferenceTooLong) isDifference() {}

// ErrUnknownDifference reports a difference response whose discriminator
// names no known variant.
var ErrUnknownDifference = fmt.Errorf("unknown difference kind")

// ParseDifference decodes a "get difference" response into its variant.
func ParseDifference(data []byte) (DifferenceResult, error) {
	kind := gjson.GetBytes(data, "_").Str

	switch kind {
	case "updates.differenceEmpty":
		var d DifferenceEmpty
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decoding empty difference: %w", err)
		}
		return &d, nil

	case "updates.difference":
		var d Difference
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decoding difference: %w", err)
		}
		return &d, nil

	case "updates.differenceSlice":
		var d DifferenceSlice
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decoding difference slice: %w", err)
		}
		return &d, nil

	case "updates.differenceTooLong":
		var d DifferenceTooLong
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decoding difference too long: %w", err)
		}
		return &d, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownDifference, kind)
}
