package events

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mtarnawa/gramsync/updates"
)

// MessageEdited matches edits to previously delivered messages. Pattern,
// when set, is matched against the edited text.
type MessageEdited struct {
	Pattern string

	pattern *regexp.Regexp
}

// Resolve implements updates.EventBuilder.
func (b *MessageEdited) Resolve(ctx context.Context, client *updates.Client) error {
	if b.Pattern == "" {
		return nil
	}

	re, err := regexp.Compile(b.Pattern)
	if err != nil {
		return fmt.Errorf("compiling message pattern: %w", err)
	}
	b.pattern = re

	return nil
}

// Build implements updates.EventBuilder.
func (b *MessageEdited) Build(u *updates.Update) updates.Event {
	if u.Kind != updates.KindEditMessage {
		return nil
	}

	m := u.Message
	if m == nil {
		return nil
	}
	if b.pattern != nil && !b.pattern.MatchString(m.Text) {
		return nil
	}

	return &MessageEditedEvent{Message: m}
}

// MessageEditedEvent is delivered for every matched message edit.
type MessageEditedEvent struct {
	updates.EventCommon
	Message *updates.Message
}

// Chat returns the chat entity the edit happened in, when the envelope
// carried it.
func (e *MessageEditedEvent) Chat() (updates.Peer, bool) {
	p, ok := e.Original().Entities()[e.Message.PeerID]
	return p, ok
}
