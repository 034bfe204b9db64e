// Package events provides the concrete event matcher catalog for the
// update engine: each matcher inspects raw updates and produces typed
// events for registered handlers. The engine itself is agnostic to the
// matchers defined here.
package events

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mtarnawa/gramsync/updates"
)

// NewMessage matches updates carrying a newly received message.
//
// Chats restricts matching to messages in the named chats; the usernames
// are resolved to peer ids once, asynchronously, before the matcher is
// first used. Pattern, when set, must compile as a regular expression
// and is matched against the message text.
type NewMessage struct {
	Chats   []string
	Pattern string

	pattern *regexp.Regexp
	chatIDs map[int64]struct{}
}

// Resolve implements updates.EventBuilder. The dispatcher guarantees it
// runs at most once per matcher instance, before the first Build.
func (b *NewMessage) Resolve(ctx context.Context, client *updates.Client) error {
	if b.Pattern != "" {
		re, err := regexp.Compile(b.Pattern)
		if err != nil {
			return fmt.Errorf("compiling message pattern: %w", err)
		}
		b.pattern = re
	}

	if len(b.Chats) == 0 {
		return nil
	}

	b.chatIDs = make(map[int64]struct{}, len(b.Chats))
	for _, name := range b.Chats {
		p, err := client.ResolvePeer(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving chat %q: %w", name, err)
		}
		b.chatIDs[p.MarkedID()] = struct{}{}
	}

	return nil
}

// Build implements updates.EventBuilder.
func (b *NewMessage) Build(u *updates.Update) updates.Event {
	switch u.Kind {
	case updates.KindNewMessage, updates.KindNewChannelMessage:
	default:
		return nil
	}

	m := u.Message
	if m == nil {
		return nil
	}
	if b.chatIDs != nil {
		if _, ok := b.chatIDs[m.PeerID]; !ok {
			return nil
		}
	}
	if b.pattern != nil && !b.pattern.MatchString(m.Text) {
		return nil
	}

	return &NewMessageEvent{Message: m}
}

// NewMessageEvent is delivered for every matched new message.
type NewMessageEvent struct {
	updates.EventCommon
	Message *updates.Message
}

// Chat returns the chat entity the message was sent in, when the
// envelope carried it.
func (e *NewMessageEvent) Chat() (updates.Peer, bool) {
	p, ok := e.Original().Entities()[e.Message.PeerID]
	return p, ok
}

// Sender returns the sending peer, when the envelope carried it.
func (e *NewMessageEvent) Sender() (updates.Peer, bool) {
	p, ok := e.Original().Entities()[e.Message.FromID]
	return p, ok
}
