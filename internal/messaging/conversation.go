package messaging

import (
	"time"

	"github.com/duskmesh/dht/internal/id"
)

// Conversation is a read-only derived view over a contact or channel's
// recent traffic: last message preview and unread count. It is additive
// bookkeeping layered over the Channel/Contact model; it introduces no
// new wire protocol, only a local summary the CLI/API can query.
type Conversation struct {
	PeerID       id.Id
	IsChannel    bool
	LastMessage  []byte
	LastSenderID id.Id
	LastAt       time.Time
	Unread       int
}

// ConversationTracker maintains the derived Conversation view for
// every contact and channel a client has exchanged messages with.
// Kept separate from Client so it can be driven purely off the
// OnMessage/OnChannelMessage callbacks without coupling the dispatch
// loop to a particular UI's notion of "unread".
type ConversationTracker struct {
	conversations map[id.Id]*Conversation
}

// NewConversationTracker creates an empty tracker.
func NewConversationTracker() *ConversationTracker {
	return &ConversationTracker{conversations: make(map[id.Id]*Conversation)}
}

// RecordMessage updates (or creates) the conversation for peer with an
// incoming message, bumping its unread count unless the message was
// sent by the local party.
func (t *ConversationTracker) RecordMessage(peer id.Id, isChannel bool, sender id.Id, body []byte, at time.Time, isLocal bool) {
	conv, ok := t.conversations[peer]
	if !ok {
		conv = &Conversation{PeerID: peer, IsChannel: isChannel}
		t.conversations[peer] = conv
	}
	conv.LastMessage = body
	conv.LastSenderID = sender
	conv.LastAt = at
	if !isLocal {
		conv.Unread++
	}
}

// MarkRead zeroes the unread count for peer's conversation, if any.
func (t *ConversationTracker) MarkRead(peer id.Id) {
	if conv, ok := t.conversations[peer]; ok {
		conv.Unread = 0
	}
}

// Conversation returns the derived view for peer, if any traffic has
// been recorded.
func (t *ConversationTracker) Conversation(peer id.Id) (*Conversation, bool) {
	conv, ok := t.conversations[peer]
	return conv, ok
}

// List returns every tracked conversation, most-recent first.
func (t *ConversationTracker) List() []*Conversation {
	out := make([]*Conversation, 0, len(t.conversations))
	for _, conv := range t.conversations {
		out = append(out, conv)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastAt.After(out[j-1].LastAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
