// Package transport abstracts the messaging layer the agent talks to its
// operator over. Adapters live in subpackages; the daemon and pairing layers
// only see these interfaces.
package transport

import "context"

// Message is one inbound direct message.
type Message struct {
	SenderID       string
	Content        string
	ConversationID string
}

// Item is one element of a stream: either a message or a transient error.
// Streams stay open across error items; the daemon decides when a run of
// errors means the stream is dead.
type Item struct {
	Msg *Message
	Err error
}

// Stream is a live feed of inbound items. Close releases the underlying
// subscription; after Close the Items channel is closed.
type Stream interface {
	Items() <-chan Item
	Close() error
}

// Conversation identifies a resolved peer conversation.
type Conversation struct {
	ID       string
	PeerID   string
	PeerName string
}

// Transport is a bidirectional direct-message channel to identities on one
// messaging network.
type Transport interface {
	// SendDirectMessage delivers text to the given identity.
	SendDirectMessage(ctx context.Context, identity string, text string) error

	// Connect opens the inbound stream. Callers reconnect by calling
	// Connect again after closing a failed stream.
	Connect(ctx context.Context) (Stream, error)

	// ResolveConversation looks up a conversation by its transport-native
	// identifier.
	ResolveConversation(id string) (Conversation, error)
}

// ChanStream adapts a plain channel to the Stream interface. Adapters and
// tests both use it.
type ChanStream struct {
	C      chan Item
	OnStop func()
}

func (s *ChanStream) Items() <-chan Item { return s.C }

func (s *ChanStream) Close() error {
	if s.OnStop != nil {
		s.OnStop()
	}
	return nil
}
