// Package discord is the Discord transport adapter. The agent talks to its
// operator through direct messages to a bot account.
package discord

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/stake-plus/gosling/src/transport"
)

type Config struct {
	Token string
}

type Transport struct {
	session *discordgo.Session

	mu       sync.Mutex
	channels map[string]string // user ID -> DM channel ID
}

func New(config Config) (*Transport, error) {
	dg, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return &Transport{
		session:  dg,
		channels: make(map[string]string),
	}, nil
}

func (t *Transport) dmChannel(userID string) (string, error) {
	t.mu.Lock()
	id, ok := t.channels[userID]
	t.mu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := t.session.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.channels[userID] = ch.ID
	t.mu.Unlock()
	return ch.ID, nil
}

func (t *Transport) SendDirectMessage(ctx context.Context, identity string, text string) error {
	chID, err := t.dmChannel(identity)
	if err != nil {
		return fmt.Errorf("discord: open DM with %s: %w", identity, err)
	}
	if _, err := t.session.ChannelMessageSend(chID, text); err != nil {
		return fmt.Errorf("discord: send DM: %w", err)
	}
	return nil
}

// Connect opens the gateway session and surfaces operator DMs as a stream.
// Gateway disconnects appear as error items so the consumer can decide to
// reconnect.
func (t *Transport) Connect(ctx context.Context) (transport.Stream, error) {
	items := make(chan transport.Item, 64)
	streamCtx, cancel := context.WithCancel(ctx)

	removeMsg := t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		if m.GuildID != "" {
			return // DMs only
		}
		deliver(streamCtx, items, transport.Item{Msg: &transport.Message{
			SenderID:       m.Author.ID,
			Content:        m.Content,
			ConversationID: m.ChannelID,
		}})
	})
	removeDisc := t.session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		deliver(streamCtx, items, transport.Item{Err: fmt.Errorf("discord: gateway disconnected")})
	})

	if err := t.session.Open(); err != nil {
		removeMsg()
		removeDisc()
		cancel()
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	if t.session.State.User != nil {
		log.Printf("discord: connected as %s", t.session.State.User.Username)
	}

	// The items channel is never closed: handlers run on gateway-owned
	// goroutines and one already past removal may still be parked on a send.
	// Cancelling streamCtx releases it; the consumer ends via its own context.
	return &transport.ChanStream{C: items, OnStop: func() {
		removeMsg()
		removeDisc()
		cancel()
		if err := t.session.Close(); err != nil {
			log.Printf("discord: close session: %v", err)
		}
	}}, nil
}

// deliver hands an item to the stream unless it has been stopped. A stopped
// stream drops the item rather than parking the gateway goroutine forever.
func deliver(ctx context.Context, items chan<- transport.Item, it transport.Item) {
	select {
	case items <- it:
	case <-ctx.Done():
	}
}

func (t *Transport) ResolveConversation(id string) (transport.Conversation, error) {
	ch, err := t.session.Channel(id)
	if err != nil {
		return transport.Conversation{}, fmt.Errorf("discord: resolve channel %s: %w", id, err)
	}
	conv := transport.Conversation{ID: ch.ID}
	if len(ch.Recipients) > 0 {
		conv.PeerID = ch.Recipients[0].ID
		conv.PeerName = ch.Recipients[0].Username
	}
	return conv, nil
}
