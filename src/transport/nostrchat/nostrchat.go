// Package nostrchat is the Nostr transport adapter: encrypted direct messages
// (NIP-04, kind 4) exchanged over a set of relays.
package nostrchat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/stake-plus/gosling/src/transport"
)

type Config struct {
	Relays     []string
	PrivateKey string // hex or nsec
}

type Transport struct {
	relays  []string
	sk      string
	pub     string
	secrets sync.Map // peer pubkey -> shared secret
}

func New(config Config) (*Transport, error) {
	if len(config.Relays) == 0 {
		return nil, fmt.Errorf("nostrchat: no relays configured")
	}
	sk, err := decodeKey(config.PrivateKey, "nsec")
	if err != nil {
		return nil, fmt.Errorf("nostrchat: private key: %w", err)
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("nostrchat: derive public key: %w", err)
	}
	return &Transport{
		relays: config.Relays,
		sk:     sk,
		pub:    pub,
	}, nil
}

// PublicKey returns the agent's own hex public key.
func (t *Transport) PublicKey() string { return t.pub }

func (t *Transport) sharedSecret(peer string) ([]byte, error) {
	if v, ok := t.secrets.Load(peer); ok {
		return v.([]byte), nil
	}
	ss, err := nip04.ComputeSharedSecret(peer, t.sk)
	if err != nil {
		return nil, err
	}
	t.secrets.Store(peer, ss)
	return ss, nil
}

// SendDirectMessage encrypts text for the identity and publishes the DM event
// to every configured relay. It succeeds if at least one relay accepts it.
func (t *Transport) SendDirectMessage(ctx context.Context, identity string, text string) error {
	peer, err := decodeKey(identity, "npub")
	if err != nil {
		return fmt.Errorf("nostrchat: recipient: %w", err)
	}
	ss, err := t.sharedSecret(peer)
	if err != nil {
		return fmt.Errorf("nostrchat: shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(text, ss)
	if err != nil {
		return fmt.Errorf("nostrchat: encrypt: %w", err)
	}

	ev := nostr.Event{
		PubKey:    t.pub,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", peer}},
		Content:   ciphertext,
	}
	if err := ev.Sign(t.sk); err != nil {
		return fmt.Errorf("nostrchat: sign: %w", err)
	}

	var lastErr error
	accepted := 0
	for _, url := range t.relays {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := relay.Publish(ctx, ev); err != nil {
			lastErr = err
		} else {
			accepted++
		}
		relay.Close()
	}
	if accepted == 0 {
		return fmt.Errorf("nostrchat: no relay accepted the message: %w", lastErr)
	}
	return nil
}

// Connect subscribes to DMs addressed to the agent on every relay and merges
// them into one stream. Per-relay failures surface as error items; the stream
// itself stays open until Close.
func (t *Transport) Connect(ctx context.Context) (transport.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	items := make(chan transport.Item, 64)

	since := nostr.Now()
	filter := nostr.Filter{
		Kinds: []int{nostr.KindEncryptedDirectMessage},
		Tags:  nostr.TagMap{"p": []string{t.pub}},
		Since: &since,
	}

	var wg sync.WaitGroup
	var seenMu sync.Mutex
	seen := make(map[string]struct{})

	connected := 0
	var lastErr error
	for _, url := range t.relays {
		relay, err := nostr.RelayConnect(streamCtx, url)
		if err != nil {
			lastErr = err
			log.Printf("nostrchat: connect %s: %v", url, err)
			continue
		}
		sub, err := relay.Subscribe(streamCtx, nostr.Filters{filter})
		if err != nil {
			lastErr = err
			relay.Close()
			continue
		}
		connected++

		wg.Add(1)
		go func(url string, relay *nostr.Relay, sub *nostr.Subscription) {
			defer wg.Done()
			defer relay.Close()
			for {
				select {
				case <-streamCtx.Done():
					return
				case ev, ok := <-sub.Events:
					if !ok {
						select {
						case items <- transport.Item{Err: fmt.Errorf("nostrchat: relay %s closed subscription", url)}:
						case <-streamCtx.Done():
						}
						return
					}
					if it, ok := t.decodeEvent(ev, seen, &seenMu); ok {
						select {
						case items <- it:
						case <-streamCtx.Done():
							return
						}
					}
				}
			}
		}(url, relay, sub)
	}

	if connected == 0 {
		cancel()
		return nil, fmt.Errorf("nostrchat: no relay reachable: %w", lastErr)
	}

	go func() {
		wg.Wait()
		close(items)
	}()

	return &transport.ChanStream{C: items, OnStop: cancel}, nil
}

// decodeEvent decrypts a DM event and dedups it across relays.
func (t *Transport) decodeEvent(ev *nostr.Event, seen map[string]struct{}, seenMu *sync.Mutex) (transport.Item, bool) {
	if ev == nil || ev.PubKey == t.pub {
		return transport.Item{}, false
	}

	seenMu.Lock()
	if _, dup := seen[ev.ID]; dup {
		seenMu.Unlock()
		return transport.Item{}, false
	}
	seen[ev.ID] = struct{}{}
	if len(seen) > 4096 {
		// Crude reset; relays rarely replay this far back.
		for id := range seen {
			delete(seen, id)
		}
		seen[ev.ID] = struct{}{}
	}
	seenMu.Unlock()

	ss, err := t.sharedSecret(ev.PubKey)
	if err != nil {
		return transport.Item{Err: fmt.Errorf("nostrchat: shared secret for %s: %w", ev.PubKey, err)}, true
	}
	plain, err := nip04.Decrypt(ev.Content, ss)
	if err != nil {
		return transport.Item{Err: fmt.Errorf("nostrchat: decrypt from %s: %w", ev.PubKey, err)}, true
	}

	return transport.Item{Msg: &transport.Message{
		SenderID:       ev.PubKey,
		Content:        plain,
		ConversationID: ev.PubKey,
	}}, true
}

// ResolveConversation accepts a hex pubkey or an npub and normalizes it.
func (t *Transport) ResolveConversation(id string) (transport.Conversation, error) {
	peer, err := decodeKey(id, "npub")
	if err != nil {
		return transport.Conversation{}, fmt.Errorf("nostrchat: %w", err)
	}
	return transport.Conversation{
		ID:     peer,
		PeerID: peer,
	}, nil
}

// decodeKey accepts a raw hex key or a bech32 form with the given prefix.
func decodeKey(key, wantPrefix string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, wantPrefix) {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", err
		}
		if prefix != wantPrefix {
			return "", fmt.Errorf("unexpected key prefix %q", prefix)
		}
		return value.(string), nil
	}
	if len(key) != 64 {
		return "", fmt.Errorf("expected 64 hex chars or %s..., got %d chars", wantPrefix, len(key))
	}
	return strings.ToLower(key), nil
}

// WaitForRelay blocks until the first relay answers or the timeout passes.
// Startup uses it to fail fast on a dead relay set.
func (t *Transport) WaitForRelay(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var lastErr error
	for _, url := range t.relays {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		relay.Close()
		return nil
	}
	return fmt.Errorf("nostrchat: no relay reachable: %w", lastErr)
}
