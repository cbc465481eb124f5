package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/pairing"
	"github.com/stake-plus/gosling/src/transport"
)

const (
	bech32Operator = "npub1operatorexample"
	hexOperator    = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
)

type fakeTransport struct {
	sent []string // "identity: text"
}

func (f *fakeTransport) SendDirectMessage(ctx context.Context, identity, text string) error {
	f.sent = append(f.sent, identity+": "+text)
	return nil
}

func (f *fakeTransport) Connect(ctx context.Context) (transport.Stream, error) {
	return &transport.ChanStream{C: make(chan transport.Item)}, nil
}

func (f *fakeTransport) ResolveConversation(id string) (transport.Conversation, error) {
	if id == bech32Operator {
		return transport.Conversation{ID: hexOperator, PeerID: hexOperator}, nil
	}
	return transport.Conversation{ID: id, PeerID: id}, nil
}

func TestCanonicalAddressPrefersTransportForm(t *testing.T) {
	tp := &fakeTransport{}
	if got := canonicalAddress(tp, bech32Operator); got != hexOperator {
		t.Errorf("canonicalAddress(%q) = %q, want %q", bech32Operator, got, hexOperator)
	}
	if got := canonicalAddress(tp, "1234567890"); got != "1234567890" {
		t.Errorf("passthrough address changed to %q", got)
	}
}

// Pairing configured with a bech32 operator address must still recognize the
// hex sender ID that inbound messages carry, and imprint that hex form.
func TestOutboundPairingWithNonCanonicalAddress(t *testing.T) {
	tp := &fakeTransport{}
	svc := pairing.NewService(pairing.Config{
		StateDir:  t.TempDir(),
		Bus:       events.NewBus(),
		Send:      tp.SendDirectMessage,
		AgentName: "gosling",
	})

	code, err := svc.BeginOutbound(context.Background(), canonicalAddress(tp, bech32Operator))
	if err != nil {
		t.Fatalf("begin outbound: %v", err)
	}
	if len(tp.sent) != 1 || !strings.HasPrefix(tp.sent[0], hexOperator+": ") {
		t.Fatalf("pairing code went to %v, want the hex identity", tp.sent)
	}

	if !svc.HandleInbound(context.Background(), hexOperator, code) {
		t.Fatal("reply from the hex sender was not treated as confirmation")
	}
	if !svc.Paired() {
		t.Fatal("not paired after reply confirmation")
	}
	op := svc.Operator()
	if op == nil || op.OperatorID != hexOperator {
		t.Fatalf("operator record = %+v, want OperatorID %q", op, hexOperator)
	}
	if !svc.IsOperator(hexOperator) {
		t.Error("hex sender not recognized as the operator")
	}
}
