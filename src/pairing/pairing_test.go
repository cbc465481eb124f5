package pairing

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stake-plus/gosling/src/events"
)

type sentMessage struct {
	To   string
	Text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) send(ctx context.Context, identity, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: identity, Text: text})
	return nil
}

func (f *fakeSender) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}
	}
	return f.sent[len(f.sent)-1]
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *fakeSender, string) {
	t.Helper()
	dir := t.TempDir()
	sender := &fakeSender{}
	svc := NewService(Config{
		StateDir:  dir,
		Bus:       events.NewBus(),
		Send:      sender.send,
		AgentName: "gosling",
		TTL:       ttl,
	})
	return svc, sender, dir
}

var digitCodeRe = regexp.MustCompile(`pair (\d{6})`)

func issuedCode(t *testing.T, sender *fakeSender) string {
	t.Helper()
	m := digitCodeRe.FindStringSubmatch(sender.last().Text)
	if m == nil {
		t.Fatalf("no challenge code in %q", sender.last().Text)
	}
	return m[1]
}

func TestInboundChallengeEndToEnd(t *testing.T) {
	svc, sender, dir := newTestService(t, 0)
	ctx := context.Background()

	if !svc.HandleInbound(ctx, "U1", "hello there") {
		t.Fatal("first message from unknown sender should be consumed by pairing")
	}
	code := issuedCode(t, sender)

	// Pending record exists with ~5 minute TTL.
	pend := svc.pending()
	if pend == nil || pend.RequesterID != "U1" {
		t.Fatalf("pending challenge missing or wrong requester: %+v", pend)
	}
	ttl := time.Until(pend.ExpiresAt)
	if ttl < 4*time.Minute || ttl > 6*time.Minute {
		t.Errorf("challenge TTL = %v, want about 5 minutes", ttl)
	}

	// Wrong code: rejected, stored code unchanged.
	ok, err := svc.VerifyInbound(ctx, "U1", "123456")
	if ok || err == nil {
		t.Fatal("wrong code should be rejected")
	}
	if got := svc.pending(); got == nil || got.Code != code {
		t.Fatal("stored code changed after a failed attempt")
	}

	// Correct code before expiry imprints.
	ok, err = svc.VerifyInbound(ctx, "U1", code)
	if !ok || err != nil {
		t.Fatalf("correct code rejected: %v", err)
	}

	op := svc.Operator()
	if op == nil || op.OperatorID != "U1" {
		t.Fatalf("operator record wrong: %+v", op)
	}
	if len(op.AllowedCommands) == 0 {
		t.Error("allowed commands not seeded at imprint")
	}
	if svc.pending() != nil {
		t.Error("pending record must not exist after imprinting")
	}
	if _, err := os.Stat(filepath.Join(dir, "pending_pairing.json")); !os.IsNotExist(err) {
		t.Error("pending file still on disk after imprint")
	}
}

func TestCodeBoundToRequester(t *testing.T) {
	svc, sender, _ := newTestService(t, 0)
	ctx := context.Background()

	svc.HandleInbound(ctx, "U1", "hi")
	code := issuedCode(t, sender)

	// Textually identical code from a different sender is rejected.
	if ok, _ := svc.VerifyInbound(ctx, "U2", code); ok {
		t.Fatal("code accepted from a sender it was not issued to")
	}
	if svc.Paired() {
		t.Fatal("agent should still be unpaired")
	}

	// A second unknown sender gets a busy notice, no fresh code.
	before := len(sender.sent)
	svc.HandleInbound(ctx, "U2", "let me in")
	notice := sender.sent[before].Text
	if !strings.Contains(notice, "middle of pairing") {
		t.Errorf("expected busy notice, got %q", notice)
	}
	if pend := svc.pending(); pend == nil || pend.RequesterID != "U1" {
		t.Error("pending challenge must stay bound to U1")
	}
}

func TestPairReplyCompletesChallenge(t *testing.T) {
	svc, sender, _ := newTestService(t, 0)
	ctx := context.Background()

	svc.HandleInbound(ctx, "U1", "hello")
	code := issuedCode(t, sender)

	// A wrong "pair" reply is consumed, rejected, and the code survives.
	if !svc.HandleInbound(ctx, "U1", "pair 000000") {
		t.Fatal("wrong pair reply should still be consumed by pairing")
	}
	if svc.Paired() {
		t.Fatal("wrong code imprinted")
	}
	if pend := svc.pending(); pend == nil || pend.Code != code {
		t.Fatal("stored code changed after wrong pair reply")
	}

	if !svc.HandleInbound(ctx, "U1", "PAIR "+code) {
		t.Fatal("correct pair reply not consumed")
	}
	if !svc.IsOperator("U1") {
		t.Error("operator not imprinted after pair reply")
	}
}

func TestChallengeExpires(t *testing.T) {
	svc, sender, _ := newTestService(t, 20*time.Millisecond)
	ctx := context.Background()

	svc.HandleInbound(ctx, "U1", "hi")
	code := issuedCode(t, sender)

	time.Sleep(40 * time.Millisecond)

	if ok, err := svc.VerifyInbound(ctx, "U1", code); ok || err == nil {
		t.Fatal("expired code should be rejected")
	}
	if svc.pending() != nil {
		t.Error("expired challenge should be lazily deleted")
	}
}

func TestOutboundPairingByReply(t *testing.T) {
	svc, sender, _ := newTestService(t, 0)
	ctx := context.Background()

	code, err := svc.BeginOutbound(ctx, "operator@example")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sender.last().Text, code) {
		t.Fatal("code not included in outbound DM")
	}

	// A reply with sloppy formatting still matches after normalization.
	sloppy := strings.ToLower(strings.ReplaceAll(code, "-", " "))
	if !svc.HandleInbound(ctx, "operator@example", sloppy) {
		t.Fatal("matching reply was not consumed")
	}

	op := svc.Operator()
	if op == nil || op.OperatorID != "operator@example" {
		t.Fatalf("operator record wrong after outbound pairing: %+v", op)
	}
}

func TestConfirmLocalMismatchBudget(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	if _, err := svc.BeginOutbound(ctx, "op"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxLocalMismatches; i++ {
		if ok, _ := svc.ConfirmLocal(ctx, "WRONG-CODE"); ok {
			t.Fatal("wrong code accepted")
		}
	}

	// Attempt is gone now; even the right code cannot land.
	if _, err := svc.ConfirmLocal(ctx, "anything"); err == nil {
		t.Fatal("expected no-attempt error after mismatch budget exhausted")
	}
}

func TestConfirmLocalSuccess(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	code, err := svc.BeginOutbound(ctx, "op")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := svc.ConfirmLocal(ctx, code)
	if !ok || err != nil {
		t.Fatalf("local confirmation failed: %v", err)
	}
	if !svc.IsOperator("op") {
		t.Error("operator not imprinted after local confirmation")
	}
}

func TestReimprint(t *testing.T) {
	svc, sender, _ := newTestService(t, 0)
	ctx := context.Background()

	svc.HandleInbound(ctx, "U1", "hi")
	code := issuedCode(t, sender)
	if ok, err := svc.VerifyInbound(ctx, "U1", code); !ok {
		t.Fatal(err)
	}

	if err := svc.Reimprint("U2", ReimprintPhrase); err == nil {
		t.Fatal("non-operator must not reimprint")
	}
	if err := svc.Reimprint("U1", "yes please"); err == nil {
		t.Fatal("wrong phrase must not reimprint")
	}
	if err := svc.Reimprint("U1", ReimprintPhrase); err != nil {
		t.Fatal(err)
	}
	if svc.Paired() {
		t.Error("operator record should be cleared")
	}

	// Inbound challenge path reopens.
	if !svc.HandleInbound(ctx, "U3", "hello") {
		t.Error("challenge path did not reopen after reimprint")
	}
}

func TestAllowedCommands(t *testing.T) {
	svc, sender, _ := newTestService(t, 0)
	ctx := context.Background()

	svc.HandleInbound(ctx, "U1", "hi")
	code := issuedCode(t, sender)
	if ok, err := svc.VerifyInbound(ctx, "U1", code); !ok {
		t.Fatal(err)
	}

	if !svc.Allowed("U1", "schedule") {
		t.Error("operator should be allowed to schedule")
	}
	if svc.Allowed("U2", "schedule") {
		t.Error("non-operator must not be allowed")
	}
	if svc.Allowed("U1", "selfdestruct") {
		t.Error("unlisted command must not be allowed")
	}
}
