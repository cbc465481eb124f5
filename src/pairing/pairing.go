// Package pairing implements the operator trust bootstrap: outbound pairing
// (agent-issued code confirmed by the operator), inbound challenge pairing
// (first unknown sender claims the operator role), and imprinting of the
// resulting operator record.
package pairing

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/state"
)

const (
	operatorVersion = 1
	pendingVersion  = 1

	// Unambiguous alphabet for outbound codes: no 0/O, 1/I/l.
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8

	challengeDigits = "0123456789"
	challengeLength = 6

	maxLocalMismatches = 5

	// ReimprintPhrase must be sent verbatim by the current operator to clear
	// the operator record.
	ReimprintPhrase = "CONFIRM REIMPRINT"
)

const DefaultChallengeTTL = 5 * time.Minute

// DefaultAllowedCommands seeds the operator's allow-list at imprint time.
var DefaultAllowedCommands = []string{
	"help", "status", "doctor", "pair", "reimprint",
	"jobs", "schedule", "unschedule", "explore",
}

type OperatorRecord struct {
	Version         int       `json:"version"`
	OperatorID      string    `json:"operator_id"`
	OperatorAddress string    `json:"operator_address,omitempty"`
	PairedAt        time.Time `json:"paired_at"`
	AllowedCommands []string  `json:"allowed_commands"`
}

type PendingPairing struct {
	Version     int       `json:"version"`
	RequesterID string    `json:"requester_id"`
	Code        string    `json:"code"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SendFunc delivers a direct message to an identity over the transport.
type SendFunc func(ctx context.Context, identity, text string) error

type Config struct {
	StateDir  string
	Bus       *events.Bus
	Send      SendFunc
	AgentName string
	TTL       time.Duration // inbound challenge TTL; DefaultChallengeTTL when zero
}

type outboundAttempt struct {
	address    string
	code       string
	mismatches int
}

type Service struct {
	mu       sync.Mutex
	config   Config
	outbound *outboundAttempt
}

func NewService(config Config) *Service {
	if config.TTL == 0 {
		config.TTL = DefaultChallengeTTL
	}
	return &Service{config: config}
}

func (s *Service) operatorPath() string {
	return filepath.Join(s.config.StateDir, "operator.json")
}

func (s *Service) pendingPath() string {
	return filepath.Join(s.config.StateDir, "pending_pairing.json")
}

// Operator returns the persisted operator record, or nil when unpaired.
func (s *Service) Operator() *OperatorRecord {
	var rec OperatorRecord
	if !state.Load(s.operatorPath(), operatorVersion, &rec) {
		return nil
	}
	return &rec
}

func (s *Service) Paired() bool {
	return s.Operator() != nil
}

func (s *Service) IsOperator(senderID string) bool {
	op := s.Operator()
	return op != nil && op.OperatorID == senderID
}

// Allowed reports whether the sender may run the named control command.
func (s *Service) Allowed(senderID, command string) bool {
	op := s.Operator()
	if op == nil || op.OperatorID != senderID {
		return false
	}
	for _, c := range op.AllowedCommands {
		if c == command {
			return true
		}
	}
	return false
}

// pending returns the stored pending challenge, lazily deleting it when past
// its TTL. Always reads the current disk record.
func (s *Service) pending() *PendingPairing {
	var rec PendingPairing
	if !state.Load(s.pendingPath(), pendingVersion, &rec) {
		return nil
	}
	if time.Now().After(rec.ExpiresAt) {
		if err := state.Remove(s.pendingPath()); err != nil {
			log.Printf("pairing: remove expired challenge: %v", err)
		}
		return nil
	}
	return &rec
}

// BeginOutbound starts agent-initiated pairing: generate a code from the
// unambiguous alphabet, DM it to the supplied address, and wait for either a
// matching reply from that address or local confirmation.
func (s *Service) BeginOutbound(ctx context.Context, address string) (string, error) {
	if s.Paired() {
		return "", fmt.Errorf("already paired; reimprint first")
	}

	raw, err := gonanoid.Generate(codeAlphabet, codeLength)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	code := raw[:4] + "-" + raw[4:]

	s.mu.Lock()
	s.outbound = &outboundAttempt{address: address, code: raw}
	s.mu.Unlock()

	text := fmt.Sprintf(
		"Hello, this is %s. To become my operator, reply with this code (or enter it on my control surface): %s",
		s.config.AgentName, code)
	if err := s.config.Send(ctx, address, text); err != nil {
		s.mu.Lock()
		s.outbound = nil
		s.mu.Unlock()
		return "", fmt.Errorf("send pairing code: %w", err)
	}

	s.config.Bus.Publish(events.Event{
		Type:    events.TypePairingStarted,
		Source:  "pairing",
		Message: "outbound pairing code sent",
		Metadata: map[string]interface{}{
			"address": address,
		},
	})
	return code, nil
}

// AbandonOutbound drops any in-flight outbound attempt.
func (s *Service) AbandonOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = nil
}

// ConfirmLocal checks a code typed into the local control surface against the
// outbound attempt. After maxLocalMismatches failures the attempt is
// abandoned and must be explicitly retried.
func (s *Service) ConfirmLocal(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	attempt := s.outbound
	s.mu.Unlock()

	if attempt == nil {
		return false, fmt.Errorf("no outbound pairing in progress")
	}

	if normalizeCode(code) == normalizeCode(attempt.code) {
		return true, s.imprint(ctx, attempt.address, attempt.address)
	}

	s.mu.Lock()
	attempt.mismatches++
	remaining := maxLocalMismatches - attempt.mismatches
	if remaining <= 0 {
		s.outbound = nil
	}
	s.mu.Unlock()

	if remaining <= 0 {
		return false, fmt.Errorf("too many mismatches; pairing abandoned, start again")
	}
	return false, fmt.Errorf("code mismatch, %d attempts left", remaining)
}

// HandleInbound processes one inbound message for trust purposes. It returns
// true when the message was consumed by the pairing flow (so the daemon must
// not treat it as a command).
func (s *Service) HandleInbound(ctx context.Context, senderID, content string) bool {
	// Outbound confirmation: reply from the address we DM'd the code to.
	s.mu.Lock()
	attempt := s.outbound
	s.mu.Unlock()
	if attempt != nil && senderID == attempt.address {
		if normalizeCode(content) == normalizeCode(attempt.code) {
			if err := s.imprint(ctx, senderID, senderID); err != nil {
				log.Printf("pairing: imprint after outbound confirm: %v", err)
			}
			return true
		}
	}

	if s.Paired() {
		return false
	}

	// Inbound challenge path.
	pend := s.pending()
	if pend == nil {
		if err := s.issueChallenge(ctx, senderID); err != nil {
			log.Printf("pairing: issue challenge: %v", err)
		}
		return true
	}

	if pend.RequesterID != senderID {
		s.sendQuiet(ctx, senderID,
			"I am in the middle of pairing with someone else. Try again later.")
		return true
	}

	// Same requester: either a "pair <code>" reply as instructed, or a bare
	// code, completes pairing.
	trimmed := strings.TrimSpace(content)
	if lower := strings.ToLower(trimmed); strings.HasPrefix(lower, "pair ") || strings.HasPrefix(lower, "/pair ") {
		code := trimmed[strings.Index(lower, "pair ")+len("pair "):]
		if _, err := s.VerifyInbound(ctx, senderID, code); err != nil {
			s.sendQuiet(ctx, senderID, err.Error())
		}
		return true
	}
	if normalizeCode(content) == normalizeCode(pend.Code) {
		if err := s.imprint(ctx, senderID, senderID); err != nil {
			log.Printf("pairing: imprint after challenge reply: %v", err)
		}
		return true
	}
	return false
}

// VerifyInbound checks a code presented via the pair command against the
// currently stored pending challenge. Only the original requester may
// complete pairing.
func (s *Service) VerifyInbound(ctx context.Context, senderID, code string) (bool, error) {
	pend := s.pending()
	if pend == nil {
		return false, fmt.Errorf("no pairing challenge is active or it has expired")
	}
	if pend.RequesterID != senderID {
		s.config.Bus.Publish(events.Event{
			Type:     events.TypePairingRejected,
			Severity: events.SeverityWarn,
			Source:   "pairing",
			Message:  "code presented by a different sender",
			Metadata: map[string]interface{}{"sender": senderID},
		})
		return false, fmt.Errorf("this challenge was issued to someone else")
	}
	if normalizeCode(code) != normalizeCode(pend.Code) {
		s.config.Bus.Publish(events.Event{
			Type:     events.TypePairingRejected,
			Severity: events.SeverityWarn,
			Source:   "pairing",
			Message:  "wrong challenge code",
			Metadata: map[string]interface{}{"sender": senderID},
		})
		return false, fmt.Errorf("wrong code, try again")
	}
	return true, s.imprint(ctx, senderID, senderID)
}

func (s *Service) issueChallenge(ctx context.Context, senderID string) error {
	code, err := gonanoid.Generate(challengeDigits, challengeLength)
	if err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}

	now := time.Now()
	rec := PendingPairing{
		Version:     pendingVersion,
		RequesterID: senderID,
		Code:        code,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.TTL),
	}
	if err := state.Save(s.pendingPath(), rec); err != nil {
		return fmt.Errorf("persist challenge: %w", err)
	}

	s.config.Bus.Publish(events.Event{
		Type:    events.TypePairingChallenge,
		Source:  "pairing",
		Message: "inbound pairing challenge issued",
		Metadata: map[string]interface{}{
			"requester":  senderID,
			"expires_at": rec.ExpiresAt.Format(time.RFC3339),
		},
	})

	s.sendQuiet(ctx, senderID, fmt.Sprintf(
		"Hi, I am %s and I am not paired with an operator yet. If that should be you, reply with: pair %s (valid for %s)",
		s.config.AgentName, code, s.config.TTL))
	return nil
}

// imprint persists the operator record, clears the pending challenge, and
// notifies the new operator.
func (s *Service) imprint(ctx context.Context, operatorID, address string) error {
	rec := OperatorRecord{
		Version:         operatorVersion,
		OperatorID:      operatorID,
		OperatorAddress: address,
		PairedAt:        time.Now().UTC(),
		AllowedCommands: append([]string(nil), DefaultAllowedCommands...),
	}
	if err := state.Save(s.operatorPath(), rec); err != nil {
		return fmt.Errorf("persist operator: %w", err)
	}
	if err := state.Remove(s.pendingPath()); err != nil {
		log.Printf("pairing: clear pending challenge: %v", err)
	}

	s.mu.Lock()
	s.outbound = nil
	s.mu.Unlock()

	s.config.Bus.Publish(events.Event{
		Type:    events.TypeOperatorImprinted,
		Source:  "pairing",
		Message: "operator imprinted",
		Metadata: map[string]interface{}{
			"operator": operatorID,
		},
	})

	s.sendQuiet(ctx, address, fmt.Sprintf(
		"Paired. You are now my operator. Send \"%s help\" to see what I can do.", s.config.AgentName))

	log.Printf("pairing: imprinted operator %s", operatorID)
	return nil
}

// Reimprint clears the operator record. The current operator must send the
// exact confirmation phrase; afterwards the inbound challenge path reopens.
func (s *Service) Reimprint(senderID, phrase string) error {
	op := s.Operator()
	if op == nil {
		return fmt.Errorf("not paired")
	}
	if op.OperatorID != senderID {
		return fmt.Errorf("only the current operator can reimprint")
	}
	if strings.TrimSpace(phrase) != ReimprintPhrase {
		return fmt.Errorf("confirmation phrase mismatch; send: reimprint %s", ReimprintPhrase)
	}

	if err := state.Remove(s.operatorPath()); err != nil {
		return fmt.Errorf("clear operator: %w", err)
	}

	s.config.Bus.Publish(events.Event{
		Type:     events.TypeOperatorCleared,
		Severity: events.SeverityWarn,
		Source:   "pairing",
		Message:  "operator record cleared by reimprint",
		Metadata: map[string]interface{}{"operator": op.OperatorID},
	})

	log.Printf("pairing: operator %s cleared by reimprint", op.OperatorID)
	return nil
}

func (s *Service) sendQuiet(ctx context.Context, identity, text string) {
	if s.config.Send == nil {
		return
	}
	if err := s.config.Send(ctx, identity, text); err != nil {
		log.Printf("pairing: send to %s: %v", identity, err)
	}
}

// normalizeCode strips everything but letters and digits and lowercases, so
// "abcd-efgh", "ABCD EFGH" and "abcdefgh" all compare equal.
func normalizeCode(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
