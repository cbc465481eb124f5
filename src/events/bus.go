package events

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event type constants
const (
	TypeAgentStarted      = "agent.started"
	TypeAgentStopped      = "agent.stopped"
	TypeAgentInput        = "agent.input"
	TypeIdleDrift         = "agent.idle.drift"
	TypeBoredomExplore    = "agent.boredom.explore"
	TypeBriefing          = "agent.briefing"
	TypeHeartbeat         = "agent.heartbeat"
	TypeExploreStarted    = "explore.started"
	TypeExploreFinished   = "explore.finished"
	TypeWorldNewsItem     = "world.news.item"
	TypeMissionReview     = "world.mission.review"
	TypeSensorTickError   = "sensor.tick.error"
	TypePairingStarted    = "pairing.started"
	TypePairingChallenge  = "pairing.challenge"
	TypePairingRejected   = "pairing.rejected"
	TypeOperatorImprinted = "operator.imprinted"
	TypeOperatorCleared   = "operator.cleared"
	TypeStreamConnected   = "stream.connected"
	TypeStreamError       = "stream.error"
	TypeStreamReconnect   = "stream.reconnect"
	TypeCommandRejected   = "command.rejected"
	TypeJobScheduled      = "job.scheduled"
	TypeJobFired          = "job.fired"
	TypeJobError          = "job.error"
)

type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type Handler func(Event)

// Bus is the in-process publish/subscribe hub. Every published event is
// appended to the audit log (once a path is attached) and then handed to all
// current subscribers synchronously, in publish order. Events published before
// SetLogPath are buffered and flushed in arrival order when the log is
// attached.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]Handler
	nextSub int
	pending []Event
	logFile *os.File
	written int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Publish normalizes the event, logs it, and dispatches it to subscribers.
// Handlers that need to do slow or async work must hand off to their own
// goroutine; dispatch is synchronous and ordered.
func (b *Bus) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	b.mu.Lock()
	if b.logFile != nil {
		if err := b.appendLine(ev); err != nil {
			// Best-effort durability; callers that care check EventsWritten.
			log.Printf("events: audit append failed: %v", err)
		}
	} else {
		b.pending = append(b.pending, ev)
	}
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.Unlock()

	// Dispatch happens outside the lock so a handler may call back into the
	// bus without deadlocking.
	for _, h := range handlers {
		b.dispatch(h, ev)
	}

	return ev
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber panic on %s: %v", ev.Type, r)
		}
	}()
	h(ev)
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// SetLogPath attaches the append-only audit log and flushes any buffered
// events in their original order. Calling it a second time switches files but
// the buffer is only ever flushed once.
func (b *Bus) SetLogPath(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.logFile != nil {
		b.logFile.Close()
	}
	b.logFile = f

	for _, ev := range b.pending {
		if err := b.appendLine(ev); err != nil {
			log.Printf("events: audit flush failed: %v", err)
		}
	}
	b.pending = nil

	return nil
}

// EventsWritten reports how many events made it to disk.
func (b *Bus) EventsWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logFile == nil {
		return nil
	}
	err := b.logFile.Close()
	b.logFile = nil
	return err
}

// appendLine writes one event as a single JSON line with sorted keys.
// Caller holds b.mu.
func (b *Bus) appendLine(ev Event) error {
	line := map[string]interface{}{
		"id":        ev.ID,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		"type":      ev.Type,
		"severity":  string(ev.Severity),
		"source":    ev.Source,
		"message":   ev.Message,
	}
	if len(ev.Metadata) > 0 {
		line["metadata"] = ev.Metadata
	}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if _, err := b.logFile.Write(append(data, '\n')); err != nil {
		return err
	}
	b.written++
	return nil
}
