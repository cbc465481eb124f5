// Package scheduler owns the agent's internal clock: the jittered heartbeat,
// the periodic exploration of world sensors, idle/boredom escalation,
// rate-limited briefings, and the daily rollover of per-day counters.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/notebook"
	"github.com/stake-plus/gosling/src/sensors"
)

type Config struct {
	Bus      *events.Bus
	Runner   *sensors.Runner
	Book     *notebook.Book
	StateDir string

	Identity   string // user-agent-equivalent string handed to sensors
	Objectives []string

	HeartbeatInterval time.Duration // default 30s
	ExploreInterval   time.Duration // default 15m
	JitterRatio       float64       // default 0.2
	SensorTimeout     time.Duration // default 20s

	IdleDecay   time.Duration // default 10m; idle-drift events at most once per this
	IdleExplore time.Duration // default 45m; boredom explorations at most once per this

	BriefingMaxPerDay int           // default 6
	BriefingCooldown  time.Duration // default 45m
	BriefedIDCap      int           // default 500

	// OnHeartbeat, when set, runs at the top of every heartbeat tick.
	OnHeartbeat func()
	// UnblockedTasks, when set, reports task names newly unblocked since the
	// last call; they become briefing signal.
	UnblockedTasks func() []string
}

type Scheduler struct {
	config Config

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsub   func()

	// exploreMu serializes cadence, manual, and boredom explorations.
	exploreMu sync.Mutex

	activityMu         sync.Mutex
	lastActivity       time.Time
	lastDrift          time.Time
	lastBoredomExplore time.Time

	briefing *briefingTracker
}

func New(config Config) *Scheduler {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ExploreInterval == 0 {
		config.ExploreInterval = 15 * time.Minute
	}
	if config.JitterRatio == 0 {
		config.JitterRatio = 0.2
	}
	if config.SensorTimeout == 0 {
		config.SensorTimeout = 20 * time.Second
	}
	if config.IdleDecay == 0 {
		config.IdleDecay = 10 * time.Minute
	}
	if config.IdleExplore == 0 {
		config.IdleExplore = 45 * time.Minute
	}
	if config.BriefingMaxPerDay == 0 {
		config.BriefingMaxPerDay = 6
	}
	if config.BriefingCooldown == 0 {
		config.BriefingCooldown = 45 * time.Minute
	}
	if config.BriefedIDCap == 0 {
		config.BriefedIDCap = 500
	}

	return &Scheduler{
		config:       config,
		lastActivity: time.Now(),
		briefing:     loadBriefingTracker(config),
	}
}

// Start launches the heartbeat and exploration loops. Calling it twice is
// harmless.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Any event that is not scheduler housekeeping counts as activity.
	s.unsub = s.config.Bus.Subscribe(func(ev events.Event) {
		s.briefing.observeError(ev)
		if !isHousekeeping(ev) {
			s.markActivity()
		}
	})

	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.exploreLoop(ctx)

	log.Printf("scheduler: started (heartbeat %v, explore %v)",
		s.config.HeartbeatInterval, s.config.ExploreInterval)
}

// Stop cancels both loops and waits for them. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	unsub := s.unsub
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	if unsub != nil {
		unsub()
	}
	log.Println("scheduler: stopped")
}

// HandleInput records operator activity. It never blocks.
func (s *Scheduler) HandleInput(text string) {
	s.markActivity()
	s.config.Bus.Publish(events.Event{
		Type:    events.TypeAgentInput,
		Source:  "operator",
		Message: "input received",
		Metadata: map[string]interface{}{
			"length": len(text),
		},
	})
}

// RequestExplore runs a manual exploration, waiting for any in-flight one to
// finish first. It bypasses sensor poll gating and reports how many genuinely
// new items were found.
func (s *Scheduler) RequestExplore(ctx context.Context, topic string) (string, int, error) {
	resolved := topic
	if resolved == "" {
		if len(s.config.Objectives) > 0 {
			resolved = s.config.Objectives[0]
		} else {
			resolved = "general scan"
		}
	}
	added, err := s.explore(ctx, sensors.TriggerManual, topic)
	return resolved, added, err
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		d := jitter(s.config.HeartbeatInterval, s.config.JitterRatio)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}

		if s.config.OnHeartbeat != nil {
			s.config.OnHeartbeat()
		}
		s.config.Bus.Publish(events.Event{
			Type:    events.TypeHeartbeat,
			Source:  "scheduler",
			Message: "heartbeat",
		})
		s.evaluateBoredom(ctx, time.Now())
	}
}

func (s *Scheduler) exploreLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		d := jitter(s.config.ExploreInterval, s.config.JitterRatio)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}

		if _, err := s.explore(ctx, sensors.TriggerCadence, ""); err != nil {
			log.Printf("scheduler: cadence exploration: %v", err)
		}
	}
}

func (s *Scheduler) markActivity() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// evaluateBoredom emits an idle-drift event at most once per decay interval
// and triggers at most one boredom exploration per explore interval, no
// matter how long the idle stretch grows.
func (s *Scheduler) evaluateBoredom(ctx context.Context, now time.Time) {
	s.activityMu.Lock()
	idle := now.Sub(s.lastActivity)
	driftDue := idle > s.config.IdleDecay && now.Sub(s.lastDrift) >= s.config.IdleDecay
	if driftDue {
		s.lastDrift = now
	}
	exploreDue := idle > s.config.IdleExplore && now.Sub(s.lastBoredomExplore) >= s.config.IdleExplore
	if exploreDue {
		s.lastBoredomExplore = now
	}
	s.activityMu.Unlock()

	if driftDue {
		s.config.Bus.Publish(events.Event{
			Type:    events.TypeIdleDrift,
			Source:  "scheduler",
			Message: "idle for a while, attention drifting",
			Metadata: map[string]interface{}{
				"idle_seconds": int(idle.Seconds()),
			},
		})
	}

	if exploreDue {
		s.config.Bus.Publish(events.Event{
			Type:    events.TypeBoredomExplore,
			Source:  "scheduler",
			Message: "bored, going exploring",
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.explore(ctx, sensors.TriggerBoredom, ""); err != nil {
				log.Printf("scheduler: boredom exploration: %v", err)
			}
		}()
	}
}

// explore runs one exploration tick. The mutex guarantees cadence, manual,
// and boredom triggers never overlap.
func (s *Scheduler) explore(ctx context.Context, trigger sensors.Trigger, topic string) (int, error) {
	s.exploreMu.Lock()
	defer s.exploreMu.Unlock()

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	now := time.Now()
	day := now.Format(notebook.DayFormat)
	s.briefing.rollover(day)

	s.config.Bus.Publish(events.Event{
		Type:    events.TypeExploreStarted,
		Source:  "scheduler",
		Message: "exploration tick",
		Metadata: map[string]interface{}{
			"trigger": string(trigger),
		},
	})

	if err := s.config.Book.EnsureDailyLog(day); err != nil {
		log.Printf("scheduler: ensure daily log: %v", err)
	}
	if err := s.config.Book.EnsureWorldModel(); err != nil {
		log.Printf("scheduler: ensure world model: %v", err)
	}

	objectives := append([]string(nil), s.config.Objectives...)
	if topic != "" {
		objectives = append([]string{"focus: " + topic}, objectives...)
	}

	sc := sensors.Context{
		StateDir:   s.config.StateDir,
		Timeout:    s.config.SensorTimeout,
		Identity:   s.config.Identity,
		Objectives: objectives,
		Trigger:    trigger,
	}
	evs := s.config.Runner.RunAll(ctx, sc)

	items := collectWorldItems(evs)
	added, err := s.config.Book.AppendItems(day, items)
	if err != nil {
		return 0, err
	}

	if s.briefing.missionReviewDue(day) {
		if err := s.config.Book.WriteMissionReview(day, s.config.Objectives, items); err != nil {
			log.Printf("scheduler: mission review: %v", err)
		} else {
			s.briefing.markMissionReview(day)
			s.config.Bus.Publish(events.Event{
				Type:    events.TypeMissionReview,
				Source:  "scheduler",
				Message: "mission review written",
			})
		}
	}

	s.briefing.maybeBrief(now, items, s.unblockedTasks())

	s.config.Bus.Publish(events.Event{
		Type:    events.TypeExploreFinished,
		Source:  "scheduler",
		Message: "exploration finished",
		Metadata: map[string]interface{}{
			"trigger":   string(trigger),
			"items":     len(items),
			"new_items": added,
		},
	})
	return added, nil
}

func (s *Scheduler) unblockedTasks() []string {
	if s.config.UnblockedTasks == nil {
		return nil
	}
	return s.config.UnblockedTasks()
}

// collectWorldItems converts world.news.item events into typed items.
func collectWorldItems(evs []events.Event) []notebook.WorldItem {
	var items []notebook.WorldItem
	for _, ev := range evs {
		if ev.Type != events.TypeWorldNewsItem {
			continue
		}
		it := notebook.WorldItem{Sensor: ev.Source}
		if v, ok := ev.Metadata["id"].(string); ok {
			it.ID = v
		}
		if v, ok := ev.Metadata["title"].(string); ok {
			it.Title = v
		}
		if v, ok := ev.Metadata["url"].(string); ok {
			it.URL = v
		}
		if v, ok := ev.Metadata["summary"].(string); ok {
			it.Summary = v
		}
		if it.Title == "" {
			it.Title = ev.Message
		}
		items = append(items, it.EnsureID())
	}
	return items
}

func isHousekeeping(ev events.Event) bool {
	if ev.Source == "scheduler" {
		return true
	}
	return ev.Type == events.TypeSensorTickError
}

// jitter spreads d by ±ratio, clamped to at least 50ms.
func jitter(d time.Duration, ratio float64) time.Duration {
	f := 1 + ratio*(2*rand.Float64()-1)
	j := time.Duration(float64(d) * f)
	if j < 50*time.Millisecond {
		j = 50 * time.Millisecond
	}
	return j
}
