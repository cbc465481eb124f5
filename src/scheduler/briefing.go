package scheduler

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/notebook"
	"github.com/stake-plus/gosling/src/state"
)

const briefingStateVersion = 1

// recurringErrorThreshold is how many times the same error signature must
// repeat before it becomes briefing signal.
const recurringErrorThreshold = 3

type BriefingState struct {
	Version              int       `json:"version"`
	Day                  string    `json:"day"`
	BriefingsToday       int       `json:"briefings_today"`
	LastBriefingTs       time.Time `json:"last_briefing_ts,omitempty"`
	BriefedItemIDs       []string  `json:"briefed_item_ids"`
	LastMissionReviewDay string    `json:"last_mission_review_day,omitempty"`
}

// briefingTracker enforces the briefing throttle: a briefing goes out only
// when there is new signal, the per-day cap is not exhausted, and the
// cooldown since the last briefing has elapsed.
type briefingTracker struct {
	mu     sync.Mutex
	config Config
	path   string
	st     BriefingState

	errCounts map[uint64]int
	errSample map[uint64]string
}

func loadBriefingTracker(config Config) *briefingTracker {
	t := &briefingTracker{
		config:    config,
		path:      filepath.Join(config.StateDir, "briefing_state.json"),
		errCounts: make(map[uint64]int),
		errSample: make(map[uint64]string),
	}
	t.st = BriefingState{Version: briefingStateVersion}
	state.Load(t.path, briefingStateVersion, &t.st)
	t.st.Version = briefingStateVersion
	return t
}

// observeError counts error signatures for the recurring-error signal.
func (t *briefingTracker) observeError(ev events.Event) {
	if ev.Severity != events.SeverityError && ev.Severity != events.SeverityCritical {
		return
	}
	sig := xxhash.ChecksumString64(ev.Message)

	t.mu.Lock()
	t.errCounts[sig]++
	if _, ok := t.errSample[sig]; !ok {
		t.errSample[sig] = ev.Message
	}
	t.mu.Unlock()
}

// rollover resets the per-day counters the first time a tick observes a new
// calendar day.
func (t *briefingTracker) rollover(day string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.Day == day {
		return
	}
	t.st.Day = day
	t.st.BriefingsToday = 0
	t.st.LastBriefingTs = time.Time{}
	t.st.BriefedItemIDs = nil
	t.st.LastMissionReviewDay = ""
	t.errCounts = make(map[uint64]int)
	t.errSample = make(map[uint64]string)
	t.save()
}

func (t *briefingTracker) missionReviewDue(day string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.LastMissionReviewDay != day
}

func (t *briefingTracker) markMissionReview(day string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.LastMissionReviewDay = day
	t.save()
}

// maybeBrief emits at most one briefing, and only when gated signal exists.
// Cited item IDs are marked briefed so they are never cited again even while
// they remain new to the notebook dedup.
func (t *briefingTracker) maybeBrief(now time.Time, items []notebook.WorldItem, unblocked []string) {
	t.mu.Lock()

	var fresh []notebook.WorldItem
	briefed := make(map[string]struct{}, len(t.st.BriefedItemIDs))
	for _, id := range t.st.BriefedItemIDs {
		briefed[id] = struct{}{}
	}
	for _, it := range items {
		if _, ok := briefed[it.ID]; !ok {
			fresh = append(fresh, it)
		}
	}

	var recurring string
	for sig, n := range t.errCounts {
		if n >= recurringErrorThreshold {
			recurring = t.errSample[sig]
			break
		}
	}

	hasSignal := len(fresh) > 0 || len(unblocked) > 0 || recurring != ""
	underCap := t.st.BriefingsToday < t.config.BriefingMaxPerDay
	cooled := t.st.LastBriefingTs.IsZero() || now.Sub(t.st.LastBriefingTs) >= t.config.BriefingCooldown

	if !hasSignal || !underCap || !cooled {
		t.mu.Unlock()
		return
	}

	ids := make([]string, 0, len(fresh))
	titles := make([]string, 0, len(fresh))
	for _, it := range fresh {
		ids = append(ids, it.ID)
		titles = append(titles, it.Title)
	}

	t.st.BriefingsToday++
	t.st.LastBriefingTs = now
	t.st.BriefedItemIDs = append(t.st.BriefedItemIDs, ids...)
	if over := len(t.st.BriefedItemIDs) - t.config.BriefedIDCap; over > 0 {
		t.st.BriefedItemIDs = t.st.BriefedItemIDs[over:]
	}
	if recurring != "" {
		t.errCounts = make(map[uint64]int)
		t.errSample = make(map[uint64]string)
	}
	t.save()
	count := t.st.BriefingsToday
	t.mu.Unlock()

	md := map[string]interface{}{
		"briefings_today": count,
		"new_items":       len(fresh),
	}
	if len(ids) > 0 {
		md["item_ids"] = ids
		md["titles"] = titles
	}
	if len(unblocked) > 0 {
		md["unblocked_tasks"] = unblocked
	}
	if recurring != "" {
		md["recurring_error"] = recurring
	}

	t.config.Bus.Publish(events.Event{
		Type:     events.TypeBriefing,
		Source:   "scheduler",
		Message:  briefingSummary(len(fresh), len(unblocked), recurring),
		Metadata: md,
	})
}

func briefingSummary(items, unblocked int, recurring string) string {
	msg := fmt.Sprintf("briefing: %d new items, %d unblocked tasks", items, unblocked)
	if recurring != "" {
		msg += ", recurring error detected"
	}
	return msg
}

// save persists wholesale. Caller holds t.mu.
func (t *briefingTracker) save() {
	_ = state.Save(t.path, t.st)
}
