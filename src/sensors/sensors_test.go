package sensors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stake-plus/gosling/src/events"
)

type fakeSensor struct {
	name     string
	interval time.Duration
	ticks    int
	fail     bool
	emit     []events.Event
}

func (f *fakeSensor) Name() string            { return f.name }
func (f *fakeSensor) Interval() time.Duration { return f.interval }

func (f *fakeSensor) Tick(ctx context.Context, sc Context) ([]events.Event, error) {
	f.ticks++
	if f.fail {
		return nil, errors.New("fetch failed")
	}
	return f.emit, nil
}

func TestCadenceGateSkipsWithinInterval(t *testing.T) {
	bus := events.NewBus()
	r := NewRunner(bus)
	s := &fakeSensor{name: "news", interval: time.Hour, emit: []events.Event{{Type: events.TypeWorldNewsItem}}}
	r.Register(s)

	sc := Context{Trigger: TriggerCadence}
	first := r.RunAll(context.Background(), sc)
	if len(first) != 1 {
		t.Fatalf("first cadence tick: expected 1 event, got %d", len(first))
	}

	second := r.RunAll(context.Background(), sc)
	if len(second) != 0 {
		t.Errorf("second cadence tick within interval: expected 0 events, got %d", len(second))
	}
	if s.ticks != 1 {
		t.Errorf("sensor ticked %d times, want 1", s.ticks)
	}
}

func TestManualTriggerBypassesGate(t *testing.T) {
	bus := events.NewBus()
	r := NewRunner(bus)
	s := &fakeSensor{name: "news", interval: time.Hour, emit: []events.Event{{Type: events.TypeWorldNewsItem}}}
	r.Register(s)

	r.RunAll(context.Background(), Context{Trigger: TriggerCadence})

	got := r.RunAll(context.Background(), Context{Trigger: TriggerManual})
	if len(got) != 1 {
		t.Errorf("manual tick right after cadence: expected 1 event, got %d", len(got))
	}

	got = r.RunAll(context.Background(), Context{Trigger: TriggerBoredom})
	if len(got) != 1 {
		t.Errorf("boredom tick: expected 1 event, got %d", len(got))
	}
}

func TestFailingSensorIsIsolated(t *testing.T) {
	bus := events.NewBus()
	var published []events.Event
	bus.Subscribe(func(ev events.Event) { published = append(published, ev) })

	r := NewRunner(bus)
	r.Register(&fakeSensor{name: "broken", fail: true})
	r.Register(&fakeSensor{name: "ok", emit: []events.Event{{Type: events.TypeWorldNewsItem}}})

	got := r.RunAll(context.Background(), Context{Trigger: TriggerManual})
	if len(got) != 1 {
		t.Errorf("expected healthy sensor output, got %d events", len(got))
	}

	found := false
	for _, ev := range published {
		if ev.Type == events.TypeSensorTickError && ev.Source == "broken" {
			if ev.Severity != events.SeverityWarn {
				t.Errorf("tick error severity = %q, want warn", ev.Severity)
			}
			found = true
		}
	}
	if !found {
		t.Error("expected a sensor.tick.error event for the broken sensor")
	}
}

func TestSeenSetDedupAndEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.json")
	s := LoadSeenSet(path, 3)

	for _, id := range []string{"a", "b", "c"} {
		if !s.AddIfNew(id) {
			t.Errorf("first add of %q should be new", id)
		}
	}
	if s.AddIfNew("b") {
		t.Error("duplicate add should return false")
	}

	// Over capacity: "a" is the oldest and goes first.
	s.AddIfNew("d")
	if s.Seen("a") {
		t.Error("oldest entry should have been evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !s.Seen(id) {
			t.Errorf("%q should still be present", id)
		}
	}
}

func TestHackerNewsPartialFailureRedeliversAll(t *testing.T) {
	var storyTwoCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/topstories.json":
			fmt.Fprint(w, "[1,2]")
		case "/item/1.json":
			fmt.Fprint(w, `{"id":1,"title":"Story One","score":10,"by":"alice"}`)
		case "/item/2.json":
			storyTwoCalls++
			if storyTwoCalls == 1 {
				http.Error(w, "upstream hiccup", http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"id":2,"title":"Story Two","score":5,"by":"bob"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHackerNews(t.TempDir(), time.Hour)
	h.baseURL = srv.URL

	if _, err := h.Tick(context.Background(), Context{}); err == nil {
		t.Fatal("expected an error from the tick with a failing story fetch")
	}

	evs, err := h.Tick(context.Background(), Context{})
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	titles := make(map[string]bool)
	for _, ev := range evs {
		titles[ev.Message] = true
	}
	if !titles["Story One"] || !titles["Story Two"] {
		t.Errorf("second tick delivered %v, want both stories", titles)
	}

	// A clean tick marks everything, so a third pass is silent.
	evs, err = h.Tick(context.Background(), Context{})
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("third tick re-emitted %d stories", len(evs))
	}
}

func TestSeenSetSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.json")

	s := LoadSeenSet(path, 100)
	s.AddIfNew("item-1")
	s.AddIfNew("item-2")

	reloaded := LoadSeenSet(path, 100)
	if !reloaded.Seen("item-1") || !reloaded.Seen("item-2") {
		t.Error("seen set did not survive reload")
	}
	if reloaded.AddIfNew("item-1") {
		t.Error("reloaded set re-admitted a seen ID")
	}
}
