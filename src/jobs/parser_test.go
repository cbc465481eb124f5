package jobs

import (
	"testing"
	"time"
)

func TestParseScheduleShapes(t *testing.T) {
	tests := []struct {
		text     string
		kind     string
		hour     int
		minute   int
		weekdays []time.Weekday
		action   string
	}{
		{
			text:   "every day at 3pm send me a market summary",
			kind:   KindDaily,
			hour:   15,
			action: "send me a market summary",
		},
		{
			text:   "every day at 12am rotate the daily log",
			kind:   KindDaily,
			hour:   0,
			action: "rotate the daily log",
		},
		{
			text:     "at 09:30 every weekday check the build queue",
			kind:     KindWeekly,
			hour:     9,
			minute:   30,
			weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			action:   "check the build queue",
		},
		{
			text:     "post the standup notes every monday at 14:00",
			kind:     KindWeekly,
			hour:     14,
			weekdays: []time.Weekday{time.Monday},
			action:   "post the standup notes",
		},
		{
			text:     "every sunday at 11:15am water the plants reminder",
			kind:     KindWeekly,
			hour:     11,
			minute:   15,
			weekdays: []time.Weekday{time.Sunday},
			action:   "water the plants reminder",
		},
		{
			text:   "every day at 23:59 snapshot state",
			kind:   KindDaily,
			hour:   23,
			minute: 59,
			action: "snapshot state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			sched, action, err := ParseSchedule(tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if sched.Kind != tt.kind || sched.Hour != tt.hour || sched.Minute != tt.minute {
				t.Errorf("got %s %02d:%02d, want %s %02d:%02d",
					sched.Kind, sched.Hour, sched.Minute, tt.kind, tt.hour, tt.minute)
			}
			if len(sched.Weekdays) != len(tt.weekdays) {
				t.Fatalf("weekdays = %v, want %v", sched.Weekdays, tt.weekdays)
			}
			for i := range tt.weekdays {
				if sched.Weekdays[i] != tt.weekdays[i] {
					t.Errorf("weekdays = %v, want %v", sched.Weekdays, tt.weekdays)
					break
				}
			}
			if action != tt.action {
				t.Errorf("action = %q, want %q", action, tt.action)
			}
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	bad := []string{
		"",
		"do something useful",
		"every day do the thing",       // no time
		"at 3 every day ping me",       // bare number, no am/pm or colon
		"every day at 25:00 ping me",   // invalid hour
		"every day at 10:75 ping me",   // invalid minute
		"every day at 13pm ping me",    // invalid 12-hour time
		"every fortnight at 3pm ping",  // unsupported cadence
		"every monday at 14:00",        // schedule without an action
		"remind me sometime tomorrow",  // free text
	}
	for _, text := range bad {
		if _, _, err := ParseSchedule(text); err == nil {
			t.Errorf("expected rejection for %q", text)
		}
	}
}

func TestLabelRoundTripStable(t *testing.T) {
	// Equivalent phrasings render to the same label.
	pairs := [][2]string{
		{"every day at 3pm ping", "every day at 15:00 ping"},
		{"at 09:30 every weekday ping", "ping every weekday at 9:30am"},
		{"every monday at 2pm ping", "ping every monday at 14:00"},
	}
	for _, p := range pairs {
		a, _, err := ParseSchedule(p[0])
		if err != nil {
			t.Fatal(err)
		}
		b, _, err := ParseSchedule(p[1])
		if err != nil {
			t.Fatal(err)
		}
		if a.Label() != b.Label() {
			t.Errorf("labels differ: %q (%s) vs %q (%s)", p[0], a.Label(), p[1], b.Label())
		}
	}
}

func TestParseClockEdges(t *testing.T) {
	tests := []struct {
		in     string
		hour   int
		minute int
	}{
		{"12am", 0, 0},
		{"12pm", 12, 0},
		{"12:30pm", 12, 30},
		{"00:00", 0, 0},
		{"1:05pm", 13, 5},
	}
	for _, tt := range tests {
		h, m, err := parseClock(tt.in)
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if h != tt.hour || m != tt.minute {
			t.Errorf("%q = %02d:%02d, want %02d:%02d", tt.in, h, m, tt.hour, tt.minute)
		}
	}
}

func TestRunKeyFormat(t *testing.T) {
	s := Schedule{Kind: KindDaily, Hour: 15, Minute: 0}
	now := time.Date(2026, 2, 19, 15, 1, 0, 0, time.UTC)
	if got := s.runKey(now); got != "2026-02-19@15:00" {
		t.Errorf("runKey = %q", got)
	}
}
