package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is the normalized form of a parsed schedule phrase.
type Schedule struct {
	Kind     string         `json:"kind"` // daily | weekly
	Hour     int            `json:"hour"`
	Minute   int            `json:"minute"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

const (
	KindDaily  = "daily"
	KindWeekly = "weekly"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

const dayWords = `day|weekday|sunday|monday|tuesday|wednesday|thursday|friday|saturday`
const timeExpr = `[0-9]{1,2}(?::[0-9]{2})?\s*(?:am|pm)?`

var (
	// "every day at 3pm ..." / "... every monday at 14:00"
	everyAtRe = regexp.MustCompile(`(?i)\bevery\s+(` + dayWords + `)s?\s+at\s+(` + timeExpr + `)\b`)
	// "at 09:30 every weekday ..."
	atEveryRe = regexp.MustCompile(`(?i)\bat\s+(` + timeExpr + `)\s+every\s+(` + dayWords + `)s?\b`)
)

// ParseSchedule extracts a schedule and a cleaned action from one of the
// supported phrase shapes. Anything that does not match a supported shape is
// rejected with guidance; free text must never silently become a job.
func ParseSchedule(text string) (Schedule, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Schedule{}, "", fmt.Errorf("empty schedule text")
	}

	var dayWord, timeStr string
	var loc []int

	if m := everyAtRe.FindStringSubmatchIndex(text); m != nil {
		dayWord = strings.ToLower(text[m[2]:m[3]])
		timeStr = text[m[4]:m[5]]
		loc = m[:2]
	} else if m := atEveryRe.FindStringSubmatchIndex(text); m != nil {
		timeStr = text[m[2]:m[3]]
		dayWord = strings.ToLower(text[m[4]:m[5]])
		loc = m[:2]
	} else {
		return Schedule{}, "", fmt.Errorf(
			"could not understand the schedule; try \"every day at 3pm <action>\" or \"<action> every monday at 14:00\"")
	}

	hour, minute, err := parseClock(timeStr)
	if err != nil {
		return Schedule{}, "", err
	}

	sched := Schedule{Hour: hour, Minute: minute}
	switch dayWord {
	case "day":
		sched.Kind = KindDaily
	case "weekday":
		sched.Kind = KindWeekly
		sched.Weekdays = []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		}
	default:
		sched.Kind = KindWeekly
		sched.Weekdays = []time.Weekday{weekdayNames[dayWord]}
	}

	action := strings.TrimSpace(text[:loc[0]] + " " + text[loc[1]:])
	action = strings.Trim(action, " ,.;:")
	if action == "" {
		return Schedule{}, "", fmt.Errorf("the schedule needs an action, e.g. \"every day at 3pm send me a summary\"")
	}
	return sched, action, nil
}

// parseClock accepts 24-hour ("14:00", "09:30") and 12-hour ("3pm",
// "11:15am") forms. A bare number without a colon or am/pm marker is
// ambiguous and rejected.
func parseClock(s string) (int, int, error) {
	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))

	meridiem := ""
	if strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm") {
		meridiem = s[len(s)-2:]
		s = s[:len(s)-2]
	}

	hourStr, minuteStr := s, "0"
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hourStr, minuteStr = s[:i], s[i+1:]
	} else if meridiem == "" {
		return 0, 0, fmt.Errorf("ambiguous time %q; use 14:00 or 2pm", s)
	}

	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err := strconv.Atoi(minuteStr)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}

	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("bad 12-hour time %q", s)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("bad 12-hour time %q", s)
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour < 0 || hour > 23 {
			return 0, 0, fmt.Errorf("bad 24-hour time %q", s)
		}
	}
	return hour, minute, nil
}

// Label renders the schedule in a stable human-readable form.
func (s Schedule) Label() string {
	clock := fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
	if s.Kind == KindDaily {
		return "daily at " + clock
	}
	names := make([]string, len(s.Weekdays))
	for i, wd := range s.Weekdays {
		names[i] = wd.String()[:3]
	}
	return "weekly on " + strings.Join(names, ",") + " at " + clock
}

// matchesDay reports whether the schedule fires on the given weekday.
func (s Schedule) matchesDay(wd time.Weekday) bool {
	if s.Kind == KindDaily {
		return true
	}
	for _, d := range s.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// runKey is the idempotence token for a scheduled slot on a given day.
func (s Schedule) runKey(now time.Time) string {
	return fmt.Sprintf("%s@%02d:%02d", now.Format("2006-01-02"), s.Hour, s.Minute)
}
