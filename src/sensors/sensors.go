// Package sensors defines the contract between the runtime scheduler and the
// external-signal sensors that feed it. Concrete sensors (feed readers,
// scrapers) live outside the core; they are registered explicitly on a Runner
// at startup.
package sensors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stake-plus/gosling/src/events"
)

type Trigger string

const (
	TriggerCadence Trigger = "cadence"
	TriggerManual  Trigger = "manual"
	TriggerBoredom Trigger = "boredom"
)

// Context carries everything a sensor may need for one tick.
type Context struct {
	StateDir   string
	Timeout    time.Duration
	Identity   string // user-agent-equivalent string for outbound requests
	Objectives []string
	Trigger    Trigger
}

type Sensor interface {
	Name() string
	// Interval is the minimum gap between cadence-triggered polls. Manual and
	// boredom triggers bypass it.
	Interval() time.Duration
	Tick(ctx context.Context, sc Context) ([]events.Event, error)
}

// Runner owns the registered sensor set and the per-sensor poll gate.
type Runner struct {
	mu       sync.Mutex
	sensors  []Sensor
	nextPoll map[string]time.Time
	bus      *events.Bus
}

func NewRunner(bus *events.Bus) *Runner {
	return &Runner{
		nextPoll: make(map[string]time.Time),
		bus:      bus,
	}
}

func (r *Runner) Register(s Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors = append(r.sensors, s)
}

func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sensors))
	for _, s := range r.sensors {
		names = append(names, s.Name())
	}
	return names
}

// RunAll ticks every registered sensor, honoring the poll gate for cadence
// triggers and bypassing it otherwise. A sensor failure is reported as a
// sensor.tick.error event and skips that sensor for this cycle only.
func (r *Runner) RunAll(ctx context.Context, sc Context) []events.Event {
	r.mu.Lock()
	sensors := make([]Sensor, len(r.sensors))
	copy(sensors, r.sensors)
	r.mu.Unlock()

	now := time.Now()
	var out []events.Event

	for _, s := range sensors {
		if sc.Trigger == TriggerCadence {
			r.mu.Lock()
			next, ok := r.nextPoll[s.Name()]
			r.mu.Unlock()
			if ok && now.Before(next) {
				continue
			}
		}

		tctx := ctx
		var cancel context.CancelFunc
		if sc.Timeout > 0 {
			tctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		}
		evs, err := s.Tick(tctx, sc)
		if cancel != nil {
			cancel()
		}

		r.mu.Lock()
		r.nextPoll[s.Name()] = now.Add(s.Interval())
		r.mu.Unlock()

		if err != nil {
			r.bus.Publish(events.Event{
				Type:     events.TypeSensorTickError,
				Severity: events.SeverityWarn,
				Source:   s.Name(),
				Message:  fmt.Sprintf("sensor tick failed: %v", err),
			})
			continue
		}
		out = append(out, evs...)
	}
	return out
}
