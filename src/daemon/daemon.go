// Package daemon runs the inbound message loop: it consumes the transport
// stream, detects error bursts, reconnects with capped jittered backoff, and
// dispatches messages to pairing and command handling.
package daemon

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/pairing"
	"github.com/stake-plus/gosling/src/transport"
)

// MessageHandler receives messages the pairing layer did not consume.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *transport.Message)
}

type Config struct {
	Bus       *events.Bus
	Transport transport.Transport
	Pairing   *pairing.Service
	Handler   MessageHandler

	BurstWindow    time.Duration // default 18s
	BurstThreshold int           // default 3

	BackoffBase   time.Duration // default 2s
	BackoffMax    time.Duration // default 2m
	BackoffJitter float64       // default 0.3

	HintCooldown time.Duration // default 5m
}

type Daemon struct {
	config Config
	hints  *RateLimiter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(config Config) *Daemon {
	if config.BurstWindow == 0 {
		config.BurstWindow = 18 * time.Second
	}
	if config.BurstThreshold == 0 {
		config.BurstThreshold = 3
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BackoffMax == 0 {
		config.BackoffMax = 2 * time.Minute
	}
	if config.BackoffJitter == 0 {
		config.BackoffJitter = 0.3
	}
	if config.HintCooldown == 0 {
		config.HintCooldown = 5 * time.Minute
	}
	return &Daemon{
		config: config,
		hints:  NewRateLimiter(config.HintCooldown),
	}
}

// Start launches the stream loop. Idempotent.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.run(ctx)
	log.Println("daemon: started")
}

// Stop cancels the loop and waits for it. Idempotent.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	log.Println("daemon: stopped")
}

func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()

	attempt := 0
	for ctx.Err() == nil {
		stream, err := d.config.Transport.Connect(ctx)
		if err != nil {
			d.hint(fmt.Sprintf("stream connect failed: %v (check network and transport credentials)", err))
			d.config.Bus.Publish(events.Event{
				Type:     events.TypeStreamReconnect,
				Source:   "daemon",
				Severity: events.SeverityWarn,
				Message:  "connect failed, backing off",
				Metadata: map[string]interface{}{"attempt": attempt, "error": err.Error()},
			})
			if !d.sleep(ctx, d.backoff(attempt)) {
				return
			}
			attempt++
			continue
		}

		d.config.Bus.Publish(events.Event{
			Type:    events.TypeStreamConnected,
			Source:  "daemon",
			Message: "stream connected",
		})

		attempt = d.consume(ctx, stream, attempt)
		if err := stream.Close(); err != nil {
			log.Printf("daemon: close stream: %v", err)
		}
		if ctx.Err() != nil {
			return
		}

		d.config.Bus.Publish(events.Event{
			Type:     events.TypeStreamReconnect,
			Source:   "daemon",
			Severity: events.SeverityWarn,
			Message:  "stream ended, reconnecting",
			Metadata: map[string]interface{}{"attempt": attempt},
		})
		if !d.sleep(ctx, d.backoff(attempt)) {
			return
		}
		attempt++
	}
}

// consume drains one stream until it dies, an error burst trips, or ctx is
// cancelled. It returns the reconnect attempt counter to carry forward: a
// successful item resets it to zero.
func (d *Daemon) consume(ctx context.Context, stream transport.Stream, attempt int) int {
	var errTimes []time.Time

	for {
		select {
		case <-ctx.Done():
			return attempt
		case item, ok := <-stream.Items():
			if !ok {
				return attempt
			}
			if item.Err != nil {
				d.config.Bus.Publish(events.Event{
					Type:     events.TypeStreamError,
					Source:   "daemon",
					Severity: events.SeverityWarn,
					Message:  item.Err.Error(),
				})
				now := time.Now()
				errTimes = append(errTimes, now)
				errTimes = pruneWindow(errTimes, now.Add(-d.config.BurstWindow))
				if len(errTimes) >= d.config.BurstThreshold {
					d.hint("stream is erroring in bursts; abandoning it and reconnecting")
					return attempt
				}
				continue
			}
			if item.Msg == nil {
				continue
			}
			attempt = 0
			errTimes = errTimes[:0]
			d.dispatch(ctx, item.Msg)
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, msg *transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("daemon: message handler panic: %v", r)
		}
	}()

	if d.config.Pairing != nil && d.config.Pairing.HandleInbound(ctx, msg.SenderID, msg.Content) {
		return
	}
	if d.config.Handler != nil {
		d.config.Handler.HandleMessage(ctx, msg)
	}
}

// backoff computes min(max, base * 2^attempt) stretched by up to +jitter.
func (d *Daemon) backoff(attempt int) time.Duration {
	delay := float64(d.config.BackoffBase) * math.Pow(2, float64(attempt))
	if capped := float64(d.config.BackoffMax); delay > capped {
		delay = capped
	}
	delay *= 1 + rand.Float64()*d.config.BackoffJitter
	return time.Duration(delay)
}

func (d *Daemon) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// hint logs a troubleshooting hint at most once per cooldown per distinct
// text, keyed by signature so repeated underlying errors do not flood the log.
func (d *Daemon) hint(text string) {
	sig := strconv.FormatUint(xxhash.ChecksumString64(text), 16)
	if !d.hints.CanUse(sig) {
		return
	}
	log.Printf("daemon: hint: %s", text)
}

// pruneWindow drops timestamps at or before the cutoff, in place.
func pruneWindow(ts []time.Time, cutoff time.Time) []time.Time {
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}
