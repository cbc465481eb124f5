package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stake-plus/gosling/src/commands"
	"github.com/stake-plus/gosling/src/config"
	"github.com/stake-plus/gosling/src/daemon"
	"github.com/stake-plus/gosling/src/data"
	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/jobs"
	"github.com/stake-plus/gosling/src/notebook"
	"github.com/stake-plus/gosling/src/pairing"
	"github.com/stake-plus/gosling/src/scheduler"
	"github.com/stake-plus/gosling/src/sensors"
	"github.com/stake-plus/gosling/src/transport"
	"github.com/stake-plus/gosling/src/transport/discord"
	"github.com/stake-plus/gosling/src/transport/nostrchat"
	"github.com/stake-plus/gosling/src/webserver"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatalf("state dir: %v", err)
	}

	bus := events.NewBus()
	if err := bus.SetLogPath(cfg.LogPath); err != nil {
		log.Fatalf("event log: %v", err)
	}
	bus.Publish(events.Event{
		Type:    events.TypeAgentStarted,
		Source:  "main",
		Message: cfg.AgentName + " starting",
	})

	tp := buildTransport(cfg)

	pairingSvc := pairing.NewService(pairing.Config{
		StateDir:  cfg.StateDir,
		Bus:       bus,
		Send:      tp.SendDirectMessage,
		AgentName: cfg.AgentName,
	})

	jobStore := jobs.NewStore(cfg.StateDir)

	runner := sensors.NewRunner(bus)
	runner.Register(sensors.NewHackerNews(cfg.StateDir, cfg.ExploreInterval))

	sched := scheduler.New(scheduler.Config{
		Bus:               bus,
		Runner:            runner,
		Book:              notebook.New(cfg.StateDir),
		StateDir:          cfg.StateDir,
		Identity:          cfg.AgentName + "-agent",
		Objectives:        cfg.Objectives,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ExploreInterval:   cfg.ExploreInterval,
		JitterRatio:       cfg.JitterRatio,
		IdleDecay:         cfg.IdleDecay,
		IdleExplore:       cfg.IdleExplore,
		BriefingMaxPerDay: cfg.BriefingMaxPerDay,
		BriefingCooldown:  cfg.BriefingCooldown,
	})

	router := commands.NewRouter(commands.Config{
		Bus:       bus,
		Pairing:   pairingSvc,
		Jobs:      jobStore,
		Scheduler: sched,
		Runner:    runner,
		Transport: tp,
		AgentName: cfg.AgentName,
		StateDir:  cfg.StateDir,
	})

	dmn := daemon.New(daemon.Config{
		Bus:            bus,
		Transport:      tp,
		Pairing:        pairingSvc,
		Handler:        router,
		BurstWindow:    cfg.BurstWindow,
		BurstThreshold: cfg.BurstThreshold,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		BackoffJitter:  cfg.BackoffJitter,
	})

	web := webserver.New(webserver.Config{
		Addr:         cfg.WebAddr,
		ControlToken: cfg.ControlToken,
		JWTSecret:    cfg.JWTSecret,
		Bus:          bus,
		Pairing:      pairingSvc,
		Jobs:         jobStore,
		Scheduler:    sched,
		AgentName:    cfg.AgentName,
	})

	var mirrorStop func()
	if cfg.RedisURL != "" {
		mirrorStop = data.MirrorEvents(bus, data.MustRedis(cfg.RedisURL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start()
	dmn.Start()
	web.Start()
	go jobLoop(ctx, bus, jobStore, tp, pairingSvc)

	if cfg.OperatorAddress != "" && !pairingSvc.Paired() {
		addr := canonicalAddress(tp, cfg.OperatorAddress)
		if code, err := pairingSvc.BeginOutbound(ctx, addr); err != nil {
			log.Printf("main: outbound pairing: %v", err)
		} else {
			log.Printf("main: pairing code sent to %s (code %s)", addr, code)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	bus.Publish(events.Event{
		Type:    events.TypeAgentStopped,
		Source:  "main",
		Message: cfg.AgentName + " stopping",
	})

	cancel()
	dmn.Stop()
	sched.Stop()
	web.Stop(context.Background())
	if mirrorStop != nil {
		mirrorStop()
	}
	bus.Close()
}

func buildTransport(cfg config.Config) transport.Transport {
	switch cfg.Transport {
	case "discord":
		tp, err := discord.New(discord.Config{Token: cfg.DiscordToken})
		if err != nil {
			log.Fatalf("discord transport: %v", err)
		}
		return tp
	case "nostr":
		tp, err := nostrchat.New(nostrchat.Config{
			Relays:     cfg.NostrRelays,
			PrivateKey: cfg.NostrKey,
		})
		if err != nil {
			log.Fatalf("nostr transport: %v", err)
		}
		return tp
	default:
		log.Fatalf("unknown transport %q", cfg.Transport)
		return nil
	}
}

// canonicalAddress maps a configured operator address onto the identity form
// inbound messages carry, so reply confirmation and the imprinted operator
// record match real senders (an npub becomes the hex pubkey). Addresses the
// transport cannot resolve are used as given.
func canonicalAddress(tp transport.Transport, addr string) string {
	conv, err := tp.ResolveConversation(addr)
	if err != nil || conv.PeerID == "" {
		return addr
	}
	return conv.PeerID
}

// jobLoop polls once a minute; the claim discipline in the store guarantees a
// slot fires at most once no matter how the poll cadence drifts.
func jobLoop(ctx context.Context, bus *events.Bus, store *jobs.Store, tp transport.Transport, pairingSvc *pairing.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, job := range store.ClaimDueJobs(now) {
				bus.Publish(events.Event{
					Type:    events.TypeJobFired,
					Source:  "jobs",
					Message: job.Action,
					Metadata: map[string]interface{}{
						"job_id":  job.ID,
						"run_key": job.LastRunKey,
					},
				})
				if op := pairingSvc.Operator(); op != nil {
					text := "Scheduled reminder: " + job.Action
					if err := tp.SendDirectMessage(ctx, op.OperatorID, text); err != nil {
						store.RecordError(job.ID, err.Error())
						bus.Publish(events.Event{
							Type:     events.TypeJobError,
							Source:   "jobs",
							Severity: events.SeverityWarn,
							Message:  err.Error(),
							Metadata: map[string]interface{}{"job_id": job.ID},
						})
					}
				}
			}
		}
	}
}
