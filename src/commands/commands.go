// Package commands routes command-shaped inbound text to the agent's
// administrative operations. Pairing-related traffic never reaches here; the
// daemon gives the pairing layer first refusal.
package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/jobs"
	"github.com/stake-plus/gosling/src/pairing"
	"github.com/stake-plus/gosling/src/scheduler"
	"github.com/stake-plus/gosling/src/sensors"
	"github.com/stake-plus/gosling/src/transport"
)

type Config struct {
	Bus       *events.Bus
	Pairing   *pairing.Service
	Jobs      *jobs.Store
	Scheduler *scheduler.Scheduler
	Runner    *sensors.Runner
	Transport transport.Transport

	AgentName string
	StateDir  string
	StartedAt time.Time
}

type Router struct {
	config Config
}

func NewRouter(config Config) *Router {
	if config.StartedAt.IsZero() {
		config.StartedAt = time.Now()
	}
	return &Router{config: config}
}

// Tokenize splits inbound text into (command, rest). A leading agent-name
// prefix ("gosling, status" or "@gosling status") or slash ("/status") is
// stripped; the first token is lower-cased. ok is false for empty input.
func Tokenize(text, agentName string) (command, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if agentName != "" {
		lower := strings.ToLower(text)
		for _, prefix := range []string{"@" + strings.ToLower(agentName), strings.ToLower(agentName)} {
			if strings.HasPrefix(lower, prefix) {
				text = strings.TrimSpace(text[len(prefix):])
				text = strings.TrimSpace(strings.TrimLeft(text, ",:"))
				break
			}
		}
	}
	text = strings.TrimPrefix(text, "/")
	if text == "" {
		return "", "", false
	}
	parts := strings.SplitN(text, " ", 2)
	command = strings.ToLower(parts[0])
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return command, rest, true
}

var known = map[string]bool{
	"help": true, "status": true, "doctor": true, "pair": true,
	"reimprint": true, "jobs": true, "schedule": true,
	"unschedule": true, "explore": true,
}

// HandleMessage implements the daemon's message handler. Non-command operator
// text only counts as activity; non-command stranger text is ignored.
func (r *Router) HandleMessage(ctx context.Context, msg *transport.Message) {
	command, rest, ok := Tokenize(msg.Content, r.config.AgentName)
	if !ok || !known[command] {
		if r.config.Pairing.IsOperator(msg.SenderID) && r.config.Scheduler != nil {
			r.config.Scheduler.HandleInput(msg.Content)
		}
		return
	}

	if command != "help" && !r.config.Pairing.Allowed(msg.SenderID, command) {
		r.config.Bus.Publish(events.Event{
			Type:     events.TypeCommandRejected,
			Source:   "commands",
			Severity: events.SeverityWarn,
			Message:  "unauthorized command attempt",
			Metadata: map[string]interface{}{
				"sender":  msg.SenderID,
				"command": command,
			},
		})
		r.reply(ctx, msg.SenderID, "Sorry, that command is operator-only.")
		return
	}

	if r.config.Scheduler != nil {
		r.config.Scheduler.HandleInput(msg.Content)
	}

	var response string
	switch command {
	case "help":
		response = r.help()
	case "status":
		response = r.status()
	case "doctor":
		response = r.doctor()
	case "pair":
		response = r.pair(ctx, rest)
	case "reimprint":
		response = r.reimprint(msg.SenderID, rest)
	case "jobs":
		response = r.listJobs()
	case "schedule":
		response = r.schedule(rest)
	case "unschedule":
		response = r.unschedule(rest)
	case "explore":
		response = r.explore(ctx, rest)
	}
	if response != "" {
		r.reply(ctx, msg.SenderID, response)
	}
}

func (r *Router) reply(ctx context.Context, identity, text string) {
	if err := r.config.Transport.SendDirectMessage(ctx, identity, text); err != nil {
		log.Printf("commands: reply to %s: %v", identity, err)
	}
}

func (r *Router) help() string {
	return strings.Join([]string{
		"Commands:",
		"  help                     this text",
		"  status                   uptime, pairing, jobs, sensors",
		"  doctor                   self-check of state and transport",
		"  pair <code>              complete pairing with an issued code",
		"  reimprint " + pairing.ReimprintPhrase + "  forget the operator and reopen pairing",
		"  jobs                     list scheduled jobs",
		"  schedule <phrase>        e.g. schedule fetch news every day at 9am",
		"  unschedule <id>          remove a job",
		"  explore [topic]          run an exploration now",
	}, "\n")
}

func (r *Router) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s up %s\n", r.config.AgentName, time.Since(r.config.StartedAt).Round(time.Second))
	if op := r.config.Pairing.Operator(); op != nil {
		fmt.Fprintf(&b, "operator: %s (paired %s)\n", op.OperatorID, op.PairedAt.Format("2006-01-02"))
	} else {
		b.WriteString("operator: not paired\n")
	}
	jobList := r.config.Jobs.List()
	enabled := 0
	for _, j := range jobList {
		if j.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(&b, "jobs: %d (%d enabled)\n", len(jobList), enabled)
	if r.config.Runner != nil {
		names := r.config.Runner.Names()
		sort.Strings(names)
		fmt.Fprintf(&b, "sensors: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "events written: %d", r.config.Bus.EventsWritten())
	return b.String()
}

// doctor runs cheap self-checks and reports each as ok or failed.
func (r *Router) doctor() string {
	var checks []string
	check := func(name string, err error) {
		if err != nil {
			checks = append(checks, fmt.Sprintf("FAIL %s: %v", name, err))
		} else {
			checks = append(checks, "ok   "+name)
		}
	}

	probe := filepath.Join(r.config.StateDir, ".doctor")
	err := os.WriteFile(probe, []byte("ok"), 0o644)
	if err == nil {
		os.Remove(probe)
	}
	check("state dir writable", err)

	if r.config.Pairing.Paired() {
		check("operator record", nil)
	} else {
		check("operator record", fmt.Errorf("not paired yet"))
	}

	if n := len(r.config.Jobs.List()); n > jobs.MaxJobs-16 {
		check("job capacity", fmt.Errorf("%d of %d slots used", n, jobs.MaxJobs))
	} else {
		check("job capacity", nil)
	}

	return "Self-check:\n" + strings.Join(checks, "\n")
}

func (r *Router) pair(ctx context.Context, code string) string {
	if r.config.Pairing.Paired() {
		return "Already paired. Use reimprint to start over."
	}
	if code == "" {
		return "Usage: pair <code>"
	}
	ok, err := r.config.Pairing.ConfirmLocal(ctx, code)
	if err != nil {
		return "Pairing failed: " + err.Error()
	}
	if !ok {
		return "That code does not match."
	}
	return "Paired."
}

func (r *Router) reimprint(senderID, phrase string) string {
	if err := r.config.Pairing.Reimprint(senderID, phrase); err != nil {
		return fmt.Sprintf("Re-imprint refused: %v. Send: reimprint %s", err, pairing.ReimprintPhrase)
	}
	return "Operator record cleared. The next sender to complete a challenge becomes operator."
}

func (r *Router) listJobs() string {
	jobList := r.config.Jobs.List()
	if len(jobList) == 0 {
		return "No jobs scheduled."
	}
	var b strings.Builder
	b.WriteString("Jobs:\n")
	for _, j := range jobList {
		state := "on"
		if !j.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "  %s [%s] %s (%s, ran %d times)\n",
			j.ID, state, j.Action, j.Schedule.Label(), j.RunCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) schedule(text string) string {
	if text == "" {
		return "Usage: schedule <action> every day at 3pm (or: every monday at 14:00, at 09:30 every weekday)"
	}
	job, err := r.config.Jobs.Add(text)
	if err != nil {
		return "Could not schedule that: " + err.Error()
	}
	r.config.Bus.Publish(events.Event{
		Type:    events.TypeJobScheduled,
		Source:  "commands",
		Message: "job scheduled",
		Metadata: map[string]interface{}{
			"job_id":   job.ID,
			"schedule": job.Schedule.Label(),
		},
	})
	return fmt.Sprintf("Scheduled %s: %q %s.", job.ID, job.Action, job.Schedule.Label())
}

func (r *Router) unschedule(id string) string {
	if id == "" {
		return "Usage: unschedule <id>"
	}
	if err := r.config.Jobs.Remove(id); err != nil {
		return "Could not remove that job: " + err.Error()
	}
	return "Removed " + id + "."
}

func (r *Router) explore(ctx context.Context, topic string) string {
	topic, added, err := r.config.Scheduler.RequestExplore(ctx, topic)
	if err != nil {
		return "Exploration failed: " + err.Error()
	}
	return fmt.Sprintf("Explored %q, %d new items in the notebook.", topic, added)
}
