package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AgentName string
	StateDir  string
	LogPath   string

	Transport    string // "nostr" or "discord"
	NostrRelays  []string
	NostrKey     string
	DiscordToken string

	OperatorAddress string // when set, outbound pairing starts at boot
	Objectives      []string

	HeartbeatInterval time.Duration
	ExploreInterval   time.Duration
	JitterRatio       float64
	IdleDecay         time.Duration
	IdleExplore       time.Duration
	BriefingMaxPerDay int
	BriefingCooldown  time.Duration

	BurstWindow    time.Duration
	BurstThreshold int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64

	WebAddr      string
	ControlToken string
	JWTSecret    string

	RedisURL string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

func getenvOptional(key string) string {
	return os.Getenv(key)
}

func getduration(key, def string) time.Duration {
	d, err := time.ParseDuration(getenv(key, def))
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return d
}

func getint(key, def string) int {
	n, err := strconv.Atoi(getenv(key, def))
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return n
}

func getfloat(key, def string) float64 {
	f, err := strconv.ParseFloat(getenv(key, def), 64)
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return f
}

func getlist(key, def string) []string {
	var out []string
	for _, part := range strings.Split(getenv(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Load() Config {
	stateDir := getenv("STATE_DIR", "state")
	return Config{
		AgentName: getenv("AGENT_NAME", "gosling"),
		StateDir:  stateDir,
		LogPath:   getenv("EVENT_LOG", stateDir+"/events.ndjson"),

		Transport:    getenv("TRANSPORT", "nostr"),
		NostrRelays:  getlist("NOSTR_RELAYS", "wss://relay.damus.io,wss://nos.lol"),
		NostrKey:     getenvOptional("NOSTR_KEY"),
		DiscordToken: getenvOptional("DISCORD_TOKEN"),

		OperatorAddress: getenvOptional("OPERATOR_ADDRESS"),
		Objectives:      getlist("OBJECTIVES", "keep the operator informed"),

		HeartbeatInterval: getduration("HEARTBEAT_INTERVAL", "30s"),
		ExploreInterval:   getduration("EXPLORE_INTERVAL", "15m"),
		JitterRatio:       getfloat("JITTER_RATIO", "0.2"),
		IdleDecay:         getduration("IDLE_DECAY", "10m"),
		IdleExplore:       getduration("IDLE_EXPLORE", "45m"),
		BriefingMaxPerDay: getint("BRIEFING_MAX_PER_DAY", "6"),
		BriefingCooldown:  getduration("BRIEFING_COOLDOWN", "45m"),

		BurstWindow:    getduration("BURST_WINDOW", "18s"),
		BurstThreshold: getint("BURST_THRESHOLD", "3"),
		BackoffBase:    getduration("BACKOFF_BASE", "2s"),
		BackoffMax:     getduration("BACKOFF_MAX", "2m"),
		BackoffJitter:  getfloat("BACKOFF_JITTER", "0.3"),

		WebAddr:      getenv("WEB_ADDR", "127.0.0.1:7777"),
		ControlToken: getenvOptional("CONTROL_TOKEN"),
		JWTSecret:    getenv("JWT_SECRET", "change-me-before-exposing"),

		RedisURL: getenvOptional("REDIS_URL"),
	}
}
