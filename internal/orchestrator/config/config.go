package config

import (
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the orchestrator configuration
type Config struct {
	// HTTP API settings
	HTTPAddr string
	LogLevel string

	// APISecret enables JWT bearer auth on the API when non-empty
	APISecret string

	// Workflow settings
	// TrunkPrefixes marks trunk/system addresses that are never a call's
	// far end (comma-separated prefixes)
	TrunkPrefixes []string
	SettleDelay   time.Duration

	// Session TTLs and registry sweep cadence
	AttendedTTL   time.Duration
	ConferenceTTL time.Duration
	MonitorTTL    time.Duration
	SweepInterval time.Duration

	// Monitor feature codes, dialed as code+target
	ObserveCode string
	BargeInCode string
	CoachCode   string

	// DatabaseDSN selects the Postgres permission store; empty keeps
	// permissions in memory
	DatabaseDSN string
}

// Load loads configuration from a .env file (if present), command line flags
// and environment variables. Environment variables win over flags.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.HTTPAddr, "http", ":8080", "HTTP API listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.APISecret, "apisecret", "", "JWT secret for API auth (empty disables auth)")
	flag.DurationVar(&cfg.SettleDelay, "settle", time.Second, "Wait after provider commands before re-querying state")
	flag.DurationVar(&cfg.AttendedTTL, "attended-ttl", 5*time.Minute, "Attended transfer session TTL")
	flag.DurationVar(&cfg.ConferenceTTL, "conference-ttl", 30*time.Minute, "Conference session TTL")
	flag.DurationVar(&cfg.MonitorTTL, "monitor-ttl", 30*time.Minute, "Monitor session TTL")
	flag.DurationVar(&cfg.SweepInterval, "sweep", 30*time.Second, "Registry expiry sweep interval")
	flag.StringVar(&cfg.ObserveCode, "observe-code", "#99", "Feature code for silent observe")
	flag.StringVar(&cfg.BargeInCode, "bargein-code", "#98", "Feature code for barge-in")
	flag.StringVar(&cfg.CoachCode, "coach-code", "#96", "Feature code for coach")
	flag.StringVar(&cfg.DatabaseDSN, "db", "", "Postgres DSN for the permission store (empty keeps it in memory)")

	var trunkPrefixes string
	flag.StringVar(&trunkPrefixes, "trunks", "49", "Trunk address prefixes (comma-separated)")

	flag.Parse()

	cfg.TrunkPrefixes = parsePrefixList(trunkPrefixes)

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if secret := os.Getenv("API_SECRET"); secret != "" {
		cfg.APISecret = secret
	}
	if trunks := os.Getenv("TRUNK_PREFIXES"); trunks != "" {
		cfg.TrunkPrefixes = parsePrefixList(trunks)
	}
	if settle := os.Getenv("SETTLE_DELAY"); settle != "" {
		if d, err := time.ParseDuration(settle); err == nil {
			cfg.SettleDelay = d
		}
	}
	if ttl := os.Getenv("ATTENDED_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.AttendedTTL = d
		}
	}
	if ttl := os.Getenv("CONFERENCE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.ConferenceTTL = d
		}
	}
	if ttl := os.Getenv("MONITOR_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.MonitorTTL = d
		}
	}
	if sweep := os.Getenv("SWEEP_INTERVAL"); sweep != "" {
		if d, err := time.ParseDuration(sweep); err == nil {
			cfg.SweepInterval = d
		}
	}
	if code := os.Getenv("OBSERVE_CODE"); code != "" {
		cfg.ObserveCode = code
	}
	if code := os.Getenv("BARGEIN_CODE"); code != "" {
		cfg.BargeInCode = code
	}
	if code := os.Getenv("COACH_CODE"); code != "" {
		cfg.CoachCode = code
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}

	return cfg
}

// parsePrefixList parses a comma-separated list of address prefixes
func parsePrefixList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	prefixes := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}
