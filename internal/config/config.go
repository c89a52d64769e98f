// Package config loads service settings from an optional TOML file with
// environment variables layered on top. Environment always wins, so a
// container deployment can override a checked-in config file per instance.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all service settings.
type Config struct {
	FeedURL      string        `toml:"feed_url"`
	UserAgent    string        `toml:"user_agent"`
	FetchTimeout time.Duration `toml:"-"`

	TelegramToken   string  `toml:"telegram_token"`
	AlertsChatID    int64   `toml:"alerts_chat_id"`
	ErrorChatID     int64   `toml:"error_chat_id"`
	ChangelogChatID int64   `toml:"changelog_chat_id"`
	OwnerIDs        []int64 `toml:"owner_ids"`

	PollInterval   time.Duration `toml:"-"`
	PostDelay      time.Duration `toml:"-"`
	MaxPerCycle    int           `toml:"max_per_cycle"`
	RetentionDays  int           `toml:"retention_days"`
	StatusInterval time.Duration `toml:"-"`

	MinSeverity   string   `toml:"min_severity"`
	MinCertainty  string   `toml:"min_certainty"`
	MinUrgency    string   `toml:"min_urgency"`
	BlockedEvents []string `toml:"blocked_events"`

	DBPath string `toml:"db_path"`

	KafkaEnabled bool     `toml:"kafka_enabled"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`

	HTTPAddr        string        `toml:"http_addr"`
	LogLevel        string        `toml:"log_level"`
	LogFormat       string        `toml:"log_format"`
	ShutdownTimeout time.Duration `toml:"-"`

	// Duration fields round-trip through strings so they work in both TOML
	// and the environment.
	PollIntervalStr    string `toml:"poll_interval"`
	PostDelayStr       string `toml:"post_delay"`
	StatusIntervalStr  string `toml:"status_interval"`
	FetchTimeoutStr    string `toml:"fetch_timeout"`
	ShutdownTimeoutStr string `toml:"shutdown_timeout"`
}

func defaults() *Config {
	return &Config{
		FeedURL:            "",
		UserAgent:          "nws-alert-relay (github.com/couchcryptid/nws-alert-relay)",
		MaxPerCycle:        50,
		RetentionDays:      30,
		MinSeverity:        "Moderate",
		MinCertainty:       "Likely",
		MinUrgency:         "Expected",
		BlockedEvents:      []string{"Test Message", "Administrative Message"},
		DBPath:             "data/alert-relay.db",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaTopic:         "delivered-alerts",
		HTTPAddr:           ":8080",
		LogLevel:           "info",
		LogFormat:          "json",
		PollIntervalStr:    "900s",
		PostDelayStr:       "10s",
		StatusIntervalStr:  "15m",
		FetchTimeoutStr:    "30s",
		ShutdownTimeoutStr: "10s",
	}
}

// Load reads CONFIG_FILE (if set and present), layers environment variables
// over it, and validates the result.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("CONFIG_FILE %q does not exist", path)
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.FeedURL, "NWS_FEED_URL")
	setString(&cfg.UserAgent, "NWS_USER_AGENT")
	setString(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	setInt64(&cfg.AlertsChatID, "TELEGRAM_ALERTS_CHAT_ID")
	setInt64(&cfg.ErrorChatID, "TELEGRAM_ERROR_CHAT_ID")
	setInt64(&cfg.ChangelogChatID, "TELEGRAM_CHANGELOG_CHAT_ID")
	if v := os.Getenv("TELEGRAM_OWNER_IDS"); v != "" {
		cfg.OwnerIDs = parseInt64List(v)
	}

	setString(&cfg.PollIntervalStr, "POLL_INTERVAL")
	setString(&cfg.PostDelayStr, "POST_DELAY")
	setString(&cfg.StatusIntervalStr, "STATUS_INTERVAL")
	setString(&cfg.FetchTimeoutStr, "FETCH_TIMEOUT")
	setString(&cfg.ShutdownTimeoutStr, "SHUTDOWN_TIMEOUT")
	setInt(&cfg.MaxPerCycle, "MAX_PER_CYCLE")
	setInt(&cfg.RetentionDays, "RETENTION_DAYS")

	setString(&cfg.MinSeverity, "MIN_SEVERITY")
	setString(&cfg.MinCertainty, "MIN_CERTAINTY")
	setString(&cfg.MinUrgency, "MIN_URGENCY")
	if v := os.Getenv("BLOCKED_EVENTS"); v != "" {
		cfg.BlockedEvents = splitList(v)
	}

	setString(&cfg.DBPath, "DB_PATH")

	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		cfg.KafkaEnabled = v == "true"
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	setString(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
}

// finalize parses the duration strings and checks the required settings.
func (c *Config) finalize() error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"POLL_INTERVAL", c.PollIntervalStr, &c.PollInterval},
		{"POST_DELAY", c.PostDelayStr, &c.PostDelay},
		{"STATUS_INTERVAL", c.StatusIntervalStr, &c.StatusInterval},
		{"FETCH_TIMEOUT", c.FetchTimeoutStr, &c.FetchTimeout},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeoutStr, &c.ShutdownTimeout},
	} {
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid %s %q", d.name, d.raw)
		}
		*d.dst = v
	}

	if c.FeedURL == "" {
		return errors.New("NWS_FEED_URL is required")
	}
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_TOKEN is required")
	}
	if c.AlertsChatID == 0 {
		return errors.New("TELEGRAM_ALERTS_CHAT_ID is required")
	}
	if c.MaxPerCycle <= 0 {
		return errors.New("MAX_PER_CYCLE must be positive")
	}
	if c.RetentionDays <= 0 {
		return errors.New("RETENTION_DAYS must be positive")
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(v string) []int64 {
	out := make([]int64, 0, 4)
	for _, p := range splitList(v) {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
