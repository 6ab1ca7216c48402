// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For the Discord credentials, use ValidateGatewayReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Discord
	DiscordToken   string
	DiscordGuildID string

	// Database
	DBDriver string
	DBDsn    string

	// HTTP
	HTTPAddr string

	// Engine
	MutationTimeout time.Duration
	BulkConcurrency int
	EventWorkers    int
	RosterRetries   int
	ResyncOnReady   bool
}

// Load reads environment variables and applies defaults. It doesn't fail if Discord creds are missing;
// use ValidateGatewayReady() before connecting. Malformed numeric or duration values are errors.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DiscordToken = strings.TrimPrefix(os.Getenv("DISCORD_TOKEN"), "Bot ")
	cfg.DiscordGuildID = os.Getenv("DISCORD_GUILD_ID")

	// DB
	cfg.DBDriver = strings.ToLower(os.Getenv("DB_DRIVER"))
	switch cfg.DBDriver {
	case "":
		cfg.DBDriver = "sqlite"
	case "postgres", "postgresql":
		cfg.DBDriver = "pgx"
	case "sqlite", "pgx":
	default:
		return nil, fmt.Errorf("invalid DB_DRIVER %q: want sqlite or pgx", cfg.DBDriver)
	}
	// Empty DB_DSN is resolved per driver by db.Connect.
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	var err error
	if cfg.MutationTimeout, err = durationEnv("MUTATION_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.BulkConcurrency, err = positiveIntEnv("BULK_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.EventWorkers, err = positiveIntEnv("EVENT_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.RosterRetries, err = positiveIntEnv("ROSTER_RETRIES", 5); err != nil {
		return nil, err
	}
	cfg.ResyncOnReady = os.Getenv("RESYNC_ON_READY") != "0"

	return cfg, nil
}

// ValidateGatewayReady checks the fields required to open a Discord session.
func (c *Config) ValidateGatewayReady() error {
	if c.DiscordToken == "" || c.DiscordGuildID == "" {
		return fmt.Errorf("missing discord env: require DISCORD_TOKEN, DISCORD_GUILD_ID")
	}
	if _, err := strconv.ParseUint(c.DiscordGuildID, 10, 64); err != nil {
		return fmt.Errorf("invalid DISCORD_GUILD_ID %q: not a snowflake", c.DiscordGuildID)
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive duration such as 10s", key, v)
	}
	return d, nil
}

func positiveIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive integer", key, v)
	}
	return n, nil
}
