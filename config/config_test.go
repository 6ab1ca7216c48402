package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DISCORD_TOKEN", "DISCORD_GUILD_ID", "DB_DRIVER", "DB_DSN", "HTTP_ADDR",
		"MUTATION_TIMEOUT", "BULK_CONCURRENCY", "EVENT_WORKERS", "ROSTER_RETRIES", "RESYNC_ON_READY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.MutationTimeout != 10*time.Second {
		t.Errorf("MutationTimeout = %v, want 10s", cfg.MutationTimeout)
	}
	if cfg.BulkConcurrency != 4 || cfg.EventWorkers != 8 || cfg.RosterRetries != 5 {
		t.Errorf("unexpected defaults: bulk=%d workers=%d retries=%d", cfg.BulkConcurrency, cfg.EventWorkers, cfg.RosterRetries)
	}
	if !cfg.ResyncOnReady {
		t.Error("ResyncOnReady should default to true")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("MUTATION_TIMEOUT", "3s")
	t.Setenv("BULK_CONCURRENCY", "16")
	t.Setenv("RESYNC_ON_READY", "0")
	t.Setenv("DISCORD_TOKEN", "Bot abc")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDriver != "pgx" {
		t.Errorf("DBDriver = %q, want pgx", cfg.DBDriver)
	}
	if cfg.MutationTimeout != 3*time.Second || cfg.BulkConcurrency != 16 || cfg.ResyncOnReady {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.DiscordToken != "abc" {
		t.Errorf("DiscordToken = %q, want prefix stripped", cfg.DiscordToken)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"DB_DRIVER", "mysql"},
		{"MUTATION_TIMEOUT", "ten"},
		{"MUTATION_TIMEOUT", "-1s"},
		{"BULK_CONCURRENCY", "0"},
		{"EVENT_WORKERS", "many"},
		{"ROSTER_RETRIES", "-2"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateGatewayReady(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("DISCORD_GUILD_ID", "81384788765712384")
	cfg, _ := Load()
	if err := cfg.ValidateGatewayReady(); err != nil {
		t.Errorf("expected valid gateway config, got %v", err)
	}

	t.Setenv("DISCORD_GUILD_ID", "my-guild")
	cfg, _ = Load()
	if err := cfg.ValidateGatewayReady(); err == nil {
		t.Error("expected error for non-numeric guild id")
	}

	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("DISCORD_GUILD_ID", "81384788765712384")
	cfg, _ = Load()
	if err := cfg.ValidateGatewayReady(); err == nil {
		t.Error("expected error when DISCORD_TOKEN is missing")
	}
}
