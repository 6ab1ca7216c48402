// Command overseer is the nickname enforcement bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to SQLite or Postgres and runs migrations.
//   - Opens a Discord gateway session for one guild and feeds member events to
//     the nickname engine, which reverts changes to enforced nicknames.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics and the admin API
//     used to start and stop enforcement.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // served only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kshannoninnes/overseer/config"
	"github.com/kshannoninnes/overseer/db"
	"github.com/kshannoninnes/overseer/discord"
	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/server"
	"github.com/kshannoninnes/overseer/store"
	"github.com/kshannoninnes/overseer/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// eventBufferPerWorker is how many member events may wait on each worker.
const eventBufferPerWorker = 64

func main() {
	// Local development only; deployed instances use the real environment.
	_ = godotenv.Load()

	logger, warn := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	if warn != "" {
		slog.Warn(warn)
	}
	slog.Info("overseer starting", slog.String("version", version))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateGatewayReady(); err != nil {
		slog.Error("discord configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("overseer", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded statements cover databases the
	// migrator cannot handle.
	slog.Info("running database migrations", slog.String("driver", cfg.DBDriver), slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database, cfg.DBDriver); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (versioned and embedded both failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := discord.New(cfg.DiscordToken, cfg.DiscordGuildID, discord.WithRosterRetries(cfg.RosterRetries))
	if err != nil {
		slog.Error("discord session setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	engine := nickname.New(store.NewSQL(database), gw,
		nickname.WithMutationTimeout(cfg.MutationTimeout),
		nickname.WithBulkConcurrency(cfg.BulkConcurrency),
		nickname.WithSummaryRecorder(store.NewKV(database)),
	)
	if users, err := engine.Tracked(ctx); err != nil {
		slog.Warn("could not read tracked users", slog.Any("err", err))
	} else {
		slog.Info("enforcement state loaded", slog.Int("tracked_users", len(users)))
	}

	dispatcher := nickname.NewDispatcher(engine, cfg.EventWorkers, cfg.EventWorkers*eventBufferPerWorker)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	var onAvailable func(context.Context)
	if cfg.ResyncOnReady {
		// Events missed while disconnected are never replayed; a resync
		// reapplies any enforced name that drifted in the meantime.
		onAvailable = func(ctx context.Context) {
			res, err := engine.Resync(ctx)
			switch {
			case errors.Is(err, nickname.ErrOperationInProgress):
				slog.Info("resync skipped: bulk pass in progress")
			case err != nil:
				slog.Warn("resync failed", slog.Any("err", err))
			case res.Succeeded > 0 || res.Failed > 0:
				slog.Info("resync corrected drifted nicknames", slog.Int("corrected", res.Succeeded), slog.Int("failed", res.Failed))
			}
		}
	}
	gw.Bind(ctx, dispatcher, onAvailable)

	if err := gw.Open(); err != nil {
		slog.Error("discord gateway connect failed", slog.Any("err", err))
		stop()
		<-dispatcherDone
		os.Exit(1)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			slog.Warn("discord gateway close failed", slog.Any("err", err))
		}
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		go servePprof(cmp.Or(os.Getenv("PPROF_ADDR"), "localhost:6060"))
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Start(ctx, server.Deps{DB: database, Engine: engine, Gateway: gw}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	<-serverDone
	<-dispatcherDone
}

// newLogger builds the process logger from LOG_LEVEL (debug, info, warn,
// error) and LOG_FORMAT (text, json). An unknown level falls back to info and
// is reported through the returned warning.
func newLogger(level, format string) (*slog.Logger, string) {
	var lvl slog.Level
	var warn string
	if err := lvl.UnmarshalText([]byte(cmp.Or(level, "info"))); err != nil {
		lvl = slog.LevelInfo
		warn = "unknown LOG_LEVEL " + strconv.Quote(level) + ", using info"
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), warn
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), warn
}

// servePprof exposes the default mux, where net/http/pprof registers itself.
func servePprof(addr string) {
	slog.Info("pprof listening", slog.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("pprof server stopped", slog.Any("err", err))
	}
}
