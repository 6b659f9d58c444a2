package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/remindkit/remindkit/internal/api"
	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/delivery"
	"github.com/remindkit/remindkit/internal/guard"
	"github.com/remindkit/remindkit/internal/lockfile"
	"github.com/remindkit/remindkit/internal/recurrence"
	"github.com/remindkit/remindkit/internal/reminders"
	"github.com/remindkit/remindkit/internal/scheduler"
	"github.com/remindkit/remindkit/internal/store"
	"github.com/remindkit/remindkit/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RemindKit state data
	DefaultStateDir = "/var/lib/remindkit"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "remindkit.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory, aborting", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store, aborting", "error", err, "dsn_set", *flags.dbDSN != "")
		os.Exit(1)
	}
	defer st.Close()

	clk := clock.NewReal()
	engine := recurrence.NewEngine()
	g := guard.NewGuard(st, clk)

	registry, err := buildRegistry(flags)
	if err != nil {
		slog.Error("Failed to load channel registry", "error", err)
		os.Exit(1)
	}

	tracker := delivery.NewTracker(st)
	svc := delivery.NewService(registry, tracker, clk)
	registerChannels(svc, config)

	sched := scheduler.NewScheduler(st, engine, svc, clk, buildSchedulerOptions(flags)...)
	// A partial wake-up table silently drops firings; refuse to start on one.
	if err := sched.Rehydrate(); err != nil {
		slog.Error("Wake-up rehydration failed, aborting", "error", err)
		os.Exit(1)
	}

	maintenance, err := scheduler.NewMaintenance(sched, g)
	if err != nil {
		slog.Error("Failed to start maintenance cron", "error", err)
		os.Exit(1)
	}
	defer maintenance.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sched.Run(ctx)

	remSvc := reminders.NewService(st, engine, sched, g, clk)
	server := api.NewServer(remSvc, buildAPIOptions(flags)...)
	go func() {
		if err := server.Run(); err != nil {
			slog.Error("API server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
	svc.Wait()
	slog.Info("RemindKit exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	RegistryFile  string
	TelegramToken string
	TwilioSID     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	registryFile *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("REMINDKIT_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		RegistryFile:  os.Getenv("CHANNEL_REGISTRY_FILE"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REMINDKIT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REMINDKIT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"CHANNEL_REGISTRY_FILE", config.RegistryFile,
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for RemindKit data (overrides $REMINDKIT_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		registryFile: flag.String("registry-file", config.RegistryFile, "JSON file mapping owner ids to channel endpoints (overrides $CHANNEL_REGISTRY_FILE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"registryFile", *flags.registryFile)

	return flags
}

// openStore selects the backend from the DSN shape and connects.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildRegistry loads the channel registry file when configured.
func buildRegistry(flags Flags) (delivery.ChannelRegistry, error) {
	if *flags.registryFile != "" {
		return delivery.LoadRegistryFile(*flags.registryFile)
	}
	slog.Warn("No channel registry file configured, starting with an empty registry")
	return delivery.NewStaticRegistry(), nil
}

// registerChannels wires the delivery channels that have credentials
// available. The webhook channel needs none and is always registered.
func registerChannels(svc *delivery.Service, config Config) {
	svc.RegisterChannel(delivery.NewWebhookChannel(nil))

	if config.TwilioSID != "" {
		ch, err := delivery.NewTwilioSMSChannel()
		if err != nil {
			slog.Error("Failed to configure Twilio SMS channel, skipping", "error", err)
		} else {
			svc.RegisterChannel(ch)
			slog.Info("Twilio SMS channel registered")
		}
	}

	if config.TelegramToken != "" {
		ch, err := delivery.NewTelegramChannel(config.TelegramToken)
		if err != nil {
			slog.Error("Failed to configure Telegram channel, skipping", "error", err)
		} else {
			svc.RegisterChannel(ch)
			slog.Info("Telegram channel registered")
		}
	}
}

// buildSchedulerOptions constructs scheduler configuration options
func buildSchedulerOptions(flags Flags) []scheduler.Option {
	var opts []scheduler.Option
	if d := util.ParseDurationEnv("SCHEDULER_POLL_INTERVAL", 0); d > 0 {
		opts = append(opts, scheduler.WithPollInterval(d))
	}
	if d := util.ParseDurationEnv("MISFIRE_GRACE", 0); d > 0 {
		opts = append(opts, scheduler.WithMisfireGrace(d))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}
