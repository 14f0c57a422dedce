package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/botforge/botforge/internal/agent"
	"github.com/botforge/botforge/internal/api"
	"github.com/botforge/botforge/internal/engine"
	"github.com/botforge/botforge/internal/store"
	"github.com/botforge/botforge/internal/transport"
	"github.com/botforge/botforge/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BotForge state data
	DefaultStateDir = "/var/lib/botforge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "botforge.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eng := engine.NewEngine(buildEngineOptions(flags, st)...)

	svc, err := buildChannelService(flags)
	if err != nil {
		slog.Error("Failed to start messaging channel", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if svc != nil {
		bridge := transport.NewBridge(svc, eng, buildBridgeOptions(flags)...)
		if err := svc.Start(ctx); err != nil {
			slog.Error("Failed to start channel event loop", "error", err)
			os.Exit(1)
		}
		go bridge.Run(ctx)
		apiOpts = append(apiOpts, api.WithService(svc), api.WithBridge(bridge))
	}

	slog.Info("Bootstrapping BotForge with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr, "channel", *flags.channel)
	if err := api.NewServer(eng, apiOpts...).Run(ctx); err != nil {
		slog.Error("BotForge failed to run", "error", err)
		os.Exit(1)
	}
	if svc != nil {
		if err := svc.Stop(); err != nil {
			slog.Warn("Channel shutdown reported error", "error", err)
		}
	}
	slog.Info("BotForge exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	Channel       string
	WhatsmeowDSN  string
	SweepSchedule string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsmeowDSN  *string
	openaiKey     *string
	apiAddr       *string
	channel       *string
	sweepSchedule *string
}

// initializeLogger sets up structured logging; BOTFORGE_DEBUG lifts the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("BOTFORGE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		StateDir:      os.Getenv("BOTFORGE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		Channel:       os.Getenv("BOTFORGE_CHANNEL"),
		WhatsmeowDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BOTFORGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BOTFORGE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BOTFORGE_CHANNEL", config.Channel,
		"SWEEP_SCHEDULE", config.SweepSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for BotForge data (overrides $BOTFORGE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the rule store (overrides $DATABASE_URL)"),
		whatsmeowDSN:  flag.String("whatsapp-db-dsn", config.WhatsmeowDSN, "database DSN for WhatsApp session data (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the built-in agent (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:       flag.String("channel", config.Channel, "messaging channel: whatsapp, twilio or none (overrides $BOTFORGE_CHANNEL)"),
		sweepSchedule: flag.String("sweep-schedule", config.SweepSchedule, "cron schedule for expired agent call sweeps (overrides $SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel,
		"sweepSchedule", *flags.sweepSchedule)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStore opens the rule store appropriate for the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildEngineOptions constructs engine configuration options
func buildEngineOptions(flags Flags, st store.Store) []engine.Option {
	opts := []engine.Option{engine.WithStore(st)}
	if *flags.sweepSchedule != "" {
		opts = append(opts, engine.WithSweepSchedule(*flags.sweepSchedule))
	}
	if ttl := util.ParseDurationEnv("AGENT_CALL_TTL", 0); ttl > 0 {
		opts = append(opts, engine.WithAgentCallTTL(ttl))
	}
	return opts
}

// buildChannelService constructs the messaging channel named by the channel flag.
func buildChannelService(flags Flags) (transport.Service, error) {
	switch *flags.channel {
	case "whatsapp":
		var waOpts []transport.WhatsAppOption
		if *flags.whatsmeowDSN != "" {
			waOpts = append(waOpts, transport.WithWhatsmeowDSN(*flags.whatsmeowDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, transport.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, transport.WithNumericCode())
		}
		return transport.NewWhatsAppService(waOpts...)
	case "twilio":
		return transport.NewTwilioService()
	case "", "none":
		slog.Debug("No messaging channel configured, HTTP API only")
		return nil, nil
	default:
		slog.Warn("Unknown channel, running HTTP API only", "channel", *flags.channel)
		return nil, nil
	}
}

// buildBridgeOptions constructs directive bridge options; the built-in agent is
// attached only when an OpenAI key is available.
func buildBridgeOptions(flags Flags) []transport.BridgeOption {
	var opts []transport.BridgeOption
	var agentOpts []agent.Option
	if *flags.openaiKey != "" {
		agentOpts = append(agentOpts, agent.WithAPIKey(*flags.openaiKey))
	}
	if a, err := agent.NewOpenAIAgent(agentOpts...); err != nil {
		slog.Warn("Built-in agent unavailable", "error", err)
	} else {
		opts = append(opts, transport.WithAgent(a))
	}
	return opts
}
