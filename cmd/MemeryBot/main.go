package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/agent"
	"github.com/BTreeMap/MemeryBot/internal/api"
	"github.com/BTreeMap/MemeryBot/internal/bot"
	"github.com/BTreeMap/MemeryBot/internal/genai"
	"github.com/BTreeMap/MemeryBot/internal/lockfile"
	"github.com/BTreeMap/MemeryBot/internal/store"
	"github.com/BTreeMap/MemeryBot/internal/twitter"
	"github.com/BTreeMap/MemeryBot/internal/util"
	"github.com/BTreeMap/MemeryBot/internal/video"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MemeryBot state data
	DefaultStateDir = "/var/lib/memerybot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "memerybot.db"
	// DefaultEnvironment selects the dev account and database
	DefaultEnvironment = "dev"
	DefaultMemesDir    = "memes"
	DefaultOutputDir   = "output"
	DefaultLogLevel    = "debug"
)

var errMissingConfig = errors.New("missing required configuration")

func main() {
	// Initialize structured logger
	initializeLogger(util.GetEnv("LOG_LEVEL", DefaultLogLevel))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	if flags.logLevel != config.LogLevel {
		initializeLogger(flags.logLevel)
	}
	if flags.environment != config.Environment {
		config.Environment = flags.environment
		config.TwitterAccessToken, config.TwitterAccessSecret = accessCredentials(flags.environment)
	}

	if err := validateConfig(config, flags); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(config, flags); err != nil {
		slog.Error("MemeryBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MemeryBot exited successfully")
}

// run holds the state directory lock for the lifetime of the bot and stops on SIGINT or SIGTERM.
func run(config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Build module options
	storeOpts := buildStoreOptions(flags)
	twitterOpts := buildTwitterOptions(config)
	genaiOpts := buildGenAIOptions(flags)
	videoOpts := buildVideoOptions(flags)
	agentOpts := buildAgentOptions(flags)
	botOpts := buildBotOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping MemeryBot with configured modules", "environment", flags.environment)
	slog.Debug("Final configuration",
		"state_dir", flags.stateDir,
		"dsn_type", store.DetectDSNType(flags.dbDSN),
		"api_addr", flags.apiAddr,
		"video_enabled", videoOpts != nil,
		"poll_interval", flags.pollInterval,
		"batch_size", flags.batchSize,
		"max_concurrent", flags.maxConcurrent)
	return api.Run(ctx, storeOpts, twitterOpts, genaiOpts, videoOpts, agentOpts, botOpts, apiOpts)
}

// Config holds environment configuration
type Config struct {
	Environment         string
	TwitterAPIKey       string
	TwitterAPISecret    string
	TwitterAccessToken  string
	TwitterAccessSecret string
	OpenAIKey           string
	GeminiKey           string
	VideoEnabled        bool
	MongoURI            string
	DatabaseURL         string
	StoreDSN            string
	StateDir            string
	MemesDir            string
	OutputDir           string
	APIAddr             string
	ReplyText           string
	LogLevel            string
	PollInterval        time.Duration
	ErrorBackoff        time.Duration
	GenerationTimeout   time.Duration
	ShutdownGrace       time.Duration
	BatchSize           int
	MaxConcurrent       int
}

// Flags holds command line flag values
type Flags struct {
	environment       string
	stateDir          string
	dbDSN             string
	openaiKey         string
	geminiKey         string
	videoEnabled      bool
	memesDir          string
	outputDir         string
	apiAddr           string
	replyText         string
	logLevel          string
	pollInterval      time.Duration
	errorBackoff      time.Duration
	generationTimeout time.Duration
	shutdownGrace     time.Duration
	batchSize         int
	maxConcurrent     int
}

// initializeLogger sets up structured logging at the given level, falling back to debug.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
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
		Environment:       strings.ToLower(util.GetEnv("ENVIRONMENT", DefaultEnvironment)),
		TwitterAPIKey:     os.Getenv("TWITTER_API_KEY"),
		TwitterAPISecret:  os.Getenv("TWITTER_API_SECRET"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiKey:         os.Getenv("GEMINI_API_KEY"),
		VideoEnabled:      util.ParseBoolEnv("ENABLE_VIDEO", true),
		MongoURI:          os.Getenv("MONGODB_URI"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          util.GetEnv("MEMERY_STATE_DIR", DefaultStateDir),
		MemesDir:          util.GetEnv("MEMES_DIR", DefaultMemesDir),
		OutputDir:         util.GetEnv("OUTPUT_DIR", DefaultOutputDir),
		APIAddr:           util.GetEnv("API_ADDR", api.DefaultAddr),
		ReplyText:         os.Getenv("REPLY_TEXT"),
		LogLevel:          util.GetEnv("LOG_LEVEL", DefaultLogLevel),
		PollInterval:      util.ParseDurationEnv("POLL_INTERVAL", bot.DefaultPollInterval),
		ErrorBackoff:      util.ParseDurationEnv("ERROR_BACKOFF", bot.DefaultErrorBackoff),
		GenerationTimeout: util.ParseDurationEnv("GENERATION_TIMEOUT", bot.DefaultGenerationTimeout),
		ShutdownGrace:     util.ParseDurationEnv("SHUTDOWN_GRACE", api.DefaultShutdownGrace),
		BatchSize:         util.ParseIntEnv("BATCH_SIZE", bot.DefaultBatchSize),
		MaxConcurrent:     util.ParseIntEnv("MAX_CONCURRENT_UNITS", bot.DefaultMaxConcurrent),
	}
	config.TwitterAccessToken, config.TwitterAccessSecret = accessCredentials(config.Environment)

	// MONGODB_URI wins over DATABASE_URL; without either the store is SQLite in the state directory.
	switch {
	case config.MongoURI != "":
		config.StoreDSN = config.MongoURI
	case config.DatabaseURL != "":
		config.StoreDSN = config.DatabaseURL
	default:
		config.StoreDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.StoreDSN)
	}

	slog.Debug("environment variables loaded",
		"ENVIRONMENT", config.Environment,
		"TWITTER_API_KEY_SET", config.TwitterAPIKey != "",
		"TWITTER_ACCESS_TOKEN_SET", config.TwitterAccessToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"MONGODB_URI_SET", config.MongoURI != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MEMERY_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr)

	return config
}

// accessCredentials picks the bot account tokens of the environment: production uses
// TWITTER_ACCESS_*, everything else the DEV_TWITTER_ACCESS_* pair.
func accessCredentials(environment string) (token, secret string) {
	if environment == "production" {
		return os.Getenv("TWITTER_ACCESS_TOKEN"), os.Getenv("TWITTER_ACCESS_SECRET")
	}
	return os.Getenv("DEV_TWITTER_ACCESS_TOKEN"), os.Getenv("DEV_TWITTER_ACCESS_SECRET")
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.environment, "environment", config.Environment, "dev or production (overrides $ENVIRONMENT)")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for MemeryBot data (overrides $MEMERY_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.StoreDSN, "state store DSN: MongoDB URI, Postgres DSN or SQLite path (overrides $MONGODB_URI or $DATABASE_URL)")
	fs.StringVar(&flags.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.geminiKey, "gemini-api-key", config.GeminiKey, "Gemini API key for video generation (overrides $GEMINI_API_KEY)")
	fs.BoolVar(&flags.videoEnabled, "enable-video", config.VideoEnabled, "offer the video tool when a Gemini key is set (overrides $ENABLE_VIDEO)")
	fs.StringVar(&flags.memesDir, "memes-dir", config.MemesDir, "directory of local meme characters (overrides $MEMES_DIR)")
	fs.StringVar(&flags.outputDir, "output-dir", config.OutputDir, "directory for generated media (overrides $OUTPUT_DIR)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "status API address (overrides $API_ADDR)")
	fs.StringVar(&flags.replyText, "reply-text", config.ReplyText, "text posted with each reply (overrides $REPLY_TEXT)")
	fs.StringVar(&flags.logLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.DurationVar(&flags.pollInterval, "poll-interval", config.PollInterval, "delay between successful polls (overrides $POLL_INTERVAL)")
	fs.DurationVar(&flags.errorBackoff, "error-backoff", config.ErrorBackoff, "delay after a failed poll (overrides $ERROR_BACKOFF)")
	fs.DurationVar(&flags.generationTimeout, "generation-timeout", config.GenerationTimeout, "time limit of one generation (overrides $GENERATION_TIMEOUT)")
	fs.DurationVar(&flags.shutdownGrace, "shutdown-grace", config.ShutdownGrace, "how long in-flight units may finish after a shutdown signal (overrides $SHUTDOWN_GRACE)")
	fs.IntVar(&flags.batchSize, "batch-size", config.BatchSize, "mentions requested per poll (overrides $BATCH_SIZE)")
	fs.IntVar(&flags.maxConcurrent, "max-concurrent", config.MaxConcurrent, "generation units running at once (overrides $MAX_CONCURRENT_UNITS)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags.environment = strings.ToLower(strings.TrimSpace(flags.environment))

	// Follow -state-dir when the DSN is still the default SQLite path.
	if flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && flags.stateDir != config.StateDir {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", flags.stateDir)
	}

	slog.Debug("flags parsed",
		"environment", flags.environment,
		"stateDir", flags.stateDir,
		"dbDSN_type", store.DetectDSNType(flags.dbDSN),
		"openaiKeySet", flags.openaiKey != "",
		"geminiKeySet", flags.geminiKey != "",
		"apiAddr", flags.apiAddr,
		"pollInterval", flags.pollInterval,
		"batchSize", flags.batchSize)
	return flags, nil
}

// validateConfig reports every missing credential at once.
func validateConfig(config Config, flags Flags) error {
	var missing []string
	if config.TwitterAPIKey == "" {
		missing = append(missing, "TWITTER_API_KEY")
	}
	if config.TwitterAPISecret == "" {
		missing = append(missing, "TWITTER_API_SECRET")
	}
	prefix := "DEV_"
	if config.Environment == "production" {
		prefix = ""
	}
	if config.TwitterAccessToken == "" {
		missing = append(missing, prefix+"TWITTER_ACCESS_TOKEN")
	}
	if config.TwitterAccessSecret == "" {
		missing = append(missing, prefix+"TWITTER_ACCESS_SECRET")
	}
	if flags.openaiKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", errMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

// ensureDirectoriesExist creates the output directory and, for SQLite, the database directory.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{flags.stateDir, flags.outputDir}
	if store.DetectDSNType(flags.dbDSN) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch store.DetectDSNType(flags.dbDSN) {
	case store.DSNTypeMongo:
		database := store.DatabaseNameForEnvironment(flags.environment)
		slog.Debug("Detected MongoDB URI, configuring MongoDB store", "database", database)
		storeOpts = append(storeOpts, store.WithMongoURI(flags.dbDSN), store.WithMongoDatabase(database))
	case store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
	}
	return storeOpts
}

// buildTwitterOptions constructs X client configuration options
func buildTwitterOptions(config Config) []twitter.Option {
	return []twitter.Option{
		twitter.WithCredentials(config.TwitterAPIKey, config.TwitterAPISecret, config.TwitterAccessToken, config.TwitterAccessSecret),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	return genaiOpts
}

// buildVideoOptions returns nil when video is switched off or no Gemini key is configured, which
// disables the video tool.
func buildVideoOptions(flags Flags) []video.Option {
	if !flags.videoEnabled {
		slog.Info("Video generation switched off")
		return nil
	}
	if flags.geminiKey == "" {
		slog.Info("No Gemini API key provided, video generation disabled")
		return nil
	}
	return []video.Option{video.WithAPIKey(flags.geminiKey)}
}

// buildAgentOptions constructs generation backend options
func buildAgentOptions(flags Flags) []agent.Option {
	return []agent.Option{
		agent.WithMemesDir(flags.memesDir),
		agent.WithOutputDir(flags.outputDir),
	}
}

// buildBotOptions constructs scheduler options
func buildBotOptions(flags Flags) []bot.Option {
	return []bot.Option{
		bot.WithPollInterval(flags.pollInterval),
		bot.WithErrorBackoff(flags.errorBackoff),
		bot.WithBatchSize(flags.batchSize),
		bot.WithMaxConcurrent(flags.maxConcurrent),
		bot.WithGenerationTimeout(flags.generationTimeout),
		bot.WithReplyText(flags.replyText),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if flags.shutdownGrace > 0 {
		apiOpts = append(apiOpts, api.WithShutdownGrace(flags.shutdownGrace))
	}
	return apiOpts
}
