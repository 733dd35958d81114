// Package main implements the possyncd binary: the server-side drain daemon
// reconciling queued point-of-sale mutations against PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/tilldesk/possync/internal/db"
	"github.com/tilldesk/possync/internal/log"
	"github.com/tilldesk/possync/internal/schema"
	"github.com/tilldesk/possync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN      string `short:"p" env:"POSSYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	Strategy         string `short:"s" env:"POSSYNC_STRATEGY" long:"strategy" description:"Conflict strategy: server_wins|client_wins|merge|manual" default:"merge"`
	DrainInterval    string `env:"POSSYNC_DRAIN_INTERVAL" long:"drain-interval" description:"Interval between queue drains" default:"30s"`
	BatchSize        int    `env:"POSSYNC_BATCH_SIZE" long:"batch-size" description:"Maximum records claimed per drain" default:"100"`
	GroupConcurrency int    `env:"POSSYNC_GROUP_CONCURRENCY" long:"group-concurrency" description:"Entity-type groups processed in parallel" default:"4"`
	LogLevel         string `short:"l" env:"POSSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogFile          string `env:"POSSYNC_LOG_FILE" long:"log-file" description:"Optional rotated log file path"`
	Version          bool   `short:"v" long:"version" description:"Show version information"`
	Help             bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true            // if no command specified, start draining
	nonParsedArgs, err := parser.ParseArgs(args) // parse and execute subcommand if any
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("possyncd version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(config *Config) error {
	if err := log.Setup(config.LogLevel, config.LogFile); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("possyncd logging initialized")
	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// EngineConfig converts the CLI options into the sync engine configuration.
func EngineConfig(config *Config) (sync.Config, error) {
	strategy, err := sync.ParseStrategy(config.Strategy)
	if err != nil {
		return sync.Config{}, err
	}
	interval, err := time.ParseDuration(config.DrainInterval)
	if err != nil {
		return sync.Config{}, fmt.Errorf("invalid drain interval: %w", err)
	}
	return sync.Config{
		Strategy:         strategy,
		BatchSize:        config.BatchSize,
		GroupConcurrency: config.GroupConcurrency,
		DrainInterval:    interval,
	}, nil
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	// Parse CLI arguments
	config, err := ParseCLI(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	// Setup logging
	if err := SetupLogging(config); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	engineCfg, err := EngineConfig(config)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid engine configuration")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// Connect to PostgreSQL with retry logic
	pgPool, err := db.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pgPool.Close()

	// Apply migrations over a plain connection
	conn, err := pgx.Connect(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open migration connection")
	}
	if err := db.ApplyMigrations(ctx, conn); err != nil {
		conn.Close(ctx)
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}
	conn.Close(ctx)

	// Wire the engine over the POS entity registry
	registry := schema.Default()
	store := sync.NewPgQueueStore(pgPool, sync.DefaultStaleAfter)
	gateway := sync.NewPgEntityGateway(pgPool, registry)
	notifier := sync.NewPgNotifier(pgPool)

	service := sync.NewService(engineCfg, store, gateway, registry, notifier)
	if err := service.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
