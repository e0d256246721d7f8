package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/db"
	"github.com/routebeacon/bgpd/internal/eventsink"
	"github.com/routebeacon/bgpd/internal/history"
	"github.com/routebeacon/bgpd/internal/httpapi"
	"github.com/routebeacon/bgpd/internal/maintenance"
	"github.com/routebeacon/bgpd/internal/metrics"
	"github.com/routebeacon/bgpd/internal/process"
	"github.com/routebeacon/bgpd/internal/reactor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overwritten at release build time via -ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runDaemon(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "maintenance":
		runMaintenance(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
	case "--version", "-v", "version":
		fmt.Println("bgpd " + version)
	default:
		// spec.md's one-argument form: `bgpd <config-file>` is a bare
		// alias for `bgpd run <config-file>`.
		if strings.HasPrefix(os.Args[1], "-") {
			fmt.Fprintf(os.Stderr, "unknown option: %s\n\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
		runDaemon(os.Args[1:])
	}
}

func printUsage() {
	fmt.Println("Usage: bgpd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <config>           Start the BGP speaker (bare config path is an alias for this)")
	fmt.Println("  migrate                Run database migrations for the history schema")
	fmt.Println("  maintenance            Run partition create/drop and summary refresh once")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  -d, --debug       Shorthand for --log-level debug")
	fmt.Println("  -t                Validate the configuration and exit, without starting")
	fmt.Println("  -p <file>         Validate an additional configuration file before starting")
	fmt.Println("  -h, --help        Show this help text")
	fmt.Println("  -v, --version     Show version information")
}

type runFlags struct {
	configPath   string
	logLevel     string
	debug        bool
	validateOnly bool
	preValidate  string
}

// parseRunFlags accepts both `bgpd run <config>` (bare positional path)
// and `bgpd run --config <path>`, plus -d/-t/-p as in spec.md §6.
func parseRunFlags(args []string) runFlags {
	var f runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "-d", "--debug":
			f.debug = true
		case "-t":
			f.validateOnly = true
		case "-p":
			if i+1 < len(args) {
				f.preValidate = args[i+1]
				i++
			}
		default:
			if !strings.HasPrefix(args[i], "-") && f.configPath == "" {
				f.configPath = args[i]
			}
		}
	}
	return f
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runDaemon(args []string) {
	f := parseRunFlags(args)

	if f.preValidate != "" {
		if _, err := config.Load(f.preValidate); err != nil {
			fmt.Fprintf(os.Stderr, "pre-validation of %s failed: %v\n", f.preValidate, err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if f.debug {
		cfg.Service.LogLevel = "debug"
	} else if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}

	if f.validateOnly {
		fmt.Println("configuration OK")
		return
	}

	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgpd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("neighbors", len(cfg.Neighbors)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// History sink: an in-process "helper" that batches RIB-change
	// events into Postgres, the way an out-of-process helper would
	// consume the same event stream over a pipe.
	var historyPipeline *history.Pipeline
	var pgPool = connectPostgresIfNeeded(ctx, cfg, logger)
	if pgPool != nil {
		defer pgPool.Close()

		pm := maintenance.NewPartitionManager(pgPool, cfg.Retention.Days, cfg.Retention.Timezone, cfg.Retention.PartitionsAheadDays, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}

		if cfg.History.Enabled {
			historyWriter := history.NewWriter(pgPool, logger.Named("history.writer"),
				cfg.History.StoreRawBytes, cfg.History.StoreRawBytesCompress)
			historyPipeline = history.NewPipeline(historyWriter,
				cfg.History.BatchSize, cfg.History.FlushIntervalMs, cfg.History.ChannelBufferSize,
				logger.Named("history.pipeline"))
		}
	}

	eventProducer, err := eventsink.New(cfg.EventSink, logger.Named("eventsink"))
	if err != nil {
		logger.Fatal("failed to create event sink producer", zap.Error(err))
	}
	defer eventProducer.Close()

	sinks := make([]func(*process.Event), 0, 2)
	if historyPipeline != nil {
		sinks = append(sinks, historyPipeline.Sink)
	}
	if cfg.EventSink.Enabled {
		sinks = append(sinks, eventProducer.Publish)
	}

	r, err := reactor.New(cfg, logger.Named("reactor"), sinks...)
	if err != nil {
		logger.Fatal("failed to build reactor", zap.Error(err))
	}

	now := time.Now()
	if err := r.Start(ctx, now); err != nil {
		logger.Fatal("failed to start reactor", zap.Error(err))
	}

	var wg sync.WaitGroup
	if historyPipeline != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			historyPipeline.Run(ctx)
		}()
	}

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, pgPool, r, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	reactorErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reactorErrCh <- r.Run(ctx)
	}()

	logger.Info("bgpd started, awaiting signals")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGALRM)

waitLoop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
				r.RequestShutdown("signal: " + sig.String())
			case syscall.SIGHUP, syscall.SIGUSR1:
				logger.Warn("reload requested but configuration reload is not supported; restart the process to apply changes", zap.String("signal", sig.String()))
			case syscall.SIGUSR2:
				logger.Info("log rotation requested; bgpd logs to stdout and does not rotate files", zap.String("signal", sig.String()))
			case syscall.SIGALRM:
				logger.Info("restart requested via signal, shutting down for supervisor restart", zap.String("signal", sig.String()))
				r.RequestShutdown("signal: " + sig.String())
			}
		case err := <-reactorErrCh:
			if err != nil {
				logger.Warn("reactor loop exited", zap.Error(err))
			}
			break waitLoop
		}
	}

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	r.Stop(time.Now())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bgpd stopped")
}

// connectPostgresIfNeeded opens the history/maintenance database pool
// when either the history sink or the readiness endpoint's DB check
// has something to do. A speaker with no DSN configured and history
// disabled runs with no database at all.
func connectPostgresIfNeeded(ctx context.Context, cfg *config.Config, logger *zap.Logger) *pgxpool.Pool {
	if cfg.Postgres.DSN == "" {
		return nil
	}
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, poolOptions(cfg))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	return pool
}

// poolOptions translates config.PostgresConfig's minute-granularity
// settings into db.PoolOptions' durations.
func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetimeMinutes) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.Postgres.MaxConnIdleTimeMinutes) * time.Minute,
	}
}

func runMigrate(args []string) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, poolOptions(cfg))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance(args []string) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, poolOptions(cfg))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, cfg.Retention.PartitionsAheadDays, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
