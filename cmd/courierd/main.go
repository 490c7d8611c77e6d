package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flaviompe/courierd/internal/analytics"
	"github.com/flaviompe/courierd/internal/api"
	"github.com/flaviompe/courierd/internal/auth"
	"github.com/flaviompe/courierd/internal/cache"
	"github.com/flaviompe/courierd/internal/campaign"
	"github.com/flaviompe/courierd/internal/config"
	"github.com/flaviompe/courierd/internal/events"
	"github.com/flaviompe/courierd/internal/logging"
	"github.com/flaviompe/courierd/internal/metrics"
	"github.com/flaviompe/courierd/internal/queue"
	"github.com/flaviompe/courierd/internal/ratelimit"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courierd",
		Short: "Courierd - asynchronous email delivery engine",
		Long: `Courierd is an asynchronous notification delivery engine: a prioritized
delivery queue with retry and backoff, per-sender rate limiting, campaign
lifecycle management and an event-backed analytics pipeline.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the delivery engine",
	Long:  "Start the dispatcher, the HTTP API and the metrics endpoint",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Courierd %s\n", cmd.Root().Version)
	},
}

func init() {
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serverCmd.Flags().Bool("no-dispatch", false, "run the API without the dispatcher loop")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.ListenAddr = listen
	}

	logger, logCloser, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	logger.Info("starting courierd",
		"version", version, "hostname", cfg.Server.Hostname)

	// Queue storage and manager.
	storage, err := buildQueueStorage(cfg, logger)
	if err != nil {
		return err
	}

	queueCfg := queue.DefaultConfig()
	if cfg.Queue.MaxAttempts > 0 {
		queueCfg.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if cfg.Dispatcher.BatchSize > 0 {
		queueCfg.BatchSize = cfg.Dispatcher.BatchSize
	}
	if cfg.Dispatcher.DelayBetweenBatches.Std() > 0 {
		queueCfg.DelayBetweenBatches = cfg.Dispatcher.DelayBetweenBatches.Std()
	}
	if cfg.Dispatcher.IdleInterval.Std() > 0 {
		queueCfg.IdleInterval = cfg.Dispatcher.IdleInterval.Std()
	}
	if cfg.Dispatcher.MaxConcurrent > 0 {
		queueCfg.MaxConcurrent = cfg.Dispatcher.MaxConcurrent
	}
	if cfg.Dispatcher.DeliveryTimeout.Std() > 0 {
		queueCfg.DeliveryTimeout = cfg.Dispatcher.DeliveryTimeout.Std()
	}

	manager := queue.NewManager(storage, queueCfg)
	defer manager.Close()

	// Rate limiter.
	limiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}
	defer limiter.Close()

	// Event store and analytics.
	eventStore, err := buildEventStore(cfg)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	reportCache, err := cache.New(cache.Config{
		Backend:          cfg.Analytics.CacheBackend,
		RedisAddr:        cfg.RateLimit.Redis.Addr,
		RedisPassword:    cfg.RateLimit.Redis.Password,
		RedisDB:          cfg.RateLimit.Redis.DB,
		MemcachedServers: cfg.Analytics.MemcachedServers,
	})
	if err != nil {
		return fmt.Errorf("failed to build report cache: %w", err)
	}
	defer reportCache.Close()

	campaigns := campaign.NewManager(manager)
	aggregator := analytics.NewAggregator(eventStore,
		analytics.WithCampaignDirectory(campaigns),
		analytics.WithJobDirectory(manager),
		analytics.WithReportCache(reportCache, cfg.Analytics.CacheTTL.Std()))

	// Transport and dispatcher.
	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	dispatcher := queue.NewDispatcher(manager, transport)
	dispatcher.SetRateLimiter(limiter)
	dispatcher.SetEventSink(aggregator)
	dispatcher.SetDispatchGate(campaigns)
	dispatcher.SetTerminalHook(campaigns.JobSettled)

	noDispatch, _ := cmd.Flags().GetBool("no-dispatch")
	if cfg.Dispatcher.Enabled && !noDispatch {
		dispatcher.Start()
		defer dispatcher.Stop()
	} else {
		logger.Info("dispatcher disabled")
	}

	// Metrics endpoint.
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr)
		metricsServer.Start()
	}

	// HTTP API.
	var apiServer *api.Server
	if cfg.API.Enabled {
		authenticator, err := auth.LoadUsersFile(cfg.API.UsersFile)
		if err != nil {
			return fmt.Errorf("failed to load api users: %w", err)
		}

		deps := api.Deps{
			Queue:         manager,
			Campaigns:     campaigns,
			Analytics:     aggregator,
			Authenticator: authenticator,
			Limiter:       limiter,
		}
		if cfg.API.RateLimit.Enabled {
			deps.FloodRPS = cfg.API.RateLimit.RequestsPerSecond
			deps.FloodBurst = cfg.API.RateLimit.Burst
		}

		apiServer = api.NewServer(cfg.API.ListenAddr, deps)
		apiServer.Start()
	}

	logger.Info("courierd started")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}

	return nil
}

func buildQueueStorage(cfg *config.Config, logger *slog.Logger) (queue.StorageBackend, error) {
	switch cfg.Queue.Storage {
	case "", "memory":
		return queue.NewMemoryStorage(), nil
	case "sqlite":
		storage, err := queue.NewSQLiteStorage(cfg.Queue.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open job journal: %w", err)
		}
		// Jobs caught mid-dispatch by the previous shutdown go back to
		// pending.
		recovered, err := storage.RecoverInFlight()
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("failed to recover in-flight jobs: %w", err)
		}
		if recovered > 0 {
			logger.Info("recovered in-flight jobs", "count", recovered)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unsupported queue storage: %s", cfg.Queue.Storage)
	}
}

func buildLimiter(cfg *config.Config) (*ratelimit.Limiter, error) {
	policies := make(map[string]ratelimit.Policy, len(cfg.RateLimit.Actions))
	for action, limit := range cfg.RateLimit.Actions {
		policies[action] = ratelimit.Policy{
			Limit:  limit.Limit,
			Window: limit.Window.Std(),
		}
	}

	switch cfg.RateLimit.Store {
	case "", "memory":
		return ratelimit.NewLimiter(ratelimit.NewMemoryStore(), policies), nil
	case "redis":
		store, err := ratelimit.NewRedisStore(ratelimit.RedisConfig{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect rate limit store: %w", err)
		}
		return ratelimit.NewLimiter(store, policies), nil
	default:
		return nil, fmt.Errorf("unsupported ratelimit store: %s", cfg.RateLimit.Store)
	}
}

func buildEventStore(cfg *config.Config) (events.Store, error) {
	switch cfg.Events.Store {
	case "", "memory":
		return events.NewMemoryStore(), nil
	case "sqlite":
		return events.NewSQLiteStore(cfg.Events.DSN)
	case "postgres":
		return events.NewPostgresStore(cfg.Events.DSN)
	case "mysql":
		return events.NewMySQLStore(cfg.Events.DSN)
	default:
		return nil, fmt.Errorf("unsupported events store: %s", cfg.Events.Store)
	}
}

func buildTransport(cfg *config.Config) (queue.Transport, error) {
	switch cfg.Transport.Type {
	case "", "mock":
		return queue.NewMockTransport(), nil
	case "smtp":
		return queue.NewSMTPTransport(queue.SMTPConfig{
			Host:     cfg.Transport.SMTP.Host,
			Port:     cfg.Transport.SMTP.Port,
			Username: cfg.Transport.SMTP.Username,
			Password: cfg.Transport.SMTP.Password,
			From:     cfg.Transport.SMTP.From,
			UseTLS:   cfg.Transport.SMTP.UseTLS,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport.Type)
	}
}
