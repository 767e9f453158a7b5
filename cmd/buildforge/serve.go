package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"buildforge/internal/ai"
	"buildforge/internal/api"
	"buildforge/internal/artifacts"
	"buildforge/internal/auth"
	"buildforge/internal/config"
	"buildforge/internal/db"
	"buildforge/internal/events"
	"buildforge/internal/executor"
	"buildforge/internal/jobs"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/internal/middleware"
	"buildforge/internal/projects"
	"buildforge/internal/routing"
	"buildforge/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	shutdownTimeout      = 30 * time.Second
	providerHealthPeriod = 5 * time.Minute
	limiterCleanupPeriod = 10 * time.Minute
	metricsSamplePeriod  = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the build workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init()
	log := logging.L()
	log.Info("starting buildforge",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
	)
	metrics.Get().SetBuildInfo(version, commit, buildDate)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	rdb := connectRedis(ctx, cfg.RedisURL)
	if rdb != nil {
		defer rdb.Close()
	}

	jobStore := jobs.NewStore(database.DB)
	projectStore := projects.NewStore(database.DB)
	tracker := usage.NewTracker(database.DB)
	bus := events.NewBus(jobStore)

	gateway := newGateway(cfg)
	gateway.SetUsageRecorder(tracker)
	gateway.StartHealthMonitor(ctx, providerHealthPeriod)

	rules, err := loadRules(ctx, cfg.RoutingRulesPath)
	if err != nil {
		return err
	}

	deps := executor.Deps{
		Store:    jobStore,
		Bus:      bus,
		Gateway:  gateway,
		Rules:    rules,
		Projects: projectStore,
		Cancels:  executor.NewCancelRegistry(rdb),
	}
	if cfg.ArtifactBucket != "" {
		packager, err := artifacts.NewS3Packager(ctx, artifacts.S3Config{
			Bucket:   cfg.ArtifactBucket,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.ArtifactEndpoint,
			URLTTL:   cfg.ArtifactURLTTL,
		})
		if err != nil {
			return err
		}
		deps.Packager = packager
		log.Info("artifacts publish to S3", zap.String("bucket", cfg.ArtifactBucket))
	}

	svc := executor.NewService(deps, executor.Config{
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.WorkerQueueSize,
		MaxSteps:  cfg.MaxPlanSteps,
	})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}
	defer svc.Stop()

	janitorCfg := events.DefaultJanitorConfig()
	janitorCfg.Grace = cfg.StreamGrace
	janitorCfg.Retention = cfg.JobRetention
	janitor, err := events.NewJanitor(bus, jobStore, janitorCfg)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	collector := metrics.NewCollector(database.DB, bus.Streams, metricsSamplePeriod)
	collector.Start(ctx)
	defer collector.Stop()

	secret, err := jwtSecret(cfg)
	if err != nil {
		return err
	}
	tokens := auth.NewJWTService(secret, "buildforge", cfg.TokenTTL)

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitRPM, 0)
	go limiter.RunCleanup(ctx, limiterCleanupPeriod)

	server := api.NewServer(api.Deps{
		Jobs:      jobStore,
		Bus:       bus,
		Builds:    svc,
		Projects:  projectStore,
		Providers: gateway,
		Rules:     rules,
		Usage:     tracker,
		Tokens:    tokens,
		Health:    database.Health,
	}, api.Options{
		CORSOrigins: cfg.CORSOrigins,
		Production:  cfg.IsProduction(),
		RateLimiter: limiter,
		TokenTTL:    cfg.TokenTTL,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown did not complete", zap.Error(err))
	}
	return nil
}

// openDatabase connects and brings the schema up to date: versioned SQL
// migrations on postgres, AutoMigrate on sqlite.
func openDatabase(cfg *config.Config) (*db.Database, error) {
	database, err := db.NewDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	if database.Driver == db.DriverSQLite {
		err = database.AutoMigrate(&projects.Project{}, &jobs.Job{}, &jobs.Event{}, &usage.AIUsage{})
	} else {
		err = migrateUp(cfg.Database.URL())
	}
	if err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func migrateUp(url string) error {
	runner, err := db.NewMigrationRunner(url)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up()
}

// connectRedis returns nil when Redis is not configured or unreachable;
// cancellation flags then stay in process memory.
func connectRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		return nil
	}
	rdb, err := db.NewRedisClient(ctx, db.DefaultRedisConfig(url))
	if err != nil {
		logging.L().Warn("redis unavailable, using in-memory cancellation", zap.Error(err))
		return nil
	}
	return rdb
}

func newGateway(cfg *config.Config) *ai.Gateway {
	var clients []ai.Client
	if cfg.ClaudeAPIKey != "" {
		clients = append(clients, ai.NewClaudeClient(cfg.ClaudeAPIKey, ""))
	}
	if cfg.OpenAIAPIKey != "" {
		clients = append(clients, ai.NewOpenAIClient(cfg.OpenAIAPIKey, ""))
	}
	if cfg.GeminiAPIKey != "" {
		clients = append(clients, ai.NewGeminiClient(cfg.GeminiAPIKey, ""))
	}
	if cfg.GrokAPIKey != "" {
		clients = append(clients, ai.NewGrokClient(cfg.GrokAPIKey, ""))
	}
	if len(clients) == 0 {
		logging.L().Warn("no AI provider keys configured; every build will fail")
	}

	gwCfg := ai.DefaultGatewayConfig()
	gwCfg.Timeout = cfg.AITimeout
	if len(cfg.ProviderPreference) > 0 {
		gwCfg.Preference = cfg.ProviderPreference
	}
	gw := ai.NewGateway(gwCfg, clients...)
	logging.L().Info("provider gateway ready", zap.Any("providers", gw.Providers()))
	return gw
}

// loadRules returns the routing rules, watching the file for edits when
// one is configured
func loadRules(ctx context.Context, path string) (*routing.RuleSet, error) {
	if path == "" {
		return routing.NewRuleSet(nil), nil
	}
	table, err := routing.LoadRules(path)
	if err != nil {
		return nil, err
	}
	set := routing.NewRuleSet(table)

	watcher, err := routing.NewRulesWatcher(path, set)
	if err != nil {
		logging.L().Warn("routing rules will not reload", zap.String("path", path), zap.Error(err))
		return set, nil
	}
	watcher.Start(ctx)
	return set, nil
}

func jwtSecret(cfg *config.Config) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	secret, err := config.GenerateSecureSecret(48)
	if err != nil {
		return "", err
	}
	logging.L().Warn("JWT_SECRET not set; using an ephemeral secret, tokens will not survive a restart")
	return secret, nil
}
