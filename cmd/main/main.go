package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/cache"
	"github.com/clinicdesk/wa-inbox-service/internal/config"
	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/healthcheck"
	"github.com/clinicdesk/wa-inbox-service/internal/ingestion"
	"github.com/clinicdesk/wa-inbox-service/internal/ingestion/handler"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/probe"
	"github.com/clinicdesk/wa-inbox-service/internal/realtime"
	"github.com/clinicdesk/wa-inbox-service/internal/server"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/internal/usecase"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// resolverCacheTTL bounds how long a stale instance-to-clinic mapping can
// survive a re-registration on another clinic.
const resolverCacheTTL = 5 * time.Minute

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Local development convenience, ignored when no .env exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting WA Inbox Service",
		zap.String("environment", cfg.Environment),
		zap.String("gateway_url", cfg.Gateway.BaseURL),
		zap.String("nats_url", cfg.NATS.URL),
	)

	// Initialize storage
	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	connectionRepo := storage.NewConnectionRepoAdapter(postgresRepo)
	conversationRepo := storage.NewConversationRepoAdapter(postgresRepo)
	messageRepo := storage.NewMessageRepoAdapter(postgresRepo)
	contactRepo := storage.NewContactRepoAdapter(postgresRepo)

	// Redis backs the cross-replica media locks
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// NATS carries change notifications between replicas
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.Error(err))
	}

	publisher := realtime.NewPublisher(nc, cfg.NATS.ChangeSubjectPrefix)
	hub := realtime.NewHub()
	bridge := realtime.NewBridge(nc, hub, cfg.NATS.ChangeSubjectPrefix)
	if err := bridge.Start(); err != nil {
		logger.Log.Fatal("Failed to subscribe to change subjects", zap.Error(err))
	}

	gatewayClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.RequestTimeout)

	// Media retrieval pool and its sweep companion
	mediaWorker, err := usecase.NewMediaWorker(
		cfg.WorkerPools.Media,
		cfg.Media.MaxEncodedBytes,
		messageRepo,
		connectionRepo,
		gatewayClient,
		usecase.NewRedisLocker(redisClient),
		publisher,
	)
	if err != nil {
		logger.Log.Fatal("Failed to initialize media worker pool", zap.Error(err))
	}

	resolver := cache.NewResolverCache(resolverCacheTTL)
	ingestService := usecase.NewIngestService(
		connectionRepo, conversationRepo, messageRepo, contactRepo,
		resolver, publisher, mediaWorker,
	)
	sweeper := usecase.NewMediaSweeper(messageRepo, mediaWorker, cfg.Media.SweepBatchSize, cfg.Media.SweepItemDelay)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	utils.SafeGo(func() {
		resolver.StartHousekeeping(mainCtx, resolverCacheTTL)
	}, nil)

	// Per-clinic health probing
	probeManager := probe.NewManager(connectionRepo, gatewayClient, publisher, probe.Intervals{
		Connected:    cfg.Probe.ConnectedInterval,
		Pairing:      cfg.Probe.PairingInterval,
		Disconnected: cfg.Probe.DisconnectedInterval,
		CatchUpAfter: cfg.Probe.CatchUpAfter,
	})
	if err := probeManager.Start(mainCtx); err != nil {
		logger.Log.Fatal("Failed to start probe manager", zap.Error(err))
	}

	connectionService := usecase.NewConnectionService(
		connectionRepo, gatewayClient, probeManager, resolver, cfg.Server.PublicBaseURL,
	)
	outboundService := usecase.NewOutboundService(
		connectionRepo, conversationRepo, messageRepo, gatewayClient, publisher,
	)

	// Public HTTP surface
	router := ingestion.NewWebhookRouter(handler.NewWebhookHandler(ingestService))
	httpServer := server.New(cfg, &server.Handlers{
		Webhook: server.NewWebhookHandler(router),
		API:     server.NewAPIHandler(sweeper, connectionService, outboundService, ingestService),
		WS:      server.NewWSHandler(hub),
	})
	httpServer.Start()

	// Health and metrics on the internal port
	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Metrics.Port), map[string]healthcheck.CheckFunc{
		"postgres": postgresRepo.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"nats": func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		},
	})
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.Int("port", cfg.Metrics.Port))
	}
	healthServer.Start()

	// Re-point every known instance's webhook at this deployment. Best
	// effort: per-instance failures are logged inside
	utils.SafeGo(func() {
		connectionService.RegisterWebhooks(mainCtx)
	}, nil)

	// Scheduled media sweep across all clinics
	var sweepCron *cron.Cron
	if cfg.Media.SweepSchedule != "" {
		sweepCron = cron.New()
		_, err := sweepCron.AddFunc(cfg.Media.SweepSchedule, func() {
			usecase.SweepAll(mainCtx, connectionRepo, sweeper)
		})
		if err != nil {
			logger.Log.Fatal("Invalid sweep schedule",
				zap.String("schedule", cfg.Media.SweepSchedule),
				zap.Error(err))
		}
		sweepCron.Start()
		logger.Log.Info("Scheduled media sweep enabled", zap.String("schedule", cfg.Media.SweepSchedule))
	}

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	var wg sync.WaitGroup
	shutdownStep := func(name string, stop func()) {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			start := time.Now()
			stop()
			logger.Log.Info("[shutdown] Component stopped",
				zap.String("component", name),
				zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("[shutdown] Panic while stopping component",
				zap.String("component", name),
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
			wg.Done()
		})
	}

	shutdownStep("http server", func() {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		}
	})
	shutdownStep("health server", func() {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health server", zap.Error(err))
		}
	})
	shutdownStep("probe manager", probeManager.Stop)
	shutdownStep("media worker pool", mediaWorker.Close)
	if sweepCron != nil {
		shutdownStep("sweep scheduler", func() {
			<-sweepCron.Stop().Done()
		})
	}
	shutdownStep("change bridge", bridge.Stop)
	shutdownStep("connections", func() {
		if err := postgresRepo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		}
		if err := redisClient.Close(); err != nil {
			logger.Log.Error("[shutdown] Failed to close Redis connection", zap.Error(err))
		}
		nc.Close()
	})

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("WA Inbox Service shutdown complete")
}

func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}
