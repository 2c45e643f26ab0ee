package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"daybook/sync-service/internal/config"
	"daybook/sync-service/internal/gcal"
	"daybook/sync-service/internal/recurrence"
	"daybook/sync-service/internal/repository"
	"daybook/sync-service/internal/service"
	"daybook/sync-service/pkg/db"
	"daybook/sync-service/pkg/logger"
	"daybook/sync-service/pkg/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.LoadConfig()
	appLogger := logger.NewLogger("sync-service")
	appMetrics := metrics.NewMetrics("sync_service")

	conn, err := db.NewConnection(db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
	})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	if err := conn.Migrate(); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		appLogger.Fatalf("Failed to ping redis: %v", err)
	}
	cancel()

	provider, err := gcal.NewClient(context.Background(), cfg.Google.CredentialsFile, cfg.Google.TokenFile)
	if err != nil {
		appLogger.Fatalf("Failed to create provider client: %v", err)
	}

	watchRepo := repository.NewWatchRepository(conn.DB)
	eventRepo := repository.NewEventRepository(conn.DB)
	cacheRepo := repository.NewCacheRepository(redisClient)

	transitions := service.NewTransitionService(
		eventRepo, recurrence.NewExpander(),
		repository.FieldPolicy(cfg.Sync.FieldPolicy),
		appLogger, appMetrics,
	)
	syncService := service.NewSyncService(
		provider, eventRepo, watchRepo, cacheRepo, transitions,
		appLogger, appMetrics,
	)

	maintenance := service.NewMaintenanceService(
		provider, watchRepo, eventRepo, cacheRepo,
		service.MaintenanceConfig{
			RenewWindow:    cfg.Sync.RenewWindow,
			ActivityWindow: cfg.Sync.ActivityWindow,
			WatchTTL:       cfg.Sync.WatchTTL,
			WebhookURL:     cfg.Google.WebhookURL,
			Concurrency:    cfg.Sync.Concurrency,
		},
		appLogger, appMetrics,
	)

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Sync.MaintenanceSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		users, err := watchRepo.ListUsers(ctx)
		if err != nil {
			appLogger.Errorf("Maintenance sweep failed to list users: %v", err)
			return
		}
		if err := maintenance.MaintainUsers(ctx, users); err != nil {
			appLogger.Errorf("Maintenance sweep finished with errors: %v", err)
		}

		// Maintenance may have flagged watches for a full pull.
		for _, user := range users {
			if err := syncService.ResyncFlagged(ctx, user); err != nil {
				appLogger.Errorf("Forced resync for user %s finished with errors: %v", user, err)
			}
		}
	})
	if err != nil {
		appLogger.Fatalf("Invalid maintenance cron spec %q: %v", cfg.Sync.MaintenanceSpec, err)
	}
	scheduler.Start()

	// Metrics endpoint.
	metricsServer := &http.Server{
		Addr:    ":" + cfg.Server.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Metrics server failed: %v", err)
		}
	}()

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(logger.UnaryServerInterceptor(appLogger)),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	listener, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		appLogger.Fatalf("Failed to listen on port %s: %v", cfg.Server.GRPCPort, err)
	}

	appLogger.Infof("Sync service listening on port %s", cfg.Server.GRPCPort)

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			appLogger.Fatalf("Failed to serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Metrics server shutdown failed: %v", err)
	}
	grpcServer.GracefulStop()
	appLogger.Info("Server stopped")
}
