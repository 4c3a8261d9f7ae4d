package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/notifyr/dispatch/internal/config"
	"github.com/notifyr/dispatch/internal/handler/control"
	"github.com/notifyr/dispatch/internal/handler/health"
	"github.com/notifyr/dispatch/internal/listener"
	"github.com/notifyr/dispatch/internal/middleware"
	"github.com/notifyr/dispatch/internal/orchestrator"
	"github.com/notifyr/dispatch/internal/provider"
	"github.com/notifyr/dispatch/internal/queue"
	"github.com/notifyr/dispatch/internal/repository/postgres"
	"github.com/notifyr/dispatch/internal/scheduler"
	"github.com/notifyr/dispatch/internal/workflow"
	"github.com/notifyr/dispatch/pkg/logger"
	messagingredis "github.com/notifyr/dispatch/pkg/messaging/redis"
	"github.com/notifyr/dispatch/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)

	enterpriseID, err := uuid.Parse(cfg.Listener.EnterpriseID)
	if err != nil {
		appLogger.Fatal(err, "listener enterprise_id is not a valid UUID")
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	broker, err := messagingredis.NewBroker(messagingredis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, appLogger)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to Redis")
	}
	defer broker.Close()

	m := metrics.New("dispatch")

	baseRepo := postgres.NewBaseRepository(db, m)
	notificationRepo := postgres.NewNotificationRepository(baseRepo)
	ruleRepo := postgres.NewRuleRepository(baseRepo)
	workflowRepo := postgres.NewWorkflowRepository(baseRepo)

	resolver := workflow.NewResolver(workflowRepo, cfg.Cron.WorkflowCacheTTL)

	var deliverer provider.Provider = provider.NewHTTPProvider(provider.HTTPConfig{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
	}, appLogger)
	if cfg.Provider.SMTP.Enabled {
		smtp := provider.NewSMTPProvider(provider.SMTPConfig{
			Host:     cfg.Provider.SMTP.Host,
			Port:     cfg.Provider.SMTP.Port,
			Username: cfg.Provider.SMTP.Username,
			Password: cfg.Provider.SMTP.Password,
			From:     cfg.Provider.SMTP.From,
		}, appLogger)
		deliverer = provider.NewRouter(deliverer, smtp)
	}

	deliveryQueue := queue.New(queue.Config{
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		RetryAttempts: cfg.Queue.RetryAttempts,
		RetryDelay:    cfg.Queue.RetryDelay,
		PollInterval:  cfg.Queue.PollInterval,
		DrainTimeout:  cfg.Queue.DrainTimeout,
		ProviderRate:  cfg.Queue.ProviderRate,
		ProviderBurst: cfg.Queue.ProviderBurst,
	}, notificationRepo, resolver, deliverer, appLogger, m)

	changeListener := listener.New(listener.Config{
		EnterpriseID:     enterpriseID,
		ReconnectBackoff: cfg.Listener.ReconnectBackoff,
	}, broker, notificationRepo, deliveryQueue, appLogger, m)

	cronScheduler := scheduler.NewCronScheduler(ruleRepo, notificationRepo, deliveryQueue, appLogger, m)

	scheduledProcessor := scheduler.NewScheduledProcessor(scheduler.ScheduledConfig{
		PollInterval: cfg.Scheduled.PollInterval,
		BatchSize:    cfg.Scheduled.BatchSize,
		Parallelism:  cfg.Scheduled.Parallelism,
		NearHorizon:  cfg.Scheduled.NearHorizon,
		ErrorBackoff: cfg.Scheduled.ErrorBackoff,
	}, notificationRepo, deliveryQueue, appLogger, m)

	orch := orchestrator.New(orchestrator.Config{
		HealthInterval:     cfg.Supervise.HealthInterval,
		StopTimeout:        cfg.Supervise.StopTimeout,
		CheckpointInterval: cfg.Supervise.CheckpointInterval,
	}, appLogger,
		deliveryQueue,
		changeListener,
		cronScheduler,
		scheduledProcessor,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Logger(), gin.Recovery())
	health.NewHandler(orch, deliveryQueue, cronScheduler, m).RegisterRoutes(router)
	control.NewHandler(orch).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(err, "http server failed")
		}
	}()

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		appLogger.Fatal(err, "failed to start pipeline")
	}
	appLogger.Info("dispatcher running", "port", cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	if err := orch.Stop(shutdownCtx); err != nil {
		appLogger.Error(err, "pipeline shutdown finished with errors")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "http server shutdown failed")
	}
	appLogger.Info("shutdown complete")
}
