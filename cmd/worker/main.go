// Package main provides the worker application entry point.
// The worker consumes job-phase and match-request events off Kafka/Redpanda
// and drives the product-video matching pipeline's finite-state machine.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tudragon/pvm-orchestrator/internal/adapter/eventbus/kafka"
	"github.com/tudragon/pvm-orchestrator/internal/adapter/httpserver"
	"github.com/tudragon/pvm-orchestrator/internal/adapter/observability"
	"github.com/tudragon/pvm-orchestrator/internal/adapter/repo/postgres"
	"github.com/tudragon/pvm-orchestrator/internal/app"
	"github.com/tudragon/pvm-orchestrator/internal/config"
	"github.com/tudragon/pvm-orchestrator/internal/domain"
	"github.com/tudragon/pvm-orchestrator/internal/matching"
	"github.com/tudragon/pvm-orchestrator/internal/phase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)
	counterRepo := postgres.NewAssetCounterRepo(pool)
	featureRepo := postgres.NewFeatureRepo(pool)
	matchRepo := postgres.NewMatchRepo(pool)

	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, "pvm-orchestrator-worker", cfg.BreakerMaxRequests)
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close kafka producer", slog.Any("error", err))
		}
	}()

	if adminClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...)); err == nil {
		kafka.EnsureTopics(ctx, adminClient, 6, 1)
		adminClient.Close()
	} else {
		slog.Warn("topic provisioning client init failed", slog.Any("error", err))
	}

	retryCfg := domain.RetryConfig{
		MaxRetries:   cfg.RetryMaxRetries,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		Jitter:       cfg.RetryJitter,
	}
	retryMgr := kafka.NewRetryManager(producer, retryCfg)

	watermarkCfg := phase.WatermarkConfig{
		Collection:        cfg.CollectionWatermark,
		FeatureExtraction: cfg.FeatureExtractionWatermark,
		Evidence:          cfg.EvidenceWatermark,
	}
	phaseSvc := phase.NewService(ledgerRepo, counterRepo, jobRepo, matchRepo, producer, watermarkCfg)

	matchingCfg := matching.Config{
		RetrievalTopK:  cfg.RetrievalTopK,
		SimDeepMin:     cfg.SimDeepMin,
		InliersMin:     cfg.InliersMin,
		MatchBestMin:   cfg.MatchBestMin,
		MatchConsMin:   cfg.MatchConsMin,
		MatchHighConf:  cfg.MatchHighConf,
		MatchAccept:    cfg.MatchAccept,
		RANSACReprojPx: cfg.KeypointRANSACReprojPx,
	}
	matchEngine := matching.NewEngine(featureRepo, matchRepo, ledgerRepo, nil, producer, matchingCfg)

	dispatch := kafka.Dispatcher{}
	for topic, handler := range phaseSvc.Dispatcher() {
		dispatch[topic] = handler
	}
	for topic, handler := range matchEngine.Dispatcher() {
		dispatch[topic] = handler
	}

	if err := phaseSvc.RebuildWatermarks(ctx); err != nil {
		slog.Error("rebuild watermarks failed", slog.Any("error", err))
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         "pvm-orchestrator-workers",
		Topics:          topicsOf(dispatch),
		Prefetch:        int64(cfg.Prefetch),
		HandlerDeadline: cfg.HandlerDeadline,
	}, dispatch, retryMgr)
	if err != nil {
		slog.Error("kafka consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close kafka consumer", slog.Any("error", err))
		}
	}()

	dlqConsumer, err := kafka.NewDLQConsumer(cfg.KafkaBrokers, "pvm-orchestrator-dlq-workers", producer, cfg.DLQCooldown)
	if err != nil {
		slog.Error("DLQ consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dlqConsumer.Stop()
	if err := dlqConsumer.Start(ctx); err != nil {
		slog.Error("DLQ consumer start error", slog.Any("error", err))
	}

	sweeper := phase.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxAge, cfg.StuckJobSweepPeriod)
	go sweeper.Run(ctx)

	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	go func() {
		slog.Info("starting kafka consumer")
		if err := consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	srv := httpserver.NewServer(jobRepo, matchRepo, app.BuildReadinessChecks(cfg, pool))
	router := app.BuildRouter(cfg, srv)
	httpSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      otelhttp.NewHandler(router, "pvm-orchestrator-http"),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("starting ambient http server", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", slog.Any("error", err))
	}
	cancelConsumer()
	slog.Info("worker stopped")
}

func topicsOf(dispatch kafka.Dispatcher) []string {
	topics := make([]string, 0, len(dispatch))
	for topic := range dispatch {
		topics = append(topics, topic)
	}
	return topics
}

