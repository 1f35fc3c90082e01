package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/lease"
	"example.com/healthsync/internal/outbox"
	persistence "example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/scheduler"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	defaultLoc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.Fatalf("invalid default timezone %q: %v", cfg.DefaultTimezone, err)
	}

	repo := persistence.NewRepository(pool)
	fitClient := provider.NewGoogleFitClient(provider.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		BaseURL:      cfg.ProviderBaseURL,
		AuthURL:      cfg.ProviderAuthURL,
		TokenURL:     cfg.ProviderTokenURL,
	})

	worker := domain.NewWorker(repo, repo, fitClient, domain.WorkerConfig{
		Window:          time.Duration(cfg.SyncWindowDays) * 24 * time.Hour,
		MinStart:        cfg.SyncMinStart,
		DefaultTimezone: defaultLoc,
	})

	userLease := lease.NewRedisLease(redisClient, cfg.LeaseTTL)
	orchestrator := domain.NewOrchestrator(worker, repo, userLease, cfg.BatchConcurrency, cfg.SyncTimeout)

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	runner := scheduler.New(nil, ctx)
	if _, err := runner.Add(cfg.SyncSchedule, func(jobCtx context.Context) {
		result := orchestrator.RunBatch(jobCtx)
		log.Printf("scheduled batch: processed=%d succeeded=%d failed=%d skipped=%d",
			result.UsersProcessed, result.Succeeded, result.Failed, result.Skipped)
	}); err != nil {
		log.Fatalf("invalid sync schedule %q: %v", cfg.SyncSchedule, err)
	}
	runner.Start()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("syncd metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("syncd shutdown requested")
	runner.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
