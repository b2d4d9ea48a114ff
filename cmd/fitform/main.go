package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tailorview/fitform/internal/api"
	"github.com/tailorview/fitform/internal/artifact"
	"github.com/tailorview/fitform/internal/config"
	"github.com/tailorview/fitform/internal/engine"
	"github.com/tailorview/fitform/internal/provider"
	"github.com/tailorview/fitform/internal/queue"
	"github.com/tailorview/fitform/internal/store"
)

const queueKey = "fitform:jobs"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("fitform: starting",
		"listen_addr", cfg.ListenAddr,
		"db_url", cfg.DBURL,
		"storage_backend", cfg.StorageBackend,
		"queue_mode", cfg.QueueMode,
	)

	db, err := store.Open(cfg.DBURL)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init artifact store: %v", err)
	}

	eng := engine.NewEngine(db, newProviderClient(cfg, logger), artifacts, logger, engine.Options{
		SubmitMaxAttempts: cfg.SubmitMaxAttempts,
		SubmitBackoffBase: time.Duration(cfg.SubmitBackoffBase),
		SubmitBackoffCap:  time.Duration(cfg.SubmitBackoffCap),
		PollInterval:      time.Duration(cfg.PollInterval),
		PollMaxAttempts:   cfg.PollMaxAttempts,
		MaxConcurrent:     cfg.MaxConcurrent,
		MandatoryArtifact: cfg.MandatoryArtifact,
		PhotoURLPrefix:    photoURLPrefix(cfg),
		SignedURLTTL:      time.Duration(cfg.SignedURLTTL),
	})

	if cfg.QueueMode == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		q := queue.NewRedisQueue(rdb, queueKey, logger)
		eng.SetDispatcher(q)
		q.Start(ctx, eng, cfg.MaxConcurrent)
		logger.Info("dispatching through redis queue", "addr", cfg.RedisAddr)
	}

	eng.StartReaper(ctx, time.Duration(cfg.ReaperInterval), cfg.PipelineBudget())

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger, cfg.EstimatedSeconds)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Best-effort drain: in-flight pipelines stop at their next poll
	// boundary and the reaper finalizes whatever was abandoned on restart.
	cancel()
	eng.Close()
	eng.Wait()
}

func newProviderClient(cfg config.Config, logger *slog.Logger) provider.Client {
	if cfg.ProviderAPIKey == "" || cfg.ProviderEndpointID == "" {
		logger.Warn("provider not configured, using mock client")
		return provider.NewMockClient()
	}
	return provider.NewRunPodClient(cfg.ProviderBaseURL, cfg.ProviderEndpointID, cfg.ProviderAPIKey)
}

func newArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	if cfg.StorageBackend == "s3" {
		return artifact.NewS3Store(ctx, cfg.StorageBucket, cfg.StorageRegion)
	}
	return artifact.NewHTTPStore(cfg.StorageBaseURL, cfg.StorageAPIKey, cfg.StorageBucket, cfg.PhotoBucket), nil
}

// photoURLPrefix is the public prefix of the private photo bucket; photo
// URLs under it get swapped for signed URLs before submission.
func photoURLPrefix(cfg config.Config) string {
	if cfg.StorageBackend != "http" || cfg.StorageBaseURL == "" {
		return ""
	}
	return cfg.StorageBaseURL + "/storage/v1/object/public/" + cfg.PhotoBucket + "/"
}
