// Command traind is the training-job admission and execution daemon.
package main

import (
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/novalto/traind/internal/api"
	"github.com/novalto/traind/internal/artifacts"
	"github.com/novalto/traind/internal/config"
	"github.com/novalto/traind/internal/dataset"
	"github.com/novalto/traind/internal/progress"
	"github.com/novalto/traind/internal/queue"
	"github.com/novalto/traind/internal/store"
	"github.com/novalto/traind/internal/trainer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLog := config.NewLogger(cfg)
	defer closeLog()

	logger.Info("traind: starting",
		"listen_addr", cfg.ListenAddr,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"work_dir", cfg.WorkDir,
	)

	st := store.NewMemStore(logger)
	broker := progress.NewBroker()
	ds := dataset.NewMaterializer(cfg.WorkDir, int64(cfg.MaxDatasetSizeMB)<<20)

	var publisher artifacts.Publisher
	if cfg.MinIOEnabled() {
		publisher, err = artifacts.NewMinIOPublisher(artifacts.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			log.Fatalf("minio publisher: %v", err)
		}
		logger.Info("publishing artifacts to minio", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucket)
	} else {
		publisher = artifacts.NewFSPublisher(cfg.ArtifactDir)
		logger.Info("publishing artifacts to filesystem", "dir", cfg.ArtifactDir)
	}

	// TODO(training): swap in the GPU-node trainer once its container API is
	// stable; the simulated task keeps the full pipeline exercisable until then.
	tr := &trainer.Simulated{
		OutputDir: filepath.Join(cfg.WorkDir, "output"),
		Steps:     50,
		Epochs:    3,
		StepDelay: time.Second,
	}

	q := queue.New(st, tr, ds, publisher, broker, logger, queue.Options{
		Workers:        cfg.MaxConcurrentJobs,
		Capacity:       cfg.QueueCapacity,
		JobTimeout:     cfg.JobTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	q.Start()
	defer q.Stop()

	stopJanitor := startJanitor(st, cfg, logger)
	defer stopJanitor()

	srv := api.NewServer(cfg, st, q, broker, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// startJanitor periodically evicts expired terminal runs.
func startJanitor(st store.Store, cfg config.Config, logger *slog.Logger) func() {
	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if removed := st.CleanupExpired(cfg.RunRetention); removed > 0 {
					logger.Info("cleaned up expired runs", "removed", removed)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
