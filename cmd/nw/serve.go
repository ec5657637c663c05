package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/newsflow/internal/config"
	"github.com/alfredjeanlab/newsflow/internal/dedup"
	"github.com/alfredjeanlab/newsflow/internal/export"
	"github.com/alfredjeanlab/newsflow/internal/notify"
	"github.com/alfredjeanlab/newsflow/internal/pipeline"
	"github.com/alfredjeanlab/newsflow/internal/prefs"
	"github.com/alfredjeanlab/newsflow/internal/store/postgres"
	"github.com/alfredjeanlab/newsflow/internal/stream"
)

// janitorInterval is how often the index prune and notification purge run.
// Both horizons are hours; sweeping every few minutes keeps the tables tight
// without mattering to correctness.
const janitorInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		bus, err := stream.Connect(cfg.NATSURL)
		if err != nil {
			st.Close()
			return err
		}

		startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer startCancel()

		subjects := []string{cfg.InputSubject, cfg.OutputSubject}
		if err := bus.EnsureStream(startCtx, cfg.StreamName, subjects); err != nil {
			bus.Close()
			st.Close()
			return err
		}

		cache := prefs.NewCache(st, cfg.PrefsRefresh, logger)
		if err := cache.Start(startCtx); err != nil {
			bus.Close()
			st.Close()
			return err
		}
		logger.Info("preference snapshot loaded",
			"subscribers", len(cache.Snapshot()), "refresh", cfg.PrefsRefresh)

		filter := dedup.New(st, cfg.SimilarityThreshold, cfg.DedupWindow,
			cfg.MaxAttempts, cfg.BackoffBase, logger)
		channel := notify.NewSMTPChannel(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPass, cfg.FromAddress)
		sender := notify.NewDispatcher(channel, cfg.MaxAttempts, cfg.BackoffBase, logger)
		pipe := pipeline.New(st, filter, cache, sender, bus,
			cfg.OutputSubject, cfg.ReservationLease, logger)

		// The ack wait matches the reservation lease: if a worker dies
		// mid-message, the stream redelivers around the same time the
		// abandoned reservations become reclaimable.
		consumer, err := bus.Consumer(startCtx, cfg.StreamName, cfg.ConsumerGroup,
			cfg.InputSubject, cfg.ReservationLease, logger)
		if err != nil {
			cache.Stop()
			bus.Close()
			st.Close()
			return err
		}

		runCtx, runCancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		for i := 0; i < cfg.Workers; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				if err := consumer.Run(runCtx, pipe.Handle); err != nil {
					logger.Error("worker stopped", "worker", worker, "err", err)
				}
			}(i)
		}

		janitor := pipeline.NewJanitor(st, cfg.DedupWindow, cfg.Retention, janitorInterval, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			janitor.Run(runCtx)
		}()

		var scheduler *export.Scheduler
		if cfg.ExportInterval > 0 && cfg.ExportS3Bucket != "" {
			dest, err := export.NewS3Destination(startCtx,
				cfg.ExportS3Bucket, cfg.ExportS3Prefix, cfg.ExportS3Region, cfg.ExportS3Endpoint)
			if err != nil {
				logger.Error("failed to create dead-letter export destination", "err", err)
			} else {
				scheduler = export.NewScheduler(st, []export.Destination{dest},
					cfg.ExportInterval, logger)
				scheduler.Start()
				logger.Info("dead-letter export started",
					"bucket", cfg.ExportS3Bucket, "interval", cfg.ExportInterval)
			}
		}

		logger.Info("pipeline started",
			"stream", cfg.StreamName,
			"input", cfg.InputSubject,
			"output", cfg.OutputSubject,
			"group", cfg.ConsumerGroup,
			"workers", cfg.Workers,
			"threshold", cfg.SimilarityThreshold,
			"window", cfg.DedupWindow,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Stop fetching; in-flight messages settle before the stores close.
		runCancel()
		wg.Wait()
		logger.Info("workers stopped")

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("dead-letter export stopped")
		}

		cache.Stop()

		if err := bus.Close(); err != nil {
			logger.Error("error closing stream connection", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
