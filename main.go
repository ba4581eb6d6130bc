package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"booksync/config"
	"booksync/internal/channel/book"
	"booksync/internal/metrics"
	"booksync/logger"
	"booksync/models"
	"booksync/processor"
	"booksync/reader/probit"
	"booksync/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.BookSync.Name,
		"version":     cfg.BookSync.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting booksync")

	// Installed before the initial book build so a signal cancels it.
	ctx, cancel := shutdownContext()
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Storage.S3.Region, "BookSync", cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == logger.ReportLevel {
		logger.StartReport(ctx, log, cfg.Logging.ReportPeriod)
	}

	var wg sync.WaitGroup

	if cfg.Metrics.Enabled {
		metrics.Init()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	queue := book.NewQueue()
	defer queue.Close()
	metrics.StartQueueDepthMetrics(ctx, queue, cfg.Channels.QueueDepthInterval)

	source := probit.NewDataSource(cfg.Source.Probit, probit.WithLogger(log))

	trackers, err := source.TrackingPairs(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown requested while building initial order books")
		wg.Wait()
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to build initial order books")
		os.Exit(1)
	}

	batches := make(chan models.LevelBatch, 256)
	maintainer := processor.NewMaintainer(cfg, queue, batches)
	maintainer.Seed(trackers)

	var snapshotWriter *writer.SnapshotWriter
	if cfg.Storage.S3.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(ctx, cfg, batches)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; archived snapshots are discarded")
		go discard(ctx, batches)
	}

	if err := maintainer.Start(ctx); err != nil {
		log.WithError(err).Error("maintainer failed to start")
		os.Exit(1)
	}
	if snapshotWriter != nil {
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Error("s3 writer failed to start")
			os.Exit(1)
		}
	}

	loops := map[string]func(context.Context, book.Sink) error{}
	if cfg.Source.Probit.Snapshots.Enabled {
		loops["snapshots"] = source.ListenForOrderBookSnapshots
	}
	if cfg.Source.Probit.Stream.Diffs {
		loops["diffs"] = source.ListenForOrderBookDiffs
	}
	if cfg.Source.Probit.Stream.Trades {
		loops["trades"] = source.ListenForTrades
	}
	for name, loop := range loops {
		wg.Add(1)
		go func(name string, loop func(context.Context, book.Sink) error) {
			defer wg.Done()
			if err := loop(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
				log.WithComponent("main").WithError(err).WithFields(logger.Fields{"loop": name}).Warn("loop exited")
			}
		}(name, loop)
	}

	log.WithFields(logger.Fields{"loops": len(loops), "pairs": len(trackers)}).Info("all components started successfully")

	<-ctx.Done()
	log.Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		log.Info("stopping maintainer")
		maintainer.Stop()
		if snapshotWriter != nil {
			log.Info("stopping S3 writer")
			snapshotWriter.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("booksync stopped")
}

// shutdownContext is cancelled on SIGINT or SIGTERM.
func shutdownContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// discard empties the archive channel when no writer is configured.
func discard(ctx context.Context, in <-chan models.LevelBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in:
		}
	}
}
