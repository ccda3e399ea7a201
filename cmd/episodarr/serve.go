package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/amaumene/episodarr/internal/api"
	"github.com/amaumene/episodarr/internal/config"
	"github.com/amaumene/episodarr/internal/controllers"
	"github.com/amaumene/episodarr/internal/metrics"
	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/scheduler"
	"github.com/amaumene/episodarr/internal/services/broadcast"
	"github.com/amaumene/episodarr/internal/services/feed"
	"github.com/amaumene/episodarr/internal/services/fetcher"
	"github.com/amaumene/episodarr/internal/services/qbittorrent"
	"github.com/amaumene/episodarr/internal/services/rules"
	"github.com/amaumene/episodarr/internal/services/transcoder"
	"github.com/amaumene/episodarr/internal/utils"
	"github.com/amaumene/episodarr/internal/workers"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	if parent == nil {
		parent = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// 1. Single instance lock
	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", cfg.LockFile)
	}
	defer lock.Unlock()

	logger.Info("Starting Episodarr")
	logger.WithField("config_file", cfg.ConfigFile).Info("Configuration loaded")

	// 2. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("Database initialized")

	// 3. Load blacklist
	blacklist, err := utils.LoadBlacklist(cfg.BlacklistFile)
	if err != nil {
		logger.WithError(err).Warn("Failed to load blacklist, continuing without it")
		blacklist = utils.NewBlacklist()
	} else {
		logger.WithField("terms", blacklist.Len()).Info("Blacklist loaded")
	}

	// 4. Live settings, metrics and event hub
	settings := config.NewSettings(logger)
	settings.Watch()
	m := metrics.New()
	hub := broadcast.NewHub(256, m.BroadcastDropped, logger)

	// 5. Initialize services
	torrent, err := qbittorrent.NewClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize qBittorrent client: %w", err)
	}
	defer torrent.Close()
	logger.WithField("url", cfg.QBitURL).Info("qBittorrent client initialized")

	downloader := fetcher.NewClient(cfg.Retry, logger)
	defer downloader.Close()
	scraper := feed.NewClient(logger)
	ruleEngine := rules.NewEngine(logger)
	ffmpeg := transcoder.New(cfg.FFmpegPath, cfg.FFprobePath, logger)

	// 6. Initialize controllers
	status := controllers.NewStatusAggregator(db, hub, logger)
	planner := controllers.NewPlanner(db, cfg.QualityPriority, logger)
	renamer := controllers.NewRenameController(db, torrent, ruleEngine, logger)
	logger.Info("Controllers initialized")

	// 7. Initialize workers
	agent := workers.NewAcquisitionAgent(db, torrent, renamer, status, hub, m, logger)
	pool := workers.NewDownloadPool(db, downloader, status, hub, settings, cfg.DownloadTick, m, logger)
	slicer := workers.NewSliceWorker(db, ffmpeg, status, hub, cfg.DeleteSlicedSource, m, logger)
	renameWorker := workers.NewRenameWorker(db, renamer, status, hub, m, logger)

	// 8. Initialize scheduler
	sched, err := scheduler.NewScheduler(
		db, scraper, ruleEngine, torrent, downloader, planner,
		agent, pool, slicer, status, hub, blacklist, m,
		scheduler.Options{
			Interval:                 cfg.ScanInterval,
			Tick:                     cfg.SchedulerTick,
			DiskVerifySchedule:       cfg.DiskVerifySchedule,
			TorrentReconcileSchedule: cfg.TorrentReconcileSchedule,
			ViewingExpirySchedule:    cfg.ViewingExpirySchedule,
			ViewingTimeout:           cfg.ViewingTimeout,
			TitleMatchDistance:       cfg.TitleMatchDistance,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// 9. Initialize HTTP server
	server := api.NewServer(cfg, api.Dependencies{
		DB:        db,
		Scans:     sched,
		Renames:   renameWorker,
		Viewing:   status,
		Events:    hub,
		Metrics:   m.Handler(),
		Started:   time.Now(),
		SSEBuffer: 64,
	}, logger)

	// 10. Start the loops
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){agent.Run, pool.Run, slicer.Run, renameWorker.Run, sched.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	logger.Info("Episodarr is running")

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		if err := <-serverErr; err != nil {
			logger.WithError(err).Error("Error during server shutdown")
		}
	}

	// 11. Wait for the loops, bounded
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.WithField("timeout", shutdownTimeout).Warn("Workers did not stop in time")
	}

	logger.Info("Episodarr stopped")
	return runErr
}
