package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"digemidscraper/internal/adapters/browser"
	"digemidscraper/internal/adapters/db"
	"digemidscraper/internal/adapters/localstorage"
	"digemidscraper/internal/adapters/spreadsheet"
	"digemidscraper/internal/config"
	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/logging"
	"digemidscraper/internal/ratelimit"
	"digemidscraper/internal/service"
)

func main() {
	envPath := flag.String("env", "", "Path to a .env file (default ./.env)")
	once := flag.Bool("once", false, "Drain the queue once and exit, ignoring POLL_SCHEDULE")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)

	logger.Info("=== DIGEMID Location Scraper ===",
		"region", cfg.RegionName,
		"region_code", cfg.RegionCode,
		"exports_dir", cfg.ExportsDir,
		"driver", cfg.DBDriver)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warn("received signal, stopping after the current task", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, *once, logger); err != nil {
		if ctx.Err() != nil {
			logger.Info("stopped")
			return
		}
		logger.Error("scraper failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *slog.Logger) error {
	// Initialize adapters
	database, err := db.New(ctx, db.Config{
		Driver:         cfg.DBDriver,
		DSN:            cfg.DatabaseURL,
		QueueTable:     cfg.QueueTable,
		LocationsTable: cfg.LocationsTable,
		Migrate:        cfg.DBMigrate,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	queue := db.NewTaskQueue(database, domain.TaskTypeLocationScrape)
	store := db.NewLocationStore(database, db.DefaultBatchSize)

	exports := localstorage.NewLocalStorage(cfg.ExportsDir, cfg.ArchiveDir)
	if err := exports.EnsureDir(); err != nil {
		return err
	}

	portal := browser.NewChromePortal(browser.Config{
		URL:             cfg.PortalURL,
		Headless:        cfg.Headless,
		StepTimeout:     cfg.StepTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
	}, logger)

	fetcher := service.NewExportFetcher(portal, ratelimit.NewGuard(nil, nil), exports, service.FetcherConfig{
		Attempts:   cfg.FetchAttempts,
		RetryPause: cfg.FetchRetryPause,
	}, logger)
	defer fetcher.Close()

	backoff, err := ratelimit.NewBackoff(cfg.CooldownStrategy, cfg.Cooldown, cfg.CooldownMax)
	if err != nil {
		return err
	}

	// Create orchestrator
	orchestrator := service.NewOrchestrator(queue, store, exports, spreadsheet.NewImporter(), fetcher, backoff,
		service.Config{
			RegionCode:     cfg.RegionCode,
			RegionName:     cfg.RegionName,
			StaleAfter:     cfg.StaleAfter,
			SkipExisting:   cfg.SkipExisting,
			SearchDelayMin: cfg.SearchDelayMin,
			SearchDelayMax: cfg.SearchDelayMax,
		}, logger)

	if once || cfg.PollSchedule == "" {
		summary, err := orchestrator.Run(ctx)
		printSummary(summary)
		return err
	}

	schedule, err := cron.ParseStandard(cfg.PollSchedule)
	if err != nil {
		return fmt.Errorf("invalid POLL_SCHEDULE: %w", err)
	}
	logger.Info("polling", "schedule", cfg.PollSchedule)
	return orchestrator.Serve(ctx, schedule)
}

func printSummary(s domain.RunSummary) {
	fmt.Println("\n=== Run Summary ===")
	fmt.Printf("Run ID:         %s\n", s.RunID)
	fmt.Printf("Staged imports: %d\n", s.StagedImported)
	fmt.Printf("Tasks done:     %d\n", s.TasksDone)
	fmt.Printf("Tasks skipped:  %d\n", s.TasksSkipped)
	fmt.Printf("Tasks failed:   %d\n", s.TasksFailed)
	fmt.Printf("Blocks:         %d\n", s.Blocks)
	fmt.Printf("Records:        %d\n", s.Records)
	fmt.Printf("Finished At:    %s\n", s.FinishedAt.Format(time.RFC3339))
}
