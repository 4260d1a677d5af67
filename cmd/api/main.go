package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docflowai/docqueue/internal/api"
	"github.com/docflowai/docqueue/internal/config"
	"github.com/docflowai/docqueue/internal/executor"
	"github.com/docflowai/docqueue/internal/fs"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
	"github.com/docflowai/docqueue/internal/service"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	lg := logger.NewDefault()
	logger.SetDefaultLogger(lg)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		lg.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize repositories and filesystem
	jobRepo := repository.NewJobRepository(db)
	fsService := fs.NewService(cfg.JobQueue.DataRoot)

	// Initialize the extraction executor
	llmExecutor := executor.NewLLMExecutor(&executor.LLMConfig{
		Model:          cfg.Extractor.Model,
		APIKey:         cfg.Extractor.APIKey,
		BaseURL:        cfg.Extractor.BaseURL,
		TimeoutSeconds: cfg.Extractor.TimeoutSeconds,
	})

	// Initialize services
	heavyGate := service.NewGate(cfg.Concurrency.MaxParallelHeavyJobs)
	runner := service.NewRunner(
		jobRepo,
		fsService,
		llmExecutor,
		heavyGate,
		cfg.JobQueue.LeaseWindow(),
		time.Duration(cfg.Timeouts.JobTimeoutSeconds)*time.Second,
	)
	submitService := service.NewSubmitService(jobRepo, fsService, cfg.JobQueue, cfg.Upload)
	immediateService := service.NewImmediate(submitService, runner, jobRepo, cfg.Immediate)

	// Background workers: dispatcher, rescheduler, cleanup
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	dispatcher := service.NewDispatcher(
		jobRepo,
		runner,
		cfg.Concurrency.DispatcherWorkers,
		time.Duration(cfg.Concurrency.PollIntervalSeconds)*time.Second,
	)
	dispatcher.Start(bgCtx)

	rescheduler := service.NewRescheduler(
		jobRepo,
		fsService,
		cfg.JobQueue.MaxAttempts,
		time.Duration(cfg.Rescheduler.IntervalSeconds)*time.Second,
	)
	go rescheduler.Start(bgCtx)

	if cfg.Cleanup.Enabled {
		cleanup := service.NewCleanup(
			jobRepo,
			fsService,
			time.Duration(cfg.Cleanup.TTLDays)*24*time.Hour,
			time.Duration(cfg.Cleanup.IntervalMinutes)*time.Minute,
		)
		go cleanup.Start(bgCtx)
	}

	// Setup router
	router := api.SetupRouter(submitService, immediateService, jobRepo, cfg, lg)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		lg.Infof("Starting API server on port %d (mode=%s)", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Fatalf("Server forced to shutdown: %v", err)
	}

	// Stop pollers and wait for in-flight jobs to settle
	bgCancel()
	dispatcher.Wait()

	lg.Info("Server exited")
}
