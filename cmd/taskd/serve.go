package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/spf13/cobra"

	"github.com/opsforge/taskd/config"
	"github.com/opsforge/taskd/errors"
	"github.com/opsforge/taskd/logger"
	"github.com/opsforge/taskd/ratelimit"
	"github.com/opsforge/taskd/server"
	"github.com/opsforge/taskd/task"
)

const shutdownGracePeriod = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task scheduling HTTP service",
	Long: `Start the HTTP service: worker pool, priority queue, rate limiter,
task cleanup, and the WebSocket update feed. Configuration is read from
environment variables (TASK_MIN_TIME, CONCURRENCY, MAX_TASKS_QUEUE, ...).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		// The root command already initialized the logger from the
		// --json-logs flag; LOG_JSON in the environment upgrades the
		// console default to JSON without a third init path
		if cfg.LogJSON && !logger.JSONOutput {
			if err := logger.Initialize(true); err != nil {
				return errors.Wrap(err, "failed to initialize logger")
			}
		}
		return runServe(cfg)
	},
}

func runServe(cfg *config.Config) error {
	log := logger.Logger
	log.Infow("Starting taskd",
		"port", cfg.Port,
		"concurrency", cfg.Concurrency,
		"max_tasks_queue", cfg.MaxTasksQueue,
	)

	clk := clock.NewClock()

	registry := task.DefaultRegistry(clk,
		time.Duration(cfg.TaskMinTime)*time.Second,
		time.Duration(cfg.TaskMaxTime)*time.Second,
	)

	manager := task.NewManager(task.Options{
		MaxQueueSize: cfg.MaxTasksQueue,
		Concurrency:  cfg.Concurrency,
		CleanupAfter: cfg.CleanupAfter(),
	}, registry, clk, log)
	manager.Start()

	limiter := ratelimit.New(cfg.MaxRequestsPerIP, cfg.RateLimitWindow(),
		cfg.RateLimitCleanupEvery(), clk, log)
	limiter.StartCleanup()

	srv := server.New(cfg, manager, limiter, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			log.Errorw("Server failed", "error", err)
			manager.Stop()
			limiter.StopCleanup()
			return err
		}
	}

	// Shut down in reverse start order: stop accepting requests, drain
	// the workers, then the limiter sweeper.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("Server shutdown error", "error", err)
	}
	manager.Stop()
	limiter.StopCleanup()

	log.Infow("taskd stopped")
	return nil
}
