package main

import (
	"context"
	"errors"
	"os"
	"time"

	"cointracer/internal/backend"
	"cointracer/internal/cli"
	"cointracer/internal/log"
	"cointracer/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Stdout).WithComponent(log.ComponentWorker)
	logger.Info("Starting cointracer-worker")

	cfg, err := cli.LoadAndValidateConfig(logger)
	if err != nil {
		os.Exit(cli.ExitCommandError)
	}
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(cli.ExitCommandError)
	}

	factory := backend.NewFactory(logger)
	export, err := factory.CreateExporter(context.Background(), bcfg)
	if err != nil {
		logger.Error("Failed to initialize exporter", log.FieldError, err)
		os.Exit(cli.ExitFailure)
	}

	consumer, err := backend.NewConsumer(bcfg, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		_ = export.Cleanup()
		os.Exit(cli.ExitUnavailable)
	}

	w := worker.NewExportWorker(export.Exporter, logger)
	export.Caches.Register("export_dedupe", w.Dedupe())

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("AMQP close failed", log.FieldError, err)
		}
		if err := export.Cleanup(); err != nil {
			logger.Warn("Exporter cleanup failed", log.FieldError, err)
		}
	})
	export.Caches.StartCleanup(ctx, cfg.ExportInterval)

	go func() {
		if err := w.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", log.FieldError, err)
		}
	}()

	logger.Info("Worker started",
		"exchange", cfg.AMQPExchange,
		"queue", cfg.AMQPQueue,
		"sheets_enabled", cfg.SheetsEnabled())

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
