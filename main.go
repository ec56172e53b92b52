package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"context-engine/config"
	"context-engine/database"
	"context-engine/extract"
	"context-engine/kb"
	"context-engine/llmclient"
	"context-engine/web"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Load config (which includes log level setting)
	cfg := config.Load(tempLogger)

	// Re-initialize logger with configured level
	logger, err := config.InitLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to re-initialize logger with configured level: %v\n", err)
		os.Exit(1)
	}
	defer config.Cleanup()

	store, err := database.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := store.EnsureSchema(ctx, cfg.EmbeddingDim); err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	embedder := llmclient.New(cfg, logger)

	service, err := kb.New(cfg, store, store, embedder, logger)
	if err != nil {
		logger.Fatal("Failed to initialize knowledge base service", zap.Error(err))
	}

	extractor := extract.New(logger, extract.Options{
		ChunkSize:       cfg.ChunkSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		SectionMaxChars: cfg.SectionMaxChars,
	})

	webServer := web.NewServer(service, extractor, logger, cfg)

	// Create context that listens for interrupt signals
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	port := fmt.Sprintf(":%d", cfg.WebPort)
	logger.Info("Starting context engine web server", zap.String("port", port))
	if err := webServer.Start(ctx, port); err != nil {
		logger.Error("Web server error", zap.Error(err))
		os.Exit(1)
	}
}
