package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/api"
	"github.com/legal-doc-processor/backend/internal/app"
	"github.com/legal-doc-processor/backend/pkg/config"
	appLogger "github.com/legal-doc-processor/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document pipeline API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer application.Close(context.Background())

	workerDone := make(chan error, 1)
	if cfg.Worker.Enabled {
		w, err := application.Worker()
		if err != nil {
			appLogger.Fatal("Failed to create worker", zap.Error(err))
		}
		go func() { workerDone <- w.Run(ctx) }()
	} else {
		close(workerDone)
	}

	server, stopLimiter := api.NewApp(cfg.Server, api.Deps{
		Intake:  application.Intake,
		Admin:   application.Orchestrator,
		Pingers: application.Pingers(),
	})
	defer stopLimiter()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr), zap.Bool("worker", cfg.Worker.Enabled))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	cancel()
	<-workerDone
	appLogger.Info("Server stopped")
}
