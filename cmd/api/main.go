package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/app"
	"sentinal-e2ee/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l, err := logger.NewWithOptions(logger.Options{
		Mode:         logMode(cfg.AppMode),
		FilePath:     cfg.Log.FilePath,
		MaxAge:       cfg.Log.MaxAge,
		RotationTime: cfg.Log.RotationTime,
	})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Errorf("Failed to start: %s", err)
		return
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		l.Errorf("Server exited with error: %s", err)
	}
}

func logMode(appMode string) string {
	if appMode == config.ReleaseMode {
		return logger.ProductionMode
	}
	return logger.DevelopmentMode
}
