// Command fieldctl runs the field controller: it loads configuration,
// opens the RS-485 link and persistence layer, and drives the polling
// scheduler until told to stop. Grounded on the teacher's cmd/api/main.go
// startup and signal-driven graceful shutdown.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wpcfield/fieldctl/internal/config"
	"github.com/wpcfield/fieldctl/internal/supervisor"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("fieldctl: invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sup, err := supervisor.Start(ctx, cfg)
	if err != nil {
		log.Fatalf("fieldctl: startup failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("fieldctl: received shutdown signal, stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("fieldctl: shutdown error", "error", err)
	}

	slog.Info("fieldctl: stopped")
}
