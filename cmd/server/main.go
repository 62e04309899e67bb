package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/franckalain/healthscan/internal/app"
	"github.com/franckalain/healthscan/internal/config"
	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code once every deferred close has run.
func run(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", config.GetConfigPath(), "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Println("Failed to load configuration:", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Println("Invalid configuration:", err)
		return 1
	}

	logg, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Println("Failed to create logger:", err)
		return 1
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logg, app.Overrides{})
	if err != nil {
		logg.Error("Failed to start scan service", "error", err)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Warn("Shutdown finished with errors", "error", err)
		}
	}()

	srv := server.New(svc.Scanner, svc.History, svc.Session, svc, logg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cfg.Server.Port, cfg.Server.StaticDir)
	})
	g.Go(func() error {
		syncPending(gctx, svc, cfg.SyncInterval())
		return nil
	})
	if err := g.Wait(); err != nil {
		logg.Error("Server stopped", "error", err)
		return 1
	}
	return 0
}

// syncPending periodically retries remote writes that failed while signed in.
func syncPending(ctx context.Context, svc *app.App, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.History.Sync(ctx); n > 0 {
				svc.Log.Info("Scans still waiting for remote sync", "count", n)
			}
		}
	}
}
