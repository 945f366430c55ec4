package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GPEire/Tradie-GSuite/config"
	"github.com/GPEire/Tradie-GSuite/internal/bootstrap"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		// Environment variables only; normal in production.
		_ = err
	}

	mode := flag.String("mode", "all", "run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Init(logger.Config{Level: logger.LevelInfo, Service: "tradie-gsuite"})
		logger.Fatal("config: %v", err)
	}

	level := logger.LevelInfo
	if cfg.IsDevelopment() {
		level = logger.LevelDebug
	}
	logger.Init(logger.Config{Level: level, Service: "tradie-gsuite"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		logger.Fatal("bootstrap: %v", err)
	}
	defer cleanup()

	switch *mode {
	case "api":
		runAPI(ctx, cfg, deps)
	case "worker":
		runWorker(ctx, cfg, deps)
	case "all":
		go runWorker(ctx, cfg, deps)
		runAPI(ctx, cfg, deps)
	default:
		logger.Fatal("unknown mode: %s", *mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, deps *bootstrap.Dependencies) {
	app := bootstrap.NewAPI(cfg, deps)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down api (timeout %v)", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("api shutdown: %v", err)
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("api listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Error("api server: %v", err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, cfg *config.Config, deps *bootstrap.Dependencies) {
	w := bootstrap.NewWorker(cfg, deps)

	if err := w.Pool.Start(ctx); err != nil {
		logger.Fatal("worker pool: %v", err)
	}
	if w.Scheduler != nil {
		w.Scheduler.Start(ctx)
	}

	<-ctx.Done()
	logger.Info("shutting down worker (timeout %v)", shutdownTimeout)
	w.Pool.Stop(shutdownTimeout)
	if w.Scheduler != nil {
		w.Scheduler.Wait()
	}
	logger.Info("worker stopped")
}
