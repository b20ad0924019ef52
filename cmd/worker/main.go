// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evaluation-service/internal/app"
	"evaluation-service/internal/config"
	"evaluation-service/internal/logger"
	httptransport "evaluation-service/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Redis.Backend == "memory" {
		log.Fatalf("QUEUE_BACKEND=memory runs workers inside cmd/api")
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("worker stopped with error", zap.Error(err))
	}
	lg.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	deps, err := app.New(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer deps.Close()

	pool, err := deps.WorkerPool(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lg.Info("worker started",
		zap.Int("workers", cfg.Worker.Count),
		zap.Int("max_attempts", cfg.Worker.MaxAttempts),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("postgres_dsn", config.RedactDSN(cfg.Postgres.DSN)),
	)

	ln, err := net.Listen("tcp", cfg.HTTP.MetricsAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httptransport.Serve(gctx, metricsSrv, ln, 5*time.Second, lg)
	})
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	return g.Wait()
}
