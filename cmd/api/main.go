// cmd/api/main.go
//
// @title Evaluation Service API
// @version 1.0
// @description Asynchronous evaluation of interview responses.
// @BasePath /
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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evaluation-service/internal/app"
	"evaluation-service/internal/auth"
	"evaluation-service/internal/config"
	"evaluation-service/internal/logger"
	httptransport "evaluation-service/internal/transport/http"
	"evaluation-service/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("api stopped with error", zap.Error(err))
	}
	lg.Info("api stopped")
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	deps, err := app.New(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer deps.Close()

	var provider auth.Provider = auth.Anonymous{}
	if cfg.Auth.JWTSecret != "" {
		provider = auth.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		lg.Warn("AUTH_JWT_SECRET is empty; evaluation endpoints are unauthenticated")
	}

	evaluations := deps.EvaluationService()
	h := httptransport.NewHandler(evaluations, deps.Streamer(evaluations), deps.Receiver(), httptransport.HandlerOptions{
		MaxSubmitBody:  cfg.Limits.MaxSubmitBytes(),
		MaxWebhookBody: cfg.Webhook.MaxBodySize,
	}, lg)

	// a memory queue is only visible inside this process
	var pool *worker.Pool
	if cfg.Redis.Backend == "memory" {
		if pool, err = deps.WorkerPool(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httptransport.Routes(h, httptransport.RoutesOptions{
			Auth:     provider,
			Gatherer: deps.Registry,
			Logger:   lg,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httptransport.Serve(gctx, srv, ln, 10*time.Second, lg)
	})
	if pool != nil {
		g.Go(func() error {
			pool.Run(gctx)
			return nil
		})
	}

	return g.Wait()
}
