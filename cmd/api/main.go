// cmd/api/main.go
//
// @title leadmark-worker API
// @version 1.0
// @description Postmark inbound webhook ingress and queue introspection.
// @BasePath /
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	_ "leadmark-worker/docs"
	"leadmark-worker/internal/bootstrap"
	"leadmark-worker/internal/config"
	"leadmark-worker/internal/dedup"
	"leadmark-worker/internal/logger"
	"leadmark-worker/internal/metrics"
	"leadmark-worker/internal/repository/postgresql"
	"leadmark-worker/internal/service"
	httptransport "leadmark-worker/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Queue.Backend != "redis" {
		log.Fatalf("config: the api needs queue.backend=redis, run the worker alone for the memory backend")
	}

	lg, closer, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closer.Close()
	slog.SetDefault(lg)

	if err := run(cfg, lg); err != nil {
		lg.Error("api failed", "error", err)
		os.Exit(1)
	}
	lg.Info("api stopped")
}

func run(cfg *config.Config, lg *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	pool, err := bootstrap.Postgres(ctx, cfg.Database, lg)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgresql.NewStore(pool)

	rdb, err := bootstrap.Redis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	queue := service.NewRedisQueue(rdb, cfg.Queue.Prefix)
	filter := dedup.NewFilter(rdb, cfg.Queue.DedupTTL, cfg.Queue.Prefix+":seen:")
	inbound := service.NewInboundService(store, queue, filter, bootstrap.FlowOptions(cfg.Pipeline), lg)

	h := httptransport.NewHandler(inbound, queue, httptransport.Options{
		WebhookToken: cfg.Webhook.Token,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Checks:       map[string]httptransport.Pinger{"postgres": store, "queue": queue},
	}, lg)
	if cfg.Webhook.Token == "" {
		lg.Warn("webhook token is empty, the inbound webhook accepts unauthenticated requests")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httptransport.Routes(h, lg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	lg.Info("api started", "addr", srv.Addr, "postgres", bootstrap.RedactDSN(cfg.Database.URL))
	return bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, lg)
}
