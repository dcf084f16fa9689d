// cmd/worker/main.go
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"leadmark-worker/internal/adapter/ai"
	"leadmark-worker/internal/adapter/mail"
	"leadmark-worker/internal/bootstrap"
	"leadmark-worker/internal/config"
	"leadmark-worker/internal/dedup"
	"leadmark-worker/internal/logger"
	"leadmark-worker/internal/metrics"
	"leadmark-worker/internal/pipeline"
	"leadmark-worker/internal/repository/postgresql"
	"leadmark-worker/internal/service"
	httptransport "leadmark-worker/internal/transport/http"
	"leadmark-worker/internal/worker"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
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
		lg.Error("worker failed", "error", err)
		os.Exit(1)
	}
	lg.Info("worker stopped")
}

func run(cfg *config.Config, lg *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	// Postgres
	pool, err := bootstrap.Postgres(ctx, cfg.Database, lg)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgresql.NewStore(pool)

	// Queue
	var (
		queue  service.Queue
		checks = map[string]httptransport.Pinger{"postgres": store}
		dd     service.Deduper
	)
	switch cfg.Queue.Backend {
	case "memory":
		lg.Warn("memory queue backend: the webhook is served by this process and jobs do not survive restarts")
		queue = service.NewMemoryQueue()
	default:
		rdb, err := bootstrap.Redis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		queue = service.NewRedisQueue(rdb, cfg.Queue.Prefix)
		dd = dedup.NewFilter(rdb, cfg.Queue.DedupTTL, cfg.Queue.Prefix+":seen:")
	}
	checks["queue"] = queue

	// Adapters
	gen, err := ai.New(ctx, bootstrap.AIConfig(cfg.AI))
	if err != nil {
		return err
	}
	sender, err := mail.New(bootstrap.MailConfig(cfg.Mail), lg)
	if err != nil {
		return err
	}

	stages := pipeline.NewStages(pipeline.Deps{
		Store:     store,
		Generator: gen,
		Sender:    sender,
		Enricher:  bootstrap.Enricher(cfg.Enrich, lg),
		Logger:    lg,
	}, bootstrap.PipelineConfig(cfg.Pipeline))

	rt := worker.NewRuntime(queue, bootstrap.WorkerConfig(cfg.Queue), lg)
	handlers := map[string]worker.Handler{
		pipeline.QueueValidate:   stages.Validate,
		pipeline.QueuePreprocess: stages.Preprocess,
		pipeline.QueueDispatch:   stages.Dispatch,
	}
	for _, name := range pipeline.Queues() {
		if _, err := rt.Register(name, handlers[name], worker.Options{Concurrency: cfg.Queue.Concurrency, AutoRun: true}); err != nil {
			return err
		}
	}

	reaper, err := worker.NewReaper(queue, pipeline.Queues(), cfg.Queue.ReaperSchedule, cfg.Queue.StaleAfter, lg)
	if err != nil {
		return err
	}
	reaper.Start()
	defer reaper.Stop()

	// HTTP: metrics only, or the whole API when jobs live in this process.
	var handler http.Handler
	addr := cfg.Server.MetricsAddr
	if cfg.Queue.Backend == "memory" {
		inbound := service.NewInboundService(store, queue, dd, bootstrap.FlowOptions(cfg.Pipeline), lg)
		h := httptransport.NewHandler(inbound, queue, httptransport.Options{
			WebhookToken: cfg.Webhook.Token,
			MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
			Checks:       checks,
		}, lg)
		handler = httptransport.Routes(h, lg)
		addr = cfg.Server.Addr
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		handler = mux
	}

	var wg sync.WaitGroup
	if addr != "" {
		srv := &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, lg); err != nil {
				lg.Error("http server", "addr", addr, "error", err)
				stop()
			}
		}()
	}

	lg.Info("worker started",
		"queues", pipeline.Queues(),
		"concurrency", cfg.Queue.Concurrency,
		"backend", cfg.Queue.Backend,
		"ai", cfg.AI.Provider,
		"mail", cfg.Mail.Provider,
		"postgres", bootstrap.RedactDSN(cfg.Database.URL),
	)
	rt.Run(ctx)
	wg.Wait()
	return nil
}
