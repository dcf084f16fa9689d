// Package bootstrap turns the loaded config into the components both
// binaries share.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"leadmark-worker/internal/adapter/ai"
	"leadmark-worker/internal/adapter/mail"
	"leadmark-worker/internal/config"
	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/enrich"
	"leadmark-worker/internal/pipeline"
	"leadmark-worker/internal/repository/postgresql"
	"leadmark-worker/internal/worker"
)

// Postgres opens the pool and, with auto_migrate, creates the schema.
func Postgres(ctx context.Context, cfg config.Database, log *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := postgresql.NewPool(ctx, cfg.URL, postgresql.PoolConfig{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres %s: %w", RedactDSN(cfg.URL), err)
	}
	if cfg.AutoMigrate {
		if err := postgresql.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("database schema ensured")
	}
	return pool, nil
}

// Redis connects and pings once. Retries stay low so an outage reaches
// callers as a connection error instead of a long stall.
func Redis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.MaxRetries = cfg.MaxRetries
	if cfg.MaxRetries == 0 {
		opt.MaxRetries = -1
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func FlowOptions(p config.Pipeline) pipeline.FlowOptions {
	return pipeline.FlowOptions{
		Attempts:             p.Attempts,
		Backoff:              entity.Backoff{Type: entity.BackoffType(p.BackoffType), Delay: p.BackoffDelay},
		DispatchDelay:        p.DispatchDelay,
		RemoveRootOnComplete: p.RemoveRootOnComplete,
	}
}

func PipelineConfig(p config.Pipeline) pipeline.Config {
	return pipeline.Config{
		ThreadBusyPolicy:  pipeline.BusyPolicy(p.ThreadBusyPolicy),
		LockTTL:           p.LockTTL,
		HistoryLimit:      p.HistoryLimit,
		ResourceLimit:     p.ResourceLimit,
		SimilarityLimit:   p.SimilarityLimit,
		MaxContextChars:   p.MaxContextChars,
		SkipResendOnRetry: p.SkipResendOnRetry,
		BusyRetryDelay:    p.BusyRetryDelay,
	}
}

func WorkerConfig(q config.Queue) worker.Config {
	return worker.Config{
		Concurrency:     q.Concurrency,
		ClaimTimeout:    q.ClaimTimeout,
		PromoteInterval: q.PromoteInterval,
	}
}

func AIConfig(a config.AI) ai.Config {
	return ai.Config{
		Provider:    a.Provider,
		APIKey:      a.APIKey,
		Model:       a.Model,
		BaseURL:     a.BaseURL,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
		Timeout:     a.Timeout,
	}
}

func MailConfig(m config.Mail) mail.Config {
	return mail.Config{
		Provider:        m.Provider,
		PostmarkToken:   m.PostmarkToken,
		PostmarkBaseURL: m.PostmarkBaseURL,
		SMTPHost:        m.SMTP.Host,
		SMTPPort:        m.SMTP.Port,
		SMTPUsername:    m.SMTP.Username,
		SMTPPassword:    m.SMTP.Password,
		SMTPTLS:         m.SMTP.TLS,
		Timeout:         m.Timeout,
	}
}

// Enricher returns nil when enrichment is off.
func Enricher(e config.Enrich, log *slog.Logger) pipeline.Enricher {
	if !e.Enabled {
		return nil
	}
	return enrich.NewFetcher(enrich.Config{
		MaxPages:       e.MaxPages,
		MaxBytes:       e.MaxBytes,
		MaxMarkdown:    e.MaxMarkdown,
		Timeout:        e.Timeout,
		RequestsPerSec: e.RequestsPerSec,
		UserAgent:      e.UserAgent,
		MaxRedirects:   e.MaxRedirects,
	}, nil, log)
}

// Serve runs srv until ctx is done, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	return nil
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in a URL-style DSN: user:pass@ becomes
// user:****@. DSNs without a password are returned unchanged.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
