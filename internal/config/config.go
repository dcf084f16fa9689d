// Package config loads service configuration from a YAML file with ${VAR}
// expansion. Secrets can be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      App      `yaml:"app"`
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Logging  Logging  `yaml:"logging"`
	Queue    Queue    `yaml:"queue"`
	Pipeline Pipeline `yaml:"pipeline"`
	AI       AI       `yaml:"ai"`
	Mail     Mail     `yaml:"mail"`
	Webhook  Webhook  `yaml:"webhook"`
	Enrich   Enrich   `yaml:"enrich"`
}

type App struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env" validate:"oneof=development staging production test"`
}

type Server struct {
	Addr            string        `yaml:"addr" validate:"required"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	URL             string        `yaml:"url" validate:"required"`
	MaxConns        int32         `yaml:"max_conns" validate:"gte=0"`
	MinConns        int32         `yaml:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type Redis struct {
	URL         string        `yaml:"url"`
	MaxRetries  int           `yaml:"max_retries"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Logging struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format    string `yaml:"format" validate:"oneof=json console"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

type Queue struct {
	Backend         string        `yaml:"backend" validate:"oneof=redis memory"`
	Prefix          string        `yaml:"prefix" validate:"required"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1"`
	ClaimTimeout    time.Duration `yaml:"claim_timeout"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
	ReaperSchedule  string        `yaml:"reaper_schedule" validate:"required"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}

type Pipeline struct {
	ThreadBusyPolicy     string        `yaml:"thread_busy_policy" validate:"oneof=retry drop proceed"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
	BusyRetryDelay       time.Duration `yaml:"busy_retry_delay"`
	HistoryLimit         int           `yaml:"history_limit" validate:"gte=0"`
	ResourceLimit        int           `yaml:"resource_limit" validate:"gte=0"`
	SimilarityLimit      int           `yaml:"similarity_limit" validate:"gte=0"`
	MaxContextChars      int           `yaml:"max_context_chars" validate:"gte=0"`
	SkipResendOnRetry    bool          `yaml:"skip_resend_on_retry"`
	Attempts             int           `yaml:"attempts" validate:"gte=1"`
	BackoffType          string        `yaml:"backoff_type" validate:"oneof=fixed exponential"`
	BackoffDelay         time.Duration `yaml:"backoff_delay"`
	DispatchDelay        time.Duration `yaml:"dispatch_delay"`
	RemoveRootOnComplete bool          `yaml:"remove_root_on_complete"`
}

type AI struct {
	Provider    string        `yaml:"provider" validate:"oneof=gemini claude noop"`
	APIKey      string        `yaml:"api_key" validate:"required_unless=Provider noop"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Mail struct {
	Provider        string        `yaml:"provider" validate:"oneof=postmark smtp log"`
	PostmarkToken   string        `yaml:"postmark_token" validate:"required_if=Provider postmark"`
	PostmarkBaseURL string        `yaml:"postmark_base_url"`
	SMTP            SMTP          `yaml:"smtp"`
	Timeout         time.Duration `yaml:"timeout"`
}

type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      string `yaml:"tls" validate:"omitempty,oneof=starttls tls none"`
}

type Webhook struct {
	Token        string `yaml:"token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" validate:"gte=0"`
}

type Enrich struct {
	Enabled        bool          `yaml:"enabled"`
	MaxPages       int           `yaml:"max_pages" validate:"gte=0"`
	MaxBytes       int64         `yaml:"max_bytes" validate:"gte=0"`
	MaxMarkdown    int           `yaml:"max_markdown" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec" validate:"gte=0"`
	UserAgent      string        `yaml:"user_agent"`
	MaxRedirects   int           `yaml:"max_redirects" validate:"gte=0"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		App: App{Name: "leadmark-worker", Env: "development"},
		Server: Server{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: Database{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			ConnectTimeout:  5 * time.Second,
			AutoMigrate:     true,
		},
		Redis:   Redis{URL: "redis://localhost:6379/0", MaxRetries: 1, DialTimeout: 2 * time.Second},
		Logging: Logging{Level: "info", Format: "console", Output: "stdout"},
		Queue: Queue{
			Backend:         "redis",
			Prefix:          "leadmark",
			Concurrency:     5,
			ClaimTimeout:    5 * time.Second,
			PromoteInterval: 250 * time.Millisecond,
			ReaperSchedule:  "@every 30s",
			StaleAfter:      5 * time.Minute,
			DedupTTL:        72 * time.Hour,
		},
		Pipeline: Pipeline{
			ThreadBusyPolicy:     "retry",
			LockTTL:              10 * time.Minute,
			BusyRetryDelay:       2 * time.Second,
			HistoryLimit:         10,
			ResourceLimit:        5,
			SimilarityLimit:      5,
			MaxContextChars:      4000,
			Attempts:             3,
			BackoffType:          "exponential",
			BackoffDelay:         time.Second,
			DispatchDelay:        500 * time.Millisecond,
			RemoveRootOnComplete: true,
		},
		AI:      AI{Provider: "noop", Temperature: 0.4, MaxTokens: 1024, Timeout: 60 * time.Second},
		Mail:    Mail{Provider: "log", Timeout: 15 * time.Second, SMTP: SMTP{Port: 587}},
		Webhook: Webhook{MaxBodyBytes: 25 << 20},
		Enrich: Enrich{
			Enabled:        true,
			MaxPages:       3,
			MaxBytes:       2 << 20,
			MaxMarkdown:    8000,
			Timeout:        10 * time.Second,
			RequestsPerSec: 2,
			MaxRedirects:   3,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Database.URL, "DATABASE_URL")
	override(&c.Redis.URL, "REDIS_URL")
	override(&c.Mail.PostmarkToken, "POSTMARK_SERVER_TOKEN")
	override(&c.AI.APIKey, "AI_API_KEY")
	override(&c.Webhook.Token, "WEBHOOK_TOKEN")
	override(&c.Logging.Level, "LOG_LEVEL")
	override(&c.Server.Addr, "HTTP_ADDR")
}

func override(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Queue.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("invalid config: redis.url is required for the redis queue backend")
	}
	if c.Mail.Provider == "smtp" && c.Mail.SMTP.Host == "" {
		return fmt.Errorf("invalid config: mail.smtp.host is required for the smtp provider")
	}
	return nil
}
