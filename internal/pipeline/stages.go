package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"leadmark-worker/internal/entity"
)

// BusyPolicy decides what Preprocess does when the thread is already
// composing a reply for another email.
type BusyPolicy string

const (
	// BusyRetry puts the job back until the lock is free. Waiting does not
	// use up attempts; the lock TTL bounds it.
	BusyRetry BusyPolicy = "retry"
	// BusyDrop fails the flow for good. It shows up in the failed list.
	BusyDrop BusyPolicy = "drop"
	// BusyProceed ignores the lock and composes anyway.
	BusyProceed BusyPolicy = "proceed"
)

func (p BusyPolicy) Valid() bool {
	switch p {
	case BusyRetry, BusyDrop, BusyProceed:
		return true
	}
	return false
}

type Config struct {
	ThreadBusyPolicy BusyPolicy
	LockTTL          time.Duration
	HistoryLimit     int
	ResourceLimit    int
	SimilarityLimit  int
	// MaxContextChars caps each resource body put into the prompt.
	MaxContextChars int
	// SkipResendOnRetry makes a retried Dispatch skip generation and send
	// when the reply to the same inbound message is already stored.
	SkipResendOnRetry bool
	// BusyRetryDelay is how often a waiting Preprocess checks the lock again.
	BusyRetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThreadBusyPolicy: BusyRetry,
		LockTTL:          10 * time.Minute,
		BusyRetryDelay:   2 * time.Second,
		HistoryLimit:     10,
		ResourceLimit:    5,
		SimilarityLimit:  5,
		MaxContextChars:  4000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.ThreadBusyPolicy.Valid() {
		c.ThreadBusyPolicy = d.ThreadBusyPolicy
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.BusyRetryDelay <= 0 {
		c.BusyRetryDelay = d.BusyRetryDelay
	}
	if c.BusyRetryDelay > c.LockTTL {
		c.BusyRetryDelay = c.LockTTL
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.ResourceLimit <= 0 {
		c.ResourceLimit = d.ResourceLimit
	}
	if c.SimilarityLimit <= 0 {
		c.SimilarityLimit = d.SimilarityLimit
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = d.MaxContextChars
	}
	return c
}

type Deps struct {
	Store     Store
	Generator Generator
	Sender    Sender
	// Enricher is optional.
	Enricher Enricher
	Logger   *slog.Logger
}

// Stages holds the three stage handlers and everything they call.
type Stages struct {
	store    Store
	gen      Generator
	sender   Sender
	enricher Enricher
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
}

func NewStages(deps Deps, cfg Config) *Stages {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Stages{
		store:    deps.Store,
		gen:      deps.Generator,
		sender:   deps.Sender,
		enricher: deps.Enricher,
		cfg:      cfg.withDefaults(),
		log:      log,
		validate: validator.New(),
	}
}

// Validate handles VALIDATE_JOB.
func (s *Stages) Validate(ctx context.Context, job *entity.Job) (any, error) {
	out, err := s.handleValidate(ctx, job)
	if err != nil {
		s.logFailure(job, StageValidate, "handleValidate", err)
		return nil, err
	}
	return StageResult{Stage: StageValidate, Validate: out}, nil
}

// Preprocess handles PREPROCESS_JOB.
func (s *Stages) Preprocess(ctx context.Context, job *entity.Job) (any, error) {
	out, err := s.handlePreprocess(ctx, job)
	if err != nil {
		s.logFailure(job, StagePreprocess, "handlePreprocess", err)
		return nil, err
	}
	return StageResult{Stage: StagePreprocess, Preprocess: out}, nil
}

// Dispatch handles FINAL_JOB.
func (s *Stages) Dispatch(ctx context.Context, job *entity.Job) (any, error) {
	out, err := s.handleDispatch(ctx, job)
	if err != nil {
		s.logFailure(job, StageDispatch, "handleDispatch", err)
		return nil, err
	}
	return StageResult{Stage: StageDispatch, Dispatch: out}, nil
}

func (s *Stages) logFailure(job *entity.Job, stage Stage, handler string, err error) {
	s.log.Error("stage failed",
		"stage", string(stage),
		"handler", handler,
		"job_id", job.ID,
		"attempt", job.AttemptsMade+1,
		"kind", KindOf(err).String(),
		"error", err,
	)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

func joinNonEmpty(parts []string, sep string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
