// Package worker binds job handlers to queues and runs them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadmark-worker/internal/service"
)

type Config struct {
	Concurrency     int
	ClaimTimeout    time.Duration
	PromoteInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 250 * time.Millisecond
	}
	return c
}

// Options are per registration.
type Options struct {
	Concurrency int
	// AutoRun starts the pool with Runtime.Run. Without it the caller runs
	// the returned pool itself.
	AutoRun bool
}

type Runtime struct {
	queue service.Queue
	cfg   Config
	log   *slog.Logger

	mu    sync.Mutex
	pools []*Pool
	auto  map[string]bool
}

func NewRuntime(queue service.Queue, cfg Config, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		queue: queue,
		cfg:   cfg.withDefaults(),
		log:   log,
		auto:  map[string]bool{},
	}
}

// Register binds handler to queueName. A queue has at most one handler.
func (r *Runtime) Register(queueName string, handler Handler, opts Options) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.pools {
		if p.name == queueName {
			return nil, fmt.Errorf("queue %q already has a handler", queueName)
		}
	}
	processor := NewProcessor(r.queue, handler, r.log)
	pool := NewPool(r.queue, queueName, processor, opts.Concurrency, r.cfg, r.log)
	r.pools = append(r.pools, pool)
	r.auto[queueName] = opts.AutoRun
	return pool, nil
}

// Run starts every AutoRun pool and blocks until all of them stopped.
func (r *Runtime) Run(ctx context.Context) {
	r.mu.Lock()
	var pools []*Pool
	for _, p := range r.pools {
		if r.auto[p.name] {
			pools = append(pools, p)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}
	wg.Wait()
}
