package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/service"
)

// Pool runs one queue: a listener claims jobs, a fixed number of workers
// process them, and a ticker promotes due delayed jobs.
type Pool struct {
	queue        service.Queue
	name         string
	processor    *Processor
	workers      int
	claimTimeout time.Duration
	promoteEvery time.Duration
	log          *slog.Logger
}

func NewPool(queue service.Queue, name string, processor *Processor, workers int, cfg Config, log *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if workers <= 0 {
		workers = cfg.Concurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queue:        queue,
		name:         name,
		processor:    processor,
		workers:      workers,
		claimTimeout: cfg.ClaimTimeout,
		promoteEvery: cfg.PromoteInterval,
		log:          log.With("queue", name),
	}
}

func (p *Pool) Name() string { return p.name }

// Run blocks until ctx is cancelled and every in-flight job has settled.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started", "workers", p.workers)

	jobCh := make(chan *entity.Job)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for job := range jobCh {
				// failures are settled (retry/fail) by the processor itself
				if err := p.processor.Process(ctx, job); err != nil {
					p.log.Debug("process job", "worker", n, "job_id", job.ID, "error", err)
				}
			}
		}(i + 1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promote(ctx)
	}()

	p.listen(ctx, jobCh)
	close(jobCh)
	wg.Wait()
	p.log.Info("worker pool stopped")
}

// listen atomically claims from wait -> active and hands jobs to workers.
func (p *Pool) listen(ctx context.Context, jobCh chan<- *entity.Job) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.ClaimBlocking(ctx, p.name, p.claimTimeout)
		if err != nil {
			if errors.Is(err, service.ErrNoJob) || ctx.Err() != nil {
				continue
			}
			p.log.Error("claim job", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case jobCh <- job:
		case <-ctx.Done():
			// claimed but not started: the reaper puts it back
			return
		}
	}
}

func (p *Pool) promote(ctx context.Context) {
	ticker := time.NewTicker(p.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDelayed(ctx, p.name, 100)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("promote delayed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.log.Debug("promoted delayed jobs", "count", n)
			}
		}
	}
}
