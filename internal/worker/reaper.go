package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"leadmark-worker/internal/service"
)

// Reaper puts jobs back on their wait list when the worker that claimed
// them died. It runs on a cron schedule such as "@every 30s".
type Reaper struct {
	queue      service.Queue
	queues     []string
	staleAfter time.Duration
	batch      int64
	cron       *cron.Cron
	log        *slog.Logger
}

func NewReaper(queue service.Queue, queues []string, schedule string, staleAfter time.Duration, log *slog.Logger) (*Reaper, error) {
	if log == nil {
		log = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	r := &Reaper{
		queue:      queue,
		queues:     queues,
		staleAfter: staleAfter,
		batch:      100,
		cron:       cron.New(),
		log:        log,
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reaper) Start() { r.cron.Start() }

// Stop waits for a running sweep to finish.
func (r *Reaper) Stop() { <-r.cron.Stop().Done() }

// Sweep requeues stale active jobs of every queue and returns how many
// moved.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	var total int64
	for _, q := range r.queues {
		n, err := r.queue.RequeueStale(ctx, q, r.staleAfter, r.batch)
		if err != nil {
			r.log.Error("requeue stale failed", "queue", q, "error", err)
			continue
		}
		if n > 0 {
			r.log.Warn("requeued stale jobs", "queue", q, "count", n)
		}
		total += n
	}
	return total
}
