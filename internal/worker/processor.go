package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/metrics"
	"leadmark-worker/internal/service"
)

// Handler runs one job. The returned value is stored as the job's result
// and handed to the parent job as one of its children values.
type Handler func(ctx context.Context, job *entity.Job) (any, error)

// unrecoverable is implemented by errors that must not be retried.
type unrecoverable interface {
	Unrecoverable() bool
}

func isUnrecoverable(err error) bool {
	var u unrecoverable
	return errors.As(err, &u) && u.Unrecoverable()
}

// deferrable is implemented by errors that ask for a later run without
// spending an attempt, like a resource held by another job.
type deferrable interface {
	RetryAfter() time.Duration
}

func retryAfter(err error) (time.Duration, bool) {
	var d deferrable
	if errors.As(err, &d) && d.RetryAfter() > 0 {
		return d.RetryAfter(), true
	}
	return 0, false
}

type Processor struct {
	queue   service.Queue
	handler Handler
	log     *slog.Logger
}

func NewProcessor(queue service.Queue, handler Handler, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{queue: queue, handler: handler, log: log}
}

// Process runs the handler for a claimed job and settles it: complete,
// retry with backoff, or fail (which may fail the parent too).
func (p *Processor) Process(ctx context.Context, job *entity.Job) error {
	start := time.Now()
	// settle even when ctx is cancelled by shutdown mid-job
	bg := context.WithoutCancel(ctx)

	values, err := p.queue.ChildrenValues(ctx, job)
	if err != nil {
		p.log.Error("load children values", "job_id", job.ID, "queue", job.Queue, "error", err)
		return err
	}
	job.ChildrenValues = values

	p.log.Debug("job started", "job_id", job.ID, "queue", job.Queue, "name", job.Name, "attempt", job.AttemptsMade+1)

	result, runErr := p.run(ctx, job)
	if runErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			runErr = fmt.Errorf("marshal result: %w", err)
		} else {
			if err := p.queue.Complete(bg, job, raw); err != nil {
				p.log.Error("complete job", "job_id", job.ID, "queue", job.Queue, "error", err)
				return err
			}
			metrics.ObserveJob(job.Queue, "completed", time.Since(start))
			p.log.Info("job completed", "job_id", job.ID, "queue", job.Queue, "name", job.Name, "duration_ms", time.Since(start).Milliseconds())
			return nil
		}
	}

	reason := runErr.Error()

	// shutdown interrupted the handler: hand the job back as it was
	if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		return p.requeue(bg, job, reason, 0, "interrupted", start, runErr)
	}
	if delay, ok := retryAfter(runErr); ok {
		return p.requeue(bg, job, reason, delay, "deferred", start, runErr)
	}

	job.AttemptsMade++

	if isUnrecoverable(runErr) || job.AttemptsMade >= job.Opts.MaxAttempts() {
		if err := p.queue.Fail(bg, job, reason); err != nil {
			p.log.Error("fail job", "job_id", job.ID, "queue", job.Queue, "error", err)
			return err
		}
		metrics.ObserveJob(job.Queue, "failed", time.Since(start))
		p.log.Warn("job failed", "job_id", job.ID, "queue", job.Queue, "name", job.Name,
			"attempts", job.AttemptsMade, "duration_ms", time.Since(start).Milliseconds(), "error", reason)
		return runErr
	}

	delay := job.Opts.Backoff.Next(job.AttemptsMade)
	if err := p.queue.Retry(bg, job, reason, delay); err != nil {
		p.log.Error("retry job", "job_id", job.ID, "queue", job.Queue, "error", err)
		return err
	}
	metrics.ObserveJob(job.Queue, "retried", time.Since(start))
	p.log.Info("job retry scheduled", "job_id", job.ID, "queue", job.Queue, "name", job.Name,
		"attempts", job.AttemptsMade, "delay_ms", delay.Milliseconds(), "error", reason)
	return runErr
}

// requeue puts the job back without counting the attempt.
func (p *Processor) requeue(ctx context.Context, job *entity.Job, reason string, delay time.Duration, outcome string, start time.Time, runErr error) error {
	if err := p.queue.Retry(ctx, job, reason, delay); err != nil {
		p.log.Error("requeue job", "job_id", job.ID, "queue", job.Queue, "error", err)
		return err
	}
	metrics.ObserveJob(job.Queue, outcome, time.Since(start))
	p.log.Info("job requeued", "job_id", job.ID, "queue", job.Queue, "name", job.Name,
		"outcome", outcome, "attempts", job.AttemptsMade, "delay_ms", delay.Milliseconds(), "error", reason)
	return runErr
}

func (p *Processor) run(ctx context.Context, job *entity.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}
