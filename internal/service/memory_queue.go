package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"leadmark-worker/internal/entity"
)

type memJob struct {
	job       entity.Job
	deps      map[string]struct{}
	processed map[string]json.RawMessage
}

type memLane struct {
	wait      []string
	active    map[string]struct{}
	delayed   map[string]time.Time
	children  map[string]struct{}
	completed map[string]time.Time
	failed    map[string]time.Time
	notify    chan struct{}
}

func newMemLane() *memLane {
	return &memLane{
		active:    map[string]struct{}{},
		delayed:   map[string]time.Time{},
		children:  map[string]struct{}{},
		completed: map[string]time.Time{},
		failed:    map[string]time.Time{},
		notify:    make(chan struct{}),
	}
}

// MemoryQueue implements Queue in process with the same state transitions as
// RedisQueue. Used by tests and by single-process runs (queue.backend: memory).
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*memJob
	lanes   map[string]*memLane
	offline bool
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:  map[string]*memJob{},
		lanes: map[string]*memLane{},
		now:   time.Now,
	}
}

// SetOffline makes every call fail with a ConnectionError until reset.
func (q *MemoryQueue) SetOffline(offline bool) {
	q.mu.Lock()
	q.offline = offline
	q.mu.Unlock()
}

func (q *MemoryQueue) lane(name string) *memLane {
	l, ok := q.lanes[name]
	if !ok {
		l = newMemLane()
		q.lanes[name] = l
	}
	return l
}

func (q *MemoryQueue) unavailable(op string) error {
	if q.offline {
		return &ConnectionError{Op: op, Err: errors.New("memory queue offline")}
	}
	return nil
}

func (q *MemoryQueue) push(queue, id string) {
	l := q.lane(queue)
	l.wait = append(l.wait, id)
	q.jobs[entity.JobKey(queue, id)].job.State = entity.StateWaiting
	close(l.notify)
	l.notify = make(chan struct{})
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unavailable("ping")
}

func (q *MemoryQueue) AddFlow(ctx context.Context, flow entity.FlowJob) (*entity.JobNode, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("add flow"); err != nil {
		return nil, err
	}

	root := buildNodes(flow, "", q.now())
	walkNodes(root, func(n *entity.JobNode) {
		j := *n.Job
		mj := &memJob{job: j, processed: map[string]json.RawMessage{}}
		q.jobs[j.Key()] = mj
		l := q.lane(j.Queue)
		switch {
		case len(n.Children) > 0:
			mj.deps = make(map[string]struct{}, len(n.Children))
			for _, c := range n.Children {
				mj.deps[c.Job.Key()] = struct{}{}
			}
			l.children[j.ID] = struct{}{}
		case j.State == entity.StateDelayed:
			l.delayed[j.ID] = j.CreatedAt.Add(j.Opts.Delay)
		default:
			q.push(j.Queue, j.ID)
		}
	})
	return root, nil
}

func (q *MemoryQueue) ClaimBlocking(ctx context.Context, queue string, timeout time.Duration) (*entity.Job, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if err := q.unavailable("claim"); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		l := q.lane(queue)
		if len(l.wait) > 0 {
			id := l.wait[0]
			l.wait = l.wait[1:]
			mj, ok := q.jobs[entity.JobKey(queue, id)]
			if !ok {
				q.mu.Unlock()
				continue
			}
			l.active[id] = struct{}{}
			mj.job.State = entity.StateActive
			mj.job.ProcessedAt = q.now()
			out := mj.job
			q.mu.Unlock()
			return &out, nil
		}
		notify := l.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrNoJob
		case <-notify:
		}
	}
}

func (q *MemoryQueue) ChildrenValues(ctx context.Context, job *entity.Job) (map[string]json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("children values"); err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	if mj, ok := q.jobs[job.Key()]; ok {
		for k, v := range mj.processed {
			out[k] = v
		}
	}
	return out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *entity.Job, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("complete"); err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	now := q.now()
	l := q.lane(job.Queue)
	delete(l.active, job.ID)

	if job.Opts.RemoveOnComplete {
		delete(q.jobs, job.Key())
	} else if mj, ok := q.jobs[job.Key()]; ok {
		mj.job.State = entity.StateCompleted
		mj.job.ReturnValue = result
		mj.job.FinishedAt = now
		mj.job.AttemptsMade = job.AttemptsMade
		l.completed[job.ID] = now
	}

	parent, ok := q.jobs[job.ParentKey]
	if !ok {
		return nil
	}
	parent.processed[job.Key()] = result
	if _, open := parent.deps[job.Key()]; !open {
		return nil
	}
	delete(parent.deps, job.Key())
	if len(parent.deps) > 0 || parent.job.State == entity.StateFailed {
		return nil
	}

	pl := q.lane(parent.job.Queue)
	delete(pl.children, parent.job.ID)
	eligible := parent.job.CreatedAt.Add(parent.job.Opts.Delay)
	if eligible.After(now) {
		parent.job.State = entity.StateDelayed
		pl.delayed[parent.job.ID] = eligible
		return nil
	}
	q.push(parent.job.Queue, parent.job.ID)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job *entity.Job, reason string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("retry"); err != nil {
		return err
	}
	mj, ok := q.jobs[job.Key()]
	if !ok {
		return fmt.Errorf("retry %s: %w", job.Key(), errJobMissing)
	}
	l := q.lane(job.Queue)
	delete(l.active, job.ID)
	mj.job.AttemptsMade = job.AttemptsMade
	mj.job.FailedReason = reason
	if delay > 0 {
		mj.job.State = entity.StateDelayed
		l.delayed[job.ID] = q.now().Add(delay)
		return nil
	}
	q.push(job.Queue, job.ID)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *entity.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("fail"); err != nil {
		return err
	}
	q.fail(job.Key(), job.AttemptsMade, reason)
	return nil
}

func (q *MemoryQueue) fail(key string, attempts int, reason string) {
	mj, ok := q.jobs[key]
	if !ok || mj.job.State == entity.StateFailed || mj.job.State == entity.StateCompleted {
		return
	}
	now := q.now()
	l := q.lane(mj.job.Queue)
	delete(l.active, mj.job.ID)
	delete(l.children, mj.job.ID)
	delete(l.delayed, mj.job.ID)
	mj.job.State = entity.StateFailed
	mj.job.AttemptsMade = attempts
	mj.job.FailedReason = reason
	mj.job.FinishedAt = now
	l.failed[mj.job.ID] = now

	if mj.job.Opts.FailParentOnFailure && mj.job.ParentKey != "" {
		if parent, ok := q.jobs[mj.job.ParentKey]; ok {
			q.fail(mj.job.ParentKey, parent.job.AttemptsMade, fmt.Sprintf("child %s failed: %s", key, reason))
		}
	}
}

func (q *MemoryQueue) PromoteDelayed(ctx context.Context, queue string, limit int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("promote"); err != nil {
		return 0, err
	}
	now := q.now()
	l := q.lane(queue)

	due := make([]string, 0)
	for id, at := range l.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return l.delayed[due[i]].Before(l.delayed[due[j]]) })
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}
	for _, id := range due {
		delete(l.delayed, id)
		q.push(queue, id)
	}
	return int64(len(due)), nil
}

func (q *MemoryQueue) RequeueStale(ctx context.Context, queue string, staleAfter time.Duration, max int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("requeue"); err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-staleAfter)
	l := q.lane(queue)

	var moved int64
	for id := range l.active {
		if max > 0 && moved >= max {
			break
		}
		mj, ok := q.jobs[entity.JobKey(queue, id)]
		if !ok {
			delete(l.active, id)
			continue
		}
		if mj.job.ProcessedAt.After(cutoff) {
			continue
		}
		delete(l.active, id)
		q.push(queue, id)
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) GetFailed(ctx context.Context, queue string, start, stop int64) ([]*entity.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("get failed"); err != nil {
		return nil, err
	}
	l := q.lane(queue)
	ids := make([]string, 0, len(l.failed))
	for id := range l.failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return l.failed[ids[i]].After(l.failed[ids[j]]) })

	n := int64(len(ids))
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	var out []*entity.Job
	for i := start; i <= stop; i++ {
		if mj, ok := q.jobs[entity.JobKey(queue, ids[i])]; ok {
			j := mj.job
			out = append(out, &j)
		}
	}
	return out, nil
}

func (q *MemoryQueue) Counts(ctx context.Context, queue string) (entity.JobCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.unavailable("counts"); err != nil {
		return entity.JobCounts{}, err
	}
	l := q.lane(queue)
	return entity.JobCounts{
		Waiting:         int64(len(l.wait)),
		WaitingChildren: int64(len(l.children)),
		Delayed:         int64(len(l.delayed)),
		Active:          int64(len(l.active)),
		Completed:       int64(len(l.completed)),
		Failed:          int64(len(l.failed)),
	}, nil
}

// Job returns a copy of a stored job, for tests and introspection.
func (q *MemoryQueue) Job(queue, id string) (*entity.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[entity.JobKey(queue, id)]
	if !ok {
		return nil, false
	}
	j := mj.job
	return &j, true
}
