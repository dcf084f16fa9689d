package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"leadmark-worker/internal/entity"
)

// ErrNoJob is returned by ClaimBlocking when nothing became available in time.
var ErrNoJob = errors.New("no job available")

// Queue is the job store the producer and the stage workers share.
type Queue interface {
	AddFlow(ctx context.Context, flow entity.FlowJob) (*entity.JobNode, error)
	ClaimBlocking(ctx context.Context, queue string, timeout time.Duration) (*entity.Job, error)
	ChildrenValues(ctx context.Context, job *entity.Job) (map[string]json.RawMessage, error)
	Complete(ctx context.Context, job *entity.Job, result json.RawMessage) error
	Retry(ctx context.Context, job *entity.Job, reason string, delay time.Duration) error
	Fail(ctx context.Context, job *entity.Job, reason string) error
	PromoteDelayed(ctx context.Context, queue string, limit int64) (int64, error)
	RequeueStale(ctx context.Context, queue string, staleAfter time.Duration, max int64) (int64, error)
	GetFailed(ctx context.Context, queue string, start, stop int64) ([]*entity.Job, error)
	Counts(ctx context.Context, queue string) (entity.JobCounts, error)
	Ping(ctx context.Context) error
}

// RedisQueue keeps every job in a hash and moves ids between per-queue
// structures:
//
//	{prefix}:{queue}:wait              list, LPUSH / BRPOPLPUSH (FIFO)
//	{prefix}:{queue}:active            list, claimed ids
//	{prefix}:{queue}:delayed           zset, score = eligible at (ms)
//	{prefix}:{queue}:waiting-children  set, parents with open children
//	{prefix}:{queue}:completed         zset, kept jobs only
//	{prefix}:{queue}:failed            zset, score = finished at (ms)
//	{prefix}:{queue}:{id}              hash, the job
//	{prefix}:{queue}:{id}:dependencies set of child keys still open
//	{prefix}:{queue}:{id}:processed    hash child key -> return value
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "leadmark"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) key(queue string, parts ...string) string {
	return q.prefix + ":" + queue + ":" + strings.Join(parts, ":")
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return classify("ping", q.rdb.Ping(ctx).Err())
}

// AddFlow writes the whole tree in one MULTI/EXEC so a flow is either fully
// present or absent. Leaves become claimable at once (or after their delay),
// parents wait for their dependencies.
func (q *RedisQueue) AddFlow(ctx context.Context, flow entity.FlowJob) (*entity.JobNode, error) {
	now := q.now()
	root := buildNodes(flow, "", now)

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		walkNodes(root, func(n *entity.JobNode) {
			j := n.Job
			pipe.HSet(ctx, q.key(j.Queue, j.ID), jobFields(j))
			switch {
			case len(n.Children) > 0:
				deps := make([]any, 0, len(n.Children))
				for _, c := range n.Children {
					deps = append(deps, c.Job.Key())
				}
				pipe.SAdd(ctx, q.key(j.Queue, j.ID, "dependencies"), deps...)
				pipe.SAdd(ctx, q.key(j.Queue, "waiting-children"), j.ID)
			case j.State == entity.StateDelayed:
				pipe.ZAdd(ctx, q.key(j.Queue, "delayed"), redis.Z{Score: float64(j.CreatedAt.Add(j.Opts.Delay).UnixMilli()), Member: j.ID})
			default:
				pipe.LPush(ctx, q.key(j.Queue, "wait"), j.ID)
			}
		})
		return nil
	})
	if err != nil {
		return nil, classify("add flow", err)
	}
	return root, nil
}

func buildNodes(f entity.FlowJob, parentKey string, now time.Time) *entity.JobNode {
	j := &entity.Job{
		ID:        uuid.NewString(),
		Name:      f.Name,
		Queue:     f.Queue,
		Data:      f.Data,
		Opts:      f.Opts,
		ParentKey: parentKey,
		State:     entity.StateWaiting,
		CreatedAt: now,
	}
	switch {
	case len(f.Children) > 0:
		j.State = entity.StateWaitingChildren
	case f.Opts.Delay > 0:
		j.State = entity.StateDelayed
	}
	n := &entity.JobNode{Job: j}
	for _, c := range f.Children {
		n.Children = append(n.Children, buildNodes(c, j.Key(), now))
	}
	return n
}

func walkNodes(n *entity.JobNode, fn func(*entity.JobNode)) {
	fn(n)
	for _, c := range n.Children {
		walkNodes(c, fn)
	}
}

// ClaimBlocking: BRPOPLPUSH wait -> active, then mark the hash active.
func (q *RedisQueue) ClaimBlocking(ctx context.Context, queue string, timeout time.Duration) (*entity.Job, error) {
	if timeout < time.Second {
		// BRPOPLPUSH blocks in whole seconds; 0 would block forever.
		timeout = time.Second
	}
	id, err := q.rdb.BRPopLPush(ctx, q.key(queue, "wait"), q.key(queue, "active"), timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, classify("claim", err)
	}

	now := q.now()
	hashKey := q.key(queue, id)
	var fields *redis.MapStringStringCmd
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, "state", string(entity.StateActive), "processedOn", now.UnixMilli())
		fields = pipe.HGetAll(ctx, hashKey)
		return nil
	})
	if err != nil {
		return nil, classify("claim", err)
	}

	job, err := parseJob(queue, id, fields.Val())
	if err != nil {
		// hash vanished (removed by hand); drop the orphan id
		_ = q.rdb.LRem(ctx, q.key(queue, "active"), 0, id).Err()
		_ = q.rdb.Del(ctx, hashKey).Err()
		return nil, ErrNoJob
	}
	return job, nil
}

func (q *RedisQueue) ChildrenValues(ctx context.Context, job *entity.Job) (map[string]json.RawMessage, error) {
	vals, err := q.rdb.HGetAll(ctx, q.key(job.Queue, job.ID, "processed")).Result()
	if err != nil {
		return nil, classify("children values", err)
	}
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Complete stores the result, hands it to the parent and, when this was the
// parent's last open dependency, makes the parent claimable.
func (q *RedisQueue) Complete(ctx context.Context, job *entity.Job, result json.RawMessage) error {
	now := q.now()
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	parentQueue, parentID, hasParent := splitKey(job.ParentKey)

	var srem, scard *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(job.Queue, "active"), 0, job.ID)
		if job.Opts.RemoveOnComplete {
			pipe.Del(ctx, q.key(job.Queue, job.ID), q.key(job.Queue, job.ID, "processed"), q.key(job.Queue, job.ID, "dependencies"))
		} else {
			pipe.HSet(ctx, q.key(job.Queue, job.ID),
				"state", string(entity.StateCompleted),
				"returnvalue", string(result),
				"finishedOn", now.UnixMilli(),
				"attemptsMade", job.AttemptsMade,
			)
			pipe.ZAdd(ctx, q.key(job.Queue, "completed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		}
		if hasParent {
			pipe.HSet(ctx, q.key(parentQueue, parentID, "processed"), job.Key(), string(result))
			srem = pipe.SRem(ctx, q.key(parentQueue, parentID, "dependencies"), job.Key())
			scard = pipe.SCard(ctx, q.key(parentQueue, parentID, "dependencies"))
		}
		return nil
	})
	if err != nil {
		return classify("complete", err)
	}

	if hasParent && srem.Val() == 1 && scard.Val() == 0 {
		return q.releaseParent(ctx, parentQueue, parentID, now)
	}
	return nil
}

// releaseParent moves a parent whose children all completed to wait, or to
// delayed when its own delay has not elapsed yet.
func (q *RedisQueue) releaseParent(ctx context.Context, queue, id string, now time.Time) error {
	vals, err := q.rdb.HMGet(ctx, q.key(queue, id), "timestamp", "opts", "state").Result()
	if err != nil {
		return classify("release parent", err)
	}
	if vals[2] == nil || vals[2] == string(entity.StateFailed) {
		return nil
	}
	var opts entity.JobOptions
	if s, ok := vals[1].(string); ok {
		_ = json.Unmarshal([]byte(s), &opts)
	}
	created := msToTime(vals[0])
	eligible := created.Add(opts.Delay)

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.key(queue, "waiting-children"), id)
		if eligible.After(now) {
			pipe.HSet(ctx, q.key(queue, id), "state", string(entity.StateDelayed))
			pipe.ZAdd(ctx, q.key(queue, "delayed"), redis.Z{Score: float64(eligible.UnixMilli()), Member: id})
			return nil
		}
		pipe.HSet(ctx, q.key(queue, id), "state", string(entity.StateWaiting))
		pipe.LPush(ctx, q.key(queue, "wait"), id)
		return nil
	})
	return classify("release parent", err)
}

// Retry parks an active job in delayed (or back in wait when delay is zero).
// The caller has already counted the failed attempt in job.AttemptsMade.
func (q *RedisQueue) Retry(ctx context.Context, job *entity.Job, reason string, delay time.Duration) error {
	now := q.now()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(job.Queue, "active"), 0, job.ID)
		state := entity.StateWaiting
		if delay > 0 {
			state = entity.StateDelayed
			pipe.ZAdd(ctx, q.key(job.Queue, "delayed"), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: job.ID})
		} else {
			pipe.LPush(ctx, q.key(job.Queue, "wait"), job.ID)
		}
		pipe.HSet(ctx, q.key(job.Queue, job.ID),
			"state", string(state),
			"attemptsMade", job.AttemptsMade,
			"failedReason", reason,
		)
		return nil
	})
	return classify("retry", err)
}

// Fail marks the job failed for good. With FailParentOnFailure the parent
// (and, transitively, its ancestors that ask for it) fails without running.
func (q *RedisQueue) Fail(ctx context.Context, job *entity.Job, reason string) error {
	now := q.now()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(job.Queue, "active"), 0, job.ID)
		pipe.HSet(ctx, q.key(job.Queue, job.ID),
			"state", string(entity.StateFailed),
			"attemptsMade", job.AttemptsMade,
			"failedReason", reason,
			"finishedOn", now.UnixMilli(),
		)
		pipe.ZAdd(ctx, q.key(job.Queue, "failed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return classify("fail", err)
	}
	if !job.Opts.FailParentOnFailure {
		return nil
	}

	parentQueue, parentID, ok := splitKey(job.ParentKey)
	if !ok {
		return nil
	}
	parent, err := q.load(ctx, parentQueue, parentID)
	if err != nil {
		if errors.Is(err, errJobMissing) {
			return nil
		}
		return err
	}
	if parent.State == entity.StateFailed || parent.State == entity.StateCompleted {
		return nil
	}
	_ = q.rdb.SRem(ctx, q.key(parentQueue, "waiting-children"), parentID).Err()
	_ = q.rdb.ZRem(ctx, q.key(parentQueue, "delayed"), parentID).Err()
	return q.Fail(ctx, parent, fmt.Sprintf("child %s failed: %s", job.Key(), reason))
}

// PromoteDelayed moves due delayed jobs to wait. ZREM decides the winner
// when several workers promote at once.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, queue string, limit int64) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.ZRangeByScore(ctx, q.key(queue, "delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, classify("promote", err)
	}

	var moved int64
	for _, id := range ids {
		n, err := q.rdb.ZRem(ctx, q.key(queue, "delayed"), id).Result()
		if err != nil {
			return moved, classify("promote", err)
		}
		if n == 0 {
			continue
		}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.key(queue, id), "state", string(entity.StateWaiting))
			pipe.LPush(ctx, q.key(queue, "wait"), id)
			return nil
		})
		if err != nil {
			return moved, classify("promote", err)
		}
		moved++
	}
	return moved, nil
}

// RequeueStale is the reaper: active jobs claimed more than staleAfter ago
// (their worker died) go back to wait. At-least-once delivery.
func (q *RedisQueue) RequeueStale(ctx context.Context, queue string, staleAfter time.Duration, max int64) (int64, error) {
	if max <= 0 {
		max = 100
	}
	ids, err := q.rdb.LRange(ctx, q.key(queue, "active"), -max, -1).Result()
	if err != nil {
		return 0, classify("requeue", err)
	}

	cutoff := q.now().Add(-staleAfter)
	var moved int64
	for _, id := range ids {
		processed, err := q.rdb.HGet(ctx, q.key(queue, id), "processedOn").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return moved, classify("requeue", err)
		}
		if errors.Is(err, redis.Nil) {
			_ = q.rdb.LRem(ctx, q.key(queue, "active"), 0, id).Err()
			continue
		}
		if msToTime(processed).After(cutoff) {
			continue
		}
		n, err := q.rdb.LRem(ctx, q.key(queue, "active"), 1, id).Result()
		if err != nil {
			return moved, classify("requeue", err)
		}
		if n == 0 {
			continue
		}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.key(queue, id), "state", string(entity.StateWaiting))
			pipe.LPush(ctx, q.key(queue, "wait"), id)
			return nil
		})
		if err != nil {
			return moved, classify("requeue", err)
		}
		moved++
	}
	return moved, nil
}

// GetFailed lists failed jobs, most recent first. start/stop are ZREVRANGE
// indexes.
func (q *RedisQueue) GetFailed(ctx context.Context, queue string, start, stop int64) ([]*entity.Job, error) {
	ids, err := q.rdb.ZRevRange(ctx, q.key(queue, "failed"), start, stop).Result()
	if err != nil {
		return nil, classify("get failed", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.key(queue, id))
		}
		return nil
	})
	if err != nil {
		return nil, classify("get failed", err)
	}

	jobs := make([]*entity.Job, 0, len(ids))
	for i, id := range ids {
		j, err := parseJob(queue, id, cmds[i].Val())
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *RedisQueue) Counts(ctx context.Context, queue string) (entity.JobCounts, error) {
	var wait, active, delayed, children, completed, failed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.key(queue, "wait"))
		active = pipe.LLen(ctx, q.key(queue, "active"))
		delayed = pipe.ZCard(ctx, q.key(queue, "delayed"))
		children = pipe.SCard(ctx, q.key(queue, "waiting-children"))
		completed = pipe.ZCard(ctx, q.key(queue, "completed"))
		failed = pipe.ZCard(ctx, q.key(queue, "failed"))
		return nil
	})
	if err != nil {
		return entity.JobCounts{}, classify("counts", err)
	}
	return entity.JobCounts{
		Waiting:         wait.Val(),
		WaitingChildren: children.Val(),
		Delayed:         delayed.Val(),
		Active:          active.Val(),
		Completed:       completed.Val(),
		Failed:          failed.Val(),
	}, nil
}

var errJobMissing = errors.New("job hash missing")

func (q *RedisQueue) load(ctx context.Context, queue, id string) (*entity.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, q.key(queue, id)).Result()
	if err != nil {
		return nil, classify("load", err)
	}
	return parseJob(queue, id, vals)
}

func jobFields(j *entity.Job) map[string]any {
	opts, _ := json.Marshal(j.Opts)
	data := j.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return map[string]any{
		"name":         j.Name,
		"data":         string(data),
		"opts":         string(opts),
		"parent":       j.ParentKey,
		"state":        string(j.State),
		"attemptsMade": j.AttemptsMade,
		"timestamp":    j.CreatedAt.UnixMilli(),
	}
}

func parseJob(queue, id string, vals map[string]string) (*entity.Job, error) {
	if _, ok := vals["timestamp"]; !ok {
		return nil, errJobMissing
	}
	j := &entity.Job{
		ID:           id,
		Name:         vals["name"],
		Queue:        queue,
		Data:         json.RawMessage(vals["data"]),
		ParentKey:    vals["parent"],
		State:        entity.JobState(vals["state"]),
		FailedReason: vals["failedReason"],
		CreatedAt:    msToTime(vals["timestamp"]),
		ProcessedAt:  msToTime(vals["processedOn"]),
		FinishedAt:   msToTime(vals["finishedOn"]),
	}
	if v := vals["returnvalue"]; v != "" {
		j.ReturnValue = json.RawMessage(v)
	}
	j.AttemptsMade, _ = strconv.Atoi(vals["attemptsMade"])
	if v := vals["opts"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Opts); err != nil {
			return nil, fmt.Errorf("job %s opts: %w", id, err)
		}
	}
	return j, nil
}

// splitKey is the inverse of entity.JobKey. Queue names never contain ':'.
func splitKey(key string) (queue, id string, ok bool) {
	if key == "" {
		return "", "", false
	}
	i := strings.Index(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func msToTime(v any) time.Time {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case nil:
		return time.Time{}
	default:
		s = fmt.Sprint(x)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
