package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/service"
	"leadmark-worker/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() worker.Config {
	return worker.Config{Concurrency: 5, ClaimTimeout: 50 * time.Millisecond, PromoteInterval: 5 * time.Millisecond}
}

type flowData struct {
	Flow int `json:"flow"`
}

func threeLevelFlow(i int, opts entity.JobOptions) entity.FlowJob {
	data, _ := json.Marshal(flowData{Flow: i})
	child := opts
	child.FailParentOnFailure = true
	child.RemoveOnComplete = true
	return entity.FlowJob{
		Name: "top", Queue: "top", Opts: opts,
		Children: []entity.FlowJob{{
			Name: "middle", Queue: "middle", Opts: child,
			Children: []entity.FlowJob{{
				Name: "leaf", Queue: "leaf", Data: data, Opts: child,
			}},
		}},
	}
}

// childFlow reads the flow number from the only child value.
func childFlow(t *testing.T, job *entity.Job) int {
	t.Helper()
	for _, raw := range job.ChildrenValues {
		var d flowData
		if err := json.Unmarshal(raw, &d); err == nil {
			return d.Flow
		}
	}
	return -1
}

type recorder struct {
	mu     sync.Mutex
	events map[int][]string
}

func (r *recorder) add(flow int, ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[flow] = append(r.events[flow], ev)
}

func (r *recorder) get(flow int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events[flow]...)
}

func jitter() {
	time.Sleep(time.Duration(rand.Intn(2000)) * time.Microsecond)
}

func TestRuntime_StageOrderingAcrossConcurrentFlows(t *testing.T) {
	const flows = 100

	q := service.NewMemoryQueue()
	rt := worker.NewRuntime(q, testConfig(), quietLogger())
	rec := &recorder{events: map[int][]string{}}
	var done atomic.Int64

	_, err := rt.Register("leaf", func(ctx context.Context, job *entity.Job) (any, error) {
		var d flowData
		assert.NoError(t, json.Unmarshal(job.Data, &d))
		rec.add(d.Flow, "leaf:start")
		jitter()
		rec.add(d.Flow, "leaf:end")
		return d, nil
	}, worker.Options{Concurrency: 5, AutoRun: true})
	require.NoError(t, err)

	_, err = rt.Register("middle", func(ctx context.Context, job *entity.Job) (any, error) {
		flow := childFlow(t, job)
		rec.add(flow, "middle:start")
		jitter()
		rec.add(flow, "middle:end")
		return flowData{Flow: flow}, nil
	}, worker.Options{Concurrency: 5, AutoRun: true})
	require.NoError(t, err)

	_, err = rt.Register("top", func(ctx context.Context, job *entity.Job) (any, error) {
		flow := childFlow(t, job)
		rec.add(flow, "top:start")
		rec.add(flow, "top:end")
		done.Add(1)
		return nil, nil
	}, worker.Options{Concurrency: 5, AutoRun: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(stopped)
	}()

	var wg sync.WaitGroup
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.AddFlow(context.Background(), threeLevelFlow(i, entity.JobOptions{Attempts: 1}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return done.Load() == flows }, 15*time.Second, 10*time.Millisecond)
	cancel()
	<-stopped

	want := []string{"leaf:start", "leaf:end", "middle:start", "middle:end", "top:start", "top:end"}
	for i := 0; i < flows; i++ {
		assert.Equal(t, want, rec.get(i), "flow %d", i)
	}
}

func TestRuntime_ChildFailureFailsParentWithoutRunningIt(t *testing.T) {
	q := service.NewMemoryQueue()
	rt := worker.NewRuntime(q, testConfig(), quietLogger())

	var middleCalls, topCalls atomic.Int64
	_, err := rt.Register("leaf", func(ctx context.Context, job *entity.Job) (any, error) {
		return nil, errors.New("bad payload")
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)
	_, err = rt.Register("middle", func(ctx context.Context, job *entity.Job) (any, error) {
		middleCalls.Add(1)
		return nil, nil
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)
	_, err = rt.Register("top", func(ctx context.Context, job *entity.Job) (any, error) {
		topCalls.Add(1)
		return nil, nil
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	node, err := q.AddFlow(ctx, threeLevelFlow(1, entity.JobOptions{Attempts: 1}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx, "top")
		return err == nil && c.Failed == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Zero(t, middleCalls.Load())
	assert.Zero(t, topCalls.Load())

	failed, err := q.GetFailed(ctx, "middle", 0, -1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, node.Children[0].Job.ID, failed[0].ID)
	assert.Contains(t, failed[0].FailedReason, "bad payload")

	top, ok := q.Job("top", node.Job.ID)
	require.True(t, ok)
	assert.Equal(t, entity.StateFailed, top.State)
	assert.Contains(t, top.FailedReason, "child middle:")
}

func TestRuntime_RetriesWithBackoffUntilSuccess(t *testing.T) {
	q := service.NewMemoryQueue()
	rt := worker.NewRuntime(q, testConfig(), quietLogger())

	var calls atomic.Int64
	_, err := rt.Register("single", func(ctx context.Context, job *entity.Job) (any, error) {
		if n := calls.Add(1); n < 3 {
			return nil, fmt.Errorf("transient %d", n)
		}
		return map[string]int{"attempts": job.AttemptsMade}, nil
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	node, err := q.AddFlow(ctx, entity.FlowJob{
		Name: "single", Queue: "single",
		Opts: entity.JobOptions{Attempts: 3, Backoff: entity.Backoff{Type: entity.BackoffExponential, Delay: 2 * time.Millisecond}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, ok := q.Job("single", node.Job.ID)
		return ok && j.State == entity.StateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	j, _ := q.Job("single", node.Job.ID)
	assert.Equal(t, int64(3), calls.Load())
	assert.JSONEq(t, `{"attempts":2}`, string(j.ReturnValue))
}

type permanentErr struct{}

func (permanentErr) Error() string       { return "permanent" }
func (permanentErr) Unrecoverable() bool { return true }

func TestRuntime_UnrecoverableErrorIsNotRetried(t *testing.T) {
	q := service.NewMemoryQueue()
	rt := worker.NewRuntime(q, testConfig(), quietLogger())

	var calls atomic.Int64
	_, err := rt.Register("single", func(ctx context.Context, job *entity.Job) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("wrapped: %w", permanentErr{})
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	_, err = q.AddFlow(ctx, entity.FlowJob{Name: "single", Queue: "single", Opts: entity.JobOptions{Attempts: 5}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, _ := q.Counts(ctx, "single")
		return c.Failed == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRuntime_HandlerPanicFailsJob(t *testing.T) {
	q := service.NewMemoryQueue()
	rt := worker.NewRuntime(q, testConfig(), quietLogger())

	_, err := rt.Register("single", func(ctx context.Context, job *entity.Job) (any, error) {
		panic("boom")
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	_, err = q.AddFlow(ctx, entity.FlowJob{Name: "single", Queue: "single"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, _ := q.GetFailed(ctx, "single", 0, -1)
		return len(failed) == 1 && failed[0].FailedReason == "handler panic: boom"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRuntime_RegisterTwiceFails(t *testing.T) {
	rt := worker.NewRuntime(service.NewMemoryQueue(), testConfig(), quietLogger())
	noop := func(ctx context.Context, job *entity.Job) (any, error) { return nil, nil }

	_, err := rt.Register("q", noop, worker.Options{})
	require.NoError(t, err)
	_, err = rt.Register("q", noop, worker.Options{})
	assert.Error(t, err)
}

func TestRuntime_DelayedParentWaitsForItsDelay(t *testing.T) {
	q := service.NewMemoryQueue()
	rt := worker.NewRuntime(q, testConfig(), quietLogger())

	var leafDone, topStart atomic.Int64
	_, err := rt.Register("leaf", func(ctx context.Context, job *entity.Job) (any, error) {
		leafDone.Store(time.Now().UnixNano())
		return nil, nil
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)
	_, err = rt.Register("top", func(ctx context.Context, job *entity.Job) (any, error) {
		topStart.Store(time.Now().UnixNano())
		return nil, nil
	}, worker.Options{AutoRun: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	created := time.Now()
	_, err = q.AddFlow(ctx, entity.FlowJob{
		Name: "top", Queue: "top", Opts: entity.JobOptions{Delay: 150 * time.Millisecond},
		Children: []entity.FlowJob{{Name: "leaf", Queue: "leaf", Opts: entity.JobOptions{RemoveOnComplete: true}}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return topStart.Load() != 0 }, 5*time.Second, 5*time.Millisecond)
	assert.NotZero(t, leafDone.Load())
	assert.GreaterOrEqual(t, time.Unix(0, topStart.Load()).Sub(created), 150*time.Millisecond)
}
