package entity

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	StateWaiting         JobState = "waiting"
	StateWaitingChildren JobState = "waiting-children"
	StateDelayed         JobState = "delayed"
	StateActive          JobState = "active"
	StateCompleted       JobState = "completed"
	StateFailed          JobState = "failed"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes how long a failed job waits before its next attempt.
type Backoff struct {
	Type  BackoffType   `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Next returns the wait before the attempt that follows attemptsMade failures.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<shift)
}

type JobOptions struct {
	RemoveOnComplete    bool          `json:"removeOnComplete,omitempty"`
	FailParentOnFailure bool          `json:"failParentOnFailure,omitempty"`
	Attempts            int           `json:"attempts,omitempty"`
	Backoff             Backoff       `json:"backoff,omitempty"`
	Delay               time.Duration `json:"delay,omitempty"`
}

// MaxAttempts is never below one.
func (o JobOptions) MaxAttempts() int {
	if o.Attempts < 1 {
		return 1
	}
	return o.Attempts
}

type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data,omitempty"`
	Opts         JobOptions      `json:"opts"`
	ParentKey    string          `json:"parent,omitempty"`
	State        JobState        `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"timestamp"`
	ProcessedAt  time.Time       `json:"processedOn,omitempty"`
	FinishedAt   time.Time       `json:"finishedOn,omitempty"`

	// ChildrenValues is filled by the worker right before the handler runs:
	// child job key -> child return value.
	ChildrenValues map[string]json.RawMessage `json:"-"`
}

func (j *Job) Key() string { return JobKey(j.Queue, j.ID) }

// JobKey addresses a job across queues.
func JobKey(queue, id string) string { return queue + ":" + id }

// FlowJob is a job description with its dependency tree. A parent runs only
// after every child completed.
type FlowJob struct {
	Name     string
	Queue    string
	Data     json.RawMessage
	Opts     JobOptions
	Children []FlowJob
}

// JobNode is the created counterpart of a FlowJob.
type JobNode struct {
	Job      *Job       `json:"job"`
	Children []*JobNode `json:"children,omitempty"`
}

type JobCounts struct {
	Waiting         int64 `json:"waiting"`
	WaitingChildren int64 `json:"waitingChildren"`
	Delayed         int64 `json:"delayed"`
	Active          int64 `json:"active"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
}
