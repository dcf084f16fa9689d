// Package pipeline implements the inbound email reply flow: Validate, then
// Preprocess, then Dispatch. Each stage is a job whose parent is the next
// stage, so the queue only runs a stage after the previous one completed.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"leadmark-worker/internal/entity"
)

type Stage string

const (
	StageValidate   Stage = "validate"
	StagePreprocess Stage = "preprocess"
	StageDispatch   Stage = "dispatch"
)

// Queue names are the stage names.
const (
	QueueValidate   = string(StageValidate)
	QueuePreprocess = string(StagePreprocess)
	QueueDispatch   = string(StageDispatch)
)

const (
	JobValidate   = "VALIDATE_JOB"
	JobPreprocess = "PREPROCESS_JOB"
	JobFinal      = "FINAL_JOB"
)

// Queues lists every queue the pipeline uses, leaf first.
func Queues() []string {
	return []string{QueueValidate, QueuePreprocess, QueueDispatch}
}

type FlowOptions struct {
	Attempts             int
	Backoff              entity.Backoff
	DispatchDelay        time.Duration
	RemoveRootOnComplete bool
}

func DefaultFlowOptions() FlowOptions {
	return FlowOptions{
		Attempts:             3,
		Backoff:              entity.Backoff{Type: entity.BackoffExponential, Delay: time.Second},
		DispatchDelay:        500 * time.Millisecond,
		RemoveRootOnComplete: true,
	}
}

// BuildFlow describes the three-level job tree for one inbound email. All
// real data travels in the validate job; the others read their child's
// return value.
func BuildFlow(payload entity.InboundEmail, mailbox entity.MailboxWithOwner, opts FlowOptions) (entity.FlowJob, error) {
	data, err := json.Marshal(ValidateInput{Payload: payload, Mailbox: mailbox})
	if err != nil {
		return entity.FlowJob{}, fmt.Errorf("marshal validate input: %w", err)
	}

	child := entity.JobOptions{
		RemoveOnComplete:    true,
		FailParentOnFailure: true,
		Attempts:            opts.Attempts,
		Backoff:             opts.Backoff,
	}

	return entity.FlowJob{
		Name:  JobFinal,
		Queue: QueueDispatch,
		Data:  json.RawMessage(`{}`),
		Opts: entity.JobOptions{
			RemoveOnComplete: opts.RemoveRootOnComplete,
			Attempts:         opts.Attempts,
			Backoff:          opts.Backoff,
			Delay:            opts.DispatchDelay,
		},
		Children: []entity.FlowJob{{
			Name:  JobPreprocess,
			Queue: QueuePreprocess,
			Data:  json.RawMessage(`{}`),
			Opts:  child,
			Children: []entity.FlowJob{{
				Name:  JobValidate,
				Queue: QueueValidate,
				Data:  data,
				Opts:  child,
			}},
		}},
	}, nil
}
