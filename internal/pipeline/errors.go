package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadmark-worker/internal/entity"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidPayload
	KindOwnerNotFound
	KindContactCreation
	KindThreadCreation
	KindThreadBusy
	KindAttachmentHandling
	KindMessagePersist
	KindAttachmentLink
	KindGeneration
	KindSend
	KindThreadUnlock
)

var kindNames = map[ErrorKind]string{
	KindUnknown:            "unknown",
	KindInvalidPayload:     "invalid_payload",
	KindOwnerNotFound:      "owner_not_found",
	KindContactCreation:    "contact_creation",
	KindThreadCreation:     "thread_creation",
	KindThreadBusy:         "thread_busy",
	KindAttachmentHandling: "attachment_handling",
	KindMessagePersist:     "message_persist",
	KindAttachmentLink:     "attachment_link",
	KindGeneration:         "generation",
	KindSend:               "send",
	KindThreadUnlock:       "thread_unlock",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// StageError is the only error type stage handlers return.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
	fatal bool
	after time.Duration
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Unrecoverable tells the worker not to spend further attempts on the job.
func (e *StageError) Unrecoverable() bool { return e.fatal }

// RetryAfter is non-zero when the job should run again after that long
// without the failure counting as an attempt.
func (e *StageError) RetryAfter() time.Duration { return e.after }

// KindOf returns the kind of the first StageError in err's chain.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func stageErr(stage Stage, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func fatalErr(stage Stage, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err, fatal: true}
}

func deferredErr(stage Stage, kind ErrorKind, err error, after time.Duration) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err, after: after}
}

// finalAttempt reports whether err ends the job for good, given the
// attempts it already used.
func finalAttempt(ctx context.Context, job *entity.Job, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.after > 0 {
			return false
		}
		if se.fatal {
			return true
		}
	}
	return job.AttemptsMade+1 >= job.Opts.MaxAttempts()
}

var (
	errNoRow   = errors.New("no row returned")
	errNoOwner = errors.New("mailbox has no owner")
)
