package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"leadmark-worker/internal/entity"
)

// ValidateInput is the validate job's data, set by the producer.
type ValidateInput struct {
	Payload entity.InboundEmail     `json:"payload"`
	Mailbox entity.MailboxWithOwner `json:"mailbox"`
}

type Recipients struct {
	To string `json:"to" validate:"required,email"`
	Cc string `json:"cc,omitempty"`
}

type ValidateOutput struct {
	Owner entity.Owner `json:"owner"`
	// Input is the webhook payload without its attachments.
	Input entity.InboundEmail `json:"input"`
	// Mailbox is the mailbox without its owners.
	Mailbox          entity.Mailbox          `json:"mailbox"`
	Subject          string                  `json:"subject" validate:"required"`
	Headers          []entity.Header         `json:"headers"`
	Message          string                  `json:"message"`
	Recipients       Recipients              `json:"recipients"`
	Attachments      []entity.Attachment     `json:"attachments,omitempty"`
	MailboxWithOwner entity.MailboxWithOwner `json:"mailbox_with_owner"`
}

type PreprocessOutput struct {
	ValidateOutput
	Contact                 entity.Contact         `json:"contact"`
	Thread                  entity.Thread          `json:"thread"`
	LockToken               string                 `json:"lock_token,omitempty"`
	AttachmentResourceIDs   []int64                `json:"attachment_resource_ids,omitempty"`
	SimilaritySearchResults []entity.ResourceMatch `json:"similarity_search_results,omitempty"`
	Links                   []entity.LinkContext   `json:"links,omitempty"`
}

type DispatchOutput struct {
	Subject          string             `json:"subject"`
	InboundMessage   entity.Message     `json:"inbound_message"`
	ProcessedMessage *entity.Message    `json:"processed_message,omitempty"`
	UpdatedThread    entity.Thread      `json:"updated_thread"`
	Ack              entity.SendReceipt `json:"ack"`
}

// StageResult is every stage's return value. Exactly the field named by
// Stage is set.
type StageResult struct {
	Stage      Stage             `json:"stage" validate:"required,oneof=validate preprocess dispatch"`
	Validate   *ValidateOutput   `json:"validate,omitempty"`
	Preprocess *PreprocessOutput `json:"preprocess,omitempty"`
	Dispatch   *DispatchOutput   `json:"dispatch,omitempty"`
}

var errMissingChild = errors.New("expected exactly one child result")

// decodeChild reads the single child result of job, checks it came from the
// expected stage and validates it.
func decodeChild(v *validator.Validate, job *entity.Job, want Stage) (*StageResult, error) {
	if len(job.ChildrenValues) != 1 {
		return nil, fmt.Errorf("%w, got %d", errMissingChild, len(job.ChildrenValues))
	}
	var res StageResult
	for _, raw := range job.ChildrenValues {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode child result: %w", err)
		}
	}
	if res.Stage != want {
		return nil, fmt.Errorf("child result from stage %q, want %q", res.Stage, want)
	}

	var body any
	switch want {
	case StageValidate:
		if res.Validate != nil {
			body = res.Validate
		}
	case StagePreprocess:
		if res.Preprocess != nil {
			body = res.Preprocess
		}
	case StageDispatch:
		if res.Dispatch != nil {
			body = res.Dispatch
		}
	}
	if body == nil {
		return nil, fmt.Errorf("child result for stage %q has no body", want)
	}
	if err := v.Struct(body); err != nil {
		return nil, fmt.Errorf("child result for stage %q: %w", want, err)
	}
	return &res, nil
}
