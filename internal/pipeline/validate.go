package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/mailutil"
)

// threadingHeaders are copied from the inbound message for the reply.
var threadingHeaders = []string{"Message-ID", "In-Reply-To", "References"}

func (s *Stages) handleValidate(_ context.Context, job *entity.Job) (*ValidateOutput, error) {
	var in ValidateInput
	if err := json.Unmarshal(job.Data, &in); err != nil {
		return nil, fatalErr(StageValidate, KindInvalidPayload, fmt.Errorf("decode job data: %w", err))
	}
	if err := s.validate.Struct(in.Mailbox.Mailbox); err != nil {
		return nil, fatalErr(StageValidate, KindInvalidPayload, fmt.Errorf("mailbox: %w", err))
	}

	payload := in.Payload
	sender := payload.SenderEmail()
	if err := s.validate.Var(sender, "required,email"); err != nil {
		return nil, fatalErr(StageValidate, KindInvalidPayload, fmt.Errorf("sender %q: %w", sender, err))
	}

	if len(in.Mailbox.Owners) == 0 || in.Mailbox.Owners[0].ID == uuid.Nil {
		return nil, fatalErr(StageValidate, KindOwnerNotFound, fmt.Errorf("mailbox %d: %w", in.Mailbox.ID, errNoOwner))
	}
	owner := in.Mailbox.Owners[0]

	attachments := payload.Attachments
	input := payload
	input.Attachments = nil

	message := strings.TrimSpace(payload.TextBody)
	if message == "" {
		message = mailutil.HTMLToText(payload.HtmlBody)
	}

	out := &ValidateOutput{
		Owner:   owner,
		Input:   input,
		Mailbox: in.Mailbox.Mailbox,
		Subject: mailutil.EnsureReplyPrefix(payload.Subject),
		Headers: mailutil.FindHeaders(payload.Headers, threadingHeaders...),
		Message: message,
		Recipients: Recipients{
			To: sender,
			Cc: payload.Cc,
		},
		Attachments:      attachments,
		MailboxWithOwner: in.Mailbox,
	}
	if err := s.validate.Struct(out); err != nil {
		return nil, fatalErr(StageValidate, KindInvalidPayload, err)
	}
	return out, nil
}
