package entity

import (
	"encoding/json"

	"github.com/google/uuid"
)

type Mailbox struct {
	ID              int64           `json:"id" validate:"required"`
	Address         string          `json:"address" validate:"required,email"`
	Name            string          `json:"name,omitempty"`
	Objective       string          `json:"objective,omitempty"`
	ObjectiveParsed json.RawMessage `json:"objective_parsed,omitempty"`
	MessageStream   string          `json:"message_stream,omitempty"`
}

type Owner struct {
	ID       uuid.UUID `json:"id" validate:"required"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name,omitempty"`
}

// MailboxWithOwner is the mailbox row joined with its owning profiles.
type MailboxWithOwner struct {
	Mailbox
	Owners []Owner `json:"owners"`
}
