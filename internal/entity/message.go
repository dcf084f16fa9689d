package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Message struct {
	ID            int64           `json:"id" validate:"required"`
	ThreadID      int64           `json:"thread_id"`
	Direction     Direction       `json:"direction"`
	Content       string          `json:"content"`
	HTMLContent   string          `json:"html_content,omitempty"`
	Subject       string          `json:"subject"`
	IsAIGenerated bool            `json:"is_ai_generated"`
	ExternalID    string          `json:"external_id,omitempty"`
	ReplyToID     *int64          `json:"reply_to_id,omitempty"`
	PostmarkData  json.RawMessage `json:"postmark_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type MessageInsert struct {
	ThreadID      int64
	Direction     Direction
	Content       string
	HTMLContent   string
	Subject       string
	IsAIGenerated bool
	ExternalID    string
	ReplyToID     *int64
	PostmarkData  json.RawMessage
}

type MessageAttachment struct {
	ID         int64 `json:"id"`
	MessageID  int64 `json:"message_id"`
	ResourceID int64 `json:"resource_id"`
}

type AttachmentInsert struct {
	MessageID  int64
	ResourceID int64
}

// HistoryEntry is the slice of a message the reply generator sees.
type HistoryEntry struct {
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Resource is a stored file owned by a mailbox owner: attachments, uploaded
// knowledge, fetched pages.
type Resource struct {
	ID          int64     `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	MailboxID   *int64    `json:"mailbox_id,omitempty"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	RawContent  string    `json:"raw_content,omitempty"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type ResourceMatch struct {
	ResourceID int64   `json:"resource_id"`
	Name       string  `json:"name"`
	Snippet    string  `json:"snippet"`
	Rank       float64 `json:"rank"`
}
