package entity

import (
	"encoding/json"
	"time"
)

// ReplyPrompt is what the reply generator gets for one inbound email.
type ReplyPrompt struct {
	Name              string          `json:"name"`
	FullName          string          `json:"full_name,omitempty"`
	Objective         string          `json:"objective"`
	ObjectiveParsed   json.RawMessage `json:"objective_parsed,omitempty"`
	Text              string          `json:"text"`
	AttachmentContext string          `json:"attachment_context,omitempty"`
	LinksContext      string          `json:"links_context,omitempty"`
}

// LinkContext is a page fetched from a URL found in an inbound message.
type LinkContext struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
}

type OutboundEmail struct {
	From          string   `json:"From"`
	To            string   `json:"To"`
	Cc            string   `json:"Cc,omitempty"`
	ReplyTo       string   `json:"ReplyTo,omitempty"`
	Subject       string   `json:"Subject"`
	HTMLBody      string   `json:"HtmlBody"`
	TextBody      string   `json:"TextBody"`
	Headers       []Header `json:"Headers,omitempty"`
	MessageStream string   `json:"MessageStream,omitempty"`
}

type SendReceipt struct {
	MessageID   string    `json:"message_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Provider    string    `json:"provider"`
	Skipped     bool      `json:"skipped,omitempty"`
}
