package entity

import (
	"encoding/base64"
	"net/mail"
	"strings"
)

type Header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type Address struct {
	Email       string `json:"Email"`
	Name        string `json:"Name"`
	MailboxHash string `json:"MailboxHash,omitempty"`
}

type Attachment struct {
	Name          string `json:"Name"`
	Content       string `json:"Content"`
	ContentType   string `json:"ContentType"`
	ContentLength int64  `json:"ContentLength"`
	ContentID     string `json:"ContentID,omitempty"`
}

// Decode returns the attachment bytes. Postmark sends them base64 encoded.
func (a Attachment) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(a.Content))
}

// InboundEmail is the Postmark inbound webhook body.
type InboundEmail struct {
	From              string       `json:"From"`
	FromName          string       `json:"FromName,omitempty"`
	FromFull          Address      `json:"FromFull"`
	To                string       `json:"To"`
	ToFull            []Address    `json:"ToFull,omitempty"`
	Cc                string       `json:"Cc,omitempty"`
	CcFull            []Address    `json:"CcFull,omitempty"`
	Bcc               string       `json:"Bcc,omitempty"`
	BccFull           []Address    `json:"BccFull,omitempty"`
	OriginalRecipient string       `json:"OriginalRecipient,omitempty"`
	ReplyTo           string       `json:"ReplyTo,omitempty"`
	Subject           string       `json:"Subject"`
	MessageID         string       `json:"MessageID,omitempty"`
	Date              string       `json:"Date,omitempty"`
	TextBody          string       `json:"TextBody"`
	HtmlBody          string       `json:"HtmlBody"`
	StrippedTextReply string       `json:"StrippedTextReply,omitempty"`
	MailboxHash       string       `json:"MailboxHash,omitempty"`
	Tag               string       `json:"Tag,omitempty"`
	Headers           []Header     `json:"Headers"`
	Attachments       []Attachment `json:"Attachments,omitempty"`
	MessageStream     string       `json:"MessageStream,omitempty"`
}

// SenderEmail prefers the parsed FromFull address over the raw From header.
func (e InboundEmail) SenderEmail() string {
	if e.FromFull.Email != "" {
		return strings.ToLower(strings.TrimSpace(e.FromFull.Email))
	}
	if addr, err := mail.ParseAddress(e.From); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(e.From))
}

// SenderName falls back to the address when no display name was sent.
func (e InboundEmail) SenderName() string {
	if e.FromFull.Name != "" {
		return e.FromFull.Name
	}
	if e.FromName != "" {
		return e.FromName
	}
	return e.SenderEmail()
}
