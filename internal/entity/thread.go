package entity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrThreadBusy is returned when another pipeline holds the composing lock.
	ErrThreadBusy = errors.New("thread is composing")
)

type ThreadStatus string

const (
	ThreadQuarantined ThreadStatus = "quarantined"
	ThreadActive      ThreadStatus = "active"
	ThreadClosed      ThreadStatus = "closed"
	ThreadSpam        ThreadStatus = "spam"
)

// CanTransition reports whether a thread may move from one status to another.
func CanTransition(from, to ThreadStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case ThreadSpam:
		return true
	case ThreadActive:
		return from == ThreadQuarantined || from == ThreadClosed
	case ThreadClosed:
		return from == ThreadActive
	}
	return false
}

type Thread struct {
	ID             int64        `json:"id" validate:"required"`
	Namespace      string       `json:"namespace" validate:"required"`
	Status         ThreadStatus `json:"status"`
	OwnerID        uuid.UUID    `json:"owner_id"`
	MailboxID      int64        `json:"mailbox_id"`
	ContactID      int64        `json:"contact_id"`
	Subject        string       `json:"subject,omitempty"`
	ComposingUntil *time.Time   `json:"composing_until,omitempty"`
	LockToken      *string      `json:"lock_token,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Composing reports whether the composing lock is held at now.
func (t *Thread) Composing(now time.Time) bool {
	return t.ComposingUntil != nil && t.ComposingUntil.After(now)
}

type Contact struct {
	ID        int64     `json:"id" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	Name      string    `json:"name,omitempty"`
	MailboxID int64     `json:"mailbox_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}
