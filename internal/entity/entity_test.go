package entity_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadmark-worker/internal/entity"
)

func TestBackoff_Next(t *testing.T) {
	exp := entity.Backoff{Type: entity.BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.Next(1))
	assert.Equal(t, 2*time.Second, exp.Next(2))
	assert.Equal(t, 4*time.Second, exp.Next(3))

	fixed := entity.Backoff{Type: entity.BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Next(5))

	assert.Zero(t, entity.Backoff{}.Next(3))
}

func TestJobOptions_MaxAttempts(t *testing.T) {
	assert.Equal(t, 1, entity.JobOptions{}.MaxAttempts())
	assert.Equal(t, 3, entity.JobOptions{Attempts: 3}.MaxAttempts())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to entity.ThreadStatus
		ok       bool
	}{
		{entity.ThreadQuarantined, entity.ThreadActive, true},
		{entity.ThreadActive, entity.ThreadClosed, true},
		{entity.ThreadClosed, entity.ThreadActive, true},
		{entity.ThreadActive, entity.ThreadSpam, true},
		{entity.ThreadSpam, entity.ThreadActive, false},
		{entity.ThreadQuarantined, entity.ThreadClosed, false},
		{entity.ThreadActive, entity.ThreadQuarantined, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, entity.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestThread_Composing(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	assert.False(t, (&entity.Thread{}).Composing(now))
	assert.True(t, (&entity.Thread{ComposingUntil: &later}).Composing(now))
	assert.False(t, (&entity.Thread{ComposingUntil: &earlier}).Composing(now))
}

func TestInboundEmail_Sender(t *testing.T) {
	e := entity.InboundEmail{FromFull: entity.Address{Email: "Alice@X.com", Name: "Alice"}}
	assert.Equal(t, "alice@x.com", e.SenderEmail())
	assert.Equal(t, "Alice", e.SenderName())

	e = entity.InboundEmail{From: "Bob <bob@y.org>"}
	assert.Equal(t, "bob@y.org", e.SenderEmail())
}

func TestAttachment_Decode(t *testing.T) {
	a := entity.Attachment{Name: "notes.txt", Content: base64.StdEncoding.EncodeToString([]byte("hello"))}
	data, err := a.Decode()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = entity.Attachment{Content: "%%%"}.Decode()
	assert.Error(t, err)
}
