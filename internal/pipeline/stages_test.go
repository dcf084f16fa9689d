package pipeline_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/mailutil"
	"leadmark-worker/internal/pipeline"
)

var ownerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMailbox() entity.MailboxWithOwner {
	return entity.MailboxWithOwner{
		Mailbox: entity.Mailbox{
			ID:        7,
			Address:   "sales@acme.io",
			Name:      "Acme Sales",
			Objective: "Book a demo call",
		},
		Owners: []entity.Owner{{ID: ownerID, Email: "olivia@acme.io", FullName: "Olivia Owner"}},
	}
}

func testEmail(subject, messageID string) entity.InboundEmail {
	return entity.InboundEmail{
		From:      "Alice <alice@x.com>",
		FromName:  "Alice",
		FromFull:  entity.Address{Email: "alice@x.com", Name: "Alice"},
		To:        "sales@acme.io",
		ToFull:    []entity.Address{{Email: "sales@acme.io"}},
		Subject:   subject,
		MessageID: messageID,
		TextBody:  "How much does the pro plan cost? See https://acme.io/pricing",
		Headers: []entity.Header{
			{Name: "Message-ID", Value: "<" + messageID + "@mail.x.com>"},
			{Name: "X-Spam-Score", Value: "0"},
		},
	}
}

type harness struct {
	store  *memStore
	gen    *fakeGenerator
	sender *fakeSender
	stages *pipeline.Stages
}

func newHarness(cfg pipeline.Config) *harness {
	h := &harness{store: newMemStore(), gen: &fakeGenerator{}, sender: &fakeSender{}}
	h.stages = h.with(cfg)
	return h
}

// with builds another Stages over the same fakes.
func (h *harness) with(cfg pipeline.Config) *pipeline.Stages {
	return pipeline.NewStages(pipeline.Deps{
		Store:     h.store,
		Generator: h.gen,
		Sender:    h.sender,
		Enricher:  fakeEnricher{},
		Logger:    quietLogger(),
	}, cfg)
}

func validateJob(t *testing.T, payload entity.InboundEmail, mb entity.MailboxWithOwner) *entity.Job {
	t.Helper()
	data, err := json.Marshal(pipeline.ValidateInput{Payload: payload, Mailbox: mb})
	require.NoError(t, err)
	return &entity.Job{ID: uuid.NewString(), Name: pipeline.JobValidate, Queue: pipeline.QueueValidate, Data: data}
}

// parentOf returns the next stage's job with child's result as its only
// children value.
func parentOf(t *testing.T, child *entity.Job, queue string, result any) *entity.Job {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return &entity.Job{
		ID:             uuid.NewString(),
		Queue:          queue,
		ChildrenValues: map[string]json.RawMessage{child.Key(): raw},
	}
}

func (h *harness) validated(t *testing.T, payload entity.InboundEmail) (*entity.Job, pipeline.StageResult) {
	t.Helper()
	vj := validateJob(t, payload, testMailbox())
	res, err := h.stages.Validate(context.Background(), vj)
	require.NoError(t, err)
	return vj, res.(pipeline.StageResult)
}

func (h *harness) preprocessed(t *testing.T, st *pipeline.Stages, payload entity.InboundEmail) (*entity.Job, pipeline.StageResult, error) {
	t.Helper()
	vj, vres := h.validated(t, payload)
	pj := parentOf(t, vj, pipeline.QueuePreprocess, vres)
	res, err := st.Preprocess(context.Background(), pj)
	if err != nil {
		return pj, pipeline.StageResult{}, err
	}
	return pj, res.(pipeline.StageResult), nil
}

func TestValidate_BuildsReplyEnvelope(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())

	p := testEmail("Pricing question", "m1")
	p.TextBody = ""
	p.HtmlBody = "<html><body><p>Hello there</p><script>x()</script></body></html>"
	p.Cc = "bob@x.com"
	p.Headers = append(p.Headers, entity.Header{Name: "references", Value: "<r0@mail.x.com>"})
	p.Attachments = []entity.Attachment{{Name: "a.txt", ContentType: "text/plain", Content: base64.StdEncoding.EncodeToString([]byte("hi"))}}

	_, res := h.validated(t, p)
	require.Equal(t, pipeline.StageValidate, res.Stage)
	out := res.Validate
	require.NotNil(t, out)

	assert.Equal(t, "Re: Pricing question", out.Subject)
	assert.Equal(t, "Pricing question", out.Input.Subject)
	assert.Equal(t, "Hello there", out.Message)
	assert.Equal(t, pipeline.Recipients{To: "alice@x.com", Cc: "bob@x.com"}, out.Recipients)
	assert.Equal(t, ownerID, out.Owner.ID)
	assert.Nil(t, out.Input.Attachments)
	assert.Len(t, out.Attachments, 1)
	assert.Equal(t, []entity.Header{
		{Name: "Message-ID", Value: "<m1@mail.x.com>"},
		{Name: "references", Value: "<r0@mail.x.com>"},
	}, out.Headers)
}

func TestValidate_KeepsExistingReplyPrefix(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	_, res := h.validated(t, testEmail("RE: Pricing question", "m1"))
	assert.Equal(t, "RE: Pricing question", res.Validate.Subject)
}

func TestValidate_OwnerNotFoundIsUnrecoverable(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	mb := testMailbox()
	mb.Owners = nil

	_, err := h.stages.Validate(context.Background(), validateJob(t, testEmail("Hi", "m1"), mb))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindOwnerNotFound, pipeline.KindOf(err))

	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Unrecoverable())
	assert.Equal(t, pipeline.StageValidate, se.Stage)
}

func TestValidate_RejectsBadPayload(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())

	_, err := h.stages.Validate(context.Background(), &entity.Job{ID: "x", Data: json.RawMessage(`{"payload":`)})
	assert.Equal(t, pipeline.KindInvalidPayload, pipeline.KindOf(err))

	p := testEmail("Hi", "m1")
	p.From, p.FromFull = "not-an-address", entity.Address{}
	_, err = h.stages.Validate(context.Background(), validateJob(t, p, testMailbox()))
	assert.Equal(t, pipeline.KindInvalidPayload, pipeline.KindOf(err))
}

func TestPreprocess_CreatesContactThreadAndLock(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())

	_, res, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
	require.NoError(t, err)
	out := res.Preprocess
	require.NotNil(t, out)

	ns := mailutil.ThreadNamespace(mailutil.NamespaceParts{From: "alice@x.com", MailboxID: 7, Subject: "Pricing question"})
	assert.Equal(t, ns, out.Thread.Namespace)
	assert.Equal(t, "alice@x.com", out.Contact.Email)
	assert.NotEmpty(t, out.LockToken)

	stored, ok := h.store.thread(ns)
	require.True(t, ok)
	assert.Equal(t, entity.ThreadActive, stored.Status)
	require.NotNil(t, stored.LockToken)
	assert.Equal(t, out.LockToken, *stored.LockToken)

	require.Len(t, out.Links, 1)
	assert.Equal(t, "https://acme.io/pricing", out.Links[0].URL)
}

func TestPreprocess_DeduplicatesAttachmentResources(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())

	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	p := testEmail("Contract", "m1")
	p.Attachments = []entity.Attachment{
		{Name: "terms.txt", ContentType: "text/plain", Content: enc("net 30 payment terms")},
		{Name: "terms-copy.txt", ContentType: "text/plain", Content: enc("net 30 payment terms")},
		{Name: "logo.png", ContentType: "image/png", Content: enc("\x89PNG")},
	}

	_, res, err := h.preprocessed(t, h.stages, p)
	require.NoError(t, err)
	assert.Len(t, res.Preprocess.AttachmentResourceIDs, 2)
}

func TestPreprocess_ReleasesLockWhenAttachmentsFail(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())

	p := testEmail("Broken files", "m1")
	p.Attachments = []entity.Attachment{{Name: "bad.bin", Content: "%%%not-base64"}}

	_, _, err := h.preprocessed(t, h.stages, p)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindAttachmentHandling, pipeline.KindOf(err))

	ns := mailutil.ThreadNamespace(mailutil.NamespaceParts{From: "alice@x.com", MailboxID: 7, Subject: "Broken files"})
	stored, ok := h.store.thread(ns)
	require.True(t, ok)
	assert.Nil(t, stored.ComposingUntil)
	assert.Nil(t, stored.LockToken)
}

func TestPreprocess_ContactFailure(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	h.store.contactErr = errors.New("insert contact: timeout")

	_, _, err := h.preprocessed(t, h.stages, testEmail("Hi", "m1"))
	assert.Equal(t, pipeline.KindContactCreation, pipeline.KindOf(err))

	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Unrecoverable())
}

func TestPreprocess_BusyThreadPolicies(t *testing.T) {
	cases := []struct {
		policy      pipeline.BusyPolicy
		wantErr     bool
		unrecovered bool
		deferred    bool
	}{
		{policy: pipeline.BusyRetry, wantErr: true, deferred: true},
		{policy: pipeline.BusyDrop, wantErr: true, unrecovered: true},
		{policy: pipeline.BusyProceed},
	}
	for _, c := range cases {
		t.Run(string(c.policy), func(t *testing.T) {
			h := newHarness(pipeline.DefaultConfig())

			// the first flow holds the lock until its dispatch
			_, _, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
			require.NoError(t, err)

			cfg := pipeline.DefaultConfig()
			cfg.ThreadBusyPolicy = c.policy
			_, res, err := h.preprocessed(t, h.with(cfg), testEmail("Pricing question", "m2"))

			if !c.wantErr {
				require.NoError(t, err)
				assert.Empty(t, res.Preprocess.LockToken)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, entity.ErrThreadBusy)
			assert.Equal(t, pipeline.KindThreadBusy, pipeline.KindOf(err))
			var se *pipeline.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, c.unrecovered, se.Unrecoverable())
			if c.deferred {
				assert.Equal(t, cfg.BusyRetryDelay, se.RetryAfter())
			} else {
				assert.Zero(t, se.RetryAfter())
			}
		})
	}
}

func TestPreprocess_RerunOfSameFlowTakesItsLockAgain(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	vj, vres := h.validated(t, testEmail("Pricing question", "m1"))
	pj := parentOf(t, vj, pipeline.QueuePreprocess, vres)
	pj.ParentKey = entity.JobKey(pipeline.QueueDispatch, "root-1")

	first, err := h.stages.Preprocess(context.Background(), pj)
	require.NoError(t, err)
	assert.Equal(t, pj.ParentKey, first.(pipeline.StageResult).Preprocess.LockToken)

	// the worker died before settling; the requeued job runs again
	second, err := h.stages.Preprocess(context.Background(), pj)
	require.NoError(t, err)
	assert.Equal(t, pj.ParentKey, second.(pipeline.StageResult).Preprocess.LockToken)

	// another flow still has to wait
	_, _, err = h.preprocessed(t, h.stages, testEmail("Pricing question", "m2"))
	assert.ErrorIs(t, err, entity.ErrThreadBusy)
}

func TestPreprocess_RejectsWrongChild(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	vj := validateJob(t, testEmail("Hi", "m1"), testMailbox())

	pj := parentOf(t, vj, pipeline.QueuePreprocess, pipeline.StageResult{Stage: pipeline.StageDispatch, Dispatch: &pipeline.DispatchOutput{}})
	_, err := h.stages.Preprocess(context.Background(), pj)
	assert.Equal(t, pipeline.KindInvalidPayload, pipeline.KindOf(err))

	empty := &entity.Job{ID: "p", Queue: pipeline.QueuePreprocess}
	_, err = h.stages.Preprocess(context.Background(), empty)
	assert.Equal(t, pipeline.KindInvalidPayload, pipeline.KindOf(err))
}

func TestDispatch_SendsAndPersistsReply(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	pj, pres, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
	require.NoError(t, err)

	res, err := h.stages.Dispatch(context.Background(), parentOf(t, pj, pipeline.QueueDispatch, pres))
	require.NoError(t, err)
	out := res.(pipeline.StageResult).Dispatch
	require.NotNil(t, out)

	assert.Equal(t, "Re: Pricing question", out.Subject)
	require.NotNil(t, out.ProcessedMessage)
	assert.True(t, out.ProcessedMessage.IsAIGenerated)
	assert.Equal(t, "out-1", out.Ack.MessageID)
	assert.Nil(t, out.UpdatedThread.ComposingUntil)

	sent := h.sender.last()
	assert.Equal(t, "alice@x.com", sent.To)
	assert.Equal(t, "Re: Pricing question", sent.Subject)
	assert.Contains(t, sent.From, "sales@acme.io")
	assert.Contains(t, sent.HTMLBody, "<strong>reaching out</strong>")
	assert.Contains(t, sent.Headers, entity.Header{Name: "In-Reply-To", Value: "<m1@mail.x.com>"})

	prompt := h.gen.lastPrompt()
	assert.Equal(t, "Alice", prompt.Name)
	assert.Equal(t, "Olivia Owner", prompt.FullName)
	assert.Equal(t, "Book a demo call", prompt.Objective)
	assert.Contains(t, prompt.LinksContext, "https://acme.io/pricing")

	msgs := h.store.threadMessages(out.UpdatedThread.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, entity.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "m1", msgs[0].ExternalID)
	assert.Equal(t, entity.DirectionOutbound, msgs[1].Direction)
	require.NotNil(t, msgs[1].ReplyToID)
	assert.Equal(t, msgs[0].ID, *msgs[1].ReplyToID)
}

func TestDispatch_LinksEachResourceOnce(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	pj, pres, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
	require.NoError(t, err)
	pres.Preprocess.AttachmentResourceIDs = []int64{1, 2, 2, 3}

	res, err := h.stages.Dispatch(context.Background(), parentOf(t, pj, pipeline.QueueDispatch, pres))
	require.NoError(t, err)

	rows := h.store.attachmentRows(res.(pipeline.StageResult).Dispatch.InboundMessage.ID)
	require.Len(t, rows, 3)
	var ids []int64
	for _, r := range rows {
		ids = append(ids, r.ResourceID)
	}
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids)
}

func TestDispatch_GenerationFailureKeepsNothingSent(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	h.gen.err = errors.New("model overloaded")
	pj, pres, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
	require.NoError(t, err)

	_, err = h.stages.Dispatch(context.Background(), parentOf(t, pj, pipeline.QueueDispatch, pres))
	assert.Equal(t, pipeline.KindGeneration, pipeline.KindOf(err))
	assert.Zero(t, h.sender.count())
}

func TestDispatch_ReleasesLockWhenNoAttemptIsLeft(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	h.sender.setErr(errors.New("postmark: 500"))
	pj, pres, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
	require.NoError(t, err)
	ns := pres.Preprocess.Thread.Namespace

	dj := parentOf(t, pj, pipeline.QueueDispatch, pres)
	dj.Opts = entity.JobOptions{Attempts: 3}

	_, err = h.stages.Dispatch(context.Background(), dj)
	assert.Equal(t, pipeline.KindSend, pipeline.KindOf(err))
	held, _ := h.store.thread(ns)
	assert.NotNil(t, held.ComposingUntil, "a retry is still coming")

	dj.AttemptsMade = 2
	_, err = h.stages.Dispatch(context.Background(), dj)
	assert.Equal(t, pipeline.KindSend, pipeline.KindOf(err))
	released, _ := h.store.thread(ns)
	assert.Nil(t, released.ComposingUntil)
	assert.Nil(t, released.LockToken)

	// the next email to the thread is not blocked
	h.sender.setErr(nil)
	_, _, err = h.preprocessed(t, h.stages, testEmail("Pricing question", "m2"))
	assert.NoError(t, err)
}

func TestDispatch_CancelledAttemptKeepsLock(t *testing.T) {
	h := newHarness(pipeline.DefaultConfig())
	h.gen.err = context.Canceled
	pj, pres, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.stages.Dispatch(ctx, parentOf(t, pj, pipeline.QueueDispatch, pres))
	require.Error(t, err)

	held, _ := h.store.thread(pres.Preprocess.Thread.Namespace)
	assert.NotNil(t, held.ComposingUntil, "an interrupted attempt runs again")
}

func TestDispatch_RetryAfterSend(t *testing.T) {
	run := func(t *testing.T, skip bool) (*harness, pipeline.StageResult) {
		cfg := pipeline.DefaultConfig()
		cfg.SkipResendOnRetry = skip
		h := newHarness(cfg)
		pj, pres, err := h.preprocessed(t, h.stages, testEmail("Pricing question", "m1"))
		require.NoError(t, err)
		dj := parentOf(t, pj, pipeline.QueueDispatch, pres)

		h.store.unlockErr = errors.New("connection reset")
		_, err = h.stages.Dispatch(context.Background(), dj)
		require.Error(t, err)
		assert.Equal(t, pipeline.KindThreadUnlock, pipeline.KindOf(err))

		h.store.unlockErr = nil
		dj.AttemptsMade = 1
		res, err := h.stages.Dispatch(context.Background(), dj)
		require.NoError(t, err)
		return h, res.(pipeline.StageResult)
	}

	t.Run("duplicate send by default", func(t *testing.T) {
		h, res := run(t, false)
		assert.Equal(t, 2, h.sender.count())
		assert.False(t, res.Dispatch.Ack.Skipped)
		// the inbound row is reused
		assert.Len(t, h.store.threadMessages(res.Dispatch.UpdatedThread.ID), 3)
	})

	t.Run("skip resend", func(t *testing.T) {
		h, res := run(t, true)
		assert.Equal(t, 1, h.sender.count())
		assert.True(t, res.Dispatch.Ack.Skipped)
		assert.Equal(t, "out-1", res.Dispatch.Ack.MessageID)
		assert.Len(t, h.store.threadMessages(res.Dispatch.UpdatedThread.ID), 2)
	})
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "owner_not_found", pipeline.KindOwnerNotFound.String())
	assert.Equal(t, "thread_busy", pipeline.KindThreadBusy.String())
	assert.Equal(t, "kind(99)", pipeline.ErrorKind(99).String())
	assert.Equal(t, pipeline.KindUnknown, pipeline.KindOf(errors.New("plain")))
}

func TestBuildFlow_Shape(t *testing.T) {
	opts := pipeline.DefaultFlowOptions()
	flow, err := pipeline.BuildFlow(testEmail("Hi", "m1"), testMailbox(), opts)
	require.NoError(t, err)

	assert.Equal(t, pipeline.JobFinal, flow.Name)
	assert.Equal(t, pipeline.QueueDispatch, flow.Queue)
	assert.Equal(t, opts.DispatchDelay, flow.Opts.Delay)
	assert.JSONEq(t, `{}`, string(flow.Data))
	require.Len(t, flow.Children, 1)

	pre := flow.Children[0]
	assert.Equal(t, pipeline.JobPreprocess, pre.Name)
	assert.True(t, pre.Opts.RemoveOnComplete)
	assert.True(t, pre.Opts.FailParentOnFailure)
	require.Len(t, pre.Children, 1)

	leaf := pre.Children[0]
	assert.Equal(t, pipeline.JobValidate, leaf.Name)
	assert.Equal(t, pipeline.QueueValidate, leaf.Queue)
	assert.Empty(t, leaf.Children)
	var in pipeline.ValidateInput
	require.NoError(t, json.Unmarshal(leaf.Data, &in))
	assert.Equal(t, int64(7), in.Mailbox.ID)
}
