package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/pipeline"
	"leadmark-worker/internal/service"
)

// Enqueuer is the producer behind the inbound webhook
// (service.InboundService).
type Enqueuer interface {
	Enqueue(ctx context.Context, payload entity.InboundEmail) (service.EnqueueResult, error)
}

// QueueInspector reads queue state for the introspection routes.
type QueueInspector interface {
	GetFailed(ctx context.Context, queue string, start, stop int64) ([]*entity.Job, error)
	Counts(ctx context.Context, queue string) (entity.JobCounts, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// WebhookToken guards the webhook. Empty disables the check.
	WebhookToken string
	MaxBodyBytes int64
	// Checks are pinged by /health, keyed by dependency name.
	Checks map[string]Pinger
}

type Handler struct {
	inbound Enqueuer
	queues  QueueInspector
	opts    Options
	log     *slog.Logger
}

func NewHandler(inbound Enqueuer, queues QueueInspector, opts Options, log *slog.Logger) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{inbound: inbound, queues: queues, opts: opts, log: log}
}

type inboundResp struct {
	FlowID    string `json:"flow_id,omitempty"`
	MailboxID int64  `json:"mailbox_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// InboundWebhook godoc
// @Summary Receive a Postmark inbound email
// @Description Resolves the target mailbox and enqueues the validate/preprocess/dispatch flow.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param token query string false "webhook token (alternative to X-Webhook-Token)"
// @Param request body entity.InboundEmail true "Postmark inbound payload"
// @Success 202 {object} inboundResp
// @Success 200 {object} inboundResp "duplicate delivery"
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Failure 503 {object} apiError
// @Router /webhooks/postmark/inbound [post]
func (h *Handler) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	var payload entity.InboundEmail
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "payload too large")
			return
		}
		writeErr(w, http.StatusBadRequest, codeInvalidPayload, "invalid json")
		return
	}

	res, err := h.inbound.Enqueue(r.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, inboundResp{FlowID: res.FlowID, MailboxID: res.MailboxID})
	case errors.Is(err, service.ErrDuplicate):
		writeJSON(w, http.StatusOK, inboundResp{MailboxID: res.MailboxID, Duplicate: true})
	case errors.Is(err, service.ErrMailboxNotFound):
		writeErr(w, http.StatusNotFound, codeMailboxNotFound, "no mailbox for recipient")
	case errors.Is(err, service.ErrConnection):
		h.log.Error("inbound webhook: queue unavailable", "message_id", payload.MessageID, "error", err)
		w.Header().Set("Retry-After", "30")
		writeErr(w, http.StatusServiceUnavailable, codeQueueUnavailable, "queue unavailable")
	default:
		h.log.Error("inbound webhook failed", "message_id", payload.MessageID, "error", err)
		writeErr(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

type failedJobResp struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Parent       string          `json:"parent,omitempty"`
	AttemptsMade int             `json:"attempts_made"`
	FailedReason string          `json:"failed_reason"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    string          `json:"created_at"`
	FinishedAt   string          `json:"finished_at,omitempty"`
}

// FailedJobs godoc
// @Summary List failed jobs of a queue
// @Tags queues
// @Produce json
// @Param queue path string true "queue name (validate, preprocess, dispatch)"
// @Param start query int false "first index, newest first" default(0)
// @Param stop query int false "last index, inclusive" default(49)
// @Success 200 {array} failedJobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 503 {object} apiError
// @Router /queues/{queue}/failed [get]
func (h *Handler) FailedJobs(w http.ResponseWriter, r *http.Request) {
	queue, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	start, err := intQuery(r, "start", 0)
	if err != nil || start < 0 {
		writeErr(w, http.StatusBadRequest, codeInvalidRange, "invalid start")
		return
	}
	stop, err := intQuery(r, "stop", start+49)
	if err != nil || stop < start {
		writeErr(w, http.StatusBadRequest, codeInvalidRange, "invalid stop")
		return
	}

	jobs, err := h.queues.GetFailed(r.Context(), queue, start, stop)
	if err != nil {
		h.queueError(w, "get failed", err)
		return
	}

	out := make([]failedJobResp, 0, len(jobs))
	for _, j := range jobs {
		resp := failedJobResp{
			ID:           j.ID,
			Name:         j.Name,
			Queue:        j.Queue,
			Parent:       j.ParentKey,
			AttemptsMade: j.AttemptsMade,
			FailedReason: j.FailedReason,
			Data:         j.Data,
			CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		}
		if !j.FinishedAt.IsZero() {
			resp.FinishedAt = j.FinishedAt.Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// QueueCounts godoc
// @Summary Job counts per state
// @Tags queues
// @Produce json
// @Param queue path string true "queue name (validate, preprocess, dispatch)"
// @Success 200 {object} entity.JobCounts
// @Failure 404 {object} apiError
// @Failure 503 {object} apiError
// @Router /queues/{queue}/counts [get]
func (h *Handler) QueueCounts(w http.ResponseWriter, r *http.Request) {
	queue, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	counts, err := h.queues.Counts(r.Context(), queue)
	if err != nil {
		h.queueError(w, "counts", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type healthResp struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health godoc
// @Summary Liveness and dependency check
// @Tags health
// @Produce json
// @Success 200 {object} healthResp
// @Failure 503 {object} healthResp
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResp{Status: "ok"}
	if len(h.opts.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.opts.Checks))
	}
	for name, p := range h.opts.Checks {
		if err := p.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) queueParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	queue := chi.URLParam(r, "queue")
	if !slices.Contains(pipeline.Queues(), queue) {
		writeErr(w, http.StatusNotFound, codeUnknownQueue, "unknown queue")
		return "", false
	}
	return queue, true
}

func (h *Handler) queueError(w http.ResponseWriter, op string, err error) {
	h.log.Error("queue introspection failed", "op", op, "error", err)
	if errors.Is(err, service.ErrConnection) {
		writeErr(w, http.StatusServiceUnavailable, codeQueueUnavailable, "queue unavailable")
		return
	}
	writeErr(w, http.StatusInternalServerError, codeInternal, "internal error")
}

func intQuery(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
