package httptransport

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes. Postmark only looks at the status; the
// codes are for operators and the queue dashboard.
const (
	codeInvalidPayload   = "invalid_payload"
	codePayloadTooLarge  = "payload_too_large"
	codeMailboxNotFound  = "mailbox_not_found"
	codeQueueUnavailable = "queue_unavailable"
	codeUnknownQueue     = "unknown_queue"
	codeInvalidRange     = "invalid_range"
	codeUnauthorized     = "unauthorized"
	codeInternal         = "internal"
)

type apiError struct {
	Code    string `json:"code" example:"mailbox_not_found"`
	Message string `json:"message" example:"no mailbox for recipient"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}
