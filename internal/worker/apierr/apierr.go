// Package apierr defines the error taxonomy shared by the worker's
// components and rendered by the HTTP frontdoor as
// {"error":{"code","message"}}.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries a stable machine code, an HTTP status and a human message.
type Error struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code, status and message.
func New(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// From extracts an *Error from err, or wraps it as an internal error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: "INTERNAL", Status: http.StatusInternalServerError, Message: err.Error()}
}

// Client input.
func InvalidRequest(format string, args ...any) *Error {
	return New("INVALID_REQUEST", http.StatusBadRequest, format, args...)
}

func InvalidCursor(format string, args ...any) *Error {
	return New("INVALID_CURSOR", http.StatusBadRequest, format, args...)
}

func InvalidDecision(format string, args ...any) *Error {
	return New("INVALID_DECISION", http.StatusBadRequest, format, args...)
}

func InvalidDecisionForKind(format string, args ...any) *Error {
	return New("INVALID_DECISION_FOR_KIND", http.StatusBadRequest, format, args...)
}

func InvalidExecPolicyAmendment(format string, args ...any) *Error {
	return New("INVALID_EXEC_POLICY_AMENDMENT", http.StatusBadRequest, format, args...)
}

func PayloadTooLarge() *Error {
	return New("PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, "request body exceeds limit")
}

// Authorization.
func Unauthorized() *Error {
	return New("UNAUTHORIZED", http.StatusUnauthorized, "missing or invalid bearer token")
}

// Not found.
func NotFound(kind, id string) *Error {
	return New(notFoundCode(kind), http.StatusNotFound, "%s not found: %s", kind, id)
}

func notFoundCode(kind string) string {
	switch kind {
	case "thread":
		return "THREAD_NOT_FOUND"
	case "job":
		return "JOB_NOT_FOUND"
	case "approval":
		return "APPROVAL_NOT_FOUND"
	case "terminal session":
		return "TERMINAL_NOT_FOUND"
	case "project":
		return "PROJECT_NOT_FOUND"
	default:
		return "NOT_FOUND"
	}
}

// Conflict.
func ThreadHasActiveJob(threadID string) *Error {
	return New("THREAD_HAS_ACTIVE_JOB", http.StatusConflict, "thread %s already has an active job", threadID)
}

func CursorExpired(cursor, firstSeq int64) *Error {
	return New("CURSOR_EXPIRED", http.StatusConflict, "cursor %d predates retained window (first seq %d)", cursor, firstSeq)
}

func ThreadCursorExpired(cursor, total int64) *Error {
	return New("THREAD_CURSOR_EXPIRED", http.StatusConflict, "thread cursor %d out of range (total %d)", cursor, total)
}

func TerminalCursorExpired(fromSeq, oldest int64) *Error {
	return New("TERMINAL_CURSOR_EXPIRED", http.StatusConflict, "fromSeq %d predates retained frames (oldest %d)", fromSeq, oldest)
}

func SessionExited(sessionID string) *Error {
	return New("SESSION_EXITED", http.StatusConflict, "terminal session %s has exited", sessionID)
}

// Capacity.
func TerminalCapacity(max int) *Error {
	return New("TERMINAL_CAPACITY", http.StatusTooManyRequests, "terminal session cap reached (%d)", max)
}

// Upstream.
func Upstream(err error) *Error {
	return New("UPSTREAM_ERROR", http.StatusBadGateway, "agent request failed: %v", err)
}

func UpstreamTimeout() *Error {
	return New("UPSTREAM_TIMEOUT", http.StatusBadGateway, "agent request timed out")
}
