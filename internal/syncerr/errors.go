// Package syncerr classifies failures so retry policies, circuit breakers,
// and the workflow runtime agree on which errors are worth another attempt.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the failure class of an error. The string values double as the
// error types named in workflow retry policies, so renaming one is a
// behavioral change.
type Kind string

const (
	// KindTransient covers transport failures, 5xx responses, and subprocess
	// timeouts. Retryable.
	KindTransient Kind = "Transient"
	// KindRateLimited marks 429 responses and token-bucket wait expiry.
	// Retryable.
	KindRateLimited Kind = "RateLimited"
	// KindValidation marks malformed payloads. Non-retryable.
	KindValidation Kind = "Validation"
	// KindNotFound marks missing entities. Non-retryable.
	KindNotFound Kind = "NotFound"
	// KindUnauthorized marks 401/403 responses. Non-retryable.
	KindUnauthorized Kind = "Unauthorized"
	// KindConflict marks incompatible concurrent updates. Non-retryable;
	// resolution is the conflict policy's job, not the retry loop's.
	KindConflict Kind = "Conflict"
	// KindIntegrity marks mapping-store constraint violations. Fatal to the
	// workflow, not the process.
	KindIntegrity Kind = "Integrity"
	// KindFatal marks programmer errors.
	KindFatal Kind = "Fatal"
)

// NonRetryableKinds lists the error types a retry policy must not retry.
func NonRetryableKinds() []string {
	return []string{
		string(KindValidation),
		string(KindNotFound),
		string(KindUnauthorized),
		string(KindConflict),
		string(KindIntegrity),
		string(KindFatal),
	}
}

// Error is a classified error. Op names the failing operation
// ("huly.ListIssues", "mapping.UpsertIssue") for log lines and sync_history.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a format string.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil so call sites can
// wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain for a classification. Unclassified errors are
// treated as transient: transport and encoding failures dominate in practice
// and a wasted retry is cheaper than a dropped sync.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Retryable reports whether the retry policy should attempt err again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// IsNotFound reports whether err is classified NotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is classified Conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// FromHTTPStatus classifies a non-2xx tracker response. The body is
// truncated into the message for log forensics.
func FromHTTPStatus(op string, status int, body string) *Error {
	const maxBody = 200
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	msg := fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))

	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Err: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Op: op, Err: msg}
	case status == http.StatusConflict:
		return &Error{Kind: KindConflict, Op: op, Err: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: op, Err: msg}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, Op: op, Err: msg}
	default:
		return &Error{Kind: KindTransient, Op: op, Err: msg}
	}
}

// FromDB classifies a database error. Constraint violations become
// Integrity; everything else stays transient so a busy or locked database
// gets retried.
func FromDB(op string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "constraint") || strings.Contains(lower, "unique") {
		return &Error{Kind: KindIntegrity, Op: op, Err: err}
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}
