// Package errors defines the structured error taxonomy shared by every
// component. Library code returns *Error values; only the HTTP layer turns
// them into response envelopes, and only the STDIO layer turns them into
// JSON-RPC errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for surface mapping and retry decisions.
type Kind string

// Error kinds
const (
	// KindValidation is returned when input fails schema or parameter validation.
	KindValidation Kind = "validation"

	// KindAuthentication is returned when a bearer token is missing or invalid.
	KindAuthentication Kind = "authentication"

	// KindAuthorization is returned when an upstream session binding cannot be repaired.
	KindAuthorization Kind = "authorization"

	// KindNotFound is returned for unknown sessions, tools, or endpoints.
	KindNotFound Kind = "not_found"

	// KindExpired is returned for sessions that are known but purged.
	KindExpired Kind = "expired"

	// KindRateLimited is returned when a caller exceeds its request budget.
	KindRateLimited Kind = "rate_limited"

	// KindTimeout is returned when a deadline elapsed; always recoverable.
	KindTimeout Kind = "timeout"

	// KindAPIError is returned for upstream API failures.
	KindAPIError Kind = "api_error"

	// KindSystem is returned for non-recoverable internal failures.
	KindSystem Kind = "system_error"

	// KindConflict is returned on atomic compare-and-swap conflicts.
	KindConflict Kind = "conflict"
)

// Error represents a structured error in the application.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// ErrorCode is a machine-readable code surfaced to clients
	// (e.g. "mcp_token_expired", "third_party_reauth_required").
	ErrorCode string

	// Guidance tells the client what to do next, when known.
	Guidance string

	// ActionTaken records a recovery the server already performed
	// (e.g. "third_party_token_refreshed").
	ActionTaken string

	// Recoverable marks errors a caller may retry.
	Recoverable bool

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new structured error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Recoverable: kind == KindTimeout}
}

// Wrap creates a new structured error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Recoverable: kind == KindTimeout}
}

// WithCode sets the machine-readable error code.
func (e *Error) WithCode(code string) *Error {
	e.ErrorCode = code
	return e
}

// WithGuidance sets client guidance.
func (e *Error) WithGuidance(guidance string) *Error {
	e.Guidance = guidance
	return e
}

// WithAction records a recovery action already taken.
func (e *Error) WithAction(action string) *Error {
	e.ActionTaken = action
	return e
}

// AsError extracts a structured *Error from err, or wraps err as a system
// error when it is not structured.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Wrap(KindSystem, err.Error(), err)
}

// KindOf returns the kind of err, or KindSystem for unstructured errors.
func KindOf(err error) Kind {
	return AsError(err).Kind
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConflict:
		return http.StatusConflict
	case KindAPIError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Classify buckets an arbitrary error into a kind by message substrings.
// This mirrors the rules workflow steps rely on: timeouts win over auth
// keywords, auth keywords win over network codes.
func Classify(err error) Kind {
	if err == nil {
		return KindSystem
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context canceled"):
		return KindTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "unauthenticated") ||
		strings.Contains(msg, "invalid token") || strings.Contains(msg, "authentication"):
		return KindAuthentication
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission denied"):
		return KindAuthorization
	case strings.Contains(msg, "not found"):
		return KindNotFound
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "bad gateway"):
		return KindAPIError
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "invalid parameter"):
		return KindValidation
	default:
		return KindSystem
	}
}

// IsRecoverable reports whether a caller may retry the failed operation.
// Rate limiting, timeouts, and upstream 5xx/network failures are recoverable.
func IsRecoverable(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindRateLimited, KindAPIError:
		return true
	default:
		var se *Error
		if errors.As(err, &se) {
			return se.Recoverable
		}
		return false
	}
}
