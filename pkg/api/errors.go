// Package api defines the wire error model and the HTTP plumbing shared by
// every handler: typed domain errors mapped to the
// {error:{code,message,details?}} envelope, request ids, CORS and security
// headers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind classifies an error into the HTTP status family the envelope maps to.
type Kind int

const (
	KindInput      Kind = iota + 1 // 400
	KindAuth                       // 401
	KindForbidden                  // 403
	KindNotFound                   // 404
	KindConflict                   // 409
	KindQuota                      // 429
	KindDependency                 // 502/503
	KindInternal                   // 500
)

// Stable error codes shared across components.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeTimestampExpired      = "TIMESTAMP_EXPIRED"
	CodeBodyHashMismatch      = "BODY_HASH_MISMATCH"
	CodeNonceReused           = "NONCE_REUSED"
	CodeSignatureInvalid      = "SIGNATURE_INVALID"
	CodeRateLimited           = "RATE_LIMITED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeConflict              = "CONFLICT"
	CodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSED"
	CodeDuplicateAgreement    = "DUPLICATE_AGREEMENT"
	CodeBallotAlreadySubmit   = "BALLOT_ALREADY_SUBMITTED"
	CodeTreasuryTxConsumed    = "TREASURY_TX_CONSUMED"
	CodeStageMismatch         = "STAGE_MISMATCH"
	CodeDeadlinePassed        = "DEADLINE_PASSED"
	CodeSealResultMismatch    = "SEAL_RESULT_MISMATCH"
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	CodeInternal              = "INTERNAL"
)

// Error is the typed error handlers return. The outer middleware owns the
// translation to the envelope; handlers never write error bodies themselves.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any

	// RetryAfterSecs is surfaced as a Retry-After header on quota errors.
	RetryAfterSecs int

	// Unavailable switches dependency errors from 502 to 503.
	Unavailable bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured detail fields, returning e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HTTPStatus maps the kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInput:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuota:
		return http.StatusTooManyRequests
	case KindDependency:
		if e.Unavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Input(code, message string) *Error {
	return &Error{Kind: KindInput, Code: code, Message: message}
}

func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func Quota(message string, retryAfterSecs int) *Error {
	return &Error{Kind: KindQuota, Code: CodeRateLimited, Message: message, RetryAfterSecs: retryAfterSecs}
}

func Dependency(message string, unavailable bool, cause error) *Error {
	return &Error{Kind: KindDependency, Code: CodeDependencyUnavailable, Message: message, Unavailable: unavailable, cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "An unexpected error occurred.", cause: cause}
}

// envelope is the single error wire shape.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError renders any error as the envelope. Unknown errors become 500s;
// their cause is logged with the request id and never exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = Internal(err)
	}
	if apiErr.Kind == KindInternal {
		slog.Error("internal server error",
			"error", err,
			"request_id", GetRequestID(r.Context()),
			"path", r.URL.Path)
	}
	if apiErr.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfterSecs))
	}
	WriteJSON(w, apiErr.HTTPStatus(), envelope{Error: envelopeBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
