// Package apperr defines the application error taxonomy. Queue workers
// classify every failure through these codes to decide between retry,
// deferred visibility and dead-lettering; the HTTP layer translates them
// to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeAuthExpired  = "AUTH_EXPIRED"
	CodeForbidden    = "FORBIDDEN"

	// Validation errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"
	CodeMissingField = "MISSING_FIELD"

	// Resource errors
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeConflict      = "CONFLICT"

	// Provider / pipeline errors
	CodeRateLimited         = "RATE_LIMITED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeTransient           = "TRANSIENT_IO"
	CodeExtractionParse     = "EXTRACTION_PARSE"
	CodeResolverConflict    = "RESOLVER_CONFLICT"
	CodePersistenceConflict = "PERSISTENCE_CONFLICT"

	// Internal errors
	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// Auth errors

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: CodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

func InvalidToken(message string) *AppError {
	return &AppError{Code: CodeInvalidToken, Message: message, Status: http.StatusUnauthorized}
}

// AuthExpired marks a user whose credentials cannot be refreshed without
// re-consent. Workers for that user pause until the grant is renewed.
func AuthExpired(userID string, err error) *AppError {
	return &AppError{
		Code:    CodeAuthExpired,
		Message: "provider credentials expired, re-consent required",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"user_id": userID},
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

// Validation errors

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors

func NotFound(resource string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource), Status: http.StatusNotFound}
}

func AlreadyExists(resource string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: fmt.Sprintf("%s already exists", resource), Status: http.StatusConflict}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

// Provider / pipeline errors

// RateLimited is an explicit budget refusal. RetryAfter is the time until
// the next token is expected; queue consumers push item visibility out by
// this amount instead of burning an attempt.
func RateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: "rate limit exceeded",
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"retry_after_ms": retryAfter.Milliseconds()},
	}
}

// RetryAfter extracts the deferred-visibility delay from a RateLimited
// error, or zero if err is anything else.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != CodeRateLimited {
		return 0
	}
	if ms, ok := appErr.Details["retry_after_ms"].(int64); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// QuotaExceeded is fatal-for-this-user until the cooldown passes.
func QuotaExceeded(userID string, cooldown time.Duration) *AppError {
	return &AppError{
		Code:    CodeQuotaExceeded,
		Message: "provider quota exceeded",
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"user_id": userID, "cooldown_ms": cooldown.Milliseconds()},
	}
}

// Transient covers network failures, timeouts and provider 5xx responses.
// Recovered by queue retry with backoff.
func Transient(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeTransient,
		Message: fmt.Sprintf("transient failure: %s", operation),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// ExtractionParse means the language model output did not conform to the
// expected schema after all reformat retries. The raw output travels in
// the details for dead-letter review.
func ExtractionParse(rawOutput string, err error) *AppError {
	return &AppError{
		Code:    CodeExtractionParse,
		Message: "extractor output did not match schema",
		Status:  http.StatusUnprocessableEntity,
		Details: map[string]any{"raw_output": rawOutput},
		Err:     err,
	}
}

// ResolverConflict reports a sharp disagreement between thread consensus
// and a message's own signals. Not an error to API callers.
func ResolverConflict(message string) *AppError {
	return &AppError{Code: CodeResolverConflict, Message: message, Status: http.StatusConflict}
}

// PersistenceConflict is an optimistic-lock failure surfaced after the
// in-transaction retry budget is spent.
func PersistenceConflict(entity string) *AppError {
	return &AppError{
		Code:    CodePersistenceConflict,
		Message: fmt.Sprintf("concurrent update conflict on %s", entity),
		Status:  http.StatusConflict,
	}
}

// Internal errors

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{Code: CodeInternalError, Message: message, Status: http.StatusInternalServerError}
}

func InternalWithError(err error) *AppError {
	return &AppError{Code: CodeInternalError, Message: "internal server error", Status: http.StatusInternalServerError, Err: err}
}

// ConfigError aborts the process at boot; workers never start on a bad
// configuration.
func ConfigError(message string) *AppError {
	return &AppError{Code: CodeConfigError, Message: message, Status: http.StatusInternalServerError}
}

func Timeout(operation string) *AppError {
	return &AppError{Code: CodeTimeout, Message: fmt.Sprintf("operation timed out: %s", operation), Status: http.StatusGatewayTimeout}
}

// Helper functions

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a queue worker should schedule another
// attempt. Parse failures, auth expiry and quota exhaustion never retry
// through the normal path.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		// Unclassified errors are assumed transient.
		return true
	}
	switch appErr.Code {
	case CodeExtractionParse, CodeAuthExpired, CodeQuotaExceeded,
		CodeBadRequest, CodeInvalidInput, CodeMissingField, CodeNotFound:
		return false
	default:
		return true
	}
}
