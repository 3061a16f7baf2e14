package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// CodeError is the structured error type for codesearch.
// It carries enough context for logging, CLI presentation and programmatic
// matching with errors.Is.
type CodeError struct {
	// Code is the unique error code (e.g., "ERR_208_MODEL_CORRUPT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category.
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried as-is.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *CodeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CodeError) Unwrap() error {
	return e.Cause
}

// Is matches by code, so sentinel values such as ErrModelCorrupt work with
// errors.Is regardless of message or details.
func (e *CodeError) Is(target error) bool {
	if t, ok := target.(*CodeError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *CodeError) WithDetail(key, value string) *CodeError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *CodeError) WithSuggestion(suggestion string) *CodeError {
	e.Suggestion = suggestion
	return e
}

// New creates a new CodeError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *CodeError {
	return &CodeError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code string, format string, args ...any) *CodeError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a CodeError from an existing error.
// The error's message becomes the CodeError message.
func Wrap(code string, err error) *CodeError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is matching. Never mutate these; use New to build a
// detailed error with the same code.
var (
	ErrModelNotFound      = New(ErrCodeModelNotFound, "model file not found", nil)
	ErrModelCorrupt       = New(ErrCodeModelCorrupt, "model file corrupt", nil)
	ErrAllocationCeiling  = New(ErrCodeAllocationCeiling, "allocation exceeds ceiling", nil)
	ErrMemoryBudget       = New(ErrCodeMemoryBudget, "memory budget exhausted", nil)
	ErrTokenizationFailed = New(ErrCodeTokenizationFailed, "tokenization failed", nil)
	ErrIndexInconsistent  = New(ErrCodeIndexInconsistent, "index tables inconsistent", nil)
	ErrCacheFull          = New(ErrCodeCacheFull, "cache full", nil)
	ErrTimeout            = New(ErrCodeTimeout, "deadline exceeded", nil)
	ErrAllSourcesFailed   = New(ErrCodeAllSourcesFailed, "all search sources failed", nil)
)

// ModelCorrupt returns a ModelCorrupt error for the given model path.
func ModelCorrupt(path, reason string, cause error) *CodeError {
	return New(ErrCodeModelCorrupt, fmt.Sprintf("model %s is corrupt: %s", path, reason), cause).
		WithDetail("path", path).
		WithSuggestion("Re-download the model file and retry")
}

// IndexInconsistent returns a fatal error describing a table mismatch.
func IndexInconsistent(format string, args ...any) *CodeError {
	return New(ErrCodeIndexInconsistent, fmt.Sprintf(format, args...), nil)
}

// FromContext converts a context error into Timeout or Cancelled.
// Returns nil if err is nil.
func FromContext(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsDeadline(err) {
		return New(ErrCodeTimeout, op+": deadline exceeded", err)
	}
	return New(ErrCodeCancelled, op+": cancelled", err)
}

// IsDeadline reports whether err is an expired context deadline or already a
// Timeout error.
func IsDeadline(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, ErrTimeout)
}

// IsRetryable checks if an error in the chain is retryable.
func IsRetryable(err error) bool {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsFatal checks if an error in the chain has fatal severity.
func IsFatal(err error) bool {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code of the first CodeError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// GetCategory extracts the category of the first CodeError in the chain.
func GetCategory(err error) Category {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Category
	}
	return ""
}
