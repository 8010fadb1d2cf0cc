package errors

import (
	goerrors "errors"
	"fmt"
)

// ErrorCategory represents different categories of errors for better handling
type ErrorCategory string

const (
	ErrorCategoryMalformedArchive ErrorCategory = "malformed_archive"
	ErrorCategoryInvalidManifest  ErrorCategory = "invalid_manifest"
	ErrorCategoryIO               ErrorCategory = "io"
	ErrorCategoryWrite            ErrorCategory = "write"
	ErrorCategoryConfiguration    ErrorCategory = "configuration"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// Sentinels for errors.Is. They match any DedupError of the same category.
var (
	ErrMalformedArchive = &DedupError{Category: ErrorCategoryMalformedArchive}
	ErrInvalidManifest  = &DedupError{Category: ErrorCategoryInvalidManifest}
	ErrIOFailure        = &DedupError{Category: ErrorCategoryIO}
	ErrWriteFailure     = &DedupError{Category: ErrorCategoryWrite}
	ErrConfiguration    = &DedupError{Category: ErrorCategoryConfiguration}
)

// DedupError represents a categorised failure of the deduplication pipeline
type DedupError struct {
	Category   ErrorCategory `json:"category"`
	Operation  string        `json:"operation,omitempty"`
	Layer      string        `json:"layer,omitempty"`
	Message    string        `json:"message"`
	Cause      error         `json:"-"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// Error implements the error interface
func (e *DedupError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Cause)
		}
	}

	switch {
	case e.Layer != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (layer %s): %s", e.Category, e.Operation, e.Layer, msg)
	case e.Operation != "":
		return fmt.Sprintf("[%s] %s: %s", e.Category, e.Operation, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Category, msg)
}

// Unwrap returns the underlying error
func (e *DedupError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by category.
func (e *DedupError) Is(target error) bool {
	t, ok := target.(*DedupError)
	if !ok {
		return false
	}
	if t.Message != "" || t.Operation != "" || t.Cause != nil {
		return e == t
	}
	return e.Category == t.Category
}

// GetUserFriendlyMessage returns a user-friendly error message with suggestions
func (e *DedupError) GetUserFriendlyMessage() string {
	msg := e.Error()
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct DedupError instances with proper categorization
type ErrorBuilder struct {
	category   ErrorCategory
	operation  string
	layer      string
	message    string
	cause      error
	suggestion string
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{}
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Layer sets the layer the failure belongs to
func (b *ErrorBuilder) Layer(layer string) *ErrorBuilder {
	b.layer = layer
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Suggestion sets a user-friendly suggestion
func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

// Build creates the DedupError instance
func (b *ErrorBuilder) Build() *DedupError {
	if b.category == "" {
		b.category = ErrorCategoryUnknown
	}
	return &DedupError{
		Category:   b.category,
		Operation:  b.operation,
		Layer:      b.layer,
		Message:    b.message,
		Cause:      b.cause,
		Suggestion: b.suggestion,
	}
}

// NewMalformedArchiveError creates an error for corrupt or truncated tar data
func NewMalformedArchiveError(operation string, cause error) *DedupError {
	return NewErrorBuilder().
		Category(ErrorCategoryMalformedArchive).
		Operation(operation).
		Cause(cause).
		Suggestion("Re-export the image with `docker save` and check the file is complete").
		Build()
}

// NewInvalidManifestError creates an error for missing or inconsistent image metadata
func NewInvalidManifestError(operation, message string, cause error) *DedupError {
	return NewErrorBuilder().
		Category(ErrorCategoryInvalidManifest).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Only single-image `docker save` archives are supported").
		Build()
}

// NewIOError creates an error for failed reads of the input
func NewIOError(operation string, cause error) *DedupError {
	return NewErrorBuilder().
		Category(ErrorCategoryIO).
		Operation(operation).
		Cause(cause).
		Build()
}

// NewWriteError creates an error for failed writes of the output
func NewWriteError(operation string, cause error) *DedupError {
	return NewErrorBuilder().
		Category(ErrorCategoryWrite).
		Operation(operation).
		Cause(cause).
		Suggestion("Check free space and permissions of the output and work directories").
		Build()
}

// NewConfigurationError creates an error for invalid options
func NewConfigurationError(message string) *DedupError {
	return NewErrorBuilder().
		Category(ErrorCategoryConfiguration).
		Operation("validate_config").
		Message(message).
		Build()
}

// WrapError wraps an existing error with the given category. Errors that
// already carry a category are returned with the layer filled in, if missing.
func WrapError(err error, category ErrorCategory, operation, layer string) error {
	if err == nil {
		return nil
	}

	var dedupErr *DedupError
	if goerrors.As(err, &dedupErr) {
		if dedupErr.Layer == "" && layer != "" {
			clone := *dedupErr
			clone.Layer = layer
			return &clone
		}
		return err
	}

	return NewErrorBuilder().
		Category(category).
		Operation(operation).
		Layer(layer).
		Cause(err).
		Build()
}

// CategoryOf returns the category of err, or ErrorCategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	var dedupErr *DedupError
	if goerrors.As(err, &dedupErr) {
		return dedupErr.Category
	}
	return ErrorCategoryUnknown
}
