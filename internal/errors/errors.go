// Package errors provides structured error types for the shadowqmc pipeline.
// All errors include a category, code, message, and retryable flag so the
// worker, barrier, and reducer surface failures the same way.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryEncoding   ErrorCategory = "ENCODING"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryBarrier    ErrorCategory = "BARRIER"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryManifest   ErrorCategory = "MANIFEST"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Encoding codes
	CodeMalformedEncoding = "MALFORMED_ENCODING"

	// Validation codes
	CodeShapeMismatch    = "SHAPE_MISMATCH"
	CodeNegativeWeight   = "NEGATIVE_WEIGHT"
	CodeIndexMismatch    = "INDEX_MISMATCH"
	CodeDuplicateShard   = "DUPLICATE_SHARD"
	CodeDegenerateWeight = "DEGENERATE_WEIGHT"
	CodeInvalidCounts    = "INVALID_COUNTS"
	CodeAggregateExists  = "AGGREGATE_EXISTS"
	CodeInvalidJobID     = "INVALID_JOB_ID"

	// Barrier codes
	CodeIncompleteShards = "INCOMPLETE_SHARDS"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Manifest codes
	CodeJobNotFound = "JOB_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is matching on category and code.
var (
	ErrMalformedEncoding = New(ErrCategoryEncoding, CodeMalformedEncoding, "malformed encoding")
	ErrShapeMismatch     = New(ErrCategoryValidation, CodeShapeMismatch, "shape mismatch")
	ErrIncompleteShards  = New(ErrCategoryBarrier, CodeIncompleteShards, "incomplete shards")
	ErrDuplicateShard    = New(ErrCategoryValidation, CodeDuplicateShard, "duplicate shard")
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
// Existing details are kept unless overwritten by the same key.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// GetDetails extracts the details map from an error chain.
func GetDetails(err error) map[string]interface{} {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Details
	}
	return nil
}

// isRetryable determines if an error code may succeed on a later attempt.
// Incomplete shards are transient: a fresh barrier wait may pass once
// resubmitted shards land.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryBarrier && code == CodeIncompleteShards:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewMalformedEncoding(message string, encoding []int) *PipelineError {
	return New(ErrCategoryEncoding, CodeMalformedEncoding, message).
		WithDetails(map[string]interface{}{"encoding": encoding})
}

func NewShapeMismatch(message string, details map[string]interface{}) *PipelineError {
	return New(ErrCategoryValidation, CodeShapeMismatch, message).WithDetails(details)
}

func NewValidationError(code, message string) *PipelineError {
	return New(ErrCategoryValidation, code, message)
}

func NewIncompleteShards(jobID string, expected int, missing []int) *PipelineError {
	return New(ErrCategoryBarrier, CodeIncompleteShards,
		fmt.Sprintf("job %s: %d of %d shards missing", jobID, len(missing), expected)).
		WithDetails(map[string]interface{}{
			"job_id":   jobID,
			"expected": expected,
			"missing":  missing,
		})
}

func NewDuplicateShard(jobID string, index int) *PipelineError {
	return New(ErrCategoryValidation, CodeDuplicateShard,
		fmt.Sprintf("job %s: shard %d already recorded", jobID, index)).
		WithDetails(map[string]interface{}{
			"job_id":      jobID,
			"shard_index": index,
		})
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewManifestError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryManifest, code, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
