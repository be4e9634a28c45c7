// Package errors provides structured error types for the Velocity engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure class.
type ErrorCategory string

const (
	// ErrCategoryDurability covers WAL append and fsync failures. The
	// in-flight commit must never be acknowledged.
	ErrCategoryDurability ErrorCategory = "DURABILITY"

	// ErrCategoryCorruption covers checksum mismatches on segment or WAL reads.
	ErrCategoryCorruption ErrorCategory = "CORRUPTION"

	// ErrCategoryConsistency covers sequence gaps/duplicates and dangling
	// tombstones. Always fatal: it indicates a logic or storage bug.
	ErrCategoryConsistency ErrorCategory = "CONSISTENCY"

	// ErrCategoryCapacity covers disk-full and allocation failures.
	ErrCategoryCapacity ErrorCategory = "CAPACITY"

	// ErrCategorySchema covers mutation payloads that do not match the table schema.
	ErrCategorySchema ErrorCategory = "SCHEMA"

	// ErrCategoryStorage covers object storage upload/download failures.
	ErrCategoryStorage ErrorCategory = "STORAGE"

	// ErrCategoryCompaction covers contained compaction failures.
	ErrCategoryCompaction ErrorCategory = "COMPACTION"

	// ErrCategoryInternal covers unexpected internal failures.
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Durability codes
	CodeAppendFailed = "APPEND_FAILED"
	CodeSyncFailed   = "SYNC_FAILED"

	// Corruption codes
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeBadMagic         = "BAD_MAGIC"
	CodeTruncatedRecord  = "TRUNCATED_RECORD"

	// Consistency codes
	CodeSequenceGap       = "SEQUENCE_GAP"
	CodeDuplicateSequence = "DUPLICATE_SEQUENCE"
	CodeDanglingTombstone = "DANGLING_TOMBSTONE"
	CodeSegmentMissing    = "SEGMENT_MISSING"

	// Capacity codes
	CodeDiskFull = "DISK_FULL"

	// Schema codes
	CodeInvalidSchema = "INVALID_SCHEMA"
	CodeRowMismatch   = "ROW_MISMATCH"
	CodeEmptyBatch    = "EMPTY_BATCH"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeDeleteFailed   = "DELETE_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Compaction codes
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeSourceMissing    = "SOURCE_MISSING"
	CodeCancelled        = "CANCELLED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EngineError is the structured error type used throughout the engine.
type EngineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// IsFatal reports whether the error must abort startup or the running
// operation. Consistency violations are never recoverable.
func IsFatal(err error) bool {
	return GetCategory(err) == ErrCategoryConsistency
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Only transient
// storage transfers qualify; everything else requires caller intervention.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDurabilityError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryDurability, code, message, cause)
}

func NewCorruptionError(code, message string) *EngineError {
	return New(ErrCategoryCorruption, code, message)
}

func NewConsistencyError(code, message string) *EngineError {
	return New(ErrCategoryConsistency, code, message)
}

func NewCapacityError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryCapacity, CodeDiskFull, message, cause)
}

func NewSchemaError(code, message string) *EngineError {
	return New(ErrCategorySchema, code, message)
}

func NewStorageError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCompactionError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryCompaction, code, message, cause)
}

func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
