// Package errors provides structured error types for the courtarchive
// system. All errors include a category, code, message, and retryable
// flag for consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryConfig  ErrorCategory = "CONFIG"
	ErrCategoryStorage ErrorCategory = "STORAGE"
	ErrCategoryArchive ErrorCategory = "ARCHIVE"
	ErrCategoryLedger  ErrorCategory = "LEDGER"
	ErrCategoryCrawl   ErrorCategory = "CRAWL"
	ErrCategoryParse   ErrorCategory = "PARSE"
)

// Error codes for each category.
const (
	// Config codes
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeMissingCredentials = "MISSING_CREDENTIALS"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Archive codes
	CodeInvalidPartitionKey = "INVALID_PARTITION_KEY"
	CodeDuplicatePut        = "DUPLICATE_PUT"
	CodePackFailed          = "PACK_FAILED"
	CodeFlushFailed         = "FLUSH_FAILED"
	CodeStagingCorrupt      = "STAGING_CORRUPT"
	CodeCompressFailed      = "COMPRESS_FAILED"

	// Ledger and cursor codes
	CodeLedgerLoadFailed  = "LEDGER_LOAD_FAILED"
	CodeLedgerStoreFailed = "LEDGER_STORE_FAILED"
	CodeCursorLoadFailed  = "CURSOR_LOAD_FAILED"
	CodeCursorStoreFailed = "CURSOR_STORE_FAILED"

	// Crawl codes
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeCaptchaRejected = "CAPTCHA_REJECTED"
	CodeCaptchaBudget   = "CAPTCHA_BUDGET_EXHAUSTED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeRequestFailed   = "REQUEST_FAILED"
	CodeTaskIncomplete  = "TASK_INCOMPLETE"

	// Parse codes
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeMissingField     = "MISSING_FIELD"
)

// ArchiveError is the structured error type used throughout the system.
type ArchiveError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ArchiveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ArchiveError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ArchiveError) Is(target error) bool {
	var t *ArchiveError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ArchiveError.
func New(category ErrorCategory, code, message string) *ArchiveError {
	return &ArchiveError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ArchiveError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ArchiveError {
	return &ArchiveError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ArchiveError) WithDetails(details map[string]interface{}) *ArchiveError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an ArchiveError.
func GetCategory(err error) ErrorCategory {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an ArchiveError.
func GetCode(err error) string {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// isRetryable determines whether an error code denotes a transient
// condition. Session expiry and captcha rejection are retryable
// because a fresh handshake or a new challenge image can succeed;
// a duplicate put or malformed payload never will.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCrawl && code == CodeSessionExpired:
		return true
	case category == ErrCategoryCrawl && code == CodeCaptchaRejected:
		return true
	case category == ErrCategoryCrawl && code == CodeRateLimited:
		return true
	case category == ErrCategoryCrawl && code == CodeRequestFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *ArchiveError {
	return New(ErrCategoryConfig, code, message)
}

func NewStorageError(code, message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewArchiveError(code, message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewLedgerError(code, message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryLedger, code, message, cause)
}

func NewCrawlError(code, message string, cause error) *ArchiveError {
	return Wrap(ErrCategoryCrawl, code, message, cause)
}

func NewParseError(code, message string) *ArchiveError {
	return New(ErrCategoryParse, code, message)
}
