package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestArchiveError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	expected := "[STORAGE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestArchiveError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestArchiveError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryLedger, CodeLedgerStoreFailed, "store failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestArchiveError_Is(t *testing.T) {
	err1 := New(ErrCategoryStorage, CodeUploadFailed, "first")
	err2 := New(ErrCategoryStorage, CodeUploadFailed, "second")
	err3 := New(ErrCategoryStorage, CodeDownloadFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryCrawl, CodeSessionExpired, true},
		{ErrCategoryCrawl, CodeCaptchaRejected, true},
		{ErrCategoryCrawl, CodeRateLimited, true},
		{ErrCategoryCrawl, CodeCaptchaBudget, false},
		{ErrCategoryArchive, CodeDuplicatePut, false},
		{ErrCategoryParse, CodeMalformedPayload, false},
		{ErrCategoryConfig, CodeInvalidConfig, false},
		{ErrCategoryLedger, CodeLedgerLoadFailed, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryParse, CodeMalformedPayload, "bad payload")
	if GetCategory(err) != ErrCategoryParse {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryParse)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-ArchiveError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryParse, CodeMalformedPayload, "bad payload")
	if GetCode(err) != CodeMalformedPayload {
		t.Errorf("got %q, want %q", GetCode(err), CodeMalformedPayload)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-ArchiveError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryArchive, CodeInvalidPartitionKey, "bad key")
	detailed := err.WithDetails(map[string]interface{}{"state_code": "29"})

	if detailed.Details["state_code"] != "29" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	c := NewConfigError(CodeMissingCredentials, "no access key")
	if c.Category != ErrCategoryConfig || c.Code != CodeMissingCredentials {
		t.Error("NewConfigError mismatch")
	}

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	a := NewArchiveError(CodeFlushFailed, "part write failed", cause)
	if a.Category != ErrCategoryArchive {
		t.Error("NewArchiveError mismatch")
	}

	l := NewLedgerError(CodeLedgerLoadFailed, "corrupt ledger", cause)
	if l.Category != ErrCategoryLedger {
		t.Error("NewLedgerError mismatch")
	}

	cr := NewCrawlError(CodeRateLimited, "throttled by origin", cause)
	if cr.Category != ErrCategoryCrawl || !cr.Retryable {
		t.Error("NewCrawlError mismatch")
	}

	p := NewParseError(CodeMissingField, "no case number")
	if p.Category != ErrCategoryParse {
		t.Error("NewParseError mismatch")
	}
}
