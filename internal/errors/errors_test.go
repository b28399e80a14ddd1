package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	expected := "[STORAGE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryManifest, CodeJobNotFound, "missing", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestPipelineError_IsSentinel(t *testing.T) {
	err := NewMalformedEncoding("zero entry at position 2", []int{2, -1, 0})
	if !errors.Is(err, ErrMalformedEncoding) {
		t.Error("malformed encoding should match ErrMalformedEncoding")
	}
	if errors.Is(err, ErrShapeMismatch) {
		t.Error("malformed encoding should not match ErrShapeMismatch")
	}

	wrapped := fmt.Errorf("decode basis 3: %w", err)
	if !errors.Is(wrapped, ErrMalformedEncoding) {
		t.Error("sentinel should match through fmt wrapping")
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
		{ErrCategoryBarrier, CodeIncompleteShards, true},
		{ErrCategoryEncoding, CodeMalformedEncoding, false},
		{ErrCategoryValidation, CodeShapeMismatch, false},
		{ErrCategoryValidation, CodeDuplicateShard, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := NewShapeMismatch("lengths differ", nil)
	if GetCategory(err) != ErrCategoryValidation {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryValidation)
	}
	if GetCode(err) != CodeShapeMismatch {
		t.Errorf("got %q, want %q", GetCode(err), CodeShapeMismatch)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty category and code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeShapeMismatch, "bad record")
	detailed := err.WithDetails(map[string]interface{}{"shard_index": 3})

	if detailed.Details["shard_index"] != 3 {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}

	merged := detailed.WithDetails(map[string]interface{}{"job_id": "j"})
	if merged.Details["shard_index"] != 3 || merged.Details["job_id"] != "j" {
		t.Errorf("WithDetails should merge, got %v", merged.Details)
	}
}

func TestIncompleteShardsCarriesKey(t *testing.T) {
	err := NewIncompleteShards("job-7", 4, []int{1, 3})
	details := GetDetails(err)
	if details["job_id"] != "job-7" {
		t.Errorf("job_id detail = %v", details["job_id"])
	}
	missing, ok := details["missing"].([]int)
	if !ok || len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Errorf("missing detail = %v", details["missing"])
	}
	if !errors.Is(err, ErrIncompleteShards) || !IsRetryable(err) {
		t.Error("incomplete shards should match sentinel and be retryable")
	}
}

func TestDuplicateShardCarriesKey(t *testing.T) {
	err := NewDuplicateShard("job-1", 5)
	if !errors.Is(err, ErrDuplicateShard) {
		t.Error("should match ErrDuplicateShard")
	}
	if GetDetails(err)["shard_index"] != 5 {
		t.Errorf("shard_index detail = %v", GetDetails(err)["shard_index"])
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	m := NewManifestError(CodeJobNotFound, "no job", cause)
	if m.Category != ErrCategoryManifest {
		t.Error("NewManifestError mismatch")
	}

	v := NewValidationError(CodeNegativeWeight, "weight < 0")
	if v.Category != ErrCategoryValidation || v.Code != CodeNegativeWeight {
		t.Error("NewValidationError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
