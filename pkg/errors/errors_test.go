package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestReconcilerError(t *testing.T) {
	tests := []struct {
		name       string
		category   ErrorCategory
		code       ErrorCode
		message    string
		cause      error
		expectCode int
	}{
		{
			name:       "validation error",
			category:   CategoryValidation,
			code:       CodeMalformedRecord,
			message:    "malformed record",
			cause:      errors.New("bad amount"),
			expectCode: 3,
		},
		{
			name:       "configuration error",
			category:   CategoryConfiguration,
			code:       CodeInvalidConfig,
			message:    "invalid config",
			cause:      nil,
			expectCode: 4,
		},
		{
			name:       "concurrency error",
			category:   CategoryConcurrency,
			code:       CodeLockTimeout,
			message:    "lock timeout",
			cause:      nil,
			expectCode: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *ReconcilerError
			if tt.cause != nil {
				err = Wrap(tt.cause, tt.category, tt.code, tt.message)
			} else {
				err = New(tt.category, tt.code, tt.message)
			}

			if err.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, err.Category)
			}
			if err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, err.Code)
			}
			if err.GetExitCode() != tt.expectCode {
				t.Errorf("expected exit code %d, got %d", tt.expectCode, err.GetExitCode())
			}
			if err.Error() != tt.message {
				t.Errorf("expected error string %s, got %s", tt.message, err.Error())
			}
			if tt.cause != nil && err.Unwrap() != tt.cause {
				t.Errorf("expected to unwrap to %v, got %v", tt.cause, err.Unwrap())
			}
		})
	}
}

func TestReconcilerErrorWithContext(t *testing.T) {
	err := New(CategoryValidation, CodeMissingField, "test error").
		WithContext("record_id", "SRC-1").
		WithContext("line", 42).
		WithSuggestion("check the record")

	if err.Context["record_id"] != "SRC-1" {
		t.Errorf("expected record_id context 'SRC-1', got %v", err.Context["record_id"])
	}
	if err.Context["line"] != 42 {
		t.Errorf("expected line context 42, got %v", err.Context["line"])
	}

	expected := "test error (suggestion: check the record)"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
}

func TestSpecificErrorConstructors(t *testing.T) {
	t.Run("MalformedRecordError", func(t *testing.T) {
		cause := errors.New("can't convert 12.3.4 to decimal")
		err := MalformedRecordError(CodeInvalidAmount, "SRC-9", "amount", "12.3.4", cause)

		if err.Category != CategoryValidation {
			t.Errorf("expected validation category, got %s", err.Category)
		}
		if err.Code != CodeInvalidAmount {
			t.Errorf("expected invalid_amount, got %s", err.Code)
		}
		if err.Context["record_id"] != "SRC-9" {
			t.Errorf("expected record_id context, got %v", err.Context["record_id"])
		}
		if err.Cause != cause {
			t.Errorf("expected cause to be %v, got %v", cause, err.Cause)
		}
	})

	t.Run("MalformedRecordError unknown code", func(t *testing.T) {
		err := MalformedRecordError("something_else", "SRC-1", "x", "y", nil)
		if err.Code != CodeMalformedRecord {
			t.Errorf("expected malformed_record fallback, got %s", err.Code)
		}
	})

	t.Run("LockTimeoutError", func(t *testing.T) {
		err := LockTimeoutError("acme-us", 5*time.Second)

		if !err.Retryable {
			t.Error("expected lock timeout to be retryable")
		}
		if !IsRetryable(fmt.Errorf("run failed: %w", err)) {
			t.Error("expected IsRetryable to see through wrapping")
		}
		if err.HTTPStatus() != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", err.HTTPStatus())
		}
	})

	t.Run("ConcurrentClaimConflict", func(t *testing.T) {
		err := ConcurrentClaimConflict("LED-1", "match m-1")

		if err.Category != CategoryConcurrency || err.Code != CodeClaimConflict {
			t.Errorf("unexpected classification %s/%s", err.Category, err.Code)
		}
		if err.Retryable {
			t.Error("claim conflicts are not retryable")
		}
		if err.HTTPStatus() != http.StatusConflict {
			t.Errorf("expected 409, got %d", err.HTTPStatus())
		}
	})

	t.Run("AmbiguousMatchError", func(t *testing.T) {
		err := AmbiguousMatchError("SRC-1", 3, []string{"LED-1", "LED-2"}, 1)

		if err.Code != CodeAmbiguousMatch {
			t.Errorf("expected ambiguous_match, got %s", err.Code)
		}
		if err.Context["ledger_ids"] != "LED-1,LED-2" {
			t.Errorf("unexpected ledger_ids context %v", err.Context["ledger_ids"])
		}
	})

	t.Run("NotFoundError", func(t *testing.T) {
		err := NotFoundError("match", "m-1")
		if err.HTTPStatus() != http.StatusNotFound {
			t.Errorf("expected 404, got %d", err.HTTPStatus())
		}
	})

	t.Run("InvalidTransitionError", func(t *testing.T) {
		err := InvalidTransitionError("exception", "e-1", "written-off", "in-review")
		if err.HTTPStatus() != http.StatusConflict {
			t.Errorf("expected 409, got %d", err.HTTPStatus())
		}
	})
}

func TestErrorSummary(t *testing.T) {
	errs := []*ReconcilerError{
		New(CategoryValidation, CodeInvalidAmount, "error 1"),
		New(CategoryValidation, CodeInvalidAmount, "error 2"),
		New(CategoryValidation, CodeInvalidDate, "error 3"),
		New(CategoryValidation, CodeInvalidCurrency, "error 4"),
		New(CategoryValidation, CodeMissingField, "error 5"),
		New(CategoryValidation, CodeMissingField, "error 6"),
	}

	summary := NewErrorSummary(errs)

	if summary.Total != 6 {
		t.Errorf("expected total 6, got %d", summary.Total)
	}
	if summary.ByCategory[CategoryValidation] != 6 {
		t.Errorf("expected 6 validation errors, got %d", summary.ByCategory[CategoryValidation])
	}
	if summary.ByCode[CodeInvalidAmount] != 2 {
		t.Errorf("expected 2 invalid amount errors, got %d", summary.ByCode[CodeInvalidAmount])
	}
	if len(summary.SampleErrors) != 5 {
		t.Errorf("expected 5 sample errors, got %d", len(summary.SampleErrors))
	}
	if !summary.HasCode(CodeInvalidDate) {
		t.Error("expected summary to contain invalid_date")
	}
	if summary.HasCode(CodeLockTimeout) {
		t.Error("did not expect lock_timeout")
	}
}

func TestEmptyErrorSummary(t *testing.T) {
	summary := NewErrorSummary(nil)

	if summary.Total != 0 {
		t.Errorf("expected total 0, got %d", summary.Total)
	}
	if summary.Error() != "no errors" {
		t.Errorf("expected 'no errors', got '%s'", summary.Error())
	}
	if summary.Errors == nil {
		t.Error("expected an empty, non-nil error slice")
	}
}

func TestAsReconcilerError(t *testing.T) {
	reconcilerErr := New(CategoryNotFound, CodeNotFound, "test")
	genericErr := errors.New("generic error")

	if extracted, ok := AsReconcilerError(fmt.Errorf("context: %w", reconcilerErr)); !ok || extracted != reconcilerErr {
		t.Error("expected AsReconcilerError to extract a wrapped ReconcilerError")
	}
	if _, ok := AsReconcilerError(genericErr); ok {
		t.Error("expected AsReconcilerError to return false for generic error")
	}
	if _, ok := AsReconcilerError(nil); ok {
		t.Error("expected AsReconcilerError to return false for nil")
	}
	if !HasCode(fmt.Errorf("x: %w", reconcilerErr), CodeNotFound) {
		t.Error("expected HasCode to match through wrapping")
	}
}

func TestWrapIfNeeded(t *testing.T) {
	reconcilerErr := New(CategoryNotFound, CodeNotFound, "test")
	genericErr := errors.New("generic error")

	if result := WrapIfNeeded(reconcilerErr, CategoryStorage, CodeStorageFailure, "wrapped"); result != reconcilerErr {
		t.Error("expected WrapIfNeeded to return original ReconcilerError")
	}

	result := WrapIfNeeded(genericErr, CategoryStorage, CodeStorageFailure, "wrapped")
	if result.Cause != genericErr {
		t.Error("expected WrapIfNeeded to wrap generic error")
	}
	if result.Category != CategoryStorage {
		t.Error("expected wrapped error to have correct category")
	}

	if WrapIfNeeded(nil, CategoryStorage, CodeStorageFailure, "wrapped") != nil {
		t.Error("expected WrapIfNeeded to return nil for nil input")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		category     ErrorCategory
		expectedCode int
	}{
		{CategoryValidation, 3},
		{CategoryConfiguration, 4},
		{CategoryReconciliation, 5},
		{CategoryInternal, 5},
		{CategoryConcurrency, 6},
		{CategoryStorage, 2},
		{CategoryNotFound, 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := New(tt.category, "test_code", "test message")
			if err.GetExitCode() != tt.expectedCode {
				t.Errorf("expected exit code %d for category %s, got %d",
					tt.expectedCode, tt.category, err.GetExitCode())
			}
		})
	}
}
