package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryConcurrency    ErrorCategory = "concurrency"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryStorage        ErrorCategory = "storage"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Validation errors
	CodeMalformedRecord ErrorCode = "malformed_record"
	CodeInvalidAmount   ErrorCode = "invalid_amount"
	CodeInvalidDate     ErrorCode = "invalid_date"
	CodeInvalidCurrency ErrorCode = "invalid_currency"
	CodeMissingField    ErrorCode = "missing_field"
	CodeInvalidRequest  ErrorCode = "invalid_request"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Reconciliation errors
	CodeAmbiguousMatch    ErrorCode = "ambiguous_match"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeMatchingFailed    ErrorCode = "matching_failed"
	CodeDataInconsistent  ErrorCode = "data_inconsistent"
	CodeRunCancelled      ErrorCode = "run_cancelled"

	// Concurrency errors
	CodeClaimConflict ErrorCode = "claim_conflict"
	CodeLockTimeout   ErrorCode = "lock_timeout"

	// Lookup errors
	CodeNotFound ErrorCode = "not_found"

	// Storage errors
	CodeStorageFailure ErrorCode = "storage_failure"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Retryable  bool              `json:"retryable"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryReconciliation, CategoryInternal:
		return 5
	case CategoryConcurrency:
		return 6
	case CategoryStorage, CategoryNotFound:
		return 2
	default:
		return 1
	}
}

// HTTPStatus maps the error onto an HTTP status code
func (e *ReconcilerError) HTTPStatus() int {
	switch e.Category {
	case CategoryValidation, CategoryConfiguration:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConcurrency:
		if e.Code == CodeLockTimeout {
			return http.StatusServiceUnavailable
		}
		return http.StatusConflict
	case CategoryReconciliation:
		if e.Code == CodeInvalidTransition || e.Code == CodeAmbiguousMatch {
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// Specific error constructors

// MalformedRecordError reports a raw record whose amount, date or currency cannot be parsed.
// Malformed records are quarantined rather than matched.
func MalformedRecordError(code ErrorCode, recordID, field string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("record %q has an unparseable amount in '%s': %v", recordID, field, value)
		suggestion = "amounts must be decimal numbers with no more fractional digits than the currency allows"
	case CodeInvalidDate:
		message = fmt.Sprintf("record %q has an unparseable date in '%s': %v", recordID, field, value)
		suggestion = "use YYYY-MM-DD or another supported date layout"
	case CodeInvalidCurrency:
		message = fmt.Sprintf("record %q has an invalid currency in '%s': %v", recordID, field, value)
		suggestion = "use a three letter ISO-4217 currency code"
	case CodeMissingField:
		message = fmt.Sprintf("record %q is missing required field '%s'", recordID, field)
		suggestion = "provide a value for this required field"
	default:
		code = CodeMalformedRecord
		message = fmt.Sprintf("record %q is malformed in '%s': %v", recordID, field, value)
		suggestion = "check the record against the ingestion format"
	}

	return build(CategoryValidation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("record_id", recordID).
		WithContext("field", field).
		WithContext("value", value)
}

// ValidationError creates a validation error for request or policy fields
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message string

	switch code {
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
	default:
		message = fmt.Sprintf("invalid value in field '%s': %v", field, value)
	}

	return build(CategoryValidation, code, message, err).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// AmbiguousMatchError describes a source record held back because its best
// candidates at one tier scored too close together.
func AmbiguousMatchError(sourceID string, tier int, ledgerIDs []string, spread float64) *ReconcilerError {
	message := fmt.Sprintf("source %q has %d candidates at tier %d within %.2f points", sourceID, len(ledgerIDs), tier, spread)

	return New(CategoryReconciliation, CodeAmbiguousMatch, message).
		WithSuggestion("review the tied ledger records and match manually").
		WithContext("source_id", sourceID).
		WithContext("tier", tier).
		WithContext("ledger_ids", strings.Join(ledgerIDs, ","))
}

// ConcurrentClaimConflict reports a record that another writer claimed after the snapshot was taken
func ConcurrentClaimConflict(recordID, claimedBy string) *ReconcilerError {
	message := fmt.Sprintf("record %q was claimed by %s after the snapshot was taken", recordID, claimedBy)

	return New(CategoryConcurrency, CodeClaimConflict, message).
		WithContext("record_id", recordID).
		WithContext("claimed_by", claimedBy)
}

// LockTimeoutError reports that the scope lock could not be acquired in time. It is retryable.
func LockTimeoutError(scope string, waited time.Duration) *ReconcilerError {
	message := fmt.Sprintf("timed out after %s waiting for the lock on scope %q", waited, scope)

	err := New(CategoryConcurrency, CodeLockTimeout, message).
		WithSuggestion("another writer holds the scope; retry the operation").
		WithContext("scope", scope).
		WithContext("waited", waited.String())
	err.Retryable = true
	return err
}

// NotFoundError reports a missing entity
func NotFoundError(kind, id string) *ReconcilerError {
	return New(CategoryNotFound, CodeNotFound, fmt.Sprintf("%s %q not found", kind, id)).
		WithContext("kind", kind).
		WithContext("id", id)
}

// InvalidTransitionError reports a lifecycle change that the state machine does not allow
func InvalidTransitionError(kind, id, from, to string) *ReconcilerError {
	message := fmt.Sprintf("%s %q cannot move from %s to %s", kind, id, from, to)

	return New(CategoryReconciliation, CodeInvalidTransition, message).
		WithContext("kind", kind).
		WithContext("id", id).
		WithContext("from", from).
		WithContext("to", to)
}

// ReconciliationError creates a reconciliation-related error
func ReconciliationError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeMatchingFailed:
		message = fmt.Sprintf("matching failed during %s", operation)
		suggestion = "check the rule configuration and data quality"
	case CodeDataInconsistent:
		message = fmt.Sprintf("data inconsistency detected during %s", operation)
		suggestion = "verify data integrity and resolve inconsistencies"
	case CodeRunCancelled:
		message = fmt.Sprintf("run cancelled during %s", operation)
		suggestion = "nothing was applied; start a new run"
	default:
		message = fmt.Sprintf("reconciliation error during %s", operation)
		suggestion = "review the data and configuration"
	}

	return build(CategoryReconciliation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// StorageError wraps a repository failure
func StorageError(operation string, err error) *ReconcilerError {
	return build(CategoryStorage, CodeStorageFailure, fmt.Sprintf("storage failure during %s", operation), err).
		WithContext("operation", operation)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeUnexpectedError:
		message = fmt.Sprintf("unexpected error during %s", operation)
		suggestion = "this is likely a bug - please report it with the error details"
	default:
		message = fmt.Sprintf("internal error during %s", operation)
		suggestion = "try again or contact support if the problem persists"
	}

	return build(CategoryInternal, code, message, err).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*ReconcilerError    `json:"errors"`
	SampleErrors []*ReconcilerError    `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if len(errs) == 0 {
		summary.Errors = []*ReconcilerError{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var codes []string
	for code, count := range es.ByCode {
		codes = append(codes, fmt.Sprintf("%s: %d", code, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(codes, ", "))
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// Utility functions

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr.Code == code
	}
	return false
}

// IsRetryable reports whether the operation that produced err can be retried unchanged
func IsRetryable(err error) bool {
	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr.Retryable
	}
	return false
}

// WrapIfNeeded wraps an error if it's not already a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return Wrap(err, category, code, message)
}
