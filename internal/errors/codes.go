// Package errors provides structured error handling for Notedex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store errors (SQLite, vector store, disk)
//   - 3XX: Model provider errors (network, remote backends)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates metadata or vector store errors.
	CategoryStore Category = "STORE"
	// CategoryModel indicates model-provider (summarize/outline/embed) errors.
	CategoryModel Category = "MODEL"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	ErrCodeStoreUnreachable = "ERR_201_STORE_UNREACHABLE"
	ErrCodeSchemaIncomplete = "ERR_202_SCHEMA_INCOMPLETE"
	ErrCodeIntegrityFailure = "ERR_203_INTEGRITY_FAILURE"
	ErrCodeTaskNotFound     = "ERR_204_TASK_NOT_FOUND"
	ErrCodeDocumentNotFound = "ERR_205_DOCUMENT_NOT_FOUND"

	// Model provider errors (300-399)
	ErrCodeModelUnavailable  = "ERR_301_MODEL_UNAVAILABLE"
	ErrCodeModelTimeout      = "ERR_302_MODEL_TIMEOUT"
	ErrCodeDimensionMismatch = "ERR_303_DIMENSION_MISMATCH"

	// Validation errors (400-499)
	ErrCodeQueryTooShort = "ERR_401_QUERY_TOO_SHORT"
	ErrCodeInvalidInput  = "ERR_402_INVALID_INPUT"

	// Internal errors (500-599)
	ErrCodeRetryExhausted = "ERR_501_RETRY_EXHAUSTED"
	ErrCodeInternal       = "ERR_502_INTERNAL"
)

// categoryFromCode derives the error category from the code's number range.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryModel
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from the code.
// Store unreachability and schema problems are fatal during startup; the
// health phase decides whether to escalate, so they default to ERROR here.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid:
		return SeverityFatal
	case ErrCodeQueryTooShort, ErrCodeInvalidInput:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code may be
// retried by the task queue.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreUnreachable, ErrCodeModelUnavailable, ErrCodeModelTimeout:
		return true
	default:
		return false
	}
}
