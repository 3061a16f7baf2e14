// Package errors provides the coded error taxonomy shared by every codesearch
// component.
//
// Codes follow the pattern ERR_NNN_NAME where the hundreds digit selects the
// category:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (files, model files, index files)
//   - 3XX: Deadline and scheduling errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryDeadline indicates expired deadlines and cancellations.
	CategoryDeadline Category = "DEADLINE"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates internal invariant and resource errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal aborts the current operation; published state is kept.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails the current call; the caller may recover.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo is informational only and never surfaced to callers.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeFileTooLarge   = "ERR_204_FILE_TOO_LARGE"
	ErrCodeCorruptIndex   = "ERR_205_CORRUPT_INDEX"
	ErrCodeModelNotFound  = "ERR_207_MODEL_NOT_FOUND"
	ErrCodeModelCorrupt   = "ERR_208_MODEL_CORRUPT"

	// Deadline errors (300-399)
	ErrCodeTimeout   = "ERR_304_TIMEOUT"
	ErrCodeCancelled = "ERR_305_CANCELLED"

	// Validation errors (400-499)
	ErrCodeInvalidInput       = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch  = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty         = "ERR_404_QUERY_EMPTY"
	ErrCodeTokenizationFailed = "ERR_407_TOKENIZATION_FAILED"

	// Internal errors (500-599)
	ErrCodeInternal           = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed    = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed       = "ERR_503_SEARCH_FAILED"
	ErrCodeIndexFailed        = "ERR_505_INDEX_FAILED"
	ErrCodeAllocationCeiling  = "ERR_506_ALLOCATION_CEILING"
	ErrCodeIndexInconsistent  = "ERR_507_INDEX_INCONSISTENT"
	ErrCodeCacheFull          = "ERR_508_CACHE_FULL"
	ErrCodeAllSourcesFailed   = "ERR_509_ALL_SOURCES_FAILED"
	ErrCodeMemoryBudget       = "ERR_510_MEMORY_BUDGET"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryDeadline
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeIndexInconsistent:
		return SeverityFatal
	case ErrCodeCacheFull:
		return SeverityInfo
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// A corrupt or missing model is recoverable by the caller (re-download), but
// not by retrying the same call, so it is not listed here.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeMemoryBudget:
		return true
	default:
		return false
	}
}
