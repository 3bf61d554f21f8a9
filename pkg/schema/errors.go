package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeDailyLimit        = "DAILY_LIMIT"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeFatal             = "FATAL"
	ErrCodeUnavailable       = "COLLABORATOR_UNAVAILABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// AgentError is the structured error type for all agent operations.
type AgentError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ItemID  string         `json:"item_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AgentError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] item %s: %s", e.Code, e.ItemID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error is transient. Open breakers and
// rate limits are transient: they must feed the retry path, never the
// unfixable one.
func (e *AgentError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeCircuitOpen, ErrCodeRateLimited,
		ErrCodeDailyLimit, ErrCodeUnavailable, ErrCodeConflict:
		return true
	case ErrCodeValidation, ErrCodeNonRetryable, ErrCodePermissionDenied,
		ErrCodeFatal, ErrCodeCancelled, ErrCodeInvalidTransition,
		ErrCodeRetryExhausted, ErrCodeVault:
		return false
	}
	return true
}

// IsFatal reports whether the error must block the item instead of
// feeding the retry path.
func (e *AgentError) IsFatal() bool {
	switch e.Code {
	case ErrCodeFatal, ErrCodePermissionDenied, ErrCodeVault:
		return true
	}
	return false
}

// NewError creates a new AgentError.
func NewError(code, message string) *AgentError {
	return &AgentError{Code: code, Message: message}
}

// NewErrorf creates a new AgentError with a formatted message.
func NewErrorf(code, format string, args ...any) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithItem attaches a work item ID to the error.
func (e *AgentError) WithItem(itemID string) *AgentError {
	e.ItemID = itemID
	return e
}

// WithCause attaches an underlying cause.
func (e *AgentError) WithCause(err error) *AgentError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AgentError) WithDetails(details map[string]any) *AgentError {
	e.Details = details
	return e
}
