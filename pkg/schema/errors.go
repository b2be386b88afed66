package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeConditionNotMet        = "CONDITION_NOT_MET"
	ErrCodeConfirmationRequired   = "CONFIRMATION_REQUIRED"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeTrackerNotFound        = "TRACKER_NOT_FOUND"
	ErrCodeMalformedRule          = "MALFORMED_RULE"
	ErrCodeStore                  = "STORE_ERROR"
	ErrCodeExecution              = "EXECUTION_ERROR"
)

// CaseflowError is the structured error type for all caseflow operations.
type CaseflowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *CaseflowError) Error() string {
	if e.EntityType != "" && e.EntityID != "" {
		return fmt.Sprintf("[%s] %s/%s: %s", e.Code, e.EntityType, e.EntityID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CaseflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CaseflowError.
func NewError(code, message string) *CaseflowError {
	return &CaseflowError{Code: code, Message: message}
}

// NewErrorf creates a new CaseflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *CaseflowError {
	return &CaseflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithEntity attaches the entity identity to the error.
func (e *CaseflowError) WithEntity(entityType EntityType, entityID string) *CaseflowError {
	e.EntityType = string(entityType)
	e.EntityID = entityID
	return e
}

// WithCause attaches an underlying cause.
func (e *CaseflowError) WithCause(err error) *CaseflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CaseflowError) WithDetails(details map[string]any) *CaseflowError {
	e.Details = details
	return e
}

// ErrorCode extracts the caseflow error code from err, or "" if err is not a
// CaseflowError.
func ErrorCode(err error) string {
	if cfErr, ok := err.(*CaseflowError); ok {
		return cfErr.Code
	}
	return ""
}
