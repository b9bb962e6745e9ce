package api

import "fmt"

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError        ErrorType = "server_error"
	ErrorTypeInvalidRequest     ErrorType = "invalid_request"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeModelError         ErrorType = "model_error"
	ErrorTypeTooManyRequests    ErrorType = "too_many_requests"
	ErrorTypeCodeGeneration     ErrorType = "code_generation_error"
	ErrorTypeSandboxTimeout     ErrorType = "sandbox_timeout"
	ErrorTypeSandboxUnreachable ErrorType = "sandbox_unreachable"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Retryable reports whether the caller may retry the operation that
// produced this error. Only rate-limit errors are transient; auth and
// server errors are not retried blindly.
func (e *APIError) Retryable() bool {
	return e.Type == ErrorTypeTooManyRequests
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewModelError creates an APIError for model-backend errors.
func NewModelError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeModelError,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
// These errors are transient and retryable by the caller.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// NewCodeGenerationError creates an APIError for exhausted generation attempts.
func NewCodeGenerationError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeCodeGeneration,
		Message: message,
	}
}

// NewSandboxTimeoutError creates an APIError for sandbox execution timeouts.
func NewSandboxTimeoutError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeSandboxTimeout,
		Message: message,
	}
}

// NewSandboxUnreachableError creates an APIError for an unreachable sandbox.
func NewSandboxUnreachableError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeSandboxUnreachable,
		Message: message,
	}
}
