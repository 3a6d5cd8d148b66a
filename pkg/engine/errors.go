// Package engine provides the shared vocabulary of the impactsim client:
// the classified error type, execution states and the progress report
// derived from one status poll.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid model or analysis
	// configuration, or a failed custom function lookup. Never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTimeout indicates a client-side observation deadline elapsed
	// before a terminal state was seen. The remote execution is untouched.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassRemote indicates the service reported a failed execution.
	ErrorClassRemote ErrorClass = "remote"

	// ErrorClassTransport indicates a network, HTTP or authentication failure
	// returned by the service collaborator.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassConflict indicates a concurrent operation on the same
	// execution, such as a second wait loop.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPolicy indicates a specification was rejected by a
	// submission policy.
	ErrorClassPolicy ErrorClass = "policy"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the experiment or execution ID involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// ServiceCode is the numeric error code reported by the service, if any.
	ServiceCode int `json:"service_code,omitempty"`

	// HTTPStatus is the HTTP status of the failed request, if any.
	HTTPStatus int `json:"http_status,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTimeout,
		Message: message,
		Code:    ErrCodeTimeout,
		Err:     err,
	}
}

// NewRemoteError creates a new remote execution failure.
func NewRemoteError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRemote,
		Message: message,
		Code:    ErrCodeExecutionFailed,
		Err:     err,
	}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransport,
		Message: message,
		Code:    ErrCodeHTTP,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPolicyError creates a new policy rejection.
func NewPolicyError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPolicy,
		Message: message,
		Code:    ErrCodePolicyDenied,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithService records the service error code and HTTP status.
func (e *EngineError) WithService(serviceCode, httpStatus int) *EngineError {
	e.ServiceCode = serviceCode
	e.HTTPStatus = httpStatus
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsTimeout returns true if the error is a client-side observation timeout.
func IsTimeout(err error) bool {
	return hasClass(err, ErrorClassTimeout)
}

// IsRemote returns true if the error reports a failed remote execution.
func IsRemote(err error) bool {
	return hasClass(err, ErrorClassRemote)
}

// IsTransport returns true if the error came from the service collaborator.
func IsTransport(err error) bool {
	return hasClass(err, ErrorClassTransport)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPolicyDenied returns true if a submission policy rejected the request.
func IsPolicyDenied(err error) bool {
	return hasClass(err, ErrorClassPolicy)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeExecutionFailed  = "EXECUTION_FAILED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeWaitInProgress   = "WAIT_IN_PROGRESS"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeHTTP             = "HTTP_ERROR"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeMissingToken     = "MISSING_TOKEN"
	ErrCodeServerNotStarted = "SERVER_NOT_STARTED"
	ErrCodeDecode           = "DECODE_ERROR"
)

// Error codes reported by the service in its error envelope.
const (
	ServiceCodeInvalidAPIKey            = 11034
	ServiceCodeUnknown                  = 100000
	ServiceCodeMissingAccessTokenCookie = 100001
	ServiceCodeMissingJupyterHubToken   = 100002
	ServiceCodeServerNotStarted         = 100003
)
