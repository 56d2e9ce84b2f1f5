package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents categorized error types.
// These codes are stable and appear verbatim in SOAP fault codes and logs.
type ErrorCode string

const (
	ErrCodeTimestampMissing     ErrorCode = "timestamp_missing"
	ErrCodeTimestampNotYetValid ErrorCode = "timestamp_not_yet_valid"
	ErrCodeTimestampExpired     ErrorCode = "timestamp_expired"
	ErrCodeSignatureInvalid     ErrorCode = "signature_invalid"
	ErrCodeSignatureMalformed   ErrorCode = "signature_malformed"
	ErrCodeReconciliationFailed ErrorCode = "reconciliation_failed"
	ErrCodeServiceUnavailable   ErrorCode = "service_unavailable"
	ErrCodeUnknownService       ErrorCode = "unknown_service"
	ErrCodeInvalidParameter     ErrorCode = "invalid_parameter"
	ErrCodeBadRequest           ErrorCode = "bad_request"
	ErrCodeConfigMissing        ErrorCode = "config_missing"
)

// String returns the error code as a string.
func (c ErrorCode) String() string {
	return string(c)
}

// AppError is a structured error with code, message, and optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns ErrCodeBadRequest if the chain carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeBadRequest
}

// ErrUserNotFound is returned by the identity store when no active user
// matches the requested username.
var ErrUserNotFound = errors.New("user not found")

// ErrOrganizationNotFound is returned by the identity store when no
// non-deleted organization matches the requested code.
var ErrOrganizationNotFound = errors.New("organization not found")

// ErrRoleNotFound is returned by the identity store when a role name has no
// local mapping. Reconciliation treats this as a skip, not a failure.
var ErrRoleNotFound = errors.New("role not found")

// ErrOrderNotFound is returned by the order store when no order matches the
// requested key.
var ErrOrderNotFound = errors.New("order not found")

// TimestampMissingError creates a timestamp error for an absent Created or
// Expires element.
func TimestampMissingError(element string) *AppError {
	return &AppError{
		Code:    ErrCodeTimestampMissing,
		Message: fmt.Sprintf("%s timestamp not found", element),
	}
}

// TimestampNotYetValidError creates a timestamp error for a Created instant in
// the future.
func TimestampNotYetValidError() *AppError {
	return &AppError{
		Code:    ErrCodeTimestampNotYetValid,
		Message: "Created timestamp is in the future",
	}
}

// TimestampExpiredError creates a timestamp error for an Expires instant in
// the past.
func TimestampExpiredError() *AppError {
	return &AppError{
		Code:    ErrCodeTimestampExpired,
		Message: "Envelope has expired",
	}
}

// SignatureError creates a signature verification error with optional cause.
func SignatureError(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeSignatureInvalid, Message: message, Cause: cause}
}

// SignatureMalformedError creates an error for an envelope whose signature
// cannot be parsed at all.
func SignatureMalformedError(cause error) *AppError {
	return &AppError{
		Code:    ErrCodeSignatureMalformed,
		Message: "Envelope signature is malformed",
		Cause:   cause,
	}
}

// ReconciliationError wraps any failure of the identity convergence
// transaction. The message is safe for callers; the cause stays server-side.
func ReconciliationError(cause error) *AppError {
	return &AppError{
		Code:    ErrCodeReconciliationFailed,
		Message: "login reconciliation failed",
		Cause:   cause,
	}
}

// ServiceUnavailableError creates a transport failure error for outbound
// calls.
func ServiceUnavailableError(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeServiceUnavailable, Message: message, Cause: cause}
}

// BadRequestError creates a bad request error.
func BadRequestError(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message}
}

// ConfigError creates a configuration error.
func ConfigError(message string) *AppError {
	return &AppError{Code: ErrCodeConfigMissing, Message: message}
}
