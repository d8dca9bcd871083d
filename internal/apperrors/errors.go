// Package apperrors maps failures onto the HTTP error payloads the control
// API returns. Device-facing failures arrive as soap.Result values and are
// translated here; nothing below the API layer returns an AppError.
package apperrors

import (
	"github.com/strefethen/sonos-remote/internal/soap"
)

type ErrorCode string

const (
	ErrorCodeInternalError   ErrorCode = "INTERNAL_ERROR"
	ErrorCodeValidationError ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrorCodeDeviceTimeout   ErrorCode = "DEVICE_TIMEOUT"
	ErrorCodeDeviceOffline   ErrorCode = "DEVICE_OFFLINE"
	ErrorCodeDeviceRejected  ErrorCode = "DEVICE_REJECTED"
	ErrorCodeDeviceNotFound  ErrorCode = "DEVICE_NOT_FOUND"
	ErrorCodeNoDevice        ErrorCode = "NO_DEVICE_SELECTED"
)

// ErrorBody is the serialized error payload.
type ErrorBody struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AppError is the base error type for HTTP responses.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Details    map[string]any
}

func (err *AppError) Error() string {
	return err.Message
}

func (err *AppError) Body() ErrorBody {
	return ErrorBody{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
}

func NewAppError(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorCodeValidationError, message, 400)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrorCodeUnauthorized, message, 401)
}

func NewNotFoundError(message string) *AppError {
	return NewAppError(ErrorCodeNotFound, message, 404)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorCodeInternalError, message, 500)
}

func NewNoDeviceError() *AppError {
	return NewAppError(ErrorCodeNoDevice, "no device selected", 409)
}

// FromResult translates a device operation outcome into an API error.
// Success yields nil.
func FromResult(result soap.Result) *AppError {
	switch result {
	case soap.Success:
		return nil
	case soap.Timeout:
		return NewAppError(ErrorCodeDeviceTimeout, "device did not respond in time", 504)
	case soap.NetworkError:
		return NewAppError(ErrorCodeDeviceOffline, "device unreachable", 502)
	case soap.SoapFault:
		return NewAppError(ErrorCodeDeviceRejected, "device rejected the command", 502)
	case soap.InvalidDevice:
		return NewAppError(ErrorCodeDeviceNotFound, "device not resolvable", 404)
	case soap.InvalidParam:
		return NewValidationError("invalid parameter")
	default:
		return NewInternalError("device operation failed")
	}
}

// EnsureAppError converts an arbitrary error into an AppError.
func EnsureAppError(err error) *AppError {
	if err == nil {
		return NewInternalError("unknown error")
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("internal server error")
}
