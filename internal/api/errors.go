// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/esp-monitor/backend/internal/serialport"
	"github.com/esp-monitor/backend/internal/session"
	"github.com/labstack/echo/v4"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(code, message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    code,
		Message: message,
	}
}

// NewWriteError creates a 500 error for a failed buffer save
func NewWriteError(cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "WRITE_ERROR",
		Message: "failed to write capture file",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// FromSessionError maps port-open and session lifecycle failures to the
// stable error codes the frontend switches on.
func FromSessionError(err error) *APIError {
	switch {
	case errors.Is(err, serialport.ErrInvalidBaud):
		return &APIError{Status: http.StatusBadRequest, Code: "INVALID_BAUD", Message: err.Error()}
	case errors.Is(err, serialport.ErrDeviceNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "DEVICE_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, serialport.ErrDeviceBusy):
		return &APIError{Status: http.StatusConflict, Code: "DEVICE_BUSY", Message: err.Error()}
	case errors.Is(err, session.ErrSessionActive):
		return &APIError{Status: http.StatusConflict, Code: "SESSION_ACTIVE", Message: err.Error()}
	case errors.Is(err, session.ErrNoSession):
		return &APIError{Status: http.StatusNotFound, Code: "NO_SESSION", Message: err.Error()}
	}
	return NewInternalError("failed to open serial device", err)
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError

	switch e := err.(type) {
	case *APIError:
		apiErr = e
	case *echo.HTTPError:
		apiErr = &APIError{
			Status:  e.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", e.Message),
		}
	default:
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
			Details: err.Error(),
		}
	}

	if !c.Response().Committed {
		c.JSON(apiErr.Status, apiErr)
	}
}
