// Package errors provides a structured error system for thumbcache with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for thumbcache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Render errors
	ErrCodeRenderFailed       ErrorCode = "RENDER_FAILED"
	ErrCodeDegenerateGeometry ErrorCode = "RENDER_DEGENERATE_GEOMETRY"
	ErrCodeAssetNotFound      ErrorCode = "ASSET_NOT_FOUND"
	ErrCodeAssetCorrupt       ErrorCode = "ASSET_CORRUPT"

	// Storage errors
	ErrCodeDiskRead    ErrorCode = "DISK_READ"
	ErrCodeDiskWrite   ErrorCode = "DISK_WRITE"
	ErrCodeCircuitOpen ErrorCode = "DISK_CIRCUIT_OPEN"

	// Cache errors
	ErrCodeTierNotFound ErrorCode = "CACHE_TIER_NOT_FOUND"

	// State errors
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRender        ErrorCategory = "render"
	CategoryAsset         ErrorCategory = "asset"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCache         ErrorCategory = "cache"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Recoverable errors end in a cache miss; the caller may retry later.
	Recoverable bool `json:"recoverable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new error with default values.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:        code,
		Category:    GetCategory(code),
		Message:     message,
		Timestamp:   time.Now(),
		Details:     make(map[string]interface{}),
		Recoverable: IsRecoverableByDefault(code),
	}
}

// Wrap creates a coded error around cause. A nil cause returns nil.
func Wrap(cause error, code ErrorCode, message string) *Error {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// CodeOf returns the code of the first structured error in err's chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "RENDER_"):
		return CategoryRender
	case strings.HasPrefix(codeStr, "ASSET_"):
		return CategoryAsset
	case strings.HasPrefix(codeStr, "DISK_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "COMPONENT_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRecoverableByDefault reports whether a failure with this code only costs
// a cache miss.
func IsRecoverableByDefault(code ErrorCode) bool {
	switch GetCategory(code) {
	case CategoryRender, CategoryAsset, CategoryStorage:
		return true
	}
	return code == ErrCodeOperationCanceled
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}
