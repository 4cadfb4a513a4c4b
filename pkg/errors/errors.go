// Package errors provides standardized error types for the policy checks.
package errors

import (
	"errors"
	"fmt"
)

// Error codes reported by the policy checks and their hosts.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeTenantNotSet   = "TENANT_NOT_SET"
	CodeUnparsable     = "UNPARSABLE"
	CodeUnsupported    = "UNSUPPORTED"
	CodeCanceled       = "CANCELED"
	CodeInternal       = "INTERNAL_ERROR"
)

// PolicyError represents a policy check error with code, message, and optional details.
type PolicyError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PolicyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PolicyError with the same code.
func (e *PolicyError) Is(target error) bool {
	t, ok := target.(*PolicyError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *PolicyError) WithDetails(details map[string]interface{}) *PolicyError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *PolicyError) WithDetail(key string, value interface{}) *PolicyError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrEmptyRequest      = &PolicyError{Code: CodeInvalidRequest, Message: "empty check request"}
	ErrMissingArgument   = &PolicyError{Code: CodeInvalidConfig, Message: "missing check argument"}
	ErrUnknownStrategy   = &PolicyError{Code: CodeInvalidConfig, Message: "unknown extraction strategy"}
	ErrTenantNotSet      = &PolicyError{Code: CodeTenantNotSet, Message: "tenant environment variable not set"}
	ErrUnbalanced        = &PolicyError{Code: CodeUnparsable, Message: "unbalanced statement"}
	ErrUnsupportedKind   = &PolicyError{Code: CodeUnsupported, Message: "unsupported statement kind"}
	ErrUnverifiableMerge = &PolicyError{Code: CodeUnsupported, Message: "merge clauses cannot be verified lexically"}
	ErrCheckCanceled     = &PolicyError{Code: CodeCanceled, Message: "check canceled"}
)

// New creates a new PolicyError with the given code and message.
func New(code, message string) *PolicyError {
	return &PolicyError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new PolicyError with a formatted message.
func Newf(code, format string, args ...interface{}) *PolicyError {
	return &PolicyError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a PolicyError.
func Wrap(err error, code, message string) *PolicyError {
	if err == nil {
		return nil
	}
	return &PolicyError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *PolicyError {
	if err == nil {
		return nil
	}
	return &PolicyError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return hasCode(err, CodeInvalidRequest)
}

// IsInvalidConfig checks if an error is a configuration error.
func IsInvalidConfig(err error) bool {
	return hasCode(err, CodeInvalidConfig)
}

// IsUnparsable checks if an error reports a statement the token tree could not be built for.
func IsUnparsable(err error) bool {
	return hasCode(err, CodeUnparsable)
}

func hasCode(err error, code string) bool {
	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.Message
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
