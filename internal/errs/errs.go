// Package errs defines the structured error taxonomy shared across the
// mcp-center core. Every failure a component surfaces to a caller is a
// *Error carrying one of the ErrorType values below, so boundary layers
// (CLI, HTTP) can translate by type rather than by message matching.
package errs

import "fmt"

// ErrorType classifies a failure into one of the taxonomy members from the
// design's error handling section.
type ErrorType string

// Config errors.
const (
	ErrConfigIO               ErrorType = "config_io"
	ErrConfigParse            ErrorType = "config_parse"
	ErrConfigValidation       ErrorType = "config_validation"
	ErrConfigIDCollision      ErrorType = "config_id_collision_exhausted"
)

// Project errors.
const (
	ErrProjectUnknownID ErrorType = "project_unknown_id"
	ErrProjectCorrupt   ErrorType = "project_corrupt"
	ErrProjectIO        ErrorType = "project_io"
)

// Backend errors.
const (
	ErrBackendStartFailed       ErrorType = "backend_start_failed"
	ErrBackendTimeout           ErrorType = "backend_timeout"
	ErrBackendTransportClosed   ErrorType = "backend_transport_closed"
	ErrBackendProtocolViolation ErrorType = "backend_protocol_violation"
)

// Tool errors, observable to MCP clients per the failure taxonomy.
const (
	ErrToolNotFound         ErrorType = "tool_not_found"
	ErrToolPermissionDenied ErrorType = "tool_permission_denied"
	ErrToolInvalidArguments ErrorType = "tool_invalid_arguments"
	ErrToolBackendUnavailable ErrorType = "tool_backend_unavailable"
	ErrToolRemoteError      ErrorType = "tool_remote_error"
	ErrMethodNotFound       ErrorType = "method_not_found"
)

// Bridge errors.
const (
	ErrBridgeHandshakeFailed ErrorType = "bridge_handshake_failed"
	ErrBridgeSocketBusy      ErrorType = "bridge_socket_busy"
	ErrBridgeIncompatible    ErrorType = "bridge_incompatible"
)

// RPC errors.
const (
	ErrRPCMalformed      ErrorType = "rpc_malformed"
	ErrRPCUnknownMethod  ErrorType = "rpc_unknown_method"
)

// ErrInternal covers anything that doesn't fit a more specific bucket.
const ErrInternal ErrorType = "internal"

// Error is the single structured error type used across the core.
type Error struct {
	Type    ErrorType
	Message string
	// Field names the offending field for ErrConfigValidation errors.
	Field string
	Cause error
}

// Error implements the error interface as "type: message[: cause]".
func (e *Error) Error() string {
	s := string(e.Type) + ": " + e.Message
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an *Error of the given type.
func NewError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// NewValidationError constructs a ErrConfigValidation error naming the field.
func NewValidationError(field, message string) *Error {
	return &Error{Type: ErrConfigValidation, Field: field, Message: message}
}

// Is reports whether err carries the given ErrorType, unwrapping as needed.
func Is(err error, t ErrorType) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			if e.Type == t {
				return true
			}
			err = e.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Wrap wraps an arbitrary error into the taxonomy under the given type.
func Wrap(t ErrorType, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Type: t, Message: message, Cause: cause}
}

// Fieldf is a convenience for building a validation message with args.
func Fieldf(field, format string, args ...any) *Error {
	return &Error{Type: ErrConfigValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}
