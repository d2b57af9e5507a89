// Unified error handling for the drawbot host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Device link errors
	ErrConnection ErrorCode = "CONNECTION"
	ErrProtocol   ErrorCode = "PROTOCOL"
	ErrCancelled  ErrorCode = "CANCELLED"

	// Geometry errors
	ErrDegenerateInput ErrorCode = "DEGENERATE_INPUT"
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"

	// Collaborator errors
	ErrConfig  ErrorCode = "CONFIG"
	ErrStream  ErrorCode = "STREAM"
	ErrLineArt ErrorCode = "LINEART"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// DrawError is the unified error type for the drawbot host
type DrawError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Command is the device command being issued, if any
	Command string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *DrawError) Error() string {
	msg := e.Message
	if e.Command != "" {
		msg = fmt.Sprintf("%s: %s", e.Command, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *DrawError) Unwrap() error {
	return e.Err
}

// SetCommand records the device command that failed
func (e *DrawError) SetCommand(cmd string) *DrawError {
	e.Command = cmd
	return e
}

// SetContext adds additional context
func (e *DrawError) SetContext(key string, value interface{}) *DrawError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *DrawError {
	return &DrawError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new DrawError
func New(code ErrorCode, message string) *DrawError {
	return &DrawError{
		Code:    code,
		Message: message,
	}
}

// Device errors

// ConnectionError creates an error for a device link that could not be
// established or was lost.
func ConnectionError(addr string, err error) *DrawError {
	return Wrap(err, ErrConnection, fmt.Sprintf("device link %s", addr)).
		SetContext("address", addr)
}

// ProtocolError creates an error for a command whose acknowledgement reports a
// device-side fault.
func ProtocolError(command string, errorID int, ack string) *DrawError {
	return New(ErrProtocol, fmt.Sprintf("device fault (error id %d): %q", errorID, ack)).
		SetCommand(command).
		SetContext("error_id", errorID)
}

// CancelledError creates an error for an operator-initiated interrupt.
func CancelledError(during string, cause error) *DrawError {
	return Wrap(cause, ErrCancelled, fmt.Sprintf("interrupted by operator during %s", during))
}

// Geometry errors

// DegenerateInputError creates an error for a path set without spatial extent.
func DegenerateInputError(message string) *DrawError {
	return New(ErrDegenerateInput, message)
}

// InvalidInputError creates an error for malformed input geometry or parameters.
func InvalidInputError(message string) *DrawError {
	return New(ErrInvalidInput, message)
}

// Collaborator errors

// ConfigError creates a configuration error
func ConfigError(message string, err error) *DrawError {
	return Wrap(err, ErrConfig, message)
}

// StreamError creates a streaming transport error
func StreamError(message string, err error) *DrawError {
	return Wrap(err, ErrStream, message)
}

// LineArtError creates a line-art service error
func LineArtError(message string, err error) *DrawError {
	return Wrap(err, ErrLineArt, message)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *DrawError {
	return New(ErrRuntime, message)
}

// RecoverPanic converts a panic into a runtime error stored in *errp. It
// must be deferred directly:
//
//	defer errors.RecoverPanic(&err)
func RecoverPanic(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	switch x := r.(type) {
	case runtime.Error:
		*errp = RuntimeError(x.Error())
	case error:
		*errp = RuntimeError(x.Error())
	case string:
		*errp = RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		*errp = RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var de *DrawError
	for err != nil {
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost DrawError code in err's chain, or "" if none
func CodeOf(err error) ErrorCode {
	var de *DrawError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCancelled checks if error is an operator cancellation
func IsCancelled(err error) bool {
	return Is(err, ErrCancelled)
}

// IsProtocol checks if error is a device fault
func IsProtocol(err error) bool {
	return Is(err, ErrProtocol)
}

// IsConnection checks if error is a device link failure
func IsConnection(err error) bool {
	return Is(err, ErrConnection)
}
