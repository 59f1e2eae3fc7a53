// Unified error handling for the head-restraint latch host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"

	"head-restraint-go/pkg/log"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfig           ErrorCode = "CONFIG"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Hardware gateway errors
	ErrGateway     ErrorCode = "GATEWAY"
	ErrNotAttached ErrorCode = "NOT_ATTACHED"
	ErrProtocol    ErrorCode = "PROTOCOL"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Channel is the hardware channel involved (if any)
	Channel string

	// DeviceCode is the numeric code reported by the device layer
	DeviceCode int

	// Details is the device layer's description of the failure
	Details string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg = fmt.Sprintf("%s: code %d (%s)", msg, e.DeviceCode, e.Details)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Channel != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Channel, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetChannel sets the channel name
func (e *HostError) SetChannel(channel string) *HostError {
	e.Channel = channel
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ConfigError creates an error for an unusable configuration
func ConfigError(err error, path string) *HostError {
	return Wrap(err, ErrConfig, "invalid configuration").SetContext("config_path", path)
}

// GatewayError creates an error carrying the device layer's code and details
func GatewayError(channel, op string, deviceCode int, details string) *HostError {
	e := New(ErrGateway, op).SetChannel(channel)
	e.DeviceCode = deviceCode
	e.Details = details
	return e
}

// NotAttachedError creates an error for an operation on a detached channel
func NotAttachedError(channel, op string) *HostError {
	return New(ErrNotAttached, op+": channel not attached").SetChannel(channel)
}

// ProtocolError creates an error for a malformed bridge message
func ProtocolError(line string, reason string) *HostError {
	return New(ErrProtocol, fmt.Sprintf("malformed message %q: %s", line, reason))
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, err error) *HostError {
	return Wrap(err, ErrRuntimeInit, fmt.Sprintf("failed to initialize %s", component))
}

// Report logs err against the operation that produced it. Errors never travel
// past this point into the latch state machines.
func Report(logger *log.Logger, op string, err error) {
	if err == nil || logger == nil {
		return
	}
	fields := log.Fields{"op": op}
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		fields["code"] = string(hostErr.Code)
		if hostErr.Channel != "" {
			fields["channel"] = hostErr.Channel
		}
		if hostErr.Details != "" {
			fields["device_code"] = hostErr.DeviceCode
			fields["details"] = hostErr.Details
		}
	}
	logger.WithFields(fields).WithError(err).Error("gateway call failed")
}

// RecoverPanic safely recovers from panic and converts to error.
// It must be called directly by a deferred function.
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return New(ErrRuntime, x.Error())
	case error:
		return Wrap(x, ErrRuntime, "panic")
	case string:
		return New(ErrRuntime, "panic: "+x)
	default:
		return New(ErrRuntime, fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code == code
	}
	return false
}

// IsGateway checks if error came from the device layer
func IsGateway(err error) bool {
	return Is(err, ErrGateway) || Is(err, ErrNotAttached)
}
