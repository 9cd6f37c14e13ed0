// Unified error handling for delta calibration
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
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Kinematics errors
	ErrKinematics      ErrorCode = "KINEMATICS"
	ErrKinematicsParam ErrorCode = "KINEMATICS_PARAM"

	// Probe errors
	ErrProbe      ErrorCode = "PROBE"
	ErrProbeRange ErrorCode = "PROBE_RANGE"

	// Calibration errors
	ErrSanity   ErrorCode = "CALIBRATION_SANITY"
	ErrDepthMap ErrorCode = "DEPTH_MAP"
	ErrResource ErrorCode = "RESOURCE"
	ErrBusy     ErrorCode = "BUSY"

	// Runtime errors
	ErrStorage ErrorCode = "STORAGE"
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the calibration host
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// File is the source file (if available)
	File string

	// Line is the line number in the source file (if available)
	Line int

	// Section is the config section or calibration stage
	Section string

	// Option is the config option or parameter name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	scope := e.Section
	if e.Option != "" {
		scope = e.Option
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Code, scope, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Code, scope, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetFile sets the source file
func (e *HostError) SetFile(file string) *HostError {
	e.File = file
	return e
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the option or parameter name
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
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

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Kinematics errors

// KinematicsError creates a general kinematics error
func KinematicsError(message string) *HostError {
	return New(ErrKinematics, message)
}

// UnknownParameterError reports a kinematic parameter the adapter does not expose
func UnknownParameterError(kind, param string) *HostError {
	return New(ErrKinematicsParam, fmt.Sprintf("%s kinematics has no parameter '%s'", kind, param)).
		SetSection(kind).
		SetOption(param)
}

// Probe errors

// ProbeError creates a probe failure error
func ProbeError(message string) *HostError {
	return New(ErrProbe, message).SetSection("probe")
}

// ProbeRangeError reports a probe result outside the plausible range
func ProbeRangeError(steps int, reason string) *HostError {
	return New(ErrProbeRange, fmt.Sprintf("probe returned %d steps: %s", steps, reason)).
		SetSection("probe").
		SetContext("steps", steps)
}

// Calibration errors

// SanityError creates a calibration sanity-check failure
func SanityError(stage, message string) *HostError {
	return New(ErrSanity, message).SetSection(stage)
}

// DepthMapError creates a depth map load/build error
func DepthMapError(message string) *HostError {
	return New(ErrDepthMap, message).SetSection("depth_map")
}

// ResourceError reports a buffer or file that could not be obtained
func ResourceError(resource string, err error) *HostError {
	return Wrap(err, ErrResource, fmt.Sprintf("cannot allocate %s", resource)).
		SetSection(resource)
}

// BusyError reports an attempt to start a calibration while one is running
func BusyError(running string) *HostError {
	return New(ErrBusy, fmt.Sprintf("calibration already in progress (%s)", running)).
		SetSection(running)
}

// Runtime errors

// StorageError wraps a persistence failure
func StorageError(operation string, err error) *HostError {
	return Wrap(err, ErrStorage, operation).SetSection("storage")
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// Helper functions for adding context

// WithConfigPath adds config file path to error context
func WithConfigPath(err *HostError, path string) *HostError {
	if err == nil {
		return nil
	}
	err.SetContext("config_path", path)
	return err
}

// WithLineNumber adds line number to error context
func WithLineNumber(err *HostError, line int) *HostError {
	if err == nil {
		return nil
	}
	err.SetLine(line)
	return err
}

// RecoverPanic converts a recovered panic value to an error.
// Call as: defer func() { err = errors.RecoverPanic(recover()) }()
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if err, or any error it wraps, is a HostError with the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsProbe checks if error is a probe failure
func IsProbe(err error) bool {
	return Is(err, ErrProbe) || Is(err, ErrProbeRange)
}

// IsSanity checks if error is a calibration sanity failure
func IsSanity(err error) bool {
	return Is(err, ErrSanity) || Is(err, ErrDepthMap)
}
