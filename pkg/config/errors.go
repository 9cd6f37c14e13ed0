// Package config provides configuration file parsing with access tracking
// and validation for the calibration host.
package config

import (
	"fmt"

	"delta-calibration/pkg/errors"
)

// Config errors are *errors.HostError values with one of the CONFIG_* codes,
// so callers can test them with errors.IsConfig.

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *errors.HostError {
	return errors.ConfigOptionError(section, option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *errors.HostError {
	return errors.ConfigSectionError(section)
}

// ErrInvalidValue returns an error for a value that does not parse.
func ErrInvalidValue(section, option, value, expected string) *errors.HostError {
	return errors.ConfigTypeError(section, option, value, expected, nil)
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *errors.HostError {
	return errors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}

// ErrSyntax reports a malformed line in a config file.
func ErrSyntax(file string, line int, reason string) *errors.HostError {
	return errors.New(errors.ErrConfigValidation, reason).
		SetFile(file).
		SetLine(line)
}
