package config

import (
	"fmt"

	calerrors "gantry-twist-go/pkg/errors"
)

// Config problems are reported as CONFIGURATION coded errors so callers
// can classify them with errors.IsConfig.

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *calerrors.CalError {
	return calerrors.OptionError(section, option, "must be specified")
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *calerrors.CalError {
	return calerrors.ConfigurationError("section '%s' not found", section).SetSection(section)
}

// ErrInvalidValue returns an error for a value that does not parse.
func ErrInvalidValue(section, option, value, expected string) *calerrors.CalError {
	return calerrors.OptionError(section, option, fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *calerrors.CalError {
	return calerrors.OptionError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for a value not among choices.
func ErrInvalidChoice(section, option, value string, choices []string) *calerrors.CalError {
	return calerrors.OptionError(section, option, fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
