// Error taxonomy for gantry twist calibration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Bad mode, bounds, counts or settings. Raised before motion starts.
	ErrConfiguration ErrorCode = "CONFIGURATION"

	// Device-level fault. Aborts the run.
	ErrFatalDevice ErrorCode = "FATAL_DEVICE"

	// Per-point failure. Logged and counted, the run continues.
	ErrRecoverablePoint ErrorCode = "RECOVERABLE_POINT"

	// The probe completed but produced no result.
	ErrNoProbeResult ErrorCode = "NO_PROBE_RESULT"

	// The probe produced a result that cannot form a sample.
	ErrInvalidReading ErrorCode = "INVALID_READING"

	// Not enough samples to derive a compensation table.
	ErrInsufficientData ErrorCode = "INSUFFICIENT_DATA"

	// A second run was requested while one is active.
	ErrRunInProgress ErrorCode = "RUN_IN_PROGRESS"

	// Collaborator transport failures (websocket, database).
	ErrTransport ErrorCode = "TRANSPORT"
)

// CalError is the coded error type used across the calibration packages.
type CalError struct {
	Code    ErrorCode
	Message string

	// Section and Option locate configuration problems.
	Section string
	Option  string

	// Point is the 1-based plan index a point error refers to, 0 if none.
	Point int

	Err     error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *CalError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Code))
	switch {
	case e.Option != "":
		sb.WriteString(":" + e.Option)
	case e.Section != "":
		sb.WriteString(":" + e.Section)
	case e.Point > 0:
		fmt.Fprintf(&sb, ":point %d", e.Point)
	}
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap returns the underlying error
func (e *CalError) Unwrap() error {
	return e.Err
}

// SetSection sets the config section
func (e *CalError) SetSection(section string) *CalError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *CalError) SetOption(option string) *CalError {
	e.Option = option
	return e
}

// SetPoint records the plan index the error belongs to
func (e *CalError) SetPoint(index int) *CalError {
	e.Point = index
	return e
}

// SetContext adds additional context
func (e *CalError) SetContext(key string, value interface{}) *CalError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new CalError
func New(code ErrorCode, message string) *CalError {
	return &CalError{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *CalError {
	return &CalError{Code: code, Message: message, Err: err}
}

// ConfigurationError reports an invalid mode, bound, count or setting.
func ConfigurationError(format string, args ...interface{}) *CalError {
	return New(ErrConfiguration, fmt.Sprintf(format, args...))
}

// OptionError reports an invalid config option.
func OptionError(section, option, reason string) *CalError {
	return New(ErrConfiguration, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// FatalDeviceError wraps a device fault that must abort the run.
func FatalDeviceError(index int, cause error) *CalError {
	return Wrap(cause, ErrFatalDevice, "fatal device error").SetPoint(index)
}

// RecoverablePointError wraps a per-point failure.
func RecoverablePointError(index int, cause error) *CalError {
	return Wrap(cause, ErrRecoverablePoint, "point failed").SetPoint(index)
}

// NoProbeResultError reports a probe that returned no data.
func NoProbeResultError(index int) *CalError {
	return New(ErrNoProbeResult, "no probe result").SetPoint(index)
}

// InvalidReadingError reports a reading that cannot form a sample.
func InvalidReadingError(reason string) *CalError {
	return New(ErrInvalidReading, reason)
}

// InsufficientDataError reports that no table can be derived.
func InsufficientDataError(have, want int) *CalError {
	return New(ErrInsufficientData, "not enough samples to derive compensation").
		SetContext("have", have).
		SetContext("want", want)
}

// RunInProgressError rejects a concurrent run.
func RunInProgressError() *CalError {
	return New(ErrRunInProgress, "a calibration run is already in progress")
}

// TransportError wraps a collaborator I/O failure.
func TransportError(op string, err error) *CalError {
	return Wrap(err, ErrTransport, op)
}

// CodeOf returns the code of the outermost CalError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ce *CalError
	if stderrors.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}

// Is reports whether any CalError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var ce *CalError
		if !stderrors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Err
	}
	return false
}

// IsFatal reports whether err aborts a run.
func IsFatal(err error) bool { return Is(err, ErrFatalDevice) }

// IsRecoverable reports whether err is a per-point failure.
func IsRecoverable(err error) bool { return Is(err, ErrRecoverablePoint) }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return Is(err, ErrConfiguration) }
