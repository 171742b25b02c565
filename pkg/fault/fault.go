// Fatal versus recoverable classification of sampling failures
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package fault

import (
	"strings"
	"sync"

	calerrors "gantry-twist-go/pkg/errors"
)

// DefaultMarkers are the lower-case fragments that identify a device-level
// fault. Matching is a case-insensitive substring test.
var DefaultMarkers = []string{
	// MCU shutdown and timing faults
	"mcu shutdown",
	"mcu 'mcu' shutdown",
	"timer too close",
	"firmware restart",
	"firmware_restart",
	"shutdown due to",

	// Communication loss
	"lost communication with mcu",
	"communication timeout",

	// Host not ready
	"printer is not ready",

	// Thermal protection
	"heater decoupled",
	"heater not heating",
	"heater not heating at expected rate",
	"thermistor out of range",
	"adc out of range",
}

// Classifier matches error text against a marker list.
type Classifier struct {
	mu      sync.RWMutex
	markers []string
}

// New returns a classifier over markers, or DefaultMarkers when none are
// given.
func New(markers ...string) *Classifier {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	c := &Classifier{}
	c.Extend(markers...)
	return c
}

// Extend adds markers. Empty markers are ignored.
func (c *Classifier) Extend(markers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			c.markers = append(c.markers, m)
		}
	}
}

// Markers returns a copy of the active marker list.
func (c *Classifier) Markers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.markers...)
}

// IsFatalText reports whether text contains any marker.
func (c *Classifier) IsFatalText(text string) bool {
	lower := strings.ToLower(text)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsFatal classifies err by its message. A nil error is not fatal. A lost
// collaborator connection (TRANSPORT) is always fatal.
func (c *Classifier) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return calerrors.Is(err, calerrors.ErrTransport) || c.IsFatalText(err.Error())
}

var std = New()

// IsFatalText classifies text with the default markers.
func IsFatalText(text string) bool { return std.IsFatalText(text) }

// IsFatal classifies err with the default markers.
func IsFatal(err error) bool { return std.IsFatal(err) }
