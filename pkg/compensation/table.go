// Compensation tables derived from calibration samples
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package compensation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gantry-twist-go/pkg/config"
	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/sampling"
)

// Section is the config section holding persisted tables.
const Section = "axis_twist_compensation"

// Axis identifies the axis a table was measured along.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
)

// ParseAxis accepts x or y in either case.
func ParseAxis(s string) (Axis, error) {
	switch Axis(strings.ToLower(strings.TrimSpace(s))) {
	case AxisX:
		return AxisX, nil
	case AxisY:
		return AxisY, nil
	}
	return "", calerrors.ConfigurationError("axis must be X or Y, got %q", s)
}

// Keys are the three persisted option names of one axis.
type Keys struct {
	Values string
	Start  string
	End    string
}

// Keys returns the option names for a. X and Y never share a key.
func (a Axis) Keys() Keys {
	if a == AxisY {
		return Keys{Values: "zy_compensations", Start: "compensation_start_y", End: "compensation_end_y"}
	}
	return Keys{Values: "z_compensations", Start: "compensation_start_x", End: "compensation_end_x"}
}

// Table holds correction values in plan order and the commanded bounds
// they span. A Table is not modified once it has been written.
type Table struct {
	Axis   Axis      `json:"axis" yaml:"axis"`
	Values []float64 `json:"values" yaml:"values"`
	Start  float64   `json:"start" yaml:"start"`
	End    float64   `json:"end" yaml:"end"`
}

// Reduce builds the table for axis from samples, keeping plan order. The
// bounds are the ones the plan was generated from.
func Reduce(samples []sampling.Sample, axis Axis, bounds grid.Bounds) (*Table, error) {
	if len(samples) == 0 {
		return nil, calerrors.InsufficientDataError(0, 1)
	}
	if _, err := ParseAxis(string(axis)); err != nil {
		return nil, err
	}
	return &Table{
		Axis:   axis,
		Values: sampling.Deltas(samples),
		Start:  bounds.Min,
		End:    bounds.Max,
	}, nil
}

// Interpolate returns the correction at pos along the table's axis.
// Positions outside [Start, End] use the nearest end value.
func (t *Table) Interpolate(pos float64) float64 {
	n := len(t.Values)
	switch {
	case n == 0:
		return 0
	case n == 1 || t.End == t.Start:
		return t.Values[0]
	}
	f := (pos - t.Start) / (t.End - t.Start) * float64(n-1)
	if f <= 0 {
		return t.Values[0]
	}
	if f >= float64(n-1) {
		return t.Values[n-1]
	}
	i := int(math.Floor(f))
	frac := f - float64(i)
	return t.Values[i] + (t.Values[i+1]-t.Values[i])*frac
}

// Payload renders the persisted key/value form of t.
func Payload(t *Table) (map[string]string, error) {
	if t == nil || len(t.Values) == 0 {
		return nil, calerrors.InsufficientDataError(0, 1)
	}
	if _, err := ParseAxis(string(t.Axis)); err != nil {
		return nil, err
	}
	parts := make([]string, len(t.Values))
	for i, v := range t.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, calerrors.InvalidReadingError(fmt.Sprintf("compensation value %d is not finite", i+1))
		}
		parts[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	keys := t.Axis.Keys()
	return map[string]string{
		keys.Values: strings.Join(parts, ", "),
		keys.Start:  strconv.FormatFloat(t.Start, 'f', -1, 64),
		keys.End:    strconv.FormatFloat(t.End, 'f', -1, 64),
	}, nil
}

// ParseTable reads the persisted table of axis from sec. It returns nil
// without error when the axis has no stored values.
func ParseTable(sec *config.Section, axis Axis) (*Table, error) {
	keys := axis.Keys()
	if sec == nil || !sec.HasOption(keys.Values) {
		return nil, nil
	}
	values, err := sec.GetFloatList(keys.Values, ",")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	start, err := sec.GetFloat(keys.Start)
	if err != nil {
		return nil, err
	}
	end, err := sec.GetFloat(keys.End)
	if err != nil {
		return nil, err
	}
	return &Table{Axis: axis, Values: values, Start: start, End: end}, nil
}
