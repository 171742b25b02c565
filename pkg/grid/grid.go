// Sample point planning for gantry twist calibration
//
// Every plan is built from Position, so single-axis, raster and
// serpentine plans interpolate identically.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package grid

import (
	"fmt"
	"strings"

	calerrors "gantry-twist-go/pkg/errors"
)

// Mode selects the traversal order of a plan.
type Mode string

const (
	AxisX        Mode = "axis_x"
	AxisY        Mode = "axis_y"
	RasterX      Mode = "raster_x"
	RasterY      Mode = "raster_y"
	SerpentineXY Mode = "serpentine_xy"
	SerpentineYX Mode = "serpentine_yx"

	// HomeRowMode is an X sweep at the measured home Y.
	HomeRowMode Mode = "home_row"
)

// modeAliases maps the sampling_direction spellings accepted in config.
var modeAliases = map[string]Mode{
	"x":  AxisX,
	"y":  AxisY,
	"xy": SerpentineXY,
	"yx": SerpentineYX,
}

// ParseMode resolves a mode name or alias.
func ParseMode(s string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if m, ok := modeAliases[name]; ok {
		return m, nil
	}
	switch m := Mode(name); m {
	case AxisX, AxisY, RasterX, RasterY, SerpentineXY, SerpentineYX, HomeRowMode:
		return m, nil
	}
	return "", calerrors.ConfigurationError("unknown sampling mode %q", s)
}

// IsGrid reports whether the mode covers the full XY area.
func (m Mode) IsGrid() bool {
	switch m {
	case RasterX, RasterY, SerpentineXY, SerpentineYX:
		return true
	}
	return false
}

// Axis returns the swept axis of a single-axis or home-row mode.
func (m Mode) Axis() string {
	switch m {
	case AxisY:
		return "y"
	case AxisX, HomeRowMode:
		return "x"
	}
	return ""
}

// Bounds is an inclusive coordinate range with Min < Max.
type Bounds struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Validate checks Min < Max.
func (b Bounds) Validate(axis string) error {
	if !(b.Min < b.Max) {
		return calerrors.ConfigurationError("%s bounds invalid: min %.3f must be below max %.3f", axis, b.Min, b.Max)
	}
	return nil
}

// Mid returns the midpoint of the range.
func (b Bounds) Mid() float64 {
	return (b.Min + b.Max) / 2
}

func (b Bounds) String() string {
	return fmt.Sprintf("%.1f..%.1f", b.Min, b.Max)
}

// Point is a commanded XY coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position returns sample i of size along b.
func Position(b Bounds, i, size int) float64 {
	if size == 1 {
		return b.Mid()
	}
	return b.Min + (b.Max-b.Min)*float64(i)/float64(size-1)
}

// Request describes the plan to build. Unused fields for a mode may be
// left nil.
type Request struct {
	Mode Mode

	X *Bounds
	Y *Bounds

	// Fixed is the orthogonal coordinate of a single-axis plan.
	Fixed *float64

	// Count is the number of points of a single-axis plan, or the grid
	// size (points per side) of a grid plan.
	Count int
}

// Plan is an ordered, read-only sequence of points.
type Plan struct {
	Mode   Mode
	X      *Bounds
	Y      *Bounds
	Fixed  float64
	Size   int
	points []Point
}

// Len returns the number of points.
func (p *Plan) Len() int { return len(p.points) }

// At returns point i (0-based).
func (p *Plan) At(i int) Point { return p.points[i] }

// Points returns a copy of the plan's points.
func (p *Plan) Points() []Point {
	return append([]Point(nil), p.points...)
}

// AxisBounds returns the bounds of the swept axis of a single-axis plan.
func (p *Plan) AxisBounds() (Bounds, bool) {
	switch p.Mode.Axis() {
	case "x":
		if p.X != nil {
			return *p.X, true
		}
	case "y":
		if p.Y != nil {
			return *p.Y, true
		}
	}
	return Bounds{}, false
}

// New validates req and builds its plan.
func New(req Request) (*Plan, error) {
	switch req.Mode {
	case AxisX, AxisY, HomeRowMode:
		return singleAxis(req)
	case RasterX, RasterY, SerpentineXY, SerpentineYX:
		return gridPlan(req)
	}
	return nil, calerrors.ConfigurationError("unknown sampling mode %q", string(req.Mode))
}

// HomeRow builds the compensation-only plan: an X sweep at the measured
// home Y coordinate.
func HomeRow(x Bounds, homeY float64, count int) (*Plan, error) {
	return New(Request{Mode: HomeRowMode, X: &x, Fixed: &homeY, Count: count})
}

func singleAxis(req Request) (*Plan, error) {
	if req.Count < 2 {
		return nil, calerrors.ConfigurationError("sample count must be at least 2, got %d", req.Count)
	}
	if req.Fixed == nil {
		return nil, calerrors.ConfigurationError("%s plan needs a fixed %s coordinate", req.Mode, other(req.Mode.Axis()))
	}
	axis := req.Mode.Axis()
	b := req.X
	if axis == "y" {
		b = req.Y
	}
	if b == nil {
		return nil, calerrors.ConfigurationError("%s plan needs %s bounds", req.Mode, axis)
	}
	if err := b.Validate(axis); err != nil {
		return nil, err
	}

	p := &Plan{Mode: req.Mode, Fixed: *req.Fixed, Size: req.Count, points: make([]Point, req.Count)}
	bb := *b
	if axis == "y" {
		p.Y = &bb
	} else {
		p.X = &bb
	}
	for i := range p.points {
		v := Position(bb, i, req.Count)
		if axis == "y" {
			p.points[i] = Point{X: *req.Fixed, Y: v}
		} else {
			p.points[i] = Point{X: v, Y: *req.Fixed}
		}
	}
	return p, nil
}

func gridPlan(req Request) (*Plan, error) {
	size := req.Count
	if size < 2 {
		return nil, calerrors.ConfigurationError("grid size must be at least 2, got %d", size)
	}
	if req.X == nil || req.Y == nil {
		return nil, calerrors.ConfigurationError("%s plan needs both X and Y bounds", req.Mode)
	}
	if err := req.X.Validate("x"); err != nil {
		return nil, err
	}
	if err := req.Y.Validate("y"); err != nil {
		return nil, err
	}

	xb, yb := *req.X, *req.Y
	p := &Plan{Mode: req.Mode, X: &xb, Y: &yb, Size: size, points: make([]Point, 0, size*size)}

	// outer walks rows (X sweeps) or columns (Y sweeps); inner sweeps.
	sweepY := req.Mode == RasterY || req.Mode == SerpentineYX
	serpentine := req.Mode == SerpentineXY || req.Mode == SerpentineYX
	for outer := 0; outer < size; outer++ {
		for k := 0; k < size; k++ {
			inner := k
			if serpentine && outer%2 == 1 {
				inner = size - 1 - k
			}
			if sweepY {
				p.points = append(p.points, Point{X: Position(xb, outer, size), Y: Position(yb, inner, size)})
			} else {
				p.points = append(p.points, Point{X: Position(xb, inner, size), Y: Position(yb, outer, size)})
			}
		}
	}
	return p, nil
}

func other(axis string) string {
	if axis == "y" {
		return "x"
	}
	return "y"
}
