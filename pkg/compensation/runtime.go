// Live axis twist compensation
//
// Holds the active X and Y tables and turns an XY position into a Z
// adjustment, the in-session mirror of [axis_twist_compensation].
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package compensation

import (
	"sync"

	"gantry-twist-go/pkg/config"
)

// Runtime is the live compensation object. Installed tables are shared,
// not copied.
type Runtime struct {
	mu        sync.RWMutex
	tables    map[Axis]*Table
	suspended map[Axis]int
}

// NewRuntime returns a runtime with no tables.
func NewRuntime() *Runtime {
	return &Runtime{
		tables:    make(map[Axis]*Table),
		suspended: make(map[Axis]int),
	}
}

// RuntimeFromConfig loads the persisted X and Y tables.
func RuntimeFromConfig(cfg *config.Config) (*Runtime, error) {
	rt := NewRuntime()
	sec := cfg.GetSectionOptional(Section)
	for _, axis := range []Axis{AxisX, AxisY} {
		t, err := ParseTable(sec, axis)
		if err != nil {
			return nil, err
		}
		if t != nil {
			rt.SetTable(t)
		}
	}
	return rt, nil
}

// SetTable installs t for its axis.
func (r *Runtime) SetTable(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.Axis] = t
}

// Table returns the installed table of axis, or nil.
func (r *Runtime) Table(axis Axis) *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables[axis]
}

// Clear removes the table of axis.
func (r *Runtime) Clear(axis Axis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, axis)
}

// Suspend stops applying the table of axis until the returned func is
// called. Calibration measures with the axis uncompensated. Calls nest.
func (r *Runtime) Suspend(axis Axis) (resume func()) {
	r.mu.Lock()
	r.suspended[axis]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.suspended[axis]--
			r.mu.Unlock()
		})
	}
}

// Suspended reports whether axis is currently suspended.
func (r *Runtime) Suspended(axis Axis) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suspended[axis] > 0
}

// ZAdjust returns the Z correction at x, y: the sum of the active X
// table evaluated at x and the active Y table evaluated at y.
func (r *Runtime) ZAdjust(x, y float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var z float64
	if t := r.tables[AxisX]; t != nil && r.suspended[AxisX] == 0 {
		z += t.Interpolate(x)
	}
	if t := r.tables[AxisY]; t != nil && r.suspended[AxisY] == 0 {
		z += t.Interpolate(y)
	}
	return z
}

// Status reports the active tables in the shape Moonraker objects use.
func (r *Runtime) Status() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := map[string]any{}
	for _, axis := range []Axis{AxisX, AxisY} {
		keys := axis.Keys()
		t := r.tables[axis]
		if t == nil {
			status[keys.Values] = []float64{}
			continue
		}
		status[keys.Values] = append([]float64(nil), t.Values...)
		status[keys.Start] = t.Start
		status[keys.End] = t.End
		status["suspended_"+string(axis)] = r.suspended[axis] > 0
	}
	return status
}
