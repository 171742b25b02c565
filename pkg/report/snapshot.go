// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package report

import (
	"time"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/sampling"
)

// Meta describes one calibration run.
type Meta struct {
	RunID           string       `json:"run_id" yaml:"run_id"`
	Mode            grid.Mode    `json:"mode" yaml:"mode"`
	X               *grid.Bounds `json:"x_bounds,omitempty" yaml:"x_bounds,omitempty"`
	Y               *grid.Bounds `json:"y_bounds,omitempty" yaml:"y_bounds,omitempty"`
	GridSize        int          `json:"grid_size" yaml:"grid_size"`
	PointsCompleted int          `json:"points_completed" yaml:"points_completed"`
	PointsFailed    int          `json:"points_failed" yaml:"points_failed"`
	TotalPoints     int          `json:"total_points" yaml:"total_points"`
	ZHeight         float64      `json:"z_height" yaml:"z_height"`
	StartedAt       time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time    `json:"finished_at" yaml:"finished_at"`
	Outcome         string       `json:"outcome" yaml:"outcome"`
	Error           string       `json:"error,omitempty" yaml:"error,omitempty"`
	Debug           bool         `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// Duration returns the wall time of the run.
func (m Meta) Duration() time.Duration {
	return m.FinishedAt.Sub(m.StartedAt)
}

// Snapshot is the immutable record of a finished run handed to
// consumers. Table is nil unless the run produced compensation.
type Snapshot struct {
	Meta    Meta                `json:"meta" yaml:"meta"`
	Samples []sampling.Sample   `json:"samples" yaml:"samples"`
	Table   *compensation.Table `json:"table,omitempty" yaml:"table,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{Meta: s.Meta}
	out.Samples = append([]sampling.Sample(nil), s.Samples...)
	if s.Meta.X != nil {
		x := *s.Meta.X
		out.Meta.X = &x
	}
	if s.Meta.Y != nil {
		y := *s.Meta.Y
		out.Meta.Y = &y
	}
	if s.Table != nil {
		t := *s.Table
		t.Values = append([]float64(nil), s.Table.Values...)
		out.Table = &t
	}
	return out
}
