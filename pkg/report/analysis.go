// Offset pattern analysis of a calibration run
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package report

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/sampling"
)

const (
	// TrendThreshold is the |r| above which a linear trend is reported.
	TrendThreshold = 0.3

	// SpreadThreshold is the per-column or per-row delta range, in mm,
	// above which a position is flagged.
	SpreadThreshold = 0.050

	// positionDecimals groups positions that differ by less than 1µm.
	positionDecimals = 3
)

// Summary holds the distribution of deltas, in mm.
type Summary struct {
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
	Median float64 `json:"median" yaml:"median"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Range  float64 `json:"range" yaml:"range"`
}

// Trend is the correlation of delta with one axis. Slope and Intercept
// are only set when Significant.
type Trend struct {
	Axis        string  `json:"axis" yaml:"axis"`
	R           float64 `json:"r" yaml:"r"`
	Significant bool    `json:"significant" yaml:"significant"`
	Slope       float64 `json:"slope,omitempty" yaml:"slope,omitempty"` // mm per mm
	Intercept   float64 `json:"intercept,omitempty" yaml:"intercept,omitempty"`
}

// At evaluates the fitted line.
func (t Trend) At(pos float64) float64 {
	return t.Intercept + t.Slope*pos
}

// Spread is the delta range of the samples sharing one coordinate.
type Spread struct {
	Position float64 `json:"position" yaml:"position"`
	Count    int     `json:"count" yaml:"count"`
	Min      float64 `json:"min" yaml:"min"`
	Max      float64 `json:"max" yaml:"max"`
	Range    float64 `json:"range" yaml:"range"`
	Flagged  bool    `json:"flagged" yaml:"flagged"`
}

// SequencePoint is one sample in display order.
type SequencePoint struct {
	Order int     `json:"order" yaml:"order"`
	Group int     `json:"group" yaml:"group"`
	Index int     `json:"index" yaml:"index"`
	Delta float64 `json:"delta" yaml:"delta"`
}

// Analysis is the full pattern analysis of a run.
type Analysis struct {
	Summary Summary `json:"summary" yaml:"summary"`
	TrendX  Trend   `json:"trend_x" yaml:"trend_x"`
	TrendY  Trend   `json:"trend_y" yaml:"trend_y"`

	// Columns groups by X, Rows by Y. Both are sorted by position.
	Columns []Spread `json:"columns" yaml:"columns"`
	Rows    []Spread `json:"rows" yaml:"rows"`

	// Sequence is the measurement order, with serpentine passes turned
	// to run the same direction.
	Sequence   []SequencePoint `json:"sequence" yaml:"sequence"`
	GroupLabel string          `json:"group_label" yaml:"group_label"`
}

// Analyze computes the pattern analysis of samples measured in mode.
// At least two samples are required.
func Analyze(samples []sampling.Sample, mode grid.Mode) (*Analysis, error) {
	if len(samples) < 2 {
		return nil, calerrors.InsufficientDataError(len(samples), 2)
	}
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i], ys[i] = s.X, s.Y
	}
	deltas := sampling.Deltas(samples)

	a := &Analysis{
		Summary: Summarize(deltas),
		TrendX:  fitTrend("x", xs, deltas),
		TrendY:  fitTrend("y", ys, deltas),
		Columns: spreads(xs, deltas),
		Rows:    spreads(ys, deltas),
	}
	a.Sequence, a.GroupLabel = sequence(samples, mode)
	return a, nil
}

// Summarize returns the population statistics of values.
func Summarize(values []float64) Summary {
	s := Summary{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Mean, s.StdDev = stat.PopMeanStdDev(values, nil)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	s.Min, s.Max = sorted[0], sorted[len(sorted)-1]
	s.Range = s.Max - s.Min
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		s.Median = sorted[mid]
	} else {
		s.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return s
}

func fitTrend(axis string, pos, deltas []float64) Trend {
	t := Trend{Axis: axis}
	if len(pos) < 3 {
		return t
	}
	r := stat.Correlation(pos, deltas, nil)
	if math.IsNaN(r) {
		// constant position or constant delta
		return t
	}
	t.R = r
	if math.Abs(r) > TrendThreshold {
		t.Significant = true
		t.Intercept, t.Slope = stat.LinearRegression(pos, deltas, nil, false)
	}
	return t
}

func roundPos(v float64) float64 {
	p := math.Pow(10, positionDecimals)
	return math.Round(v*p) / p
}

func spreads(pos, deltas []float64) []Spread {
	groups := make(map[float64]*Spread)
	for i, p := range pos {
		key := roundPos(p)
		g, ok := groups[key]
		if !ok {
			g = &Spread{Position: key, Min: deltas[i], Max: deltas[i]}
			groups[key] = g
		}
		g.Count++
		g.Min = math.Min(g.Min, deltas[i])
		g.Max = math.Max(g.Max, deltas[i])
	}
	out := make([]Spread, 0, len(groups))
	for _, g := range groups {
		g.Range = g.Max - g.Min
		g.Flagged = g.Count >= 2 && g.Range > SpreadThreshold
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Flagged counts the flagged entries of spreads.
func Flagged(spreads []Spread) int {
	n := 0
	for _, s := range spreads {
		if s.Flagged {
			n++
		}
	}
	return n
}

// sequence groups samples into passes of the sweep axis. Serpentine
// passes are reordered so every pass runs towards the positive end.
func sequence(samples []sampling.Sample, mode grid.Mode) ([]SequencePoint, string) {
	byColumn := mode == grid.RasterY || mode == grid.SerpentineYX || mode == grid.AxisY
	label := "Row"
	if byColumn {
		label = "Column"
	}

	// pass length is the largest number of samples sharing the fixed coordinate
	counts := make(map[float64]int)
	passLen := 0
	for _, s := range samples {
		key := roundPos(s.Y)
		if byColumn {
			key = roundPos(s.X)
		}
		counts[key]++
		passLen = max(passLen, counts[key])
	}

	serpentine := mode == grid.SerpentineXY || mode == grid.SerpentineYX
	out := make([]SequencePoint, 0, len(samples))
	for group, start := 0, 0; start < len(samples); group, start = group+1, start+passLen {
		end := min(start+passLen, len(samples))
		pass := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			pass = append(pass, i)
		}
		if serpentine {
			sort.SliceStable(pass, func(a, b int) bool {
				sa, sb := samples[pass[a]], samples[pass[b]]
				if byColumn {
					return sa.Y < sb.Y
				}
				return sa.X < sb.X
			})
		}
		for k, i := range pass {
			out = append(out, SequencePoint{Order: start + k, Group: group, Index: samples[i].Index, Delta: samples[i].Delta})
		}
	}
	return out, label
}
