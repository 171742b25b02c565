// Interactive HTML report
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// viridis colour ramp for delta maps.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// WriteHTML renders an interactive page with the delta map and the
// measurement sequence.
func WriteHTML(w io.Writer, snap *Snapshot, a *Analysis) error {
	title := fmt.Sprintf("Gantry twist %s", snap.Meta.Mode)
	if snap.Meta.Debug {
		title += " (DEBUG)"
	}
	subtitle := fmt.Sprintf("run=%s points=%d/%d mean=%.1fµm σ=%.1fµm range=%.1fµm",
		snap.Meta.RunID, snap.Meta.PointsCompleted, snap.Meta.TotalPoints,
		a.Summary.Mean*um, a.Summary.StdDev*um, a.Summary.Range*um)

	page := components.NewPage()
	page.AddCharts(deltaMap(title, subtitle, snap, a), sequenceBar(a))
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

func deltaMap(title, subtitle string, snap *Snapshot, a *Analysis) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(snap.Samples))
	for _, s := range snap.Samples {
		data = append(data, opts.ScatterData{Value: []interface{}{s.X, s.Y, round1(s.Delta * um)}})
	}
	pad := 10.0
	minX, maxX, minY, maxY := extent(snap)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minX - pad, Max: maxX + pad, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minY - pad, Max: maxY + pad, Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(a.Summary.Min * um),
			Max:        float32(a.Summary.Max * um),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("delta µm", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 18}))
	return scatter
}

func sequenceBar(a *Analysis) *charts.Bar {
	x := make([]string, 0, len(a.Sequence))
	y := make([]opts.BarData, 0, len(a.Sequence))
	for _, sp := range a.Sequence {
		x = append(x, fmt.Sprintf("%s %d #%d", a.GroupLabel, sp.Group+1, sp.Index+1))
		y = append(y, opts.BarData{Value: round1(sp.Delta * um)})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Measurement Sequence", Subtitle: "delta µm by pass"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("delta", y)
	return bar
}

func extent(snap *Snapshot) (minX, maxX, minY, maxY float64) {
	for i, s := range snap.Samples {
		if i == 0 {
			minX, maxX, minY, maxY = s.X, s.X, s.Y, s.Y
			continue
		}
		minX, maxX = min(minX, s.X), max(maxX, s.X)
		minY, maxY = min(minY, s.Y), max(maxY, s.Y)
	}
	return
}

func round1(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 1, 64), 64)
	return r
}
