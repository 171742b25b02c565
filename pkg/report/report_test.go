package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"gantry-twist-go/pkg/compensation"
	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/sampling"
)

// gridSamples measures plan with delta = f(x, y).
func gridSamples(t *testing.T, mode grid.Mode, size int, f func(x, y float64) float64) []sampling.Sample {
	t.Helper()
	x := grid.Bounds{Min: 20, Max: 220}
	y := grid.Bounds{Min: 30, Max: 230}
	plan, err := grid.New(grid.Request{Mode: mode, X: &x, Y: &y, Count: size})
	require.NoError(t, err)
	out := make([]sampling.Sample, 0, plan.Len())
	for i, pt := range plan.Points() {
		s, err := sampling.NewSample(i, pt, 2, sampling.ReadingFromDelta(0.5, f(pt.X, pt.Y)))
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{0.01, 0.03, 0.02, 0.04})
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 0.025, s.Mean, 1e-12)
	assert.InDelta(t, 0.0111803398875, s.StdDev, 1e-9)
	assert.InDelta(t, 0.025, s.Median, 1e-12)
	assert.Equal(t, 0.01, s.Min)
	assert.Equal(t, 0.04, s.Max)
	assert.InDelta(t, 0.03, s.Range, 1e-12)

	assert.InDelta(t, 0.03, Summarize([]float64{0.05, 0.01, 0.03}).Median, 1e-12)
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestAnalyzeNeedsTwoSamples(t *testing.T) {
	samples := gridSamples(t, grid.RasterX, 2, func(x, y float64) float64 { return 0 })
	_, err := Analyze(samples[:1], grid.RasterX)
	assert.True(t, calerrors.Is(err, calerrors.ErrInsufficientData))
}

func TestAnalyzeTrend(t *testing.T) {
	// twist along X only
	samples := gridSamples(t, grid.SerpentineXY, 3, func(x, y float64) float64 { return 0.0002*x - 0.01 })
	a, err := Analyze(samples, grid.SerpentineXY)
	require.NoError(t, err)

	assert.True(t, a.TrendX.Significant)
	assert.InDelta(t, 1.0, a.TrendX.R, 1e-9)
	assert.InDelta(t, 0.0002, a.TrendX.Slope, 1e-12)
	assert.InDelta(t, -0.01, a.TrendX.Intercept, 1e-9)
	assert.InDelta(t, 0.0002*120-0.01, a.TrendX.At(120), 1e-9)

	// y carries no signal
	assert.False(t, a.TrendY.Significant)
	assert.InDelta(t, 0, a.TrendY.R, 1e-9)
	assert.Zero(t, a.TrendY.Slope)
}

func TestAnalyzeSpread(t *testing.T) {
	// column at x=220 varies 80µm along Y, the others 20µm
	samples := gridSamples(t, grid.RasterX, 3, func(x, y float64) float64 {
		if x == 220 {
			return 0.0004 * (y - 30)
		}
		return 0.0001 * (y - 30)
	})
	a, err := Analyze(samples, grid.RasterX)
	require.NoError(t, err)

	require.Len(t, a.Columns, 3)
	assert.Equal(t, []float64{20, 120, 220}, []float64{a.Columns[0].Position, a.Columns[1].Position, a.Columns[2].Position})
	assert.False(t, a.Columns[0].Flagged)
	assert.True(t, a.Columns[2].Flagged)
	assert.InDelta(t, 0.08, a.Columns[2].Range, 1e-12)
	assert.Equal(t, 1, Flagged(a.Columns))

	require.Len(t, a.Rows, 3)
	assert.Equal(t, 3, a.Rows[0].Count)
}

func TestSequenceNormalisesSerpentine(t *testing.T) {
	samples := gridSamples(t, grid.SerpentineXY, 3, func(x, y float64) float64 { return x / 1000 })
	a, err := Analyze(samples, grid.SerpentineXY)
	require.NoError(t, err)
	assert.Equal(t, "Row", a.GroupLabel)

	var deltas []float64
	var groups []int
	for _, sp := range a.Sequence {
		deltas = append(deltas, sp.Delta)
		groups = append(groups, sp.Group)
	}
	// every pass runs left to right
	assert.InDeltaSlice(t, []float64{0.02, 0.12, 0.22, 0.02, 0.12, 0.22, 0.02, 0.12, 0.22}, deltas, 1e-12)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, groups)
	// second pass was measured right to left
	assert.Equal(t, 5, a.Sequence[3].Index)

	raster := gridSamples(t, grid.RasterY, 2, func(x, y float64) float64 { return y / 1000 })
	a, err = Analyze(raster, grid.RasterY)
	require.NoError(t, err)
	assert.Equal(t, "Column", a.GroupLabel)
	assert.Equal(t, []int{0, 1, 2, 3}, []int{a.Sequence[0].Index, a.Sequence[1].Index, a.Sequence[2].Index, a.Sequence[3].Index})
}

func testSnapshot(t *testing.T, debug bool) *Snapshot {
	samples := gridSamples(t, grid.SerpentineXY, 3, func(x, y float64) float64 { return 0.0002*x + 0.00005*y })
	x := grid.Bounds{Min: 20, Max: 220}
	y := grid.Bounds{Min: 30, Max: 230}
	finished := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return &Snapshot{
		Meta: Meta{
			RunID:           "3f2a9c1e-8d44-4b0a-9a57-0c1d2e3f4a5b",
			Mode:            grid.SerpentineXY,
			X:               &x,
			Y:               &y,
			GridSize:        3,
			PointsCompleted: 9,
			TotalPoints:     9,
			ZHeight:         2,
			StartedAt:       finished.Add(-90 * time.Second),
			FinishedAt:      finished,
			Outcome:         "completed",
			Debug:           debug,
		},
		Samples: samples,
	}
}

func quietLogger() *log.Logger {
	l := log.New("report")
	l.SetWriter(&bytes.Buffer{})
	return l
}

func TestRendererWritesFolder(t *testing.T) {
	dir := t.TempDir()
	r := NewRenderer(dir, quietLogger())
	snap := testSnapshot(t, true)

	out, files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260314_092653_DEBUG_serpentine_xy_3f2a9c1e"), out)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Positive(t, info.Size(), f)
	}
	assert.Equal(t, []string{
		"meta.yaml", "samples.csv", "snapshot.json",
		"trend_x_DEBUG.png", "trend_y_DEBUG.png", "distribution_DEBUG.png",
		"sequence_DEBUG.png", "pattern_DEBUG.png", "report.html",
	}, names)

	raw, err := os.ReadFile(filepath.Join(out, "meta.yaml"))
	require.NoError(t, err)
	var meta struct {
		Meta     Meta     `yaml:"meta"`
		Analysis Analysis `yaml:"analysis"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &meta))
	assert.Equal(t, snap.Meta.RunID, meta.Meta.RunID)
	assert.Equal(t, 9, meta.Analysis.Summary.Count)
	assert.True(t, meta.Analysis.TrendX.Significant)

	f, err := os.Open(filepath.Join(out, "samples.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 10)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"0", "20", "30", "2", "0.5"}, rows[1][:5])

	html, err := os.ReadFile(filepath.Join(out, "report.html"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(html), "echarts"))
}

func TestRendererSkipsChartsWithoutData(t *testing.T) {
	dir := t.TempDir()
	r := NewRenderer(dir, quietLogger())
	snap := testSnapshot(t, false)
	snap.Samples = snap.Samples[:1]
	snap.Meta.Outcome = "aborted"
	snap.Table = &compensation.Table{Axis: compensation.AxisX, Values: []float64{0.01}, Start: 20, End: 220}

	out, files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.NotContains(t, out, "DEBUG")

	raw, err := os.ReadFile(filepath.Join(out, "meta.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "outcome: aborted")
	assert.Contains(t, string(raw), "table:")
	assert.NotContains(t, string(raw), "analysis:")
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := testSnapshot(t, false)
	snap.Table = &compensation.Table{Axis: compensation.AxisX, Values: []float64{1, 2}}
	c := snap.Clone()
	c.Samples[0].Delta = 99
	c.Meta.X.Min = -1
	c.Table.Values[0] = 99
	assert.NotEqual(t, 99.0, snap.Samples[0].Delta)
	assert.Equal(t, 20.0, snap.Meta.X.Min)
	assert.Equal(t, 1.0, snap.Table.Values[0])
	assert.Equal(t, 90*time.Second, snap.Meta.Duration())
}
