package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry-twist-go/pkg/history"
)

const testPrinterCfg = `[printer]
kinematics: corexy

[axis_twist_compensation]
speed: 200
horizontal_move_z: 5
calibrate_start_x: 30
calibrate_end_x: 270
calibrate_y: 150

[beacon_axis_twist_compensation]
settle_delay: 0
point_delay: 0
sample_count: 4

[gantry_twist_utility]
calibrate_start_x: 20
calibrate_end_x: 280
calibrate_start_y: 20
calibrate_end_y: 280
grid_size: 3
settle_delay: 0
point_delay: 0
`

type env struct {
	dir     string
	cfg     string
	db      string
	reports string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:     dir,
		cfg:     filepath.Join(dir, "printer.cfg"),
		db:      filepath.Join(dir, "history.db"),
		reports: filepath.Join(dir, "reports"),
	}
	require.NoError(t, os.WriteFile(e.cfg, []byte(testPrinterCfg), 0644))
	return e
}

func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", e.cfg, "--history", e.db, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestAxisRunSavesTable(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "axis", "x", "--simulate", "--save", "--no-plots", "--output", e.reports)
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 4/4 points")
	assert.Contains(t, out, "compensation_start_x: 30")
	assert.Contains(t, out, "Saved [axis_twist_compensation]")

	data, err := os.ReadFile(e.cfg)
	require.NoError(t, err)
	saved := string(data)
	assert.True(t, strings.HasPrefix(saved, "[printer]"), "user config must be preserved")
	assert.Contains(t, saved, "#*# [axis_twist_compensation]")
	assert.Contains(t, saved, "#*# z_compensations = ")
	assert.Contains(t, saved, "#*# compensation_end_x = 270")

	entries, err := os.ReadDir(e.reports)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "_axis_x_")

	out, err = e.run(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "axis_x")
	assert.Contains(t, out, "completed*")
}

func TestAxisYNeedsCalibrationLine(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "axis", "y", "--simulate", "--output", "")
	assert.ErrorContains(t, err, "calibrate_start_y")
	assert.NotContains(t, out, "Saved")

	data, err := os.ReadFile(e.cfg)
	require.NoError(t, err)
	assert.Equal(t, testPrinterCfg, string(data))
}

func TestGridRunRecordsHistory(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "grid", "serpentine_xy", "--simulate", "--output", "", "--debug")
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 9/9 points")
	assert.NotContains(t, out, "--save")

	store, err := history.Open(e.db, nil)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.List(t.Context(), history.ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Debug)
	assert.False(t, runs[0].HasTable)

	out, err = e.run(t, "history", "show", runs[0].RunID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Mode:     serpentine_xy")
	assert.Contains(t, out, "Points:   9/9 completed, 0 failed")

	out, err = e.run(t, "history", "show", runs[0].RunID, "--csv")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 10)

	out, err = e.run(t, "history", "delete", runs[0].RunID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted "+runs[0].RunID)
	out, err = e.run(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestSaveConfigFromHistory(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "axis", "x", "--simulate", "--output", "")
	require.NoError(t, err)
	assert.Contains(t, out, "Run again with --save")
	assert.NotContains(t, out, "SAVE_CONFIG on the printer")
	assert.Contains(t, out, "to write it to "+e.cfg)

	store, err := history.Open(e.db, nil)
	require.NoError(t, err)
	runs, err := store.List(t.Context(), history.ListOptions{})
	store.Close()
	require.NoError(t, err)
	require.Len(t, runs, 1)

	out, err = e.run(t, "save-config", runs[0].RunID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Saved x table of run "+runs[0].RunID)

	data, err := os.ReadFile(e.cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#*# compensation_start_x = 30")
}

func TestSaveConfigNeedsTable(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "grid", "raster_x", "--simulate", "--output", "")
	require.NoError(t, err)

	store, err := history.Open(e.db, nil)
	require.NoError(t, err)
	runs, err := store.List(t.Context(), history.ListOptions{})
	store.Close()
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = e.run(t, "save-config", runs[0].RunID)
	assert.ErrorContains(t, err, "has no compensation table")
}

func TestGridRejectsAxisMode(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "grid", "axis_x", "--simulate")
	assert.ErrorContains(t, err, "not a grid mode")
}

func TestSimProfile(t *testing.T) {
	e := newEnv(t)
	profile := filepath.Join(e.dir, "sim.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
seed: 7
twist:
  slope_x: 0.001
faults:
  2:
    message: "Lost communication with MCU 'mcu'"
`), 0644))

	out, err := e.run(t, "axis", "x", "--simulate", "--sim-profile", profile, "--output", "")
	assert.Error(t, err)
	assert.Contains(t, out, "aborted")
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	printRuns(&buf, nil, now)
	assert.Equal(t, "No runs recorded.\n", buf.String())

	buf.Reset()
	r := history.Run{}
	r.RunID = "0123456789abcdef"
	r.Mode = "axis_x"
	r.Outcome = "completed"
	r.PointsCompleted, r.TotalPoints = 5, 5
	r.FinishedAt = now.Add(-3 * time.Hour)
	r.Mean.Float64, r.Mean.Valid = 0.0125, true
	r.HasTable = true
	printRuns(&buf, []history.Run{r}, now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "01234567  axis_x"))
	assert.Contains(t, lines[1], "completed*")
	assert.Contains(t, lines[1], "+0.0125")
	assert.Contains(t, lines[1], "3 hours ago")
}
