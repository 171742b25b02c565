package calibrate

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/config"
	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/report"
	"gantry-twist-go/pkg/sampling"
)

const benchCfg = `
[printer]
kinematics: corexy

[axis_twist_compensation]
speed: 100
horizontal_move_z: 3
calibrate_start_x: 20
calibrate_end_x: 220
calibrate_y: 110

[beacon_axis_twist_compensation]
settle_delay: 0
point_delay: 0
sample_count: 5

[gantry_twist_utility]
calibrate_start_x: 20
calibrate_end_x: 220
calibrate_start_y: 30
calibrate_end_y: 230
grid_size: 3
settle_delay: 0
point_delay: 0
`

// bench is a scripted machine. compare returns the reading for call n
// (1-based); nil script entries fall back to a fixed offset.
type bench struct {
	mu       sync.Mutex
	moves    []grid.Point
	compares int
	homed    int
	homeY    float64
	homeErr  error

	compare func(n int) (*sampling.Reading, error)
}

func (b *bench) MoveTo(_ context.Context, x, y, _, _ float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moves = append(b.moves, grid.Point{X: x, Y: y})
	return nil
}

func (b *bench) WaitMoves(context.Context) error             { return nil }
func (b *bench) Dwell(context.Context, time.Duration) error { return nil }

func (b *bench) Compare(context.Context) (*sampling.Reading, error) {
	b.mu.Lock()
	b.compares++
	n := b.compares
	b.mu.Unlock()
	if b.compare != nil {
		return b.compare(n)
	}
	r := sampling.ReadingFromDelta(1.5, 0.001*float64(n))
	return &r, nil
}

func (b *bench) Home(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.homed++
	return b.homeErr
}

func (b *bench) HomePosition(context.Context) (float64, float64, error) {
	return 150, b.homeY, nil
}

type collecting struct {
	mu    sync.Mutex
	snaps []*report.Snapshot
}

func (c *collecting) Consume(_ context.Context, s *report.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	bench    *bench
	stager   *config.AutosaveConfig
	runtime  *compensation.Runtime
	consumer *collecting
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, cfgText string, b *bench) *fixture {
	t.Helper()
	cfg, err := config.LoadString(cfgText)
	require.NoError(t, err)
	settings, err := LoadSettings(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := log.New("calibrate")
	logger.SetWriter(&buf)

	stager := config.NewAutosaveConfig(cfg, "")
	rt := compensation.NewRuntime()
	consumer := &collecting{}
	orch, err := New(settings, Deps{
		Motion:    b,
		Probe:     b,
		Homer:     b,
		Writer:    compensation.NewWriter(stager, rt, logger),
		Runtime:   rt,
		Consumers: []Consumer{consumer},
		Logger:    logger,
	})
	require.NoError(t, err)
	return &fixture{orch: orch, bench: b, stager: stager, runtime: rt, consumer: consumer, logs: &buf}
}

func TestAxisRunWritesTable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, benchCfg, &bench{})
	res, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 5, res.Stats.Completed)
	require.NotNil(t, res.Table)
	assert.Same(t, res.Table, f.runtime.Table(compensation.AxisX))
	assert.False(t, f.runtime.Suspended(compensation.AxisX))
	assert.Equal(t, 20.0, res.Table.Start)
	assert.Equal(t, 220.0, res.Table.End)

	pending := f.stager.PendingChanges()[compensation.Section]
	assert.Equal(t, "0.001000, 0.002000, 0.003000, 0.004000, 0.005000", pending["z_compensations"])
	assert.Equal(t, "20", pending["compensation_start_x"])

	require.Len(t, f.consumer.snaps, 1)
	snap := f.consumer.snaps[0]
	assert.Equal(t, res.RunID, snap.Meta.RunID)
	assert.Equal(t, "completed", snap.Meta.Outcome)
	assert.Len(t, snap.Samples, 5)
	assert.Equal(t, 3.0, snap.Meta.ZHeight)

	st := f.orch.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, StateCompleted, st.LastState)
	assert.Equal(t, 5, st.Completed)
}

func TestFatalFaultAbortsWithoutTable(t *testing.T) {
	t.Parallel()

	b := &bench{compare: func(n int) (*sampling.Reading, error) {
		if n == 3 {
			return nil, errors.New("MCU 'mcu' shutdown: Timer too close")
		}
		r := sampling.ReadingFromDelta(1, 0.01)
		return &r, nil
	}}
	f := newFixture(t, benchCfg, b)
	old := &compensation.Table{Axis: compensation.AxisX, Values: []float64{0.5, 0.5}, Start: 0, End: 1}
	f.runtime.SetTable(old)

	res, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.Error(t, err)
	f.orch.Wait()

	assert.True(t, calerrors.IsFatal(err))
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 2, res.Stats.Completed)
	assert.Equal(t, 2, res.Stats.NotAttempted)
	assert.Nil(t, res.Table)
	assert.Len(t, b.moves, 3)

	assert.Same(t, old, f.runtime.Table(compensation.AxisX))
	assert.False(t, f.runtime.Suspended(compensation.AxisX))
	assert.False(t, f.stager.HasChanges())

	require.Len(t, f.consumer.snaps, 1)
	assert.Equal(t, "aborted", f.consumer.snaps[0].Meta.Outcome)
	assert.Len(t, f.consumer.snaps[0].Samples, 2)

	st := f.orch.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, StateAborted, st.LastState)
	assert.Contains(t, st.LastError, "Timer too close")
}

func TestCancelAfterSecondPoint(t *testing.T) {
	t.Parallel()

	var orch *Orchestrator
	b := &bench{}
	b.compare = func(n int) (*sampling.Reading, error) {
		if n == 2 {
			orch.Cancel()
		}
		r := sampling.ReadingFromDelta(1, 0.02)
		return &r, nil
	}
	f := newFixture(t, benchCfg, b)
	orch = f.orch

	res, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 2, res.Stats.Completed)
	assert.Equal(t, 3, res.Stats.NotAttempted)
	assert.Nil(t, res.Table)
	assert.Nil(t, f.runtime.Table(compensation.AxisX))
	assert.Len(t, b.moves, 2)
	assert.Equal(t, StateIdle, f.orch.Status().State)

	// a later run is not affected by the earlier cancel
	b.compare = nil
	res, err = f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
}

func TestSecondRunIsRejected(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	b := &bench{compare: func(n int) (*sampling.Reading, error) {
		if n == 1 {
			close(entered)
			<-release
		}
		r := sampling.ReadingFromDelta(1, 0)
		return &r, nil
	}}
	f := newFixture(t, benchCfg, b)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
		done <- err
	}()
	<-entered

	_, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	assert.True(t, calerrors.Is(err, calerrors.ErrRunInProgress))
	assert.Equal(t, StateRunning, f.orch.Status().State)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, f.orch.Status().State)
}

func TestCompensateHomesAndUsesHomeY(t *testing.T) {
	t.Parallel()

	b := &bench{homeY: 140}
	f := newFixture(t, benchCfg, b)

	res, err := f.orch.Run(context.Background(), Request{Mode: grid.HomeRowMode})
	require.NoError(t, err)

	assert.Equal(t, 1, b.homed)
	require.Len(t, b.moves, 3)
	for _, m := range b.moves {
		assert.Equal(t, 140.0, m.Y)
	}
	assert.Equal(t, []float64{20, 120, 220}, []float64{b.moves[0].X, b.moves[1].X, b.moves[2].X})
	require.NotNil(t, res.Table)
	assert.Equal(t, compensation.AxisX, res.Table.Axis)
	assert.Len(t, res.Table.Values, 3)
}

func TestCompensatePrefersCalibrateY(t *testing.T) {
	t.Parallel()

	b := &bench{homeY: 140}
	f := newFixture(t, benchCfg+"calibrate_y: 100\n", b)
	_, err := f.orch.Run(context.Background(), Request{Mode: grid.HomeRowMode, GridSize: 4})
	require.NoError(t, err)
	require.Len(t, b.moves, 4)
	assert.Equal(t, 100.0, b.moves[0].Y)
}

func TestHomingFailureAborts(t *testing.T) {
	t.Parallel()

	b := &bench{homeErr: errors.New("Lost communication with MCU 'mcu'")}
	f := newFixture(t, benchCfg, b)
	res, err := f.orch.Run(context.Background(), Request{Mode: grid.HomeRowMode})
	require.Error(t, err)
	assert.True(t, calerrors.IsFatal(err))
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, b.moves)
	assert.Equal(t, StateIdle, f.orch.Status().State)
}

func TestGridRunTruncatesWithoutTable(t *testing.T) {
	t.Parallel()

	b := &bench{compare: func(n int) (*sampling.Reading, error) {
		if n == 5 {
			return nil, nil
		}
		r := sampling.ReadingFromDelta(1, 0.003)
		return &r, nil
	}}
	f := newFixture(t, benchCfg, b)

	res, err := f.orch.Run(context.Background(), Request{Mode: grid.SerpentineXY})
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, res.Stats.Truncated)
	assert.Equal(t, 4, res.Stats.Completed)
	assert.Equal(t, 9, res.Stats.TotalPlanned)
	assert.Nil(t, res.Table)
	assert.False(t, f.stager.HasChanges())

	require.Len(t, f.consumer.snaps, 1)
	assert.Equal(t, 3, f.consumer.snaps[0].Meta.GridSize)
	assert.Len(t, f.consumer.snaps[0].Samples, 4)
}

func TestPartialAxisRunDoesNotWrite(t *testing.T) {
	t.Parallel()

	b := &bench{compare: func(n int) (*sampling.Reading, error) {
		if n == 2 {
			return nil, errors.New("probe triggered prior to movement")
		}
		r := sampling.ReadingFromDelta(1, 0.003)
		return &r, nil
	}}
	f := newFixture(t, benchCfg, b)
	res, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Stats.Failed)
	assert.Nil(t, res.Table)
	assert.False(t, f.stager.HasChanges())
	assert.Contains(t, f.logs.String(), "Compensation not applied: 4/5 points measured")
}

type runEvents struct {
	mu       sync.Mutex
	started  []grid.Mode
	finished []State
}

func (e *runEvents) ObservePoint(string, time.Duration) {}
func (e *runEvents) TableWritten(*compensation.Table)   {}

func (e *runEvents) RunStarted(mode grid.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, mode)
}

func (e *runEvents) RunFinished(_ grid.Mode, state State, _ time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, state)
}

func TestAxisYRequiresCalibrationLine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, benchCfg, &bench{})
	events := &runEvents{}
	f.orch.deps.Observer = events

	res, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisY})
	require.Error(t, err)
	assert.True(t, calerrors.IsConfig(err))
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "calibrate_start_y, calibrate_end_y and calibrate_x")

	st := f.orch.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.RunID)
	assert.Empty(t, st.LastState)
	assert.Empty(t, events.started)
	assert.Empty(t, events.finished)
	f.orch.Wait()
	assert.Empty(t, f.consumer.snaps)
}

func TestInvalidRequestsNeverStart(t *testing.T) {
	t.Parallel()

	b := &bench{}
	f := newFixture(t, benchCfg, b)
	events := &runEvents{}
	f.orch.deps.Observer = events

	for _, req := range []Request{
		{Mode: "diagonal"},
		{Mode: grid.AxisX, SampleCount: 1},
		{Mode: grid.HomeRowMode, GridSize: 1},
		{Mode: grid.RasterX, GridSize: 1},
	} {
		res, err := f.orch.Run(context.Background(), req)
		assert.True(t, calerrors.IsConfig(err), "%+v: %v", req, err)
		assert.Nil(t, res)
	}
	assert.Zero(t, b.homed, "an invalid compensate request must not home")
	assert.Empty(t, b.moves)
	assert.Empty(t, events.started)
	assert.Empty(t, f.orch.Status().LastState)

	_, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.NoError(t, err)
	assert.Equal(t, []grid.Mode{grid.AxisX}, events.started)
	assert.Equal(t, []State{StateCompleted}, events.finished)
}

func TestNewRequiresWriter(t *testing.T) {
	cfg, err := config.LoadString(benchCfg)
	require.NoError(t, err)
	settings, err := LoadSettings(cfg)
	require.NoError(t, err)
	b := &bench{}
	rt := compensation.NewRuntime()

	_, err = New(settings, Deps{Motion: b, Probe: b, Runtime: rt})
	assert.True(t, calerrors.IsConfig(err))
	assert.Nil(t, rt.Table(compensation.AxisX))

	writer := compensation.NewWriter(config.NewAutosaveConfig(cfg, ""), rt, nil)
	_, err = New(settings, Deps{Motion: b, Probe: b, Writer: writer, Runtime: compensation.NewRuntime()})
	assert.True(t, calerrors.IsConfig(err), "a runtime other than the writer's must be rejected")

	orch, err := New(settings, Deps{Motion: b, Probe: b, Writer: writer})
	require.NoError(t, err)
	res, err := orch.Run(context.Background(), Request{Mode: grid.AxisX})
	require.NoError(t, err)
	assert.Same(t, res.Table, rt.Table(compensation.AxisX))
}

func TestSampleCountOverride(t *testing.T) {
	t.Parallel()

	f := newFixture(t, benchCfg, &bench{})
	_, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX, SampleCount: 11})
	assert.True(t, calerrors.IsConfig(err))

	res, err := f.orch.Run(context.Background(), Request{Mode: grid.AxisX, SampleCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.TotalPlanned)
}
