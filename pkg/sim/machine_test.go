package sim

import (
	"bytes"
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry-twist-go/pkg/calibrate"
	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/config"
	"gantry-twist-go/pkg/fault"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/moonraker"
)

func quiet(name string) *log.Logger {
	l := log.New(name)
	l.SetWriter(&bytes.Buffer{})
	return l
}

func TestMachineRequiresHoming(t *testing.T) {
	m := New(DefaultConfig(), quiet("sim"))
	ctx := context.Background()

	err := m.MoveTo(ctx, 10, 10, 5, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Must home")

	require.NoError(t, m.Home(ctx))
	x, y, err := m.HomePosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150.0, x)
	assert.Equal(t, 150.0, y)

	err = m.MoveTo(ctx, 301, 10, 5, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Move out of range")
	assert.False(t, fault.IsFatal(err))
}

func TestMachineCompareFollowsTwist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Twist.Noise = 0
	m := New(cfg, quiet("sim"))
	ctx := context.Background()
	require.NoError(t, m.Home(ctx))

	for _, x := range []float64{0, 75, 150, 225, 300} {
		require.NoError(t, m.MoveTo(ctx, x, 40, 5, 0))
		r, err := m.Compare(ctx)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.InDelta(t, m.Delta(x, 40), r.Contact-r.Proximity, 1e-12, "x=%v", x)
	}
	assert.Equal(t, 5, m.Compares())
	assert.InDelta(t, 0, m.Delta(150, 150), 1e-12)
	assert.InDelta(t, -0.01, m.Delta(0, 150)+0.0002*150, 1e-12)
}

func TestMachineFaultInjection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Faults = map[int]Fault{
		1: {Message: "Probe triggered prior to movement"},
		2: {NoResult: true},
		3: {OffPlate: true},
		4: {Message: "MCU 'mcu' shutdown: Timer too close"},
	}
	m := New(cfg, quiet("sim"))
	ctx := context.Background()
	require.NoError(t, m.Home(ctx))

	_, err := m.Compare(ctx)
	require.Error(t, err)
	assert.False(t, fault.IsFatal(err))

	r, err := m.Compare(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = m.Compare(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, math.IsInf(r.Proximity, -1))

	_, err = m.Compare(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
	assert.Equal(t, "shutdown", m.State())

	_, err = m.Compare(ctx)
	assert.ErrorContains(t, err, "not ready")

	m.Restart()
	assert.Equal(t, "ready", m.State())
}

func TestMachineDwellHonoursContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeScale = 1
	m := New(cfg, quiet("sim"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Dwell(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

const simCfg = `
[axis_twist_compensation]
speed: 200
horizontal_move_z: 5
calibrate_start_x: 30
calibrate_end_x: 270
calibrate_y: 150

[beacon_axis_twist_compensation]
settle_delay: 0
point_delay: 0
sample_count: 5
`

// TestCalibrationOverMoonraker drives an axis run against the simulator
// served over the Moonraker websocket API.
func TestCalibrationOverMoonraker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Twist.Noise = 0
	rt := compensation.NewRuntime()
	cfg.Runtime = rt
	m := New(cfg, quiet("sim"))

	srv := moonraker.NewServer(moonraker.Config{Printer: m.Printer(), Logger: quiet("moonraker")})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := moonraker.Dial(ctx, moonraker.ClientConfig{
		URL:    "ws://" + ln.Addr().String() + "/websocket",
		Logger: quiet("moonraker"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	remote := moonraker.NewMachine(client, moonraker.MachineConfig{}, quiet("moonraker"))
	require.NoError(t, remote.Home(ctx))

	printerCfg, err := config.LoadString(simCfg)
	require.NoError(t, err)
	settings, err := calibrate.LoadSettings(printerCfg)
	require.NoError(t, err)
	logger := quiet("calibrate")
	orch, err := calibrate.New(settings, calibrate.Deps{
		Motion:  remote,
		Probe:   remote,
		Homer:   remote,
		Writer:  compensation.NewWriter(config.NewAutosaveConfig(printerCfg, ""), rt, logger),
		Runtime: rt,
		Logger:  logger,
	})
	require.NoError(t, err)

	res, err := orch.Run(ctx, calibrate.Request{Mode: grid.AxisX})
	require.NoError(t, err)
	assert.Equal(t, calibrate.StateCompleted, res.State)
	require.NotNil(t, res.Table)
	require.Len(t, res.Table.Values, 5)
	for i, v := range res.Table.Values {
		x := grid.Position(grid.Bounds{Min: 30, Max: 270}, i, 5)
		assert.InDelta(t, m.Delta(x, 150), v, 1e-9, "point %d", i)
	}
	assert.Equal(t, 5, m.Compares())
	assert.Same(t, res.Table, rt.Table(compensation.AxisX))

	status, err := client.QueryObjects(ctx, map[string][]string{compensation.Section: nil})
	require.NoError(t, err)
	assert.Contains(t, string(status[compensation.Section]), "z_compensations")
}
