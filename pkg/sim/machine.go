// Simulated twisted gantry with a beacon style probe
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim provides a simulated gantry with a beacon style probe for
// dry runs and tests. The gantry twist is a configurable surface and
// faults can be injected at chosen probe calls.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/moonraker"
	"gantry-twist-go/pkg/sampling"
)

// Twist describes the simulated contact-minus-proximity offset, in mm,
// as a function of the toolhead position:
//
//	delta = SlopeX*(x-cx) + CurveX*u² + SlopeY*(y-cy) + noise
//
// where c is the bed centre and u is x normalised to [-1, 1].
type Twist struct {
	SlopeX float64 `yaml:"slope_x"`
	CurveX float64 `yaml:"curve_x"`
	SlopeY float64 `yaml:"slope_y"`
	Noise  float64 `yaml:"noise"` // standard deviation
}

// DefaultTwist is a gantry that dips 40µm towards one end of X.
var DefaultTwist = Twist{SlopeX: 0.0002, CurveX: -0.01, SlopeY: 0.00005, Noise: 0.002}

// Fault is injected at a probe compare call (1-based).
type Fault struct {
	// Message is returned as the compare error when set.
	Message string `yaml:"message"`
	// NoResult makes the compare succeed without data.
	NoResult bool `yaml:"no_result"`
	// OffPlate reports an infinite delta.
	OffPlate bool `yaml:"off_plate"`
}

// Config configures a Machine.
type Config struct {
	X, Y     grid.Bounds // travel limits
	ContactZ float64     // contact height at the bed centre
	Twist    Twist
	Seed     uint64

	// Faults by compare call number.
	Faults map[int]Fault

	// TimeScale multiplies real sleeps for dwells and moves. Zero never
	// sleeps.
	TimeScale float64

	// Runtime, when set, is exposed as the axis_twist_compensation object.
	Runtime *compensation.Runtime
}

// DefaultConfig is a 300mm square bed.
func DefaultConfig() Config {
	return Config{
		X:        grid.Bounds{Min: 0, Max: 300},
		Y:        grid.Bounds{Min: 0, Max: 300},
		ContactZ: 0.5,
		Twist:    DefaultTwist,
		Seed:     1,
	}
}

// Machine is the simulated printer. It implements sampling.Motion,
// sampling.Probe and calibrate.Homer directly, and moonraker.Printer
// through Printer.
type Machine struct {
	cfg Config
	log *log.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	pos      [3]float64
	homed    bool
	compares int
	last     map[string]any
	state    string
}

// New creates a machine from cfg.
func New(cfg Config, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.GetLogger("sim")
	}
	return &Machine{
		cfg:   cfg,
		log:   logger,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		state: "ready",
	}
}

// Delta returns the noiseless offset at x, y.
func (m *Machine) Delta(x, y float64) float64 {
	t := m.cfg.Twist
	cx, cy := m.cfg.X.Mid(), m.cfg.Y.Mid()
	u := (x - cx) / ((m.cfg.X.Max - m.cfg.X.Min) / 2)
	return t.SlopeX*(x-cx) + t.CurveX*u*u + t.SlopeY*(y-cy)
}

func (m *Machine) checkReady() error {
	if m.state != "ready" {
		return errors.New("Printer is not ready")
	}
	return nil
}

// MoveTo implements sampling.Motion.
func (m *Machine) MoveTo(ctx context.Context, x, y, z, feedrate float64) error {
	m.mu.Lock()
	if err := m.checkReady(); err != nil {
		m.mu.Unlock()
		return err
	}
	if !m.homed {
		m.mu.Unlock()
		return errors.New("Must home axis first")
	}
	if x < m.cfg.X.Min || x > m.cfg.X.Max || y < m.cfg.Y.Min || y > m.cfg.Y.Max {
		m.mu.Unlock()
		return fmt.Errorf("Move out of range: %.3f %.3f %.3f [0.000]", x, y, z)
	}
	dist := math.Hypot(x-m.pos[0], y-m.pos[1])
	m.pos = [3]float64{x, y, z}
	m.mu.Unlock()

	if feedrate > 0 {
		return m.sleep(ctx, time.Duration(dist/feedrate*float64(time.Second)))
	}
	return nil
}

// WaitMoves implements sampling.Motion.
func (m *Machine) WaitMoves(ctx context.Context) error {
	return ctx.Err()
}

// Dwell implements sampling.Motion.
func (m *Machine) Dwell(ctx context.Context, d time.Duration) error {
	return m.sleep(ctx, d)
}

func (m *Machine) sleep(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) * m.cfg.TimeScale)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Home implements calibrate.Homer. The toolhead ends at the bed centre,
// raised 10mm.
func (m *Machine) Home(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return err
	}
	m.homed = true
	m.pos = [3]float64{m.cfg.X.Mid(), m.cfg.Y.Mid(), 10}
	return ctx.Err()
}

// HomePosition implements calibrate.Homer.
func (m *Machine) HomePosition(context.Context) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.homed {
		return 0, 0, errors.New("Must home axis first")
	}
	return m.pos[0], m.pos[1], nil
}

// Compare implements sampling.Probe.
func (m *Machine) Compare(ctx context.Context) (*sampling.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.compares++
	if f, ok := m.cfg.Faults[m.compares]; ok {
		m.log.Debug("injecting fault at compare %d: %+v", m.compares, f)
		switch {
		case f.Message != "":
			if isShutdown(f.Message) {
				m.state = "shutdown"
			}
			return nil, errors.New(f.Message)
		case f.NoResult:
			m.last = nil
			return nil, nil
		case f.OffPlate:
			r := sampling.Reading{Contact: m.cfg.ContactZ, Proximity: math.Inf(-1)}
			return &r, nil
		}
	}

	x, y := m.pos[0], m.pos[1]
	delta := m.Delta(x, y) + m.rng.NormFloat64()*m.cfg.Twist.Noise
	contact := m.cfg.ContactZ + m.rng.NormFloat64()*m.cfg.Twist.Noise/4
	m.last = map[string]any{
		"position": []float64{x, y, contact},
		"delta":    delta,
	}
	r := sampling.ReadingFromDelta(contact, delta)
	return &r, ctx.Err()
}

// Compares returns the number of compare calls made.
func (m *Machine) Compares() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compares
}

// State returns the klippy state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restart clears a shutdown, as FIRMWARE_RESTART would.
func (m *Machine) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = "ready"
	m.homed = false
}

func isShutdown(msg string) bool {
	for _, s := range []string{"shutdown", "Timer too close", "Lost communication"} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Printer exposes the machine through the Moonraker API: G-code for
// motion and probing, and the toolhead and beacon objects.
func (m *Machine) Printer() *moonraker.PrinterAdapter {
	pa := moonraker.NewPrinterAdapter()
	ctx := context.Background()

	move := func(args map[string]string) error {
		m.mu.Lock()
		target := m.pos
		m.mu.Unlock()
		var feed float64
		for i, axis := range []string{"X", "Y", "Z"} {
			if v, ok := args[axis]; ok {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("Unable to parse move '%s%s'", axis, v)
				}
				target[i] = f
			}
		}
		if v, ok := args["F"]; ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				return fmt.Errorf("Invalid speed in 'F%s'", v)
			}
			feed = f / 60
		}
		return m.MoveTo(ctx, target[0], target[1], target[2], feed)
	}
	pa.RegisterCommand("G1", move)
	pa.RegisterCommand("G0", move)
	pa.RegisterCommand("G4", func(args map[string]string) error {
		ms, _ := strconv.ParseFloat(args["P"], 64)
		return m.Dwell(ctx, time.Duration(ms*float64(time.Millisecond)))
	})
	pa.RegisterCommand("G28", func(map[string]string) error { return m.Home(ctx) })
	pa.RegisterCommand("G90", func(map[string]string) error { return nil })
	pa.RegisterCommand("M400", func(map[string]string) error { return m.WaitMoves(ctx) })
	pa.RegisterCommand("BEACON_OFFSET_COMPARE", func(map[string]string) error {
		r, err := m.Compare(ctx)
		if err != nil {
			return err
		}
		if r != nil && math.IsInf(r.Proximity, 0) {
			// infinite values do not survive JSON; report the condition
			return errors.New("Beacon delta was infinite, perhaps it scanned off the build plate")
		}
		return nil
	})
	pa.RegisterCommand("FIRMWARE_RESTART", func(map[string]string) error {
		m.Restart()
		return nil
	})

	pa.RegisterStatusProvider("toolhead", func() map[string]any {
		m.mu.Lock()
		defer m.mu.Unlock()
		homed := ""
		if m.homed {
			homed = "xyz"
		}
		return map[string]any{
			"position":     []float64{m.pos[0], m.pos[1], m.pos[2], 0},
			"homed_axes":   homed,
			"axis_minimum": []float64{m.cfg.X.Min, m.cfg.Y.Min, 0, 0},
			"axis_maximum": []float64{m.cfg.X.Max, m.cfg.Y.Max, 50, 0},
		}
	})
	pa.RegisterStatusProvider("beacon", func() map[string]any {
		m.mu.Lock()
		defer m.mu.Unlock()
		return map[string]any{"last_offset_result": m.last}
	})
	if rt := m.cfg.Runtime; rt != nil {
		pa.RegisterStatusProvider(compensation.Section, rt.Status)
	}
	pa.SetKlippyStateGetter(m.State)
	pa.SetEmergencyStopHandler(func() {
		m.mu.Lock()
		m.state = "shutdown"
		m.mu.Unlock()
	})
	return pa
}
