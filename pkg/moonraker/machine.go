package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/log"
	"gantry-twist-go/pkg/sampling"
)

// Caller is the subset of Client used by Machine.
type Caller interface {
	Script(ctx context.Context, script string) error
	QueryObjects(ctx context.Context, objects map[string][]string) (map[string]json.RawMessage, error)
}

// MachineConfig names the probe object and compare command.
type MachineConfig struct {
	ProbeObject    string // default "beacon"
	CompareCommand string // default "BEACON_OFFSET_COMPARE"
}

// Machine drives a Klipper printer through Moonraker. It implements
// sampling.Motion, sampling.Probe and calibrate.Homer.
type Machine struct {
	rpc Caller
	cfg MachineConfig
	log *log.Logger
}

// NewMachine wraps rpc.
func NewMachine(rpc Caller, cfg MachineConfig, logger *log.Logger) *Machine {
	if cfg.ProbeObject == "" {
		cfg.ProbeObject = "beacon"
	}
	if cfg.CompareCommand == "" {
		cfg.CompareCommand = "BEACON_OFFSET_COMPARE"
	}
	if logger == nil {
		logger = log.GetLogger("moonraker")
	}
	return &Machine{rpc: rpc, cfg: cfg, log: logger}
}

// MoveTo issues an absolute G1 move. feedrate is in mm/s.
func (m *Machine) MoveTo(ctx context.Context, x, y, z, feedrate float64) error {
	return m.rpc.Script(ctx, fmt.Sprintf("G1 X%.3f Y%.3f Z%.3f F%.0f", x, y, z, feedrate*60))
}

// WaitMoves waits for the move queue to drain.
func (m *Machine) WaitMoves(ctx context.Context) error {
	return m.rpc.Script(ctx, "M400")
}

// Dwell pauses the toolhead. Non-positive durations are skipped.
func (m *Machine) Dwell(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return m.rpc.Script(ctx, fmt.Sprintf("G4 P%d", d.Milliseconds()))
}

// Home homes all axes and selects absolute positioning.
func (m *Machine) Home(ctx context.Context) error {
	if err := m.rpc.Script(ctx, "G28"); err != nil {
		return err
	}
	return m.rpc.Script(ctx, "G90")
}

// HomePosition returns the current toolhead XY.
func (m *Machine) HomePosition(ctx context.Context) (float64, float64, error) {
	status, err := m.rpc.QueryObjects(ctx, map[string][]string{"toolhead": {"position"}})
	if err != nil {
		return 0, 0, err
	}
	var th struct {
		Position []float64 `json:"position"`
	}
	if raw, ok := status["toolhead"]; ok {
		if err := json.Unmarshal(raw, &th); err != nil {
			return 0, 0, fmt.Errorf("decode toolhead status: %w", err)
		}
	}
	if len(th.Position) < 2 {
		return 0, 0, fmt.Errorf("toolhead position unavailable")
	}
	return th.Position[0], th.Position[1], nil
}

// offsetResult is the probe's last compare:
// {"position": [x, y, contact_z], "delta": contact_z - proximity_z}.
type offsetResult struct {
	Position []float64 `json:"position"`
	Delta    *float64  `json:"delta"`
}

// Compare runs the compare command and reads the probe's result. A
// missing or empty result returns nil, nil.
func (m *Machine) Compare(ctx context.Context) (*sampling.Reading, error) {
	if err := m.rpc.Script(ctx, m.cfg.CompareCommand); err != nil {
		return nil, err
	}
	status, err := m.rpc.QueryObjects(ctx, map[string][]string{m.cfg.ProbeObject: {"last_offset_result"}})
	if err != nil {
		return nil, err
	}
	raw, ok := status[m.cfg.ProbeObject]
	if !ok {
		return nil, nil
	}
	var obj struct {
		Last *offsetResult `json:"last_offset_result"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode %s status: %w", m.cfg.ProbeObject, err)
	}
	if obj.Last == nil || obj.Last.Delta == nil || len(obj.Last.Position) < 3 {
		return nil, nil
	}
	delta := *obj.Last.Delta
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return nil, calerrors.InvalidReadingError(
			fmt.Sprintf("probe delta was %v, perhaps it scanned off the build plate", delta))
	}
	r := sampling.ReadingFromDelta(obj.Last.Position[2], delta)
	m.log.Debug("compare: contact=%.6f delta=%.6f", obj.Last.Position[2], delta)
	return &r, nil
}
