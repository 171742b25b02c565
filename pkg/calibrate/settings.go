// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibrate

import (
	"strings"
	"time"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/config"
	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/grid"
)

// Config sections read by LoadSettings.
const (
	SectionBeacon  = "beacon_axis_twist_compensation"
	SectionUtility = "gantry_twist_utility"
)

// Defaults for options absent from the config.
const (
	DefaultSampleCount     = 3
	DefaultSpeed           = 50.0
	DefaultHorizontalMoveZ = 5.0
	DefaultSettleDelay     = 1.0
	DefaultPointDelay      = 1.0

	DefaultGridSize    = 10
	DefaultUtilityZ    = 2.0
	DefaultTravelSpeed = 5000.0 // mm/min
	DefaultStart       = 22.0
	DefaultEnd         = 283.0
)

// AxisSettings drive the single-axis calibration of X and Y.
type AxisSettings struct {
	ZHeight     float64
	Speed       float64 // mm/s
	SettleDelay time.Duration
	PointDelay  time.Duration
	SampleCount int

	// Optional calibration lines. A nil field means the axis cannot be
	// calibrated until it is configured.
	StartX, EndX, CalibrateY *float64
	StartY, EndY, CalibrateX *float64
}

// UtilitySettings drive the compensation and grid analysis runs.
type UtilitySettings struct {
	X, Y        grid.Bounds
	CalibrateY  *float64
	GridSize    int
	ZHeight     float64
	SettleDelay time.Duration
	PointDelay  time.Duration
	TravelSpeed float64 // mm/min
	Mode        grid.Mode
}

// Settings is everything a run reads from the printer config.
type Settings struct {
	Axis    AxisSettings
	Utility UtilitySettings

	// Markers extend the default fatal fault markers.
	Markers []string
}

// Feedrate returns the utility travel speed in mm/s.
func (u UtilitySettings) Feedrate() float64 {
	return u.TravelSpeed / 60
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// LoadSettings reads the calibration options. [axis_twist_compensation]
// must exist; the other two sections are optional.
func LoadSettings(cfg *config.Config) (*Settings, error) {
	atc, err := cfg.GetSection(compensation.Section)
	if err != nil {
		return nil, err
	}
	beacon := optionalSection(cfg, SectionBeacon)
	util := optionalSection(cfg, SectionUtility)

	var s Settings
	if err := loadAxis(&s.Axis, atc, beacon); err != nil {
		return nil, err
	}
	if err := loadUtility(&s.Utility, util); err != nil {
		return nil, err
	}

	raw, err := util.Get("fatal_markers", "")
	if err != nil {
		return nil, err
	}
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			s.Markers = append(s.Markers, m)
		}
	}
	return &s, nil
}

func optionalSection(cfg *config.Config, name string) *config.Section {
	if sec := cfg.GetSectionOptional(name); sec != nil {
		return sec
	}
	return config.NewSection(name)
}

func loadAxis(a *AxisSettings, atc, beacon *config.Section) error {
	var err error
	if a.ZHeight, err = atc.GetFloat("horizontal_move_z", DefaultHorizontalMoveZ); err != nil {
		return err
	}
	if a.Speed, err = atc.GetFloatWithBounds("speed", config.FloatBounds{Above: config.Float(0)}, DefaultSpeed); err != nil {
		return err
	}
	for _, opt := range []struct {
		name string
		dst  **float64
	}{
		{"calibrate_start_x", &a.StartX},
		{"calibrate_end_x", &a.EndX},
		{"calibrate_y", &a.CalibrateY},
		{"calibrate_start_y", &a.StartY},
		{"calibrate_end_y", &a.EndY},
		{"calibrate_x", &a.CalibrateX},
	} {
		if *opt.dst, err = atc.GetFloatOptional(opt.name); err != nil {
			return err
		}
	}

	nonNeg := config.FloatBounds{MinVal: config.Float(0)}
	settle, err := beacon.GetFloatWithBounds("settle_delay", nonNeg, DefaultSettleDelay)
	if err != nil {
		return err
	}
	point, err := beacon.GetFloatWithBounds("point_delay", nonNeg, DefaultPointDelay)
	if err != nil {
		return err
	}
	a.SettleDelay, a.PointDelay = seconds(settle), seconds(point)

	a.SampleCount, err = beacon.GetIntWithBounds("sample_count",
		config.IntBounds{MinVal: config.Int(2), MaxVal: config.Int(10)}, DefaultSampleCount)
	return err
}

func loadUtility(u *UtilitySettings, sec *config.Section) error {
	ranges := []struct {
		name     string
		def      float64
		min, max float64
		dst      *float64
	}{
		{"calibrate_start_x", DefaultStart, 0, 280, &u.X.Min},
		{"calibrate_end_x", DefaultEnd, 20, 300, &u.X.Max},
		{"calibrate_start_y", DefaultStart, 20, 300, &u.Y.Min},
		{"calibrate_end_y", DefaultEnd, 20, 300, &u.Y.Max},
	}
	for _, r := range ranges {
		v, err := sec.GetFloatWithBounds(r.name, config.FloatBounds{MinVal: config.Float(r.min), MaxVal: config.Float(r.max)}, r.def)
		if err != nil {
			return err
		}
		*r.dst = v
	}
	if err := u.X.Validate("x"); err != nil {
		return err.(*calerrors.CalError).SetSection(sec.GetName())
	}
	if err := u.Y.Validate("y"); err != nil {
		return err.(*calerrors.CalError).SetSection(sec.GetName())
	}

	if sec.HasOption("calibrate_y") {
		v, err := sec.GetFloatWithBounds("calibrate_y", config.FloatBounds{MinVal: config.Float(20), MaxVal: config.Float(300)})
		if err != nil {
			return err
		}
		u.CalibrateY = &v
	}

	var err error
	if u.GridSize, err = sec.GetIntWithBounds("grid_size", config.IntBounds{MinVal: config.Int(2)}, DefaultGridSize); err != nil {
		return err
	}
	if u.ZHeight, err = sec.GetFloatWithBounds("horizontal_move_z",
		config.FloatBounds{MinVal: config.Float(1), MaxVal: config.Float(5)}, DefaultUtilityZ); err != nil {
		return err
	}
	nonNeg := config.FloatBounds{MinVal: config.Float(0)}
	settle, err := sec.GetFloatWithBounds("settle_delay", nonNeg, DefaultSettleDelay)
	if err != nil {
		return err
	}
	point, err := sec.GetFloatWithBounds("point_delay", nonNeg, DefaultPointDelay)
	if err != nil {
		return err
	}
	u.SettleDelay, u.PointDelay = seconds(settle), seconds(point)
	if u.TravelSpeed, err = sec.GetFloatWithBounds("travel_speed",
		config.FloatBounds{Above: config.Float(0), MaxVal: config.Float(20000)}, DefaultTravelSpeed); err != nil {
		return err
	}

	mode, err := sec.Get("sampling_direction", string(grid.SerpentineXY))
	if err != nil {
		return err
	}
	if u.Mode, err = grid.ParseMode(mode); err != nil {
		return err
	}
	if !u.Mode.IsGrid() {
		return calerrors.OptionError(sec.GetName(), "sampling_direction", "must be a grid mode")
	}
	return nil
}
