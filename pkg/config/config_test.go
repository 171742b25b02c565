package config

import (
	"os"
	"path/filepath"
	"testing"

	calerrors "gantry-twist-go/pkg/errors"
)

const printerCfg = `
[printer]
kinematics: corexy   # trailing comment
max_velocity = 300

[axis_twist_compensation]
horizontal_move_z: 5
speed: 50
calibrate_start_x: 20
calibrate_end_x: 200
calibrate_y: 112.5
calibrate_start_y: 20
calibrate_end_y: 205

[gantry_twist_utility]
grid_size: 7
enable_debug: yes
sampling_direction: serpentine_xy

#*# <---------------------- SAVE_CONFIG ---------------------->
#*# DO NOT EDIT THIS BLOCK OR BELOW. The contents are auto-generated.
#*#
#*# [axis_twist_compensation]
#*# z_compensations = 0.010000, -0.005000, 0.000000
#*# compensation_start_x = 20
#*# compensation_end_x = 200
`

func TestLoadStringSections(t *testing.T) {
	cfg, err := LoadString(printerCfg)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	want := []string{"printer", "axis_twist_compensation", "gantry_twist_utility"}
	got := cfg.GetSectionNames()
	if len(got) != len(want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("section %d = %q, want %q", i, got[i], want[i])
		}
	}

	printer, err := cfg.GetSection("printer")
	if err != nil {
		t.Fatalf("GetSection(printer) failed: %v", err)
	}
	if kin, _ := printer.Get("kinematics"); kin != "corexy" {
		t.Errorf("expected inline comment stripped, got %q", kin)
	}
	if v, _ := printer.GetInt("max_velocity"); v != 300 {
		t.Errorf("expected '=' separator to parse, got %d", v)
	}
}

func TestSaveConfigBlockOverridesAndIsTracked(t *testing.T) {
	cfg, err := LoadString(printerCfg)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	sec, _ := cfg.GetSection("axis_twist_compensation")
	values, err := sec.GetFloatList("z_compensations", ",")
	if err != nil {
		t.Fatalf("GetFloatList failed: %v", err)
	}
	if len(values) != 3 || values[0] != 0.01 || values[1] != -0.005 {
		t.Errorf("unexpected compensations %v", values)
	}
	if v, _ := sec.GetFloat("calibrate_y"); v != 112.5 {
		t.Errorf("calibrate_y = %v", v)
	}

	saved := cfg.SavedOptions("axis_twist_compensation")
	if len(saved) != 3 || saved["compensation_end_x"] != "200" {
		t.Errorf("saved block = %v", saved)
	}
	if cfg.SavedOptions("printer") != nil {
		t.Error("printer has no saved options")
	}
}

func TestTypedGetters(t *testing.T) {
	cfg, _ := LoadString(printerCfg)
	sec, _ := cfg.GetSection("gantry_twist_utility")

	if n, err := sec.GetIntWithBounds("grid_size", IntBounds{MinVal: Int(2)}, 10); err != nil || n != 7 {
		t.Errorf("grid_size = (%d, %v)", n, err)
	}
	if b, err := sec.GetBool("enable_debug", false); err != nil || !b {
		t.Errorf("enable_debug = (%v, %v)", b, err)
	}
	mode, err := sec.GetChoice("sampling_direction", []string{"x", "y", "serpentine_xy"})
	if err != nil || mode != "serpentine_xy" {
		t.Errorf("sampling_direction = (%q, %v)", mode, err)
	}
	z, err := sec.GetFloatWithBounds("horizontal_move_z",
		FloatBounds{MinVal: Float(1), MaxVal: Float(5)}, 2.0)
	if err != nil || z != 2.0 {
		t.Errorf("fallback horizontal_move_z = (%v, %v)", z, err)
	}
	opt, err := sec.GetFloatOptional("calibrate_y")
	if err != nil || opt != nil {
		t.Errorf("absent optional = (%v, %v)", opt, err)
	}
}

func TestGetterErrorsAreConfigurationErrors(t *testing.T) {
	cfg, err := LoadString(`
[gantry_twist_utility]
grid_size: 1
travel_speed: fast
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("gantry_twist_utility")

	tests := []struct {
		name string
		call func() error
	}{
		{"below minimum", func() error {
			_, err := sec.GetIntWithBounds("grid_size", IntBounds{MinVal: Int(2)})
			return err
		}},
		{"not a number", func() error {
			_, err := sec.GetFloat("travel_speed")
			return err
		}},
		{"missing", func() error {
			_, err := sec.GetFloat("calibrate_start_x")
			return err
		}},
		{"missing section", func() error {
			_, err := cfg.GetSection("beacon")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("expected error")
			}
			if !calerrors.IsConfig(err) {
				t.Errorf("expected CONFIGURATION error, got %v", err)
			}
		})
	}
}

func TestUnusedTracking(t *testing.T) {
	cfg, _ := LoadString(printerCfg)
	sec, _ := cfg.GetSection("gantry_twist_utility")
	sec.GetInt("grid_size")

	unused := sec.GetUnusedOptions()
	if len(unused) != 2 || unused[0] != "enable_debug" || unused[1] != "sampling_direction" {
		t.Errorf("unused options = %v", unused)
	}
	sections := cfg.GetUnusedSections()
	if len(sections) != 2 {
		t.Errorf("unused sections = %v", sections)
	}
}

func TestLoadFollowsIncludes(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	os.WriteFile(main, []byte("[include twist.cfg]\n[printer]\nkinematics: cartesian\n"), 0644)
	os.WriteFile(filepath.Join(dir, "twist.cfg"), []byte("[axis_twist_compensation]\ncalibrate_start_x: 30\n"), 0644)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sec, err := cfg.GetSection("axis_twist_compensation")
	if err != nil {
		t.Fatalf("included section missing: %v", err)
	}
	if v, _ := sec.GetFloat("calibrate_start_x"); v != 30 {
		t.Errorf("calibrate_start_x = %v", v)
	}
}

func TestLoadRejectsRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	os.WriteFile(main, []byte("[include printer.cfg]\n"), 0644)

	if _, err := Load(main); err == nil {
		t.Fatal("expected recursive include error")
	}
}

func TestLoadStringRejectsInclude(t *testing.T) {
	if _, err := LoadString("[include other.cfg]\n"); err == nil {
		t.Fatal("expected include to be rejected for string configs")
	}
}
