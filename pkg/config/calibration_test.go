package config

import (
	"testing"

	"delta-calibration/pkg/errors"
)

func TestParseCalibrationConfig(t *testing.T) {
	cfg, err := LoadString(printerCfg)
	if err != nil {
		t.Fatal(err)
	}
	cc, err := ParseCalibrationConfig(cfg)
	if err != nil {
		t.Fatalf("ParseCalibrationConfig: %v", err)
	}

	if cc.Kinematics != "delta" {
		t.Errorf("Kinematics = %q", cc.Kinematics)
	}
	d := cc.Delta
	if d.Radius != 130 || d.ArmLength != 269 || d.TowerAngles != DefaultTowerAngles {
		t.Errorf("delta = %+v", d)
	}
	if d.EndstopTrim != [3]float64{-0.5, 0, -1.25} {
		t.Errorf("trim = %v", d.EndstopTrim)
	}

	p := cc.Probe
	if p.Radius != 100 || p.GridSize != 5 || p.Shape != "circle" || p.Smoothing != 2 || p.OffsetZ != 0.25 {
		t.Errorf("probe = %+v", p)
	}
	if p.Acceleration != 200 || p.StepsPerMM != 400 || p.Priming != 0 {
		t.Errorf("probe defaults = %+v", p)
	}

	r := cc.Run
	if r.IterativeTarget != 0.03 || r.IterativeMaxIter != 20 || r.AnnealTries != 50 ||
		r.AnnealTarget != 0.005 || r.AnnealGlobalTarget != 0.010 || r.AngleUsesOwnWeight {
		t.Errorf("run defaults = %+v", r)
	}
	if cc.DepthMapFile != "depthmap.txt" || cc.HistoryDB != "" {
		t.Errorf("file defaults: %q %q", cc.DepthMapFile, cc.HistoryDB)
	}
}

func TestParseCalibrationConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		code errors.ErrorCode
	}{
		{"missing calibration", "[printer]\nkinematics: cartesian\n", errors.ErrConfigSection},
		{"missing delta", "[delta_calibration]\n", errors.ErrConfigSection},
		{"even grid", "[printer]\nkinematics: cartesian\n[delta_calibration]\ngrid_size: 6\n", errors.ErrConfigValidation},
		{"bad shape", "[printer]\nkinematics: cartesian\n[delta_calibration]\nprobe_shape: hexagon\n", errors.ErrConfigValidation},
		{"positive trim", "[delta]\ndelta_radius: 100\narm_length: 200\nendstop_trim: 0.5, 0, 0\n[delta_calibration]\n", errors.ErrConfigValidation},
		{"short arm", "[delta]\ndelta_radius: 100\narm_length: 90\n[delta_calibration]\n", errors.ErrConfigValidation},
		{"bad kinematics", "[printer]\nkinematics: corexy\n[delta_calibration]\n", errors.ErrConfigValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			_, err = ParseCalibrationConfig(cfg)
			if !errors.Is(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestParseVirtualPrinter(t *testing.T) {
	cfg, err := LoadString(printerCfg + `
[virtual_printer]
endstop_error: -0.3, 0.2, 0
delta_radius: 130.8
bed_tilt_x: 0.001
noise: 0.01
seed: 42
`)
	if err != nil {
		t.Fatal(err)
	}
	cc, err := ParseCalibrationConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := VirtualPrinterSection{
		Radius:       130.8,
		EndstopError: [3]float64{-0.3, 0.2, 0},
		BedTiltX:     0.001,
		Noise:        0.01,
		Acceleration: 3000,
		Seed:         42,
	}
	if cc.Virtual != want {
		t.Errorf("virtual printer = %+v, want %+v", cc.Virtual, want)
	}

	bad, _ := LoadString(printerCfg + "\n[virtual_printer]\nbed_tilt_y: 0.5\n")
	if _, err := ParseCalibrationConfig(bad); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("steep bed: %v", err)
	}
}

func TestVirtualPrinterDefaults(t *testing.T) {
	cfg, _ := LoadString(printerCfg)
	cc, err := ParseCalibrationConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if cc.Virtual.Acceleration != 3000 || cc.Virtual.Seed != 1 || cc.Virtual.EndstopError != [3]float64{} {
		t.Errorf("defaults = %+v", cc.Virtual)
	}
}

func TestFormatTriple(t *testing.T) {
	if got := FormatTriple([3]float64{-1.834, -1.779, 0}); got != "-1.8340, -1.7790, 0.0000" {
		t.Errorf("FormatTriple = %q", got)
	}
}
