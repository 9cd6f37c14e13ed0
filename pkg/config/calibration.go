package config

import (
	"fmt"
	"strings"
)

// CalibrationConfig holds the [printer], [delta] and [delta_calibration]
// settings used by the calibration host.
type CalibrationConfig struct {
	Kinematics string // "delta" or "cartesian"

	Delta   DeltaSection
	Probe   ProbeSection
	Run     RunSection
	Virtual VirtualPrinterSection

	DepthMapFile string
	HistoryDB    string
	MetricsFile  string
	ReportDir    string
}

// DeltaSection mirrors the [delta] section. Per-tower values are ordered
// X (A), Y (B), Z (C).
type DeltaSection struct {
	ArmLength     float64
	Radius        float64
	TowerAngles   [3]float64
	RadiusOffsets [3]float64
	AngleOffsets  [3]float64
	ArmOffsets    [3]float64
	EndstopTrim   [3]float64
	StepsPerMM    float64
	HomedHeight   float64
}

// ProbeSection holds the probe related options of [delta_calibration].
type ProbeSection struct {
	Radius       float64
	GridSize     int
	Shape        string // "circle" or "square"
	Smoothing    int
	Priming      int
	Acceleration float64
	OffsetX      float64
	OffsetY      float64
	OffsetZ      float64
	Height       float64
	FastFeedrate float64
	SlowFeedrate float64
	Debounce     int
	Decelerate   bool
	StepsPerMM   float64
}

// RunSection holds the tuning defaults for the calibration algorithms.
type RunSection struct {
	IterativeTarget    float64
	IterativeMaxIter   int
	AnnealTries        int
	AnnealMaxTemp      float64
	AnnealWidth        float64
	AnnealOverrun      float64
	AnnealTarget       float64
	AnnealGlobalTarget float64
	AngleUsesOwnWeight bool
}

// VirtualPrinterSection describes the simulated machine from
// [virtual_printer]: how the real printer differs from what [delta] says.
// A zero ArmLength or Radius means the [delta] value.
type VirtualPrinterSection struct {
	ArmLength    float64
	Radius       float64
	EndstopError [3]float64
	BedTiltX     float64 // mm of height per mm of X
	BedTiltY     float64
	Noise        float64 // trigger point standard deviation in mm
	Overshoot    int     // steps travelled after a trigger
	Acceleration float64
	Seed         int64
}

// DefaultTowerAngles places tower A at 210, B at 330 and C at 90 degrees.
var DefaultTowerAngles = [3]float64{210, 330, 90}

// ParseCalibrationConfig reads the calibration sections from cfg.
func ParseCalibrationConfig(cfg *Config) (*CalibrationConfig, error) {
	out := &CalibrationConfig{Kinematics: "delta"}

	if printer := cfg.GetSectionOptional("printer"); printer != nil {
		kin, err := printer.GetChoice("kinematics", []string{"delta", "cartesian"}, "delta")
		if err != nil {
			return nil, err
		}
		out.Kinematics = kin
	}

	if out.Kinematics == "delta" {
		sec, err := cfg.GetSection("delta")
		if err != nil {
			return nil, err
		}
		if out.Delta, err = parseDelta(sec); err != nil {
			return nil, err
		}
	}

	sec, err := cfg.GetSection("delta_calibration")
	if err != nil {
		return nil, err
	}
	if out.Probe, err = parseProbe(sec, out.Delta.StepsPerMM); err != nil {
		return nil, err
	}
	if out.Run, err = parseRun(sec); err != nil {
		return nil, err
	}

	if vp := cfg.GetSectionOptional("virtual_printer"); vp != nil {
		if out.Virtual, err = parseVirtualPrinter(vp); err != nil {
			return nil, err
		}
	} else {
		out.Virtual = VirtualPrinterSection{Acceleration: 3000, Seed: 1}
	}

	if out.DepthMapFile, err = sec.Get("depth_map_file", "depthmap.txt"); err != nil {
		return nil, err
	}
	if out.HistoryDB, err = sec.Get("history_db", ""); err != nil {
		return nil, err
	}
	if out.MetricsFile, err = sec.Get("metrics_file", ""); err != nil {
		return nil, err
	}
	if out.ReportDir, err = sec.Get("report_dir", ""); err != nil {
		return nil, err
	}
	return out, nil
}

func parseDelta(sec *Section) (DeltaSection, error) {
	var d DeltaSection
	var err error
	if d.Radius, err = sec.GetFloatWithBounds("delta_radius", FloatBounds{Above: Float(0)}); err != nil {
		return d, err
	}
	if d.ArmLength, err = sec.GetFloatWithBounds("arm_length", FloatBounds{Above: Float(d.Radius)}); err != nil {
		return d, err
	}
	if d.TowerAngles, err = sec.GetTriple("tower_angles", DefaultTowerAngles); err != nil {
		return d, err
	}
	if d.RadiusOffsets, err = sec.GetTriple("tower_radius_offsets", [3]float64{}); err != nil {
		return d, err
	}
	if d.AngleOffsets, err = sec.GetTriple("tower_angle_offsets", [3]float64{}); err != nil {
		return d, err
	}
	if d.ArmOffsets, err = sec.GetTriple("tower_arm_offsets", [3]float64{}); err != nil {
		return d, err
	}
	if d.EndstopTrim, err = sec.GetTriple("endstop_trim", [3]float64{}); err != nil {
		return d, err
	}
	for i, t := range d.EndstopTrim {
		if t > 0 || t < -5 {
			return d, ErrOutOfRange(sec.GetName(), "endstop_trim", t,
				fmt.Sprintf("(tower %c) must be within [-5, 0]", 'A'+i))
		}
	}
	if d.StepsPerMM, err = sec.GetFloatWithBounds("steps_per_mm", FloatBounds{Above: Float(0)}, 400); err != nil {
		return d, err
	}
	if d.HomedHeight, err = sec.GetFloatWithBounds("homed_height", FloatBounds{Above: Float(0)}, 300); err != nil {
		return d, err
	}
	return d, nil
}

func parseProbe(sec *Section, stepsPerMM float64) (ProbeSection, error) {
	var p ProbeSection
	var err error
	if stepsPerMM <= 0 {
		stepsPerMM = 400
	}
	if p.Radius, err = sec.GetFloatWithBounds("probe_radius", FloatBounds{Above: Float(0)}, 100); err != nil {
		return p, err
	}
	if p.GridSize, err = sec.GetIntWithBounds("grid_size", Int(3), Int(15), 7); err != nil {
		return p, err
	}
	if p.GridSize%2 == 0 {
		return p, ErrOutOfRange(sec.GetName(), "grid_size", float64(p.GridSize), "must be odd")
	}
	if p.Shape, err = sec.GetChoice("probe_shape", []string{"circle", "square"}, "circle"); err != nil {
		return p, err
	}
	if p.Smoothing, err = sec.GetIntWithBounds("probe_smoothing", Int(1), Int(10), 1); err != nil {
		return p, err
	}
	if p.Priming, err = sec.GetIntWithBounds("probe_priming", Int(0), Int(20), 0); err != nil {
		return p, err
	}
	if p.Acceleration, err = sec.GetFloatWithBounds("probe_acceleration", FloatBounds{Above: Float(0)}, 200); err != nil {
		return p, err
	}
	if p.OffsetX, err = sec.GetFloat("probe_offset_x", 0); err != nil {
		return p, err
	}
	if p.OffsetY, err = sec.GetFloat("probe_offset_y", 0); err != nil {
		return p, err
	}
	if p.OffsetZ, err = sec.GetFloat("probe_offset_z", 0); err != nil {
		return p, err
	}
	if p.Height, err = sec.GetFloatWithBounds("probe_height", FloatBounds{MinVal: Float(0)}, 5); err != nil {
		return p, err
	}
	if p.FastFeedrate, err = sec.GetFloatWithBounds("fast_feedrate", FloatBounds{Above: Float(0)}, 100); err != nil {
		return p, err
	}
	if p.SlowFeedrate, err = sec.GetFloatWithBounds("slow_feedrate", FloatBounds{Above: Float(0)}, 5); err != nil {
		return p, err
	}
	if p.Debounce, err = sec.GetIntWithBounds("debounce_count", Int(0), Int(2000), 0); err != nil {
		return p, err
	}
	if p.Decelerate, err = sec.GetBool("decelerate_on_trigger", false); err != nil {
		return p, err
	}
	if p.StepsPerMM, err = sec.GetFloatWithBounds("steps_per_mm", FloatBounds{Above: Float(0)}, stepsPerMM); err != nil {
		return p, err
	}
	return p, nil
}

func parseRun(sec *Section) (RunSection, error) {
	var r RunSection
	var err error
	if r.IterativeTarget, err = sec.GetFloatWithBounds("iterative_target", FloatBounds{Above: Float(0)}, 0.03); err != nil {
		return r, err
	}
	if r.IterativeMaxIter, err = sec.GetIntWithBounds("iterative_max_iterations", Int(1), Int(100), 20); err != nil {
		return r, err
	}
	if r.AnnealTries, err = sec.GetIntWithBounds("anneal_tries", Int(10), Int(1000), 50); err != nil {
		return r, err
	}
	if r.AnnealMaxTemp, err = sec.GetFloatWithBounds("anneal_max_temp", FloatBounds{MinVal: Float(0), MaxVal: Float(2)}, 0.35); err != nil {
		return r, err
	}
	if r.AnnealWidth, err = sec.GetFloatWithBounds("anneal_binsearch_width", FloatBounds{MinVal: Float(0), MaxVal: Float(0.5)}, 0.1); err != nil {
		return r, err
	}
	if r.AnnealOverrun, err = sec.GetFloatWithBounds("anneal_overrun_divisor", FloatBounds{MinVal: Float(0.5), MaxVal: Float(15)}, 2); err != nil {
		return r, err
	}
	if r.AnnealTarget, err = sec.GetFloatWithBounds("anneal_target", FloatBounds{Above: Float(0)}, 0.005); err != nil {
		return r, err
	}
	if r.AnnealGlobalTarget, err = sec.GetFloatWithBounds("anneal_global_target", FloatBounds{Above: Float(0)}, 0.010); err != nil {
		return r, err
	}
	if r.AngleUsesOwnWeight, err = sec.GetBool("angle_uses_own_weight", false); err != nil {
		return r, err
	}
	return r, nil
}

func parseVirtualPrinter(sec *Section) (VirtualPrinterSection, error) {
	var v VirtualPrinterSection
	var err error
	if v.ArmLength, err = sec.GetFloatWithBounds("arm_length", FloatBounds{MinVal: Float(0)}, 0); err != nil {
		return v, err
	}
	if v.Radius, err = sec.GetFloatWithBounds("delta_radius", FloatBounds{MinVal: Float(0)}, 0); err != nil {
		return v, err
	}
	if v.EndstopError, err = sec.GetTriple("endstop_error", [3]float64{}); err != nil {
		return v, err
	}
	if v.BedTiltX, err = sec.GetFloatWithBounds("bed_tilt_x", FloatBounds{MinVal: Float(-0.05), MaxVal: Float(0.05)}, 0); err != nil {
		return v, err
	}
	if v.BedTiltY, err = sec.GetFloatWithBounds("bed_tilt_y", FloatBounds{MinVal: Float(-0.05), MaxVal: Float(0.05)}, 0); err != nil {
		return v, err
	}
	if v.Noise, err = sec.GetFloatWithBounds("noise", FloatBounds{MinVal: Float(0), MaxVal: Float(1)}, 0); err != nil {
		return v, err
	}
	if v.Overshoot, err = sec.GetIntWithBounds("overshoot_steps", Int(0), Int(1000), 0); err != nil {
		return v, err
	}
	if v.Acceleration, err = sec.GetFloatWithBounds("acceleration", FloatBounds{Above: Float(0)}, 3000); err != nil {
		return v, err
	}
	seed, err := sec.GetInt("seed", 1)
	if err != nil {
		return v, err
	}
	v.Seed = int64(seed)
	return v, nil
}

// FormatTriple renders a per-tower value the way GetTriple reads it.
func FormatTriple(v [3]float64) string {
	parts := make([]string, 3)
	for i, f := range v {
		parts[i] = fmt.Sprintf("%.4f", f)
	}
	return strings.Join(parts, ", ")
}
