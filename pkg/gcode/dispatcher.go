package gcode

import (
	"fmt"
	"strings"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/log"
	"delta-calibration/pkg/surface"
)

// G31 usage, printed when it is sent without arguments.
const g31Usage = `G31 usage: (* = takes an annealing multiplier)
Z: Probe and display depth map - no calibration
A: Set up depth map for auto leveling (corrects Z only - run AFTER annealing)
Simulated annealing (corrects X, Y and Z - run G32 first):
K: Keep last settings
L: Simulate only (don't probe)
O: Endstops *
P: Delta radius *
Q: Arm length *
R: Tower angle offsets *
S: Surface plane virtual shimming *
T: Annealing: Iterations (50)
U: Annealing: Max temp (0.35)
V: Annealing: Binary search width (0.1)
W: Annealing: Overrun divisor (2)
Y: Zero all individual radius, angle, and arm length offsets`

// M665 letters and the kinematic parameters they set.
var m665Params = []struct {
	letter string
	param  kinematics.Param
}{
	{"L", kinematics.ArmLength},
	{"R", kinematics.DeltaRadius},
	{"A", kinematics.TowerRadiusOffsetA},
	{"B", kinematics.TowerRadiusOffsetB},
	{"C", kinematics.TowerRadiusOffsetC},
	{"D", kinematics.TowerAngleOffsetA},
	{"E", kinematics.TowerAngleOffsetB},
	{"F", kinematics.TowerAngleOffsetC},
	{"T", kinematics.TowerArmOffsetA},
	{"U", kinematics.TowerArmOffsetB},
	{"V", kinematics.TowerArmOffsetC},
}

// Dispatcher executes calibration G-codes:
//
//	G28          home
//	G29          probe repeatability test
//	G31          depth map (A), map only (Z) or simulated annealing
//	G32          iterative endstop and radius calibration
//	M665         set geometry; marks the calibration dirty
//	M666         set endstop trim; marks the calibration dirty
//	M667         surface transform state
//	M500, M503   report the surface state line
//
// Other commands are ignored with a debug log line.
type Dispatcher struct {
	cal  *calibrate.Calibrator
	home func() error
	trim calibrate.TrimStore
	log  *log.Logger
}

// NewDispatcher creates a dispatcher for cal. home and trim serve G28 and
// M666; either may be nil to reject those commands.
func NewDispatcher(cal *calibrate.Calibrator, home func() error, trim calibrate.TrimStore) *Dispatcher {
	return &Dispatcher{cal: cal, home: home, trim: trim, log: log.GetLogger("gcode")}
}

// Execute parses and runs one line. The returned text is the response
// shown to the operator.
func (d *Dispatcher) Execute(line string) (string, error) {
	cmd, err := Parse(line)
	if cmd == nil || err != nil {
		return "", err
	}
	d.log.Debug("executing %s", cmd)

	switch cmd.Name {
	case "G28":
		if d.home == nil {
			return "", errors.RuntimeError("G28: no printer to home")
		}
		return "", d.home()
	case "G29":
		return d.repeatability(cmd)
	case "G31":
		return d.depthOrAnneal(cmd)
	case "G32":
		return d.iterative(cmd)
	case "M665":
		return d.setGeometry(cmd)
	case "M666":
		return d.setTrim(cmd)
	case "M667":
		st, err := surface.ParseState(cmd.Raw)
		if err != nil {
			return "", err
		}
		if err := d.cal.ApplySurfaceState(st); err != nil && err != surface.ErrOffsetsSilent {
			return "", err
		}
		return d.cal.Surface().State().String(), nil
	case "M500", "M503":
		return ";ABC=Shimming data; D=Shimming; E=Depth map; Z=Master enable\n" + d.cal.Surface().State().String(), nil
	default:
		d.log.Debug("ignoring %s", cmd.Name)
		return "", nil
	}
}

func (d *Dispatcher) repeatability(cmd *Command) (string, error) {
	var opts calibrate.RepeatabilityOptions
	var err error
	if opts.Samples, _, err = cmd.Int("S"); err != nil {
		return "", err
	}
	if v, ok, err := cmd.Float("A"); err != nil {
		return "", err
	} else if ok {
		opts.Acceleration = &v
	}
	if v, ok, err := cmd.Int("B"); err != nil {
		return "", err
	} else if ok {
		opts.Debounce = &v
	}
	if v, ok, err := cmd.Flag("D"); err != nil {
		return "", err
	} else if ok {
		opts.Decelerate = &v
	}
	opts.Eccentricity = cmd.Has("E")
	if v, ok, err := cmd.Int("P"); err != nil {
		return "", err
	} else if ok {
		opts.Smoothing = &v
	}
	if v, ok, err := cmd.Int("Q"); err != nil {
		return "", err
	} else if ok {
		opts.Priming = &v
	}
	if v, ok, err := cmd.Float("U"); err != nil {
		return "", err
	} else if ok {
		opts.FastFeedrate = &v
	}
	if v, ok, err := cmd.Float("V"); err != nil {
		return "", err
	} else if ok {
		opts.SlowFeedrate = &v
	}

	res, err := d.cal.Repeatability(opts)
	if err != nil {
		return "", err
	}
	return FormatRepeatability(res, d.cal.Best()), nil
}

// FormatRepeatability renders a repeatability result for the operator.
func FormatRepeatability(res calibrate.RepeatabilityResult, best calibrate.BestRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Samples: %d\n", len(res.Samples))
	fmt.Fprintf(&b, "Mean: %1.3f steps, sigma: %1.3f, range: %d steps (%1.4f mm)\n", res.Mean, res.Sigma, res.Range, res.RangeMM)
	fmt.Fprintf(&b, "Repeatability: %s", res.Quality)
	if res.NewRecord {
		b.WriteString(" (new best)")
	}
	fmt.Fprintf(&b, "\nBest so far: %s", best)
	return b.String()
}

func (d *Dispatcher) depthOrAnneal(cmd *Command) (string, error) {
	switch {
	case cmd.Has("A"):
		if err := d.cal.BuildDepthMap(); err != nil {
			return "", err
		}
		return "Depth map built and saved\n" + FormatDepths(d.cal.Grid(), d.cal.LastDepths()), nil
	case cmd.Has("Z"):
		depths, err := d.cal.MapOnly()
		if err != nil {
			return "", err
		}
		return FormatDepths(d.cal.Grid(), depths), nil
	case len(cmd.Args) == 0:
		return g31Usage, nil
	}

	opts := d.cal.DefaultAnnealOptions()
	opts.Groups = map[calibrate.Group]float64{}
	for _, letter := range []string{"O", "P", "Q", "R", "S"} {
		if !cmd.Has(letter) {
			continue
		}
		g, err := calibrate.ParseGroup(letter)
		if err != nil {
			return "", err
		}
		w, _, err := cmd.Float(letter)
		if err != nil {
			return "", err
		}
		opts.Groups[g] = w
	}
	opts.Keep = cmd.Has("K")
	opts.Simulate = cmd.Has("L")
	opts.ZeroOffsets = cmd.Has("Y")
	if v, ok, err := cmd.Int("T"); err != nil {
		return "", err
	} else if ok {
		opts.Tries = v
	}
	for _, f := range []struct {
		letter string
		dst    *float64
	}{{"U", &opts.MaxTemp}, {"V", &opts.Width}, {"W", &opts.Overrun}} {
		if v, ok, err := cmd.Float(f.letter); err != nil {
			return "", err
		} else if ok {
			*f.dst = v
		}
	}

	res, err := d.cal.Anneal(opts)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Annealing %s after %d iterations: energy %1.4f -> %1.4f\n%s",
		res.Outcome, res.Iterations, res.InitialEnergy, res.FinalEnergy, res.Params), nil
}

func (d *Dispatcher) iterative(cmd *Command) (string, error) {
	keep, _, err := cmd.Flag("K")
	if err != nil {
		return "", err
	}
	res, err := d.cal.Iterative(calibrate.IterativeOptions{Keep: keep})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Iterative calibration %s after %d iterations: deviation %1.4f, trim %1.3f, radius %1.3f",
		res.Outcome, res.Iterations, res.Deviation, res.Trim, res.Radius), nil
}

func (d *Dispatcher) setGeometry(cmd *Command) (string, error) {
	kin := d.cal.Kinematics()
	changed := false
	for _, p := range m665Params {
		v, ok, err := cmd.Float(p.letter)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if err := kin.SetParameter(p.param, v); err != nil {
			return "", err
		}
		changed = true
	}
	if changed {
		kin.NotifyGeometryChanged()
		d.cal.MarkGeometryDirty()
	}
	return "", nil
}

func (d *Dispatcher) setTrim(cmd *Command) (string, error) {
	if d.trim == nil {
		return "", errors.RuntimeError("M666: no endstop trim store")
	}
	trim, err := d.trim.Trim()
	if err != nil {
		return "", err
	}
	for i, letter := range []string{"X", "Y", "Z"} {
		v, ok, err := cmd.Float(letter)
		if err != nil {
			return "", err
		}
		if ok {
			trim[i] = v
		}
	}
	if err := d.trim.SetTrim(trim); err != nil {
		return "", err
	}
	d.cal.MarkGeometryDirty()
	return fmt.Sprintf("Endstop trim: X%1.4f Y%1.4f Z%1.4f", trim[0], trim[1], trim[2]), nil
}

// FormatDepths renders relative depths as a grid, one row per line, with
// unprobed points shown as dots.
func FormatDepths(g *geometry.Grid, depths []calibrate.Depth) string {
	if len(depths) != g.Len() {
		return ""
	}
	var b strings.Builder
	for row := 0; row < g.Size(); row++ {
		for col := 0; col < g.Size(); col++ {
			i := g.Index(row, col)
			if col > 0 {
				b.WriteByte(' ')
			}
			if g.Point(i).Tag == geometry.Inactive {
				b.WriteString("    .   ")
				continue
			}
			fmt.Fprintf(&b, "%8.4f", depths[i].Rel)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
