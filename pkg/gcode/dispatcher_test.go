package gcode

import (
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/log"
	"delta-calibration/pkg/probe"
)

func newDispatcher(t *testing.T, mod func(*probe.Config)) (*Dispatcher, *calibrate.Calibrator, *probe.Printer) {
	t.Helper()
	fw, err := kinematics.NewDelta(kinematics.DeltaConfig{ArmLength: 269, Radius: 130})
	if err != nil {
		t.Fatal(err)
	}
	cfg := probe.DefaultConfig()
	if mod != nil {
		mod(&cfg)
	}
	p, err := probe.New(fw, cfg)
	if err != nil {
		t.Fatal(err)
	}
	g, err := geometry.New(100, geometry.Circle, 5)
	if err != nil {
		t.Fatal(err)
	}
	logger := log.New("calibrate")
	logger.SetWriter(io.Discard)
	c, err := calibrate.New(calibrate.Deps{
		Kinematics: fw,
		Probe:      p,
		Trim:       p,
		Grid:       g,
		Logger:     logger,
		Rand:       rand.New(rand.NewSource(3)),
	}, calibrate.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	return NewDispatcher(c, p.Home, p), c, p
}

func TestDispatchIgnoresUnknownAndBlank(t *testing.T) {
	d, _, p := newDispatcher(t, nil)
	for _, line := range []string{"", "; comment", "G1 X10 Y10", "M104 S200"} {
		out, err := d.Execute(line)
		if out != "" || err != nil {
			t.Errorf("Execute(%q) = %q, %v", line, out, err)
		}
	}
	if p.ProbeCount() != 0 {
		t.Error("ignored commands probed the bed")
	}
	if _, err := d.Execute("Q1"); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("garbage line: %v", err)
	}
}

func TestDispatchHome(t *testing.T) {
	d, _, _ := newDispatcher(t, nil)
	if _, err := d.Execute("G28"); err != nil {
		t.Fatal(err)
	}
	nohome := NewDispatcher(d.cal, nil, nil)
	if _, err := nohome.Execute("G28"); !errors.Is(err, errors.ErrRuntime) {
		t.Errorf("G28 without a printer: %v", err)
	}
}

func TestDispatchRepeatability(t *testing.T) {
	d, c, _ := newDispatcher(t, nil)
	out, err := d.Execute("G29 S5 B3 P2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Samples: 5\n") || !strings.Contains(out, "Repeatability: very good") {
		t.Errorf("output:\n%s", out)
	}
	best := c.Best()
	if best.Sigma < 0 {
		t.Fatal("no best record after G29")
	}
	if best.Settings.Debounce != 3 || best.Settings.Smoothing != 2 {
		t.Errorf("best settings = %+v", best.Settings)
	}

	if _, err := d.Execute("G29 S31"); err == nil {
		t.Error("G29 accepted 31 samples")
	}
}

func TestDispatchIterative(t *testing.T) {
	d, _, p := newDispatcher(t, func(cfg *probe.Config) {
		cfg.EndstopError = [3]float64{-0.3, 0.2, 0}
	})
	out, err := d.Execute("G32")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Iterative calibration converged") {
		t.Errorf("output: %s", out)
	}
	trim, _ := p.Trim()
	if diff := cmp.Diff([3]float64{0, -0.5, -0.3}, trim, cmpopts.EquateApprox(0, 0.06)); diff != "" {
		t.Errorf("trim (-want +got):\n%s", diff)
	}
}

func TestDispatchG31Usage(t *testing.T) {
	d, _, p := newDispatcher(t, nil)
	out, err := d.Execute("G31")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "G31 usage") {
		t.Errorf("output: %s", out)
	}
	if p.ProbeCount() != 0 {
		t.Error("usage probed the bed")
	}
}

func TestDispatchMapOnly(t *testing.T) {
	d, c, _ := newDispatcher(t, nil)
	out, err := d.Execute("G31 Z")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != c.Grid().Size() {
		t.Fatalf("got %d rows:\n%s", len(lines), out)
	}
	// the corners of a circular grid are not probed
	if !strings.HasPrefix(strings.TrimSpace(lines[0]), ".") {
		t.Errorf("first row: %q", lines[0])
	}
	if c.Surface().DepthEnabled() {
		t.Error("G31 Z enabled depth correction")
	}
}

func TestDispatchAnnealSimulated(t *testing.T) {
	d, _, p := newDispatcher(t, nil)
	out, err := d.Execute("G31 O L T20")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Annealing ") {
		t.Errorf("output: %s", out)
	}
	if p.ProbeCount() != 0 {
		t.Error("simulated annealing probed the bed")
	}
	if _, err := d.Execute("G31 O T1x"); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("bad T value: %v", err)
	}
}

func TestDispatchGeometry(t *testing.T) {
	d, c, _ := newDispatcher(t, nil)
	if _, err := d.Execute("M665 L270.5 R131 B0.2 E-0.1 V0.3"); err != nil {
		t.Fatal(err)
	}
	kin := c.Kinematics()
	for p, want := range map[kinematics.Param]float64{
		kinematics.ArmLength:          270.5,
		kinematics.DeltaRadius:        131,
		kinematics.TowerRadiusOffsetB: 0.2,
		kinematics.TowerAngleOffsetB:  -0.1,
		kinematics.TowerArmOffsetC:    0.3,
	} {
		got, err := kin.Parameter(p)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%s = %v, want %v", p, got, want)
		}
	}
	if !c.GeometryDirty() {
		t.Error("M665 did not mark the geometry dirty")
	}
}

func TestDispatchGeometryWithoutValues(t *testing.T) {
	d, c, _ := newDispatcher(t, nil)
	if _, err := d.Execute("M665"); err != nil {
		t.Fatal(err)
	}
	if c.GeometryDirty() {
		t.Error("bare M665 marked the geometry dirty")
	}
}

func TestDispatchTrim(t *testing.T) {
	d, c, p := newDispatcher(t, nil)
	out, err := d.Execute("M666 X-0.25 Z-0.1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Endstop trim: X-0.2500 Y0.0000 Z-0.1000" {
		t.Errorf("output: %q", out)
	}
	trim, _ := p.Trim()
	if trim != [3]float64{-0.25, 0, -0.1} {
		t.Errorf("trim = %v", trim)
	}
	if !c.GeometryDirty() {
		t.Error("M666 did not mark the geometry dirty")
	}
}

func TestDispatchSurfaceState(t *testing.T) {
	d, c, _ := newDispatcher(t, nil)
	out, err := d.Execute("M667 A0.1 B-0.1 C0 D1")
	if err != nil {
		t.Fatal(err)
	}
	want := "M667 A0.1000 B-0.1000 C0.0000 D1 E0 Z1"
	if out != want {
		t.Errorf("M667 output = %q, want %q", out, want)
	}
	if !c.Surface().PlaneEnabled() {
		t.Error("plane not enabled")
	}

	out, err = d.Execute("M503")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "\n"+want) || !strings.HasPrefix(out, ";ABC=Shimming data") {
		t.Errorf("M503 output:\n%s", out)
	}

	if _, err := d.Execute("M667 Q1"); !errors.Is(err, errors.ErrDepthMap) {
		t.Errorf("bad M667 letter: %v", err)
	}
}

func TestFormatDepths(t *testing.T) {
	g, err := geometry.New(100, geometry.Square, 3)
	if err != nil {
		t.Fatal(err)
	}
	depths := make([]calibrate.Depth, g.Len())
	depths[g.CenterIndex()].Rel = 0.05
	out := FormatDepths(g, depths)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d rows:\n%s", len(lines), out)
	}
	if got := strings.Fields(lines[1]); len(got) != 3 || got[1] != "0.0500" {
		t.Errorf("middle row = %q", lines[1])
	}
	if FormatDepths(g, depths[:2]) != "" {
		t.Error("short depth slice rendered")
	}
}
