package report

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/history"
)

func tiltedScan(t *testing.T, size int) (*geometry.Grid, []calibrate.Depth) {
	t.Helper()
	g, err := geometry.New(100, geometry.Circle, size)
	if err != nil {
		t.Fatal(err)
	}
	depths := make([]calibrate.Depth, g.Len())
	for i, p := range g.Points() {
		depths[i].Rel = 0.001*p.X - 0.0005*p.Y
	}
	return g, depths
}

func TestDepthGrid(t *testing.T) {
	g, depths := tiltedScan(t, 5)
	d := depthGrid{g: g, depths: depths}

	if c, r := d.Dims(); c != 5 || r != 5 {
		t.Fatalf("Dims = %d, %d", c, r)
	}
	if d.X(0) != -100 || d.X(4) != 100 {
		t.Errorf("X range = %v..%v", d.X(0), d.X(4))
	}
	if d.Y(0) != -100 || d.Y(4) != 100 {
		t.Errorf("Y must increase with the row: %v..%v", d.Y(0), d.Y(4))
	}
	// corners of a circular grid are outside the probe radius
	if !math.IsNaN(d.Z(0, 0)) {
		t.Errorf("corner = %v, want NaN", d.Z(0, 0))
	}
	// column 4, row 2 is (100, 0)
	if got := d.Z(4, 2); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("Z(4, 2) = %v, want 0.1", got)
	}
	span, ok := d.span()
	if !ok || math.Abs(span-0.1) > 1e-12 {
		t.Errorf("span = %v, %v", span, ok)
	}
}

func TestDepthHeatMap(t *testing.T) {
	g, depths := tiltedScan(t, 7)
	path := filepath.Join(t.TempDir(), "depth.png")
	if err := DepthHeatMap(g, depths, path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Errorf("output is not a PNG")
	}
}

func TestDepthHeatMapFlatBed(t *testing.T) {
	g, err := geometry.New(100, geometry.Circle, 5)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "flat.svg")
	if err := DepthHeatMap(g, make([]calibrate.Depth, g.Len()), path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<svg") {
		t.Error("output is not an SVG")
	}
}

func TestDepthHeatMapErrors(t *testing.T) {
	g, depths := tiltedScan(t, 5)
	dir := t.TempDir()
	if err := DepthHeatMap(g, depths[:3], filepath.Join(dir, "x.png")); !errors.Is(err, errors.ErrDepthMap) {
		t.Errorf("short depths: %v", err)
	}
	if err := DepthHeatMap(g, depths, filepath.Join(dir, "x.unknown")); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestEnergyTrace(t *testing.T) {
	samples := []history.EnergySample{{Iteration: 0, Energy: 1.76}, {Iteration: 5, Energy: 0.4}, {Iteration: 10, Energy: 0.08}, {Iteration: 15, Energy: 0.03}}
	path := filepath.Join(t.TempDir(), "energy.png")
	if err := EnergyTrace("anneal", samples, path); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Errorf("energy trace not written: %v", err)
	}
	if err := EnergyTrace("empty", nil, path); err == nil {
		t.Error("empty trace accepted")
	}
}
