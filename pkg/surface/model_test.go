package surface

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
)

func newModel(t *testing.T, opts Options) (*Model, *geometry.Grid) {
	t.Helper()
	g, err := geometry.New(100, geometry.Circle, 5)
	if err != nil {
		t.Fatal(err)
	}
	return New(g, opts), g
}

func rampDepths(n int) []float64 {
	d := make([]float64, n)
	for i := range d {
		d[i] = float64(i%7)*0.1 - 0.3
	}
	return d
}

func TestZCorrectionAtGridPoints(t *testing.T) {
	tests := []struct {
		radius float64
		size   int
	}{
		{100, 5},
		{100, 7},
		{85, 7},
		{73.5, 9},
		{120, 15},
	}
	for _, tt := range tests {
		g, err := geometry.New(tt.radius, geometry.Circle, tt.size)
		if err != nil {
			t.Fatal(err)
		}
		m := New(g, Options{})
		depths := rampDepths(g.Len())
		if err := m.SetDepths(depths); err != nil {
			t.Fatal(err)
		}
		if err := m.EnableDepth(); err != nil {
			t.Fatal(err)
		}
		for i, p := range g.Points() {
			if got := m.ZCorrection(p.X, p.Y); got != depths[i] {
				t.Errorf("r=%v n=%d point %d (%v, %v): got %v, want exactly %v",
					tt.radius, tt.size, i, p.X, p.Y, got, depths[i])
			}
		}
	}
}

func TestZCorrectionIsContinuous(t *testing.T) {
	m, g := newModel(t, Options{})
	if err := m.SetDepths(rampDepths(g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := m.EnableDepth(); err != nil {
		t.Fatal(err)
	}
	// Cell boundaries at x = -50, 0, 50.
	for _, x := range []float64{-50, 0, 50} {
		for _, y := range []float64{-73, 12, 88} {
			left := m.ZCorrection(x-1e-7, y)
			right := m.ZCorrection(x+1e-7, y)
			if math.Abs(left-right) > 1e-6 {
				t.Errorf("jump at x=%v y=%v: %v vs %v", x, y, left, right)
			}
		}
	}
	// Outside the radius the value is clamped to the edge.
	if a, b := m.ZCorrection(150, 20), m.ZCorrection(100, 20); a != b {
		t.Errorf("clamp: %v != %v", a, b)
	}
}

func TestZeroMapGivesZero(t *testing.T) {
	m, g := newModel(t, Options{})
	if err := m.SetDepths(make([]float64, g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := m.EnableDepth(); err != nil {
		t.Fatal(err)
	}
	for _, xy := range [][2]float64{{0, 0}, {33, -71}, {-100, 100}, {99.9, 0.1}} {
		if z := m.ZCorrection(xy[0], xy[1]); z != 0 {
			t.Errorf("ZCorrection(%v) = %v", xy, z)
		}
	}
}

func TestTiltPlane(t *testing.T) {
	m, g := newModel(t, Options{})
	if m.PlaneEnabled() {
		t.Fatal("plane must start disabled")
	}
	m.SetTiltPlane(0, 0, 0)
	if n, d := m.Normal(); n.Z != 1 || d != 0 || m.PlaneEnabled() {
		t.Errorf("flat plane: normal %v d %v enabled %v", n, d, m.PlaneEnabled())
	}

	m.SetTiltPlane(0.2, -0.1, -1)
	if !m.PlaneEnabled() || !m.Active() {
		t.Fatal("non-zero heights must enable the plane")
	}
	heights := []float64{0.2, -0.1, -1}
	for i, idx := range g.TowerPoints() {
		p := g.Point(idx)
		if z := m.ZCorrection(p.X, p.Y); math.Abs(z-heights[i]) > 1e-9 {
			t.Errorf("anchor %d: z %v, want %v", i, z, heights[i])
		}
	}
	a, b, c := m.TiltPlane()
	if diff := cmp.Diff(heights, []float64{a, b, c}); diff != "" {
		t.Errorf("TiltPlane (-want +got):\n%s", diff)
	}

	m.EnablePlane(false)
	if a, b, c := m.TiltPlane(); a != 0 || b != 0 || c != 0 {
		t.Error("TiltPlane must report zeros while disabled")
	}
	if z := m.ZCorrection(0, 100); z != 0 {
		t.Errorf("disabled plane still corrects: %v", z)
	}
}

func TestMasterFlag(t *testing.T) {
	m, g := newModel(t, Options{})
	if err := m.SetActive(false); err != nil {
		t.Fatal(err)
	}
	if err := m.SetActive(true); !errors.Is(err, errors.ErrDepthMap) {
		t.Fatalf("enabling without data: %v", err)
	}
	if err := m.SetDepths(rampDepths(g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := m.EnableDepth(); err != nil {
		t.Fatal(err)
	}
	if err := m.SetActive(false); err != nil {
		t.Fatal(err)
	}
	if z := m.ZCorrection(0, 100); z != 0 {
		t.Errorf("inactive model corrected by %v", z)
	}
}

func TestEnableDepthRequirements(t *testing.T) {
	m, _ := newModel(t, Options{})
	if err := m.EnableDepth(); !errors.Is(err, errors.ErrDepthMap) {
		t.Errorf("no map: %v", err)
	}
	if err := m.SetDepths([]float64{1, 2}); err == nil {
		t.Error("short depth slice must be rejected")
	}

	off, g := newModel(t, Options{ProbeOffsetX: 5})
	if err := off.SetDepths(make([]float64, g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := off.EnableDepth(); err != ErrOffsetsSilent {
		t.Errorf("offsets: %v", err)
	}
}

func TestDepthFileRoundTrip(t *testing.T) {
	m, g := newModel(t, Options{})
	depths := rampDepths(g.Len())
	depths[3] = -4.123456
	if err := m.SetDepths(depths); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	text := buf.String()
	if !strings.HasPrefix(text, "; Depth Map Surface Transform\n; Line 1 of 5\n") {
		t.Errorf("unexpected header:\n%s", text)
	}
	if !strings.Contains(text, "; Line 5 of 5\n") || !strings.Contains(text, "\n-4.12346\n") {
		t.Errorf("unexpected body:\n%s", text)
	}

	loaded, _ := newModel(t, Options{})
	if _, err := loaded.ReadFrom(strings.NewReader(text)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(depths, loaded.Depths(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if loaded.DepthEnabled() {
		t.Error("loading must not enable depth correction")
	}
}

func TestDepthFileRejects(t *testing.T) {
	m, g := newModel(t, Options{})
	var short strings.Builder
	short.WriteString("; Depth Map Surface Transform\n\n")
	for i := 0; i < g.Len()-1; i++ {
		short.WriteString("0.01000\n")
	}
	if _, err := m.ReadFrom(strings.NewReader(short.String())); !errors.Is(err, errors.ErrDepthMap) {
		t.Errorf("short file: %v", err)
	}
	if m.HaveDepth() || m.DepthEnabled() {
		t.Error("short file must leave no depth map")
	}

	if err := m.SetDepths(make([]float64, g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := m.EnableDepth(); err != nil {
		t.Fatal(err)
	}
	bad := strings.Repeat("0.5\n", 3) + "5.00000\n"
	if _, err := m.ReadFrom(strings.NewReader(bad)); !errors.Is(err, errors.ErrSanity) {
		t.Errorf("out of range: %v", err)
	}
	if m.DepthEnabled() {
		t.Error("out of range value must disable depth correction")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depthmap.txt")
	m, g := newModel(t, Options{DepthFile: path})
	if err := m.Save(); err == nil {
		t.Error("saving without a map must fail")
	}
	if err := m.SetDepths(rampDepths(g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	loaded, _ := newModel(t, Options{DepthFile: path})
	if err := loaded.Load(); err != nil {
		t.Fatal(err)
	}
	if !loaded.HaveDepth() {
		t.Error("expected a depth map")
	}

	missing, _ := newModel(t, Options{DepthFile: filepath.Join(t.TempDir(), "none.txt")})
	if err := missing.Load(); !errors.Is(err, errors.ErrResource) {
		t.Errorf("missing file: %v", err)
	}
}
