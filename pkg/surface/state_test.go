package surface

import (
	"path/filepath"
	"testing"

	"delta-calibration/pkg/errors"
)

func TestStateString(t *testing.T) {
	m, _ := newModel(t, Options{})
	m.SetTiltPlane(0, 0, -1)
	want := "M667 A0.0000 B0.0000 C-1.0000 D1 E0 Z1"
	if got := m.State().String(); got != want {
		t.Errorf("State() = %q, want %q", got, want)
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("M667 A0.1250 B-0.5 C0 D1 E0 Z1 ; saved")
	if err != nil {
		t.Fatal(err)
	}
	if s.A == nil || *s.A != 0.125 || *s.B != -0.5 || *s.C != 0 {
		t.Errorf("heights: %v %v %v", s.A, s.B, s.C)
	}
	if !*s.D || *s.E || !*s.Z {
		t.Errorf("flags: %v %v %v", *s.D, *s.E, *s.Z)
	}
	if got := s.String(); got != "M667 A0.1250 B-0.5000 C0.0000 D1 E0 Z1" {
		t.Errorf("String() = %q", got)
	}

	partial, err := ParseState("Z0")
	if err != nil || partial.Z == nil || *partial.Z || partial.A != nil {
		t.Errorf("partial = %+v, %v", partial, err)
	}

	for _, bad := range []string{"M667 Q1", "M667 Afoo", "M667 A"} {
		if _, err := ParseState(bad); err == nil {
			t.Errorf("ParseState(%q) should fail", bad)
		}
	}
}

func TestApplyPlaneAndMaster(t *testing.T) {
	m, g := newModel(t, Options{})
	if err := m.Apply(State{C: Float(-1), D: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	if !m.PlaneEnabled() || !m.Active() {
		t.Fatal("D1 must enable the plane")
	}
	z := g.Point(g.TowerPoints()[2])
	if got := m.ZCorrection(z.X, z.Y); got < -1.0000001 || got > -0.9999999 {
		t.Errorf("Z anchor correction = %v", got)
	}

	if err := m.Apply(State{D: Bool(false), Z: Bool(false)}); err != nil {
		t.Fatal(err)
	}
	if m.Active() || m.PlaneEnabled() {
		t.Error("D0 Z0 must disable everything")
	}
	if err := m.Apply(State{Z: Bool(true)}); !errors.Is(err, errors.ErrDepthMap) {
		t.Errorf("Z1 without data: %v", err)
	}
}

func TestApplyDepthLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depthmap.txt")
	src, g := newModel(t, Options{DepthFile: path})
	if err := src.SetDepths(rampDepths(g.Len())); err != nil {
		t.Fatal(err)
	}
	if err := src.Save(); err != nil {
		t.Fatal(err)
	}

	m, _ := newModel(t, Options{DepthFile: path})
	if err := m.Apply(State{E: Bool(true), Z: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	if !m.HaveDepth() || !m.DepthEnabled() || !m.Active() {
		t.Error("E1 must load and enable the depth map")
	}

	if err := m.Apply(State{E: Bool(false)}); err != nil {
		t.Fatal(err)
	}
	if m.DepthEnabled() || !m.HaveDepth() {
		t.Error("E0 must disable but keep the map")
	}
}

func TestApplyDepthWithOffsetsFailsSilently(t *testing.T) {
	m, _ := newModel(t, Options{ProbeOffsetY: -2})
	m.SetTiltPlane(0, 0, -0.5)
	err := m.Apply(State{E: Bool(true), Z: Bool(true)})
	if err != ErrOffsetsSilent {
		t.Fatalf("expected ErrOffsetsSilent, got %v", err)
	}
	if m.DepthEnabled() {
		t.Error("depth correction must stay off")
	}
	if !m.Active() {
		t.Error("Z1 must still be applied")
	}
}

func TestApplyMissingFileContinues(t *testing.T) {
	m, _ := newModel(t, Options{DepthFile: filepath.Join(t.TempDir(), "missing.txt")})
	err := m.Apply(State{E: Bool(true), Z: Bool(false)})
	if !errors.Is(err, errors.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if m.Active() {
		t.Error("Z0 must still be applied after a missing file")
	}
}
