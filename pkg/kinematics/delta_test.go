package kinematics

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"delta-calibration/pkg/errors"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func newTestDelta(t *testing.T) *Delta {
	t.Helper()
	d, err := NewDelta(DeltaConfig{ArmLength: 269.0, Radius: 130.0})
	if err != nil {
		t.Fatalf("NewDelta: %v", err)
	}
	return d
}

func TestDeltaRoundTrip(t *testing.T) {
	d := newTestDelta(t)
	points := [][3]float64{
		{0, 0, 0},
		{50, -20, 10},
		{-86.6, -50, 0.5},
		{0, 100, 200},
	}
	for _, p := range points {
		act := d.Inverse(p)
		got := d.Forward(act)
		if diff := cmp.Diff(p, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("round trip of %v (-want +got):\n%s", p, diff)
		}
	}
}

func TestDeltaCenterIsSymmetric(t *testing.T) {
	d := newTestDelta(t)
	act := d.Inverse([3]float64{0, 0, 0})
	want := math.Sqrt(269.0*269.0 - 130.0*130.0)
	if diff := cmp.Diff([3]float64{want, want, want}, act, approx); diff != "" {
		t.Errorf("carriage heights at center (-want +got):\n%s", diff)
	}
}

func TestDeltaParameters(t *testing.T) {
	d := newTestDelta(t)
	if len(d.Parameters()) != 11 {
		t.Fatalf("expected 11 parameters, got %v", d.Parameters())
	}

	if err := d.SetParameter(TowerRadiusOffsetB, 1.5); err != nil {
		t.Fatal(err)
	}
	v, err := d.Parameter(TowerRadiusOffsetB)
	if err != nil || v != 1.5 {
		t.Errorf("tower_radius_offset_b = %v, %v", v, err)
	}
	towers := d.Towers()
	r := math.Hypot(towers[1][0], towers[1][1])
	if math.Abs(r-131.5) > 1e-9 {
		t.Errorf("tower B radius %v, want 131.5", r)
	}

	if err := SetTriple(d, TowerAngleOffsets, [3]float64{1, 0, -1.5}); err != nil {
		t.Fatal(err)
	}
	got, err := GetTriple(d, TowerAngleOffsets)
	if err != nil || got != [3]float64{1, 0, -1.5} {
		t.Errorf("angle offsets = %v, %v", got, err)
	}

	if _, err := d.Parameter("tower_twist"); !errors.Is(err, errors.ErrKinematicsParam) {
		t.Errorf("expected KINEMATICS_PARAM, got %v", err)
	}
}

func TestDeltaRejectsDegenerateGeometry(t *testing.T) {
	d := newTestDelta(t)
	if err := d.SetParameter(ArmLength, 100); err == nil {
		t.Fatal("arm shorter than radius must be rejected")
	}
	if v, _ := d.Parameter(ArmLength); v != 269.0 {
		t.Errorf("arm_length must be restored, got %v", v)
	}
	if err := d.SetParameter(DeltaRadius, math.NaN()); err == nil {
		t.Fatal("NaN must be rejected")
	}
	if _, err := NewDelta(DeltaConfig{ArmLength: 100, Radius: 130}); err == nil {
		t.Fatal("NewDelta must validate arm length")
	}
}

func TestDeltaNotifyPreservesCarriages(t *testing.T) {
	d := newTestDelta(t)
	d.SetPosition([3]float64{0, 0, 5})
	before := d.Inverse(d.Position())

	if err := d.SetParameter(DeltaRadius, 131.0); err != nil {
		t.Fatal(err)
	}
	d.NotifyGeometryChanged()

	pos := d.Position()
	after := d.Inverse(pos)
	if diff := cmp.Diff(before, after, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("carriages moved (-before +after):\n%s", diff)
	}
	if pos[2] == 5 {
		t.Error("cartesian height should change with the radius")
	}
}

func TestReachable(t *testing.T) {
	d := newTestDelta(t)
	if !d.Reachable([3]float64{0, 0, 0}) {
		t.Error("center must be reachable")
	}
	if d.Reachable([3]float64{500, 0, 0}) {
		t.Error("far point must not be reachable")
	}
}

func TestFactoryAndCartesian(t *testing.T) {
	a, err := New("Delta", DeltaConfig{ArmLength: 250, Radius: 120})
	if err != nil || a.Type() != "delta" {
		t.Fatalf("New(delta) = %v, %v", a, err)
	}
	c, err := New("cartesian", DeltaConfig{})
	if err != nil || c.Type() != "cartesian" {
		t.Fatalf("New(cartesian) = %v, %v", c, err)
	}
	p := [3]float64{1, 2, 3}
	if c.Forward(p) != p || c.Inverse(p) != p {
		t.Error("cartesian must be identity")
	}
	if err := c.SetParameter(DeltaRadius, 1); !errors.Is(err, errors.ErrKinematicsParam) {
		t.Errorf("cartesian has no parameters, got %v", err)
	}
	if _, err := New("corexy", DeltaConfig{}); !errors.Is(err, errors.ErrKinematics) {
		t.Errorf("expected KINEMATICS error, got %v", err)
	}
}
