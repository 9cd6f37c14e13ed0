// Delta kinematics for linear delta printers with per-tower geometry offsets.
package kinematics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"delta-calibration/pkg/errors"
)

// DefaultAngles places the towers A, B, C at 210, 330 and 90 degrees.
var DefaultAngles = [3]float64{210.0, 330.0, 90.0}

// DeltaConfig contains the delta geometry. Offsets are per tower (A, B, C).
type DeltaConfig struct {
	ArmLength     float64    // Diagonal rod length
	Radius        float64    // Delta radius
	Angles        [3]float64 // Tower angles in degrees, zero value means DefaultAngles
	RadiusOffsets [3]float64
	AngleOffsets  [3]float64
	ArmOffsets    [3]float64
}

// Delta implements Adapter for a three tower linear delta.
// Tower i sits at (R+radiusOffset[i]) * (cos, sin)(angle[i]+angleOffset[i])
// and is joined to the effector by a rod of ArmLength+armOffset[i].
type Delta struct {
	armLength     float64
	radius        float64
	angles        [3]float64
	radiusOffsets [3]float64
	angleOffsets  [3]float64
	armOffsets    [3]float64

	// derived by recalc
	towers [3][2]float64
	arm2   [3]float64

	// last commanded actuator positions and the cartesian position they
	// were last expressed as
	actuators [3]float64
	position  [3]float64
}

// NewDelta creates a delta adapter.
func NewDelta(cfg DeltaConfig) (*Delta, error) {
	if cfg.Radius <= 0 {
		return nil, errors.KinematicsError("delta_radius must be positive")
	}
	if cfg.ArmLength <= cfg.Radius {
		return nil, errors.KinematicsError("arm_length must be greater than delta_radius")
	}
	angles := cfg.Angles
	if angles == [3]float64{} {
		angles = DefaultAngles
	}
	d := &Delta{
		armLength:     cfg.ArmLength,
		radius:        cfg.Radius,
		angles:        angles,
		radiusOffsets: cfg.RadiusOffsets,
		angleOffsets:  cfg.AngleOffsets,
		armOffsets:    cfg.ArmOffsets,
	}
	if err := d.recalc(); err != nil {
		return nil, err
	}
	d.SetPosition([3]float64{0, 0, 0})
	return d, nil
}

func (d *Delta) recalc() *errors.HostError {
	for i := range d.towers {
		r := d.radius + d.radiusOffsets[i]
		arm := d.armLength + d.armOffsets[i]
		if r <= 0 || arm <= r {
			return errors.KinematicsError(fmt.Sprintf("tower %c: arm %.3f must exceed radius %.3f > 0", 'A'+i, arm, r))
		}
		rad := (d.angles[i] + d.angleOffsets[i]) * math.Pi / 180.0
		d.towers[i] = [2]float64{math.Cos(rad) * r, math.Sin(rad) * r}
		d.arm2[i] = arm * arm
	}
	return nil
}

// Type returns the kinematic type name.
func (d *Delta) Type() string {
	return "delta"
}

// Towers returns the XY position of each tower.
func (d *Delta) Towers() [3][2]float64 {
	return d.towers
}

// Inverse returns the carriage height of each tower for a cartesian point:
// z + sqrt(arm^2 - dx^2 - dy^2). Unreachable points give NaN.
func (d *Delta) Inverse(pos [3]float64) [3]float64 {
	var out [3]float64
	for i, t := range d.towers {
		dx := t[0] - pos[0]
		dy := t[1] - pos[1]
		out[i] = math.Sqrt(d.arm2[i]-dx*dx-dy*dy) + pos[2]
	}
	return out
}

// Forward finds the effector position from carriage heights as the lower
// intersection of the three rod spheres.
func (d *Delta) Forward(act [3]float64) [3]float64 {
	p := trilateration(d.towers, act, d.arm2)
	return [3]float64{p.X, p.Y, p.Z}
}

// Reachable reports whether every rod can reach pos.
func (d *Delta) Reachable(pos [3]float64) bool {
	for _, a := range d.Inverse(pos) {
		if math.IsNaN(a) {
			return false
		}
	}
	return true
}

// SetPosition records the head at pos.
func (d *Delta) SetPosition(pos [3]float64) {
	d.actuators = d.Inverse(pos)
	d.position = pos
}

// Position returns the last known cartesian position.
func (d *Delta) Position() [3]float64 {
	return d.position
}

// NotifyGeometryChanged keeps the carriages where they are and recomputes
// the cartesian position they represent under the new geometry.
func (d *Delta) NotifyGeometryChanged() {
	d.position = d.Forward(d.actuators)
}

// Parameters lists the tunable parameters.
func (d *Delta) Parameters() []Param {
	params := []Param{ArmLength, DeltaRadius}
	params = append(params, TowerRadiusOffsets[:]...)
	params = append(params, TowerAngleOffsets[:]...)
	return append(params, TowerArmOffsets[:]...)
}

// field returns the storage for p.
func (d *Delta) field(p Param) *float64 {
	switch p {
	case ArmLength:
		return &d.armLength
	case DeltaRadius:
		return &d.radius
	}
	for i := 0; i < 3; i++ {
		switch p {
		case TowerRadiusOffsets[i]:
			return &d.radiusOffsets[i]
		case TowerAngleOffsets[i]:
			return &d.angleOffsets[i]
		case TowerArmOffsets[i]:
			return &d.armOffsets[i]
		}
	}
	return nil
}

// Parameter returns the current value of p.
func (d *Delta) Parameter(p Param) (float64, error) {
	f := d.field(p)
	if f == nil {
		return 0, errors.UnknownParameterError(d.Type(), string(p))
	}
	return *f, nil
}

// SetParameter changes p and recomputes the tower geometry. A value that
// makes a tower degenerate is rejected and the old value kept.
func (d *Delta) SetParameter(p Param, v float64) error {
	f := d.field(p)
	if f == nil {
		return errors.UnknownParameterError(d.Type(), string(p))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.KinematicsError(fmt.Sprintf("%s: invalid value %v", p, v)).SetOption(string(p))
	}
	old := *f
	*f = v
	if err := d.recalc(); err != nil {
		*f = old
		d.recalc()
		return err.SetOption(string(p))
	}
	return nil
}

// trilateration returns the lower intersection point of the three spheres
// centred on the carriages with radius^2 arm2.
func trilateration(towers [3][2]float64, spos [3]float64, arm2 [3]float64) r3.Vec {
	s1 := r3.Vec{X: towers[0][0], Y: towers[0][1], Z: spos[0]}
	s2 := r3.Vec{X: towers[1][0], Y: towers[1][1], Z: spos[1]}
	s3 := r3.Vec{X: towers[2][0], Y: towers[2][1], Z: spos[2]}

	s21 := r3.Sub(s2, s1)
	s31 := r3.Sub(s3, s1)

	d := r3.Norm(s21)
	ex := r3.Scale(1/d, s21)
	i := r3.Dot(ex, s31)
	ey := r3.Unit(r3.Sub(s31, r3.Scale(i, ex)))
	ez := r3.Cross(ex, ey)
	j := r3.Dot(ey, s31)

	x := (arm2[0] - arm2[1] + d*d) / (2.0 * d)
	y := (arm2[0] - arm2[2] - x*x + (x-i)*(x-i) + j*j) / (2.0 * j)
	z := -math.Sqrt(arm2[0] - x*x - y*y)

	return r3.Add(s1, r3.Add(r3.Scale(x, ex), r3.Add(r3.Scale(y, ey), r3.Scale(z, ez))))
}
