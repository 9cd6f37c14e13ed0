package calibrate

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/pool"
)

// Params is a snapshot of everything the calibrators adjust.
type Params struct {
	ArmLength     float64    `msgpack:"arm_length"`
	Radius        float64    `msgpack:"delta_radius"`
	RadiusOffsets [3]float64 `msgpack:"radius_offsets"`
	AngleOffsets  [3]float64 `msgpack:"angle_offsets"`
	ArmOffsets    [3]float64 `msgpack:"arm_offsets"`
	Trim          [3]float64 `msgpack:"trim"`
	Shimming      [3]float64 `msgpack:"shimming"`
}

func (p Params) String() string {
	return fmt.Sprintf("arm=%.3f radius=%.3f trim=%.3f radius_offsets=%.3f angle_offsets=%.3f arm_offsets=%.3f shimming=%.3f",
		p.ArmLength, p.Radius, p.Trim, p.RadiusOffsets, p.AngleOffsets, p.ArmOffsets, p.Shimming)
}

// Encode serializes p with msgpack.
func (p Params) Encode() ([]byte, error) {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)
	if err := msgpack.NewEncoder(buf).Encode(&p); err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntime, "encode parameters")
	}
	return buf.Clone(), nil
}

// DecodeParams reverses Encode.
func DecodeParams(b []byte) (Params, error) {
	var p Params
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return p, errors.Wrap(err, errors.ErrRuntime, "decode parameters")
	}
	return p, nil
}

// Snapshot reads the current parameters. Parameters the kinematics does
// not have are left at zero.
func (c *Calibrator) Snapshot() (Params, error) {
	var p Params
	var err error
	if p.Trim, err = c.trim.Trim(); err != nil {
		return p, errors.Wrap(err, errors.ErrRuntime, "couldn't query trim")
	}
	p.Shimming[0], p.Shimming[1], p.Shimming[2] = c.surface.TiltPlane()

	if p.ArmLength, err = c.kin.Parameter(kinematics.ArmLength); ignoreUnknown(err) != nil {
		return p, err
	}
	if p.Radius, err = c.kin.Parameter(kinematics.DeltaRadius); ignoreUnknown(err) != nil {
		return p, err
	}
	if p.RadiusOffsets, err = kinematics.GetTriple(c.kin, kinematics.TowerRadiusOffsets); ignoreUnknown(err) != nil {
		return p, err
	}
	if p.AngleOffsets, err = kinematics.GetTriple(c.kin, kinematics.TowerAngleOffsets); ignoreUnknown(err) != nil {
		return p, err
	}
	if p.ArmOffsets, err = kinematics.GetTriple(c.kin, kinematics.TowerArmOffsets); ignoreUnknown(err) != nil {
		return p, err
	}
	return p, nil
}

// restore applies p to the kinematics, the trim and the tilt plane.
func (c *Calibrator) restore(p Params) error {
	if c.hasGeometry() {
		if err := c.setArmAndRadius(p.ArmLength, p.Radius); err != nil {
			return err
		}
		if err := kinematics.SetTriple(c.kin, kinematics.TowerRadiusOffsets, p.RadiusOffsets); err != nil {
			return err
		}
		if err := kinematics.SetTriple(c.kin, kinematics.TowerAngleOffsets, p.AngleOffsets); err != nil {
			return err
		}
		if err := kinematics.SetTriple(c.kin, kinematics.TowerArmOffsets, p.ArmOffsets); err != nil {
			return err
		}
	}
	c.surface.SetTiltPlane(p.Shimming[0], p.Shimming[1], p.Shimming[2])
	if err := c.setTrim(p.Trim); err != nil {
		return err
	}
	c.kin.NotifyGeometryChanged()
	return nil
}

// setArmAndRadius changes both values in an order that keeps the arms
// longer than the radius in between.
func (c *Calibrator) setArmAndRadius(arm, radius float64) error {
	cur, err := c.kin.Parameter(kinematics.ArmLength)
	if err != nil {
		return err
	}
	order := []kinematics.Param{kinematics.DeltaRadius, kinematics.ArmLength}
	values := []float64{radius, arm}
	if arm >= cur {
		order[0], order[1] = order[1], order[0]
		values[0], values[1] = values[1], values[0]
	}
	for i, p := range order {
		if err := c.kin.SetParameter(p, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// hasGeometry reports whether the kinematics has tunable delta geometry.
func (c *Calibrator) hasGeometry() bool {
	_, err := c.kin.Parameter(kinematics.DeltaRadius)
	return err == nil
}

func ignoreUnknown(err error) error {
	if errors.Is(err, errors.ErrKinematicsParam) {
		return nil
	}
	return err
}
