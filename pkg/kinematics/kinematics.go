// Package kinematics provides the actuator/cartesian transforms the
// calibration routines tune.
package kinematics

import (
	"fmt"
	"strings"

	"delta-calibration/pkg/errors"
)

// Param names a tunable kinematic parameter.
type Param string

const (
	ArmLength   Param = "arm_length"
	DeltaRadius Param = "delta_radius"

	TowerRadiusOffsetA Param = "tower_radius_offset_a"
	TowerRadiusOffsetB Param = "tower_radius_offset_b"
	TowerRadiusOffsetC Param = "tower_radius_offset_c"

	TowerAngleOffsetA Param = "tower_angle_offset_a"
	TowerAngleOffsetB Param = "tower_angle_offset_b"
	TowerAngleOffsetC Param = "tower_angle_offset_c"

	TowerArmOffsetA Param = "tower_arm_offset_a"
	TowerArmOffsetB Param = "tower_arm_offset_b"
	TowerArmOffsetC Param = "tower_arm_offset_c"
)

// Per-tower parameter triples, indexed by tower (A, B, C).
var (
	TowerRadiusOffsets = [3]Param{TowerRadiusOffsetA, TowerRadiusOffsetB, TowerRadiusOffsetC}
	TowerAngleOffsets  = [3]Param{TowerAngleOffsetA, TowerAngleOffsetB, TowerAngleOffsetC}
	TowerArmOffsets    = [3]Param{TowerArmOffsetA, TowerArmOffsetB, TowerArmOffsetC}
)

// Adapter converts between actuator space and cartesian space and exposes
// the geometry parameters the calibrators adjust.
type Adapter interface {
	// Type returns the kinematic type name ("delta", "cartesian").
	Type() string

	// Forward maps actuator positions to a cartesian position.
	Forward(actuators [3]float64) [3]float64

	// Inverse maps a cartesian position to actuator positions.
	Inverse(cartesian [3]float64) [3]float64

	// Parameters lists the tunable parameters, empty if none.
	Parameters() []Param

	// Parameter returns the current value of p.
	Parameter(p Param) (float64, error)

	// SetParameter changes p. The transforms use the new value immediately.
	SetParameter(p Param, v float64) error

	// NotifyGeometryChanged re-expresses the last known position under the
	// current parameters so the head does not physically jump.
	NotifyGeometryChanged()
}

// GetTriple reads a per-tower parameter triple.
func GetTriple(a Adapter, params [3]Param) ([3]float64, error) {
	var out [3]float64
	for i, p := range params {
		v, err := a.Parameter(p)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// SetTriple writes a per-tower parameter triple.
func SetTriple(a Adapter, params [3]Param, v [3]float64) error {
	for i, p := range params {
		if err := a.SetParameter(p, v[i]); err != nil {
			return err
		}
	}
	return nil
}

// New creates an adapter by kinematic type name. cfg is only used for delta.
func New(kind string, cfg DeltaConfig) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "delta":
		d, err := NewDelta(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "cartesian":
		return NewCartesian(), nil
	default:
		return nil, errors.KinematicsError(fmt.Sprintf("unsupported kinematics type: %s", kind))
	}
}
