// Cartesian kinematics: actuators map one to one onto X, Y and Z.
package kinematics

import "delta-calibration/pkg/errors"

// Cartesian implements Adapter for machines whose axes are the actuators.
// It has no tunable geometry; only the endstop trim and the surface model
// apply to it.
type Cartesian struct{}

// NewCartesian creates a cartesian adapter.
func NewCartesian() *Cartesian {
	return &Cartesian{}
}

// Type returns the kinematic type name.
func (c *Cartesian) Type() string {
	return "cartesian"
}

// Forward returns the actuator positions unchanged.
func (c *Cartesian) Forward(act [3]float64) [3]float64 {
	return act
}

// Inverse returns the cartesian position unchanged.
func (c *Cartesian) Inverse(pos [3]float64) [3]float64 {
	return pos
}

func (c *Cartesian) Parameters() []Param {
	return nil
}

func (c *Cartesian) Parameter(p Param) (float64, error) {
	return 0, errors.UnknownParameterError(c.Type(), string(p))
}

func (c *Cartesian) SetParameter(p Param, v float64) error {
	return errors.UnknownParameterError(c.Type(), string(p))
}

func (c *Cartesian) NotifyGeometryChanged() {}
