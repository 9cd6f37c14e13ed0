package calibrate

import (
	"fmt"
	"math"

	"delta-calibration/pkg/errors"
)

// minProbeSteps is the smallest believable probe result. Anything less
// means the probe started too close to the surface.
const minProbeSteps = 100

func (c *Calibrator) mm(steps int) float64 {
	return c.probe.StepsToMM(float64(steps))
}

func (c *Calibrator) fastFeedrate() float64 {
	fast, _ := c.probe.Feedrates()
	return fast
}

// withProbeAccel runs fn with the probe acceleration applied and restores
// the previous acceleration afterwards.
func (c *Calibrator) withProbeAccel(fn func() error) error {
	saved := c.probe.Acceleration()
	if err := c.probe.SetAcceleration(c.settings.ProbeAcceleration); err != nil {
		return errors.Wrap(err, errors.ErrProbe, "couldn't set probe acceleration")
	}
	err := fn()
	if rerr := c.probe.SetAcceleration(saved); rerr != nil && err == nil {
		err = errors.Wrap(rerr, errors.ErrProbe, "couldn't restore acceleration")
	}
	return err
}

// probeAt moves to (x, y), corrected for the probe offset, and returns the
// average number of steps to trigger over the smoothing count.
func (c *Calibrator) probeAt(x, y float64) (int, error) {
	fast := c.fastFeedrate()
	if err := c.probe.MoveTo(x+c.settings.OffsetX, y+c.settings.OffsetY, math.NaN(), fast, false); err != nil {
		return 0, errors.Wrap(err, errors.ErrProbe, fmt.Sprintf("couldn't move to <%1.3f, %1.3f>", x, y))
	}

	total := 0
	n := c.settings.Smoothing
	err := c.withProbeAccel(func() error {
		for i := 0; i < n; i++ {
			steps, err := c.probe.ProbeOnce(false)
			if err != nil {
				return errors.Wrap(err, errors.ErrProbe, fmt.Sprintf("probe at <%1.3f, %1.3f> failed", x, y))
			}
			back := steps
			if c.probe.DecelerateOnTrigger() {
				back = c.probe.StepsAtDecelEnd()
			}
			if err := c.probe.MoveTo(math.NaN(), math.NaN(), c.mm(back), fast, true); err != nil {
				return errors.Wrap(err, errors.ErrProbe, "couldn't return probe")
			}
			total += steps
			c.yield()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	steps := total / n
	if steps < minProbeSteps {
		return steps, errors.ProbeRangeError(steps, "much too small - is the probe height high enough?")
	}
	return steps, nil
}

// prime takes throwaway samples at the center to settle the probe.
func (c *Calibrator) prime() error {
	for i := 0; i < c.settings.Priming; i++ {
		if _, err := c.probeAt(0, 0); err != nil {
			return err
		}
	}
	return nil
}

// findBedCenterHeight measures the distance from the homed position to
// the bed center and hands it to the probe session. The probe-from height
// is measured first when it is not known yet.
func (c *Calibrator) findBedCenterHeight() error {
	fast := c.fastFeedrate()
	if err := c.home(); err != nil {
		return err
	}
	if c.probeFromHeight < 0 {
		steps, err := c.probe.ProbeOnce(true)
		if err != nil {
			return errors.Wrap(err, errors.ErrProbe, "fast probe for the probe-from height failed")
		}
		c.probeFromHeight = c.mm(steps) - c.probe.ProbeHeight()
		c.log.Info("probe-from height is %1.3f mm", c.probeFromHeight)
		if err := c.home(); err != nil {
			return err
		}
	}

	if err := c.probe.MoveTo(math.NaN(), math.NaN(), -c.probeFromHeight, fast, true); err != nil {
		return errors.Wrap(err, errors.ErrProbe, "couldn't move to the probe-from height")
	}
	if err := c.prime(); err != nil {
		return err
	}
	if err := c.probe.MoveTo(c.settings.OffsetX, c.settings.OffsetY, math.NaN(), fast, false); err != nil {
		return errors.Wrap(err, errors.ErrProbe, "couldn't move over the bed center")
	}

	var steps int
	err := c.withProbeAccel(func() error {
		var err error
		steps, err = c.probe.ProbeOnce(false)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrProbe, "probe at the bed center failed")
	}

	c.bedHeight = c.probeFromHeight + c.mm(steps) + c.settings.OffsetZ
	c.log.Info("bed height is %1.3f mm", c.bedHeight)
	if err := c.probe.SetBedHeight(c.bedHeight); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "couldn't set the bed height")
	}
	return nil
}

// prepareToProbe homes and descends to the probe-from height, measuring
// it first if needed.
func (c *Calibrator) prepareToProbe() error {
	if c.probeFromHeight < 0 {
		if err := c.findBedCenterHeight(); err != nil {
			return err
		}
	}
	if err := c.home(); err != nil {
		return err
	}
	if err := c.probe.MoveTo(math.NaN(), math.NaN(), -c.probeFromHeight, c.fastFeedrate(), true); err != nil {
		return errors.Wrap(err, errors.ErrProbe, "couldn't move to the probe-from height")
	}
	return nil
}

func (c *Calibrator) home() error {
	if err := c.probe.Home(); err != nil {
		return errors.Wrap(err, errors.ErrProbe, "homing failed")
	}
	return nil
}
