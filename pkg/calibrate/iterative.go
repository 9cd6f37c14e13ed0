package calibrate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/kinematics"
)

// IterativeOptions control Iterative.
type IterativeOptions struct {
	// Keep starts from the current trim and geometry instead of zeroing
	// trim, tower offsets and shimming first.
	Keep bool

	// Target is the tolerance for both correctors in mm. Zero uses the
	// configured target.
	Target float64

	// MaxIterations caps the probe/correct cycles. Zero uses the
	// configured cap.
	MaxIterations int
}

// IterativeResult reports how Iterative ended.
type IterativeResult struct {
	Outcome Outcome
	// Iterations counts the corrective cycles; zero when the first probe
	// was already in tolerance.
	Iterations int
	Deviation  float64
	Trim       [3]float64
	Radius     float64
}

// endstopCorrector scales its step down while the deviation stops
// improving.
type endstopCorrector struct {
	lastDeviation float64
	gain          float64
}

func newEndstopCorrector() *endstopCorrector {
	return &endstopCorrector{lastDeviation: 999, gain: 1.3}
}

// correct moves each tower's trim by how much deeper than the shallowest
// probed point its depth is.
func (e *endstopCorrector) correct(trim, depth [3]float64, lowest, deviation float64) ([3]float64, error) {
	for i, t := range trim {
		if t > 0 {
			trim[i] = 0
		}
		if t < -5 {
			return trim, errors.SanityError("iterative",
				fmt.Sprintf("tower %c trim %1.3f is out of range, check the endstops and the arm length", 'X'+i, t))
		}
	}
	if deviation >= e.lastDeviation && e.gain*0.95 >= 0.9 {
		e.gain *= 0.9
	}
	e.lastDeviation = deviation

	for i := range trim {
		trim[i] += (lowest - depth[i]) * e.gain
	}
	highest := floats.Max(trim[:])
	for i := range trim {
		trim[i] -= highest
	}
	return trim, nil
}

// Iterative alternately corrects the endstop trim and the delta radius
// until the center and the three tower points agree within the target.
// Running out of iterations is not an error; the result reports it.
func (c *Calibrator) Iterative(opts IterativeOptions) (IterativeResult, error) {
	r, err := c.begin(KindIterative)
	if err != nil {
		return IterativeResult{}, err
	}
	res, err := c.iterative(opts)
	if err == nil {
		c.markGeometryClean()
	}
	c.finish(r, RunSummary{
		Outcome:     res.Outcome,
		Iterations:  res.Iterations,
		FinalEnergy: res.Deviation,
		Err:         err,
	})
	return res, err
}

func (c *Calibrator) iterative(opts IterativeOptions) (IterativeResult, error) {
	var res IterativeResult
	if opts.Target <= 0 {
		opts.Target = c.settings.IterativeTarget
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = c.settings.IterativeMaxIterations
	}

	c.setDepths(nil)
	if err := c.surface.SetActive(false); err != nil {
		return res, err
	}

	if !opts.Keep {
		c.log.Info("resetting trim, tower offsets and shimming")
		if err := c.setTrim([3]float64{}); err != nil {
			return res, err
		}
		if c.hasGeometry() {
			for _, set := range [][3]kinematics.Param{
				kinematics.TowerRadiusOffsets,
				kinematics.TowerAngleOffsets,
				kinematics.TowerArmOffsets,
			} {
				if err := kinematics.SetTriple(c.kin, set, [3]float64{}); err != nil {
					return res, err
				}
			}
		}
		c.surface.SetTiltPlane(0, 0, 0)
		c.kin.NotifyGeometryChanged()
	}

	towers := c.grid.TowerXY()
	corrector := newEndstopCorrector()

	for i := 1; i <= opts.MaxIterations; i++ {
		res.Iterations = i
		c.log.Info("iteration %d (max %d)", i, opts.MaxIterations)

		if err := c.prepareToProbe(); err != nil {
			return res, err
		}
		if err := c.prime(); err != nil {
			return res, err
		}

		center, err := c.probeAt(0, 0)
		if err != nil {
			return res, err
		}
		var depth [3]float64
		for t, xy := range towers {
			steps, err := c.probeAt(xy[0], xy[1])
			if err != nil {
				return res, err
			}
			depth[t] = c.mm(steps)
		}
		centerMM := c.mm(center)

		all := []float64{centerMM, depth[0], depth[1], depth[2]}
		lowest := floats.Min(all)
		res.Deviation = floats.Max(all) - lowest
		c.log.Info("tower depths X %1.3f Y %1.3f Z %1.3f, center %1.3f, deviation %1.3f",
			depth[0], depth[1], depth[2], centerMM, res.Deviation)

		trimOK := res.Deviation <= opts.Target

		avg := floats.Sum(depth[:]) / 3
		radiusDeviation := centerMM - avg
		// without a delta geometry there is no radius to correct
		radiusOK := !c.hasGeometry() || math.Abs(radiusDeviation) <= opts.Target

		if trimOK && radiusOK {
			c.log.Info("trim and delta radius are within %1.3f mm after %d corrective iterations", opts.Target, i-1)
			res.Outcome = Converged
			res.Iterations = i - 1
			break
		}

		if !trimOK {
			trim, err := c.trim.Trim()
			if err != nil {
				return res, errors.Wrap(err, errors.ErrRuntime, "couldn't query trim")
			}
			if trim, err = corrector.correct(trim, depth, lowest, res.Deviation); err != nil {
				return res, err
			}
			c.log.Info("setting trim to X %1.3f Y %1.3f Z %1.3f", trim[0], trim[1], trim[2])
			if err := c.setTrim(trim); err != nil {
				return res, err
			}
		}

		if !radiusOK {
			radius, err := c.kin.Parameter(kinematics.DeltaRadius)
			if err != nil {
				return res, err
			}
			radius += radiusDeviation * 2
			c.log.Info("changing delta radius to %1.4f", radius)
			if err := c.kin.SetParameter(kinematics.DeltaRadius, radius); err != nil {
				return res, err
			}
			c.kin.NotifyGeometryChanged()
		}
		c.yield()
	}

	if res.Outcome == "" {
		res.Outcome = MaxIterations
		c.log.Warn("gave up after %d iterations, deviation %1.3f", opts.MaxIterations, res.Deviation)
	} else if err := c.home(); err != nil {
		return res, err
	}

	var err error
	if res.Trim, err = c.trim.Trim(); err != nil {
		return res, errors.Wrap(err, errors.ErrRuntime, "couldn't query trim")
	}
	res.Radius, _ = c.kin.Parameter(kinematics.DeltaRadius)
	return res, nil
}
