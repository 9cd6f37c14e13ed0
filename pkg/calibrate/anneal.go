package calibrate

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/pool"
)

// AnnealOptions control Anneal.
type AnnealOptions struct {
	// Groups maps each selected group to its temperature multiplier. An
	// empty map selects the endstop and radius groups; a zero multiplier
	// means 1.
	Groups map[Group]float64

	Tries   int
	MaxTemp float64
	Width   float64
	Overrun float64

	// Target ends the search for a single value, GlobalTarget the whole
	// run.
	Target       float64
	GlobalTarget float64
	Passes       int

	// Keep starts from the current parameters and, when probing, the
	// last scanned depths.
	Keep bool
	// Simulate perturbs the parameters by known amounts instead of
	// probing, and anneals back towards the original values.
	Simulate bool
	// ZeroOffsets clears trim, shimming, tower radius and angle offsets
	// first.
	ZeroOffsets bool
}

// DefaultAnnealOptions returns the configured annealing options with the
// endstop and radius groups selected.
func (c *Calibrator) DefaultAnnealOptions() AnnealOptions {
	s := c.Settings()
	return AnnealOptions{
		Groups:       map[Group]float64{EndstopGroup: 1, RadiusGroup: 1},
		Tries:        s.AnnealTries,
		MaxTemp:      s.AnnealMaxTemp,
		Width:        s.AnnealWidth,
		Overrun:      s.AnnealOverrun,
		Target:       s.AnnealTarget,
		GlobalTarget: s.AnnealGlobalTarget,
		Passes:       1,
	}
}

func (o AnnealOptions) normalize() AnnealOptions {
	o.Tries = int(clamp(float64(o.Tries), 10, 1000))
	o.MaxTemp = clamp(o.MaxTemp, 0, 2)
	o.Width = clamp(o.Width, 0, 0.5)
	o.Overrun = clamp(o.Overrun, 0.5, 15)
	if o.Target <= 0 {
		o.Target = 0.005
	}
	if o.GlobalTarget <= 0 {
		o.GlobalTarget = 0.010
	}
	if o.Passes < 1 {
		o.Passes = 1
	}
	groups := make(map[Group]float64, len(o.Groups))
	for g, w := range o.Groups {
		if w == 0 {
			w = 1
		}
		groups[g] = clamp(w, 0, 50)
	}
	if len(groups) == 0 {
		groups[EndstopGroup] = 1
		groups[RadiusGroup] = 1
	}
	o.Groups = groups
	return o
}

func (o AnnealOptions) has(g Group) bool {
	_, ok := o.Groups[g]
	return ok
}

func (o AnnealOptions) weight(g Group) float64 {
	if w, ok := o.Groups[g]; ok {
		return w
	}
	return 1
}

// stepWeight is the temperature multiplier g steps with. The angle group
// has always stepped with the endstop multiplier unless ownAngle is set.
func (o AnnealOptions) stepWeight(g Group, ownAngle bool) float64 {
	if g == AngleGroup && !ownAngle {
		return o.weight(EndstopGroup)
	}
	return o.weight(g)
}

// AnnealResult reports how Anneal ended.
type AnnealResult struct {
	Outcome       Outcome
	Passes        int
	Iterations    int
	InitialEnergy float64
	FinalEnergy   float64
	Params        Params
	// Depths are the simulated heights of the grid after the last pass.
	Depths []Depth
}

// Anneal searches the selected parameter groups for the configuration
// whose simulated surface is flattest. Parameters found along the way stay
// applied when the run fails.
func (c *Calibrator) Anneal(opts AnnealOptions) (AnnealResult, error) {
	r, err := c.begin(KindAnneal)
	if err != nil {
		return AnnealResult{}, err
	}
	res, err := c.anneal(r, opts)
	if err == nil {
		c.markGeometryClean()
	}
	c.finish(r, RunSummary{
		Outcome:       res.Outcome,
		Iterations:    res.Iterations,
		InitialEnergy: res.InitialEnergy,
		FinalEnergy:   res.FinalEnergy,
		Err:           err,
	})
	return res, err
}

func (c *Calibrator) anneal(r *run, opts AnnealOptions) (AnnealResult, error) {
	var res AnnealResult
	opts = opts.normalize()
	if !c.hasGeometry() {
		for _, g := range []Group{RadiusGroup, ArmGroup, AngleGroup} {
			delete(opts.Groups, g)
		}
	}
	c.log.Info("annealing groups %v, tries %d, max temp %1.3f, width %1.3f, overrun %1.3f, simulate %v, keep %v",
		groupNames(opts), opts.Tries, opts.MaxTemp, opts.Width, opts.Overrun, opts.Simulate, opts.Keep)

	if opts.ZeroOffsets {
		if err := c.zeroOffsets(); err != nil {
			return res, err
		}
	}

	grid := c.grid
	depths := make([]Depth, grid.Len())
	if opts.Keep && !opts.Simulate {
		if last := c.LastDepths(); len(last) == grid.Len() {
			depths = last
		}
	}
	c.surface.DisableDepth()
	c.surface.EnablePlane(opts.has(ShimmingGroup))

	snap, err := c.Snapshot()
	if err != nil {
		return res, err
	}
	if !opts.Simulate || c.base == nil {
		base := snap
		c.base = &base
	}
	if !opts.Keep && opts.Simulate {
		c.log.Info("restoring baseline parameters")
		if err := c.restore(*c.base); err != nil {
			return res, err
		}
	}
	cur, err := c.Snapshot()
	if err != nil {
		return res, err
	}

	if c.GeometryDirty() {
		// edited since the cached carriage positions were synthesized
		c.sim.invalidate()
	}
	a := &annealer{c: c, grid: grid, cart: make([][3]float64, grid.Len())}
	groups := c.buildGroups(a, opts, cur.ArmLength)

	first := true
	for pass := 0; pass < opts.Passes; pass++ {
		res.Passes = pass + 1
		var saved *Params

		if opts.Simulate {
			depths = make([]Depth, grid.Len())
			if !opts.Keep {
				p, err := c.Snapshot()
				if err != nil {
					return res, err
				}
				saved = &p
				if err := c.perturb(opts); err != nil {
					return res, err
				}
				if cur, err = c.Snapshot(); err != nil {
					return res, err
				}
				c.sim.invalidate()
				c.log.Info("perturbed parameters: %s", cur)
			}
		} else if !opts.Keep {
			scanned, err := c.scanDepths(false)
			if err != nil {
				_ = c.home()
				return res, err
			}
			depths = scanned
		}

		if !c.sim.valid() || !opts.Simulate {
			if err := a.simulateIK(depths, cur.Trim); err != nil {
				return res, err
			}
			if saved != nil {
				if err := c.restore(*saved); err != nil {
					return res, err
				}
				cur = *saved
			}
		}
		a.trim = cur.Trim

		energy := a.energy()
		if first {
			res.InitialEnergy = energy
			first = false
		}
		c.log.Info("annealing pass %d of %d, starting energy %1.5f", pass+1, opts.Passes, energy)

		outcome, iterations, err := c.annealPass(r, a, groups, opts)
		res.Iterations += iterations
		if err != nil {
			return res, err
		}
		res.Outcome = outcome

		end := a.energy()
		res.FinalEnergy = end
		c.log.Info("end of annealing pass, energy %1.5f", end)
		if end <= opts.GlobalTarget {
			res.Outcome = Converged
			break
		}
	}

	highest := floats.Max(a.trim[:])
	for i := range a.trim {
		a.trim[i] -= highest
	}
	if err := c.setTrim(a.trim); err != nil {
		return res, err
	}
	res.Depths = a.simulatedDepths()
	c.setDepths(res.Depths)
	c.logDepths(res.Depths)

	if res.Params, err = c.Snapshot(); err != nil {
		return res, err
	}
	c.log.Info("annealing finished (%s, energy %1.5f): %s", res.Outcome, res.FinalEnergy, res.Params)
	return res, c.home()
}

// annealPass runs the inner loop of one pass.
func (c *Calibrator) annealPass(r *run, a *annealer, groups []group, opts AnnealOptions) (Outcome, int, error) {
	var stall stallDetector
	for i := 0; i < opts.Tries; i++ {
		temp := math.Max(opts.MaxTemp-float64(i)/float64(opts.Tries)*opts.MaxTemp, 0.01)

		for _, g := range groups {
			vals := g.values()
			step := temp * opts.stepWeight(g.kind(), c.settings.AngleUsesOwnWeight)
			for k := range vals {
				lo, hi := g.bounds(k)
				best := FindOptimal(func(v float64) float64 {
					candidate := pool.GetFloat64Slice(len(vals))
					defer pool.PutFloat64Slice(candidate)
					copy(candidate, vals)
					candidate[k] = v
					return g.trySet(candidate)
				}, lo, hi, opts.Target, opts.Width)
				vals[k] = MoveRandomlyTowards(vals[k], best, step, opts.Target, opts.Overrun, c.rnd)
			}
			if err := g.commit(vals); err != nil {
				return Failed, i + 1, err
			}
		}
		c.kin.NotifyGeometryChanged()
		c.yield()

		if i%5 == 0 {
			e := a.energy()
			c.log.Debug("try %d of %d, energy %1.5f (want <= %1.3f)", i, opts.Tries, e, opts.GlobalTarget)
			c.sampleEnergy(r, i, e)
			if stall.push(e) {
				c.log.Info("annealing has stalled after %d tries", i+1)
				return Stalled, i + 1, nil
			}
			if e <= opts.GlobalTarget {
				return Converged, i + 1, nil
			}
		}
	}
	return Exhausted, opts.Tries, nil
}

func (c *Calibrator) buildGroups(a *annealer, opts AnnealOptions, arm float64) []group {
	var out []group
	for _, g := range AllGroups {
		if !opts.has(g) {
			continue
		}
		switch g {
		case RadiusGroup:
			out = append(out, radiusGroup{tripleGroup{a: a, g: g, params: kinematics.TowerRadiusOffsets, lo: -3, hi: 3}})
		case ArmGroup:
			out = append(out, armGroup{a: a, lo: arm - 5, hi: arm + 5})
		case EndstopGroup:
			out = append(out, endstopGroup{a: a})
		case AngleGroup:
			out = append(out, tripleGroup{a: a, g: g, params: kinematics.TowerAngleOffsets, lo: -3, hi: 3})
		case ShimmingGroup:
			out = append(out, shimmingGroup{a: a})
		}
	}
	return out
}

// zeroOffsets clears shimming, trim, tower radius and angle offsets and
// makes the result the new baseline.
func (c *Calibrator) zeroOffsets() error {
	c.surface.SetTiltPlane(0, 0, 0)
	if err := c.setTrim([3]float64{}); err != nil {
		return err
	}
	if c.hasGeometry() {
		if err := kinematics.SetTriple(c.kin, kinematics.TowerRadiusOffsets, [3]float64{}); err != nil {
			return err
		}
		if err := kinematics.SetTriple(c.kin, kinematics.TowerAngleOffsets, [3]float64{}); err != nil {
			return err
		}
	}
	c.kin.NotifyGeometryChanged()
	base, err := c.Snapshot()
	if err != nil {
		return err
	}
	c.base = &base
	return nil
}

// Known offsets applied before a simulated run.
var (
	perturbTrim          = [3]float64{-1.834, -1.779, 0}
	perturbRadius        = 131.25
	perturbRadiusOffsets = [3]float64{-1, 0, 2}
	perturbArm           = 269.75
	perturbAngleOffsets  = [3]float64{1, 0, -1.5}
	perturbShimming      = [3]float64{0, 0, -1}
)

func (c *Calibrator) perturb(opts AnnealOptions) error {
	p, err := c.Snapshot()
	if err != nil {
		return err
	}
	if opts.has(EndstopGroup) {
		p.Trim = perturbTrim
	}
	p.RadiusOffsets = [3]float64{}
	if opts.has(RadiusGroup) {
		p.Radius = perturbRadius
		p.RadiusOffsets = perturbRadiusOffsets
	}
	if opts.has(ArmGroup) {
		p.ArmLength = perturbArm
	}
	p.AngleOffsets = [3]float64{}
	if opts.has(AngleGroup) {
		p.AngleOffsets = perturbAngleOffsets
	}
	p.Shimming = [3]float64{}
	if opts.has(ShimmingGroup) {
		p.Shimming = perturbShimming
	}
	if err := c.restore(p); err != nil {
		return errors.Wrap(err, errors.ErrKinematics, "couldn't perturb the simulated printer")
	}
	return nil
}

func groupNames(opts AnnealOptions) []string {
	var names []string
	for _, g := range AllGroups {
		if opts.has(g) {
			names = append(names, g.String())
		}
	}
	return names
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
