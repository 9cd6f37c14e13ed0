package calibrate

import (
	"math"
	"math/rand"
	"strings"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/kinematics"
)

// Group is a set of kinematic parameters annealed together.
type Group int

const (
	EndstopGroup Group = iota
	RadiusGroup
	ArmGroup
	AngleGroup
	ShimmingGroup
)

// AllGroups lists the groups in the order the annealer visits them.
var AllGroups = []Group{RadiusGroup, ArmGroup, EndstopGroup, AngleGroup, ShimmingGroup}

func (g Group) String() string {
	switch g {
	case EndstopGroup:
		return "endstop"
	case RadiusGroup:
		return "delta_radius"
	case ArmGroup:
		return "arm_length"
	case AngleGroup:
		return "tower_angle"
	case ShimmingGroup:
		return "virtual_shimming"
	default:
		return "unknown"
	}
}

// ParseGroup accepts a group name or its command letter (O, P, Q, R, S).
func ParseGroup(s string) (Group, error) {
	switch strings.ToLower(s) {
	case "endstop", "o":
		return EndstopGroup, nil
	case "delta_radius", "radius", "p":
		return RadiusGroup, nil
	case "arm_length", "arm", "q":
		return ArmGroup, nil
	case "tower_angle", "angle", "r":
		return AngleGroup, nil
	case "virtual_shimming", "shimming", "shim", "s":
		return ShimmingGroup, nil
	}
	return 0, errors.New(errors.ErrConfigValidation, "unknown calibration group: "+s)
}

// FindOptimal narrows [lo, hi] towards the lower energy end, giving up
// width of the interval each step, until the interval is no wider than
// target or 250 steps have passed. It returns the midpoint.
func FindOptimal(eval func(float64) float64, lo, hi, target, width float64) float64 {
	for j := 0; j < 250; j++ {
		eLo := eval(lo)
		eHi := eval(hi)
		if hi-lo <= target {
			break
		}
		if eLo < eHi {
			hi -= (hi - lo) * width
		}
		if eLo > eHi {
			lo += (hi - lo) * width
		}
	}
	return (lo + hi) / 2
}

// MoveRandomlyTowards steps value a random distance of at most temp
// towards best. A step that would pass best is divided by overrun. Values
// already within target of best are left alone.
func MoveRandomlyTowards(value, best, temp, target, overrun float64, rnd *rand.Rand) float64 {
	step := rnd.Float64()*temp + 0.001
	if best > value+target {
		if value+step > best {
			step /= overrun
		}
		value += step
	}
	if best < value-target {
		if value-step < best {
			step /= overrun
		}
		value -= step
	}
	return value
}

// simCache holds the carriage positions synthesized for the grid, so
// repeated simulated runs can reuse them. Only the running operation
// touches it.
type simCache struct {
	fresh bool
	axes  [][3]float64
}

func (s *simCache) invalidate() { s.fresh = false }

func (s *simCache) valid() bool { return s.fresh }

// group is one set of parameters the annealer searches.
type group interface {
	kind() Group
	values() []float64
	bounds(i int) (lo, hi float64)

	// trySet applies the candidate values to the simulation and returns
	// the resulting energy. Invalid candidates give +Inf.
	trySet(candidate []float64) float64

	// commit makes values the group's current values.
	commit(values []float64) error
}

// annealer is the simulation state of one Anneal call.
type annealer struct {
	c    *Calibrator
	grid *geometry.Grid
	// trim used by the forward transform; the endstop group searches it
	trim [3]float64
	cart [][3]float64
}

// simulateIK synthesizes carriage positions for a printer that matches
// the current configuration exactly and whose surface has the given
// relative depths.
func (a *annealer) simulateIK(depths []Depth, trim [3]float64) error {
	c := a.c
	axes := make([][3]float64, a.grid.Len())
	planeOn := c.surface.PlaneEnabled()
	for i := range axes {
		p := a.grid.Point(i)
		if p.Tag != geometry.Active {
			continue
		}
		pos := [3]float64{p.X, p.Y, depths[i].Rel}
		if planeOn {
			pos[2] += c.surface.PlaneZ(pos[0], pos[1])
		}
		ax := c.kin.Inverse(pos)
		for t := range ax {
			if math.IsNaN(ax[t]) {
				return errors.SanityError("anneal", "grid point is outside the reachable area")
			}
			ax[t] += trim[t]
		}
		axes[i] = ax
	}
	c.sim.axes = axes
	c.sim.fresh = true
	return nil
}

// energy runs the forward transform over the synthesized carriage
// positions and returns the mean absolute height of the Active points.
func (a *annealer) energy() float64 {
	c := a.c
	planeOn := c.surface.PlaneEnabled()
	sum := 0.0
	n := 0
	for i, ax := range c.sim.axes {
		if a.grid.Point(i).Tag != geometry.Active {
			continue
		}
		pos := c.kin.Forward([3]float64{ax[0] - a.trim[0], ax[1] - a.trim[1], ax[2] - a.trim[2]})
		if planeOn {
			pos[2] -= c.surface.PlaneZ(pos[0], pos[1])
		}
		a.cart[i] = pos
		sum += math.Abs(pos[2])
		n++
	}
	if n == 0 {
		return 0
	}
	e := sum / float64(n)
	if math.IsNaN(e) {
		return math.Inf(1)
	}
	return e
}

// simulatedDepths returns the heights left by the last energy call.
func (a *annealer) simulatedDepths() []Depth {
	out := make([]Depth, len(a.cart))
	for i, p := range a.cart {
		if a.grid.Point(i).Tag == geometry.Active {
			out[i] = Depth{Rel: p[2]}
		}
	}
	return out
}

type endstopGroup struct{ a *annealer }

func (g endstopGroup) kind() Group { return EndstopGroup }

func (g endstopGroup) values() []float64 {
	v := g.a.trim
	return v[:]
}

func (g endstopGroup) bounds(int) (float64, float64) { return -5, 0 }

func (g endstopGroup) trySet(candidate []float64) float64 {
	saved := g.a.trim
	copy(g.a.trim[:], candidate)
	e := g.a.energy()
	g.a.trim = saved
	return e
}

func (g endstopGroup) commit(values []float64) error {
	copy(g.a.trim[:], values)
	if err := g.a.c.trim.SetTrim(g.a.trim); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "couldn't set trim")
	}
	return nil
}

// tripleGroup searches one per-tower kinematic triple.
type tripleGroup struct {
	a      *annealer
	g      Group
	params [3]kinematics.Param
	lo, hi float64
}

func (g tripleGroup) kind() Group { return g.g }

func (g tripleGroup) values() []float64 {
	v, _ := kinematics.GetTriple(g.a.c.kin, g.params)
	return v[:]
}

func (g tripleGroup) bounds(int) (float64, float64) { return g.lo, g.hi }

func (g tripleGroup) trySet(candidate []float64) float64 {
	if err := kinematics.SetTriple(g.a.c.kin, g.params, toTriple(candidate)); err != nil {
		return math.Inf(1)
	}
	return g.a.energy()
}

func (g tripleGroup) commit(values []float64) error {
	return kinematics.SetTriple(g.a.c.kin, g.params, toTriple(values))
}

// radiusGroup searches the tower radius offsets. On commit the offset
// closest to zero is moved into the global radius.
type radiusGroup struct{ tripleGroup }

func (g radiusGroup) commit(values []float64) error {
	kin := g.a.c.kin
	lowest := values[0]
	for _, v := range values[1:] {
		if math.Abs(v) < math.Abs(lowest) {
			lowest = v
		}
	}
	radius, err := kin.Parameter(kinematics.DeltaRadius)
	if err != nil {
		return err
	}
	offsets := toTriple(values)
	for i := range offsets {
		offsets[i] -= lowest
	}
	if err := kin.SetParameter(kinematics.DeltaRadius, radius+lowest); err != nil {
		return err
	}
	return kinematics.SetTriple(kin, g.params, offsets)
}

type armGroup struct {
	a      *annealer
	lo, hi float64
}

func (g armGroup) kind() Group { return ArmGroup }

func (g armGroup) values() []float64 {
	v, _ := g.a.c.kin.Parameter(kinematics.ArmLength)
	return []float64{v}
}

func (g armGroup) bounds(int) (float64, float64) { return g.lo, g.hi }

func (g armGroup) trySet(candidate []float64) float64 {
	if err := g.a.c.kin.SetParameter(kinematics.ArmLength, candidate[0]); err != nil {
		return math.Inf(1)
	}
	return g.a.energy()
}

func (g armGroup) commit(values []float64) error {
	return g.a.c.kin.SetParameter(kinematics.ArmLength, values[0])
}

type shimmingGroup struct{ a *annealer }

func (g shimmingGroup) kind() Group { return ShimmingGroup }

func (g shimmingGroup) values() []float64 {
	x, y, z := g.a.c.surface.TiltPlane()
	return []float64{x, y, z}
}

func (g shimmingGroup) bounds(int) (float64, float64) { return -3, 3 }

func (g shimmingGroup) trySet(candidate []float64) float64 {
	g.a.c.surface.SetTiltPlane(candidate[0], candidate[1], candidate[2])
	return g.a.energy()
}

func (g shimmingGroup) commit(values []float64) error {
	g.a.c.surface.SetTiltPlane(values[0], values[1], values[2])
	return nil
}

func toTriple(v []float64) [3]float64 {
	var t [3]float64
	copy(t[:], v)
	return t
}

// stallDetector keeps the last six energy samples and reports a stall
// once they are all in and their spread has collapsed.
type stallDetector struct {
	ring  [6]float64
	count int
}

func (s *stallDetector) push(e float64) bool {
	copy(s.ring[1:], s.ring[:len(s.ring)-1])
	s.ring[0] = e
	s.count++
	if s.count < len(s.ring) {
		return false
	}
	s.count = len(s.ring) - 1
	return Stats(s.ring[:]).Sigma < 0.01
}
