// Package probe provides a simulated delta printer with a Z probe. The
// machine has a "true" geometry the firmware does not know about, so the
// calibration routines can be run and checked without hardware.
package probe

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/kinematics"
)

// BedFunc returns the physical height of the bed surface at (x, y).
type BedFunc func(x, y float64) float64

// FlatBed is a perfectly flat bed at z = 0.
func FlatBed(x, y float64) float64 { return 0 }

// TiltedBed returns a bed plane through the origin with the given slopes.
func TiltedBed(dx, dy float64) BedFunc {
	return func(x, y float64) float64 { return dx*x + dy*y }
}

// Config describes the simulated machine.
type Config struct {
	// Geometry is the real geometry of the machine.
	Geometry kinematics.DeltaConfig
	// EndstopError is how far each endstop sits above its nominal height.
	EndstopError [3]float64
	// HomedHeight is the nominal effector height when homed. The firmware
	// starts out believing it too.
	HomedHeight float64
	StepsPerMM  float64
	ProbeHeight float64
	// Noise is the standard deviation of the trigger point in mm.
	Noise float64
	// Overshoot is the number of steps travelled after the trigger while
	// decelerating.
	Overshoot int
	// MaxTravel limits how far a probe descends before giving up.
	MaxTravel    float64
	FastFeedrate float64
	SlowFeedrate float64
	Acceleration float64
	Bed          BedFunc
	Seed         int64
}

// DefaultConfig returns a machine with a flat bed, no noise and no
// endstop error.
func DefaultConfig() Config {
	return Config{
		Geometry: kinematics.DeltaConfig{
			ArmLength: 269,
			Radius:    130,
		},
		HomedHeight:  300,
		StepsPerMM:   400,
		ProbeHeight:  5,
		MaxTravel:    320,
		FastFeedrate: 100,
		SlowFeedrate: 5,
		Acceleration: 3000,
		Bed:          FlatBed,
		Seed:         1,
	}
}

// Printer is a simulated delta printer. It implements the probe session
// and trim store used by the calibrator. The firmware kinematics passed to
// New are shared with the calibrator, which tunes them.
type Printer struct {
	mu sync.Mutex

	cfg   Config
	truth *kinematics.Delta
	fw    kinematics.Adapter
	rnd   *rand.Rand

	trim        [3]float64
	homedHeight float64

	// firmware carriage positions, and the physical carriage height
	// minus the firmware one
	act    [3]float64
	offset [3]float64
	homed  bool

	fast, slow   float64
	accel        float64
	debounce     int
	decelerate   bool
	decelSteps   int
	probeCount   int
	lastTrigger  [3]float64
	accelHistory []float64
}

// New creates a printer driven by the firmware kinematics fw.
func New(fw kinematics.Adapter, cfg Config) (*Printer, error) {
	truth, err := kinematics.NewDelta(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	if cfg.StepsPerMM <= 0 {
		return nil, errors.New(errors.ErrConfigValidation, "steps per mm must be positive")
	}
	if cfg.Bed == nil {
		cfg.Bed = FlatBed
	}
	if cfg.MaxTravel <= 0 {
		cfg.MaxTravel = cfg.HomedHeight + 20
	}
	return &Printer{
		cfg:         cfg,
		truth:       truth,
		fw:          fw,
		rnd:         rand.New(rand.NewSource(cfg.Seed)),
		homedHeight: cfg.HomedHeight,
		fast:        cfg.FastFeedrate,
		slow:        cfg.SlowFeedrate,
		accel:       cfg.Acceleration,
	}, nil
}

// Home moves every carriage to its endstop and then down by its trim.
func (p *Printer) Home() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fwHome := p.fw.Inverse([3]float64{0, 0, p.homedHeight})
	nominal := p.truth.Inverse([3]float64{0, 0, p.cfg.HomedHeight})
	for i := range fwHome {
		if math.IsNaN(fwHome[i]) || math.IsNaN(nominal[i]) {
			return errors.KinematicsError("home position is unreachable")
		}
		endstop := nominal[i] + p.cfg.EndstopError[i]
		p.offset[i] = endstop + p.trim[i] - fwHome[i]
	}
	p.act = fwHome
	p.homed = true
	return nil
}

// MoveTo moves the effector in firmware coordinates.
func (p *Printer) MoveTo(x, y, z, feedrate float64, relative bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.homed {
		return errors.ProbeError("move before homing")
	}

	cur := p.fw.Forward(p.act)
	target := cur
	for i, v := range [3]float64{x, y, z} {
		switch {
		case math.IsNaN(v):
		case relative:
			target[i] += v
		default:
			target[i] = v
		}
	}
	act := p.fw.Inverse(target)
	for _, a := range act {
		if math.IsNaN(a) {
			return errors.ProbeError(fmt.Sprintf("<%1.3f, %1.3f, %1.3f> is out of reach", target[0], target[1], target[2]))
		}
	}
	p.act = act
	return nil
}

// effector returns the physical effector position.
func (p *Printer) effector() [3]float64 {
	var phys [3]float64
	for i := range phys {
		phys[i] = p.act[i] + p.offset[i]
	}
	return p.truth.Forward(phys)
}

// ProbeOnce lowers all carriages together until the effector touches the
// bed.
func (p *Printer) ProbeOnce(fast bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.homed {
		return 0, errors.ProbeError("probe before homing")
	}

	eff := p.effector()
	if math.IsNaN(eff[2]) {
		return 0, errors.ProbeError("effector position is undefined")
	}
	dist := eff[2] - p.cfg.Bed(eff[0], eff[1])
	if p.cfg.Noise > 0 {
		dist += p.rnd.NormFloat64() * p.cfg.Noise
	}
	if dist > p.cfg.MaxTravel {
		return 0, errors.ProbeError("probe did not trigger")
	}
	dist = math.Max(dist, 0)

	steps := int(math.Round(dist * p.cfg.StepsPerMM))
	travel := float64(steps) / p.cfg.StepsPerMM
	for i := range p.act {
		p.act[i] -= travel
	}
	p.decelSteps = steps
	if p.decelerate {
		p.decelSteps += p.cfg.Overshoot
		for i := range p.act {
			p.act[i] -= float64(p.cfg.Overshoot) / p.cfg.StepsPerMM
		}
	}
	p.lastTrigger = eff
	p.probeCount++
	return steps, nil
}

func (p *Printer) StepsAtDecelEnd() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decelSteps
}

func (p *Printer) StepsToMM(steps float64) float64 {
	return steps / p.cfg.StepsPerMM
}

func (p *Printer) Feedrates() (fast, slow float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fast, p.slow
}

func (p *Printer) SetFeedrates(fast, slow float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fast, p.slow = fast, slow
}

func (p *Printer) Debounce() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debounce
}

func (p *Printer) SetDebounce(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debounce = count
}

func (p *Printer) DecelerateOnTrigger() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decelerate
}

func (p *Printer) SetDecelerateOnTrigger(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decelerate = on
}

func (p *Printer) ProbeHeight() float64 { return p.cfg.ProbeHeight }

func (p *Printer) Acceleration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accel
}

// SetAcceleration changes the move acceleration. Every value set is kept
// for inspection by AccelerationHistory.
func (p *Printer) SetAcceleration(a float64) error {
	if a <= 0 {
		return errors.New(errors.ErrConfigValidation, fmt.Sprintf("acceleration %1.1f must be positive", a))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accel = a
	p.accelHistory = append(p.accelHistory, a)
	return nil
}

// SetBedHeight changes the height the firmware assumes when homed. It
// takes effect on the next Home.
func (p *Printer) SetBedHeight(h float64) error {
	if h <= 0 {
		return errors.New(errors.ErrConfigValidation, fmt.Sprintf("bed height %1.3f must be positive", h))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.homedHeight = h
	return nil
}

// BedHeight returns the homed height the firmware currently assumes.
func (p *Printer) BedHeight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.homedHeight
}

// Position returns the effector position as the firmware sees it.
func (p *Printer) Position() [3]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fw.Forward(p.act)
}

// Effector returns the real effector position.
func (p *Printer) Effector() [3]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effector()
}

// Trim returns the endstop trim.
func (p *Printer) Trim() ([3]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trim, nil
}

// SetTrim changes the endstop trim. It takes effect on the next Home.
func (p *Printer) SetTrim(trim [3]float64) error {
	for i, t := range trim {
		if math.IsNaN(t) {
			return errors.New(errors.ErrConfigValidation, fmt.Sprintf("tower %c trim is not a number", 'X'+i))
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trim = trim
	return nil
}

// ProbeCount returns how many probes have been run.
func (p *Printer) ProbeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeCount
}

// AccelerationHistory returns every acceleration set so far.
func (p *Printer) AccelerationHistory() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.accelHistory...)
}
