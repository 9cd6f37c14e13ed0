package calibrate

// ProbeSession is the motion and probe hardware used by the calibrator.
type ProbeSession interface {
	// Home moves every carriage to its endstop.
	Home() error

	// MoveTo moves the effector. NaN leaves an axis where it is. With
	// relative set, x, y and z are offsets from the current position.
	MoveTo(x, y, z, feedrate float64, relative bool) error

	// ProbeOnce lowers the probe until it triggers and returns the number
	// of Z steps travelled. fast selects the fast feedrate.
	ProbeOnce(fast bool) (steps int, err error)

	// StepsAtDecelEnd returns the steps counted when the deceleration
	// after the last trigger finished.
	StepsAtDecelEnd() int

	StepsToMM(steps float64) float64

	Feedrates() (fast, slow float64)
	SetFeedrates(fast, slow float64)

	Debounce() int
	SetDebounce(count int)

	DecelerateOnTrigger() bool
	SetDecelerateOnTrigger(on bool)

	// ProbeHeight is the clearance the probe needs to travel without
	// dragging on the surface.
	ProbeHeight() float64

	Acceleration() float64
	SetAcceleration(a float64) error

	// SetBedHeight tells the machine how far below the homed position the
	// bed center is.
	SetBedHeight(h float64) error

	Position() [3]float64
}

// TrimStore holds the endstop trim, one value per tower, in mm. Values are
// zero or negative.
type TrimStore interface {
	Trim() ([3]float64, error)
	SetTrim(trim [3]float64) error
}

// IdleFunc is called between probes and annealing steps so the host can
// service other work. It must not call back into the Calibrator.
type IdleFunc func()
