// Package calibrate implements the delta calibration routines: probe
// repeatability, iterative endstop/radius correction, simulated annealing
// over the full geometry and depth-map surface scanning.
package calibrate

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"delta-calibration/pkg/config"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/log"
	"delta-calibration/pkg/surface"
)

// Outcome is how a calibration run ended.
type Outcome string

const (
	Converged     Outcome = "converged"
	MaxIterations Outcome = "max_iterations"
	Stalled       Outcome = "stalled"
	Exhausted     Outcome = "exhausted"
	Completed     Outcome = "completed"
	Failed        Outcome = "failed"
)

// Run kinds reported to observers.
const (
	KindRepeatability = "repeatability"
	KindIterative     = "iterative"
	KindAnneal        = "anneal"
	KindDepthMap      = "depth_map"
	KindMapOnly       = "map_only"
	KindSurface       = "surface"
)

// RunInfo describes a run that has just started.
type RunInfo struct {
	ID      string
	Kind    string
	Started time.Time
	Params  Params
}

// RunSummary describes a finished run.
type RunSummary struct {
	ID            string
	Kind          string
	Outcome       Outcome
	Iterations    int
	InitialEnergy float64
	FinalEnergy   float64
	Params        Params
	Finished      time.Time
	Err           error
}

// Observer receives progress from the Calibrator. Calls are made
// synchronously from the running operation.
type Observer interface {
	RunStarted(info RunInfo)
	EnergySampled(runID string, iteration int, energy float64)
	RunFinished(summary RunSummary)
	RepeatabilityMeasured(runID string, res RepeatabilityResult)
}

// Deps are the collaborators a Calibrator works with.
type Deps struct {
	Kinematics kinematics.Adapter
	Probe      ProbeSession
	Trim       TrimStore
	Surface    *surface.Model
	Grid       *geometry.Grid
	Idle       IdleFunc
	Logger     *log.Logger
	Rand       *rand.Rand
	Observers  []Observer
}

// Settings are the probing and tuning defaults.
type Settings struct {
	Smoothing         int
	Priming           int
	ProbeAcceleration float64

	OffsetX float64
	OffsetY float64
	OffsetZ float64

	IterativeTarget        float64
	IterativeMaxIterations int

	AnnealTries        int
	AnnealMaxTemp      float64
	AnnealWidth        float64
	AnnealOverrun      float64
	AnnealTarget       float64
	AnnealGlobalTarget float64
	AngleUsesOwnWeight bool
}

// DefaultSettings returns the settings used when no config is given.
func DefaultSettings() Settings {
	return Settings{
		Smoothing:              1,
		ProbeAcceleration:      200,
		IterativeTarget:        0.03,
		IterativeMaxIterations: 20,
		AnnealTries:            50,
		AnnealMaxTemp:          0.35,
		AnnealWidth:            0.1,
		AnnealOverrun:          2,
		AnnealTarget:           0.005,
		AnnealGlobalTarget:     0.010,
	}
}

// SettingsFromConfig builds Settings from a parsed configuration.
func SettingsFromConfig(cc *config.CalibrationConfig) Settings {
	return Settings{
		Smoothing:              cc.Probe.Smoothing,
		Priming:                cc.Probe.Priming,
		ProbeAcceleration:      cc.Probe.Acceleration,
		OffsetX:                cc.Probe.OffsetX,
		OffsetY:                cc.Probe.OffsetY,
		OffsetZ:                cc.Probe.OffsetZ,
		IterativeTarget:        cc.Run.IterativeTarget,
		IterativeMaxIterations: cc.Run.IterativeMaxIter,
		AnnealTries:            cc.Run.AnnealTries,
		AnnealMaxTemp:          cc.Run.AnnealMaxTemp,
		AnnealWidth:            cc.Run.AnnealWidth,
		AnnealOverrun:          cc.Run.AnnealOverrun,
		AnnealTarget:           cc.Run.AnnealTarget,
		AnnealGlobalTarget:     cc.Run.AnnealGlobalTarget,
		AngleUsesOwnWeight:     cc.Run.AngleUsesOwnWeight,
	}
}

// Calibrator runs calibration operations against one printer. Only one
// operation runs at a time; a second caller gets a BUSY error.
type Calibrator struct {
	kin       kinematics.Adapter
	probe     ProbeSession
	trim      TrimStore
	surface   *surface.Model
	grid      *geometry.Grid
	idle      IdleFunc
	log       *log.Logger
	rnd       *rand.Rand
	observers []Observer
	settings  Settings

	mu      sync.Mutex
	running string

	// -1 until the first fast probe measures it
	probeFromHeight float64
	bedHeight       float64
	geomDirty       bool

	depths []Depth
	base   *Params
	sim    simCache
	best   BestRecord
}

// New creates a Calibrator. The configured geometry is taken as calibrated
// until MarkGeometryDirty is called.
func New(deps Deps, settings Settings) (*Calibrator, error) {
	switch {
	case deps.Kinematics == nil:
		return nil, errors.RuntimeError("calibrator needs a kinematics adapter")
	case deps.Probe == nil:
		return nil, errors.RuntimeError("calibrator needs a probe session")
	case deps.Trim == nil:
		return nil, errors.RuntimeError("calibrator needs a trim store")
	case deps.Grid == nil:
		return nil, errors.RuntimeError("calibrator needs a probe grid")
	}
	if deps.Surface == nil {
		deps.Surface = surface.New(deps.Grid, surface.Options{
			ProbeOffsetX: settings.OffsetX,
			ProbeOffsetY: settings.OffsetY,
		})
	}
	if deps.Logger == nil {
		deps.Logger = log.GetLogger("calibrate")
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Idle == nil {
		deps.Idle = func() {}
	}
	if settings.Smoothing < 1 {
		settings.Smoothing = 1
	}
	return &Calibrator{
		kin:             deps.Kinematics,
		probe:           deps.Probe,
		trim:            deps.Trim,
		surface:         deps.Surface,
		grid:            deps.Grid,
		idle:            deps.Idle,
		log:             deps.Logger,
		rnd:             deps.Rand,
		observers:       deps.Observers,
		settings:        settings,
		probeFromHeight: -1,
		best:            BestRecord{Sigma: -1},
	}, nil
}

// AddObserver registers o for future runs.
func (c *Calibrator) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Settings returns the current settings.
func (c *Calibrator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Calibrator) Grid() *geometry.Grid { return c.grid }

func (c *Calibrator) Surface() *surface.Model { return c.surface }

func (c *Calibrator) Kinematics() kinematics.Adapter { return c.kin }

// Running returns the kind of the operation in progress, or "".
func (c *Calibrator) Running() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastDepths returns the depths of the most recent scan or simulation.
func (c *Calibrator) LastDepths() []Depth {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depths == nil {
		return nil
	}
	return append([]Depth(nil), c.depths...)
}

// Best returns the best repeatability result so far.
func (c *Calibrator) Best() BestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best
}

// MarkGeometryDirty records that the geometry was edited from outside,
// e.g. by M665 or M666.
func (c *Calibrator) MarkGeometryDirty() {
	c.mu.Lock()
	c.geomDirty = true
	c.mu.Unlock()
}

// GeometryDirty reports whether the geometry was edited after the last
// iterative calibration or annealing run. Depth maps are taken against the
// geometry as it is and never recalibrate.
func (c *Calibrator) GeometryDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geomDirty
}

func (c *Calibrator) markGeometryClean() {
	c.mu.Lock()
	c.geomDirty = false
	c.mu.Unlock()
}

// ApplySurfaceState applies an M667 command to the surface model.
func (c *Calibrator) ApplySurfaceState(s surface.State) error {
	r, err := c.begin(KindSurface)
	if err != nil {
		return err
	}
	err = c.surface.Apply(s)
	outcome := Completed
	if err != nil && err != surface.ErrOffsetsSilent {
		outcome = Failed
	}
	c.finish(r, RunSummary{Outcome: outcome, Err: err})
	return err
}

// run is the bookkeeping of one operation.
type run struct {
	id      string
	kind    string
	started time.Time
	// observers registered when the run began
	observers []Observer
}

func (c *Calibrator) begin(kind string) (*run, error) {
	c.mu.Lock()
	if c.running != "" {
		running := c.running
		c.mu.Unlock()
		return nil, errors.BusyError(running)
	}
	c.running = kind
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	r := &run{id: uuid.NewString(), kind: kind, started: time.Now(), observers: observers}
	params, err := c.Snapshot()
	if err != nil {
		c.log.Warn("couldn't snapshot parameters for run %s: %v", r.id, err)
	}
	for _, o := range r.observers {
		o.RunStarted(RunInfo{ID: r.id, Kind: kind, Started: r.started, Params: params})
	}
	c.log.Debug("%s run %s started", kind, r.id)
	return r, nil
}

func (c *Calibrator) finish(r *run, s RunSummary) {
	s.ID = r.id
	s.Kind = r.kind
	s.Finished = time.Now()
	if s.Err != nil && s.Outcome == "" {
		s.Outcome = Failed
	}
	if params, err := c.Snapshot(); err == nil {
		s.Params = params
	}
	for _, o := range r.observers {
		o.RunFinished(s)
	}
	c.log.WithFields(log.Fields{
		"run":     r.id,
		"outcome": string(s.Outcome),
		"elapsed": s.Finished.Sub(r.started).Round(time.Millisecond).String(),
	}).Debugf("%s run finished", r.kind)

	c.mu.Lock()
	c.running = ""
	c.mu.Unlock()
}

// outcomeOf is the outcome of an operation that either completes or fails.
func outcomeOf(err error) Outcome {
	if err != nil {
		return Failed
	}
	return Completed
}

func (c *Calibrator) sampleEnergy(r *run, iteration int, energy float64) {
	for _, o := range r.observers {
		o.EnergySampled(r.id, iteration, energy)
	}
}

// setTrim stores trim and lets the kinematics pick it up.
func (c *Calibrator) setTrim(trim [3]float64) error {
	if err := c.trim.SetTrim(trim); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "couldn't set trim")
	}
	c.kin.NotifyGeometryChanged()
	return nil
}

func (c *Calibrator) yield() {
	c.idle()
}
