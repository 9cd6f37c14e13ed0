package calibrate

import (
	"fmt"
	"math"

	"delta-calibration/pkg/errors"
)

const maxRepeatabilitySamples = 30

// Samples above maxPlausibleSteps are discarded and taken again.
const maxPlausibleSteps = 50000

const eccentricityRadius = 10

// RepeatabilityOptions override probe settings for a repeatability test.
// Nil fields keep the current value. Smoothing and priming stay changed
// after the test.
type RepeatabilityOptions struct {
	Samples      int
	Acceleration *float64
	Debounce     *int
	Decelerate   *bool
	Eccentricity bool
	Smoothing    *int
	Priming      *int
	FastFeedrate *float64
	SlowFeedrate *float64
}

// Quality classifies a repeatability result.
type Quality int

const (
	VeryGood Quality = iota
	Average
	Borderline
	Horrible
)

func (q Quality) String() string {
	switch q {
	case VeryGood:
		return "very good"
	case Average:
		return "average"
	case Borderline:
		return "borderline"
	default:
		return "horrible"
	}
}

// Classify grades a repeatability in mm.
func Classify(rep float64) Quality {
	switch {
	case rep < 0.015:
		return VeryGood
	case rep <= 0.03:
		return Average
	case rep <= 0.04:
		return Borderline
	default:
		return Horrible
	}
}

// ProbeSettings are the settings a repeatability test ran with.
type ProbeSettings struct {
	Acceleration float64
	Debounce     int
	Decelerate   bool
	Eccentricity bool
	Smoothing    int
	Priming      int
	FastFeedrate float64
	SlowFeedrate float64
}

// RepeatabilityResult holds the statistics of one test. Step values are
// in Z steps.
type RepeatabilityResult struct {
	Samples   []int
	Mean      float64
	Sigma     float64
	Range     int
	RangeMM   float64
	Quality   Quality
	Settings  ProbeSettings
	NewRecord bool
}

// BestRecord is the lowest sigma measured so far and the settings that
// gave it. Sigma is -1 before the first test.
type BestRecord struct {
	Sigma    float64
	Range    int
	Settings ProbeSettings
}

func (b BestRecord) String() string {
	if b.Sigma < 0 {
		return "no measurement yet"
	}
	s := b.Settings
	return fmt.Sprintf("sigma=%1.3f range=%d: accel=%1.1f debounce=%d decelerate=%v eccentricity=%v smoothing=%d priming=%d fast=%1.3f slow=%1.3f",
		b.Sigma, b.Range, s.Acceleration, s.Debounce, s.Decelerate, s.Eccentricity, s.Smoothing, s.Priming, s.FastFeedrate, s.SlowFeedrate)
}

// Repeatability probes the bed center repeatedly and reports how much the
// results scatter.
func (c *Calibrator) Repeatability(opts RepeatabilityOptions) (RepeatabilityResult, error) {
	r, err := c.begin(KindRepeatability)
	if err != nil {
		return RepeatabilityResult{}, err
	}
	res, err := c.repeatability(opts)
	if err == nil {
		for _, o := range r.observers {
			o.RepeatabilityMeasured(r.id, res)
		}
	}
	c.finish(r, RunSummary{Outcome: outcomeOf(err), Iterations: len(res.Samples), FinalEnergy: res.RangeMM, Err: err})
	return res, err
}

func (c *Calibrator) repeatability(opts RepeatabilityOptions) (RepeatabilityResult, error) {
	var res RepeatabilityResult
	n := opts.Samples
	if n == 0 {
		n = 10
	}
	if n < 0 || n > maxRepeatabilitySamples {
		return res, errors.New(errors.ErrConfigValidation,
			fmt.Sprintf("too many samples: %d (at most %d)", n, maxRepeatabilitySamples))
	}

	accel := c.settings.ProbeAcceleration
	if opts.Acceleration != nil && *opts.Acceleration >= 1 && *opts.Acceleration <= 1000 {
		accel = *opts.Acceleration
	}
	if opts.Debounce != nil {
		c.probe.SetDebounce(int(clamp(float64(*opts.Debounce), 0, 2000)))
	}
	if opts.Decelerate != nil {
		c.probe.SetDecelerateOnTrigger(*opts.Decelerate)
	}
	c.mu.Lock()
	if opts.Smoothing != nil {
		c.settings.Smoothing = int(clamp(float64(*opts.Smoothing), 1, 10))
	}
	if opts.Priming != nil {
		c.settings.Priming = int(clamp(float64(*opts.Priming), 0, 20))
	}
	c.mu.Unlock()
	fast, slow := c.probe.Feedrates()
	if opts.FastFeedrate != nil {
		fast = *opts.FastFeedrate
	}
	if opts.SlowFeedrate != nil {
		slow = *opts.SlowFeedrate
	}
	c.probe.SetFeedrates(fast, slow)

	res.Settings = ProbeSettings{
		Acceleration: accel,
		Debounce:     c.probe.Debounce(),
		Decelerate:   c.probe.DecelerateOnTrigger(),
		Eccentricity: opts.Eccentricity,
		Smoothing:    c.settings.Smoothing,
		Priming:      c.settings.Priming,
		FastFeedrate: fast,
		SlowFeedrate: slow,
	}
	c.log.Info("repeatability test: %d samples, accel %1.1f, debounce %d, decelerate %v, eccentricity %v, smoothing %d, priming %d, feedrates %1.3f/%1.3f",
		n, accel, res.Settings.Debounce, res.Settings.Decelerate, opts.Eccentricity, res.Settings.Smoothing, res.Settings.Priming, fast, slow)

	// the test acceleration replaces the probe acceleration for its duration
	c.mu.Lock()
	saved := c.settings.ProbeAcceleration
	c.settings.ProbeAcceleration = accel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.settings.ProbeAcceleration = saved
		c.mu.Unlock()
	}()

	if err := c.prepareToProbe(); err != nil {
		return res, err
	}
	if err := c.prime(); err != nil {
		return res, err
	}

	for len(res.Samples) < n {
		if opts.Eccentricity {
			if err := c.eccentricityMoves(fast); err != nil {
				return res, err
			}
		}
		steps, err := c.probeAt(0, 0)
		if err != nil {
			return res, err
		}
		c.log.Info("test %2d of %2d: measured %d steps (%1.3f mm)", len(res.Samples)+1, n, steps, c.mm(steps))
		if steps > maxPlausibleSteps {
			c.log.Warn("discarding result and trying again, check probe_height")
			continue
		}
		res.Samples = append(res.Samples, steps)
	}

	values := make([]float64, n)
	for i, s := range res.Samples {
		values[i] = float64(s)
	}
	st := Stats(values)
	res.Mean = st.Mean
	res.Sigma = st.Sigma
	res.Range = int(st.Max - st.Min)
	res.RangeMM = c.mm(res.Range)
	res.Quality = Classify(res.RangeMM)

	c.log.Info("range %d steps (%1.4f mm), mu %1.3f steps (%1.3f mm), sigma %1.3f steps (%1.3f mm)",
		res.Range, res.RangeMM, res.Mean, c.probe.StepsToMM(res.Mean), res.Sigma, c.probe.StepsToMM(res.Sigma))
	c.log.Info("repeatability %1.4f mm is %s", res.RangeMM, res.Quality)

	c.mu.Lock()
	if c.best.Sigma == -1 || res.Sigma < c.best.Sigma {
		c.best = BestRecord{Sigma: res.Sigma, Range: res.Range, Settings: res.Settings}
		res.NewRecord = true
	}
	best := c.best
	c.mu.Unlock()
	if res.NewRecord {
		c.log.Info("this is the best score so far")
	} else {
		c.log.Info("best score so far: %s", best)
	}
	return res, nil
}

// eccentricityMoves swings the effector towards each tower and back to
// the center.
func (c *Calibrator) eccentricityMoves(feedrate float64) error {
	r := float64(eccentricityRadius)
	for _, xy := range [][2]float64{
		{-0.866025 * r, -0.5 * r},
		{0.866025 * r, -0.5 * r},
		{0, r},
	} {
		if err := c.probe.MoveTo(xy[0], xy[1], math.NaN(), feedrate, false); err != nil {
			return errors.Wrap(err, errors.ErrProbe, "eccentricity move failed")
		}
		if err := c.probe.MoveTo(0, 0, math.NaN(), feedrate, false); err != nil {
			return errors.Wrap(err, errors.ErrProbe, "eccentricity move failed")
		}
	}
	return nil
}
