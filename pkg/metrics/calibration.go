// Calibration run metrics
//
// CalibrationMetrics observes a Calibrator and keeps the counters and
// gauges a node exporter textfile collector or the metrics server can
// publish.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"os"
	"path/filepath"
	"sync"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
)

// CalibrationMetrics is a calibrate.Observer that records run results.
type CalibrationMetrics struct {
	Registry *Registry

	RunsTotal     *Counter
	RunsActive    *Gauge
	Energy        *Gauge
	Iterations    *Histogram
	EnergySamples *Counter
	ProbeSigma    *Gauge
	ProbeRange    *Gauge
	ProbeBest     *Gauge
	ProbeTests    *Counter
	Trim          *Gauge

	mu    sync.Mutex
	kinds map[string]string // run id -> kind
}

// NewCalibrationMetrics creates the calibration metric set on reg, or on
// a fresh registry when reg is nil.
func NewCalibrationMetrics(reg *Registry) *CalibrationMetrics {
	if reg == nil {
		reg = NewRegistry()
	}
	m := &CalibrationMetrics{
		Registry: reg,
		RunsTotal: NewCounter("deltacal_runs_total",
			"Finished calibration runs by kind and outcome"),
		RunsActive: NewGauge("deltacal_runs_active",
			"Calibration runs in progress by kind"),
		Energy: NewGauge("deltacal_energy_mm",
			"Last reported mean absolute deviation of the probed surface"),
		Iterations: NewHistogram("deltacal_iterations",
			"Iterations used by finished runs",
			ExponentialBuckets(1, 2, 9)),
		EnergySamples: NewCounter("deltacal_energy_samples_total",
			"Energy samples reported during runs"),
		ProbeSigma: NewGauge("deltacal_probe_sigma_steps",
			"Standard deviation of the last repeatability test"),
		ProbeRange: NewGauge("deltacal_probe_range_mm",
			"Range of the last repeatability test"),
		ProbeBest: NewGauge("deltacal_probe_best_sigma_steps",
			"Lowest repeatability sigma seen by this process"),
		ProbeTests: NewCounter("deltacal_probe_tests_total",
			"Repeatability tests by quality"),
		Trim: NewGauge("deltacal_endstop_trim_mm",
			"Endstop trim after the last finished run"),
		kinds: make(map[string]string),
	}
	reg.MustRegister(m.RunsTotal, m.RunsActive, m.Energy, m.Iterations,
		m.EnergySamples, m.ProbeSigma, m.ProbeRange, m.ProbeBest, m.ProbeTests, m.Trim)
	return m
}

func (m *CalibrationMetrics) RunStarted(info calibrate.RunInfo) {
	m.mu.Lock()
	m.kinds[info.ID] = info.Kind
	m.mu.Unlock()
	m.RunsActive.Add(Labels{"kind": info.Kind}, 1)
}

func (m *CalibrationMetrics) EnergySampled(runID string, iteration int, energy float64) {
	kind := m.kindOf(runID)
	m.Energy.Set(Labels{"kind": kind}, energy)
	m.EnergySamples.Inc(Labels{"kind": kind})
}

func (m *CalibrationMetrics) RunFinished(s calibrate.RunSummary) {
	kind := s.Kind
	m.mu.Lock()
	if kind == "" {
		kind = m.kinds[s.ID]
	}
	delete(m.kinds, s.ID)
	m.mu.Unlock()

	l := Labels{"kind": kind}
	m.RunsActive.Add(l, -1)
	m.RunsTotal.Inc(l.With("outcome", string(s.Outcome)))
	if s.Outcome == calibrate.Failed {
		return
	}
	switch kind {
	case calibrate.KindIterative, calibrate.KindAnneal:
		m.Iterations.Observe(l, float64(s.Iterations))
		m.Energy.Set(l, s.FinalEnergy)
		for i, tower := range []string{"x", "y", "z"} {
			m.Trim.Set(Labels{"tower": tower}, s.Params.Trim[i])
		}
	}
}

func (m *CalibrationMetrics) RepeatabilityMeasured(runID string, res calibrate.RepeatabilityResult) {
	m.ProbeSigma.Set(nil, res.Sigma)
	m.ProbeRange.Set(nil, res.RangeMM)
	if best, ok := m.ProbeBest.Get(nil); !ok || res.Sigma < best {
		m.ProbeBest.Set(nil, res.Sigma)
	}
	m.ProbeTests.Inc(Labels{"quality": res.Quality.String()})
}

func (m *CalibrationMetrics) kindOf(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kinds[runID]
}

// WriteTextfile renders the registry to path. The file is written next to
// path and renamed into place so collectors never see a partial file.
func (m *CalibrationMetrics) WriteTextfile(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, errors.ErrResource, "write metrics textfile "+path)
	}
	tmp := f.Name()
	if _, err := m.Registry.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrResource, "write metrics textfile "+path)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrResource, "write metrics textfile "+path)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrResource, "write metrics textfile "+path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrResource, "write metrics textfile "+path)
	}
	return nil
}

var _ calibrate.Observer = (*CalibrationMetrics)(nil)
