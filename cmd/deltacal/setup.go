package main

import (
	"fmt"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/config"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/history"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/log"
	"delta-calibration/pkg/metrics"
	"delta-calibration/pkg/probe"
	"delta-calibration/pkg/surface"
)

// surfaceSection holds the persisted M667 line in the autosave block.
const surfaceSection = "surface_state"

// session is everything one command works with.
type session struct {
	path     string
	autosave *config.AutosaveConfig
	cc       *config.CalibrationConfig

	printer *probe.Printer
	cal     *calibrate.Calibrator
	store   *history.Store // nil without history_db
	metrics *metrics.CalibrationMetrics
	log     *log.Logger
}

func openSession(path string) (*session, error) {
	ac, err := config.LoadAutosave(path)
	if err != nil {
		return nil, err
	}
	cc, err := config.ParseCalibrationConfig(ac.Config)
	if err != nil {
		return nil, err
	}
	if cc.Kinematics != "delta" {
		return nil, errors.New(errors.ErrConfigValidation,
			fmt.Sprintf("the virtual printer is a delta, config has %s kinematics", cc.Kinematics))
	}
	s := &session{path: path, autosave: ac, cc: cc, log: log.GetLogger("deltacal")}

	d := cc.Delta
	fw, err := kinematics.New(cc.Kinematics, kinematics.DeltaConfig{
		ArmLength:     d.ArmLength,
		Radius:        d.Radius,
		Angles:        d.TowerAngles,
		RadiusOffsets: d.RadiusOffsets,
		AngleOffsets:  d.AngleOffsets,
		ArmOffsets:    d.ArmOffsets,
	})
	if err != nil {
		return nil, err
	}
	if s.printer, err = newVirtualPrinter(fw, cc); err != nil {
		return nil, err
	}

	shape, err := geometry.ParseShape(cc.Probe.Shape)
	if err != nil {
		return nil, err
	}
	grid, err := geometry.New(cc.Probe.Radius, shape, cc.Probe.GridSize)
	if err != nil {
		return nil, err
	}
	model := surface.New(grid, surface.Options{
		DepthFile:    cc.DepthMapFile,
		ProbeOffsetX: cc.Probe.OffsetX,
		ProbeOffsetY: cc.Probe.OffsetY,
	})
	if err := restoreSurface(ac.Config, model); err != nil {
		s.log.WithError(err).Warn("couldn't restore the saved surface state")
	}

	s.metrics = metrics.NewCalibrationMetrics(nil)
	observers := []calibrate.Observer{s.metrics}
	if cc.HistoryDB != "" {
		if s.store, err = history.Open(cc.HistoryDB); err != nil {
			return nil, err
		}
		observers = append(observers, s.store)
	}

	s.cal, err = calibrate.New(calibrate.Deps{
		Kinematics: fw,
		Probe:      s.printer,
		Trim:       s.printer,
		Surface:    model,
		Grid:       grid,
		Logger:     log.GetLogger("calibrate"),
		Observers:  observers,
	}, calibrate.SettingsFromConfig(cc))
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// newVirtualPrinter builds the simulated machine. Its true geometry is the
// configured one except where [virtual_printer] overrides it.
func newVirtualPrinter(fw kinematics.Adapter, cc *config.CalibrationConfig) (*probe.Printer, error) {
	d, v := cc.Delta, cc.Virtual
	pc := probe.DefaultConfig()
	pc.Geometry = kinematics.DeltaConfig{
		ArmLength:     d.ArmLength,
		Radius:        d.Radius,
		Angles:        d.TowerAngles,
		RadiusOffsets: d.RadiusOffsets,
		AngleOffsets:  d.AngleOffsets,
		ArmOffsets:    d.ArmOffsets,
	}
	if v.ArmLength > 0 {
		pc.Geometry.ArmLength = v.ArmLength
	}
	if v.Radius > 0 {
		pc.Geometry.Radius = v.Radius
	}
	pc.EndstopError = v.EndstopError
	pc.HomedHeight = d.HomedHeight
	pc.StepsPerMM = cc.Probe.StepsPerMM
	pc.ProbeHeight = cc.Probe.Height
	pc.Noise = v.Noise
	pc.Overshoot = v.Overshoot
	pc.FastFeedrate = cc.Probe.FastFeedrate
	pc.SlowFeedrate = cc.Probe.SlowFeedrate
	pc.Acceleration = v.Acceleration
	pc.Bed = probe.TiltedBed(v.BedTiltX, v.BedTiltY)
	pc.Seed = v.Seed

	p, err := probe.New(fw, pc)
	if err != nil {
		return nil, err
	}
	if err := p.SetTrim(d.EndstopTrim); err != nil {
		return nil, err
	}
	p.SetDebounce(cc.Probe.Debounce)
	p.SetDecelerateOnTrigger(cc.Probe.Decelerate)
	return p, nil
}

// restoreSurface applies the saved M667 line without recording a run.
func restoreSurface(cfg *config.Config, model *surface.Model) error {
	sec := cfg.GetSectionOptional(surfaceSection)
	if sec == nil {
		return nil
	}
	line, err := sec.Get("state", "")
	if err != nil || line == "" {
		return err
	}
	st, err := surface.ParseState(line)
	if err != nil {
		return err
	}
	// E0 would still try to load the depth file
	if st.E != nil && !*st.E {
		st.E = nil
	}
	if err := model.Apply(st); err != nil && err != surface.ErrOffsetsSilent {
		return err
	}
	return nil
}

// persist records the calibrated geometry and the surface state in the
// autosave block of the config file.
func (s *session) persist() error {
	p, err := s.cal.Snapshot()
	if err != nil {
		return err
	}
	s.autosave.SetOption("delta", "arm_length", fmt.Sprintf("%.4f", p.ArmLength))
	s.autosave.SetOption("delta", "delta_radius", fmt.Sprintf("%.4f", p.Radius))
	s.autosave.SetOption("delta", "tower_radius_offsets", config.FormatTriple(p.RadiusOffsets))
	s.autosave.SetOption("delta", "tower_angle_offsets", config.FormatTriple(p.AngleOffsets))
	s.autosave.SetOption("delta", "tower_arm_offsets", config.FormatTriple(p.ArmOffsets))
	s.autosave.SetOption("delta", "endstop_trim", config.FormatTriple(p.Trim))
	s.autosave.SetOption(surfaceSection, "state", s.cal.Surface().State().String())
	if err := s.autosave.SaveChanges(""); err != nil {
		return errors.Wrap(err, errors.ErrResource, "save calibration to "+s.path)
	}
	s.log.Info("Saved calibration to %s", s.path)
	return nil
}

// close writes the metrics textfile and closes the history store.
func (s *session) close() error {
	var first error
	if s.cc.MetricsFile != "" {
		first = s.metrics.WriteTextfile(s.cc.MetricsFile)
	}
	if s.store != nil {
		if err := s.store.Err(); err != nil {
			s.log.WithError(err).Warn("history is incomplete")
		}
		if err := s.store.Close(); err != nil && first == nil {
			first = errors.StorageError("close history", err)
		}
	}
	return first
}
