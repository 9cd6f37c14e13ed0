package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/gcode"
	"delta-calibration/pkg/log"
	"delta-calibration/pkg/moonraker"
	"delta-calibration/pkg/report"
	"delta-calibration/pkg/surface"
)

// command is one subcommand. Mutating commands save the calibration
// afterwards when saving is on.
type command struct {
	summary  string
	mutating bool
	run      func(s *session, args []string, e *env) error
}

// env is the process environment a command sees. ctx is cancelled on
// SIGINT or SIGTERM; nil means never.
type env struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (e *env) context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

var commands = map[string]command{
	"repeatability": {"measure probe repeatability (G29)", false, runRepeatability},
	"iterate":       {"iterative endstop and radius calibration (G32)", true, runIterate},
	"anneal":        {"simulated annealing calibration (G31)", true, runAnneal},
	"depthmap":      {"build and save the depth map (G31 A)", true, runDepthMap},
	"map":           {"probe and show the depth map only (G31 Z)", false, runMap},
	"surface":       {"set the surface transform state (M667)", true, runSurface},
	"history":       {"list logged calibration runs", false, runHistory},
	"plot":          {"render a depth heat map or a run's energy trace", false, runPlot},
	"gcode":         {"execute calibration G-code from a file or stdin", true, runGCode},
	"serve":         {"serve the calibration API until interrupted", true, runServe},
}

func newFlagSet(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runRepeatability(s *session, args []string, e *env) error {
	fs := newFlagSet("repeatability", e)
	samples := fs.Int("samples", 10, "number of probes, at most 30")
	accel := fs.Float64("accel", 0, "probing acceleration, 1..1000")
	debounce := fs.Int("debounce", 0, "probe debounce count, 0..2000")
	decel := fs.Bool("decel", false, "decelerate on trigger")
	eccentricity := fs.Bool("eccentricity", false, "move around the bed between probes")
	smoothing := fs.Int("smoothing", 1, "probes averaged per point, 1..10")
	priming := fs.Int("priming", 0, "probes discarded before measuring, 0..20")
	fast := fs.Float64("fast", 0, "fast probing feedrate")
	slow := fs.Float64("slow", 0, "slow probing feedrate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	set := setFlags(fs)
	opts := calibrate.RepeatabilityOptions{Samples: *samples, Eccentricity: *eccentricity}
	if set["accel"] {
		opts.Acceleration = accel
	}
	if set["debounce"] {
		opts.Debounce = debounce
	}
	if set["decel"] {
		opts.Decelerate = decel
	}
	if set["smoothing"] {
		opts.Smoothing = smoothing
	}
	if set["priming"] {
		opts.Priming = priming
	}
	if set["fast"] {
		opts.FastFeedrate = fast
	}
	if set["slow"] {
		opts.SlowFeedrate = slow
	}

	res, err := s.cal.Repeatability(opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, gcode.FormatRepeatability(res, s.cal.Best()))
	return nil
}

func runIterate(s *session, args []string, e *env) error {
	fs := newFlagSet("iterate", e)
	keep := fs.Bool("keep", false, "start from the current trim and geometry")
	target := fs.Float64("target", 0, "tolerance in mm, 0 for the configured one")
	maxIter := fs.Int("max-iterations", 0, "iteration cap, 0 for the configured one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := s.cal.Iterative(calibrate.IterativeOptions{Keep: *keep, Target: *target, MaxIterations: *maxIter})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s after %d iterations: deviation %1.4f mm\n", res.Outcome, res.Iterations, res.Deviation)
	fmt.Fprintf(e.stdout, "endstop trim: %1.4f %1.4f %1.4f\ndelta radius: %1.4f\n", res.Trim[0], res.Trim[1], res.Trim[2], res.Radius)
	return nil
}

func runAnneal(s *session, args []string, e *env) error {
	def := s.cal.DefaultAnnealOptions()
	fs := newFlagSet("anneal", e)
	keep := fs.Bool("keep", false, "start from the current parameters")
	simulate := fs.Bool("simulate", false, "perturb a simulated surface instead of probing")
	zero := fs.Bool("zero", false, "zero the per-tower offsets first")
	weights := []struct {
		name  string
		group calibrate.Group
		value *float64
	}{
		{"endstop", calibrate.EndstopGroup, fs.Float64("endstop", 1, "endstop trim weight")},
		{"radius", calibrate.RadiusGroup, fs.Float64("radius", 1, "delta radius weight")},
		{"arm", calibrate.ArmGroup, fs.Float64("arm", 1, "arm length weight")},
		{"angle", calibrate.AngleGroup, fs.Float64("angle", 1, "tower angle weight")},
		{"shim", calibrate.ShimmingGroup, fs.Float64("shim", 1, "virtual shimming weight")},
	}
	tries := fs.Int("tries", def.Tries, "iterations per pass, 10..1000")
	temp := fs.Float64("temp", def.MaxTemp, "maximum temperature, 0..2")
	width := fs.Float64("width", def.Width, "binary search width, 0..0.5")
	overrun := fs.Float64("overrun", def.Overrun, "overrun divisor, 0.5..15")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// only the groups named on the command line take part
	set := setFlags(fs)
	opts := def
	opts.Groups = map[calibrate.Group]float64{}
	for _, w := range weights {
		if set[w.name] {
			opts.Groups[w.group] = *w.value
		}
	}
	opts.Keep = *keep
	opts.Simulate = *simulate
	opts.ZeroOffsets = *zero
	opts.Tries = *tries
	opts.MaxTemp = *temp
	opts.Width = *width
	opts.Overrun = *overrun

	res, err := s.cal.Anneal(opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s after %d passes, %d iterations: energy %1.4f -> %1.4f\n",
		res.Outcome, res.Passes, res.Iterations, res.InitialEnergy, res.FinalEnergy)
	fmt.Fprintln(e.stdout, res.Params)
	if s.cc.ReportDir != "" && len(res.Depths) == s.cal.Grid().Len() {
		path := filepath.Join(s.cc.ReportDir, "anneal-depths.png")
		if err := report.DepthHeatMap(s.cal.Grid(), res.Depths, path); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "wrote %s\n", path)
	}
	return nil
}

func runDepthMap(s *session, args []string, e *env) error {
	if err := newFlagSet("depthmap", e).Parse(args); err != nil {
		return err
	}
	if err := s.cal.BuildDepthMap(); err != nil {
		return err
	}
	fmt.Fprint(e.stdout, gcode.FormatDepths(s.cal.Grid(), s.cal.LastDepths()))
	fmt.Fprintf(e.stdout, "depth map saved to %s\n", s.cc.DepthMapFile)
	if s.cc.ReportDir != "" {
		path := filepath.Join(s.cc.ReportDir, "depthmap.png")
		if err := report.DepthHeatMap(s.cal.Grid(), s.cal.LastDepths(), path); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "wrote %s\n", path)
	}
	return nil
}

func runMap(s *session, args []string, e *env) error {
	fs := newFlagSet("map", e)
	png := fs.String("png", "", "also render the map to this image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	depths, err := s.cal.MapOnly()
	if err != nil {
		return err
	}
	fmt.Fprint(e.stdout, gcode.FormatDepths(s.cal.Grid(), depths))
	if *png != "" {
		return report.DepthHeatMap(s.cal.Grid(), depths, *png)
	}
	return nil
}

func runSurface(s *session, args []string, e *env) error {
	fs := newFlagSet("surface", e)
	a := fs.Float64("a", 0, "plane height at tower A")
	b := fs.Float64("b", 0, "plane height at tower B")
	c := fs.Float64("c", 0, "plane height at tower C")
	plane := fs.Bool("plane", false, "enable virtual shimming")
	depth := fs.Bool("depth", false, "enable depth map correction")
	enable := fs.Bool("enable", false, "master enable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var st surface.State
	set := setFlags(fs)
	if set["a"] {
		st.A = a
	}
	if set["b"] {
		st.B = b
	}
	if set["c"] {
		st.C = c
	}
	if set["plane"] {
		st.D = plane
	}
	if set["depth"] {
		st.E = depth
	}
	if set["enable"] {
		st.Z = enable
	}
	if err := s.cal.ApplySurfaceState(st); err != nil && err != surface.ErrOffsetsSilent {
		return err
	}
	fmt.Fprintln(e.stdout, s.cal.Surface().State())
	return nil
}

func runHistory(s *session, args []string, e *env) error {
	fs := newFlagSet("history", e)
	limit := fs.Int("limit", 20, "number of runs to list, 0 for all")
	probes := fs.Bool("repeatability", false, "list repeatability tests instead of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if s.store == nil {
		return errors.New(errors.ErrConfigValidation, "history_db is not configured")
	}
	ctx := context.Background()
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)

	if *probes {
		results, err := s.store.RepeatabilityResults(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "STARTED\tSAMPLES\tSIGMA\tRANGE MM\tQUALITY")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%d\t%1.3f\t%1.4f\t%s\n",
				r.Started.Format("2006-01-02 15:04:05"), len(r.Samples), r.Sigma, r.RangeMM, r.Quality)
		}
		return tw.Flush()
	}

	runs, err := s.store.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "ID\tKIND\tSTARTED\tOUTCOME\tITERATIONS\tENERGY")
	for _, r := range runs {
		outcome := string(r.Outcome)
		if r.Finished.IsZero() {
			outcome = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%1.4f -> %1.4f\n",
			r.ID, r.Kind, r.Started.Format("2006-01-02 15:04:05"), outcome, r.Iterations, r.InitialEnergy, r.FinalEnergy)
	}
	return tw.Flush()
}

func runPlot(s *session, args []string, e *env) error {
	fs := newFlagSet("plot", e)
	depth := fs.String("depth", "", "probe the bed and write a depth heat map to this file")
	run := fs.String("run", "", "run id whose energy trace to plot")
	out := fs.String("out", "energy.png", "energy trace output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *depth == "" && *run == "" {
		return errors.New(errors.ErrConfigValidation, "plot needs -depth or -run")
	}

	if *depth != "" {
		depths, err := s.cal.MapOnly()
		if err != nil {
			return err
		}
		if err := report.DepthHeatMap(s.cal.Grid(), depths, *depth); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "wrote %s\n", *depth)
	}
	if *run != "" {
		if s.store == nil {
			return errors.New(errors.ErrConfigValidation, "history_db is not configured")
		}
		ctx := context.Background()
		r, err := s.store.Run(ctx, *run)
		if err != nil {
			return err
		}
		samples, err := s.store.EnergyTrace(ctx, r.ID)
		if err != nil {
			return err
		}
		title := fmt.Sprintf("%s run %s (%s)", r.Kind, r.ID, r.Outcome)
		if err := report.EnergyTrace(title, samples, *out); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "wrote %s\n", *out)
	}
	return nil
}

func runGCode(s *session, args []string, e *env) error {
	fs := newFlagSet("gcode", e)
	file := fs.String("file", "", "G-code file, stdin when empty")
	keepGoing := fs.Bool("keep-going", false, "continue after a failing line")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := e.stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return errors.Wrap(err, errors.ErrResource, "open G-code file "+*file)
		}
		defer f.Close()
		in = f
	}

	d := gcode.NewDispatcher(s.cal, s.printer.Home, s.printer)
	sc := bufio.NewScanner(in)
	var failed error
	for n := 1; sc.Scan(); n++ {
		out, err := d.Execute(sc.Text())
		if out != "" {
			fmt.Fprintln(e.stdout, out)
		}
		if err == nil {
			continue
		}
		err = errors.Wrap(err, errors.ErrRuntime, fmt.Sprintf("line %d", n))
		if !*keepGoing {
			return err
		}
		fmt.Fprintf(e.stderr, "!! %v\n", err)
		if failed == nil {
			failed = err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.ErrResource, "read G-code")
	}
	return failed
}

func runServe(s *session, args []string, e *env) error {
	cfg := moonraker.DefaultConfig()
	fs := newFlagSet("serve", e)
	addr := fs.String("addr", cfg.Address, "API listen address")
	storeSize := fs.Int("gcode-store", cfg.GCodeStoreSize, "G-code console lines to keep")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.Address = *addr
	cfg.GCodeStoreSize = *storeSize
	cfg.Executor = gcode.NewDispatcher(s.cal, s.printer.Home, s.printer)
	cfg.Status = moonraker.CalibratorObjects(s.cal)
	if s.store != nil {
		cfg.History = s.store
	}
	cfg.Logger = log.GetLogger("moonraker")
	api := moonraker.New(cfg)
	s.cal.AddObserver(api)
	if err := api.Start(); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "serving on %s\n", api.Addr())

	<-e.context().Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Shutdown(ctx)
}
