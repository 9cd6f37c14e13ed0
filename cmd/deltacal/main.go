// deltacal calibrates a delta printer's geometry, endstops and bed surface
// against a simulated machine described by the printer configuration.
//
// Usage:
//
//	deltacal [options] <command> [command options]
//
// Options:
//
//	-config string        Printer configuration file (default "printer.cfg")
//	-save                 Save calibration results to the config file (default true)
//	-log-file string      Also log to this file, rotated by size
//	-log-level string     DEBUG, INFO, WARN or ERROR
//	-metrics-addr string  Serve Prometheus metrics while the command runs
//
// Examples:
//
//	# Check probe repeatability with 20 samples
//	deltacal -config printer.cfg repeatability -samples 20
//
//	# Calibrate endstops and radius, then anneal endstops and arm length
//	deltacal iterate
//	deltacal anneal -endstop -arm 2
//
//	# Replay a G-code script
//	deltacal gcode -file calibrate.gcode
//
//	# Drive calibration from a web frontend; saves on Ctrl-C
//	deltacal serve -addr :7125
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"delta-calibration/pkg/log"
	"delta-calibration/pkg/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(os.Args[1:], &env{ctx: ctx, stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr})
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the exit status.
func run(args []string, e *env) int {
	fs := flag.NewFlagSet("deltacal", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	configFile := fs.String("config", "printer.cfg", "Printer configuration file")
	save := fs.Bool("save", true, "Save calibration results to the config file")
	logFile := fs.String("log-file", "", "Also log to this file, rotated by size")
	logLevel := fs.String("log-level", "", "Log level, overrides DELTACAL_LOG_LEVEL")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.Usage = func() { usage(fs, e.stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(fs, e.stderr)
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(e.stderr, "Error: unknown command %q\n", name)
		usage(fs, e.stderr)
		return 2
	}

	logger := log.New("deltacal")
	logger.SetWriter(e.stderr)
	if *logFile != "" {
		l, closer, err := log.NewConsoleAndFileLogger("deltacal", log.RotationConfig{Filename: *logFile, Compress: true})
		if err != nil {
			fmt.Fprintf(e.stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer closer.Close()
		logger = l
	}
	log.ConfigureFromEnv(logger)
	if *logLevel != "" {
		logger.SetLevel(log.ParseLevel(*logLevel))
	}
	log.SetDefaultLogger(logger)

	s, err := openSession(*configFile)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}
	defer func() {
		if err := s.close(); err != nil {
			logger.Error("%v", err)
		}
	}()

	if *metricsAddr != "" {
		cfg := metrics.DefaultServerConfig()
		cfg.Address = *metricsAddr
		srv := metrics.NewServer(s.metrics.Registry, cfg)
		if err := srv.Start(); err != nil {
			logger.Error("%v", err)
			return 1
		}
		logger.Info("Metrics at http://%s/metrics", srv.Addr())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	if err := cmd.run(s, fs.Args()[1:], e); err != nil {
		if err != flag.ErrHelp {
			logger.Error("%s: %v", name, err)
		}
		return 1
	}
	if cmd.mutating && *save {
		if err := s.persist(); err != nil {
			logger.Error("%v", err)
			return 1
		}
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "Usage: deltacal [options] <command> [command options]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nOptions:\n")
	fs.PrintDefaults()
}
