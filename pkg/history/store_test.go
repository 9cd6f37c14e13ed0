package history

import (
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/kinematics"
	"delta-calibration/pkg/log"
	"delta-calibration/pkg/probe"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, calibrate.RunInfo{ID: "a", Kind: calibrate.KindIterative, Started: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].ID)
	assert.True(t, runs[0].Finished.IsZero())
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Unix(1700000000, 0)
	before := calibrate.Params{ArmLength: 269, Radius: 130}
	after := calibrate.Params{ArmLength: 269, Radius: 130.7, Trim: [3]float64{0, -0.5, -0.3}}

	require.NoError(t, s.Begin(ctx, calibrate.RunInfo{ID: "run-1", Kind: calibrate.KindAnneal, Started: started, Params: before}))
	for i, e := range []float64{1.2, 0.4, 0.05} {
		require.NoError(t, s.AddEnergy(ctx, "run-1", i*5, e))
	}
	require.NoError(t, s.Finish(ctx, calibrate.RunSummary{
		ID:            "run-1",
		Kind:          calibrate.KindAnneal,
		Outcome:       calibrate.Stalled,
		Iterations:    11,
		InitialEnergy: 1.2,
		FinalEnergy:   0.05,
		Params:        after,
		Finished:      started.Add(time.Minute),
	}))

	r, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, calibrate.KindAnneal, r.Kind)
	assert.Equal(t, calibrate.Stalled, r.Outcome)
	assert.Equal(t, 11, r.Iterations)
	assert.InDelta(t, 0.05, r.FinalEnergy, 1e-12)
	assert.Equal(t, before, r.Before)
	assert.Equal(t, after, r.After)
	assert.True(t, r.Started.Equal(started))
	assert.Equal(t, time.Minute, r.Finished.Sub(r.Started))
	assert.Empty(t, r.Error)

	trace, err := s.EnergyTrace(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []EnergySample{{0, 1.2}, {5, 0.4}, {10, 0.05}}, trace)
}

func TestFinishRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx, calibrate.RunInfo{ID: "x", Kind: calibrate.KindDepthMap, Started: time.Now()}))
	require.NoError(t, s.Finish(ctx, calibrate.RunSummary{
		ID:       "x",
		Outcome:  calibrate.Failed,
		Err:      errors.DepthMapError("no probed point"),
		Finished: time.Now(),
	}))
	r, err := s.Run(ctx, "x")
	require.NoError(t, err)
	assert.Contains(t, r.Error, "no probed point")

	err = s.Finish(ctx, calibrate.RunSummary{ID: "missing", Finished: time.Now()})
	assert.True(t, errors.Is(err, errors.ErrStorage))
	_, err = s.Run(ctx, "missing")
	assert.Error(t, err)
}

func TestRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, s.Begin(ctx, calibrate.RunInfo{ID: id, Kind: calibrate.KindIterative, Started: base.Add(time.Duration(i) * time.Second)}))
	}
	runs, err := s.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "third", runs[0].ID)
	assert.Equal(t, "second", runs[1].ID)
}

func TestRepeatabilityResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, sigma := range []float64{2.5, 0.8, 1.1} {
		id := string(rune('a' + i))
		require.NoError(t, s.Begin(ctx, calibrate.RunInfo{ID: id, Kind: calibrate.KindRepeatability, Started: base.Add(time.Duration(i) * time.Second)}))
		require.NoError(t, s.RecordRepeatability(ctx, id, calibrate.RepeatabilityResult{
			Samples:  []int{2000, 2002, 1999},
			Mean:     2000.33,
			Sigma:    sigma,
			Range:    3,
			RangeMM:  0.0075,
			Quality:  calibrate.VeryGood,
			Settings: calibrate.ProbeSettings{Acceleration: 200, Smoothing: 2, FastFeedrate: 100, SlowFeedrate: 5},
		}))
	}

	all, err := s.RepeatabilityResults(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].RunID)
	assert.Equal(t, []int{2000, 2002, 1999}, all[0].Samples)
	assert.Equal(t, "very good", all[0].Quality)
	assert.Equal(t, 2, all[0].Settings.Smoothing)

	best, ok, err := s.Best(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", best.RunID)
}

func TestStoreObservesCalibrator(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fw, err := kinematics.NewDelta(kinematics.DeltaConfig{ArmLength: 269, Radius: 130})
	require.NoError(t, err)
	cfg := probe.DefaultConfig()
	cfg.EndstopError = [3]float64{-0.3, 0.2, 0}
	p, err := probe.New(fw, cfg)
	require.NoError(t, err)
	g, err := geometry.New(100, geometry.Circle, 5)
	require.NoError(t, err)
	logger := log.New("calibrate")
	logger.SetWriter(io.Discard)

	c, err := calibrate.New(calibrate.Deps{
		Kinematics: fw,
		Probe:      p,
		Trim:       p,
		Grid:       g,
		Logger:     logger,
		Rand:       rand.New(rand.NewSource(3)),
		Observers:  []calibrate.Observer{s},
	}, calibrate.DefaultSettings())
	require.NoError(t, err)

	_, err = c.Repeatability(calibrate.RepeatabilityOptions{Samples: 4})
	require.NoError(t, err)
	opts := c.DefaultAnnealOptions()
	opts.Simulate = true
	res, err := c.Anneal(opts)
	require.NoError(t, err)
	require.NoError(t, s.Err())

	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	kinds := []string{runs[0].Kind, runs[1].Kind}
	assert.ElementsMatch(t, []string{calibrate.KindRepeatability, calibrate.KindAnneal}, kinds)

	var annealRun Run
	for _, r := range runs {
		if r.Kind == calibrate.KindAnneal {
			annealRun = r
		}
	}
	assert.Equal(t, res.Outcome, annealRun.Outcome)
	assert.InDelta(t, res.FinalEnergy, annealRun.FinalEnergy, 1e-12)
	assert.Equal(t, res.Params.Trim, annealRun.After.Trim)

	trace, err := s.EnergyTrace(ctx, annealRun.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, trace)

	reps, err := s.RepeatabilityResults(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Len(t, reps[0].Samples, 4)
}
