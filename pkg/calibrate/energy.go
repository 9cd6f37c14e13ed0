package calibrate

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"delta-calibration/pkg/geometry"
)

// Depth is a probed height. Abs is the distance from the probe-from height
// to the surface; Rel is the surface height relative to the bed center,
// negative when lower.
type Depth struct {
	Abs float64
	Rel float64
}

// Energy is the mean absolute relative depth over the Active points. The
// center and extrapolated neighbors are not counted. A grid without Active
// points has zero energy.
func Energy(g *geometry.Grid, depths []Depth) float64 {
	sum := 0.0
	n := 0
	for i, d := range depths {
		if g.Point(i).Tag != geometry.Active {
			continue
		}
		sum += math.Abs(d.Rel)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Statistics summarizes a sample.
type Statistics struct {
	Mean  float64
	Sigma float64 // population standard deviation
	Min   float64
	Max   float64
}

// Stats computes population statistics of values. An empty sample gives
// the zero value.
func Stats(values []float64) Statistics {
	if len(values) == 0 {
		return Statistics{}
	}
	mean, sigma := stat.PopMeanStdDev(values, nil)
	return Statistics{
		Mean:  mean,
		Sigma: sigma,
		Min:   floats.Min(values),
		Max:   floats.Max(values),
	}
}
