// Package report renders calibration results as images: a heat map of a
// depth scan and the energy trace of a recorded run. The output format
// follows the file extension (png, svg, pdf, ...).
package report

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/history"
)

const paletteSize = 255

// depthGrid adapts a scan to plotter.GridXYZ. Rows are flipped so that Y
// increases with the row index; points that were not probed are NaN.
type depthGrid struct {
	g      *geometry.Grid
	depths []calibrate.Depth
}

func (d depthGrid) Dims() (c, r int) { return d.g.Size(), d.g.Size() }

func (d depthGrid) Z(c, r int) float64 {
	i := d.g.Index(d.g.Size()-1-r, c)
	if d.g.Point(i).Tag == geometry.Inactive {
		return math.NaN()
	}
	return d.depths[i].Rel
}

func (d depthGrid) X(c int) float64 { return d.g.Point(d.g.Index(0, c)).X }

func (d depthGrid) Y(r int) float64 { return d.g.Point(d.g.Index(d.g.Size()-1-r, 0)).Y }

// span returns the largest absolute depth over the probed points.
func (d depthGrid) span() (float64, bool) {
	var span float64
	found := false
	for c := 0; c < d.g.Size(); c++ {
		for r := 0; r < d.g.Size(); r++ {
			v := d.Z(c, r)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			found = true
			span = math.Max(span, math.Abs(v))
		}
	}
	return span, found
}

// DepthHeatMap draws the relative depths of a scan over the grid. The
// color scale is symmetric around zero.
func DepthHeatMap(g *geometry.Grid, depths []calibrate.Depth, path string) error {
	if len(depths) != g.Len() {
		return errors.DepthMapError(fmt.Sprintf("%d depths for a grid of %d points", len(depths), g.Len()))
	}
	grid := depthGrid{g: g, depths: depths}
	span, ok := grid.span()
	if !ok {
		return errors.DepthMapError("no probed point to plot")
	}
	if span == 0 {
		span = 0.01
	}

	cm := moreland.SmoothBlueRed()
	cm.SetMin(-span)
	cm.SetMax(span)

	hm := plotter.NewHeatMap(grid, cm.Palette(paletteSize))
	hm.Min, hm.Max = -span, span

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Bed depth, %d x %d grid, +/-%.3f mm", g.Size(), g.Size(), span)
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"
	p.Add(hm)
	p.Add(plotter.NewGrid())

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrap(err, errors.ErrResource, "save depth heat map "+path)
	}
	return nil
}

// EnergyTrace plots energy against iteration for one recorded run.
func EnergyTrace(title string, samples []history.EnergySample, path string) error {
	if len(samples) == 0 {
		return errors.RuntimeError("no energy samples to plot")
	}
	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i].X = float64(s.Iteration)
		pts[i].Y = s.Energy
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Energy (mm)"
	p.Y.Min = 0

	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "energy trace")
	}
	line.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	line.Width = vg.Points(1.5)
	p.Add(line)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrap(err, errors.ErrResource, "save energy trace "+path)
	}
	return nil
}
