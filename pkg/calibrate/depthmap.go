package calibrate

import (
	"fmt"
	"math"
	"strings"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
)

// ScanDepths probes every Active point of the grid. The center is probed
// first and is the reference for relative depths. With extrapolate set the
// ActiveNeighbor points are estimated by probing the edge of the probe
// circle on their row; otherwise they are left at zero.
func (c *Calibrator) ScanDepths(extrapolate bool) ([]Depth, error) {
	r, err := c.begin(KindMapOnly)
	if err != nil {
		return nil, err
	}
	depths, err := c.scanDepths(extrapolate)
	c.finish(r, RunSummary{Outcome: outcomeOf(err), FinalEnergy: energyOrZero(c.grid, depths), Err: err})
	return depths, err
}

func (c *Calibrator) scanDepths(extrapolate bool) ([]Depth, error) {
	g := c.grid
	depths := make([]Depth, g.Len())

	if err := c.prepareToProbe(); err != nil {
		return nil, err
	}
	if err := c.prime(); err != nil {
		return nil, err
	}

	origin, err := c.probeAt(0, 0)
	if err != nil {
		return nil, err
	}
	originMM := c.mm(origin)
	depths[g.CenterIndex()] = Depth{Abs: originMM}

	for i := 0; i < g.Len(); i++ {
		p := g.Point(i)
		if p.Tag != geometry.Active {
			continue
		}
		steps, err := c.probeAt(p.X, p.Y)
		if err != nil {
			return nil, err
		}
		depths[i] = Depth{Abs: c.mm(steps), Rel: c.mm(origin - steps)}
		c.log.Debug("depth at <%1.3f, %1.3f> is %1.3f", p.X, p.Y, depths[i].Rel)
	}

	if extrapolate {
		for i := 0; i < g.Len(); i++ {
			if g.Point(i).Tag != geometry.ActiveNeighbor {
				continue
			}
			d, err := c.extrapolate(i, depths, originMM)
			if err != nil {
				return nil, err
			}
			depths[i] = d
		}
	}

	c.setDepths(depths)
	c.logDepths(depths)
	return depths, nil
}

// extrapolate estimates the depth of the neighbor point i, which lies just
// outside the probe circle, from a probe at the circle edge on the same row
// and the nearest Active point inward of it.
func (c *Calibrator) extrapolate(i int, depths []Depth, originMM float64) (Depth, error) {
	g := c.grid
	p := g.Point(i)
	r := g.Radius()

	edge := math.Sqrt(math.Max(r*r-p.Y*p.Y, 0))
	step := 1
	if p.X > 0 {
		step = -1
	} else {
		edge = -edge
	}
	row, col := i/g.Size(), i%g.Size()
	adj := -1
	for cc := col + step; cc >= 0 && cc < g.Size(); cc += step {
		if t := g.Point(g.Index(row, cc)).Tag; t == geometry.Active || t == geometry.Center {
			adj = g.Index(row, cc)
			break
		}
	}
	if adj < 0 {
		return Depth{}, errors.DepthMapError(fmt.Sprintf("no probed point next to neighbor <%1.3f, %1.3f>", p.X, p.Y))
	}

	steps, err := c.probeAt(edge, p.Y)
	if err != nil {
		return Depth{}, err
	}
	probed := c.mm(steps)
	a := g.Point(adj)

	abs := probed
	if span := math.Abs(edge - a.X); span > 1e-9 {
		rise := probed - depths[adj].Abs
		abs = depths[adj].Abs + rise*math.Abs(p.X-a.X)/span
	}
	c.log.Debug("neighbor <%1.3f, %1.3f> extrapolated from edge <%1.3f, %1.3f>", p.X, p.Y, edge, p.Y)
	return Depth{Abs: abs, Rel: originMM - abs}, nil
}

// BuildDepthMap scans the surface with extrapolation and installs the
// result as the depth correction, then saves it to the depth file.
func (c *Calibrator) BuildDepthMap() error {
	r, err := c.begin(KindDepthMap)
	if err != nil {
		return err
	}
	err = c.buildDepthMap()
	c.finish(r, RunSummary{Outcome: outcomeOf(err), FinalEnergy: energyOrZero(c.grid, c.LastDepths()), Err: err})
	return err
}

func (c *Calibrator) buildDepthMap() error {
	if c.settings.OffsetX != 0 || c.settings.OffsetY != 0 {
		err := errors.DepthMapError("depth correction doesn't work with X or Y probe offsets")
		c.log.Error("%v", err)
		return err
	}
	c.surface.DisableDepth()

	depths, err := c.scanDepths(true)
	if err != nil {
		return err
	}

	g := c.grid
	rel := make([]float64, len(depths))
	for i, d := range depths {
		rel[i] = d.Rel
	}
	if g.Shape() == geometry.Circle {
		propagate(g, rel)
	}

	if err := c.surface.SetDepths(rel); err != nil {
		return err
	}
	if err := c.surface.EnableDepth(); err != nil {
		return err
	}
	if err := c.surface.SetActive(true); err != nil {
		return err
	}
	if c.surface.DepthFile() != "" {
		if err := c.surface.Save(); err != nil {
			return err
		}
	}
	return c.home()
}

// propagate copies the outermost known values on each row outward into
// the Inactive cells so interpolation near the circle edge has data.
func propagate(g *geometry.Grid, rel []float64) {
	n := g.Size()
	mid := (n - 1) / 2
	for row := 0; row < n; row++ {
		for x := 1; x <= mid; x++ {
			right := g.Index(row, mid+x)
			if g.Point(right).Tag == geometry.Inactive {
				rel[right] = rel[right-1]
			}
			left := g.Index(row, mid-x)
			if g.Point(left).Tag == geometry.Inactive {
				rel[left] = rel[left+1]
			}
		}
	}
}

// MapOnly probes the Active points and logs the result without changing
// any correction.
func (c *Calibrator) MapOnly() ([]Depth, error) {
	r, err := c.begin(KindMapOnly)
	if err != nil {
		return nil, err
	}
	depths, err := c.scanDepths(false)
	if err == nil {
		err = c.home()
	}
	c.finish(r, RunSummary{Outcome: outcomeOf(err), FinalEnergy: energyOrZero(c.grid, depths), Err: err})
	return depths, err
}

func (c *Calibrator) setDepths(depths []Depth) {
	c.mu.Lock()
	c.depths = depths
	c.mu.Unlock()
}

func (c *Calibrator) logDepths(depths []Depth) {
	g := c.grid
	var b strings.Builder
	for row := 0; row < g.Size(); row++ {
		b.Reset()
		for col := 0; col < g.Size(); col++ {
			i := g.Index(row, col)
			if g.Point(i).Tag == geometry.Inactive {
				b.WriteString("   ---  ")
				continue
			}
			fmt.Fprintf(&b, " %7.3f", depths[i].Rel)
		}
		c.log.Info("%s", b.String())
	}
	c.log.Info("energy: %1.5f", Energy(g, depths))
}

func energyOrZero(g *geometry.Grid, depths []Depth) float64 {
	if depths == nil {
		return 0
	}
	return Energy(g, depths)
}
