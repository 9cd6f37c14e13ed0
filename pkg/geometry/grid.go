// Package geometry lays out the probing grid used by the depth map and the
// calibration routines.
package geometry

import (
	"fmt"
	"math"
	"strings"

	"delta-calibration/pkg/errors"
)

// Shape selects which grid points are probed.
type Shape int

const (
	Circle Shape = iota
	Square
)

func (s Shape) String() string {
	if s == Square {
		return "square"
	}
	return "circle"
}

// ParseShape converts "circle" or "square" to a Shape.
func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "circle":
		return Circle, nil
	case "square":
		return Square, nil
	}
	return Circle, errors.New(errors.ErrConfigValidation, fmt.Sprintf("unknown probe shape %q", s))
}

// Tag classifies a grid point.
type Tag int

const (
	Inactive Tag = iota
	Active
	// ActiveNeighbor is just outside the probe radius; its depth is
	// extrapolated from the circle edge.
	ActiveNeighbor
	Center
)

func (t Tag) String() string {
	switch t {
	case Active:
		return "active"
	case ActiveNeighbor:
		return "neighbor"
	case Center:
		return "center"
	}
	return "inactive"
}

// Point is one grid location.
type Point struct {
	X, Y float64
	Tag  Tag
}

// Grid is an N x N lattice over [-r, r]^2. Rows run from y=+r down to y=-r,
// columns from x=-r to x=+r.
type Grid struct {
	radius  float64
	shape   Shape
	size    int
	spacing float64
	points  []Point
	center  int
	towers  [3]int
}

// New builds the grid and classifies every point. size must be odd and at
// least 3.
func New(radius float64, shape Shape, size int) (*Grid, error) {
	if radius <= 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, errors.New(errors.ErrConfigValidation, fmt.Sprintf("probe radius must be positive, got %v", radius))
	}
	if size < 3 || size%2 == 0 {
		return nil, errors.New(errors.ErrConfigValidation, fmt.Sprintf("grid size must be odd and >= 3, got %d", size))
	}

	g := &Grid{
		radius:  radius,
		shape:   shape,
		size:    size,
		spacing: 2 * radius / float64(size-1),
		points:  make([]Point, size*size),
	}
	neighborLimit := radius + radius/(float64(size-1)/2)

	for row := 0; row < size; row++ {
		y := radius - float64(row)*g.spacing
		for col := 0; col < size; col++ {
			x := -radius + float64(col)*g.spacing
			p := Point{X: x, Y: y, Tag: Active}
			if shape == Circle {
				dist := math.Hypot(x, y)
				outer := row == 0 || col == 0 || row == size-1 || col == size-1
				switch {
				case dist <= radius:
				case dist <= neighborLimit && !outer:
					p.Tag = ActiveNeighbor
				default:
					p.Tag = Inactive
				}
			}
			g.points[row*size+col] = p
		}
	}

	g.center = g.NearestPoint(0, 0)
	g.points[g.center].Tag = Center
	for i, xy := range g.TowerXY() {
		g.towers[i] = g.NearestPoint(xy[0], xy[1])
	}
	return g, nil
}

// NearestPoint returns the index of the Active or Center point closest to
// (x, y). Ties keep the lowest index.
func (g *Grid) NearestPoint(x, y float64) int {
	best := 0
	lowest := 999.0
	for i, p := range g.points {
		if p.Tag != Active && p.Tag != Center {
			continue
		}
		d := math.Hypot(p.X-x, p.Y-y)
		if d < lowest {
			lowest = d
			best = i
		}
	}
	return best
}

// TowerXY returns the tower anchor positions X, Y, Z on the probe circle.
func (g *Grid) TowerXY() [3][2]float64 {
	r := g.radius
	return [3][2]float64{
		{-0.866025 * r, -0.5 * r},
		{0.866025 * r, -0.5 * r},
		{0, r},
	}
}

// TowerPoints returns the grid indices nearest to each tower anchor.
func (g *Grid) TowerPoints() [3]int { return g.towers }

func (g *Grid) Size() int { return g.size }
func (g *Grid) Len() int { return len(g.points) }
func (g *Grid) Radius() float64 { return g.radius }
func (g *Grid) Shape() Shape { return g.shape }
func (g *Grid) Spacing() float64 { return g.spacing }
func (g *Grid) Point(i int) Point { return g.points[i] }
func (g *Grid) CenterIndex() int { return g.center }
func (g *Grid) Index(row, col int) int { return row*g.size + col }

// Points returns a copy of all grid points in row-major order.
func (g *Grid) Points() []Point {
	out := make([]Point, len(g.points))
	copy(out, g.points)
	return out
}

// Count returns how many points carry tag.
func (g *Grid) Count(tag Tag) int {
	n := 0
	for _, p := range g.points {
		if p.Tag == tag {
			n++
		}
	}
	return n
}

// String renders the tag layout, one row per line.
func (g *Grid) String() string {
	var b strings.Builder
	for row := 0; row < g.size; row++ {
		for col := 0; col < g.size; col++ {
			switch g.points[g.Index(row, col)].Tag {
			case Active:
				b.WriteByte('o')
			case ActiveNeighbor:
				b.WriteByte('+')
			case Center:
				b.WriteByte('C')
			default:
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
