// Package surface corrects commanded Z for the shape of the print surface,
// using a tilted plane ("virtual shimming") and a bilinearly interpolated
// depth map.
package surface

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/geometry"
	"delta-calibration/pkg/log"
)

// ErrOffsetsSilent is returned when depth correction is requested while
// the probe has XY offsets. Nothing is logged for it.
var ErrOffsetsSilent = errors.New(errors.ErrDepthMap, "depth correction does not work with X or Y probe offsets")

// Options configures a Model.
type Options struct {
	// DepthFile is where the depth map is saved and loaded from.
	DepthFile    string
	ProbeOffsetX float64
	ProbeOffsetY float64
}

// Model is the surface transform. Its correction is added to every
// commanded Z while the master flag is on.
type Model struct {
	mu   sync.RWMutex
	opts Options
	log  *log.Logger

	radius float64
	size   int
	scaler float64

	depth        []float64
	haveDepth    bool
	depthEnabled bool

	tri          [3]r3.Vec
	normal       r3.Vec
	d            float64
	planeEnabled bool

	active bool
}

// New creates a model over grid. The plane is flat, no depth map is
// loaded and the master flag is on.
func New(grid *geometry.Grid, opts Options) *Model {
	m := &Model{
		opts:   opts,
		log:    log.GetLogger("surface"),
		radius: grid.Radius(),
		size:   grid.Size(),
		scaler: float64(grid.Size()-1) / (2 * grid.Radius()),
		normal: r3.Vec{Z: 1},
		active: true,
	}
	for i, idx := range grid.TowerPoints() {
		p := grid.Point(idx)
		m.tri[i] = r3.Vec{X: p.X, Y: p.Y}
	}
	return m
}

// ZCorrection returns how far Z must move at (x, y) to follow the surface.
func (m *Model) ZCorrection(x, y float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.active {
		return 0
	}
	z := 0.0
	if m.planeEnabled {
		z = m.planeZ(x, y)
	}
	if m.depthEnabled && m.depth != nil {
		z += m.bilinear(x, y)
	}
	return z
}

func (m *Model) planeZ(x, y float64) float64 {
	return (-m.normal.X*x - m.normal.Y*y - m.d) / m.normal.Z
}

// bilinear interpolates the depth map. Rows of the map run from +Y to -Y.
func (m *Model) bilinear(x, y float64) float64 {
	x = clamp(x, -m.radius, m.radius)
	y = clamp(y, -m.radius, m.radius)

	ax := snap((x + m.radius) * m.scaler)
	ay := snap((-y + m.radius) * m.scaler)

	x1 := math.Floor(ax)
	y1 := math.Floor(ay)
	last := float64(m.size - 2)
	if x1 > last {
		x1 = last
	}
	if y1 > last {
		y1 = last
	}

	i := int(y1)*m.size + int(x1)
	q11 := m.depth[i]
	q21 := m.depth[i+1]
	q12 := m.depth[i+m.size]
	q22 := m.depth[i+m.size+1]

	fx := ax - x1
	fy := ay - y1
	return q11*(1-fx)*(1-fy) + q21*fx*(1-fy) + q12*(1-fx)*fy + q22*fx*fy
}

// PlaneZ returns the plane height at (x, y) regardless of the flags.
func (m *Model) PlaneZ(x, y float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.planeZ(x, y)
}

// SetTiltPlane sets the surface heights at the grid points nearest the
// three towers and recomputes the plane. All zero heights give a flat plane
// and leave the flags alone; anything else enables the plane and the
// master flag.
func (m *Model) SetTiltPlane(a, b, c float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTiltPlane(a, b, c)
}

func (m *Model) setTiltPlane(a, b, c float64) {
	m.tri[0].Z, m.tri[1].Z, m.tri[2].Z = a, b, c
	if a == 0 && b == 0 && c == 0 {
		m.normal = r3.Vec{Z: 1}
		m.d = 0
		return
	}
	m.normal = r3.Unit(r3.Cross(r3.Sub(m.tri[0], m.tri[1]), r3.Sub(m.tri[0], m.tri[2])))
	m.d = -r3.Dot(m.normal, m.tri[0])
	m.planeEnabled = true
	m.active = true
}

// TiltPlane returns the anchor heights, or zeros while the plane is off.
func (m *Model) TiltPlane() (a, b, c float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.planeEnabled {
		return 0, 0, 0
	}
	return m.tri[0].Z, m.tri[1].Z, m.tri[2].Z
}

// Normal returns the unit plane normal and its offset d.
func (m *Model) Normal() (r3.Vec, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.normal, m.d
}

// SetDepths replaces the depth map. It must have one value per grid point.
func (m *Model) SetDepths(depths []float64) error {
	if len(depths) != m.size*m.size {
		return errors.DepthMapError(fmt.Sprintf("expected %d depths, got %d", m.size*m.size, len(depths)))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == nil {
		m.depth = make([]float64, len(depths))
	}
	copy(m.depth, depths)
	m.haveDepth = true
	return nil
}

// Depths returns a copy of the depth map, nil when none is loaded.
func (m *Model) Depths() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.haveDepth {
		return nil
	}
	out := make([]float64, len(m.depth))
	copy(out, m.depth)
	return out
}

// EnableDepth turns on depth correction and the master flag.
func (m *Model) EnableDepth() error {
	if m.opts.ProbeOffsetX != 0 || m.opts.ProbeOffsetY != 0 {
		return ErrOffsetsSilent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveDepth {
		return errors.DepthMapError("depth correction not initialized")
	}
	m.depthEnabled = true
	m.active = true
	return nil
}

// DisableDepth turns depth correction off and keeps the map.
func (m *Model) DisableDepth() {
	m.mu.Lock()
	m.depthEnabled = false
	m.mu.Unlock()
}

// EnablePlane switches the plane correction.
func (m *Model) EnablePlane(on bool) {
	m.mu.Lock()
	m.planeEnabled = on
	m.mu.Unlock()
}

// SetActive switches the master flag. Turning it on needs an enabled
// plane or depth map.
func (m *Model) SetActive(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on && !m.depthEnabled && !m.planeEnabled {
		return errors.DepthMapError("can't enable surface transform - no data")
	}
	m.active = on
	return nil
}

// Reset drops the depth map and flattens the plane.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = nil
	m.haveDepth = false
	m.depthEnabled = false
	m.planeEnabled = false
	m.setTiltPlane(0, 0, 0)
}

func (m *Model) HaveDepth() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.haveDepth
}

func (m *Model) DepthEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.depthEnabled
}

func (m *Model) PlaneEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.planeEnabled
}

func (m *Model) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Size returns the grid dimension N of the depth map.
func (m *Model) Size() int { return m.size }

// DepthFile returns the configured depth map path.
func (m *Model) DepthFile() string { return m.opts.DepthFile }

// ProbeOffsets returns the configured XY probe offsets.
func (m *Model) ProbeOffsets() (x, y float64) {
	return m.opts.ProbeOffsetX, m.opts.ProbeOffsetY
}

// snap rounds grid coordinates that are off by rounding error, so a
// lookup at a grid point returns its depth exactly.
func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-9 {
		return r
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
