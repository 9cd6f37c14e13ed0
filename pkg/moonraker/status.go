package moonraker

import (
	"sort"
	"sync"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/geometry"
)

// Provider returns the full status of one object.
type Provider func() map[string]any

// Objects is a StatusSource built from per-object providers.
type Objects struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewObjects returns an empty registry.
func NewObjects() *Objects {
	return &Objects{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider for name.
func (o *Objects) Register(name string, p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[name] = p
}

// Objects implements StatusSource.
func (o *Objects) Objects() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.providers))
	for name := range o.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status implements StatusSource.
func (o *Objects) Status(name string, attrs []string) map[string]any {
	o.mu.RLock()
	p, ok := o.providers[name]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	return filterStatus(p(), attrs)
}

func filterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}
	filtered := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if v, ok := status[attr]; ok {
			filtered[attr] = v
		}
	}
	return filtered
}

// CalibratorObjects publishes the state of c:
//
//	webhooks           ready, or busy while an operation runs
//	delta_calibration  current parameters and whether they need recalibrating
//	probe              the best repeatability so far
//	surface_state      the M667 state
//	depth_map          the grid and the depths of the last scan
func CalibratorObjects(c *calibrate.Calibrator) *Objects {
	o := NewObjects()
	o.Register("webhooks", func() map[string]any {
		if running := c.Running(); running != "" {
			return map[string]any{"state": "busy", "state_message": running + " calibration in progress"}
		}
		return map[string]any{"state": "ready", "state_message": "Printer is ready"}
	})
	o.Register("delta_calibration", func() map[string]any {
		st := map[string]any{
			"running":        c.Running(),
			"geometry_dirty": c.GeometryDirty(),
		}
		if p, err := c.Snapshot(); err == nil {
			st["params"] = paramsJSON(p)
		}
		return st
	})
	o.Register("probe", func() map[string]any {
		best := c.Best()
		if best.Sigma < 0 {
			return map[string]any{"best": nil}
		}
		s := best.Settings
		return map[string]any{"best": map[string]any{
			"sigma":         best.Sigma,
			"range":         best.Range,
			"acceleration":  s.Acceleration,
			"debounce":      s.Debounce,
			"decelerate":    s.Decelerate,
			"eccentricity":  s.Eccentricity,
			"smoothing":     s.Smoothing,
			"priming":       s.Priming,
			"fast_feedrate": s.FastFeedrate,
			"slow_feedrate": s.SlowFeedrate,
		}}
	})
	o.Register("surface_state", func() map[string]any {
		m := c.Surface()
		a, b, cc := m.TiltPlane()
		return map[string]any{
			"state":         m.State().String(),
			"active":        m.Active(),
			"plane_enabled": m.PlaneEnabled(),
			"depth_enabled": m.DepthEnabled(),
			"have_depth":    m.HaveDepth(),
			"tilt_plane":    []float64{a, b, cc},
		}
	})
	o.Register("depth_map", func() map[string]any {
		return depthMapStatus(c.Grid(), c.LastDepths())
	})
	return o
}

// depthMapStatus lays the relative depths out row by row; points that are
// not probed are null.
func depthMapStatus(g *geometry.Grid, depths []calibrate.Depth) map[string]any {
	st := map[string]any{
		"size":   g.Size(),
		"shape":  g.Shape().String(),
		"radius": g.Radius(),
	}
	if len(depths) != g.Len() {
		st["depths"] = nil
		return st
	}
	rows := make([][]*float64, g.Size())
	for row := range rows {
		rows[row] = make([]*float64, g.Size())
		for col := range rows[row] {
			i := g.Index(row, col)
			if g.Point(i).Tag == geometry.Inactive {
				continue
			}
			rel := depths[i].Rel
			rows[row][col] = &rel
		}
	}
	st["depths"] = rows
	return st
}
