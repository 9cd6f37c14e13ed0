package moonraker

import (
	"sync"
	"time"

	"delta-calibration/pkg/calibrate"
)

// gcodeEntry is one line of the G-code console.
type gcodeEntry struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"`
}

// gcodeStore is a ring of the most recent console lines.
type gcodeStore struct {
	mu      sync.Mutex
	entries []gcodeEntry
	next    int
	full    bool
}

func newGCodeStore(size int) *gcodeStore {
	return &gcodeStore{entries: make([]gcodeEntry, size)}
}

func (g *gcodeStore) add(msg, kind string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[g.next] = gcodeEntry{
		Message: msg,
		Time:    float64(time.Now().UnixNano()) / 1e9,
		Type:    kind,
	}
	g.next++
	if g.next == len(g.entries) {
		g.next = 0
		g.full = true
	}
}

// last returns up to n entries, oldest first.
func (g *gcodeStore) last(n int) []gcodeEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ordered []gcodeEntry
	if g.full {
		ordered = append(ordered, g.entries[g.next:]...)
	}
	ordered = append(ordered, g.entries[:g.next]...)
	if n >= 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// RunStarted implements calibrate.Observer.
func (s *Server) RunStarted(info calibrate.RunInfo) {
	s.broadcast(notification{JSONRPC: "2.0", Method: "notify_calibration_started", Params: []any{map[string]any{
		"run_id":     info.ID,
		"kind":       info.Kind,
		"start_time": unixSeconds(info.Started),
		"params":     paramsJSON(info.Params),
	}}})
	s.broadcastStatus()
}

// EnergySampled implements calibrate.Observer.
func (s *Server) EnergySampled(runID string, iteration int, energy float64) {
	s.broadcast(notification{JSONRPC: "2.0", Method: "notify_calibration_energy", Params: []any{map[string]any{
		"run_id":    runID,
		"iteration": iteration,
		"energy":    energy,
	}}})
}

// RunFinished implements calibrate.Observer.
func (s *Server) RunFinished(sum calibrate.RunSummary) {
	s.broadcast(notification{JSONRPC: "2.0", Method: "notify_history_changed", Params: []any{map[string]any{
		"action": "finished",
		"job":    jobFromSummary(sum),
	}}})
}

// RepeatabilityMeasured implements calibrate.Observer.
func (s *Server) RepeatabilityMeasured(runID string, res calibrate.RepeatabilityResult) {
	s.broadcast(notification{JSONRPC: "2.0", Method: "notify_repeatability", Params: []any{map[string]any{
		"run_id":     runID,
		"samples":    len(res.Samples),
		"mean":       res.Mean,
		"sigma":      res.Sigma,
		"range":      res.Range,
		"range_mm":   res.RangeMM,
		"quality":    res.Quality.String(),
		"new_record": res.NewRecord,
	}}})
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func paramsJSON(p calibrate.Params) map[string]any {
	return map[string]any{
		"arm_length":           p.ArmLength,
		"delta_radius":         p.Radius,
		"endstop_trim":         p.Trim[:],
		"tower_radius_offsets": p.RadiusOffsets[:],
		"tower_angle_offsets":  p.AngleOffsets[:],
		"tower_arm_offsets":    p.ArmOffsets[:],
		"shimming":             p.Shimming[:],
	}
}
