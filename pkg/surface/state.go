package surface

import (
	"fmt"
	"strconv"
	"strings"

	"delta-calibration/pkg/errors"
)

// State is the persisted surface transform command:
//
//	M667 A<h> B<h> C<h> D<plane> E<depth> Z<master>
//
// A, B and C are the plane heights at the tower anchors. Nil fields are
// left unchanged by Apply.
type State struct {
	A, B, C *float64
	D, E, Z *bool
}

// Float and Bool return pointers for building a State.
func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool { return &v }

// String formats every present field. A state from Model.State has all of
// them.
func (s State) String() string {
	var b strings.Builder
	b.WriteString("M667")
	for _, f := range []struct {
		letter byte
		v      *float64
	}{{'A', s.A}, {'B', s.B}, {'C', s.C}} {
		if f.v != nil {
			fmt.Fprintf(&b, " %c%1.4f", f.letter, *f.v)
		}
	}
	for _, f := range []struct {
		letter byte
		v      *bool
	}{{'D', s.D}, {'E', s.E}, {'Z', s.Z}} {
		if f.v != nil {
			fmt.Fprintf(&b, " %c%d", f.letter, btoi(*f.v))
		}
	}
	return b.String()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ParseState parses an M667 line. The command word is optional and
// anything after ';' is a comment.
func ParseState(line string) (State, error) {
	var s State
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.EqualFold(fields[0], "M667") {
		fields = fields[1:]
	}
	for _, f := range fields {
		if len(f) < 2 {
			return s, errors.DepthMapError(fmt.Sprintf("malformed surface state parameter %q", f))
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return s, errors.Wrap(err, errors.ErrDepthMap, fmt.Sprintf("invalid value in %q", f))
		}
		switch f[0] {
		case 'A', 'a':
			s.A = Float(v)
		case 'B', 'b':
			s.B = Float(v)
		case 'C', 'c':
			s.C = Float(v)
		case 'D', 'd':
			s.D = Bool(v != 0)
		case 'E', 'e':
			s.E = Bool(v != 0)
		case 'Z', 'z':
			s.Z = Bool(v != 0)
		default:
			return s, errors.DepthMapError(fmt.Sprintf("unknown surface state parameter %q", f))
		}
	}
	return s, nil
}

// State returns the full current state.
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		A: Float(m.tri[0].Z),
		B: Float(m.tri[1].Z),
		C: Float(m.tri[2].Z),
		D: Bool(m.planeEnabled),
		E: Bool(m.depthEnabled),
		Z: Bool(m.active),
	}
}

// Apply executes a surface state command.
//
// E loads the depth file when no map is in memory. With XY probe offsets
// it does nothing and ErrOffsetsSilent is returned without logging. The
// remaining fields are still applied after a missing file, a wrong value
// count or the offset case; an out of range value stops the command.
func (m *Model) Apply(s State) error {
	var result error
	keep := func(err error) {
		if result == nil {
			result = err
		}
	}

	m.mu.Lock()
	if s.A != nil {
		m.tri[0].Z = *s.A
	}
	if s.B != nil {
		m.tri[1].Z = *s.B
	}
	if s.C != nil {
		m.tri[2].Z = *s.C
	}
	if s.D != nil {
		m.planeEnabled = *s.D
	}
	if m.planeEnabled {
		m.setTiltPlane(m.tri[0].Z, m.tri[1].Z, m.tri[2].Z)
		m.active = true
	}
	m.mu.Unlock()

	if s.E != nil {
		if err := m.applyDepth(*s.E); err != nil {
			if errors.Is(err, errors.ErrSanity) {
				return err
			}
			keep(err)
		}
	}

	if s.Z != nil {
		if err := m.SetActive(*s.Z); err != nil {
			m.log.Warn("%v", err)
			keep(err)
		}
	}
	return result
}

func (m *Model) applyDepth(enable bool) error {
	if m.opts.ProbeOffsetX != 0 || m.opts.ProbeOffsetY != 0 {
		return ErrOffsetsSilent
	}
	if m.HaveDepth() {
		m.mu.Lock()
		m.depthEnabled = enable
		m.mu.Unlock()
		return nil
	}
	if err := m.Load(); err != nil {
		if errors.Is(err, errors.ErrResource) {
			m.log.Warn("Depth correction not initialized: %v", err)
		} else {
			m.log.Error("%v", err)
		}
		return err
	}
	if !enable {
		return nil
	}
	return m.EnableDepth()
}
