package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Section provides access to one config section and remembers which
// options were read, so unused (misspelled) options can be reported.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

func (s *Section) markAccessed(option string) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
}

// GetUnusedOptions returns the sorted options that were never read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

func (s *Section) set(option, value string) {
	s.mu.Lock()
	s.options[strings.ToLower(option)] = value
	s.mu.Unlock()
}

// raw looks up option and marks it read. found is false when the option is
// absent; the caller then applies its fallback.
func (s *Section) raw(option string) (value string, found bool) {
	s.mu.RLock()
	v, ok := s.options[strings.ToLower(option)]
	s.mu.RUnlock()
	s.markAccessed(option)
	return strings.TrimSpace(v), ok
}

// lookup is the shared path of the typed getters: parse the value when
// present, else return the first fallback, else report a missing option.
func lookup[T any](s *Section, option string, parse func(string) (T, error), fallback []T) (T, error) {
	var zero T
	if v, ok := s.raw(option); ok {
		return parse(v)
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return zero, ErrMissingOption(s.name, option)
}

// Get returns a string option value.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return lookup(s, option, func(v string) (string, error) { return v, nil }, fallback)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return lookup(s, option, func(v string) (int, error) {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, ErrInvalidValue(s.name, option, v, "integer")
		}
		return i, nil
	}, fallback)
}

// GetIntWithBounds returns an integer option value within [minVal, maxVal].
// A nil bound is not checked.
func (s *Section) GetIntWithBounds(option string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if minVal != nil && v < *minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*minVal))
	}
	if maxVal != nil && v > *maxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*maxVal))
	}
	return v, nil
}

func (s *Section) parseFloat(option, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "float")
	}
	return f, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return lookup(s, option, func(v string) (float64, error) { return s.parseFloat(option, v) }, fallback)
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // minimum value (>=)
	MaxVal *float64 // maximum value (<=)
	Above  *float64 // must be above this value (>)
	Below  *float64 // must be below this value (<)
}

// Float returns a pointer to v, for building FloatBounds inline.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for GetIntWithBounds.
func Int(v int) *int { return &v }

func (b FloatBounds) check(s *Section, option string, v float64) error {
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case b.MinVal != nil && v < *b.MinVal:
		return ErrOutOfRange(s.name, option, v, "must have minimum of "+format(*b.MinVal))
	case b.MaxVal != nil && v > *b.MaxVal:
		return ErrOutOfRange(s.name, option, v, "must have maximum of "+format(*b.MaxVal))
	case b.Above != nil && v <= *b.Above:
		return ErrOutOfRange(s.name, option, v, "must be above "+format(*b.Above))
	case b.Below != nil && v >= *b.Below:
		return ErrOutOfRange(s.name, option, v, "must be below "+format(*b.Below))
	}
	return nil
}

// GetFloatWithBounds returns a float64 option value with bounds checking.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if err := bounds.check(s, option, v); err != nil {
		return 0, err
	}
	return v, nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return lookup(s, option, func(v string) (bool, error) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
	}, fallback)
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetFloatList returns a comma separated list of floats.
func (s *Section) GetFloatList(option string, fallback ...[]float64) ([]float64, error) {
	return lookup(s, option, func(v string) ([]float64, error) {
		var result []float64
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			f, err := s.parseFloat(option, p)
			if err != nil {
				return nil, err
			}
			result = append(result, f)
		}
		return result, nil
	}, fallback)
}

// GetTriple returns a per-tower option of exactly three comma separated
// floats, e.g. "tower_radius_offsets: 0.1, -0.2, 0".
func (s *Section) GetTriple(option string, fallback ...[3]float64) ([3]float64, error) {
	var out [3]float64
	if !s.HasOption(option) {
		if len(fallback) > 0 {
			s.markAccessed(option)
			return fallback[0], nil
		}
		return out, ErrMissingOption(s.name, option)
	}
	list, err := s.GetFloatList(option)
	if err != nil {
		return out, err
	}
	if len(list) != 3 {
		v, _ := s.raw(option)
		return out, ErrInvalidValue(s.name, option, v, "three comma separated values")
	}
	copy(out[:], list)
	return out, nil
}

// RawOptions returns a copy of the raw options map.
func (s *Section) RawOptions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string, len(s.options))
	for k, v := range s.options {
		result[k] = v
	}
	return result
}
