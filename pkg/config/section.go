package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Section gives typed access to one config section and records which
// options were read.
type Section struct {
	name string

	mu       sync.RWMutex
	options  map[string]string
	accessed map[string]struct{}
}

func newSection(name string) *Section {
	return &Section{
		name:     name,
		options:  make(map[string]string),
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

func (s *Section) set(option, value string) {
	s.mu.Lock()
	s.options[strings.ToLower(option)] = value
	s.mu.Unlock()
}

// lookup returns the raw value and marks the option as accessed.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessed[key] = struct{}{}
	v, ok := s.options[key]
	return v, ok
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// GetUnusedOptions returns the options nothing has read, sorted.
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

// getTyped is the shared lookup/parse/fallback path of the typed getters.
func getTyped[T any](s *Section, option, kind string, parse func(string) (T, error), fallback []T) (T, error) {
	raw, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		var zero T
		return zero, ErrMissingOption(s.name, option)
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		var zero T
		return zero, ErrInvalidValue(s.name, option, raw, kind)
	}
	return v, nil
}

// Get returns a string option, or the fallback when absent.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return getTyped(s, option, "string", func(v string) (string, error) { return v, nil }, fallback)
}

// GetInt returns an integer option.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return getTyped(s, option, "integer", strconv.Atoi, fallback)
}

// GetFloat returns a float option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return getTyped(s, option, "float", func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	}, fallback)
}

// GetFloatOptional returns nil when the option is absent.
func (s *Section) GetFloatOptional(option string) (*float64, error) {
	if !s.HasOption(option) {
		s.lookup(option)
		return nil, nil
	}
	v, err := s.GetFloat(option)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetBool accepts 1/0, true/false, yes/no and on/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return getTyped(s, option, "boolean", func(v string) (bool, error) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return false, strconv.ErrSyntax
	}, fallback)
}

// GetChoice returns the canonical spelling of one of choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(v), c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetFloatList splits the option on sep and parses each element.
func (s *Section) GetFloatList(option, sep string, fallback ...[]float64) ([]float64, error) {
	return getTyped(s, option, "float list", func(v string) ([]float64, error) {
		result := []float64{}
		for _, p := range strings.Split(v, sep) {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, err
			}
			result = append(result, f)
		}
		return result, nil
	}, fallback)
}

// IntBounds limits GetIntWithBounds. Nil fields are unchecked.
type IntBounds struct {
	MinVal *int
	MaxVal *int
}

// GetIntWithBounds returns an integer option checked against bounds.
func (s *Section) GetIntWithBounds(option string, bounds IntBounds, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if bounds.MinVal != nil && v < *bounds.MinVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*bounds.MinVal))
	}
	if bounds.MaxVal != nil && v > *bounds.MaxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*bounds.MaxVal))
	}
	return v, nil
}

// FloatBounds limits GetFloatWithBounds. Nil fields are unchecked.
type FloatBounds struct {
	MinVal *float64 // >=
	MaxVal *float64 // <=
	Above  *float64 // >
	Below  *float64 // <
}

// GetFloatWithBounds returns a float option checked against bounds.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	ff := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+ff(*bounds.MinVal))
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+ff(*bounds.MaxVal))
	case bounds.Above != nil && v <= *bounds.Above:
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+ff(*bounds.Above))
	case bounds.Below != nil && v >= *bounds.Below:
		return 0, ErrOutOfRange(s.name, option, v, "must be below "+ff(*bounds.Below))
	}
	return v, nil
}

// NewSection returns an empty section, used in place of an optional
// section the config does not contain.
func NewSection(name string) *Section { return newSection(name) }

// Float returns a pointer for use in FloatBounds literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer for use in IntBounds literals.
func Int(v int) *int { return &v }
