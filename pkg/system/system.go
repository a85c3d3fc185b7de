package system

import (
	"fmt"
)

// CTSystem is a complete scanner: detector, gantry and source.
type CTSystem struct {
	Name     string
	Detector Detector
	Gantry   Gantry
	Source   Source
}

// New assembles a system from its components.
func New(name string, d Detector, g Gantry, s Source) *CTSystem {
	return &CTSystem{Name: name, Detector: d, Gantry: g, Source: s}
}

// Clone returns a deep copy. The spectrum model of a generic source is
// shared since models are immutable.
func (s *CTSystem) Clone() *CTSystem {
	c := &CTSystem{Name: s.Name}
	if s.Detector != nil {
		c.Detector = s.Detector.Clone()
	}
	if s.Gantry != nil {
		c.Gantry = s.Gantry.Clone()
	}
	if s.Source != nil {
		c.Source = s.Source.Clone()
	}
	return c
}

// IsValid reports whether all components are present and valid.
func (s *CTSystem) IsValid() bool {
	if s == nil || s.Detector == nil || s.Gantry == nil || s.Source == nil {
		return false
	}
	return s.Detector.IsValid() && s.Gantry.IsValid() && s.Source.IsValid()
}

func (s *CTSystem) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("%s (incomplete)", s.Name)
	}
	return fmt.Sprintf("%s: %s, %s gantry, %s", s.Name, DescribeDetector(s.Detector), s.Gantry.Name(), s.Source.Name())
}
