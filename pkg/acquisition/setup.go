// Package acquisition describes how a CT system changes over the course of
// a scan: a Setup holds a system plus, for every view, the list of prepare
// steps that bring the system into that view's state.
package acquisition

import (
	"fmt"

	"ctsim/internal/logging"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

// PreparationProtocol generates the prepare steps of each view.
type PreparationProtocol interface {
	PrepareSteps(view int, setup *Setup) []PrepareStep
	IsApplicableTo(sys *system.CTSystem) bool
}

// View is the list of prepare steps of one view, applied in order.
type View struct {
	Steps []PrepareStep
}

// Setup is an acquisition: a system and per-view prepare steps.
// PrepareView mutates the system and must not be called concurrently.
type Setup struct {
	pristine *system.CTSystem
	sys      *system.CTSystem
	views    []View
}

// NewSetup returns a setup for nbViews views of a copy of sys.
func NewSetup(sys *system.CTSystem, nbViews int) *Setup {
	return &Setup{
		pristine: sys.Clone(),
		sys:      sys.Clone(),
		views:    make([]View, max(nbViews, 0)),
	}
}

// System returns the working system, in the state of the last prepared view.
func (s *Setup) System() *system.CTSystem { return s.sys }

// NbViews returns the number of views.
func (s *Setup) NbViews() int { return len(s.views) }

// SetNbViews resizes the view list, keeping existing steps.
func (s *Setup) SetNbViews(n int) {
	n = max(n, 0)
	if n <= len(s.views) {
		s.views = s.views[:n]
		return
	}
	s.views = append(s.views, make([]View, n-len(s.views))...)
}

// PrepareSteps returns the steps of a view.
func (s *Setup) PrepareSteps(view int) []PrepareStep {
	if view < 0 || view >= len(s.views) {
		return nil
	}
	return s.views[view].Steps
}

// AddPrepareStep appends step to a view.
func (s *Setup) AddPrepareStep(view int, step PrepareStep) error {
	if view < 0 || view >= len(s.views) {
		return simerr.New(simerr.Configuration, "add prepare step", "view %d out of range [0, %d)", view, len(s.views))
	}
	s.views[view].Steps = append(s.views[view].Steps, step)
	return nil
}

// AddPrepareStepToAllViews appends step to every view.
func (s *Setup) AddPrepareStepToAllViews(step PrepareStep) {
	for v := range s.views {
		s.views[v].Steps = append(s.views[v].Steps, step)
	}
}

// ApplyPreparationProtocol appends the protocol's steps to every view. The
// steps are recorded even when the protocol does not fit the system, so the
// setup then reports itself invalid; the returned error says why.
func (s *Setup) ApplyPreparationProtocol(p PreparationProtocol) error {
	for v := range s.views {
		s.views[v].Steps = append(s.views[v].Steps, p.PrepareSteps(v, s)...)
	}
	if !p.IsApplicableTo(s.pristine) {
		logging.For("acquisition").WithField("protocol", fmt.Sprintf("%T", p)).
			Warn("preparation protocol is not applicable to the system")
		return simerr.New(simerr.Configuration, "apply protocol", "%T is not applicable to system %q", p, s.pristine.Name)
	}
	return nil
}

// PrepareView resets the system to its initial state and applies the steps
// of view i.
func (s *Setup) PrepareView(i int) error {
	if i < 0 || i >= len(s.views) {
		return simerr.New(simerr.Configuration, "prepare view", "view %d out of range [0, %d)", i, len(s.views))
	}
	*s.sys = *s.pristine.Clone()
	for _, step := range s.views[i].Steps {
		if !step.IsApplicableTo(s.sys) {
			return notApplicable(step, s.sys)
		}
		if err := step.Prepare(s.sys); err != nil {
			return fmt.Errorf("view %d: %w", i, err)
		}
	}
	return nil
}

// IsValid reports whether the system is valid, there is at least one view
// and every step applies to the system.
func (s *Setup) IsValid() bool {
	if s == nil || !s.pristine.IsValid() || len(s.views) == 0 {
		return false
	}
	for _, v := range s.views {
		for _, step := range v.Steps {
			if !step.IsApplicableTo(s.pristine) {
				return false
			}
		}
	}
	return true
}

// Clone returns an independent copy. Steps are shared: they are never
// mutated once added.
func (s *Setup) Clone() *Setup {
	c := &Setup{
		pristine: s.pristine.Clone(),
		sys:      s.sys.Clone(),
		views:    make([]View, len(s.views)),
	}
	for v := range s.views {
		c.views[v].Steps = append([]PrepareStep(nil), s.views[v].Steps...)
	}
	return c
}

// InitialSystem returns a copy of the system before any view was prepared.
func (s *Setup) InitialSystem() *system.CTSystem { return s.pristine.Clone() }
