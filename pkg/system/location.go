// Package system describes the physical components of a CT scanner: the
// detector and its module layout, the gantry holding source and detector,
// and the X-ray source. Components are plain mutable values; acquisition
// preparation steps patch them view by view.
package system

import (
	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/linalg"
)

// Location is a rigid pose. Rotation maps local coordinates into the parent
// frame, so its columns are the local axes expressed in the parent frame. A
// zero Rotation is read as the identity.
type Location struct {
	Position r3.Vec         `yaml:"position"`
	Rotation linalg.Matrix3 `yaml:"rotation"`
}

// NewLocation returns a pose with the given position and rotation.
func NewLocation(pos r3.Vec, rot linalg.Matrix3) Location {
	return Location{Position: pos, Rotation: rot}
}

// Rot returns the rotation, substituting the identity for a zero matrix.
func (l Location) Rot() linalg.Matrix3 {
	if l.Rotation.IsZero() {
		return linalg.Identity3()
	}
	return l.Rotation
}

// ToWorld maps a point given in l's local frame into the parent frame.
func (l Location) ToWorld(local r3.Vec) r3.Vec {
	return r3.Add(l.Position, l.Rot().MulVec(local))
}

// ToLocal maps a parent-frame point into l's local frame.
func (l Location) ToLocal(world r3.Vec) r3.Vec {
	return l.Rot().T().MulVec(r3.Sub(world, l.Position))
}

// Compose returns the parent-frame pose of child, a pose expressed in l's
// local frame.
func (l Location) Compose(child Location) Location {
	return Location{
		Position: l.ToWorld(child.Position),
		Rotation: l.Rot().Mul(child.Rot()),
	}
}

// Axis returns local axis i (0, 1 or 2) in the parent frame.
func (l Location) Axis(i int) r3.Vec { return l.Rot().Col(i) }
