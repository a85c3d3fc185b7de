// Package geometry converts between CT system descriptions and projection
// matrices. A projection matrix P = K*R*[I | -S] maps homogeneous world
// coordinates in mm to homogeneous detector pixel coordinates, with pixel
// centres at integer indices.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/linalg"
	"ctsim/pkg/simerr"
)

// ProjectionMatrix is a 3x4 camera matrix.
type ProjectionMatrix [3][4]float64

// NewProjectionMatrix assembles [m | p4].
func NewProjectionMatrix(m linalg.Matrix3, p4 r3.Vec) ProjectionMatrix {
	var p ProjectionMatrix
	col := [3]float64{p4.X, p4.Y, p4.Z}
	for i := 0; i < 3; i++ {
		copy(p[i][:3], m[i][:])
		p[i][3] = col[i]
	}
	return p
}

// FromKRS returns K*R*[I | -source].
func FromKRS(k, r linalg.Matrix3, source r3.Vec) ProjectionMatrix {
	m := k.Mul(r)
	return NewProjectionMatrix(m, r3.Scale(-1, m.MulVec(source)))
}

// M returns the left 3x3 block.
func (p ProjectionMatrix) M() linalg.Matrix3 {
	var m linalg.Matrix3
	for i := 0; i < 3; i++ {
		copy(m[i][:], p[i][:3])
	}
	return m
}

// Column4 returns the fourth column.
func (p ProjectionMatrix) Column4() r3.Vec {
	return r3.Vec{X: p[0][3], Y: p[1][3], Z: p[2][3]}
}

// Scale returns f*p.
func (p ProjectionMatrix) Scale(f float64) ProjectionMatrix {
	for i := range p {
		for j := range p[i] {
			p[i][j] *= f
		}
	}
	return p
}

// Normalized rescales p so the third row of M has unit norm and M has a
// positive determinant. Both properties fix the projective scale.
func (p ProjectionMatrix) Normalized() (ProjectionMatrix, error) {
	m := p.M()
	n := r3.Norm(m.Row(2))
	if n == 0 {
		return p, simerr.New(simerr.Numerical, "normalize projection matrix", "third row of M is zero")
	}
	if m.Det() < 0 {
		n = -n
	}
	return p.Scale(1 / n), nil
}

// SourcePosition returns the camera centre -M^-1 * p4.
func (p ProjectionMatrix) SourcePosition() (r3.Vec, error) {
	inv, err := p.M().Inverse()
	if err != nil {
		return r3.Vec{}, simerr.Wrap(simerr.Numerical, "source position", err)
	}
	return r3.Scale(-1, inv.MulVec(p.Column4())), nil
}

// PrincipalRayDirection returns the unit viewing direction, i.e. the
// detector normal pointing away from the source.
func (p ProjectionMatrix) PrincipalRayDirection() r3.Vec {
	m := p.M()
	dir := r3.Unit(m.Row(2))
	if m.Det() < 0 {
		dir = r3.Scale(-1, dir)
	}
	return dir
}

// Project maps a world point to continuous pixel coordinates (u, v).
// ok is false for points on the source plane.
func (p ProjectionMatrix) Project(x r3.Vec) (u, v float64, ok bool) {
	h := p.M().MulVec(x)
	h = r3.Add(h, p.Column4())
	if h.Z == 0 {
		return 0, 0, false
	}
	return h.X / h.Z, h.Y / h.Z, true
}

// Decompose factorizes the normalized matrix into an intrinsic matrix k
// (upper triangular, k[2][2] = 1), a rotation r and the source position.
func (p ProjectionMatrix) Decompose() (k, r linalg.Matrix3, source r3.Vec, err error) {
	pn, err := p.Normalized()
	if err != nil {
		return k, r, source, err
	}
	r, k, err = linalg.RQDecomposition(pn.M(), true, true)
	if err != nil {
		return k, r, source, fmt.Errorf("decomposing projection matrix: %w", err)
	}
	source, err = pn.SourcePosition()
	return k, r, source, err
}

// MaxAbs returns the largest absolute element.
func (p ProjectionMatrix) MaxAbs() float64 {
	var m float64
	for i := range p {
		for j := range p[i] {
			m = math.Max(m, math.Abs(p[i][j]))
		}
	}
	return m
}

// Equal reports whether p and o describe the same projection: after
// normalization, no element differs by more than tol relative to the
// largest element.
func (p ProjectionMatrix) Equal(o ProjectionMatrix, tol float64) bool {
	a, errA := p.Normalized()
	b, errB := o.Normalized()
	if errA != nil || errB != nil {
		return false
	}
	scale := math.Max(a.MaxAbs(), 1)
	for i := range a {
		for j := range a[i] {
			if math.Abs(a[i][j]-b[i][j]) > tol*scale {
				return false
			}
		}
	}
	return true
}

// SingleViewGeometry holds one projection matrix per detector module.
type SingleViewGeometry []ProjectionMatrix

// FullGeometry holds the geometry of every view in acquisition order.
type FullGeometry []SingleViewGeometry

// NbViews returns the number of views.
func (g FullGeometry) NbViews() int { return len(g) }
