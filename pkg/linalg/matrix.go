// Package linalg provides the small dense matrix algebra used to build and
// factorize camera matrices: 3x3 value matrices, Householder QR and the
// derived RQ decomposition, determinants and axis-angle rotations.
//
// Heavy lifting is delegated to gonum; the types here are plain arrays so
// they can be copied, compared and serialized as values.
package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Matrix3 is a row-major 3x3 matrix.
type Matrix3 [3][3]float64

// Identity3 returns the 3x3 identity.
func Identity3() Matrix3 {
	return Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Diag3 returns a diagonal matrix.
func Diag3(a, b, c float64) Matrix3 {
	return Matrix3{{a, 0, 0}, {0, b, 0}, {0, 0, c}}
}

// FromRows builds a matrix whose rows are the given vectors.
func FromRows(r0, r1, r2 r3.Vec) Matrix3 {
	return Matrix3{{r0.X, r0.Y, r0.Z}, {r1.X, r1.Y, r1.Z}, {r2.X, r2.Y, r2.Z}}
}

// FromColumns builds a matrix whose columns are the given vectors.
func FromColumns(c0, c1, c2 r3.Vec) Matrix3 {
	return FromRows(c0, c1, c2).T()
}

// FromDense copies the top-left 3x3 block of m.
func FromDense(m mat.Matrix) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

// Dense returns a gonum copy of m.
func (m Matrix3) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

// IsZero reports whether every element is exactly zero.
func (m Matrix3) IsZero() bool {
	return m == Matrix3{}
}

// Row returns row i as a vector.
func (m Matrix3) Row(i int) r3.Vec {
	return r3.Vec{X: m[i][0], Y: m[i][1], Z: m[i][2]}
}

// Col returns column j as a vector.
func (m Matrix3) Col(j int) r3.Vec {
	return r3.Vec{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// T returns the transpose.
func (m Matrix3) T() Matrix3 {
	var t Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// Mul returns m*o.
func (m Matrix3) Mul(o Matrix3) Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// MulVec returns m*v.
func (m Matrix3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Scale returns f*m.
func (m Matrix3) Scale(f float64) Matrix3 {
	for i := range m {
		for j := range m[i] {
			m[i][j] *= f
		}
	}
	return m
}

// Det returns the determinant.
func (m Matrix3) Det() float64 {
	return mat.Det(m.Dense())
}

// Inverse returns the inverse of m or an error if m is singular.
func (m Matrix3) Inverse() (Matrix3, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		return Matrix3{}, fmt.Errorf("inverting 3x3 matrix: %w", err)
	}
	return FromDense(&inv), nil
}

// MaxAbs returns the largest absolute element.
func (m Matrix3) MaxAbs() float64 {
	var v float64
	for i := range m {
		for j := range m[i] {
			v = math.Max(v, math.Abs(m[i][j]))
		}
	}
	return v
}

// EqualApprox reports whether all elements differ by at most tol.
func (m Matrix3) EqualApprox(o Matrix3, tol float64) bool {
	for i := range m {
		for j := range m[i] {
			if math.Abs(m[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// SolveUpper solves r*x = b for upper-triangular r by back-substitution.
// The diagonal of r must be non-zero.
func SolveUpper(r Matrix3, b r3.Vec) r3.Vec {
	z := b.Z / r[2][2]
	y := (b.Y - r[1][2]*z) / r[1][1]
	x := (b.X - r[0][1]*y - r[0][2]*z) / r[0][0]
	return r3.Vec{X: x, Y: y, Z: z}
}
