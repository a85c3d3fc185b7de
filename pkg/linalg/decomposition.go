package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/internal/logging"
	"ctsim/pkg/simerr"
)

// degeneracyTolerance is the relative size below which R[2][2] is treated as
// zero during normalization.
const degeneracyTolerance = 1e-12

// QRDecomposition factorizes a = q*r with q orthonormal and r upper
// triangular using Householder reflections. With unique set, rows of r and
// the matching columns of q are negated pairwise so r has a non-negative
// diagonal.
func QRDecomposition(a Matrix3, unique bool) (q, r Matrix3) {
	var qr mat.QR
	qr.Factorize(a.Dense())

	var qd, rd mat.Dense
	qr.QTo(&qd)
	qr.RTo(&rd)
	q, r = FromDense(&qd), FromDense(&rd)

	// Clear round-off below the diagonal.
	r[1][0], r[2][0], r[2][1] = 0, 0, 0

	if unique {
		for i := 0; i < 3; i++ {
			if r[i][i] >= 0 {
				continue
			}
			for k := 0; k < 3; k++ {
				r[i][k] = -r[i][k]
				q[k][i] = -q[k][i]
			}
		}
	}
	return q, r
}

// mirror reverses row and column order: J*m*J with J the exchange matrix.
func mirror(m Matrix3) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[2-i][2-j]
		}
	}
	return out
}

// reverseRows returns J*m.
func reverseRows(m Matrix3) Matrix3 {
	return Matrix3{m[2], m[1], m[0]}
}

// RQDecomposition factorizes a = r*q with r upper triangular and q
// orthonormal. It mirrors the index order, runs QR and mirrors back:
// with (J*a)^T = Q'R', r = J R'^T J and q = J Q'^T.
//
// unique forces a non-negative diagonal on r by negating columns of r and the
// matching rows of q. normalize divides r by its signed r[2][2] so the scale
// is removed; a vanishing r[2][2] is reported as a numerical error.
func RQDecomposition(a Matrix3, unique, normalize bool) (q, r Matrix3, err error) {
	qt, rt := QRDecomposition(reverseRows(a).T(), false)

	r = mirror(rt.T())
	q = reverseRows(qt.T())

	if unique {
		for i := 0; i < 3; i++ {
			if r[i][i] >= 0 {
				continue
			}
			for k := 0; k < 3; k++ {
				r[k][i] = -r[k][i]
				q[i][k] = -q[i][k]
			}
		}
	}

	if normalize {
		scale := r[2][2]
		if math.Abs(scale) <= degeneracyTolerance*math.Max(r.MaxAbs(), 1) {
			logging.For("linalg").WithField("r22", scale).Warn("RQ normalization undefined: R[2][2] is zero")
			return q, r, simerr.New(simerr.Numerical, "rq decomposition", "cannot normalize, R[2][2] = %g", scale)
		}
		r = r.Scale(1 / scale)
	}
	return q, r, nil
}

// RotationAxisAngle returns the rotation by angle (radians, right-handed)
// around axis. A zero axis yields the identity.
func RotationAxisAngle(axis r3.Vec, angle float64) Matrix3 {
	n := r3.Norm(axis)
	if n == 0 || angle == 0 {
		return Identity3()
	}
	rot := r3.NewRotation(angle, r3.Scale(1/n, axis))
	m := rot.Mat()
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

// RotationX returns the rotation by angle around the x axis.
func RotationX(angle float64) Matrix3 { return RotationAxisAngle(r3.Vec{X: 1}, angle) }

// RotationY returns the rotation by angle around the y axis.
func RotationY(angle float64) Matrix3 { return RotationAxisAngle(r3.Vec{Y: 1}, angle) }

// RotationZ returns the rotation by angle around the z axis.
func RotationZ(angle float64) Matrix3 { return RotationAxisAngle(r3.Vec{Z: 1}, angle) }

// IsRotation reports whether m is orthonormal with determinant +1 within tol.
func IsRotation(m Matrix3, tol float64) bool {
	if !m.Mul(m.T()).EqualApprox(Identity3(), tol) {
		return false
	}
	return math.Abs(m.Det()-1) <= tol
}
