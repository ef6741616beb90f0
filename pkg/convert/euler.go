package convert

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"emspider/internal/models"
	"emspider/pkg/docfile"
)

const eps = 1e-9

func rotZ(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, s, 0,
		-s, c, 0,
		0, 0, 1,
	})
}

func rotY(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, 0, -s,
		0, 1, 0,
		s, 0, c,
	})
}

// EulerMatrix returns the ZYZ rotation Rz(psi) Ry(theta) Rz(phi), angles in
// degrees.
func EulerMatrix(phi, theta, psi float64) *mat.Dense {
	var tmp, out mat.Dense
	tmp.Mul(rotY(theta), rotZ(phi))
	out.Mul(rotZ(psi), &tmp)
	return &out
}

// EulerAngles recovers (phi, theta, psi) in degrees from a rotation built by
// EulerMatrix. theta is returned in [0, 180].
func EulerAngles(r mat.Matrix) (phi, theta, psi float64) {
	a02, a12 := r.At(0, 2), r.At(1, 2)
	absSb := math.Hypot(a02, a12)

	if absSb > 16*eps {
		gamma := math.Atan2(a12, -a02)
		alpha := math.Atan2(r.At(2, 1), r.At(2, 0))
		var signSb float64
		if sg, cg := math.Sincos(gamma); math.Abs(sg) > eps {
			signSb = sign(a12 / sg)
		} else {
			signSb = sign(-a02 / cg)
		}
		beta := math.Atan2(signSb*absSb, r.At(2, 2))
		return deg(alpha), deg(beta), deg(gamma)
	}
	if r.At(2, 2) > 0 {
		return 0, 0, deg(math.Atan2(-r.At(1, 0), r.At(0, 0)))
	}
	return 0, 180, deg(math.Atan2(r.At(1, 0), -r.At(0, 0)))
}

// NewTransform packs a rotation and in-plane shifts into a 4x4 row-major
// transform.
func NewTransform(phi, theta, psi, shiftX, shiftY float64) *models.Transform {
	r := EulerMatrix(phi, theta, psi)
	m := make([]float64, 16)
	for i := range 3 {
		for j := range 3 {
			m[i*4+j] = r.At(i, j)
		}
	}
	m[3], m[7], m[15] = shiftX, shiftY, 1
	return &models.Transform{Matrix: m}
}

// TransformAngles returns (phi, theta, psi, shiftX, shiftY) of t.
func TransformAngles(t *models.Transform) (phi, theta, psi, shiftX, shiftY float64) {
	r := mat.NewDense(3, 3, []float64{
		t.Matrix[0], t.Matrix[1], t.Matrix[2],
		t.Matrix[4], t.Matrix[5], t.Matrix[6],
		t.Matrix[8], t.Matrix[9], t.Matrix[10],
	})
	phi, theta, psi = EulerAngles(r)
	return phi, theta, psi, t.Matrix[3], t.Matrix[7]
}

// InitialAlignment builds the alignment record of the exp-th particle of a
// group. Particles without a transform get all angles and shifts zero.
func InitialAlignment(exp int, p models.Particle) docfile.AlignmentRecord {
	if p.Transform == nil || len(p.Transform.Matrix) != 16 {
		return docfile.InitialAlignment(exp, 0, 0, 0, 0, 0)
	}
	phi, theta, psi, sx, sy := TransformAngles(p.Transform)
	return docfile.InitialAlignment(exp, psi, theta, phi, sx, sy)
}

// TransformFromAlignment converts a refined alignment record back into a
// host transform. The in-plane angle and shifts are the cumulative columns.
func TransformFromAlignment(a docfile.AlignmentRecord) *models.Transform {
	return NewTransform(a.Phi, a.Theta, a.CumRot, a.CumSX, a.CumSY)
}

func deg(rad float64) float64 {
	d := rad * 180 / math.Pi
	if math.Abs(d) < eps {
		return 0
	}
	return d
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
