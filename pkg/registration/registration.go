// Package registration maps points between the shared base space (atlas or
// template) and the native space of each imaging session. Registrations are
// pre-computed inputs; this package only applies them. All types are
// read-only after construction and safe to share between chains.
package registration

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// Registration maps 3D points from base space to a session's native space
// and back.
type Registration interface {
	ToNative(p r3.Vec) r3.Vec
	ToBase(p r3.Vec) r3.Vec
}

// Identity is the registration of a session that already lives in base space.
type Identity struct{}

// ToNative returns p unchanged.
func (Identity) ToNative(p r3.Vec) r3.Vec { return p }

// ToBase returns p unchanged.
func (Identity) ToBase(p r3.Vec) r3.Vec { return p }

// Affine is a linear registration given by a 4x4 homogeneous matrix
// mapping base voxel coordinates to native voxel coordinates.
type Affine struct {
	forward *mat.Dense
	inverse *mat.Dense
}

// NewAffine builds an affine registration from a row-major 4x4 matrix.
func NewAffine(m [16]float64) (*Affine, error) {
	forward := mat.NewDense(4, 4, m[:])
	var inverse mat.Dense
	if err := inverse.Inverse(forward); err != nil {
		return nil, fmt.Errorf("affine matrix is not invertible: %w", err)
	}
	return &Affine{forward: forward, inverse: &inverse}, nil
}

// ToNative applies the forward matrix.
func (a *Affine) ToNative(p r3.Vec) r3.Vec {
	return apply(a.forward, p)
}

// ToBase applies the inverse matrix.
func (a *Affine) ToBase(p r3.Vec) r3.Vec {
	return apply(a.inverse, p)
}

// Matrix returns a copy of the forward matrix in row-major order.
func (a *Affine) Matrix() [16]float64 {
	var m [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m[i*4+j] = a.forward.At(i, j)
		}
	}
	return m
}

func apply(m *mat.Dense, p r3.Vec) r3.Vec {
	in := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(m, in)
	w := out.AtVec(3)
	if w == 0 {
		w = 1
	}
	return r3.Vec{X: out.AtVec(0) / w, Y: out.AtVec(1) / w, Z: out.AtVec(2) / w}
}

// ReadAffine reads a 4x4 matrix stored as four whitespace-separated rows.
func ReadAffine(path string) (*Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening registration file: %w", err)
	}
	defer f.Close()

	var m [16]float64
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		for _, field := range strings.Fields(text) {
			if n >= 16 {
				return nil, fmt.Errorf("%s: more than 16 matrix entries", path)
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			m[n] = v
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n != 16 {
		return nil, fmt.Errorf("%s: expected 16 matrix entries, got %d", path, n)
	}
	return NewAffine(m)
}

// DisplacementField is a non-linear registration stored as three
// displacement volumes on the base grid: native = base + d(round(base)).
// Points outside the field are displaced by zero.
type DisplacementField struct {
	dx, dy, dz *models.Volume

	// iterations bounds the fixed-point inversion in ToBase
	iterations int
}

// NewDisplacementField wraps three displacement volumes of equal geometry.
func NewDisplacementField(dx, dy, dz *models.Volume) (*DisplacementField, error) {
	if dx == nil || dy == nil || dz == nil {
		return nil, fmt.Errorf("displacement field needs three component volumes")
	}
	if dx.Width != dy.Width || dx.Width != dz.Width ||
		dx.Height != dy.Height || dx.Height != dz.Height ||
		dx.Depth != dy.Depth || dx.Depth != dz.Depth {
		return nil, fmt.Errorf("displacement components have different dimensions")
	}
	return &DisplacementField{dx: dx, dy: dy, dz: dz, iterations: 20}, nil
}

func (f *DisplacementField) displacement(p r3.Vec) r3.Vec {
	v := models.Round(p)
	return r3.Vec{X: f.dx.AtPoint(v), Y: f.dy.AtPoint(v), Z: f.dz.AtPoint(v)}
}

// ToNative displaces p by the field sampled at the nearest base voxel.
func (f *DisplacementField) ToNative(p r3.Vec) r3.Vec {
	return r3.Add(p, f.displacement(p))
}

// ToBase inverts the field by fixed-point iteration: q = p - d(q).
func (f *DisplacementField) ToBase(p r3.Vec) r3.Vec {
	q := p
	for i := 0; i < f.iterations; i++ {
		next := r3.Sub(p, f.displacement(q))
		if next == q {
			break
		}
		q = next
	}
	return q
}
