package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point3 is an integer voxel coordinate on the image grid.
type Point3 struct {
	X, Y, Z int
}

// Add returns p+q.
func (p Point3) Add(q Point3) Point3 {
	return Point3{X: p.X + q.X, Y: p.Y + q.Y, Z: p.Z + q.Z}
}

// Sub returns p-q.
func (p Point3) Sub(q Point3) Point3 {
	return Point3{X: p.X - q.X, Y: p.Y - q.Y, Z: p.Z - q.Z}
}

// Chebyshev returns the grid (L-infinity) distance between p and q.
// Two distinct path points are adjacent when this is exactly 1.
func (p Point3) Chebyshev(q Point3) int {
	d := absInt(p.X - q.X)
	if dy := absInt(p.Y - q.Y); dy > d {
		d = dy
	}
	if dz := absInt(p.Z - q.Z); dz > d {
		d = dz
	}
	return d
}

// Vec converts p to a real-valued vector.
func (p Point3) Vec() r3.Vec {
	return r3.Vec{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
}

func (p Point3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", p.X, p.Y, p.Z)
}

// Round converts a real-valued position to the nearest voxel.
func Round(v r3.Vec) Point3 {
	return Point3{X: roundInt(v.X), Y: roundInt(v.Y), Z: roundInt(v.Z)}
}

func roundInt(f float64) int {
	if f < 0 {
		return -int(-f + 0.5)
	}
	return int(f + 0.5)
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// Grid is the read-only view of a 3D scalar or label volume used by the
// sampling core. Masks are Grids whose value is positive inside the mask.
type Grid interface {
	// Dims returns the grid extent along x, y and z.
	Dims() (width, height, depth int)

	// At returns the value stored at voxel (x, y, z). Callers check InBounds first.
	At(x, y, z int) float64

	// InBounds reports whether (x, y, z) lies inside the grid extent.
	InBounds(x, y, z int) bool
}

// Inside reports whether p lies inside mask g (in bounds and positive).
func Inside(g Grid, p Point3) bool {
	return g.InBounds(p.X, p.Y, p.Z) && g.At(p.X, p.Y, p.Z) > 0
}

// Volume represents a 3D image volume such as a mask, a label map or a
// probability map.
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (x fastest, then y, then z)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Affine maps voxel indices to physical coordinates (row-major 4x4).
	// The zero value is treated as a scaling by VoxelSize.
	Affine [16]float64
}

// NewVolume allocates a zero-filled volume with unit voxel size.
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	v.Affine = [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	return v
}

// NewVolumeLike allocates a zero-filled volume with the geometry of ref.
func NewVolumeLike(ref *Volume) *Volume {
	v := NewVolume(ref.Width, ref.Height, ref.Depth)
	v.VoxelSize = ref.VoxelSize
	v.Affine = ref.Affine
	return v
}

// Dims implements Grid.
func (v *Volume) Dims() (int, int, int) {
	return v.Width, v.Height, v.Depth
}

// Index returns the flat index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// InBounds implements Grid.
func (v *Volume) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// At implements Grid.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores value at voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// AtPoint returns the value at p, or 0 when p is out of bounds.
func (v *Volume) AtPoint(p Point3) float64 {
	if !v.InBounds(p.X, p.Y, p.Z) {
		return 0
	}
	return v.At(p.X, p.Y, p.Z)
}

// Fill sets every voxel to value.
func (v *Volume) Fill(value float64) {
	for i := range v.Data {
		v.Data[i] = value
	}
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// Count returns the number of voxels with a positive value.
func (v *Volume) Count() int {
	n := 0
	for _, d := range v.Data {
		if d > 0 {
			n++
		}
	}
	return n
}

// Points returns the coordinates of every voxel with a positive value, in
// storage order.
func (v *Volume) Points() []Point3 {
	pts := make([]Point3, 0)
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				if v.At(x, y, z) > 0 {
					pts = append(pts, Point3{X: x, Y: y, Z: z})
				}
			}
		}
	}
	return pts
}
