// Package geometry provides nearest-point queries over sets of path points.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"tractmcmc/internal/models"
)

// Point3D is a real-valued 3D point
type Point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// Cloud is a static point set indexed for nearest-neighbour lookup.
// It is read-only after construction and safe for concurrent queries.
type Cloud struct {
	tree *kdtree.Tree
	size int
}

// NewCloud indexes the given grid points.
func NewCloud(pts []models.Point3) *Cloud {
	data := make(Points3D, len(pts))
	for i, p := range pts {
		data[i] = Point3D{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
	}
	c := &Cloud{size: len(data)}
	if len(data) > 0 {
		c.tree = kdtree.New(data, false)
	}
	return c
}

// Len returns the number of indexed points.
func (c *Cloud) Len() int { return c.size }

// NearestDistance returns the Euclidean distance from p to the closest
// indexed point, or +Inf for an empty cloud.
func (c *Cloud) NearestDistance(p models.Point3) float64 {
	if c.tree == nil {
		return math.Inf(1)
	}
	_, d2 := c.tree.Nearest(Point3D{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)})
	return math.Sqrt(d2)
}

// DirectedHausdorff returns the largest distance from a point of a to its
// nearest point in b.
func DirectedHausdorff(a []models.Point3, b *Cloud) float64 {
	worst := 0.0
	for _, p := range a {
		if d := b.NearestDistance(p); d > worst {
			worst = d
		}
	}
	return worst
}

// Hausdorff returns the symmetric Hausdorff distance between two point sets.
func Hausdorff(a, b []models.Point3) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	return math.Max(DirectedHausdorff(a, NewCloud(b)), DirectedHausdorff(b, NewCloud(a)))
}
