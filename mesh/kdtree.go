package mesh

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// treePoint is a kd-tree entry that remembers the index of the point (or
// descriptor) it was built from.
type treePoint struct {
	index  int
	coords []float64
}

func (p treePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(treePoint)
	return p.coords[d] - q.coords[d]
}

func (p treePoint) Dims() int { return len(p.coords) }

// Distance returns the squared Euclidean distance.
func (p treePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(treePoint)
	var sum float64
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

type treePoints []treePoint

func (p treePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p treePoints) Len() int                              { return len(p) }
func (p treePoints) Pivot(d kdtree.Dim) int                { return treePlane{Dim: d, treePoints: p}.Pivot() }
func (p treePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type treePlane struct {
	kdtree.Dim
	treePoints
}

func (p treePlane) Less(i, j int) bool {
	return p.treePoints[i].coords[p.Dim] < p.treePoints[j].coords[p.Dim]
}
func (p treePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p treePlane) Slice(start, end int) kdtree.SortSlicer {
	p.treePoints = p.treePoints[start:end]
	return p
}
func (p treePlane) Swap(i, j int) {
	p.treePoints[i], p.treePoints[j] = p.treePoints[j], p.treePoints[i]
}

// Neighbor is a search hit: the index of the stored item and its Euclidean
// distance to the query.
type Neighbor struct {
	Index    int
	Distance float64
}

// vectorIndex is a kd-tree over fixed-length float vectors.
type vectorIndex struct {
	tree *kdtree.Tree
	n    int
}

func newVectorIndex(vectors [][]float64) *vectorIndex {
	pts := make(treePoints, len(vectors))
	for i, v := range vectors {
		pts[i] = treePoint{index: i, coords: v}
	}
	if len(pts) == 0 {
		return &vectorIndex{}
	}
	return &vectorIndex{tree: kdtree.New(pts, false), n: len(pts)}
}

func (ix *vectorIndex) nearest(q []float64) (int, float64) {
	if ix.n == 0 {
		return -1, math.Inf(1)
	}
	c, d := ix.tree.Nearest(treePoint{index: -1, coords: q})
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(treePoint).index, math.Sqrt(d)
}

func (ix *vectorIndex) kNearest(q []float64, k int) []Neighbor {
	if ix.n == 0 || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keeper, treePoint{index: -1, coords: q})
	return collectNeighbors(keeper.Heap)
}

func (ix *vectorIndex) within(q []float64, radius float64) []Neighbor {
	if ix.n == 0 || radius <= 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(radius * radius)
	ix.tree.NearestSet(keeper, treePoint{index: -1, coords: q})
	return collectNeighbors(keeper.Heap)
}

// collectNeighbors drops the keeper's sentinel entries and sorts by distance.
func collectNeighbors(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(treePoint).index, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].Index < out[j].Index
		}
		return out[i].Distance < out[j].Distance
	})
	return out
}

// PointIndex answers nearest-neighbour queries over a fixed set of 3D points.
type PointIndex struct {
	vectors *vectorIndex
}

// NewPointIndex builds a kd-tree over points. The slice is not retained.
func NewPointIndex(points []r3.Vector) *PointIndex {
	vs := make([][]float64, len(points))
	for i, p := range points {
		vs[i] = []float64{p.X, p.Y, p.Z}
	}
	return &PointIndex{vectors: newVectorIndex(vs)}
}

// Len returns the number of indexed points.
func (ix *PointIndex) Len() int { return ix.vectors.n }

// Nearest returns the index of the closest point and its distance, or -1
// when the index is empty.
func (ix *PointIndex) Nearest(p r3.Vector) (int, float64) {
	return ix.vectors.nearest([]float64{p.X, p.Y, p.Z})
}

// KNearest returns up to k closest points, nearest first.
func (ix *PointIndex) KNearest(p r3.Vector, k int) []Neighbor {
	return ix.vectors.kNearest([]float64{p.X, p.Y, p.Z}, k)
}

// Radius returns every point within r of p, nearest first.
func (ix *PointIndex) Radius(p r3.Vector, r float64) []Neighbor {
	return ix.vectors.within([]float64{p.X, p.Y, p.Z}, r)
}
