package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// cloudIndex is a kd-tree over a frozen cloud. It only narrows the candidate
// set; the final pick uses the same rule as the linear scan so results do not
// depend on whether the index is in use.
type cloudIndex struct {
	tree *kdtree.Tree
}

func newCloudIndex(points []Point) *cloudIndex {
	ip := make(indexedPoints, len(points))
	for i, p := range points {
		ip[i] = indexedPoint{x: p.X, y: p.Y, idx: i}
	}
	return &cloudIndex{tree: kdtree.New(ip, false)}
}

// closest returns the index of the nearest point, or false when the query
// cannot be answered by the tree (non-finite input).
func (ci *cloudIndex) closest(points []Point, q Point) (int, bool) {
	if !q.IsFinite() {
		return 0, false
	}
	query := indexedPoint{x: q.X, y: q.Y, idx: -1}
	nearest, d2 := ci.tree.Nearest(query)
	if nearest == nil || math.IsNaN(d2) || math.IsInf(d2, 0) {
		return 0, false
	}

	// Collect everything at (or a hair beyond) the nearest squared distance so
	// ties are resolved by insertion order.
	keeper := kdtree.NewDistKeeper(d2*(1+1e-9) + 1e-300)
	ci.tree.NearestSet(keeper, query)

	candidates := make([]int, 0, len(keeper.Heap))
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		candidates = append(candidates, cd.Comparable.(indexedPoint).idx)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	i, _ := linearClosest(points, q, candidates)
	return i, true
}

type indexedPoint struct {
	x, y float64
	idx  int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	default:
		panic("geom: illegal kd-tree dimension")
	}
}

func (p indexedPoint) Dims() int { return 2 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	return Point{X: p.x, Y: p.y}.distanceSquared(Point{X: q.x, Y: q.y})
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return pointPlane{indexedPoints: p, Dim: d}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// pointPlane sorts indexedPoints along one axis for median partitioning.
type pointPlane struct {
	kdtree.Dim
	indexedPoints
}

func (p pointPlane) Less(i, j int) bool {
	a, b := p.indexedPoints[i], p.indexedPoints[j]
	if p.Dim == 0 {
		return a.x < b.x
	}
	return a.y < b.y
}

func (p pointPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}

func (p pointPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
