package geom

import (
	"errors"
	"iter"
	"math"
	"sync"
)

// ErrEmptyCloud is returned by nearest-neighbour queries on a cloud with no
// points.
var ErrEmptyCloud = errors.New("geom: point cloud is empty")

// DefaultIndexThreshold is the minimum size at which a frozen cloud builds a
// kd-tree for nearest-neighbour queries.
const DefaultIndexThreshold = 64

// PointCloud is an ordered collection of points. It is append-only while it
// is being built and read-only once frozen; Add on a frozen cloud panics.
// A frozen cloud is safe for concurrent readers.
type PointCloud struct {
	points []Point
	frozen bool

	indexThreshold int
	indexOnce      sync.Once
	index          *cloudIndex
}

// NewPointCloud returns a mutable cloud seeded with pts. The slice is copied.
func NewPointCloud(pts ...Point) *PointCloud {
	c := &PointCloud{indexThreshold: DefaultIndexThreshold}
	if len(pts) > 0 {
		c.points = make([]Point, len(pts))
		copy(c.points, pts)
	}
	return c
}

// NewFrozenCloud is shorthand for NewPointCloud(pts...).Freeze().
func NewFrozenCloud(pts ...Point) *PointCloud {
	return NewPointCloud(pts...).Freeze()
}

// Add appends p. It panics if the cloud has been frozen.
func (c *PointCloud) Add(p Point) {
	if c.frozen {
		panic("geom: Add on frozen point cloud")
	}
	c.points = append(c.points, p)
}

// Freeze marks the cloud read-only and returns it.
func (c *PointCloud) Freeze() *PointCloud {
	c.frozen = true
	return c
}

// Frozen reports whether Freeze has been called.
func (c *PointCloud) Frozen() bool {
	return c.frozen
}

// SetIndexThreshold changes the size at which a frozen cloud switches to the
// kd-tree. Zero or negative disables the index. It must be called before the
// first query.
func (c *PointCloud) SetIndexThreshold(n int) {
	c.indexThreshold = n
}

// Len returns the number of points.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.points)
}

// At returns the i'th point in insertion order.
func (c *PointCloud) At(i int) Point {
	return c.points[i]
}

// Points returns a copy of the points in insertion order.
func (c *PointCloud) Points() []Point {
	out := make([]Point, len(c.points))
	copy(out, c.points)
	return out
}

// All iterates the points in insertion order.
func (c *PointCloud) All() iter.Seq2[int, Point] {
	return func(yield func(int, Point) bool) {
		for i, p := range c.points {
			if !yield(i, p) {
				return
			}
		}
	}
}

// Contains reports whether some point lies within tol of p on both axes.
func (c *PointCloud) Contains(p Point, tol float64) bool {
	for _, q := range c.points {
		if q.ApproxEqual(p, tol) {
			return true
		}
	}
	return false
}

// Transformed returns a new mutable cloud with every point mapped through t.
func (c *PointCloud) Transformed(t Transform) *PointCloud {
	out := &PointCloud{
		points:         make([]Point, len(c.points)),
		indexThreshold: c.indexThreshold,
	}
	for i, p := range c.points {
		out.points[i] = t.Apply(p)
	}
	return out
}

// Bounds returns the axis-aligned bounding box of the cloud. An empty cloud
// returns ErrEmptyCloud.
func (c *PointCloud) Bounds() (min, max Point, err error) {
	if len(c.points) == 0 {
		return Point{}, Point{}, ErrEmptyCloud
	}
	min = Point{X: math.Inf(1), Y: math.Inf(1)}
	max = Point{X: math.Inf(-1), Y: math.Inf(-1)}
	for _, p := range c.points {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
	}
	return min, max, nil
}

// ClosestTo returns the point nearest to q. Ties go to the point that comes
// first in insertion order.
func (c *PointCloud) ClosestTo(q Point) (Point, error) {
	p, _, err := c.ClosestToWithDistance(q)
	return p, err
}

// ClosestToWithDistance is ClosestTo that also reports the distance.
func (c *PointCloud) ClosestToWithDistance(q Point) (Point, float64, error) {
	if c.Len() == 0 {
		return Point{}, 0, ErrEmptyCloud
	}
	if idx := c.nearestIndex(); idx != nil {
		if i, ok := idx.closest(c.points, q); ok {
			return c.points[i], q.DistanceTo(c.points[i]), nil
		}
	}
	i, d := linearClosest(c.points, q, nil)
	return c.points[i], d, nil
}

// linearClosest scans candidates (or every point when candidates is nil)
// keeping the first strictly smaller distance.
func linearClosest(points []Point, q Point, candidates []int) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	if candidates == nil {
		for i, p := range points {
			if d := q.DistanceTo(p); best < 0 || d < bestDist {
				best, bestDist = i, d
			}
		}
		return best, bestDist
	}
	for _, i := range candidates {
		d := q.DistanceTo(points[i])
		if best < 0 || d < bestDist || (d == bestDist && i < best) {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

func (c *PointCloud) nearestIndex() *cloudIndex {
	if !c.frozen || c.indexThreshold <= 0 || len(c.points) < c.indexThreshold {
		return nil
	}
	c.indexOnce.Do(func() {
		c.index = newCloudIndex(c.points)
	})
	return c.index
}
