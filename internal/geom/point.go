package geom

import (
	"fmt"
	"math"
)

// DefaultTolerance is the coordinate tolerance used for cloud membership
// checks when callers do not supply one.
const DefaultTolerance = 1e-9

// Point is a 2D position in the sensor's distance units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FromPolar converts a bearing in degrees and a range into a Cartesian point.
func FromPolar(angleDeg, distance float64) Point {
	theta := angleDeg * math.Pi / 180.0
	return Point{
		X: distance * math.Cos(theta),
		Y: distance * math.Sin(theta),
	}
}

// DistanceTo returns the Euclidean distance between p and q.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// distanceSquared avoids the square root for index comparisons.
func (p Point) distanceSquared(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// ApproxEqual reports whether both coordinates differ by at most tol.
func (p Point) ApproxEqual(q Point, tol float64) bool {
	return math.Abs(p.X-q.X) <= tol && math.Abs(p.Y-q.Y) <= tol
}

// IsFinite reports whether neither coordinate is NaN or infinite.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.4f, %.4f)", p.X, p.Y)
}
