package geom

import (
	"fmt"
	"math"
)

// Transform is a planar rigid-body pose: rotate by Theta (radians) about the
// origin, then translate by (Tx, Ty).
type Transform struct {
	Theta float64 `json:"theta"`
	Tx    float64 `json:"tx"`
	Ty    float64 `json:"ty"`
}

// Identity returns the transform that leaves every point unchanged.
func Identity() Transform {
	return Transform{}
}

// Apply maps p through the transform.
func (t Transform) Apply(p Point) Point {
	c, s := math.Cos(t.Theta), math.Sin(t.Theta)
	return Point{
		X: p.X*c - p.Y*s + t.Tx,
		Y: p.X*s + p.Y*c + t.Ty,
	}
}

// Inverse returns the transform u such that u.Apply(t.Apply(p)) == p.
func (t Transform) Inverse() Transform {
	c, s := math.Cos(t.Theta), math.Sin(t.Theta)
	return Transform{
		Theta: -t.Theta,
		Tx:    -t.Tx*c - t.Ty*s,
		Ty:    t.Tx*s - t.Ty*c,
	}
}

// Compose returns the transform equivalent to applying u first and then t.
func (t Transform) Compose(u Transform) Transform {
	moved := t.Apply(Point{X: u.Tx, Y: u.Ty})
	return Transform{
		Theta: NormalizeAngle(t.Theta + u.Theta),
		Tx:    moved.X,
		Ty:    moved.Y,
	}
}

// Delta returns the absolute per-component change between t and u. The
// rotation change is taken the short way round, so estimates either side
// of ±pi are close.
func (t Transform) Delta(u Transform) (dTheta, dTx, dTy float64) {
	return math.Abs(NormalizeAngle(t.Theta - u.Theta)), math.Abs(t.Tx - u.Tx), math.Abs(t.Ty - u.Ty)
}

// ThetaDegrees returns the rotation in degrees.
func (t Transform) ThetaDegrees() float64 {
	return t.Theta * 180.0 / math.Pi
}

func (t Transform) String() string {
	return fmt.Sprintf("theta=%.5frad tx=%.4f ty=%.4f", t.Theta, t.Tx, t.Ty)
}

// NormalizeAngle wraps an angle in radians into (-pi, pi].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	} else if a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}
