// Package icp aligns a scan against reference clouds with point-to-point
// Iterative Closest Point and picks the reference that explains the scan
// best.
//
// A Transform produced here maps reference coordinates into scan
// coordinates; its inverse carries the scan into the reference frame.
package icp

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/timeutil"
)

var (
	// ErrNoCorrespondence means every reference hit an iteration in which no
	// scan point passed the correspondence gate.
	ErrNoCorrespondence = errors.New("icp: no correspondences accepted for any reference")
	// ErrNoReferences is returned for an empty reference set.
	ErrNoReferences = errors.New("icp: reference set is empty")
)

// Engine runs registrations. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	cfg   Config
	clock timeutil.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the clock used for timeouts.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine returns an engine using cfg; zero fields take defaults.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		clock: timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Register aligns scan against every reference, each for up to timeout, and
// returns the transform of the best-fitting reference. Running out of time
// is not an error: the latest estimate is used.
func (e *Engine) Register(scan *geom.PointCloud, refs ReferenceSet, timeout time.Duration) (geom.Transform, error) {
	res, err := e.RegisterContext(context.Background(), scan, refs, timeout)
	if err != nil {
		return geom.Transform{}, err
	}
	return res.Transform, nil
}

// RegisterContext is Register with cooperative cancellation, checked once per
// iteration, and full diagnostics. When it returns ErrNoCorrespondence the
// Result is still populated with the per-reference outcomes.
func (e *Engine) RegisterContext(ctx context.Context, scan *geom.PointCloud, refs ReferenceSet, timeout time.Duration) (*Result, error) {
	if err := refs.Validate(); err != nil {
		return nil, err
	}
	if scan == nil {
		scan = geom.NewFrozenCloud()
	}
	start := e.clock.Now()

	results := make([]ReferenceResult, len(refs))
	if e.cfg.Parallel && len(refs) > 1 {
		var wg sync.WaitGroup
		for i := range refs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.refine(ctx, scan, i, refs[i], timeout)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range refs {
			results[i] = e.refine(ctx, scan, i, refs[i], timeout)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	best := -1
	for i := range results {
		r := &results[i]
		if r.Err != nil {
			continue
		}
		residuals, err := residuals(scan, refs[i].Cloud, r.Transform)
		if err != nil {
			return nil, err
		}
		r.Residual = floats.Sum(residuals)
		if len(residuals) > 0 {
			r.MeanResidual = stat.Mean(residuals, nil)
		}
		if best < 0 || r.Residual < results[best].Residual {
			best = i
		}
	}

	if best < 0 {
		opsf("registration failed: %d reference(s), scan of %d points, no correspondences", len(refs), scan.Len())
		return &Result{References: results, PointCount: scan.Len(), Elapsed: e.clock.Since(start)}, ErrNoCorrespondence
	}

	w := results[best]
	res := &Result{
		Transform:    w.Transform,
		Reference:    w.Name,
		Index:        best,
		Residual:     w.Residual,
		MeanResidual: w.MeanResidual,
		Iterations:   w.Iterations,
		Converged:    w.Stop == StopConverged,
		PointCount:   scan.Len(),
		Elapsed:      e.clock.Since(start),
		References:   results,
	}
	diagf("selected %q of %d: %v residual=%.3f iterations=%d stop=%v",
		res.Reference, len(refs), res.Transform, res.Residual, res.Iterations, w.Stop)
	return res, nil
}

// refine runs the fixed-point iteration for one reference.
func (e *Engine) refine(ctx context.Context, scan *geom.PointCloud, index int, ref Reference, timeout time.Duration) ReferenceResult {
	res := ReferenceResult{
		Name:         ref.Name,
		Index:        index,
		Transform:    ref.Prior,
		Stop:         StopTimeout,
		MeanDistance: math.Inf(1),
	}

	transform := ref.Prior
	lastMeanDist := math.Inf(1)
	start := e.clock.Now()

	for e.clock.Since(start) <= timeout {
		if err := ctx.Err(); err != nil {
			res.Stop, res.Err = StopCancelled, err
			break
		}
		if e.cfg.MaxIterations > 0 && res.Iterations >= e.cfg.MaxIterations {
			res.Stop = StopMaxIterations
			break
		}

		threshold := math.Min(lastMeanDist, e.cfg.MaxCorrespondenceDistance)
		next, step, err := fitStep(scan, ref.Cloud, transform, threshold)
		res.Iterations++
		lastMeanDist = step.meanDist
		res.MeanDistance = step.meanDist
		res.Accepted = step.accepted
		if err != nil {
			res.Stop, res.Err = StopNoCorrespondence, err
			diagf("reference %q: iteration %d accepted no correspondences (threshold %.4f)", ref.Name, res.Iterations, threshold)
			break
		}

		prev := transform
		transform = next
		tracef("reference %q: iteration %d %v accepted=%d/%d mean=%.4f",
			ref.Name, res.Iterations, transform, step.accepted, scan.Len(), step.meanDist)

		if e.converged(prev, transform) {
			res.Stop = StopConverged
			break
		}
	}

	res.Transform = transform
	res.Elapsed = e.clock.Since(start)
	return res
}

func (e *Engine) converged(prev, cur geom.Transform) bool {
	dTheta, dTx, dTy := prev.Delta(cur)
	return dTheta < e.cfg.ConvergenceAngle &&
		dTx < e.cfg.ConvergenceTranslation &&
		dTy < e.cfg.ConvergenceTranslation
}

type stepStats struct {
	accepted int
	meanDist float64
}

// fitStep matches every scan point, pulled into the reference frame by the
// inverse of transform, to its nearest reference point, keeps pairs no
// farther apart than threshold and solves the least-squares rigid transform
// for the kept pairs in closed form.
//
// The mean distance is taken over all scan points, kept or not, and becomes
// the next iteration's threshold.
func fitStep(scan, ref *geom.PointCloud, transform geom.Transform, threshold float64) (geom.Transform, stepStats, error) {
	inv := transform.Inverse()

	var sumDist float64
	var sumXa, sumYa, sumXb, sumYb float64
	var sxx, sxy, syx, syy float64
	n := 0
	for _, p := range scan.All() {
		p2 := inv.Apply(p)
		rp, dist, err := ref.ClosestToWithDistance(p2)
		if err != nil {
			return transform, stepStats{}, err
		}
		sumDist += dist
		if !(dist <= threshold) {
			continue
		}
		n++

		sumXa += p.X
		sumYa += p.Y
		sumXb += rp.X
		sumYb += rp.Y

		sxx += p.X * rp.X
		sxy += p.X * rp.Y
		syx += p.Y * rp.X
		syy += p.Y * rp.Y
	}

	stats := stepStats{accepted: n, meanDist: sumDist / float64(scan.Len())}
	if n == 0 {
		return transform, stats, ErrNoCorrespondence
	}

	N := float64(n)
	ax := N*(sxx+syy) - sumXa*sumXb - sumYa*sumYb
	ay := sumXa*sumYb + N*(syx-sxy) - sumXb*sumYa

	theta := 0.0
	if ax != 0 || ay != 0 {
		theta = math.Atan2(ay, ax)
	}
	c, s := math.Cos(theta), math.Sin(theta)

	meanXa, meanYa := sumXa/N, sumYa/N
	meanXb, meanYb := sumXb/N, sumYb/N

	return geom.Transform{
		Theta: theta,
		Tx:    meanXa - meanXb*c + meanYb*s,
		Ty:    meanYa - meanXb*s - meanYb*c,
	}, stats, nil
}

// residuals returns, per scan point, the distance between the point carried
// into the reference frame and its nearest reference point.
func residuals(scan, ref *geom.PointCloud, transform geom.Transform) ([]float64, error) {
	inv := transform.Inverse()
	out := make([]float64, 0, scan.Len())
	for _, p := range scan.All() {
		_, d, err := ref.ClosestToWithDistance(inv.Apply(p))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
