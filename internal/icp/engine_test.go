package icp

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/timeutil"
)

// octagon returns eight points at 45° spacing with uneven radii, so no two
// points are closer than about 26 units.
func octagon() []geom.Point {
	radii := []float64{30, 38, 33, 40, 31, 36, 34, 39}
	pts := make([]geom.Point, len(radii))
	for i, r := range radii {
		pts[i] = geom.FromPolar(float64(i)*45, r)
	}
	return pts
}

func grid(n int, spacing float64) []geom.Point {
	pts := make([]geom.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, geom.Point{X: float64(i)*spacing - 100, Y: float64(j)*spacing - 120})
		}
	}
	return pts
}

func transformAll(pts []geom.Point, tr geom.Transform) []geom.Point {
	out := make([]geom.Point, len(pts))
	for i, p := range pts {
		out[i] = tr.Apply(p)
	}
	return out
}

func assertTransformNear(t *testing.T, want, got geom.Transform, tol float64) {
	t.Helper()
	assert.InDelta(t, want.Theta, got.Theta, tol, "theta")
	assert.InDelta(t, want.Tx, got.Tx, tol, "tx")
	assert.InDelta(t, want.Ty, got.Ty, tol, "ty")
}

func TestRegisterRecoversRigidMotion(t *testing.T) {
	truth := geom.Transform{Theta: 0.1, Tx: 5, Ty: -3}
	ref := octagon()
	scan := geom.NewFrozenCloud(transformAll(ref, truth)...)
	refs := ReferenceSet{{Name: "room", Cloud: geom.NewFrozenCloud(ref...), Prior: geom.Identity()}}

	got, err := NewEngine(DefaultConfig()).Register(scan, refs, time.Second)
	require.NoError(t, err)
	assertTransformNear(t, truth, got, 1e-6)

	// Carrying the scan back with the inverse lands on the reference.
	inv := got.Inverse()
	for i, p := range scan.Points() {
		assert.True(t, inv.Apply(p).ApproxEqual(ref[i], 1e-6), "point %d: %v vs %v", i, inv.Apply(p), ref[i])
	}
}

func TestRegisterDiagnostics(t *testing.T) {
	truth := geom.Transform{Theta: 0.1, Tx: 5, Ty: -3}
	ref := octagon()
	scan := geom.NewFrozenCloud(transformAll(ref, truth)...)
	refs := ReferenceSet{{Name: "room", Cloud: geom.NewFrozenCloud(ref...)}}

	res, err := NewEngine(Config{}).RegisterContext(context.Background(), scan, refs, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "room", res.Reference)
	assert.Equal(t, 0, res.Index)
	assert.True(t, res.Converged)
	assert.GreaterOrEqual(t, res.Iterations, 2)
	assert.Equal(t, len(ref), res.PointCount)
	assert.InDelta(t, 0, res.Residual, 1e-6)
	require.Len(t, res.References, 1)
	assert.Equal(t, StopConverged, res.References[0].Stop)
	assert.Equal(t, len(ref), res.References[0].Accepted)
}

func TestRegisterUsesKDIndexedReference(t *testing.T) {
	truth := geom.Transform{Theta: 0.01, Tx: 2, Ty: -1}
	ref := grid(10, 30)
	refCloud := geom.NewFrozenCloud(ref...)
	require.GreaterOrEqual(t, refCloud.Len(), geom.DefaultIndexThreshold)

	scan := geom.NewFrozenCloud(transformAll(ref, truth)...)
	got, err := NewEngine(DefaultConfig()).Register(scan, ReferenceSet{{Name: "grid", Cloud: refCloud}}, time.Second)
	require.NoError(t, err)
	assertTransformNear(t, truth, got, 1e-6)
}

func TestRegisterNoCorrespondence(t *testing.T) {
	ref := geom.NewFrozenCloud(octagon()...)
	far := geom.NewFrozenCloud(transformAll(octagon(), geom.Transform{Tx: 1000, Ty: 1000})...)

	tests := []struct {
		name string
		cfg  Config
		scan *geom.PointCloud
	}{
		{"disjoint beyond cap", Config{MaxCorrespondenceDistance: 10}, far},
		{"empty scan", Config{}, geom.NewFrozenCloud()},
		{"nil scan", Config{}, nil},
		{"non-finite scan", Config{}, geom.NewFrozenCloud(geom.Point{X: math.NaN(), Y: 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := ReferenceSet{
				{Name: "a", Cloud: ref},
				{Name: "b", Cloud: ref, Prior: geom.Transform{Theta: 0.5}},
			}
			res, err := NewEngine(tt.cfg).RegisterContext(context.Background(), tt.scan, refs, time.Second)
			require.ErrorIs(t, err, ErrNoCorrespondence)
			require.NotNil(t, res)
			for _, r := range res.References {
				assert.Equal(t, StopNoCorrespondence, r.Stop)
				assert.Equal(t, 1, r.Iterations)
			}

			_, err = NewEngine(tt.cfg).Register(tt.scan, refs, time.Second)
			assert.True(t, errors.Is(err, ErrNoCorrespondence))
		})
	}
}

func TestRegisterTinyTimeoutReturnsPrior(t *testing.T) {
	prior := geom.Transform{Theta: 0.2, Tx: 1, Ty: 2}
	ref := geom.NewFrozenCloud(octagon()...)
	scan := geom.NewFrozenCloud(transformAll(octagon(), geom.Transform{Tx: 3})...)
	refs := ReferenceSet{{Name: "room", Cloud: ref, Prior: prior}}

	clock := timeutil.NewSteppingClock(time.Unix(0, 0), time.Millisecond)
	res, err := NewEngine(DefaultConfig(), WithClock(clock)).RegisterContext(context.Background(), scan, refs, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, prior, res.Transform)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, StopTimeout, res.References[0].Stop)
}

func TestRegisterTinyTimeoutRealClock(t *testing.T) {
	ref := geom.NewFrozenCloud(octagon()...)
	done := make(chan error, 1)
	go func() {
		_, err := NewEngine(DefaultConfig()).Register(ref, ReferenceSet{{Name: "room", Cloud: ref}}, time.Nanosecond)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Register with a 1ns timeout did not return")
	}
}

func TestRegisterPicksBestReference(t *testing.T) {
	good := octagon()
	line := make([]geom.Point, 8)
	for i := range line {
		line[i] = geom.Point{X: float64(i)*11 - 40, Y: 0}
	}
	scan := geom.NewFrozenCloud(transformAll(good, geom.Transform{Theta: 0.001, Tx: 0.01})...)

	for _, parallel := range []bool{false, true} {
		refs := ReferenceSet{
			{Name: "corridor", Cloud: geom.NewFrozenCloud(line...)},
			{Name: "room", Cloud: geom.NewFrozenCloud(good...)},
		}
		res, err := NewEngine(Config{Parallel: parallel}).RegisterContext(context.Background(), scan, refs, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "room", res.Reference, "parallel=%v", parallel)
		assert.Equal(t, 1, res.Index)
		assertTransformNear(t, geom.Transform{Theta: 0.001, Tx: 0.01}, res.Transform, 1e-6)
		if res.References[0].Err == nil {
			assert.Greater(t, res.References[0].Residual, res.Residual)
		}
	}
}

func TestRegisterMaxIterations(t *testing.T) {
	ref := octagon()
	scan := geom.NewFrozenCloud(transformAll(ref, geom.Transform{Theta: 0.1, Tx: 5, Ty: -3})...)
	refs := ReferenceSet{{Name: "room", Cloud: geom.NewFrozenCloud(ref...)}}

	res, err := NewEngine(Config{MaxIterations: 1}).RegisterContext(context.Background(), scan, refs, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, StopMaxIterations, res.References[0].Stop)
	assert.False(t, res.Converged)
}

func TestRegisterCancelled(t *testing.T) {
	ref := geom.NewFrozenCloud(octagon()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(DefaultConfig()).RegisterContext(ctx, ref, ReferenceSet{{Name: "room", Cloud: ref}}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterRejectsBadReferences(t *testing.T) {
	scan := geom.NewFrozenCloud(octagon()...)
	e := NewEngine(DefaultConfig())

	_, err := e.Register(scan, nil, time.Second)
	assert.ErrorIs(t, err, ErrNoReferences)

	_, err = e.Register(scan, ReferenceSet{{Name: "empty", Cloud: geom.NewFrozenCloud()}}, time.Second)
	assert.ErrorIs(t, err, geom.ErrEmptyCloud)
}

func TestFitStepThresholdGate(t *testing.T) {
	ref := geom.NewFrozenCloud(geom.Point{X: 0, Y: 0}, geom.Point{X: 100, Y: 0})
	scan := geom.NewFrozenCloud(geom.Point{X: 1, Y: 0}, geom.Point{X: 100, Y: 5})

	_, st, err := fitStep(scan, ref, geom.Identity(), math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, 2, st.accepted)
	assert.InDelta(t, 3.0, st.meanDist, 1e-12) // (1 + 5) / 2

	_, st, err = fitStep(scan, ref, geom.Identity(), st.meanDist)
	require.NoError(t, err)
	assert.Equal(t, 1, st.accepted, "only the match under the previous mean survives")

	_, _, err = fitStep(scan, ref, geom.Identity(), 0.5)
	assert.ErrorIs(t, err, ErrNoCorrespondence)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{ConvergenceAngle: -1}.Validate())
	assert.Error(t, Config{MaxCorrespondenceDistance: math.NaN()}.Validate())
	assert.Error(t, Config{MaxIterations: -2}.Validate())

	eff := NewEngine(Config{}).Config()
	assert.Equal(t, DefaultConvergenceAngle, eff.ConvergenceAngle)
	assert.True(t, math.IsInf(eff.MaxCorrespondenceDistance, 1))
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "converged", StopConverged.String())
	assert.Equal(t, "no_correspondence", StopNoCorrespondence.String())
	assert.Equal(t, "unknown", StopReason(99).String())
}

func TestReferenceSetHelpers(t *testing.T) {
	rs := ReferenceSet{{Name: "a"}, {Name: "b", Prior: geom.Transform{Tx: 1}}}
	assert.Equal(t, []string{"a", "b"}, rs.Names())

	moved := rs.WithPrior(geom.Transform{Ty: 2})
	assert.Equal(t, geom.Transform{Ty: 2}, moved[1].Prior)
	assert.Equal(t, geom.Transform{Tx: 1}, rs[1].Prior, "original set must not change")
}

func TestConvergedAcrossPi(t *testing.T) {
	e := NewEngine(Config{})
	prev := geom.Transform{Theta: math.Pi - 2e-4, Tx: 10}
	cur := geom.Transform{Theta: -math.Pi + 2e-4, Tx: 10}
	assert.True(t, e.converged(prev, cur), "estimates 4e-4 rad apart across ±pi")
	assert.False(t, e.converged(prev, geom.Transform{Theta: 0, Tx: 10}))
}
