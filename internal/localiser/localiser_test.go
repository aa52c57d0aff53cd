package localiser

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanmatch/internal/cloudio"
	"github.com/banshee-data/scanmatch/internal/db"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/monitoring"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
	"github.com/banshee-data/scanmatch/internal/revolution"
	"github.com/banshee-data/scanmatch/internal/serialport"
	"github.com/banshee-data/scanmatch/internal/timeutil"
)

var roomPose = geom.Transform{Theta: 0.05, Tx: 150, Ty: 120}

func quietLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(orig) })
}

// syntheticDevice returns a started device whose stream yields revs complete
// revolutions of a 400x300 room seen from pose. The port renders two more:
// the first has no wrap in front of it and the last none behind it, so
// neither is ever published. Zero streams forever.
func syntheticDevice(t *testing.T, pose geom.Transform, revs int) (*serialport.Device, *serialport.SyntheticPort) {
	t.Helper()
	quietLogs(t)
	port := serialport.NewSyntheticPort(serialport.Synthetic{Room: serialport.RectRoom(400, 300), Pose: pose})
	if revs > 0 {
		port.MaxRevolutions = revs + 2
	}
	dev := serialport.NewDevice("synthetic", port)
	require.NoError(t, dev.Start())
	t.Cleanup(func() { dev.Close() })
	return dev, port
}

// renderedReference is the revolution a sensor at pose would produce, used
// as a reference that matches a live scan from the same pose exactly.
func renderedReference(name string, pose geom.Transform) icp.Reference {
	src := serialport.Synthetic{Room: serialport.RectRoom(400, 300), Pose: pose}
	cloud := geom.NewPointCloud()
	for _, s := range src.Samples() {
		cloud.Add(s.Point())
	}
	return icp.Reference{Name: name, Cloud: cloud.Freeze()}
}

func runToEnd(t *testing.T, l *Localiser) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
}

func TestRunPublishesEveryRevolution(t *testing.T) {
	dev, port := syntheticDevice(t, roomPose, 3)
	l := New(dev, nil, Config{})
	_, sub := l.Subscribe(8)

	runToEnd(t, l)

	require.Equal(t, 5, port.Revolutions())
	latest := l.Latest().Load()
	require.NotNil(t, latest)
	assert.Equal(t, uint64(3), latest.Seq)

	for want := uint64(1); want <= 3; want++ {
		scan := <-sub
		assert.Equal(t, want, scan.Seq)
		assert.Equal(t, 360, scan.Len())
		assert.True(t, scan.Cloud.Frozen())
	}

	st := l.Status()
	assert.Equal(t, uint64(3), st.Revolutions)
	assert.Equal(t, uint64(2), st.PartialRevolutions)
	assert.Equal(t, int64(5*360), st.Samples)
	assert.Zero(t, st.DecodeErrors)
	assert.Zero(t, st.SubscriberDrops)
}

func TestRunDropsForSlowSubscribers(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 3)
	l := New(dev, nil, Config{})
	id, sub := l.Subscribe(1)

	runToEnd(t, l)

	assert.Equal(t, uint64(2), l.Status().SubscriberDrops)
	assert.Equal(t, uint64(1), (<-sub).Seq)

	l.Unsubscribe(id)
	_, open := <-sub
	assert.False(t, open, "channel should be closed after Unsubscribe")
}

func TestRunPublishesOnlyWholeRevolutions(t *testing.T) {
	quietLogs(t)
	src := serialport.Synthetic{Room: serialport.RectRoom(400, 300), Pose: roomPose}
	packets := src.Packets()

	// Powered up facing 200°, two full sweeps, then cut off at 120°.
	var stream []rangefinder.Packet
	stream = append(stream, packets[5:]...)
	stream = append(stream, packets...)
	stream = append(stream, packets...)
	stream = append(stream, packets[:3]...)
	var raw bytes.Buffer
	for _, p := range stream {
		b, err := rangefinder.EncodePacket(p)
		require.NoError(t, err)
		raw.Write(b)
	}

	l := New(&raw, icp.ReferenceSet{renderedReference("room", roomPose)}, Config{})
	_, sub := l.Subscribe(4)
	runToEnd(t, l)

	latest := l.Latest().Load()
	require.NotNil(t, latest)
	assert.Equal(t, uint64(2), latest.Seq)
	assert.Equal(t, uint64(2), l.Status().Revolutions)
	assert.Equal(t, uint64(2), l.Status().PartialRevolutions)

	for want := uint64(1); want <= 2; want++ {
		scan := <-sub
		assert.Equal(t, want, scan.Seq)
		assert.True(t, scan.Complete)
		assert.Equal(t, 360, scan.Len())
		assert.InDelta(t, 0, scan.FirstAngle, 1e-3)
		assert.InDelta(t, 359, scan.LastAngle, 1e-3)
	}
	assert.Empty(t, sub, "partial sweeps reached subscribers")

	fix, err := l.Locate(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fix.ScanSeq)
	assert.InDelta(t, 0, fix.Residual, 1e-9)
}

func TestRunSkipsSmallRevolutions(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 2)
	l := New(dev, nil, Config{Builder: revolution.BuilderConfig{MinPoints: 400}})

	runToEnd(t, l)

	assert.Nil(t, l.Latest().Load())
	assert.Equal(t, uint64(2), l.Status().SmallRevolutions)
}

func TestRunRejectsSecondCaller(t *testing.T) {
	dev, port := syntheticDevice(t, roomPose, 0)
	port.Interval = 5 * time.Millisecond
	l := New(dev, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	_, err := l.Latest().WaitNewer(ctx, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Run(ctx), ErrRunning)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReportsSourceErrors(t *testing.T) {
	quietLogs(t)
	port := serialport.NewTestableSerialPort()
	port.ReadError = errors.New("cable unplugged")
	l := New(serialport.NewDevice("bad", port), nil, Config{})

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cable unplugged")
}

func TestLocateMatchesIdenticalReference(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 2)
	l := New(dev, icp.ReferenceSet{renderedReference("room", roomPose)}, Config{})
	runToEnd(t, l)

	fix, err := l.Locate(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fix.ScanSeq)
	assert.Equal(t, "room", fix.Reference)
	assert.True(t, fix.Converged)
	assert.InDelta(t, 0, fix.Residual, 1e-9)
	assert.InDelta(t, 0, fix.Transform.Theta, 1e-9)
	assert.InDelta(t, 0, fix.Transform.Tx, 1e-9)
	assert.InDelta(t, 0, fix.Transform.Ty, 1e-9)
	assert.NotEmpty(t, fix.RunID)
	assert.Same(t, fix, l.LastFix())
}

func TestLocateRecoversPoseInRoom(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 1)
	truth := roomPose.Inverse()
	prior := geom.Transform{Theta: truth.Theta + 0.01, Tx: truth.Tx + 2, Ty: truth.Ty - 1.5}
	refs := icp.ReferenceSet{
		{Name: "room", Cloud: serialport.RectRoom(400, 300).Outline(0.5), Prior: prior},
	}
	engine := icp.NewEngine(icp.Config{MaxIterations: 200})
	l := New(dev, refs, Config{}, WithEngine(engine))
	runToEnd(t, l)

	fix, err := l.Locate(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, truth.Theta, fix.Transform.Theta, 0.02)
	assert.InDelta(t, truth.Tx, fix.Transform.Tx, 1.5)
	assert.InDelta(t, truth.Ty, fix.Transform.Ty, 1.5)
	assert.Less(t, fix.MeanResidual, 1.0)
}

func TestLocateWaitsForNewerRevolution(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 1)
	l := New(dev, icp.ReferenceSet{renderedReference("room", roomPose)}, Config{})
	runToEnd(t, l)

	_, err := l.Locate(context.Background(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Locate(ctx, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocateWithoutReferences(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 1)
	l := New(dev, nil, Config{})
	runToEnd(t, l)

	fix, err := l.Locate(context.Background(), time.Second)
	assert.ErrorIs(t, err, icp.ErrNoReferences)
	require.NotNil(t, fix)
	assert.NotEmpty(t, fix.Error)
	assert.False(t, l.Status().LastRegistrationOK)
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	quietLogs(t)
	store, err := db.NewDB(filepath.Join(t.TempDir(), "scanmatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLocateRecordsRegistrations(t *testing.T) {
	store := newTestDB(t)
	dev, _ := syntheticDevice(t, roomPose, 1)

	far := icp.Reference{Name: "elsewhere", Cloud: geom.NewFrozenCloud(geom.Point{X: 1e6, Y: 1e6})}
	engine := icp.NewEngine(icp.Config{MaxCorrespondenceDistance: 10})
	l := New(dev, icp.ReferenceSet{far}, Config{}, WithDB(store), WithEngine(engine))
	runToEnd(t, l)

	fix, err := l.Locate(context.Background(), time.Second)
	require.ErrorIs(t, err, icp.ErrNoCorrespondence)
	require.NotNil(t, fix.Result)

	regs, err := store.ListRegistrations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, fix.RunID, regs[0].RunID)
	assert.Equal(t, uint64(1), regs[0].ScanSeq)
	assert.Contains(t, regs[0].Error, "no correspondences")

	_, err = store.LatestRegistration(context.Background())
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunPeriodicRegistersOnTick(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 1)
	start := time.Unix(1700000000, 0)
	clock := timeutil.NewMockClock(start)
	engine := icp.NewEngine(icp.Config{MaxIterations: 50}, icp.WithClock(clock))
	l := New(dev, icp.ReferenceSet{renderedReference("room", roomPose)}, Config{}, WithClock(clock), WithEngine(engine))
	runToEnd(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.RunPeriodic(ctx, time.Second, time.Second) }()

	deadline := time.Now().Add(5 * time.Second)
	for l.LastFix() == nil && time.Now().Before(deadline) {
		clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	fix := l.LastFix()
	require.NotNil(t, fix, "no registration after ticks")
	assert.Equal(t, uint64(1), fix.ScanSeq)
	assert.False(t, fix.CreatedAt.Before(start), "fix stamped %v", fix.CreatedAt)
	assert.False(t, fix.CreatedAt.After(clock.Now()), "fix stamped %v", fix.CreatedAt)

	// Further ticks see no new revolution and leave the fix alone.
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Same(t, fix, l.LastFix())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunPeriodicRejectsBadInterval(t *testing.T) {
	l := New(nil, nil, Config{})
	assert.Error(t, l.RunPeriodic(context.Background(), 0, time.Second))
}

func TestCaptureWritesFixture(t *testing.T) {
	store := newTestDB(t)
	dev, _ := syntheticDevice(t, roomPose, 1)
	dir := t.TempDir()
	l := New(dev, nil, Config{CaptureDir: dir}, WithDB(store))

	_, err := l.Capture(context.Background(), "before")
	assert.ErrorIs(t, err, ErrNoScan)

	runToEnd(t, l)

	c, err := l.Capture(context.Background(), "hallway")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hallway.txt"), c.Path)
	assert.NotEmpty(t, c.ID)

	cloud, err := cloudio.LoadCloud(c.Path, cloudio.Polar)
	require.NoError(t, err)
	scan := l.Latest().Load()
	require.Equal(t, scan.Len(), cloud.Len())
	for i := range cloud.Len() {
		assert.True(t, cloud.At(i).ApproxEqual(scan.Cloud.At(i), 1e-6), "point %d", i)
	}

	caps, err := store.ListCaptures(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "hallway", caps[0].Name)
}

func TestCaptureRejectsBadNames(t *testing.T) {
	dev, _ := syntheticDevice(t, roomPose, 1)
	dir := t.TempDir()
	l := New(dev, nil, Config{CaptureDir: dir})
	runToEnd(t, l)

	for _, name := range []string{"", "../escape", "a/b", ".hidden", "white space"} {
		_, err := l.Capture(context.Background(), name)
		assert.Error(t, err, "name %q", name)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddReference(t *testing.T) {
	store := newTestDB(t)
	dev, _ := syntheticDevice(t, roomPose, 1)
	l := New(dev, icp.ReferenceSet{renderedReference("old", roomPose)}, Config{}, WithDB(store))
	runToEnd(t, l)

	prior := geom.Transform{Theta: 0.1}
	_, err := l.AddReference(context.Background(), "live", prior)
	require.NoError(t, err)
	_, err = l.AddReference(context.Background(), "old", geom.Transform{})
	require.NoError(t, err)

	refs := l.References()
	assert.Equal(t, []string{"old", "live"}, refs.Names())
	assert.Equal(t, prior, refs[1].Prior)

	stored, err := store.LoadReferences(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "live"}, stored.Names())
}

func TestSetReferencesValidates(t *testing.T) {
	l := New(nil, nil, Config{})
	assert.ErrorIs(t, l.SetReferences(nil), icp.ErrNoReferences)
	require.NoError(t, l.SetReferences(icp.ReferenceSet{renderedReference("a", roomPose)}))
	assert.Equal(t, []string{"a"}, l.References().Names())
}
