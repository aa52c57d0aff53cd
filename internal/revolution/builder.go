// Package revolution groups decoded samples into one point cloud per sensor
// revolution and hands completed clouds from the decoding goroutine to
// consumers.
package revolution

import (
	"time"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
)

// Scan is a frozen revolution. Cloud is frozen before a Scan is created
// and is never modified afterwards. Complete is set only for revolutions
// bounded by a wrap at both ends; Flush produces the others.
type Scan struct {
	Seq         uint64 // 1-based revolution number since the builder started
	Cloud       *geom.PointCloud
	FirstAngle  float32
	LastAngle   float32
	CompletedAt time.Time
	Complete    bool
}

// Len returns the number of points in the revolution.
func (s *Scan) Len() int {
	if s == nil {
		return 0
	}
	return s.Cloud.Len()
}

// Builder accumulates samples into the current revolution. A revolution ends
// when a sample's angle is numerically smaller than the previous sample's
// angle (the 360°→0° wrap). The sensor may start mid-sweep, so samples seen
// before the first wrap are discarded: every revolution Add returns starts
// and ends at a wrap. Builder is owned by the decoding goroutine and is not
// safe for concurrent use.
type Builder struct {
	current     *geom.PointCloud
	firstAngle  float32
	lastAngle   float32
	started     bool // current began at a wrap
	seq         uint64
	minPoints   int
	dropped     uint64
	partial     uint64
	indexThresh int
	now         func() time.Time
}

// BuilderConfig tunes a Builder.
type BuilderConfig struct {
	// MinPoints discards revolutions with fewer points (stalled motor,
	// sparse returns). Zero keeps every revolution.
	MinPoints int
	// IndexThreshold is passed to each completed cloud; see
	// geom.PointCloud.SetIndexThreshold. Zero uses the geom default.
	IndexThreshold int
	// Now stamps completed scans; defaults to time.Now.
	Now func() time.Time
}

// NewBuilder returns an empty builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IndexThreshold == 0 {
		cfg.IndexThreshold = geom.DefaultIndexThreshold
	}
	return &Builder{
		current:     geom.NewPointCloud(),
		minPoints:   cfg.MinPoints,
		indexThresh: cfg.IndexThreshold,
		now:         cfg.Now,
	}
}

// Add appends one sample. When the sample opens a new revolution the previous
// one is frozen and returned; ok is false otherwise, when the finished
// revolution was too small to keep, or when it was the partial sweep before
// the first wrap.
func (b *Builder) Add(s rangefinder.RawSample) (scan *Scan, ok bool) {
	if b.current.Len() > 0 && b.lastAngle > s.Angle {
		if b.started {
			scan, ok = b.finish(true)
		} else {
			b.Discard()
		}
		b.started = true
	}
	if b.current.Len() == 0 {
		b.firstAngle = s.Angle
	}
	b.current.Add(s.Point())
	b.lastAngle = s.Angle
	return scan, ok
}

// Flush freezes whatever is pending as a Scan with Complete unset, for
// tools that want the tail of a finite recording. The next sample starts
// a partial sweep again. Registration must not be given flushed scans.
func (b *Builder) Flush() (*Scan, bool) {
	scan, ok := b.finish(false)
	b.started = false
	return scan, ok
}

// Discard drops the pending samples, for example when the stream ends
// mid-revolution. They are counted as a partial revolution.
func (b *Builder) Discard() {
	if b.current.Len() > 0 {
		b.partial++
		b.current = geom.NewPointCloud()
	}
	b.started = false
}

// Pending returns the number of points in the unfinished revolution.
func (b *Builder) Pending() int { return b.current.Len() }

// Dropped returns how many revolutions were discarded for being too small.
func (b *Builder) Dropped() uint64 { return b.dropped }

// Partial returns how many sweeps were discarded for lacking a wrap at
// either end.
func (b *Builder) Partial() uint64 { return b.partial }

func (b *Builder) finish(complete bool) (*Scan, bool) {
	cloud := b.current
	first, last := b.firstAngle, b.lastAngle
	b.current = geom.NewPointCloud()

	if cloud.Len() == 0 {
		return nil, false
	}
	if cloud.Len() < b.minPoints {
		b.dropped++
		return nil, false
	}

	cloud.SetIndexThreshold(b.indexThresh)
	b.seq++
	return &Scan{
		Seq:         b.seq,
		Cloud:       cloud.Freeze(),
		FirstAngle:  first,
		LastAngle:   last,
		CompletedAt: b.now(),
		Complete:    complete,
	}, true
}
