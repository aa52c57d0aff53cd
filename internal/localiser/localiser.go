// Package localiser runs the live pipeline: bytes from the range finder are
// decoded, grouped into revolutions and published, and the newest revolution
// is registered against the reference set on demand or on a schedule.
package localiser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanmatch/internal/db"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
	"github.com/banshee-data/scanmatch/internal/revolution"
	"github.com/banshee-data/scanmatch/internal/timeutil"
)

var (
	// ErrRunning is returned by Run when the pipeline is already running.
	ErrRunning = errors.New("localiser: already running")
	// ErrNoScan is returned when no revolution has been published yet.
	ErrNoScan = errors.New("localiser: no revolution received yet")
)

// Config tunes a Localiser.
type Config struct {
	Builder         revolution.BuilderConfig
	SyncMarker      [2]byte       // zero uses rangefinder.DefaultSyncMarker
	RegisterTimeout time.Duration // per-reference budget used by RunPeriodic and the admin routes
	CaptureDir      string
}

// Fix is the outcome of one registration of a published revolution.
type Fix struct {
	db.Registration
	Result *icp.Result `json:"-"`
}

// Option configures a Localiser.
type Option func(*Localiser)

// WithDB records registrations, captures and added references in store.
func WithDB(store *db.DB) Option {
	return func(l *Localiser) { l.db = store }
}

// WithClock overrides the clock used for tickers and registration timing.
func WithClock(c timeutil.Clock) Option {
	return func(l *Localiser) { l.clock = c }
}

// WithEngine replaces the registration engine.
func WithEngine(e *icp.Engine) Option {
	return func(l *Localiser) { l.engine = e }
}

// Localiser owns the decoder and revolution builder for one byte source.
// Run must be called at most once at a time; every other method is safe for
// concurrent use.
type Localiser struct {
	cfg     Config
	decoder *rangefinder.Decoder
	builder *revolution.Builder
	latest  *revolution.Latest
	engine  *icp.Engine
	clock   timeutil.Clock
	db      *db.DB

	running       atomic.Bool
	smallRevs     atomic.Uint64
	partialRevs   atomic.Uint64
	published     atomic.Uint64
	droppedToSubs atomic.Uint64

	refMu sync.RWMutex
	refs  icp.ReferenceSet

	subMu sync.Mutex
	subs  map[string]chan *revolution.Scan

	fixMu   sync.Mutex
	usedSeq uint64
	lastFix *Fix
}

// New returns a stopped localiser reading from src. refs may be empty;
// registrations fail with icp.ErrNoReferences until references are added.
func New(src io.Reader, refs icp.ReferenceSet, cfg Config, opts ...Option) *Localiser {
	marker := cfg.SyncMarker
	if marker == [2]byte{} {
		marker = rangefinder.DefaultSyncMarker
	}
	l := &Localiser{
		cfg:     cfg,
		decoder: rangefinder.NewDecoder(src, rangefinder.WithSyncMarker(marker[0], marker[1])),
		latest:  revolution.NewLatest(),
		refs:    slices.Clone(refs),
		subs:    make(map[string]chan *revolution.Scan),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	if l.engine == nil {
		l.engine = icp.NewEngine(icp.DefaultConfig(), icp.WithClock(l.clock))
	}
	if l.cfg.Builder.Now == nil {
		l.cfg.Builder.Now = l.clock.Now
	}
	l.builder = revolution.NewBuilder(l.cfg.Builder)
	return l
}

// Latest returns the hand-off slot holding the newest revolution.
func (l *Localiser) Latest() *revolution.Latest { return l.latest }

// Run decodes the source until it ends (io.EOF returns nil), fails, or ctx
// is cancelled. The source is read on a separate goroutine; a read blocked in
// the source is only released by closing it, and Run reports ErrRunning
// until that goroutine has exited.
func (l *Localiser) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	scans := make(chan *revolution.Scan)
	errc := make(chan error, 1)

	go func() {
		defer l.running.Store(false)
		defer close(scans)
		emit := func(s *revolution.Scan) bool {
			select {
			case scans <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for s, err := range l.decoder.Samples() {
			if err != nil {
				if errors.Is(err, rangefinder.ErrDecode) {
					diagf("resync: %v", err)
					continue
				}
				errc <- err
				return
			}
			scan, ok := l.builder.Add(s)
			l.smallRevs.Store(l.builder.Dropped())
			l.partialRevs.Store(l.builder.Partial())
			if ok && !emit(scan) {
				return
			}
		}
		if n := l.builder.Pending(); n > 0 {
			diagf("discarding %d samples of an unfinished revolution", n)
		}
		l.builder.Discard()
		l.partialRevs.Store(l.builder.Partial())
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			opsf("source failed: %v", err)
			return fmt.Errorf("read range finder: %w", err)
		case scan, ok := <-scans:
			if !ok {
				select {
				case err := <-errc:
					opsf("source failed: %v", err)
					return fmt.Errorf("read range finder: %w", err)
				default:
				}
				diagf("source ended after %d revolutions", l.published.Load())
				return nil
			}
			l.publish(scan)
		}
	}
}

func (l *Localiser) publish(scan *revolution.Scan) {
	l.latest.Publish(scan)
	l.published.Add(1)
	tracef("revolution %d: %d points, %.2f..%.2f deg", scan.Seq, scan.Len(), scan.FirstAngle, scan.LastAngle)

	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- scan:
		default:
			l.droppedToSubs.Add(1)
		}
	}
}

// Subscribe returns a channel receiving every published revolution. When the
// channel's buffer is full the revolution is dropped for that subscriber.
func (l *Localiser) Subscribe(buffer int) (string, <-chan *revolution.Scan) {
	id := uuid.NewString()
	ch := make(chan *revolution.Scan, buffer)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscription.
func (l *Localiser) Unsubscribe(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
	}
}

// References returns a copy of the current reference set.
func (l *Localiser) References() icp.ReferenceSet {
	l.refMu.RLock()
	defer l.refMu.RUnlock()
	return slices.Clone(l.refs)
}

// SetReferences replaces the reference set.
func (l *Localiser) SetReferences(refs icp.ReferenceSet) error {
	if err := refs.Validate(); err != nil {
		return err
	}
	l.refMu.Lock()
	defer l.refMu.Unlock()
	l.refs = slices.Clone(refs)
	return nil
}

// Locate waits for a revolution newer than the one used by the previous
// registration and registers it, giving each reference up to timeout. A
// registration that finds no correspondences returns the Fix together with
// icp.ErrNoCorrespondence.
func (l *Localiser) Locate(ctx context.Context, timeout time.Duration) (*Fix, error) {
	l.fixMu.Lock()
	after := l.usedSeq
	l.fixMu.Unlock()

	scan, err := l.latest.WaitNewer(ctx, after)
	if err != nil {
		return nil, err
	}
	return l.registerScan(ctx, scan, timeout)
}

// RunPeriodic registers the newest revolution every interval until ctx is
// cancelled. Ticks with no new revolution are skipped.
func (l *Localiser) RunPeriodic(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("localiser: interval must be positive, got %v", interval)
	}
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		scan := l.latest.Load()
		l.fixMu.Lock()
		stale := scan == nil || scan.Seq <= l.usedSeq
		l.fixMu.Unlock()
		if stale {
			tracef("tick: no new revolution")
			continue
		}
		if _, err := l.registerScan(ctx, scan, timeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			diagf("periodic registration of revolution %d: %v", scan.Seq, err)
		}
	}
}

func (l *Localiser) registerScan(ctx context.Context, scan *revolution.Scan, timeout time.Duration) (*Fix, error) {
	res, err := l.engine.RegisterContext(ctx, scan.Cloud, l.References(), timeout)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	fix := &Fix{Registration: db.NewRegistration(scan.Seq, l.clock.Now(), res, err), Result: res}
	fix.RunID = uuid.NewString()

	l.fixMu.Lock()
	l.usedSeq = max(l.usedSeq, scan.Seq)
	l.lastFix = fix
	l.fixMu.Unlock()

	if err != nil {
		diagf("revolution %d: %v", scan.Seq, err)
	} else {
		diagf("revolution %d: %s pose %v residual=%.3f", scan.Seq, fix.Reference, fix.Transform, fix.Residual)
	}

	if l.db != nil {
		if _, dbErr := l.db.RecordRegistration(ctx, fix.Registration); dbErr != nil {
			opsf("record registration %s: %v", fix.RunID, dbErr)
		}
	}
	return fix, err
}

// LastFix returns the most recent registration outcome, or nil.
func (l *Localiser) LastFix() *Fix {
	l.fixMu.Lock()
	defer l.fixMu.Unlock()
	return l.lastFix
}

// Status is a snapshot of pipeline counters.
type Status struct {
	Running            bool     `json:"running"`
	Revolutions        uint64   `json:"revolutions"`
	LatestSeq          uint64   `json:"latest_seq"`
	LatestPoints       int      `json:"latest_points"`
	SmallRevolutions   uint64   `json:"small_revolutions"`
	PartialRevolutions uint64   `json:"partial_revolutions"`
	SubscriberDrops    uint64   `json:"subscriber_drops"`
	Packets            int64    `json:"packets"`
	Samples            int64    `json:"samples"`
	EmptyPackets       int64    `json:"empty_packets"`
	DecodeErrors       int64    `json:"decode_errors"`
	SkippedBytes       int64    `json:"skipped_bytes"`
	References         []string `json:"references"`
	LastRegisteredSeq  uint64   `json:"last_registered_seq"`
	LastRegistrationOK bool     `json:"last_registration_ok"`
}

// Status returns the current counters.
func (l *Localiser) Status() Status {
	st := l.decoder.Stats()
	s := Status{
		Running:            l.running.Load(),
		Revolutions:        l.published.Load(),
		SmallRevolutions:   l.smallRevs.Load(),
		PartialRevolutions: l.partialRevs.Load(),
		SubscriberDrops:    l.droppedToSubs.Load(),
		Packets:            st.Packets.Load(),
		Samples:            st.Samples.Load(),
		EmptyPackets:       st.EmptyPackets.Load(),
		DecodeErrors:       st.DecodeErrors.Load(),
		SkippedBytes:       st.SkippedBytes.Load(),
		References:         l.References().Names(),
	}
	if scan := l.latest.Load(); scan != nil {
		s.LatestSeq = scan.Seq
		s.LatestPoints = scan.Len()
	}
	if fix := l.LastFix(); fix != nil {
		s.LastRegisteredSeq = fix.ScanSeq
		s.LastRegistrationOK = fix.Error == ""
	}
	return s
}
