package serialport

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
)

// Room is a closed polygon of wall vertices in room coordinates.
type Room []geom.Point

// RectRoom returns a w by h room with one corner at the origin.
func RectRoom(w, h float64) Room {
	return Room{{X: 0, Y: 0}, {X: w, Y: 0}, {X: w, Y: h}, {X: 0, Y: h}}
}

// Outline samples the walls every step units, starting at each vertex.
func (r Room) Outline(step float64) *geom.PointCloud {
	c := geom.NewPointCloud()
	for i := range r {
		a, b := r[i], r[(i+1)%len(r)]
		length := a.DistanceTo(b)
		for d := 0.0; d < length; d += step {
			f := d / length
			c.Add(geom.Point{X: a.X + f*(b.X-a.X), Y: a.Y + f*(b.Y-a.Y)})
		}
	}
	return c.Freeze()
}

// Cast returns the distance from origin to the nearest wall along bearing
// (radians, room frame).
func (r Room) Cast(origin geom.Point, bearing float64) (float64, bool) {
	ux, uy := math.Cos(bearing), math.Sin(bearing)
	best := math.Inf(1)
	for i := range r {
		a, b := r[i], r[(i+1)%len(r)]
		ex, ey := b.X-a.X, b.Y-a.Y
		denom := ux*ey - uy*ex
		if denom == 0 {
			continue
		}
		wx, wy := a.X-origin.X, a.Y-origin.Y
		t := (wx*ey - wy*ex) / denom
		s := (wx*uy - wy*ux) / denom
		if t > 0 && s >= 0 && s <= 1 && t < best {
			best = t
		}
	}
	return best, !math.IsInf(best, 1)
}

// Synthetic renders the packets a range finder at Pose inside Room would
// send. Pose places the sensor in room coordinates, so a registration of
// the rendered scan against the room outline recovers Pose.Inverse().
type Synthetic struct {
	Room Room
	Pose geom.Transform

	// SamplesPerRevolution defaults to 360.
	SamplesPerRevolution int
	// SamplesPerPacket defaults to 40 and is capped at 255.
	SamplesPerPacket int
	// Sync defaults to rangefinder.DefaultSyncMarker.
	Sync [2]byte
}

func (s *Synthetic) withDefaults() Synthetic {
	out := *s
	if out.SamplesPerRevolution <= 0 {
		out.SamplesPerRevolution = 360
	}
	if out.SamplesPerPacket <= 0 {
		out.SamplesPerPacket = 40
	}
	if out.SamplesPerPacket > math.MaxUint8 {
		out.SamplesPerPacket = math.MaxUint8
	}
	if out.Sync == [2]byte{} {
		out.Sync = rangefinder.DefaultSyncMarker
	}
	return out
}

// Packets returns one revolution, starting at bearing 0.
func (s *Synthetic) Packets() []rangefinder.Packet {
	cfg := s.withDefaults()
	step := 360.0 / float64(cfg.SamplesPerRevolution)
	origin := geom.Point{X: cfg.Pose.Tx, Y: cfg.Pose.Ty}

	var out []rangefinder.Packet
	for first := 0; first < cfg.SamplesPerRevolution; first += cfg.SamplesPerPacket {
		n := min(cfg.SamplesPerPacket, cfg.SamplesPerRevolution-first)
		start := float64(first) * step
		pkt := rangefinder.Packet{
			StartAngle: rangefinder.AngleField(math.Mod(start, 360)),
			EndAngle:   rangefinder.AngleField(math.Mod(start+float64(n)*step, 360)),
			Distances:  make([]uint16, n),
		}
		for i := range n {
			bearing := (start+float64(i)*step)*math.Pi/180 + cfg.Pose.Theta
			d, ok := cfg.Room.Cast(origin, bearing)
			if !ok {
				continue
			}
			pkt.Distances[i] = rangefinder.DistanceField(math.Min(d, float64(math.MaxUint16)/rangefinder.DistanceScale))
		}
		out = append(out, pkt)
	}
	return out
}

// Samples returns the samples a decoder would produce for one revolution.
func (s *Synthetic) Samples() []rangefinder.RawSample {
	var out []rangefinder.RawSample
	for _, p := range s.Packets() {
		out = append(out, p.Samples()...)
	}
	return out
}

// Revolution encodes one revolution as wire bytes.
func (s *Synthetic) Revolution() ([]byte, error) {
	marker := s.withDefaults().Sync
	var buf bytes.Buffer
	for _, p := range s.Packets() {
		b, err := rangefinder.EncodePacketWithSync(marker, p)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// SyntheticPort is a Port that streams synthetic revolutions while the
// device is started, and honours the start and stop commands.
type SyntheticPort struct {
	// MaxRevolutions ends the stream with io.EOF after that many
	// revolutions; zero streams forever.
	MaxRevolutions int
	// Interval pauses between revolutions.
	Interval time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	src      Synthetic
	buf      bytes.Buffer
	written  bytes.Buffer
	scanning bool
	closed   bool
	revs     int
}

// NewSyntheticPort returns a stopped port rendering src.
func NewSyntheticPort(src Synthetic) *SyntheticPort {
	p := &SyntheticPort{src: src}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetPose moves the simulated sensor; it applies from the next revolution.
func (p *SyntheticPort) SetPose(t geom.Transform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src.Pose = t
}

// Revolutions returns how many revolutions have been rendered.
func (p *SyntheticPort) Revolutions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revs
}

// Scanning reports whether the last command received was start.
func (p *SyntheticPort) Scanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanning
}

func (p *SyntheticPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() == 0 {
		for !p.closed && !p.scanning {
			p.cond.Wait()
		}
		if p.closed {
			return 0, ErrPortClosed
		}
		if p.MaxRevolutions > 0 && p.revs >= p.MaxRevolutions {
			return 0, io.EOF
		}
		if p.Interval > 0 && p.revs > 0 {
			p.mu.Unlock()
			time.Sleep(p.Interval)
			p.mu.Lock()
			if p.closed || !p.scanning {
				continue
			}
		}
		if err := p.render(); err != nil {
			return 0, err
		}
	}
	return p.buf.Read(b)
}

func (p *SyntheticPort) render() error {
	rev, err := p.src.Revolution()
	if err != nil {
		return fmt.Errorf("synthetic revolution: %w", err)
	}
	p.buf.Write(rev)
	p.revs++
	return nil
}

// Write records commands. Start and stop sequences toggle streaming.
func (p *SyntheticPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	p.written.Write(b)
	for i := 0; i+1 < len(b); i++ {
		switch {
		case bytes.Equal(b[i:i+2], rangefinder.CmdStartScan):
			p.scanning = true
		case bytes.Equal(b[i:i+2], rangefinder.CmdStopScan):
			p.scanning = false
		}
	}
	p.cond.Broadcast()
	return len(b), nil
}

// Written returns every byte written to the port.
func (p *SyntheticPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

func (p *SyntheticPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
