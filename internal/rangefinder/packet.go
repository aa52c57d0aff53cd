package rangefinder

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/scanmatch/internal/geom"
)

// Protocol constants.
const (
	SyncByte0 byte = 0xA5
	SyncByte1 byte = 0x5A

	// HeaderSize is the number of bytes between the sync marker and the
	// first distance field.
	HeaderSize = 8

	// AngleScale converts raw angle fields to degrees.
	AngleScale = 128.0
	// DistanceScale converts raw distance fields to output units.
	DistanceScale = 4.0

	// MaxRawAngle is the largest angle (degrees) representable in a header field.
	MaxRawAngle = float64(math.MaxUint16) / AngleScale
)

// DefaultSyncMarker is the two-byte marker that opens every packet.
var DefaultSyncMarker = [2]byte{SyncByte0, SyncByte1}

// Device commands.
var (
	CmdStartScan = []byte{0xA5, 0x60}
	CmdStopScan  = []byte{0xA5, 0x65}
)

// RawSample is one decoded range reading.
type RawSample struct {
	Angle    float32 // degrees in [0, 360)
	Distance float32 // sensor distance units
}

// Point converts the sample to Cartesian coordinates.
func (s RawSample) Point() geom.Point {
	return geom.FromPolar(float64(s.Angle), float64(s.Distance))
}

func (s RawSample) String() string {
	return fmt.Sprintf("%.3f°@%.2f", s.Angle, s.Distance)
}

// Packet is the decoded header and payload of one device packet. Values are
// kept in raw device units so a Packet can be re-encoded bit for bit.
type Packet struct {
	Type       byte
	StartAngle uint16 // 1/128 degree
	EndAngle   uint16 // 1/128 degree
	Checksum   uint16 // carried but not verified
	Distances  []uint16
}

// StartDegrees returns the start angle in degrees.
func (p Packet) StartDegrees() float32 { return float32(p.StartAngle) / AngleScale }

// EndDegrees returns the end angle in degrees.
func (p Packet) EndDegrees() float32 { return float32(p.EndAngle) / AngleScale }

// Samples expands the packet into evenly spaced samples. When the end angle
// is smaller than the start angle the packet straddles 0° and 360° is added
// to the end before the step is computed.
func (p Packet) Samples() []RawSample {
	n := len(p.Distances)
	if n == 0 {
		return nil
	}
	start := p.StartDegrees()
	end := p.EndDegrees()
	if end < start {
		end += 360
	}
	step := (end - start) / float32(n)

	out := make([]RawSample, n)
	for i, raw := range p.Distances {
		out[i] = RawSample{
			Angle:    wrapDegrees(start + step*float32(i)),
			Distance: float32(raw) / DistanceScale,
		}
	}
	return out
}

// wrapDegrees folds a into [0, 360). Header angles reach 511.99° and the
// wrap correction adds another 360°, so one subtraction is not enough.
func wrapDegrees(a float32) float32 {
	w := float32(math.Mod(float64(a), 360))
	if w < 0 {
		w += 360
	}
	if w >= 360 {
		w = 0
	}
	return w
}

// AngleField converts degrees to the raw header representation.
func AngleField(deg float64) uint16 {
	return uint16(math.Round(deg * AngleScale))
}

// DistanceField converts a distance to the raw payload representation.
func DistanceField(d float64) uint16 {
	return uint16(math.Round(d * DistanceScale))
}

// EncodePacket serialises p, including the default sync marker.
func EncodePacket(p Packet) ([]byte, error) {
	return EncodePacketWithSync(DefaultSyncMarker, p)
}

// EncodePacketWithSync serialises p behind a custom sync marker.
func EncodePacketWithSync(sync [2]byte, p Packet) ([]byte, error) {
	if len(p.Distances) > math.MaxUint8 {
		return nil, fmt.Errorf("packet holds %d samples, max %d", len(p.Distances), math.MaxUint8)
	}
	buf := make([]byte, 2+HeaderSize+2*len(p.Distances))
	buf[0], buf[1] = sync[0], sync[1]
	buf[2] = p.Type
	buf[3] = byte(len(p.Distances))
	binary.LittleEndian.PutUint16(buf[4:], p.StartAngle)
	binary.LittleEndian.PutUint16(buf[6:], p.EndAngle)
	binary.LittleEndian.PutUint16(buf[8:], p.Checksum)
	for i, d := range p.Distances {
		binary.LittleEndian.PutUint16(buf[10+2*i:], d)
	}
	return buf, nil
}
