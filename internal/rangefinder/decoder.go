package rangefinder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
)

// ErrDecode marks a packet that could not be read to completion. The decoder
// has already discarded it and will resynchronise on the next call.
var ErrDecode = errors.New("rangefinder: packet decode failed")

// DecodeError describes a discarded packet.
type DecodeError struct {
	Offset int64  // stream offset of the packet's sync marker
	Stage  string // "header" or "samples"
	Err    error  // underlying read error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rangefinder: packet at offset %d: reading %s: %v", e.Offset, e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// DecoderStats counts decoder activity. Fields are updated atomically and may
// be read while decoding is in progress.
type DecoderStats struct {
	Packets      atomic.Int64
	Samples      atomic.Int64
	EmptyPackets atomic.Int64
	DecodeErrors atomic.Int64
	SkippedBytes atomic.Int64
}

// Decoder is a streaming state machine that turns device bytes into samples.
// It is not safe for concurrent use.
type Decoder struct {
	r      *bufio.Reader
	sync   [2]byte
	offset int64

	pending []RawSample
	last    Packet
	stats   DecoderStats
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithSyncMarker overrides the two-byte packet marker.
func WithSyncMarker(b0, b1 byte) DecoderOption {
	return func(d *Decoder) { d.sync = [2]byte{b0, b1} }
}

// NewDecoder returns a decoder reading from r. Reads block for as long as r
// blocks; read timeouts belong to the byte source.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:    bufio.NewReader(r),
		sync: DefaultSyncMarker,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns the live counters.
func (d *Decoder) Stats() *DecoderStats { return &d.stats }

// LastPacket returns the most recently decoded packet header and payload.
func (d *Decoder) LastPacket() Packet { return d.last }

// Next returns the next sample. A *DecodeError means one packet was lost and
// the stream is still usable; any other error comes from the byte source
// during sync search and ends the stream.
func (d *Decoder) Next() (RawSample, error) {
	for len(d.pending) == 0 {
		pkt, err := d.readPacket()
		if err != nil {
			return RawSample{}, err
		}
		d.last = pkt
		d.pending = pkt.Samples()
		if len(d.pending) == 0 {
			d.stats.EmptyPackets.Add(1)
		}
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	d.stats.Samples.Add(1)
	return s, nil
}

// Samples iterates decoded samples. Decode errors are yielded with a zero
// sample and iteration continues; the first source error is yielded and ends
// iteration, except io.EOF which ends it silently.
func (d *Decoder) Samples() iter.Seq2[RawSample, error] {
	return func(yield func(RawSample, error) bool) {
		for {
			s, err := d.Next()
			if err != nil {
				if errors.Is(err, ErrDecode) {
					if !yield(RawSample{}, err) {
						return
					}
					continue
				}
				if !errors.Is(err, io.EOF) {
					yield(RawSample{}, err)
				}
				return
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}

// readPacket runs SyncSearch, ReadMeta and ReadSamples for one packet.
func (d *Decoder) readPacket() (Packet, error) {
	if err := d.syncSearch(); err != nil {
		return Packet{}, err
	}
	start := d.offset - 2

	var hdr [HeaderSize]byte
	if err := d.readFull(hdr[:]); err != nil {
		return Packet{}, d.decodeErr(start, "header", err)
	}
	pkt := Packet{
		Type:       hdr[0],
		StartAngle: binary.LittleEndian.Uint16(hdr[2:]),
		EndAngle:   binary.LittleEndian.Uint16(hdr[4:]),
		Checksum:   binary.LittleEndian.Uint16(hdr[6:]),
	}
	n := int(hdr[1])

	payload := make([]byte, 2*n)
	if err := d.readFull(payload); err != nil {
		return Packet{}, d.decodeErr(start, "samples", err)
	}
	pkt.Distances = make([]uint16, n)
	for i := range pkt.Distances {
		pkt.Distances[i] = binary.LittleEndian.Uint16(payload[2*i:])
	}

	d.stats.Packets.Add(1)
	tracef("packet offset=%d type=0x%02x n=%d start=%.3f end=%.3f checksum=0x%04x",
		start, pkt.Type, n, pkt.StartDegrees(), pkt.EndDegrees(), pkt.Checksum)
	return pkt, nil
}

// syncSearch consumes bytes until the sync marker has been read. A first
// marker byte followed by anything else restarts matching at that second
// byte, so a repeated first byte is never skipped.
func (d *Decoder) syncSearch() error {
	var skipped int64
	matched := false
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if skipped > 0 {
				d.stats.SkippedBytes.Add(skipped)
			}
			return err
		}
		d.offset++

		if matched && b == d.sync[1] {
			if skipped > 0 {
				d.stats.SkippedBytes.Add(skipped)
				diagf("resynchronised after %d bytes at offset %d", skipped, d.offset-2)
			}
			return nil
		}
		if matched {
			skipped++ // the first marker byte that did not pan out
		}
		matched = b == d.sync[0]
		if !matched {
			skipped++
		}
	}
}

func (d *Decoder) readFull(buf []byte) error {
	n, err := io.ReadFull(d.r, buf)
	d.offset += int64(n)
	return err
}

func (d *Decoder) decodeErr(offset int64, stage string, err error) error {
	d.stats.DecodeErrors.Add(1)
	derr := &DecodeError{Offset: offset, Stage: stage, Err: err}
	opsf("%v", derr)
	return derr
}
