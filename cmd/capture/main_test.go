package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
	"github.com/banshee-data/scanmatch/internal/revolution"
	"github.com/banshee-data/scanmatch/internal/serialport"
)

// rawRevolutions renders n revolutions of the simulated room as wire bytes,
// with some line noise in front.
func rawRevolutions(t *testing.T, n int) []byte {
	t.Helper()
	src := serialport.Synthetic{Room: serialport.RectRoom(200, 100), Pose: geom.Transform{Tx: 50, Ty: 40}, SamplesPerRevolution: 90}
	rev, err := src.Revolution()
	if err != nil {
		t.Fatal(err)
	}
	out := []byte{0x00, 0xA5, 0x13}
	for range n {
		out = append(out, rev...)
	}
	return out
}

func newCapturer(raw []byte, skip, want int, saved *[]*revolution.Scan) *capturer {
	return &capturer{
		dec:     rangefinder.NewDecoder(bytes.NewReader(raw)),
		builder: revolution.NewBuilder(revolution.BuilderConfig{}),
		skip:    skip,
		want:    want,
		save: func(i int, scan *revolution.Scan) error {
			*saved = append(*saved, scan)
			return nil
		},
	}
}

func TestCapturerSkipsAndStops(t *testing.T) {
	var saved []*revolution.Scan
	c := newCapturer(rawRevolutions(t, 5), 1, 2, &saved)

	n, err := c.run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 || len(saved) != 2 {
		t.Fatalf("saved %d (%d), want 2", n, len(saved))
	}
	if saved[0].Seq != 2 || saved[1].Seq != 3 {
		t.Errorf("saved revolutions %d and %d, want 2 and 3", saved[0].Seq, saved[1].Seq)
	}
	for _, s := range saved {
		if s.Len() != 90 {
			t.Errorf("revolution %d has %d points, want 90", s.Seq, s.Len())
		}
	}
}

func TestCapturerKeepsPartialOnlyWhenAsked(t *testing.T) {
	var saved []*revolution.Scan
	c := newCapturer(rawRevolutions(t, 3), 0, 5, &saved)
	n, err := c.run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 || !saved[0].Complete {
		t.Fatalf("saved %d revolutions, want the single complete one", n)
	}

	saved = nil
	c = newCapturer(rawRevolutions(t, 3), 0, 5, &saved)
	c.keepPartial = true
	n, err = c.run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 {
		t.Fatalf("saved %d revolutions, want 2 with the trailing sweep", n)
	}
	if saved[1].Complete {
		t.Error("trailing sweep saved as complete")
	}
}

func TestCapturerSaveError(t *testing.T) {
	boom := errors.New("disk full")
	c := newCapturer(rawRevolutions(t, 3), 0, 3, new([]*revolution.Scan))
	c.save = func(int, *revolution.Scan) error { return boom }

	if _, err := c.run(); !errors.Is(err, boom) {
		t.Errorf("run error = %v, want %v", err, boom)
	}
}
