package monitor

import (
	"bytes"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/scanmatch/internal/geom"
)

func testSeries() []Series {
	ref := geom.NewFrozenCloud(geom.Point{X: 0, Y: 0}, geom.Point{X: 10, Y: 0}, geom.Point{X: 10, Y: 8})
	return []Series{
		CloudSeries("reference", ref, ""),
		{Name: "aligned", Points: []geom.Point{{X: 1, Y: 1}, {X: math.NaN(), Y: 2}}, Color: "#ef5350"},
	}
}

func TestScatterHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := ScatterHTML(&buf, "Alignment", "scan=3", testSeries()...); err != nil {
		t.Fatalf("ScatterHTML: %v", err)
	}
	html := buf.String()
	for _, want := range []string{"Alignment", "scan=3", "reference", "aligned", "#ef5350"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered page missing %q", want)
		}
	}
}

func TestWritePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "align.png")
	if err := WritePNG(path, "Alignment", testSeries()...); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
		t.Errorf("file does not start with a PNG signature")
	}
}

func TestWritePNGEmptySeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.png")
	if err := WritePNG(path, "empty", Series{Name: "none"}); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("plot not written: %v", err)
	}
}

func TestExtent(t *testing.T) {
	if got := extent(nil); got != 1 {
		t.Errorf("extent(nil) = %v, want 1", got)
	}
	got := extent([]Series{{Points: []geom.Point{{X: -20, Y: 3}, {X: math.Inf(1), Y: 0}}}})
	if math.Abs(got-21) > 1e-9 {
		t.Errorf("extent = %v, want 21", got)
	}
}

func TestParseHex(t *testing.T) {
	if got := parseHex("#102030"); got != (color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}) {
		t.Errorf("parseHex = %v", got)
	}
	if got := parseHex("red"); got != color.Black {
		t.Errorf("parseHex(bad) = %v, want black", got)
	}
}
