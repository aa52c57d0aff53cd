// Package cloudio reads and writes point clouds as small text files, one
// point per line. Polar files hold "angle,distance" (degrees, sensor units)
// and are what captures and fixtures use; Cartesian files hold "x,y" and are
// meant for plotting elsewhere.
package cloudio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
)

// Format selects the column meaning of a cloud file.
type Format int

const (
	// Polar lines are "angle,distance".
	Polar Format = iota
	// Cartesian lines are "x,y".
	Cartesian
)

func (f Format) String() string {
	switch f {
	case Polar:
		return "polar"
	case Cartesian:
		return "cartesian"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat accepts "polar" or "cartesian" (also "xy").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "polar", "":
		return Polar, nil
	case "cartesian", "xy":
		return Cartesian, nil
	default:
		return 0, fmt.Errorf("unknown cloud format %q", s)
	}
}

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed cloud file")

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.ReuseRecord = true
	return cr
}

// readPairs calls fn with each parsed line. Blank lines and lines starting
// with '#' are skipped.
func readPairs(r io.Reader, fn func(a, b float64)) error {
	cr := newReader(r)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return fmt.Errorf("%w: %v", ErrMalformed, pe)
			}
			return err
		}
		line, _ := cr.FieldPos(0)
		a, err := parseField(rec[0])
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		b, err := parseField(rec[1])
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		fn(a, b)
	}
}

func parseField(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

// ReadSamples reads a polar file as raw samples, in file order.
func ReadSamples(r io.Reader) ([]rangefinder.RawSample, error) {
	var out []rangefinder.RawSample
	err := readPairs(r, func(angle, dist float64) {
		out = append(out, rangefinder.RawSample{Angle: float32(angle), Distance: float32(dist)})
	})
	return out, err
}

// ReadCloud reads a cloud file and returns it frozen.
func ReadCloud(r io.Reader, f Format) (*geom.PointCloud, error) {
	c := geom.NewPointCloud()
	err := readPairs(r, func(a, b float64) {
		if f == Polar {
			c.Add(geom.FromPolar(a, b))
			return
		}
		c.Add(geom.Point{X: a, Y: b})
	})
	if err != nil {
		return nil, err
	}
	return c.Freeze(), nil
}

// WriteCloud writes every point of c in the given format. Polar output
// recovers bearing and range from the Cartesian coordinates, with bearings
// in [0, 360).
func WriteCloud(w io.Writer, c *geom.PointCloud, f Format) error {
	cw := csv.NewWriter(w)
	for _, p := range c.All() {
		a, b := p.X, p.Y
		if f == Polar {
			a, b = toPolar(p)
		}
		if err := cw.Write([]string{formatFloat(a), formatFloat(b)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSamples writes raw samples as a polar file.
func WriteSamples(w io.Writer, samples []rangefinder.RawSample) error {
	cw := csv.NewWriter(w)
	for _, s := range samples {
		if err := cw.Write([]string{formatFloat(float64(s.Angle)), formatFloat(float64(s.Distance))}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func toPolar(p geom.Point) (angleDeg, dist float64) {
	angleDeg = math.Atan2(p.Y, p.X) * 180 / math.Pi
	if angleDeg < 0 {
		angleDeg += 360
	}
	if angleDeg >= 360 {
		angleDeg -= 360
	}
	return angleDeg, math.Hypot(p.X, p.Y)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// LoadCloud reads the cloud file at path.
func LoadCloud(path string, f Format) (*geom.PointCloud, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	c, err := ReadCloud(file, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// SaveCloud writes c to path, creating parent directories as needed. The
// file is written to a temporary name first and renamed into place so a
// reader never sees a partial capture.
func SaveCloud(path string, c *geom.PointCloud, f Format) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteCloud(tmp, c, f); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
