// Package monitor renders point clouds for debugging: interactive scatter
// pages for the admin routes and PNG snapshots for the command-line tools.
package monitor

import (
	"math"

	"github.com/banshee-data/scanmatch/internal/geom"
)

// Series is one named set of points drawn in a single colour.
type Series struct {
	Name   string
	Points []geom.Point
	Color  string // CSS colour; empty picks from the palette
}

// CloudSeries wraps a cloud as a series.
func CloudSeries(name string, c *geom.PointCloud, color string) Series {
	return Series{Name: name, Points: c.Points(), Color: color}
}

var palette = []string{"#9e9e9e", "#42a5f5", "#ef5350", "#66bb6a", "#ffa726", "#ab47bc"}

func (s Series) color(i int) string {
	if s.Color != "" {
		return s.Color
	}
	return palette[i%len(palette)]
}

// extent returns a symmetric half-width covering every finite point in all
// series, padded by 5% so points do not sit on the axis edge.
func extent(series []Series) float64 {
	var m float64
	for _, s := range series {
		for _, p := range s.Points {
			if !p.IsFinite() {
				continue
			}
			m = math.Max(m, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		}
	}
	if m == 0 {
		return 1
	}
	return m * 1.05
}
