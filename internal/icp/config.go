package icp

import (
	"fmt"
	"math"
)

// Default convergence thresholds: successive estimates closer than these on
// every component stop the iteration.
const (
	DefaultConvergenceAngle       = 1e-3 // radians
	DefaultConvergenceTranslation = 1e-3 // distance units
)

// Config tunes the registration engine. The zero value is usable and yields
// the defaults.
type Config struct {
	// ConvergenceAngle is the largest rotation change (radians) between
	// iterations that still counts as converged.
	ConvergenceAngle float64
	// ConvergenceTranslation is the largest per-axis translation change that
	// still counts as converged.
	ConvergenceTranslation float64
	// MaxCorrespondenceDistance rejects correspondences farther apart than
	// this in addition to the running mean-distance gate. Zero means no cap.
	MaxCorrespondenceDistance float64
	// MaxIterations bounds iterations per reference. Zero means the timeout
	// is the only bound.
	MaxIterations int
	// Parallel refines references on separate goroutines.
	Parallel bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ConvergenceAngle:       DefaultConvergenceAngle,
		ConvergenceTranslation: DefaultConvergenceTranslation,
	}
}

// Validate rejects negative or NaN settings.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"convergence_angle":           c.ConvergenceAngle,
		"convergence_translation":     c.ConvergenceTranslation,
		"max_correspondence_distance": c.MaxCorrespondenceDistance,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%s must be non-negative, got %v", name, v)
		}
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", c.MaxIterations)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ConvergenceAngle == 0 {
		c.ConvergenceAngle = DefaultConvergenceAngle
	}
	if c.ConvergenceTranslation == 0 {
		c.ConvergenceTranslation = DefaultConvergenceTranslation
	}
	if c.MaxCorrespondenceDistance == 0 {
		c.MaxCorrespondenceDistance = math.Inf(1)
	}
	return c
}
