package icp

import (
	"time"

	"github.com/banshee-data/scanmatch/internal/geom"
)

// StopReason records why a reference's iteration ended.
type StopReason int

const (
	StopTimeout StopReason = iota
	StopConverged
	StopMaxIterations
	StopNoCorrespondence
	StopCancelled
)

func (s StopReason) String() string {
	switch s {
	case StopTimeout:
		return "timeout"
	case StopConverged:
		return "converged"
	case StopMaxIterations:
		return "max_iterations"
	case StopNoCorrespondence:
		return "no_correspondence"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ReferenceResult is the outcome of refining one reference.
type ReferenceResult struct {
	Name      string
	Index     int
	Transform geom.Transform
	Stop      StopReason
	Err       error

	Iterations   int
	Accepted     int     // correspondences kept in the last iteration
	MeanDistance float64 // mean match distance of the last iteration
	Elapsed      time.Duration

	// Residual and MeanResidual are only set for references that did not fail.
	Residual     float64
	MeanResidual float64
}

// Result is the outcome of a registration call.
type Result struct {
	Transform    geom.Transform
	Reference    string
	Index        int
	Residual     float64
	MeanResidual float64
	Iterations   int
	Converged    bool
	PointCount   int
	Elapsed      time.Duration

	// References holds one entry per reference, in input order.
	References []ReferenceResult
}
