package icp

import (
	"fmt"

	"github.com/banshee-data/scanmatch/internal/geom"
)

// Reference is a known cloud together with the pose at which it is expected
// to line up with the next scan.
type Reference struct {
	Name  string
	Cloud *geom.PointCloud
	Prior geom.Transform
}

// ReferenceSet is the ordered collection of references tried by one
// registration call. Order decides ties.
type ReferenceSet []Reference

// Validate checks that the set is non-empty and that every cloud has points.
func (rs ReferenceSet) Validate() error {
	if len(rs) == 0 {
		return ErrNoReferences
	}
	for i, r := range rs {
		if r.Cloud.Len() == 0 {
			return fmt.Errorf("reference %d (%q): %w", i, r.Name, geom.ErrEmptyCloud)
		}
	}
	return nil
}

// Names returns the reference names in order.
func (rs ReferenceSet) Names() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}

// WithPrior returns a copy of the set with every prior replaced by t. It is
// used when the previous pose estimate seeds the next registration.
func (rs ReferenceSet) WithPrior(t geom.Transform) ReferenceSet {
	out := make(ReferenceSet, len(rs))
	for i, r := range rs {
		r.Prior = t
		out[i] = r
	}
	return out
}
