// Package geom holds the planar value types shared by the decoder, the
// revolution builder and the registration engine.
//
// Key types: Point, Transform, PointCloud.
//
// Dependency rule: geom depends on nothing else in this module.
package geom
