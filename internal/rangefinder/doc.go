// Package rangefinder decodes the serial byte stream of a rotating planar
// range-finder into (angle, distance) samples.
//
// Packet layout after the two-byte sync marker, all multi-byte fields
// little-endian:
//
//	type(1) count(1) start(2) end(2) checksum(2) distance(2) × count
//
// Angles are fixed point in 1/128 degree, distances in quarter units.
package rangefinder
