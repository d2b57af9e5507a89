// Planar geometry helpers for stroke processing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package geom

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
)

// Vec is a 2D point in pixel or workspace space.
type Vec = r2.Vec

// Box is an axis-aligned bounding box.
type Box = r2.Box

// RawPath is a stroke in pixel space. Point order is draw order.
type RawPath []Vec

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Vec) float64 {
	return r2.Norm(r2.Sub(b, a))
}

// Lerp returns the point a fraction t of the way from a to b.
func Lerp(a, b Vec, t float64) Vec {
	return r2.Add(a, r2.Scale(t, r2.Sub(b, a)))
}

// Width returns the horizontal extent of b.
func Width(b Box) float64 {
	return b.Max.X - b.Min.X
}

// Height returns the vertical extent of b.
func Height(b Box) float64 {
	return b.Max.Y - b.Min.Y
}

// Bounds returns the bounding box of every point of every path. ok is false
// when there are no points at all.
func Bounds(paths []RawPath) (box Box, ok bool) {
	n := 0
	for _, p := range paths {
		n += len(p)
	}
	if n == 0 {
		return Box{}, false
	}

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for _, p := range paths {
		for _, v := range p {
			xs = append(xs, v.X)
			ys = append(ys, v.Y)
		}
	}
	return Box{
		Min: Vec{X: floats.Min(xs), Y: floats.Min(ys)},
		Max: Vec{X: floats.Max(xs), Y: floats.Max(ys)},
	}, true
}

// CumulativeLengths returns, for each point, the arc length from the first
// point. The result has the same length as pts; the last entry is the total.
func CumulativeLengths(pts []Vec) []float64 {
	if len(pts) == 0 {
		return nil
	}
	seg := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		seg[i] = Distance(pts[i-1], pts[i])
	}
	return floats.CumSum(seg, seg)
}

// Length returns the total polyline length of pts.
func Length(pts []Vec) float64 {
	cum := CumulativeLengths(pts)
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}
