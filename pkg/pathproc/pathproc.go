// Path normalization: pixel-space strokes to framed, resampled workspace paths
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pathproc

import (
	"fmt"
	"math"
	"sort"

	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/geom"
	"drawbot-go/pkg/log"
	"drawbot-go/pkg/motion"
)

// DefaultMinPoints is the shortest resampled path (transit points included)
// that is still worth drawing.
const DefaultMinPoints = 4

// Params controls a normalization run.
type Params struct {
	Bounds    motion.WorkspaceBounds
	PenUpZ    float64
	PenDownZ  float64
	Spacing   float64 // target arc-length spacing of resampled points, > 0
	MinPoints int     // 0 means DefaultMinPoints
}

func (p Params) minPoints() int {
	if p.MinPoints <= 0 {
		return DefaultMinPoints
	}
	return p.MinPoints
}

// Result holds both stages of a run. Mapped has one entry per input path;
// Resampled only the paths that survived the length filter.
type Result struct {
	Mapped    []motion.NormalizedPath
	Resampled []motion.NormalizedPath
}

// Mapping is the single global pixel to workspace transform.
type Mapping struct {
	Input        geom.Box
	Target       motion.WorkspaceBounds
	Scale        float64
	XOffset      float64
	YOffset      float64
	WidthLimited bool
}

// ComputeMapping fits box into bounds preserving aspect ratio. The input is
// width-limited when it is relatively wider than the target, otherwise
// height-limited; the unused extent is split evenly on both sides. A box with
// zero width is height-limited and centred horizontally; a box with zero
// height is scaled by width and centred vertically. A box that is a single
// point has no scale and is rejected.
func ComputeMapping(box geom.Box, bounds motion.WorkspaceBounds) (Mapping, error) {
	w, h := geom.Width(box), geom.Height(box)
	W, H := bounds.Width(), bounds.Height()
	if w == 0 && h == 0 {
		return Mapping{}, drawerrors.DegenerateInputError(
			fmt.Sprintf("all points coincide at (%g, %g)", box.Min.X, box.Min.Y))
	}

	m := Mapping{Input: box, Target: bounds}
	// inputAspect > targetAspect, cross-multiplied so zero extents never divide.
	m.WidthLimited = w*H > W*h
	if m.WidthLimited {
		m.Scale = W / w
		m.YOffset = (H - h*m.Scale) / 2
	} else {
		m.Scale = H / h
		m.XOffset = (W - w*m.Scale) / 2
	}
	return m, nil
}

// Apply maps a pixel-space point into the workspace, clamped to the bounds.
func (m Mapping) Apply(v geom.Vec) (float64, float64) {
	x := m.Target.XMin + m.XOffset + (v.X-m.Input.Min.X)*m.Scale
	y := m.Target.YMin + m.YOffset + (v.Y-m.Input.Min.Y)*m.Scale
	return m.Target.Clamp(x, y)
}

func (m Mapping) branch() string {
	if m.WidthLimited {
		return "width-limited"
	}
	return "height-limited"
}

func aspect(w, h float64) string {
	if h == 0 {
		return "inf"
	}
	return fmt.Sprintf("%.3f", w/h)
}

// MapPath converts one raw stroke into a framed path: every drawing point is
// pen-down at penDownZ, and copies of the first and last points are added at
// penUpZ as transit-in and transit-out.
func MapPath(raw geom.RawPath, m Mapping, penUpZ, penDownZ float64) motion.NormalizedPath {
	if len(raw) == 0 {
		return nil
	}
	out := make(motion.NormalizedPath, 0, len(raw)+2)
	out = append(out, motion.MotionPoint{})
	for _, v := range raw {
		x, y := m.Apply(v)
		out = append(out, motion.MotionPoint{Pose: motion.PlanarPose(x, y, penDownZ), Pen: motion.PenDown})
	}
	first, last := out[1].Pose, out[len(out)-1].Pose
	out[0] = motion.MotionPoint{Pose: motion.PlanarPose(first.X, first.Y, penUpZ), Pen: motion.PenUp}
	out = append(out, motion.MotionPoint{Pose: motion.PlanarPose(last.X, last.Y, penUpZ), Pen: motion.PenUp})
	return out
}

// Resample redistributes the drawing points of a framed path at uniform arc
// length. With L the drawing length, the result has max(2, floor(L/spacing))
// drawing points; the first and last drawing points and both transit points
// are kept as is. Interpolated points take z and pen state from the segment's
// start point. Paths with zero drawing length are returned unchanged.
func Resample(path motion.NormalizedPath, spacing float64) motion.NormalizedPath {
	drawing := path.Drawing()
	if len(drawing) < 2 {
		return clonePath(path)
	}

	pts := make([]geom.Vec, len(drawing))
	for i, p := range drawing {
		pts[i] = geom.Vec{X: p.Pose.X, Y: p.Pose.Y}
	}
	cum := geom.CumulativeLengths(pts)
	total := cum[len(cum)-1]
	if total == 0 {
		return clonePath(path)
	}

	n := int(math.Floor(total / spacing))
	if n < 2 {
		n = 2
	}

	out := make(motion.NormalizedPath, 0, n+2)
	out = append(out, path[0], drawing[0])
	step := total / float64(n-1)
	for i := 1; i < n-1; i++ {
		target := float64(i) * step
		// first cumulative length beyond target; segment j..j+1 brackets it
		k := sort.Search(len(cum), func(idx int) bool { return cum[idx] > target })
		j := k - 1
		ratio := (target - cum[j]) / (cum[j+1] - cum[j])
		pos := geom.Lerp(pts[j], pts[j+1], ratio)

		src := drawing[j]
		pose := src.Pose
		pose.X, pose.Y = pos.X, pos.Y
		out = append(out, motion.MotionPoint{Pose: pose, Pen: src.Pen})
	}
	out = append(out, drawing[len(drawing)-1], path[len(path)-1])
	return out
}

func clonePath(p motion.NormalizedPath) motion.NormalizedPath {
	return append(motion.NormalizedPath(nil), p...)
}

// Filter keeps the paths with at least minPoints points.
func Filter(paths []motion.NormalizedPath, minPoints int) []motion.NormalizedPath {
	kept := make([]motion.NormalizedPath, 0, len(paths))
	for _, p := range paths {
		if len(p) >= minPoints {
			kept = append(kept, p)
		}
	}
	return kept
}

// SortLongestFirst orders paths by point count, longest first. Ties keep
// their input order.
func SortLongestFirst(paths []motion.NormalizedPath) {
	sort.SliceStable(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
}

func validate(paths []geom.RawPath, p Params) error {
	if len(paths) == 0 {
		return drawerrors.InvalidInputError("no paths to normalize")
	}
	if err := p.Bounds.Validate(); err != nil {
		return drawerrors.InvalidInputError(err.Error())
	}
	if !(p.Spacing > 0) || math.IsInf(p.Spacing, 0) {
		return drawerrors.InvalidInputError(fmt.Sprintf("spacing must be positive, got %v", p.Spacing))
	}
	for i, path := range paths {
		if len(path) == 0 {
			return drawerrors.InvalidInputError(fmt.Sprintf("path %d is empty", i))
		}
		for _, v := range path {
			if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) {
				return drawerrors.InvalidInputError(fmt.Sprintf("path %d has non-finite point %v", i, v))
			}
		}
	}
	return nil
}

// Normalize maps every raw path into the workspace with one global transform,
// frames each with pen-up transit points, resamples the drawing points and
// drops paths shorter than the minimum. Invalid or degenerate input is
// rejected before anything is produced.
func Normalize(paths []geom.RawPath, p Params) (Result, error) {
	logger := log.GetLogger("normalize")

	if err := validate(paths, p); err != nil {
		return Result{}, err
	}
	box, _ := geom.Bounds(paths)
	m, err := ComputeMapping(box, p.Bounds)
	if err != nil {
		return Result{}, err
	}

	logger.WithFields(log.Fields{
		"input_box":     fmt.Sprintf("x[%.1f,%.1f] y[%.1f,%.1f]", box.Min.X, box.Max.X, box.Min.Y, box.Max.Y),
		"input_aspect":  aspect(geom.Width(box), geom.Height(box)),
		"target_aspect": aspect(p.Bounds.Width(), p.Bounds.Height()),
		"branch":        m.branch(),
		"scale":         fmt.Sprintf("%.4f", m.Scale),
		"x_offset":      fmt.Sprintf("%.3f", m.XOffset),
		"y_offset":      fmt.Sprintf("%.3f", m.YOffset),
	}).Debug("mapping")

	res := Result{Mapped: make([]motion.NormalizedPath, 0, len(paths))}
	resampled := make([]motion.NormalizedPath, 0, len(paths))
	for _, raw := range paths {
		mapped := MapPath(raw, m, p.PenUpZ, p.PenDownZ)
		res.Mapped = append(res.Mapped, mapped)
		resampled = append(resampled, Resample(mapped, p.Spacing))
	}
	res.Resampled = Filter(resampled, p.minPoints())

	st := res.Stats()
	logger.WithFields(log.Fields{
		"paths":     fmt.Sprintf("%d -> %d", st.PathsIn, st.PathsOut),
		"points":    fmt.Sprintf("%d -> %d", st.PointsIn, st.PointsOut),
		"reduction": fmt.Sprintf("%.1f%%", st.ReductionPercent()),
	}).Info("normalized")

	return res, nil
}

// Stats summarizes a Result.
type Stats struct {
	PathsIn   int
	PathsOut  int
	PointsIn  int // mapped points, transit points included
	PointsOut int // resampled points of the kept paths
}

// Stats counts paths and points before and after resampling and filtering.
func (r Result) Stats() Stats {
	st := Stats{PathsIn: len(r.Mapped), PathsOut: len(r.Resampled)}
	for _, p := range r.Mapped {
		st.PointsIn += len(p)
	}
	for _, p := range r.Resampled {
		st.PointsOut += len(p)
	}
	return st
}

// ReductionPercent is the share of points removed, 0 when there was no input.
func (s Stats) ReductionPercent() float64 {
	if s.PointsIn == 0 {
		return 0
	}
	return 100 * (1 - float64(s.PointsOut)/float64(s.PointsIn))
}
