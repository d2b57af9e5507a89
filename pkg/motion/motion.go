// Poses, motion points and workspace bounds
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package motion holds the actuator-space types shared by the normalizer,
// the executor and the streaming transport.
package motion

import (
	"fmt"
	"math"
)

// WorkspaceBounds is the physical drawing rectangle in actuator units (mm).
type WorkspaceBounds struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Validate checks XMax > XMin and YMax > YMin.
func (b WorkspaceBounds) Validate() error {
	if !(b.XMax > b.XMin) || !(b.YMax > b.YMin) {
		return fmt.Errorf("invalid workspace bounds x[%v,%v] y[%v,%v]", b.XMin, b.XMax, b.YMin, b.YMax)
	}
	return nil
}

// Width returns XMax - XMin.
func (b WorkspaceBounds) Width() float64 { return b.XMax - b.XMin }

// Height returns YMax - YMin.
func (b WorkspaceBounds) Height() float64 { return b.YMax - b.YMin }

// Clamp limits (x, y) to the rectangle.
func (b WorkspaceBounds) Clamp(x, y float64) (float64, float64) {
	return math.Max(b.XMin, math.Min(b.XMax, x)), math.Max(b.YMin, math.Min(b.YMax, y))
}

// Contains reports whether (x, y) lies inside the closed rectangle.
func (b WorkspaceBounds) Contains(x, y float64) bool {
	return x >= b.XMin && x <= b.XMax && y >= b.YMin && y <= b.YMax
}

// Pose6D is a full arm pose. Rotations stay zero for planar drawing.
type Pose6D struct {
	X, Y, Z    float64
	RX, RY, RZ float64
}

// PlanarPose returns a pose with zero rotation.
func PlanarPose(x, y, z float64) Pose6D {
	return Pose6D{X: x, Y: y, Z: z}
}

func (p Pose6D) String() string {
	return fmt.Sprintf("(%g,%g,%g,%g,%g,%g)", p.X, p.Y, p.Z, p.RX, p.RY, p.RZ)
}

// PenState is whether the pen touches the paper.
type PenState int

const (
	PenUp PenState = iota
	PenDown
)

func (s PenState) String() string {
	switch s {
	case PenUp:
		return "up"
	case PenDown:
		return "down"
	default:
		return fmt.Sprintf("PenState(%d)", int(s))
	}
}

// MotionPoint is one normalized setpoint.
type MotionPoint struct {
	Pose Pose6D
	Pen  PenState
}

// NormalizedPath is transit-in, the drawing points, then transit-out.
type NormalizedPath []MotionPoint

// Drawing returns the points between the two transit points.
func (p NormalizedPath) Drawing() NormalizedPath {
	if len(p) < 2 {
		return nil
	}
	return p[1 : len(p)-1]
}

// Framed reports whether the path starts and ends with a pen-up transit point.
func (p NormalizedPath) Framed() bool {
	return len(p) >= 2 && p[0].Pen == PenUp && p[len(p)-1].Pen == PenUp
}
