// Workspace grid of drawing boxes
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"errors"
	"math/rand"
)

// ErrGridFull is returned by NextFree once every box has been drawn in.
var ErrGridFull = errors.New("motion: every grid box has been used")

// Cell addresses one box of a Grid.
type Cell struct {
	X, Y int
}

// Grid splits a square drawing area into Size x Size boxes so that
// successive portraits land on unused paper.
type Grid struct {
	OriginX, OriginY float64
	BoxSize          float64
	Size             int

	used map[Cell]bool
}

// NewGrid divides area into size x size boxes. Boxes are square, sized by
// the shorter side of area.
func NewGrid(area WorkspaceBounds, size int) *Grid {
	if size < 1 {
		size = 1
	}
	side := area.Width()
	if h := area.Height(); h < side {
		side = h
	}
	return &Grid{
		OriginX: area.XMin,
		OriginY: area.YMin,
		BoxSize: side / float64(size),
		Size:    size,
		used:    make(map[Cell]bool),
	}
}

// BoxBounds returns the workspace rectangle of box (bx, by).
func (g *Grid) BoxBounds(bx, by int) WorkspaceBounds {
	minX := g.OriginX + float64(bx)*g.BoxSize
	minY := g.OriginY + float64(by)*g.BoxSize
	return WorkspaceBounds{XMin: minX, XMax: minX + g.BoxSize, YMin: minY, YMax: minY + g.BoxSize}
}

// NextFree picks a random unused box, marks it used and returns its bounds.
func (g *Grid) NextFree(rng *rand.Rand) (Cell, WorkspaceBounds, error) {
	var free []Cell
	for x := 0; x < g.Size; x++ {
		for y := 0; y < g.Size; y++ {
			if c := (Cell{X: x, Y: y}); !g.used[c] {
				free = append(free, c)
			}
		}
	}
	if len(free) == 0 {
		return Cell{}, WorkspaceBounds{}, ErrGridFull
	}
	c := free[rng.Intn(len(free))]
	g.used[c] = true
	return c, g.BoxBounds(c.X, c.Y), nil
}

// Used returns how many boxes have been handed out.
func (g *Grid) Used() int {
	return len(g.used)
}

// Reset marks every box free again (fresh sheet of paper).
func (g *Grid) Reset() {
	g.used = make(map[Cell]bool)
}
