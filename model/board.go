package model

import (
	"math"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
)

// Board maps grid cells to the board frame. The frame is right-handed:
// +X runs east along columns, +Y runs north against rows, and yaw is
// measured counter-clockwise from +X (east 0, north 90, west 180, south 270).
type Board struct {
	Rows   int
	Cols   int
	CellCM float64
}

// CellCenter returns the centre of c in board centimetres.
func (b Board) CellCenter(c Cell) geom.Vec2 {
	return geom.Vec2{
		X: (float64(c.Col) + 0.5) * b.CellCM,
		Y: (float64(b.Rows-c.Row) - 0.5) * b.CellCM,
	}
}

// CellAt returns the cell containing p. Points outside the board map to the
// nearest out-of-range cell, which Grid.InBounds rejects.
func (b Board) CellAt(p geom.Vec2) Cell {
	if b.CellCM <= 0 {
		return Cell{}
	}
	col := int(math.Floor(p.X / b.CellCM))
	row := b.Rows - 1 - int(math.Floor(p.Y/b.CellCM))
	return Cell{Row: row, Col: col}
}
