package model

import "fmt"

// Cell is a (row, col) index on the occupancy grid.
type Cell struct {
	Row int
	Col int
}

// C is shorthand for Cell{Row: r, Col: c}.
func C(r, c int) Cell { return Cell{Row: r, Col: c} }

// CellPtr returns a pointer to a fresh Cell, handy for optional fields.
func CellPtr(r, c int) *Cell {
	cell := Cell{Row: r, Col: c}
	return &cell
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Neighbors4 returns the von Neumann neighbourhood of c (N, E, S, W) without
// bounds checking.
func (c Cell) Neighbors4() [4]Cell {
	return [4]Cell{
		{Row: c.Row - 1, Col: c.Col},
		{Row: c.Row, Col: c.Col + 1},
		{Row: c.Row + 1, Col: c.Col},
		{Row: c.Row, Col: c.Col - 1},
	}
}

// SameCell reports whether two optional cells are both set and equal.
func SameCell(a, b *Cell) bool {
	return a != nil && b != nil && *a == *b
}

// CopyCell returns an independent copy of an optional cell.
func CopyCell(c *Cell) *Cell {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
