package model

// Occupancy values stored in a Grid.
const (
	Free     uint8 = 0
	Blocked  uint8 = 1
)

// Grid is a fixed-size row-major occupancy grid. The zero value is an empty
// 0x0 grid.
type Grid struct {
	Rows  int
	Cols  int
	cells []uint8
}

// NewGrid returns a rows x cols grid with every cell free.
func NewGrid(rows, cols int) *Grid {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	return &Grid{Rows: rows, Cols: cols, cells: make([]uint8, rows*cols)}
}

// Clone returns a deep copy of g.
func (g *Grid) Clone() *Grid {
	if g == nil {
		return NewGrid(0, 0)
	}
	out := &Grid{Rows: g.Rows, Cols: g.Cols, cells: make([]uint8, len(g.cells))}
	copy(out.cells, g.cells)
	return out
}

// InBounds reports whether c lies inside the grid.
func (g *Grid) InBounds(c Cell) bool {
	return g != nil && c.Row >= 0 && c.Row < g.Rows && c.Col >= 0 && c.Col < g.Cols
}

// At returns the occupancy value of c; out-of-bounds cells read as Blocked.
func (g *Grid) At(c Cell) uint8 {
	if !g.InBounds(c) {
		return Blocked
	}
	return g.cells[c.Row*g.Cols+c.Col]
}

// IsFree reports whether c is inside the grid and not occupied.
func (g *Grid) IsFree(c Cell) bool {
	return g.At(c) == Free
}

// Set writes an occupancy value; out-of-bounds writes are ignored.
func (g *Grid) Set(c Cell, v uint8) {
	if !g.InBounds(c) {
		return
	}
	g.cells[c.Row*g.Cols+c.Col] = v
}

// Mark flags c as an obstacle.
func (g *Grid) Mark(c Cell) { g.Set(c, Blocked) }

// FreeCells lists every free cell in row-major order.
func (g *Grid) FreeCells() []Cell {
	if g == nil {
		return nil
	}
	out := make([]Cell, 0, len(g.cells))
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if g.cells[r*g.Cols+c] == Free {
				out = append(out, Cell{Row: r, Col: c})
			}
		}
	}
	return out
}

// ObstacleCells lists every occupied cell in row-major order.
func (g *Grid) ObstacleCells() []Cell {
	if g == nil {
		return nil
	}
	var out []Cell
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if g.cells[r*g.Cols+c] != Free {
				out = append(out, Cell{Row: r, Col: c})
			}
		}
	}
	return out
}
