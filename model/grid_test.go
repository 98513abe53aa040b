package model

import "testing"

func TestGridOccupancy(t *testing.T) {
	g := NewGrid(2, 3)
	if got := g.At(C(5, 5)); got != Blocked {
		t.Fatalf("At(out of bounds) = %v, want Blocked", got)
	}
	g.Mark(C(1, 2))
	if g.IsFree(C(1, 2)) {
		t.Fatalf("IsFree(1,2) = true after Mark")
	}
	if got := len(g.FreeCells()); got != 5 {
		t.Fatalf("len(FreeCells) = %d, want 5", got)
	}
	cells := g.ObstacleCells()
	if len(cells) != 1 || cells[0] != C(1, 2) {
		t.Fatalf("ObstacleCells = %v, want [(1,2)]", cells)
	}

	// Circular board obstacles share the package with the occupancy values.
	o := Obstacle{X: 3, Y: 4, RadiusCM: 2}
	if c := o.Center(); c.X != 3 || c.Y != 4 {
		t.Fatalf("Center = %+v, want (3,4)", c)
	}
}
