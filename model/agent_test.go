package model

import (
	"reflect"
	"testing"
)

func TestFinalPathPadsDelay(t *testing.T) {
	a := NewAgent(1, C(2, 2))
	a.Delay = 2
	a.Path = []Cell{C(2, 2), C(2, 3)}

	want := []Cell{C(2, 2), C(2, 2), C(2, 2), C(2, 3)}
	if got := a.FinalPath(); !reflect.DeepEqual(got, want) {
		t.Fatalf("FinalPath() = %v, want %v", got, want)
	}

	a.Delay = 0
	if got := a.FinalPath(); !reflect.DeepEqual(got, a.Path) {
		t.Fatalf("FinalPath() without delay = %v, want %v", got, a.Path)
	}
}

func TestAgentPlannable(t *testing.T) {
	a := NewAgent(3, C(0, 0))
	if a.Plannable() {
		t.Fatalf("agent without goal should not be plannable")
	}
	a.SetGoal(C(0, 0))
	if a.Plannable() || !a.AtGoal() {
		t.Fatalf("agent with start == goal: plannable=%v atGoal=%v", a.Plannable(), a.AtGoal())
	}
	a.SetGoal(C(1, 0))
	if !a.Plannable() {
		t.Fatalf("agent with distinct goal should be plannable")
	}

	clone := a.Clone()
	clone.Goal.Row = 5
	if a.Goal.Row != 1 {
		t.Fatalf("Clone shares goal storage")
	}
}

func TestStepCellPlanLastDst(t *testing.T) {
	p := StepCellPlan{}
	p.Add(0, 1, C(0, 0), C(0, 1))
	p.Add(1, 1, C(0, 1), C(0, 2))
	p.Add(0, 2, C(3, 3), C(3, 3))

	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if got, ok := p.LastDst(1, -1); !ok || got != C(0, 2) {
		t.Fatalf("LastDst(1) = %v,%v want (0,2),true", got, ok)
	}
	if got, ok := p.LastDst(2, -1); !ok || got != C(3, 3) {
		t.Fatalf("LastDst(2) = %v,%v want (3,3),true", got, ok)
	}
	if _, ok := p.LastDst(9, -1); ok {
		t.Fatalf("LastDst for unknown robot should be false")
	}
	if got := p.Robots(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("Robots() = %v, want [1 2]", got)
	}
}

func TestGridBoundsAndMarks(t *testing.T) {
	g := NewGrid(2, 3)
	g.Mark(C(1, 2))
	if g.IsFree(C(1, 2)) {
		t.Fatalf("marked cell reported free")
	}
	if g.IsFree(C(-1, 0)) || g.IsFree(C(2, 0)) {
		t.Fatalf("out-of-bounds cells must read as blocked")
	}
	clone := g.Clone()
	clone.Mark(C(0, 0))
	if !g.IsFree(C(0, 0)) {
		t.Fatalf("Clone shares cell storage")
	}
	if got := len(g.FreeCells()); got != 5 {
		t.Fatalf("FreeCells() = %d, want 5", got)
	}
}

func TestSnapshotVisibility(t *testing.T) {
	s := TagSnapshot{Tags: map[int]TagInfo{
		3: {Status: StatusOn, GridPosition: C(1, 1)},
		1: {Status: StatusOn, GridPosition: C(0, 0)},
		2: {Status: StatusOff, GridPosition: C(4, 4)},
	}}
	if got := s.VisibleIDs(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("VisibleIDs() = %v, want [1 3]", got)
	}
	if s.Occupied()[C(4, 4)] {
		t.Fatalf("Off tags must not occupy cells")
	}
	if _, ok := s.CellHeldBy(C(1, 1)); !ok {
		t.Fatalf("CellHeldBy((1,1)) = false, want true")
	}
}
