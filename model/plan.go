package model

import "sort"

// CellMove is one robot's source and destination cell for a single step.
type CellMove struct {
	Src Cell
	Dst Cell
}

// StepCellPlan maps step index -> robot id -> move. It is derived once per
// planning run.
type StepCellPlan map[int]map[int]CellMove

// Add records a move for robot rid at step.
func (p StepCellPlan) Add(step, rid int, src, dst Cell) {
	m, ok := p[step]
	if !ok {
		m = make(map[int]CellMove)
		p[step] = m
	}
	m[rid] = CellMove{Src: src, Dst: dst}
}

// Step returns the moves for one step; the result may be nil.
func (p StepCellPlan) Step(step int) map[int]CellMove {
	if p == nil {
		return nil
	}
	return p[step]
}

// Move returns the move of robot rid at step.
func (p StepCellPlan) Move(step, rid int) (CellMove, bool) {
	m := p.Step(step)
	if m == nil {
		return CellMove{}, false
	}
	mv, ok := m[rid]
	return mv, ok
}

// Len returns 1 + the highest step index, or 0 for an empty plan.
func (p StepCellPlan) Len() int {
	max := -1
	for k := range p {
		if k > max {
			max = k
		}
	}
	return max + 1
}

// LastDst returns the destination of the latest step at or before upTo in
// which rid appears. A negative upTo searches the whole plan.
func (p StepCellPlan) LastDst(rid, upTo int) (Cell, bool) {
	if upTo < 0 {
		upTo = p.Len() - 1
	}
	for s := upTo; s >= 0; s-- {
		if mv, ok := p.Move(s, rid); ok {
			return mv.Dst, true
		}
	}
	return Cell{}, false
}

// Robots lists every robot id present in the plan, sorted.
func (p StepCellPlan) Robots() []int {
	seen := make(map[int]struct{})
	for _, m := range p {
		for rid := range m {
			seen[rid] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for rid := range seen {
		out = append(out, rid)
	}
	sort.Ints(out)
	return out
}
