package planner

import (
	"container/heap"

	"github.com/signalsfoundry/fleet-coordinator/model"
)

type node struct {
	cell   model.Cell
	t      int
	f      int
	parent *node
	index  int
}

type openSet []*node

func (o openSet) Len() int { return len(o) }

func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	// Prefer deeper nodes on ties.
	return o[i].t > o[j].t
}

func (o openSet) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
	o[i].index = i
	o[j].index = j
}

func (o *openSet) Push(x any) {
	n := x.(*node)
	n.index = len(*o)
	*o = append(*o, n)
}

func (o *openSet) Pop() any {
	old := *o
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*o = old[:len(old)-1]
	return n
}

var moves = [5][2]int{{0, 0}, {-1, 0}, {0, 1}, {1, 0}, {0, -1}}

// search runs space-time A* for one agent from (Start, Delay) until it can
// rest on Goal for good. The returned path starts at Start and excludes the
// delay padding.
func search(grid *model.Grid, res *reservations, a *model.Agent, horizon int) ([]model.Cell, bool) {
	start, goal := *a.Start, *a.Goal
	t0 := a.Delay
	if res.blocked(start, t0, a.ID) {
		return nil, false
	}
	settle := res.lastOther(goal, a.ID)

	open := &openSet{}
	heap.Push(open, &node{cell: start, t: t0, f: t0 + manhattan(start, goal)})
	closed := make(map[vertex]bool)

	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		key := vertex{cur.cell, cur.t}
		if closed[key] {
			continue
		}
		closed[key] = true

		if cur.cell == goal && cur.t >= settle {
			return unwind(cur), true
		}
		if cur.t >= horizon {
			continue
		}
		nt := cur.t + 1
		for _, mv := range moves {
			next := model.Cell{Row: cur.cell.Row + mv[0], Col: cur.cell.Col + mv[1]}
			if !grid.IsFree(next) {
				continue
			}
			if closed[vertex{next, nt}] {
				continue
			}
			if res.blocked(next, nt, a.ID) {
				continue
			}
			if next != cur.cell && res.swaps(cur.cell, next, cur.t, a.ID) {
				continue
			}
			heap.Push(open, &node{cell: next, t: nt, f: nt + manhattan(next, goal), parent: cur})
		}
	}
	return nil, false
}

func unwind(n *node) []model.Cell {
	var rev []model.Cell
	for cur := n; cur != nil; cur = cur.parent {
		rev = append(rev, cur.cell)
	}
	out := make([]model.Cell, len(rev))
	for i, c := range rev {
		out[len(rev)-1-i] = c
	}
	return out
}

func manhattan(a, b model.Cell) int {
	return abs(a.Row-b.Row) + abs(a.Col-b.Col)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
