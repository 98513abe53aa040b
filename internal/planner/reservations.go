package planner

import "github.com/signalsfoundry/fleet-coordinator/model"

type vertex struct {
	cell model.Cell
	t    int
}

type edge struct {
	from, to model.Cell
	t        int
}

type parking struct {
	from  int
	owner int
}

// reservations is the space-time table of committed paths. A parked agent
// holds its goal cell from arrival onwards.
type reservations struct {
	vertices map[vertex]int
	edges    map[edge]int
	parked   map[model.Cell]parking
	// last is the latest reserved time per cell and owner.
	last     map[model.Cell]map[int]int
	lastTime int
}

func newReservations() *reservations {
	return &reservations{
		vertices: make(map[vertex]int),
		edges:    make(map[edge]int),
		parked:   make(map[model.Cell]parking),
		last:     make(map[model.Cell]map[int]int),
	}
}

func (r *reservations) reserve(c model.Cell, t, owner int) {
	r.vertices[vertex{c, t}] = owner
	byOwner, ok := r.last[c]
	if !ok {
		byOwner = make(map[int]int)
		r.last[c] = byOwner
	}
	if cur, ok := byOwner[owner]; !ok || t > cur {
		byOwner[owner] = t
	}
	if t > r.lastTime {
		r.lastTime = t
	}
}

// release drops the up-front start reservations of owner; addPath
// re-reserves whatever the planned path actually occupies.
func (r *reservations) release(c model.Cell, owner int) {
	for v, o := range r.vertices {
		if o == owner && v.cell == c {
			delete(r.vertices, v)
		}
	}
	if byOwner, ok := r.last[c]; ok {
		delete(byOwner, owner)
	}
}

// addPath commits a path whose first cell is occupied at time delay.
func (r *reservations) addPath(path []model.Cell, delay, owner int) {
	if len(path) == 0 {
		return
	}
	for t := 0; t < delay; t++ {
		r.reserve(path[0], t, owner)
	}
	for i, c := range path {
		r.reserve(c, delay+i, owner)
		if i+1 < len(path) {
			r.edges[edge{from: c, to: path[i+1], t: delay + i}] = owner
		}
	}
	end := delay + len(path) - 1
	r.parked[path[len(path)-1]] = parking{from: end, owner: owner}
}

// blocked reports whether id may not stand on c at time t.
func (r *reservations) blocked(c model.Cell, t, id int) bool {
	if o, ok := r.vertices[vertex{c, t}]; ok && o != id {
		return true
	}
	if p, ok := r.parked[c]; ok && p.owner != id && t >= p.from {
		return true
	}
	return false
}

// swaps reports whether moving a->b between t and t+1 crosses another
// agent moving b->a.
func (r *reservations) swaps(a, b model.Cell, t, id int) bool {
	o, ok := r.edges[edge{from: b, to: a, t: t}]
	return ok && o != id
}

// lastOther is the latest time another agent uses c, or -1.
func (r *reservations) lastOther(c model.Cell, id int) int {
	out := -1
	for owner, t := range r.last[c] {
		if owner != id && t > out {
			out = t
		}
	}
	return out
}
