package model

// Agent is the planning view of one robot. Start and Goal are optional; an
// agent with either unset cannot be planned and is treated as a waiter.
type Agent struct {
	ID    int
	Start *Cell
	Goal  *Cell
	// Delay left-pads the planned path with Delay repetitions of Start so the
	// robot launches late.
	Delay int
	Path  []Cell
}

// NewAgent returns an agent positioned at start with no goal.
func NewAgent(id int, start Cell) *Agent {
	return &Agent{ID: id, Start: &start}
}

// SetGoal assigns a goal cell.
func (a *Agent) SetGoal(c Cell) { a.Goal = &c }

// ClearGoal removes the goal.
func (a *Agent) ClearGoal() { a.Goal = nil }

// SetStart assigns the current cell.
func (a *Agent) SetStart(c Cell) { a.Start = &c }

// AtGoal reports whether start and goal are both set and equal.
func (a *Agent) AtGoal() bool {
	return a != nil && SameCell(a.Start, a.Goal)
}

// Plannable reports whether the agent has distinct start and goal cells.
func (a *Agent) Plannable() bool {
	return a != nil && a.Start != nil && a.Goal != nil && *a.Start != *a.Goal
}

// FinalPath returns the delay-padded path. A nil Start with a positive delay
// yields the bare path.
func (a *Agent) FinalPath() []Cell {
	if a == nil || len(a.Path) == 0 {
		return nil
	}
	if a.Delay <= 0 || a.Start == nil {
		return a.Path
	}
	out := make([]Cell, 0, a.Delay+len(a.Path))
	for i := 0; i < a.Delay; i++ {
		out = append(out, *a.Start)
	}
	return append(out, a.Path...)
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := &Agent{
		ID:    a.ID,
		Start: CopyCell(a.Start),
		Goal:  CopyCell(a.Goal),
		Delay: a.Delay,
	}
	if a.Path != nil {
		out.Path = append([]Cell(nil), a.Path...)
	}
	return out
}

// FindAgent returns the agent with the given id, or nil.
func FindAgent(agents []*Agent, id int) *Agent {
	for _, a := range agents {
		if a != nil && a.ID == id {
			return a
		}
	}
	return nil
}
