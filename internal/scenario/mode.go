package scenario

import (
	"math/rand/v2"
	"sort"

	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Result is what a Mode asks the manager to do after a hook.
type Result struct {
	Replan bool
	Reason string
	// Waiters are held in place and planned around as obstacles.
	Waiters     []int
	WaiterCells []model.Cell
	// Ready restricts a replan to these agents. Nil means every plannable
	// agent.
	Ready          []int
	AlignCenter    []int
	AlignDirection []int
}

// AlignTargets is the sorted union of the centre and direction requests.
func (r *Result) AlignTargets() []int {
	if r == nil {
		return nil
	}
	return union(r.AlignCenter, r.AlignDirection)
}

// merge folds o into r. Replan is sticky and the id sets are unioned.
func (r *Result) merge(o *Result) *Result {
	if o == nil {
		return r
	}
	if r == nil {
		cp := *o
		return &cp
	}
	out := *r
	out.Replan = r.Replan || o.Replan
	if o.Reason != "" {
		out.Reason = o.Reason
	}
	out.Waiters = union(r.Waiters, o.Waiters)
	out.WaiterCells = unionCells(r.WaiterCells, o.WaiterCells)
	switch {
	case r.Ready == nil || o.Ready == nil:
		out.Ready = nil
	default:
		out.Ready = union(r.Ready, o.Ready)
	}
	out.AlignCenter = union(r.AlignCenter, o.AlignCenter)
	out.AlignDirection = union(r.AlignDirection, o.AlignDirection)
	return &out
}

// RunState is the per-robot execution view handed to modes.
type RunState struct {
	Executing       bool
	HasGoal         bool
	Start           *model.Cell
	Goal            *model.Cell
	Tag             model.TagInfo
	Visible         bool
	AlignedRecently bool
}

// Env is the world a mode hook sees. Agents are owned by the manager; modes
// may write Goal and Delay on them during a hook.
type Env struct {
	Tags   model.TagSnapshot
	Grid   *model.Grid
	Agents []*model.Agent
	Run    map[int]RunState
}

// Mode is a pluggable goal-assignment policy. Every hook runs synchronously
// on the manager's goroutine; a nil Result means "nothing to do".
type Mode interface {
	Name() string
	Enter(env Env)
	Exit(env Env)
	Tick(env Env) *Result
	OnSequenceComplete(env Env) *Result
	OnRobotComplete(rid int, env Env) *Result
	OnAlignmentComplete(rid int, env Env) *Result
}

// BaseMode implements every hook as a no-op. Embed it and override what
// a policy needs.
type BaseMode struct{}

func (BaseMode) Name() string { return "idle" }
func (BaseMode) Enter(Env) {}
func (BaseMode) Exit(Env) {}
func (BaseMode) Tick(Env) *Result { return nil }
func (BaseMode) OnSequenceComplete(Env) *Result { return nil }
func (BaseMode) OnRobotComplete(int, Env) *Result { return nil }
func (BaseMode) OnAlignmentComplete(int, Env) *Result { return nil }

// Phase is the per-agent state of a bundled mode.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseIdle          Phase = "idle"
	PhaseHasGoal       Phase = "has_goal"
	PhaseVerifying     Phase = "verifying"
)

type agentState struct {
	phase      Phase
	idleTicks  int
	lastPos    *model.Cell
	verifyGoal *model.Cell
}

// observe updates the stationary-tick counter and reports whether the agent
// counts as idle.
func (s *agentState) observe(a *model.Agent, run RunState, threshold int) bool {
	if a.Start != nil && model.SameCell(s.lastPos, a.Start) {
		s.idleTicks++
	} else {
		s.idleTicks = 0
	}
	s.lastPos = model.CopyCell(a.Start)
	return !run.Executing || s.idleTicks >= threshold
}

func (s *agentState) verify(goal model.Cell) {
	s.phase = PhaseVerifying
	s.verifyGoal = &goal
}

func (s *agentState) settle(a *model.Agent) {
	s.verifyGoal = nil
	if a.Goal != nil {
		s.phase = PhaseHasGoal
	} else {
		s.phase = PhaseIdle
	}
}

func arrived(a *model.Agent) bool { return a.AtGoal() }

// occupiedFromTags lists the cells reported by visible robots.
func occupiedFromTags(snap model.TagSnapshot) map[model.Cell]bool {
	return snap.Occupied()
}

// forbiddenCells is every start, every goal and every perceived occupied
// cell. extra cells are added when given.
func forbiddenCells(agents []*model.Agent, snap model.TagSnapshot, extra ...model.Cell) map[model.Cell]bool {
	out := occupiedFromTags(snap)
	for _, a := range agents {
		if a.Start != nil {
			out[*a.Start] = true
		}
		if a.Goal != nil {
			out[*a.Goal] = true
		}
	}
	for _, c := range extra {
		out[c] = true
	}
	return out
}

// sampleFreeGoal picks a uniformly random free cell outside forbidden.
func sampleFreeGoal(grid *model.Grid, forbidden map[model.Cell]bool, rng *rand.Rand) (model.Cell, bool) {
	var cands []model.Cell
	for _, c := range grid.FreeCells() {
		if !forbidden[c] {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return model.Cell{}, false
	}
	return cands[rng.IntN(len(cands))], true
}

// tableAdjacent picks a free cell next to an obstacle. Obstacles are tried
// in random order and the first with an allowed neighbour wins.
func tableAdjacent(grid *model.Grid, forbidden map[model.Cell]bool, rng *rand.Rand) (model.Cell, bool) {
	tables := grid.ObstacleCells()
	rng.Shuffle(len(tables), func(i, j int) { tables[i], tables[j] = tables[j], tables[i] })
	for _, t := range tables {
		var cands []model.Cell
		for _, n := range t.Neighbors4() {
			if grid.IsFree(n) && !forbidden[n] {
				cands = append(cands, n)
			}
		}
		if len(cands) > 0 {
			return cands[rng.IntN(len(cands))], true
		}
	}
	return model.Cell{}, false
}

func union(a, b []int) []int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[int]bool, len(a)+len(b))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		set[v] = true
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func unionCells(a, b []model.Cell) []model.Cell {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[model.Cell]bool, len(a)+len(b))
	var out []model.Cell
	for _, c := range append(append([]model.Cell(nil), a...), b...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
