package scenario

import (
	"math/rand/v2"

	"github.com/signalsfoundry/fleet-coordinator/model"
)

// ExploreMode keeps every robot moving between random free cells. Arrivals
// are verified with a centre and direction alignment; a robot found off its
// goal is sent back to the same goal, otherwise it receives a fresh one.
type ExploreMode struct {
	BaseMode
	idleThreshold int
	rng           *rand.Rand
	agents        map[int]*agentState
	initialized   bool
}

// NewExploreMode returns an explore policy. rng must not be nil.
func NewExploreMode(idleThreshold int, rng *rand.Rand) *ExploreMode {
	return &ExploreMode{idleThreshold: idleThreshold, rng: rng, agents: map[int]*agentState{}}
}

func (m *ExploreMode) Name() string { return ModeExplore }

// Phase reports the state of one agent.
func (m *ExploreMode) Phase(rid int) Phase {
	if s, ok := m.agents[rid]; ok {
		return s.phase
	}
	return PhaseUninitialized
}

func (m *ExploreMode) state(rid int) *agentState {
	s, ok := m.agents[rid]
	if !ok {
		s = &agentState{phase: PhaseUninitialized}
		m.agents[rid] = s
	}
	return s
}

func (m *ExploreMode) Enter(env Env) {
	m.agents = map[int]*agentState{}
	m.initialized = false
	for _, a := range env.Agents {
		m.state(a.ID)
	}
}

func (m *ExploreMode) Exit(env Env) {
	m.agents = map[int]*agentState{}
}

func (m *ExploreMode) Tick(env Env) *Result {
	if !m.initialized {
		m.initialized = true
		m.assignInitial(env)
		return &Result{Replan: true, Reason: "init"}
	}

	forbidden := forbiddenCells(env.Agents, env.Tags)
	res := &Result{Reason: "idle"}
	for _, a := range env.Agents {
		s := m.state(a.ID)
		idle := s.observe(a, env.Run[a.ID], m.idleThreshold)
		if s.phase == PhaseVerifying || !idle {
			continue
		}
		if arrived(a) {
			s.verify(*a.Goal)
			res.AlignCenter = append(res.AlignCenter, a.ID)
			res.AlignDirection = append(res.AlignDirection, a.ID)
			continue
		}
		if a.Goal != nil {
			continue
		}
		goal, ok := sampleFreeGoal(env.Grid, forbidden, m.rng)
		if !ok {
			if a.Start != nil {
				res.Waiters = append(res.Waiters, a.ID)
				res.WaiterCells = append(res.WaiterCells, *a.Start)
			}
			s.phase = PhaseIdle
			continue
		}
		a.SetGoal(goal)
		forbidden[goal] = true
		s.phase = PhaseHasGoal
		res.Replan = true
	}
	if !res.Replan && len(res.Waiters) == 0 && len(res.AlignTargets()) == 0 {
		return nil
	}
	return res
}

func (m *ExploreMode) assignInitial(env Env) {
	forbidden := forbiddenCells(env.Agents, env.Tags)
	for _, a := range env.Agents {
		s := m.state(a.ID)
		if a.Goal != nil {
			s.phase = PhaseHasGoal
			continue
		}
		goal, ok := sampleFreeGoal(env.Grid, forbidden, m.rng)
		if !ok {
			// Stay put; the agent is a waiter until a cell frees up.
			if a.Start != nil {
				a.SetGoal(*a.Start)
			}
			s.phase = PhaseIdle
			continue
		}
		a.SetGoal(goal)
		forbidden[goal] = true
		s.phase = PhaseHasGoal
	}
}

func (m *ExploreMode) OnSequenceComplete(env Env) *Result {
	res := &Result{Reason: "done"}
	for _, a := range env.Agents {
		if !arrived(a) {
			continue
		}
		m.state(a.ID).verify(*a.Goal)
		res.AlignCenter = append(res.AlignCenter, a.ID)
		res.AlignDirection = append(res.AlignDirection, a.ID)
	}
	if len(res.AlignCenter) == 0 {
		return nil
	}
	return res
}

func (m *ExploreMode) OnAlignmentComplete(rid int, env Env) *Result {
	a := model.FindAgent(env.Agents, rid)
	if a == nil {
		return nil
	}
	s := m.state(rid)
	if s.phase != PhaseVerifying || s.verifyGoal == nil {
		return nil
	}
	want := *s.verifyGoal
	tag, ok := env.Tags.Visible(rid)
	if !ok || tag.GridPosition != want {
		a.SetGoal(want)
		s.phase = PhaseHasGoal
		s.verifyGoal = nil
		return &Result{Replan: true, Reason: "verify_miss"}
	}

	s.verifyGoal = nil
	goal, ok := sampleFreeGoal(env.Grid, forbiddenCells(env.Agents, env.Tags), m.rng)
	if !ok {
		a.ClearGoal()
		s.phase = PhaseIdle
		res := &Result{Reason: "no_goal", Waiters: []int{rid}}
		if a.Start != nil {
			res.WaiterCells = []model.Cell{*a.Start}
		}
		return res
	}
	a.SetGoal(goal)
	s.phase = PhaseHasGoal
	return &Result{Replan: true, Reason: "verified"}
}

func (m *ExploreMode) OnRobotComplete(rid int, env Env) *Result {
	a := model.FindAgent(env.Agents, rid)
	if a == nil {
		return nil
	}
	s := m.state(rid)
	goal, ok := sampleFreeGoal(env.Grid, forbiddenCells(env.Agents, env.Tags), m.rng)
	if !ok {
		a.ClearGoal()
		s.settle(a)
		return &Result{Replan: true, Reason: "robot_done_no_goal"}
	}
	a.SetGoal(goal)
	s.settle(a)
	return &Result{Replan: true, Reason: "robot_done"}
}
