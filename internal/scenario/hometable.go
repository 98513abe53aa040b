package scenario

import (
	"math/rand/v2"

	"github.com/signalsfoundry/fleet-coordinator/model"
)

// HomeProvider returns the home cell of a robot.
type HomeProvider func(rid int) (model.Cell, bool)

// maxDepartDelay is the largest launch delay drawn when leaving home.
const maxDepartDelay = 3

type homeState struct {
	agentState
	home        *model.Cell
	homeless    bool
	delayActive bool
	delayLeft   int
}

// HomeTableMode shuttles robots between a fixed home cell and a free cell
// next to an obstacle (a "table"). Departures from home get a random launch
// delay of 0 to 3 steps so robots sharing a home row do not leave together.
// Robots without a home never move and are planned around.
type HomeTableMode struct {
	BaseMode
	idleThreshold int
	rng           *rand.Rand
	homes         HomeProvider
	agents        map[int]*homeState
}

// NewHomeTableMode returns a home/table policy. rng must not be nil.
func NewHomeTableMode(idleThreshold int, rng *rand.Rand, homes HomeProvider) *HomeTableMode {
	return &HomeTableMode{idleThreshold: idleThreshold, rng: rng, homes: homes, agents: map[int]*homeState{}}
}

func (m *HomeTableMode) Name() string { return ModeHomeTable }

// Phase reports the state of one agent.
func (m *HomeTableMode) Phase(rid int) Phase {
	if s, ok := m.agents[rid]; ok {
		return s.phase
	}
	return PhaseUninitialized
}

func (m *HomeTableMode) state(a *model.Agent) *homeState {
	s, ok := m.agents[a.ID]
	if ok {
		return s
	}
	s = &homeState{agentState: agentState{phase: PhaseUninitialized}, homeless: true}
	if m.homes != nil {
		if h, ok := m.homes(a.ID); ok {
			s.home = &h
			s.homeless = false
		}
	}
	if s.homeless {
		a.ClearGoal()
	}
	s.lastPos = model.CopyCell(a.Start)
	m.agents[a.ID] = s
	return s
}

func (m *HomeTableMode) Enter(env Env) {
	m.agents = map[int]*homeState{}
	for _, a := range env.Agents {
		m.state(a)
	}
}

func (m *HomeTableMode) Exit(env Env) {
	for _, a := range env.Agents {
		a.Delay = 0
	}
	m.agents = map[int]*homeState{}
}

func (m *HomeTableMode) atHome(s *homeState, a *model.Agent) bool {
	return s.home != nil && model.SameCell(a.Start, s.home)
}

func (m *HomeTableMode) forbidden(env Env) map[model.Cell]bool {
	var homes []model.Cell
	for _, a := range env.Agents {
		if s := m.state(a); s.home != nil {
			homes = append(homes, *s.home)
		}
	}
	return forbiddenCells(env.Agents, env.Tags, homes...)
}

// nextGoal is a table cell when at home and home otherwise.
func (m *HomeTableMode) nextGoal(s *homeState, a *model.Agent, grid *model.Grid, forbidden map[model.Cell]bool) (model.Cell, bool) {
	if s.homeless {
		return model.Cell{}, false
	}
	if m.atHome(s, a) {
		return tableAdjacent(grid, forbidden, m.rng)
	}
	return *s.home, true
}

// assign sets goal on a and manages the departure delay.
func (m *HomeTableMode) assign(s *homeState, a *model.Agent, goal model.Cell) {
	fresh := a.Goal == nil || *a.Goal != goal
	a.SetGoal(goal)
	if m.atHome(s, a) {
		if fresh && !s.delayActive {
			s.delayActive = true
			s.delayLeft = m.rng.IntN(maxDepartDelay + 1)
		}
		a.Delay = s.delayLeft
	} else {
		a.Delay = 0
		s.delayActive = false
		s.delayLeft = 0
	}
	s.phase = PhaseHasGoal
}

func (m *HomeTableMode) Tick(env Env) *Result {
	res := &Result{Reason: "idle"}
	forbidden := m.forbidden(env)
	for _, a := range env.Agents {
		s := m.state(a)
		if s.homeless {
			res.Waiters = append(res.Waiters, a.ID)
			if a.Start != nil {
				res.WaiterCells = append(res.WaiterCells, *a.Start)
			}
			continue
		}
		idle := s.observe(a, env.Run[a.ID], m.idleThreshold)
		if s.phase == PhaseVerifying || arrived(a) {
			continue
		}
		if !idle || a.Goal != nil {
			continue
		}
		goal, ok := m.nextGoal(s, a, env.Grid, forbidden)
		if !ok {
			res.Waiters = append(res.Waiters, a.ID)
			if a.Start != nil {
				res.WaiterCells = append(res.WaiterCells, *a.Start)
			}
			s.phase = PhaseIdle
			continue
		}
		m.assign(s, a, goal)
		forbidden[goal] = true
		res.Replan = true
	}
	if !res.Replan && len(res.Waiters) == 0 {
		return nil
	}
	return res
}

func (m *HomeTableMode) OnSequenceComplete(env Env) *Result {
	res := &Result{Reason: "done"}
	for _, a := range env.Agents {
		s := m.state(a)
		if s.homeless {
			continue
		}
		// A delayed robot that held its cell through the round used up one
		// step of its launch delay.
		if s.delayActive && s.delayLeft > 0 && a.Start != nil && model.SameCell(s.lastPos, a.Start) {
			s.delayLeft--
			a.Delay = s.delayLeft
		}
		if arrived(a) {
			s.verify(*a.Goal)
			res.AlignCenter = append(res.AlignCenter, a.ID)
			res.AlignDirection = append(res.AlignDirection, a.ID)
		}
	}
	if len(res.AlignCenter) == 0 {
		return nil
	}
	return res
}

func (m *HomeTableMode) OnAlignmentComplete(rid int, env Env) *Result {
	a := model.FindAgent(env.Agents, rid)
	if a == nil {
		return nil
	}
	s := m.state(a)
	if s.homeless || s.phase != PhaseVerifying {
		return nil
	}
	if s.verifyGoal != nil && model.SameCell(a.Start, s.verifyGoal) {
		s.verifyGoal = nil
		goal, ok := m.nextGoal(s, a, env.Grid, m.forbidden(env))
		if !ok {
			a.ClearGoal()
			s.phase = PhaseIdle
			res := &Result{Reason: "align_ok_no_goal", Waiters: []int{rid}}
			if a.Start != nil {
				res.WaiterCells = []model.Cell{*a.Start}
			}
			return res
		}
		m.assign(s, a, goal)
		return &Result{Replan: true, Reason: "align_ok_next"}
	}
	if a.Goal != nil {
		s.verify(*a.Goal)
	}
	return &Result{Reason: "align_retry", AlignCenter: []int{rid}, AlignDirection: []int{rid}}
}

func (m *HomeTableMode) OnRobotComplete(rid int, env Env) *Result {
	a := model.FindAgent(env.Agents, rid)
	if a == nil {
		return nil
	}
	s := m.state(a)
	if s.homeless {
		return nil
	}
	goal, ok := m.nextGoal(s, a, env.Grid, m.forbidden(env))
	if !ok {
		a.ClearGoal()
		s.settle(a)
		return &Result{Replan: true, Reason: "robot_done_no_goal"}
	}
	m.assign(s, a, goal)
	return &Result{Replan: true, Reason: "robot_done"}
}
