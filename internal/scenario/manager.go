// Package scenario is the replanning orchestrator. A Manager owns the agent
// list, ticks the active Mode once per perception cycle, and turns the
// mode's requests into alignment runs and planning rounds. Replans requested
// while a sequence runs are deferred to the next step boundary.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/planner"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// ErrUnknownAgent is returned for operations on an agent the manager does
// not track.
var ErrUnknownAgent = errors.New("unknown agent")

// Controller is the dispatch surface the manager drives.
type Controller interface {
	Active() bool
	IsExecuting(rid int) bool
	AlignedRecently(rid int, d time.Duration) bool
	RequestPauseOnStepBoundary()
	RunAlignSequence(ids []int, release bool)
	StartSequence(cmdMap map[int][]string, plan model.StepCellPlan) (string, error)
}

// GridSource returns the current static occupancy grid.
type GridSource func() *model.Grid

// PlanRound describes one planning attempt.
type PlanRound struct {
	At         time.Time
	Reason     string
	Agents     []int
	Outcome    string
	Duration   time.Duration
	SequenceID string
	Err        string
}

// Plan round outcomes.
const (
	PlanOK        = "ok"
	PlanError     = "error"
	PlanEmpty     = "empty"
	PlanNoCommand = "no_commands"
)

// Recorder keeps planning history.
type Recorder interface {
	PlanRound(ctx context.Context, r PlanRound) error
}

// Config tunes the manager.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mode      string `mapstructure:"mode"`
	IdleTicks int    `mapstructure:"idle_ticks"`
	Seed      uint64 `mapstructure:"seed"`
	// AlignedWithin is the window for RunState.AlignedRecently.
	AlignedWithin time.Duration `mapstructure:"aligned_within"`
	PlanTimeout   time.Duration `mapstructure:"plan_timeout"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeExplore,
		Seed:          1,
		AlignedWithin: 300 * time.Millisecond,
		PlanTimeout:   2 * time.Second,
	}
}

// Deps wires the manager. Controller, Planner, Tags and Grid are required.
type Deps struct {
	Controller Controller
	Planner    planner.Planner
	Tags       model.TagSource
	Grid       GridSource
	Board      model.Board
	Clock      timectrl.SimClock
	Recorder   Recorder
	Log        logging.Logger
	Metrics    *observability.FleetCollector
}

// Manager orchestrates modes and planning. It is safe for concurrent use;
// controller calls are made without the manager lock held.
type Manager struct {
	cfg     Config
	ctl     Controller
	planner planner.Planner
	tags    model.TagSource
	grid    GridSource
	board   model.Board
	clock   timectrl.SimClock
	rec     Recorder
	log     logging.Logger
	metrics *observability.FleetCollector

	mu              sync.Mutex
	mode            Mode
	enabled         bool
	agents          []*model.Agent
	paths           map[int][]model.Cell
	plan            model.StepCellPlan
	replanRequested bool
	pending         *Result
}

// New builds a manager running mode. A nil mode is BaseMode.
func New(cfg Config, mode Mode, deps Deps) *Manager {
	if mode == nil {
		mode = BaseMode{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	m := &Manager{
		cfg:     cfg,
		ctl:     deps.Controller,
		planner: deps.Planner,
		tags:    deps.Tags,
		grid:    deps.Grid,
		board:   deps.Board,
		clock:   clock,
		rec:     deps.Recorder,
		log:     logging.OrNoop(deps.Log),
		metrics: deps.Metrics,
		mode:    mode,
		enabled: cfg.Enabled,
		paths:   map[int][]model.Cell{},
	}
	m.mu.Lock()
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	m.mode.Enter(m.envLocked(snap))
	m.mu.Unlock()
	return m
}

// SetEnabled turns automatic ticking on or off. Operator commands keep
// working while disabled.
func (m *Manager) SetEnabled(on bool) {
	m.mu.Lock()
	m.enabled = on
	m.mu.Unlock()
	m.log.Info(context.Background(), "scenario toggled", logging.Bool("enabled", on))
}

// Enabled reports whether the manager reacts to ticks and callbacks.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetMode exits the current mode and enters mode with fresh state.
func (m *Manager) SetMode(mode Mode) {
	if mode == nil {
		mode = BaseMode{}
	}
	m.mu.Lock()
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	old := m.mode
	old.Exit(m.envLocked(snap))
	m.mode = mode
	m.mode.Enter(m.envLocked(snap))
	m.mu.Unlock()
	m.log.Info(context.Background(), "scenario mode changed",
		logging.String("from", old.Name()),
		logging.String("to", mode.Name()),
	)
}

// ModeName returns the active mode name.
func (m *Manager) ModeName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode.Name()
}

// ReplanPending reports whether a replan waits for the step boundary.
func (m *Manager) ReplanPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replanRequested
}

// Agents returns copies of the tracked agents sorted by id.
func (m *Manager) Agents() []*model.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Paths returns the delay-padded paths of the last successful round.
func (m *Manager) Paths() map[int][]model.Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int][]model.Cell, len(m.paths))
	for rid, p := range m.paths {
		out[rid] = append([]model.Cell(nil), p...)
	}
	return out
}

// AddAgent starts tracking rid at start. Known agents are moved.
func (m *Manager) AddAgent(rid int, start model.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := model.FindAgent(m.agents, rid); a != nil {
		a.SetStart(start)
		return
	}
	m.agents = append(m.agents, model.NewAgent(rid, start))
	m.sortAgentsLocked()
}

// SetGoal assigns a goal by hand.
func (m *Manager) SetGoal(rid int, goal model.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := model.FindAgent(m.agents, rid)
	if a == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, rid)
	}
	if g := m.grid(); g != nil && !g.IsFree(goal) {
		return fmt.Errorf("goal %v for robot %d is not a free cell", goal, rid)
	}
	a.SetGoal(goal)
	return nil
}

// ResetAll forgets every agent, path and pending replan and re-enters the
// active mode. Agents reappear from perception on the next tick.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	m.agents = nil
	m.paths = map[int][]model.Cell{}
	m.plan = nil
	m.replanRequested = false
	m.pending = nil
	snap := m.tags.Snapshot()
	m.mode.Exit(m.envLocked(snap))
	m.syncLocked(snap)
	m.mode.Enter(m.envLocked(snap))
	m.mu.Unlock()
	m.log.Info(context.Background(), "scenario reset")
}

// Tick runs one mode cycle.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	res := m.mode.Tick(m.envLocked(snap))
	acts := m.handleLocked(ctx, res, "tick")
	m.mu.Unlock()
	run(acts)
}

// ReplanNow plans immediately, or at the next step boundary when a
// sequence is running. It ignores the enabled flag.
func (m *Manager) ReplanNow(ctx context.Context) {
	m.mu.Lock()
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	acts := m.requestReplanLocked(ctx, &Result{Replan: true, Reason: "operator"})
	m.mu.Unlock()
	run(acts)
}

// HandleSequenceComplete is the controller's sequence-complete callback.
// Deferred replans run here, once.
func (m *Manager) HandleSequenceComplete(ctx context.Context) {
	m.mu.Lock()
	if !m.enabled && !m.replanRequested {
		m.mu.Unlock()
		return
	}
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	var res *Result
	if m.enabled {
		res = m.mode.OnSequenceComplete(m.envLocked(snap))
	}
	acts := alignActs(m.ctl, res)

	merged := m.pending.merge(res)
	should := m.replanRequested || (res != nil && res.Replan)
	m.replanRequested = false
	m.pending = nil
	if should {
		if act := m.planLocked(ctx, merged); act != nil {
			acts = append(acts, act)
		}
	}
	m.mu.Unlock()
	run(acts)
}

// HandleRobotComplete is the controller's per-robot completion callback.
func (m *Manager) HandleRobotComplete(ctx context.Context, rid int) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	res := m.mode.OnRobotComplete(rid, m.envLocked(snap))
	acts := m.handleLocked(ctx, res, "robot_complete")
	m.mu.Unlock()
	run(acts)
}

// HandleAlignmentComplete is the controller's alignment-complete callback.
func (m *Manager) HandleAlignmentComplete(ctx context.Context, rid int) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	snap := m.tags.Snapshot()
	m.syncLocked(snap)
	res := m.mode.OnAlignmentComplete(rid, m.envLocked(snap))
	acts := m.handleLocked(ctx, res, "alignment_complete")
	m.mu.Unlock()
	run(acts)
}

// HandleAlignmentFailed reports an exhausted alignment budget. The mode
// re-evaluates the robot from perception as if the alignment had finished.
func (m *Manager) HandleAlignmentFailed(ctx context.Context, rid int, err error) {
	m.log.Warn(ctx, "alignment gave up", logging.Robot(rid), logging.Err(err))
	m.HandleAlignmentComplete(ctx, rid)
}

func (m *Manager) handleLocked(ctx context.Context, res *Result, origin string) []func() {
	if res == nil {
		return nil
	}
	acts := alignActs(m.ctl, res)
	if res.Replan {
		if res.Reason == "" {
			res.Reason = origin
		}
		acts = append(acts, m.requestReplanLocked(ctx, res)...)
	}
	return acts
}

// requestReplanLocked plans now when the controller is idle and otherwise
// parks the request until the next sequence-complete.
func (m *Manager) requestReplanLocked(ctx context.Context, res *Result) []func() {
	if m.ctl.Active() {
		if !m.replanRequested {
			m.log.Info(ctx, "replan deferred to step boundary", logging.String("reason", res.Reason))
		}
		m.replanRequested = true
		m.pending = m.pending.merge(res)
		return []func(){m.ctl.RequestPauseOnStepBoundary}
	}
	if act := m.planLocked(ctx, res); act != nil {
		return []func(){act}
	}
	return nil
}

func alignActs(ctl Controller, res *Result) []func() {
	targets := res.AlignTargets()
	if len(targets) == 0 {
		return nil
	}
	return []func(){func() { ctl.RunAlignSequence(targets, false) }}
}

func run(acts []func()) {
	for _, f := range acts {
		f()
	}
}

// syncLocked refreshes agent starts from perception, adds newly seen
// robots, and falls back to the last planned destination for robots that
// are not visible.
func (m *Manager) syncLocked(snap model.TagSnapshot) {
	for _, rid := range snap.VisibleIDs() {
		tag, _ := snap.Visible(rid)
		if a := model.FindAgent(m.agents, rid); a != nil {
			a.SetStart(tag.GridPosition)
			continue
		}
		m.agents = append(m.agents, model.NewAgent(rid, tag.GridPosition))
	}
	for _, a := range m.agents {
		if _, ok := snap.Visible(a.ID); ok {
			continue
		}
		if dst, ok := m.plan.LastDst(a.ID, m.plan.Len()-1); ok {
			a.SetStart(dst)
		}
	}
	m.sortAgentsLocked()
}

func (m *Manager) sortAgentsLocked() {
	sort.Slice(m.agents, func(i, j int) bool { return m.agents[i].ID < m.agents[j].ID })
}

func (m *Manager) envLocked(snap model.TagSnapshot) Env {
	states := make(map[int]RunState, len(m.agents))
	for _, a := range m.agents {
		tag, visible := snap.Visible(a.ID)
		states[a.ID] = RunState{
			Executing:       m.ctl.IsExecuting(a.ID),
			HasGoal:         a.Goal != nil,
			Start:           model.CopyCell(a.Start),
			Goal:            model.CopyCell(a.Goal),
			Tag:             tag,
			Visible:         visible,
			AlignedRecently: m.ctl.AlignedRecently(a.ID, m.cfg.AlignedWithin),
		}
	}
	return Env{Tags: snap, Grid: m.grid(), Agents: m.agents, Run: states}
}

// planLocked runs one planning round and returns the action that starts the
// resulting sequence, or nil when the round is skipped.
func (m *Manager) planLocked(ctx context.Context, res *Result) func() {
	if res == nil {
		res = &Result{Replan: true}
	}
	grid := m.grid()
	if grid == nil {
		m.log.Warn(ctx, "planning skipped: no grid")
		return nil
	}
	snap := m.tags.Snapshot()
	m.syncLocked(snap)

	waiters := make(map[int]bool)
	for _, rid := range res.Waiters {
		waiters[rid] = true
	}
	cells := append([]model.Cell(nil), res.WaiterCells...)
	for _, a := range m.agents {
		if a.Start == nil || a.Goal == nil || a.AtGoal() {
			waiters[a.ID] = true
		}
		if waiters[a.ID] && a.Start != nil {
			cells = append(cells, *a.Start)
		}
	}
	aug := grid.Clone()
	for _, c := range cells {
		aug.Mark(c)
	}

	var ready map[int]bool
	if res.Ready != nil {
		ready = make(map[int]bool, len(res.Ready))
		for _, rid := range res.Ready {
			ready[rid] = true
		}
	}
	var moving []*model.Agent
	var ids []int
	for _, a := range m.agents {
		if waiters[a.ID] || !a.Plannable() {
			continue
		}
		if ready != nil && !ready[a.ID] {
			continue
		}
		moving = append(moving, a.Clone())
		ids = append(ids, a.ID)
	}
	if len(moving) == 0 {
		m.log.Debug(ctx, "planning skipped: no agents to move", logging.String("reason", res.Reason))
		return nil
	}

	round := PlanRound{At: m.clock.Now(), Reason: res.Reason, Agents: ids}
	timeout := m.cfg.PlanTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PlanTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	began := time.Now()
	solved, err := m.planner.ComputePaths(pctx, aug, moving)
	cancel()
	round.Duration = time.Since(began)

	if err != nil {
		round.Outcome, round.Err = PlanError, err.Error()
		m.metrics.ObservePlan(round.Duration, PlanError)
		m.log.Warn(ctx, "planning failed; round skipped",
			logging.String("reason", res.Reason),
			logging.Any("agents", ids),
			logging.Err(err),
		)
		return m.recordAct(round)
	}
	if len(solved) == 0 {
		round.Outcome = PlanEmpty
		m.metrics.ObservePlan(round.Duration, PlanEmpty)
		m.log.Warn(ctx, "planner returned no paths; round skipped", logging.Any("agents", ids))
		return m.recordAct(round)
	}

	cmdMap := make(map[int][]string, len(solved))
	stepPlan := model.StepCellPlan{}
	paths := make(map[int][]model.Cell, len(solved))
	for _, sa := range solved {
		path := sa.FinalPath()
		if a := model.FindAgent(m.agents, sa.ID); a != nil {
			a.Path = append([]model.Cell(nil), sa.Path...)
		}
		if len(path) < 2 {
			continue
		}
		tag, ok := snap.Visible(sa.ID)
		cmds := command.FromPath(path, command.InitialHeading(tag, ok), m.board.CellCM)
		if len(cmds) == 0 {
			continue
		}
		cmdMap[sa.ID] = cmds
		paths[sa.ID] = path
		for i := 0; i+1 < len(path); i++ {
			stepPlan.Add(i, sa.ID, path[i], path[i+1])
		}
	}
	if len(cmdMap) == 0 {
		round.Outcome = PlanNoCommand
		m.metrics.ObservePlan(round.Duration, PlanNoCommand)
		m.log.Info(ctx, "planning produced no commands", logging.Any("agents", ids))
		return m.recordAct(round)
	}

	m.paths = paths
	m.plan = stepPlan
	m.metrics.ObservePlan(round.Duration, PlanOK)
	m.log.Info(ctx, "paths planned",
		logging.String("reason", res.Reason),
		logging.Any("robots", sortedIDs(cmdMap)),
		logging.Int("steps", stepPlan.Len()),
		logging.Duration("took", round.Duration),
	)

	ctl := m.ctl
	return func() {
		id, err := ctl.StartSequence(cmdMap, stepPlan)
		round.Outcome = PlanOK
		round.SequenceID = id
		if err != nil {
			round.Outcome, round.Err = PlanError, err.Error()
			m.log.Warn(ctx, "sequence not started", logging.Err(err))
		}
		m.record(ctx, round)
	}
}

func (m *Manager) recordAct(round PlanRound) func() {
	if m.rec == nil {
		return nil
	}
	return func() { m.record(context.Background(), round) }
}

func (m *Manager) record(ctx context.Context, round PlanRound) {
	if m.rec == nil {
		return
	}
	if err := m.rec.PlanRound(ctx, round); err != nil {
		m.log.Warn(ctx, "plan journal write failed", logging.Err(err))
	}
}

func sortedIDs(m map[int][]string) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
