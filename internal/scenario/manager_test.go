package scenario

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/planner"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

var testBoard = model.Board{Rows: 6, Cols: 6, CellCM: 30}

type fakeController struct {
	mu        sync.Mutex
	active    bool
	executing map[int]bool
	pauses    int
	aligns    [][]int
	starts    []map[int][]string
	plans     []model.StepCellPlan
}

func (c *fakeController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeController) setActive(v bool) {
	c.mu.Lock()
	c.active = v
	c.mu.Unlock()
}

func (c *fakeController) IsExecuting(rid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing[rid]
}

func (c *fakeController) AlignedRecently(int, time.Duration) bool { return false }

func (c *fakeController) RequestPauseOnStepBoundary() {
	c.mu.Lock()
	c.pauses++
	c.mu.Unlock()
}

func (c *fakeController) RunAlignSequence(ids []int, _ bool) {
	c.mu.Lock()
	c.aligns = append(c.aligns, append([]int(nil), ids...))
	c.mu.Unlock()
}

func (c *fakeController) StartSequence(cmdMap map[int][]string, plan model.StepCellPlan) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, cmdMap)
	c.plans = append(c.plans, plan)
	c.active = true
	return "seq-test", nil
}

type tagBoard struct {
	mu   sync.Mutex
	tags map[int]model.TagInfo
}

func newTagBoard() *tagBoard { return &tagBoard{tags: map[int]model.TagInfo{}} }

func (b *tagBoard) put(rid int, c model.Cell) {
	b.mu.Lock()
	b.tags[rid] = model.TagInfo{Status: model.StatusOn, GridPosition: c, PositionCM: testBoard.CellCenter(c)}
	b.mu.Unlock()
}

func (b *tagBoard) hide(rid int) {
	b.mu.Lock()
	b.tags[rid] = model.TagInfo{Status: model.StatusOff}
	b.mu.Unlock()
}

func (b *tagBoard) Snapshot() model.TagSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]model.TagInfo, len(b.tags))
	for k, v := range b.tags {
		out[k] = v
	}
	return model.TagSnapshot{Tags: out}
}

type countingPlanner struct {
	mu     sync.Mutex
	calls  int
	grids  []*model.Grid
	agents [][]int
	inner  planner.Planner
}

func (p *countingPlanner) ComputePaths(ctx context.Context, grid *model.Grid, agents []*model.Agent) ([]*model.Agent, error) {
	p.mu.Lock()
	p.calls++
	p.grids = append(p.grids, grid)
	var ids []int
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	p.agents = append(p.agents, ids)
	p.mu.Unlock()
	return p.inner.ComputePaths(ctx, grid, agents)
}

func (p *countingPlanner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingRounds struct {
	mu     sync.Mutex
	rounds []PlanRound
}

func (r *recordingRounds) PlanRound(_ context.Context, round PlanRound) error {
	r.mu.Lock()
	r.rounds = append(r.rounds, round)
	r.mu.Unlock()
	return nil
}

type managerHarness struct {
	ctl     *fakeController
	tags    *tagBoard
	planner *countingPlanner
	rounds  *recordingRounds
	grid    *model.Grid
	m       *Manager
}

func newManagerHarness(t *testing.T, mode Mode, robots map[int]model.Cell) *managerHarness {
	t.Helper()
	h := &managerHarness{
		ctl:     &fakeController{executing: map[int]bool{}},
		tags:    newTagBoard(),
		planner: &countingPlanner{inner: planner.NewPrioritized(planner.Options{})},
		rounds:  &recordingRounds{},
		grid:    model.NewGrid(testBoard.Rows, testBoard.Cols),
	}
	for rid, c := range robots {
		h.tags.put(rid, c)
	}
	cfg := DefaultConfig()
	cfg.Enabled = true
	h.m = New(cfg, mode, Deps{
		Controller: h.ctl,
		Planner:    h.planner,
		Tags:       h.tags,
		Grid:       func() *model.Grid { return h.grid },
		Board:      testBoard,
		Recorder:   h.rounds,
	})
	return h
}

func TestManagerTracksVisibleRobots(t *testing.T) {
	h := newManagerHarness(t, nil, map[int]model.Cell{2: model.C(1, 1), 1: model.C(0, 0)})
	agents := h.m.Agents()
	if len(agents) != 2 || agents[0].ID != 1 || agents[1].ID != 2 {
		t.Fatalf("Agents() = %v, want robots 1 and 2", agents)
	}
	if *agents[1].Start != model.C(1, 1) {
		t.Fatalf("robot 2 start = %v, want (1,1)", *agents[1].Start)
	}
}

func TestReplanDeferredUntilSequenceComplete(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t, nil, map[int]model.Cell{1: model.C(0, 0), 2: model.C(5, 5)})
	if err := h.m.SetGoal(1, model.C(0, 3)); err != nil {
		t.Fatalf("SetGoal(1): %v", err)
	}
	if err := h.m.SetGoal(2, model.C(5, 2)); err != nil {
		t.Fatalf("SetGoal(2): %v", err)
	}

	h.ctl.setActive(true)
	h.m.ReplanNow(ctx)
	h.m.ReplanNow(ctx)
	if got := h.planner.count(); got != 0 {
		t.Fatalf("planner calls while active = %d, want 0", got)
	}
	if !h.m.ReplanPending() {
		t.Fatalf("ReplanPending() = false, want true")
	}
	if h.ctl.pauses == 0 {
		t.Fatalf("expected a pause request at the step boundary")
	}

	h.ctl.setActive(false)
	h.m.HandleSequenceComplete(ctx)
	if got := h.planner.count(); got != 1 {
		t.Fatalf("planner calls after sequence complete = %d, want 1", got)
	}
	if h.m.ReplanPending() {
		t.Fatalf("ReplanPending() after planning = true, want false")
	}
	if len(h.ctl.starts) != 1 {
		t.Fatalf("sequences started = %d, want 1", len(h.ctl.starts))
	}
	cmds := h.ctl.starts[0]
	if len(cmds[1]) == 0 || len(cmds[2]) == 0 {
		t.Fatalf("cmdMap = %v, want commands for robots 1 and 2", cmds)
	}
	if got := h.ctl.plans[0].Robots(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("plan robots = %v, want [1 2]", got)
	}

	h.ctl.setActive(false)
	h.m.HandleSequenceComplete(ctx)
	if got := h.planner.count(); got != 1 {
		t.Fatalf("planner calls after a second completion = %d, want 1", got)
	}
}

func TestStepPlanFollowsPaths(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t, nil, map[int]model.Cell{1: model.C(0, 0)})
	if err := h.m.SetGoal(1, model.C(0, 2)); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	h.m.ReplanNow(ctx)

	paths := h.m.Paths()
	want := []model.Cell{model.C(0, 0), model.C(0, 1), model.C(0, 2)}
	if !reflect.DeepEqual(paths[1], want) {
		t.Fatalf("Paths()[1] = %v, want %v", paths[1], want)
	}
	plan := h.ctl.plans[0]
	if plan.Len() != 2 {
		t.Fatalf("plan.Len() = %d, want 2", plan.Len())
	}
	mv, ok := plan.Move(1, 1)
	if !ok || mv.Src != model.C(0, 1) || mv.Dst != model.C(0, 2) {
		t.Fatalf("step 1 move = %+v (%v), want (0,1)->(0,2)", mv, ok)
	}
	if len(h.ctl.starts[0][1]) != 2 {
		t.Fatalf("commands = %v, want one per step", h.ctl.starts[0][1])
	}
	if len(h.rounds.rounds) != 1 || h.rounds.rounds[0].Outcome != PlanOK || h.rounds.rounds[0].SequenceID != "seq-test" {
		t.Fatalf("rounds = %+v, want one ok round for seq-test", h.rounds.rounds)
	}
}

func TestWaitersArePlannedAround(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t, nil, map[int]model.Cell{1: model.C(0, 0), 2: model.C(0, 1)})
	if err := h.m.SetGoal(1, model.C(0, 2)); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	h.m.ReplanNow(ctx)

	if got := h.planner.count(); got != 1 {
		t.Fatalf("planner calls = %d, want 1", got)
	}
	if got := h.planner.agents[0]; !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("planned agents = %v, want [1]", got)
	}
	if h.planner.grids[0].IsFree(model.C(0, 1)) {
		t.Fatalf("waiter cell (0,1) should be an obstacle in the planning grid")
	}
	if !h.grid.IsFree(model.C(0, 1)) {
		t.Fatalf("static grid must not be modified by planning")
	}
	if p := h.m.Paths()[1]; len(p) != 5 {
		t.Fatalf("detour path = %v, want 5 cells around the waiter", p)
	}
}

func TestPlannerErrorSkipsRound(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t, nil, map[int]model.Cell{1: model.C(0, 0)})
	h.planner.inner = planner.Func(func(context.Context, *model.Grid, []*model.Agent) ([]*model.Agent, error) {
		return nil, planner.ErrNoSolution
	})
	if err := h.m.SetGoal(1, model.C(3, 3)); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	h.m.ReplanNow(ctx)
	if len(h.ctl.starts) != 0 {
		t.Fatalf("sequence started after a planner error")
	}
	if len(h.rounds.rounds) != 1 || h.rounds.rounds[0].Outcome != PlanError {
		t.Fatalf("rounds = %+v, want one error round", h.rounds.rounds)
	}
}

func TestInvisibleRobotKeepsLastPlannedCell(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t, nil, map[int]model.Cell{1: model.C(0, 0)})
	if err := h.m.SetGoal(1, model.C(0, 2)); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	h.m.ReplanNow(ctx)
	h.tags.hide(1)
	h.ctl.setActive(false)
	h.m.HandleSequenceComplete(ctx)

	a := h.m.Agents()[0]
	if a.Start == nil || *a.Start != model.C(0, 2) {
		t.Fatalf("start of hidden robot = %v, want last planned (0,2)", a.Start)
	}
}

func TestSetGoalUnknownRobot(t *testing.T) {
	h := newManagerHarness(t, nil, nil)
	if err := h.m.SetGoal(9, model.C(0, 0)); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("SetGoal(unknown) = %v, want ErrUnknownAgent", err)
	}
}

func TestExploreInitPlansImmediately(t *testing.T) {
	ctx := context.Background()
	mode := NewExploreMode(3, testRand(7))
	h := newManagerHarness(t, mode, map[int]model.Cell{1: model.C(0, 0), 2: model.C(5, 5), 3: model.C(2, 3)})
	h.m.Tick(ctx)

	if got := h.planner.count(); got != 1 {
		t.Fatalf("planner calls after first tick = %d, want 1", got)
	}
	if len(h.ctl.starts) != 1 {
		t.Fatalf("sequences started = %d, want 1", len(h.ctl.starts))
	}
	for _, a := range h.m.Agents() {
		if a.Goal == nil {
			t.Fatalf("robot %d has no goal after init", a.ID)
		}
	}

	// Completion of one robot while the sequence runs is deferred.
	h.m.HandleRobotComplete(ctx, 1)
	if got := h.planner.count(); got != 1 {
		t.Fatalf("planner calls during sequence = %d, want 1", got)
	}
	h.ctl.setActive(false)
	h.m.HandleSequenceComplete(ctx)
	if got := h.planner.count(); got != 2 {
		t.Fatalf("planner calls after boundary = %d, want 2", got)
	}
}

func TestDisabledManagerIgnoresTicks(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t, NewExploreMode(3, testRand(1)), map[int]model.Cell{1: model.C(0, 0)})
	h.m.SetEnabled(false)
	h.m.Tick(ctx)
	if got := h.planner.count(); got != 0 {
		t.Fatalf("planner calls while disabled = %d, want 0", got)
	}
}

func TestSetModeResetsModeState(t *testing.T) {
	h := newManagerHarness(t, nil, map[int]model.Cell{1: model.C(0, 0)})
	explore := NewExploreMode(3, testRand(1))
	h.m.SetMode(explore)
	if got := h.m.ModeName(); got != ModeExplore {
		t.Fatalf("ModeName() = %q, want %q", got, ModeExplore)
	}
	if got := explore.Phase(1); got != PhaseUninitialized {
		t.Fatalf("Phase(1) after enter = %q, want %q", got, PhaseUninitialized)
	}
	h.m.ResetAll()
	if got := len(h.m.Paths()); got != 0 {
		t.Fatalf("Paths() after reset has %d entries", got)
	}
}

func TestAlignmentRequestsReachController(t *testing.T) {
	ctx := context.Background()
	mode := NewExploreMode(3, testRand(3))
	h := newManagerHarness(t, mode, map[int]model.Cell{1: model.C(0, 0)})
	h.m.Tick(ctx)

	goal := *h.m.Agents()[0].Goal
	h.tags.put(1, goal)
	h.ctl.setActive(false)
	h.m.HandleSequenceComplete(ctx)

	if len(h.ctl.aligns) != 1 || !reflect.DeepEqual(h.ctl.aligns[0], []int{1}) {
		t.Fatalf("alignment runs = %v, want [[1]]", h.ctl.aligns)
	}
	if got := mode.Phase(1); got != PhaseVerifying {
		t.Fatalf("Phase(1) = %q, want %q", got, PhaseVerifying)
	}

	h.m.HandleAlignmentComplete(ctx, 1)
	if got := mode.Phase(1); got != PhaseHasGoal {
		t.Fatalf("Phase(1) after verified alignment = %q, want %q", got, PhaseHasGoal)
	}
	if got := h.planner.count(); got != 2 {
		t.Fatalf("planner calls = %d, want 2", got)
	}
}
