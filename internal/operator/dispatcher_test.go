package operator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

type call struct {
	name string
	ids  []int
}

type fakeFleet struct {
	mu     sync.Mutex
	calls  []call
	goals  map[int]model.Cell
	starts []map[int][]string
	plans  []model.StepCellPlan
	active bool
}

func (f *fakeFleet) record(name string, ids []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, ids: append([]int(nil), ids...)})
}

func (f *fakeFleet) Pause(ids []int)                        { f.record("pause", ids) }
func (f *fakeFleet) Resume(ids []int)                       { f.record("resume", ids) }
func (f *fakeFleet) ImmediateStop(ids []int)                { f.record("im_stop", ids) }
func (f *fakeFleet) ReleaseAll(ids []int)                   { f.record("release", ids) }
func (f *fakeFleet) RunCenterAlign(ids []int, _ bool)       { f.record("center", ids) }
func (f *fakeFleet) RunDirectionAlign(ids []int, _ bool)    { f.record("direction", ids) }
func (f *fakeFleet) GoToStepGoal(ids []int)                 { f.record("goto", ids) }
func (f *fakeFleet) Active() bool                           { return f.active }
func (f *fakeFleet) CurrentStep() int                       { return 0 }
func (f *fakeFleet) SequenceID() string                     { return "" }
func (f *fakeFleet) Paused() []int                          { return nil }
func (f *fakeFleet) ClearStepGoals()                        { f.goals = nil }
func (f *fakeFleet) RegisterStepGoals(g map[int]model.Cell) { f.goals = g }

func (f *fakeFleet) EmergencyStopAll() []int {
	f.record("estop", nil)
	return []int{1, 2}
}

func (f *fakeFleet) StartSequence(cmdMap map[int][]string, plan model.StepCellPlan) (string, error) {
	f.starts = append(f.starts, cmdMap)
	f.plans = append(f.plans, plan)
	f.active = true
	return "seq-manual", nil
}

func (f *fakeFleet) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.name
	}
	return out
}

func (f *fakeFleet) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeScenario struct {
	enabled bool
	mode    string
	goals   map[int]model.Cell
	agents  []*model.Agent
	replans int
	resets  int
}

func (s *fakeScenario) ReplanNow(context.Context) { s.replans++ }
func (s *fakeScenario) ResetAll()                 { s.resets++ }
func (s *fakeScenario) SetEnabled(on bool)        { s.enabled = on }
func (s *fakeScenario) Enabled() bool             { return s.enabled }
func (s *fakeScenario) SetMode(m scenario.Mode)   { s.mode = m.Name() }
func (s *fakeScenario) ModeName() string          { return s.mode }
func (s *fakeScenario) Agents() []*model.Agent    { return s.agents }

func (s *fakeScenario) SetGoal(rid int, goal model.Cell) error {
	if model.FindAgent(s.agents, rid) == nil {
		return scenario.ErrUnknownAgent
	}
	if s.goals == nil {
		s.goals = map[int]model.Cell{}
	}
	s.goals[rid] = goal
	return nil
}

type fakeBoard struct {
	locked bool
	viz    bool
	saved  string
}

func (b *fakeBoard) LockBoard(context.Context) error          { b.locked = true; return nil }
func (b *fakeBoard) UnlockBoard(context.Context) error        { b.locked = false; return nil }
func (b *fakeBoard) StartROISelection(context.Context) error  { return nil }
func (b *fakeBoard) SaveGrid(context.Context) (string, error) { return b.saved, nil }

func (b *fakeBoard) ToggleVisualization(context.Context) (bool, error) {
	b.viz = !b.viz
	return b.viz, nil
}

func visibleAt(cells map[int]model.Cell) model.TagSource {
	return model.TagSourceFunc(func() model.TagSnapshot {
		tags := make(map[int]model.TagInfo, len(cells))
		for rid, c := range cells {
			tags[rid] = model.TagInfo{Status: model.StatusOn, GridPosition: c, HeadingDeg: 90}
		}
		return model.TagSnapshot{Tags: tags}
	})
}

type dispatcherHarness struct {
	d     *Dispatcher
	fleet *fakeFleet
	scen  *fakeScenario
	board *fakeBoard
	quit  int
}

func newDispatcherHarness(t *testing.T, withBoard bool) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{
		fleet: &fakeFleet{},
		scen: &fakeScenario{
			mode:   scenario.ModeIdle,
			agents: []*model.Agent{model.NewAgent(1, model.C(0, 0)), model.NewAgent(2, model.C(3, 3))},
		},
	}
	deps := DispatcherDeps{
		Fleet:    h.fleet,
		Scenario: h.scen,
		Tags:     visibleAt(map[int]model.Cell{1: model.C(0, 0), 2: model.C(3, 3)}),
		Grid:     func() *model.Grid { return model.NewGrid(5, 5) },
		CellCM:   30,
		Quit:     func() { h.quit++ },
	}
	if withBoard {
		h.board = &fakeBoard{saved: "grids/grid.yaml"}
		deps.Board = h.board
	}
	h.d = NewDispatcher(deps)
	return h
}

func (h *dispatcherHarness) run(t *testing.T, cmd Command) Reply {
	t.Helper()
	reply, err := h.d.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute(%s) error: %v", cmd.Verb, err)
	}
	return reply
}

func TestDispatcherTargetsFallBackToVisibleRobots(t *testing.T) {
	h := newDispatcherHarness(t, false)

	reply := h.run(t, Command{Verb: VerbPause})
	if !reflect.DeepEqual(reply.Robots, []int{1, 2}) {
		t.Fatalf("pause robots = %v, want [1 2]", reply.Robots)
	}

	h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{2}})
	h.run(t, Command{Verb: VerbResume})
	if got := h.fleet.last(); got.name != "resume" || !reflect.DeepEqual(got.ids, []int{2}) {
		t.Fatalf("last call = %+v, want resume [2]", got)
	}

	h.run(t, Command{Verb: VerbImmediateStop, Robots: []int{1}})
	if got := h.fleet.last(); got.name != "im_stop" || !reflect.DeepEqual(got.ids, []int{1}) {
		t.Fatalf("last call = %+v, want im_stop [1]", got)
	}
}

func TestDispatcherSelectToggles(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{1}})
	reply := h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{2}})
	if !reflect.DeepEqual(reply.Robots, []int{1, 2}) {
		t.Fatalf("selection = %v, want [1 2]", reply.Robots)
	}
	reply = h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{1}})
	if !reflect.DeepEqual(reply.Robots, []int{2}) {
		t.Fatalf("selection = %v, want [2]", reply.Robots)
	}
	if _, err := h.d.Execute(context.Background(), Command{Verb: VerbSelectRobot}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("select_robot without robot = %v, want ErrInvalidArgument", err)
	}
}

func TestDispatcherAlignReleasesFirst(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbCenterAlign})
	h.run(t, Command{Verb: VerbDirectionAlign, Robots: []int{2}})
	want := []string{"release", "center", "release", "direction"}
	if got := h.fleet.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestDispatcherSetGoalUsesSelectedRobot(t *testing.T) {
	h := newDispatcherHarness(t, false)
	if _, err := h.d.Execute(context.Background(), Command{Verb: VerbSetGoal, Cell: model.CellPtr(4, 4)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("set_goal with nothing selected = %v, want ErrInvalidArgument", err)
	}

	h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{2}})
	h.run(t, Command{Verb: VerbSetGoal, Cell: model.CellPtr(4, 4)})
	if got := h.scen.goals[2]; got != model.C(4, 4) {
		t.Fatalf("goal of robot 2 = %v, want (4,4)", got)
	}
	// The goal target is consumed.
	if _, err := h.d.Execute(context.Background(), Command{Verb: VerbSetGoal, Cell: model.CellPtr(1, 1)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("second set_goal = %v, want ErrInvalidArgument", err)
	}

	if _, err := h.d.Execute(context.Background(), Command{Verb: VerbSetGoal, Robots: []int{9}, Cell: model.CellPtr(1, 1)}); !errors.Is(err, scenario.ErrUnknownAgent) {
		t.Fatalf("set_goal for unknown robot = %v, want ErrUnknownAgent", err)
	}
	if _, err := h.d.Execute(context.Background(), Command{Verb: VerbSetGoal, Robots: []int{1}, Cell: model.CellPtr(7, 0)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("set_goal off board = %v, want ErrInvalidArgument", err)
	}
}

func TestDispatcherGoalAlignDrivesSelection(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbGoalAlignToggle})
	h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{1}})
	h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{2}})
	h.run(t, Command{Verb: VerbSetGoal, Cell: model.CellPtr(2, 2)})

	want := map[int]model.Cell{1: model.C(2, 2), 2: model.C(2, 2)}
	if !reflect.DeepEqual(h.fleet.goals, want) {
		t.Fatalf("step goals = %v, want %v", h.fleet.goals, want)
	}
	if got := h.fleet.last(); got.name != "goto" || !reflect.DeepEqual(got.ids, []int{1, 2}) {
		t.Fatalf("last call = %+v, want goto [1 2]", got)
	}
	if len(h.scen.goals) != 0 {
		t.Fatalf("scenario goals = %v, want none in goal-align mode", h.scen.goals)
	}

	h.run(t, Command{Verb: VerbGoalAlignToggle})
	if h.fleet.goals != nil {
		t.Fatalf("step goals after toggle off = %v, want cleared", h.fleet.goals)
	}
}

func TestDispatcherManualPathCommit(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbManualToggle})
	h.run(t, Command{Verb: VerbSelectRobot, Robots: []int{1}})
	h.run(t, Command{Verb: VerbSetGoal, Cell: model.CellPtr(0, 2)})
	reply := h.run(t, Command{Verb: VerbSetGoal, Cell: model.CellPtr(1, 2)})
	if reply.Message != "manual path 4 cells" {
		t.Fatalf("reply = %q, want 4-cell manual path", reply.Message)
	}

	reply = h.run(t, Command{Verb: VerbComputePaths})
	if h.scen.replans != 0 {
		t.Fatalf("replans = %d, want 0 in manual mode", h.scen.replans)
	}
	if len(h.fleet.starts) != 1 {
		t.Fatalf("sequences started = %d, want 1", len(h.fleet.starts))
	}
	// Facing north at (0,0): turn east and advance, forward, turn south and advance.
	want := []string{"R90", command.Forward(30, command.ModeA), "R90"}
	if got := h.fleet.starts[0][1]; !reflect.DeepEqual(got, want) {
		t.Fatalf("manual commands = %v, want %v", got, want)
	}
	if h.fleet.plans[0].Len() != 3 {
		t.Fatalf("manual plan steps = %d, want 3", h.fleet.plans[0].Len())
	}
	if !reflect.DeepEqual(reply.Robots, []int{1}) {
		t.Fatalf("reply robots = %v, want [1]", reply.Robots)
	}

	reply = h.run(t, Command{Verb: VerbComputePaths})
	if reply.Message != "no manual paths" {
		t.Fatalf("second commit = %q, want no manual paths", reply.Message)
	}
}

func TestDispatcherComputePathsReplans(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbComputePaths})
	if h.scen.replans != 1 {
		t.Fatalf("replans = %d, want 1", h.scen.replans)
	}
	if got := h.fleet.names(); !reflect.DeepEqual(got, []string{"release"}) {
		t.Fatalf("calls = %v, want [release]", got)
	}
}

func TestDispatcherBoardVerbs(t *testing.T) {
	h := newDispatcherHarness(t, false)
	reply := h.run(t, Command{Verb: VerbLockBoard})
	if reply.Message != "board control unavailable" {
		t.Fatalf("lock without board = %q", reply.Message)
	}

	h = newDispatcherHarness(t, true)
	h.run(t, Command{Verb: VerbLockBoard})
	if !h.board.locked {
		t.Fatalf("board not locked")
	}
	if reply := h.run(t, Command{Verb: VerbToggleVisualization}); reply.Message != "visualization on" {
		t.Fatalf("toggle = %q, want visualization on", reply.Message)
	}
	if reply := h.run(t, Command{Verb: VerbSaveGrid}); reply.Message != "grid saved to grids/grid.yaml" {
		t.Fatalf("save = %q", reply.Message)
	}
	h.run(t, Command{Verb: VerbUnlockBoard})
	if h.board.locked {
		t.Fatalf("board still locked")
	}
}

func TestDispatcherScenarioVerbs(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbScenarioEnable})
	if !h.scen.enabled {
		t.Fatalf("scenario not enabled")
	}
	h.run(t, Command{Verb: VerbSetMode, Mode: scenario.ModeExplore})
	if h.scen.mode != scenario.ModeExplore {
		t.Fatalf("mode = %q, want %q", h.scen.mode, scenario.ModeExplore)
	}
	if _, err := h.d.Execute(context.Background(), Command{Verb: VerbSetMode, Mode: "dance"}); !errors.Is(err, scenario.ErrUnknownMode) {
		t.Fatalf("set_mode dance = %v, want ErrUnknownMode", err)
	}
	h.run(t, Command{Verb: VerbScenarioDisable})
	if h.scen.enabled {
		t.Fatalf("scenario still enabled")
	}

	st := h.d.Status()
	if st.Mode != scenario.ModeExplore || !reflect.DeepEqual(st.Agents, []int{1, 2}) {
		t.Fatalf("Status = %+v", st)
	}
}

func TestDispatcherResetQuitAndUnknown(t *testing.T) {
	h := newDispatcherHarness(t, false)
	h.run(t, Command{Verb: VerbResetAll})
	h.run(t, Command{Verb: VerbQuit})
	if h.scen.resets != 1 || h.quit != 1 {
		t.Fatalf("resets = %d, quit = %d, want 1 and 1", h.scen.resets, h.quit)
	}
	reply := h.run(t, Command{Verb: VerbEmergencyStop})
	if !reflect.DeepEqual(reply.Robots, []int{1, 2}) {
		t.Fatalf("emergency stop robots = %v", reply.Robots)
	}
	if _, err := h.d.Execute(context.Background(), Command{Verb: "dance"}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unknown verb = %v, want ErrUnknownCommand", err)
	}
}
