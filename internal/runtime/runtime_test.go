package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/config"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/operator"
	"github.com/signalsfoundry/fleet-coordinator/internal/perception"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

var testBoard = model.Board{Rows: 3, Cols: 3, CellCM: 30}

func TestBoardRefreshHonoursLock(t *testing.T) {
	static := model.NewGrid(3, 3)
	static.Mark(model.C(0, 0))
	b := NewBoard(testBoard, static, BoardDeps{Log: logging.Noop()})
	ctx := context.Background()

	center := testBoard.CellCenter(model.C(1, 1))
	withObstacle := model.TagSnapshot{Obstacles: []model.Obstacle{{X: center.X, Y: center.Y, RadiusCM: 5}}}

	b.Refresh(withObstacle)
	if g := b.Grid(); g.IsFree(model.C(1, 1)) || g.IsFree(model.C(0, 0)) {
		t.Fatalf("obstacles = %v, want (0,0) and (1,1)", g.ObstacleCells())
	}

	if err := b.LockBoard(ctx); err != nil {
		t.Fatalf("LockBoard: %v", err)
	}
	b.Refresh(model.TagSnapshot{})
	if b.Grid().IsFree(model.C(1, 1)) {
		t.Fatalf("locked board dropped a perceived obstacle")
	}

	if err := b.UnlockBoard(ctx); err != nil {
		t.Fatalf("UnlockBoard: %v", err)
	}
	b.Refresh(model.TagSnapshot{})
	g := b.Grid()
	if !g.IsFree(model.C(1, 1)) || g.IsFree(model.C(0, 0)) {
		t.Fatalf("obstacles = %v, want only the static (0,0)", g.ObstacleCells())
	}
}

func TestBoardRoiSelectionUnlocks(t *testing.T) {
	b := NewBoard(testBoard, nil, BoardDeps{})
	ctx := context.Background()
	center := testBoard.CellCenter(model.C(2, 2))
	b.Refresh(model.TagSnapshot{Obstacles: []model.Obstacle{{X: center.X, Y: center.Y}}})
	_ = b.LockBoard(ctx)

	if err := b.StartROISelection(ctx); err != nil {
		t.Fatalf("StartROISelection: %v", err)
	}
	if b.Locked() || !b.Grid().IsFree(model.C(2, 2)) {
		t.Fatalf("after roi selection locked=%v obstacles=%v", b.Locked(), b.Grid().ObstacleCells())
	}

	on, _ := b.ToggleVisualization(ctx)
	off, _ := b.ToggleVisualization(ctx)
	if !on || off {
		t.Fatalf("ToggleVisualization = %v then %v, want true then false", on, off)
	}
}

func TestBoardSaveGrid(t *testing.T) {
	clock := timectrl.NewTimeController(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC), time.Second, timectrl.Accelerated)
	store := perception.NewStore(testBoard, clock, 0)
	store.Observe(perception.Pose{RobotID: 4, PositionCM: testBoard.CellCenter(model.C(2, 1)), HeadingDeg: 0})

	static := model.NewGrid(3, 3)
	static.Mark(model.C(1, 2))
	dir := t.TempDir()
	b := NewBoard(testBoard, static, BoardDeps{
		GridDir: dir,
		Clock:   clock,
		Tags:    store,
		Homes: func(rid int) (model.Cell, bool) {
			return model.C(0, 0), rid == 4
		},
	})

	path, err := b.SaveGrid(context.Background())
	if err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}
	sc, err := config.LoadScenarioFile(path)
	if err != nil {
		t.Fatalf("LoadScenarioFile(%s): %v", path, err)
	}
	if len(sc.Obstacles) != 1 || sc.Obstacles[0] != model.C(1, 2) {
		t.Fatalf("Obstacles = %v, want [(1,2)]", sc.Obstacles)
	}
	if len(sc.Robots) != 1 {
		t.Fatalf("Robots = %+v, want one", sc.Robots)
	}
	r := sc.Robots[0]
	if r.ID != 4 || r.Start != model.C(2, 1) || r.Heading != command.East || r.Home == nil || *r.Home != model.C(0, 0) {
		t.Fatalf("robot = %+v", r)
	}
}

func TestBoardSaveGridWithoutDir(t *testing.T) {
	b := NewBoard(testBoard, nil, BoardDeps{})
	path, err := b.SaveGrid(context.Background())
	if path != "" || err != nil {
		t.Fatalf("SaveGrid = %q, %v, want empty", path, err)
	}
}

func newSimRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Grid.Rows, cfg.Grid.Cols = 3, 3
	cfg.Tick.Period = 20 * time.Millisecond
	cfg.Sim.Enabled = true
	cfg.Sim.SpeedCMPS = 300
	cfg.Sim.TurnDegPS = 1800
	cfg.Sim.StepPeriod = 5 * time.Millisecond
	cfg.Sim.StayFor = 10 * time.Millisecond
	cfg.Scenario.Mode = scenario.ModeIdle
	cfg.Operator.GridDir = t.TempDir()

	sc := &config.Scenario{
		Rows:   3,
		Cols:   3,
		CellCM: 30,
		Robots: []config.RobotSpec{{ID: 1, Start: model.C(0, 0), Heading: command.East}},
	}
	rt, err := New(context.Background(), Options{Config: cfg, Scenario: sc, Log: logging.Noop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestNewWiresScenarioRobots(t *testing.T) {
	rt := newSimRuntime(t)
	if rt.Sim == nil {
		t.Fatalf("Sim = nil with sim enabled")
	}
	if c, ok := rt.Sim.Cell(1); !ok || c != model.C(0, 0) {
		t.Fatalf("sim cell of 1 = %v, %v", c, ok)
	}
	agents := rt.Scenario.Agents()
	if len(agents) != 1 || agents[0].ID != 1 {
		t.Fatalf("agents = %v, want robot 1", agents)
	}
	if rt.Scenario.ModeName() != scenario.ModeIdle {
		t.Fatalf("mode = %q, want idle", rt.Scenario.ModeName())
	}
}

func TestNewRejectsMissingConfig(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatalf("New without config succeeded")
	}
}

func TestRuntimeDrivesSimulatedRobotToGoal(t *testing.T) {
	rt := newSimRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	submit := func(cmd operator.Command) {
		t.Helper()
		cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
		defer ccancel()
		if _, err := rt.Queue.Submit(cctx, cmd); err != nil {
			t.Fatalf("%s: %v", cmd.Verb, err)
		}
	}
	submit(operator.Command{Verb: operator.VerbSetGoal, Robots: []int{1}, Cell: model.CellPtr(0, 2)})
	submit(operator.Command{Verb: operator.VerbComputePaths})

	deadline := time.Now().Add(10 * time.Second)
	for {
		c, _ := rt.Sim.Cell(1)
		if c == model.C(0, 2) && !rt.Controller.Active() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("robot 1 at %v (sequence active=%v), want (0,2)", c, rt.Controller.Active())
		}
		time.Sleep(20 * time.Millisecond)
	}

	rounds, err := rt.Journal.PlanRounds(context.Background(), 10)
	if err != nil {
		t.Fatalf("PlanRounds: %v", err)
	}
	planned := false
	for _, r := range rounds {
		planned = planned || r.Outcome == scenario.PlanOK
	}
	if !planned {
		t.Fatalf("plan rounds = %+v, want an ok round", rounds)
	}
}
