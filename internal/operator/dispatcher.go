package operator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Fleet is the part of the robot controller the operator drives.
type Fleet interface {
	Pause(ids []int)
	Resume(ids []int)
	ImmediateStop(ids []int)
	EmergencyStopAll() []int
	ReleaseAll(ids []int)
	RunCenterAlign(ids []int, release bool)
	RunDirectionAlign(ids []int, release bool)
	RegisterStepGoals(goals map[int]model.Cell)
	ClearStepGoals()
	GoToStepGoal(ids []int)
	StartSequence(cmdMap map[int][]string, plan model.StepCellPlan) (string, error)
	Active() bool
	CurrentStep() int
	SequenceID() string
	Paused() []int
}

// Scenario is the part of the scenario manager the operator drives.
type Scenario interface {
	ReplanNow(ctx context.Context)
	ResetAll()
	SetGoal(rid int, goal model.Cell) error
	SetEnabled(on bool)
	Enabled() bool
	SetMode(mode scenario.Mode)
	ModeName() string
	Agents() []*model.Agent
}

// BoardControl handles the perception-side verbs. It is optional.
type BoardControl interface {
	LockBoard(ctx context.Context) error
	UnlockBoard(ctx context.Context) error
	ToggleVisualization(ctx context.Context) (bool, error)
	StartROISelection(ctx context.Context) error
	SaveGrid(ctx context.Context) (string, error)
}

// ModeFactory builds a scenario mode by name.
type ModeFactory func(name string) (scenario.Mode, error)

// DispatcherDeps wires a Dispatcher.
type DispatcherDeps struct {
	Fleet    Fleet
	Scenario Scenario
	Board    BoardControl
	Tags     model.TagSource
	Grid     func() *model.Grid
	CellCM   float64
	Modes    ModeFactory
	// Presets are the robots addressed when nothing is selected.
	Presets []int
	// Quit is called for the quit verb.
	Quit func()
	Log  logging.Logger
}

// Dispatcher executes operator commands. Manual mode replaces planning with
// operator-drawn paths; goal-align mode turns set_goal into a direct drive
// of the selected robots to the chosen cell.
type Dispatcher struct {
	fleet   Fleet
	scen    Scenario
	board   BoardControl
	tags    model.TagSource
	grid    func() *model.Grid
	cellCM  float64
	modes   ModeFactory
	presets []int
	quit    func()
	log     logging.Logger

	mu        sync.Mutex
	selected  map[int]bool
	goalRobot int
	manual    bool
	goalAlign bool
	drawn     map[int][]model.Cell
}

// NewDispatcher returns a dispatcher with nothing selected and both
// toggles off.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	modes := deps.Modes
	if modes == nil {
		modes = func(name string) (scenario.Mode, error) {
			return scenario.NewMode(name, scenario.ModeOptions{})
		}
	}
	return &Dispatcher{
		fleet:     deps.Fleet,
		scen:      deps.Scenario,
		board:     deps.Board,
		tags:      deps.Tags,
		grid:      deps.Grid,
		cellCM:    deps.CellCM,
		modes:     modes,
		presets:   append([]int(nil), deps.Presets...),
		quit:      deps.Quit,
		log:       logging.OrNoop(deps.Log),
		selected:  make(map[int]bool),
		goalRobot: -1,
		drawn:     make(map[int][]model.Cell),
	}
}

// Status is a point-in-time view of operator and fleet state.
type Status struct {
	Selected        []int
	Manual          bool
	GoalAlign       bool
	ScenarioEnabled bool
	Mode            string
	Active          bool
	SequenceID      string
	Step            int
	Paused          []int
	Agents          []int
}

// Status reports the current state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	st := Status{
		Selected:  sortedSet(d.selected),
		Manual:    d.manual,
		GoalAlign: d.goalAlign,
	}
	d.mu.Unlock()

	st.ScenarioEnabled = d.scen.Enabled()
	st.Mode = d.scen.ModeName()
	st.Active = d.fleet.Active()
	st.SequenceID = d.fleet.SequenceID()
	st.Step = d.fleet.CurrentStep()
	st.Paused = d.fleet.Paused()
	for _, a := range d.scen.Agents() {
		st.Agents = append(st.Agents, a.ID)
	}
	return st
}

// Execute runs one command.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (Reply, error) {
	ctx, span := startChildSpan(ctx, "operator/execute", cmd.Verb, attribute.IntSlice("operator.robots", cmd.Robots))
	defer span.End()
	log := logging.LoggerFromContext(ctx, d.log)

	reply, err := d.execute(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		log.Warn(ctx, "operator command failed", logging.String("verb", cmd.Verb), logging.Err(err))
		return Reply{}, err
	}
	log.Info(ctx, "operator command",
		logging.String("verb", cmd.Verb),
		logging.Any("robots", reply.Robots),
		logging.String("result", reply.Message),
	)
	return reply, nil
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) (Reply, error) {
	switch cmd.Verb {
	case VerbSelectRobot:
		return d.selectRobots(cmd.Robots)

	case VerbComputePaths:
		if d.isManual() {
			return d.commitDrawn(ctx)
		}
		targets := d.targets(nil)
		d.fleet.ReleaseAll(targets)
		d.scen.ReplanNow(ctx)
		return Reply{Message: "planning requested", Robots: targets}, nil

	case VerbLockBoard:
		return d.boardVerb(ctx, cmd.Verb, func(b BoardControl) (string, error) {
			return "board locked", b.LockBoard(ctx)
		})
	case VerbUnlockBoard:
		return d.boardVerb(ctx, cmd.Verb, func(b BoardControl) (string, error) {
			return "board unlocked", b.UnlockBoard(ctx)
		})
	case VerbToggleVisualization:
		return d.boardVerb(ctx, cmd.Verb, func(b BoardControl) (string, error) {
			on, err := b.ToggleVisualization(ctx)
			return "visualization " + onOff(on), err
		})
	case VerbStartROISelection:
		return d.boardVerb(ctx, cmd.Verb, func(b BoardControl) (string, error) {
			return "roi selection started", b.StartROISelection(ctx)
		})
	case VerbSaveGrid:
		return d.boardVerb(ctx, cmd.Verb, func(b BoardControl) (string, error) {
			path, err := b.SaveGrid(ctx)
			if path == "" && err == nil {
				return "no grid to save", nil
			}
			return "grid saved to " + path, err
		})

	case VerbCenterAlign:
		targets := d.targets(cmd.Robots)
		d.fleet.ReleaseAll(targets)
		d.fleet.RunCenterAlign(targets, false)
		return Reply{Message: "center alignment sent", Robots: targets}, nil
	case VerbDirectionAlign:
		targets := d.targets(cmd.Robots)
		d.fleet.ReleaseAll(targets)
		d.fleet.RunDirectionAlign(targets, false)
		return Reply{Message: "direction alignment sent", Robots: targets}, nil

	case VerbPause:
		targets := d.targets(cmd.Robots)
		if len(targets) == 0 {
			return Reply{Message: "no robots to pause"}, nil
		}
		d.fleet.Pause(targets)
		return Reply{Message: "paused", Robots: targets}, nil
	case VerbResume:
		targets := d.targets(cmd.Robots)
		if len(targets) == 0 {
			return Reply{Message: "no robots to resume"}, nil
		}
		d.fleet.Resume(targets)
		return Reply{Message: "resumed", Robots: targets}, nil
	case VerbImmediateStop:
		targets := d.targets(cmd.Robots)
		if len(targets) == 0 {
			return Reply{Message: "no robots to stop"}, nil
		}
		d.fleet.ImmediateStop(targets)
		return Reply{Message: "stopped", Robots: targets}, nil
	case VerbEmergencyStop:
		return Reply{Message: "emergency stop", Robots: d.fleet.EmergencyStopAll()}, nil

	case VerbResetAll:
		d.scen.ResetAll()
		d.mu.Lock()
		d.drawn = make(map[int][]model.Cell)
		d.mu.Unlock()
		return Reply{Message: "reset"}, nil

	case VerbManualToggle:
		d.mu.Lock()
		d.manual = !d.manual
		on := d.manual
		if !on {
			d.drawn = make(map[int][]model.Cell)
		}
		d.mu.Unlock()
		return Reply{Message: "manual mode " + onOff(on)}, nil

	case VerbGoalAlignToggle:
		d.mu.Lock()
		d.goalAlign = !d.goalAlign
		on := d.goalAlign
		d.mu.Unlock()
		if !on {
			d.fleet.ClearStepGoals()
		}
		return Reply{Message: "goal align " + onOff(on)}, nil

	case VerbQuit:
		if d.quit != nil {
			d.quit()
		}
		return Reply{Message: "quitting"}, nil

	case VerbSetGoal:
		return d.setGoal(cmd)

	case VerbScenarioEnable:
		d.scen.SetEnabled(true)
		return Reply{Message: "scenario enabled"}, nil
	case VerbScenarioDisable:
		d.scen.SetEnabled(false)
		return Reply{Message: "scenario disabled"}, nil
	case VerbSetMode:
		if cmd.Mode == "" {
			return Reply{}, fmt.Errorf("%w: mode is required", ErrInvalidArgument)
		}
		mode, err := d.modes(cmd.Mode)
		if err != nil {
			return Reply{}, err
		}
		d.scen.SetMode(mode)
		return Reply{Message: "mode " + d.scen.ModeName()}, nil
	}
	return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Verb)
}

// selectRobots toggles each robot in the selection. The last one toggled
// becomes the set_goal target.
func (d *Dispatcher) selectRobots(ids []int) (Reply, error) {
	if len(ids) == 0 {
		return Reply{}, fmt.Errorf("%w: select_robot needs a robot", ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rid := range ids {
		if d.selected[rid] {
			delete(d.selected, rid)
		} else {
			d.selected[rid] = true
		}
		d.goalRobot = rid
	}
	return Reply{Message: fmt.Sprintf("goal target %d", d.goalRobot), Robots: sortedSet(d.selected)}, nil
}

func (d *Dispatcher) setGoal(cmd Command) (Reply, error) {
	if cmd.Cell == nil {
		return Reply{}, fmt.Errorf("%w: set_goal needs row and col", ErrInvalidArgument)
	}
	cell := *cmd.Cell
	if g := d.currentGrid(); g != nil && !g.InBounds(cell) {
		return Reply{}, fmt.Errorf("%w: cell %s is off the board", ErrInvalidArgument, cell)
	}

	d.mu.Lock()
	manual, goalAlign := d.manual, d.goalAlign
	selected := sortedSet(d.selected)
	rid := d.goalRobot
	d.mu.Unlock()
	if len(cmd.Robots) > 0 {
		rid = cmd.Robots[0]
	}

	switch {
	case manual:
		if rid < 0 {
			return Reply{}, fmt.Errorf("%w: no robot selected", ErrInvalidArgument)
		}
		return d.drawTo(rid, cell)

	case goalAlign:
		targets := cmd.Robots
		if len(targets) == 0 {
			targets = selected
		}
		if len(targets) == 0 {
			return Reply{}, fmt.Errorf("%w: no robot selected", ErrInvalidArgument)
		}
		goals := make(map[int]model.Cell, len(targets))
		for _, r := range targets {
			goals[r] = cell
		}
		d.fleet.RegisterStepGoals(goals)
		d.fleet.GoToStepGoal(targets)
		return Reply{Message: "driving to " + cell.String(), Robots: targets}, nil
	}

	if rid < 0 {
		return Reply{}, fmt.Errorf("%w: no robot selected", ErrInvalidArgument)
	}
	if err := d.scen.SetGoal(rid, cell); err != nil {
		return Reply{}, err
	}
	d.mu.Lock()
	if len(cmd.Robots) == 0 {
		d.goalRobot = -1
	}
	d.mu.Unlock()
	return Reply{Message: "goal " + cell.String(), Robots: []int{rid}}, nil
}

// drawTo extends rid's manual path to cell, row first then column. The
// path starts at the robot's observed cell.
func (d *Dispatcher) drawTo(rid int, cell model.Cell) (Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := d.drawn[rid]
	if len(path) == 0 {
		tag, ok := d.tags.Snapshot().Visible(rid)
		if !ok {
			return Reply{}, fmt.Errorf("%w: robot %d is not visible", scenario.ErrUnknownAgent, rid)
		}
		path = []model.Cell{tag.GridPosition}
	}
	cur := path[len(path)-1]
	grid := d.currentGrid()
	for cur != cell {
		switch {
		case cur.Row < cell.Row:
			cur.Row++
		case cur.Row > cell.Row:
			cur.Row--
		case cur.Col < cell.Col:
			cur.Col++
		default:
			cur.Col--
		}
		if grid != nil && !grid.IsFree(cur) {
			return Reply{}, fmt.Errorf("%w: manual path crosses blocked cell %s", ErrInvalidArgument, cur)
		}
		path = append(path, cur)
	}
	d.drawn[rid] = path
	return Reply{Message: fmt.Sprintf("manual path %d cells", len(path)), Robots: []int{rid}}, nil
}

// commitDrawn dispatches the manual paths as one sequence.
func (d *Dispatcher) commitDrawn(ctx context.Context) (Reply, error) {
	d.mu.Lock()
	drawn := d.drawn
	d.drawn = make(map[int][]model.Cell)
	d.mu.Unlock()

	snap := d.tags.Snapshot()
	cmdMap := make(map[int][]string)
	plan := model.StepCellPlan{}
	for rid, path := range drawn {
		if len(path) < 2 {
			continue
		}
		tag, ok := snap.Visible(rid)
		cmdMap[rid] = command.FromPath(path, command.InitialHeading(tag, ok), d.cellCM)
		for i := 0; i+1 < len(path); i++ {
			plan.Add(i, rid, path[i], path[i+1])
		}
	}
	if len(cmdMap) == 0 {
		return Reply{Message: "no manual paths"}, nil
	}
	robots := make([]int, 0, len(cmdMap))
	for rid := range cmdMap {
		robots = append(robots, rid)
	}
	sort.Ints(robots)
	d.fleet.ReleaseAll(robots)
	id, err := d.fleet.StartSequence(cmdMap, plan)
	if err != nil {
		return Reply{}, fmt.Errorf("start manual sequence: %w", err)
	}
	logging.LoggerFromContext(ctx, d.log).Debug(ctx, "manual sequence started", logging.String("sequence", id))
	return Reply{Message: "manual sequence " + id, Robots: robots}, nil
}

func (d *Dispatcher) boardVerb(ctx context.Context, verb string, f func(BoardControl) (string, error)) (Reply, error) {
	if d.board == nil {
		logging.LoggerFromContext(ctx, d.log).Info(ctx, "board control not attached; ignoring", logging.String("verb", verb))
		return Reply{Message: "board control unavailable"}, nil
	}
	msg, err := f(d.board)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", verb, err)
	}
	return Reply{Message: msg}, nil
}

// targets resolves the robots a command addresses: explicit ids, else the
// selection, else the presets, else every visible robot.
func (d *Dispatcher) targets(explicit []int) []int {
	if len(explicit) > 0 {
		return explicit
	}
	d.mu.Lock()
	sel := sortedSet(d.selected)
	d.mu.Unlock()
	if len(sel) > 0 {
		return sel
	}
	if len(d.presets) > 0 {
		return append([]int(nil), d.presets...)
	}
	if d.tags == nil {
		return nil
	}
	return d.tags.Snapshot().VisibleIDs()
}

func (d *Dispatcher) isManual() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manual
}

func (d *Dispatcher) currentGrid() *model.Grid {
	if d.grid == nil {
		return nil
	}
	return d.grid()
}

func sortedSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
