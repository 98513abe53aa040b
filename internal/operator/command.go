// Package operator is the operator command surface. Commands arrive over
// gRPC (or from the CLI), are queued, and are executed one at a time by a
// Dispatcher against the controller and the scenario manager.
package operator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/fleet-coordinator/model"
)

var (
	// ErrUnknownCommand is returned for a verb the dispatcher does not know.
	ErrUnknownCommand = errors.New("unknown operator command")
	// ErrInvalidArgument is returned for missing or malformed arguments.
	ErrInvalidArgument = errors.New("invalid operator argument")
	// ErrQueueClosed is returned once the command queue has shut down.
	ErrQueueClosed = errors.New("operator queue closed")
)

// Operator verbs.
const (
	VerbSelectRobot         = "select_robot"
	VerbComputePaths        = "compute_paths"
	VerbLockBoard           = "lock_board"
	VerbUnlockBoard         = "unlock_board"
	VerbToggleVisualization = "toggle_visualization"
	VerbStartROISelection   = "start_roi_selection"
	VerbCenterAlign         = "center_align"
	VerbDirectionAlign      = "direction_align"
	VerbPause               = "pause"
	VerbResume              = "resume"
	VerbImmediateStop       = "immediate_stop"
	VerbEmergencyStop       = "emergency_stop"
	VerbSaveGrid            = "save_grid"
	VerbResetAll            = "reset_all"
	VerbManualToggle        = "manual_toggle"
	VerbGoalAlignToggle     = "goalalign_toggle"
	VerbQuit                = "quit"
	VerbSetGoal             = "set_goal"
	VerbScenarioEnable      = "scenario_enable"
	VerbScenarioDisable     = "scenario_disable"
	VerbSetMode             = "set_mode"
)

// Verbs lists every verb, sorted.
func Verbs() []string {
	out := []string{
		VerbSelectRobot, VerbComputePaths, VerbLockBoard, VerbUnlockBoard,
		VerbToggleVisualization, VerbStartROISelection, VerbCenterAlign,
		VerbDirectionAlign, VerbPause, VerbResume, VerbImmediateStop,
		VerbEmergencyStop, VerbSaveGrid, VerbResetAll, VerbManualToggle,
		VerbGoalAlignToggle, VerbQuit, VerbSetGoal, VerbScenarioEnable,
		VerbScenarioDisable, VerbSetMode,
	}
	sort.Strings(out)
	return out
}

// Command is one operator request. Robots empty means "the selected robot,
// or every known robot".
type Command struct {
	Verb   string
	Robots []int
	Cell   *model.Cell
	Mode   string
}

// Reply is the outcome of a command.
type Reply struct {
	Message string
	Robots  []int
}

// FromStruct decodes {"verb": "...", "robots": [..], "row": r, "col": c,
// "mode": "..."}. A single "robot" number is accepted in place of robots.
func FromStruct(s *structpb.Struct) (Command, error) {
	if s == nil {
		return Command{}, fmt.Errorf("%w: empty request", ErrInvalidArgument)
	}
	f := s.GetFields()
	cmd := Command{Verb: strings.TrimSpace(f["verb"].GetStringValue())}
	if cmd.Verb == "" {
		return Command{}, fmt.Errorf("%w: verb is required", ErrInvalidArgument)
	}
	if v, ok := f["robot"]; ok {
		rid, err := intValue(v)
		if err != nil {
			return Command{}, fmt.Errorf("%w: robot: %v", ErrInvalidArgument, err)
		}
		cmd.Robots = append(cmd.Robots, rid)
	}
	for _, v := range f["robots"].GetListValue().GetValues() {
		rid, err := intValue(v)
		if err != nil {
			return Command{}, fmt.Errorf("%w: robots: %v", ErrInvalidArgument, err)
		}
		cmd.Robots = append(cmd.Robots, rid)
	}
	row, hasRow := f["row"]
	col, hasCol := f["col"]
	if hasRow != hasCol {
		return Command{}, fmt.Errorf("%w: row and col go together", ErrInvalidArgument)
	}
	if hasRow {
		r, err := intValue(row)
		if err != nil {
			return Command{}, fmt.Errorf("%w: row: %v", ErrInvalidArgument, err)
		}
		c, err := intValue(col)
		if err != nil {
			return Command{}, fmt.Errorf("%w: col: %v", ErrInvalidArgument, err)
		}
		cmd.Cell = model.CellPtr(r, c)
	}
	cmd.Mode = f["mode"].GetStringValue()
	return cmd, nil
}

// ToStruct is the inverse of FromStruct.
func (c Command) ToStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{"verb": structpb.NewStringValue(c.Verb)}
	if len(c.Robots) > 0 {
		vals := make([]*structpb.Value, len(c.Robots))
		for i, rid := range c.Robots {
			vals[i] = structpb.NewNumberValue(float64(rid))
		}
		fields["robots"] = structpb.NewListValue(&structpb.ListValue{Values: vals})
	}
	if c.Cell != nil {
		fields["row"] = structpb.NewNumberValue(float64(c.Cell.Row))
		fields["col"] = structpb.NewNumberValue(float64(c.Cell.Col))
	}
	if c.Mode != "" {
		fields["mode"] = structpb.NewStringValue(c.Mode)
	}
	return &structpb.Struct{Fields: fields}
}

// ToStruct encodes the reply.
func (r Reply) ToStruct() *structpb.Struct {
	vals := make([]*structpb.Value, len(r.Robots))
	for i, rid := range r.Robots {
		vals[i] = structpb.NewNumberValue(float64(rid))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"message": structpb.NewStringValue(r.Message),
		"robots":  structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

// ReplyFromStruct decodes a reply.
func ReplyFromStruct(s *structpb.Struct) Reply {
	r := Reply{Message: s.GetFields()["message"].GetStringValue()}
	for _, v := range s.GetFields()["robots"].GetListValue().GetValues() {
		if rid, err := intValue(v); err == nil {
			r.Robots = append(r.Robots, rid)
		}
	}
	return r
}

func intValue(v *structpb.Value) (int, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("want a number, got %T", v.GetKind())
	}
	if n.NumberValue != float64(int(n.NumberValue)) {
		return 0, fmt.Errorf("want an integer, got %v", n.NumberValue)
	}
	return int(n.NumberValue), nil
}
