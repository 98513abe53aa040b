package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Grid.CellCM != 30 {
		t.Fatalf("Grid.CellCM = %v, want 30", cfg.Grid.CellCM)
	}
	if cfg.Scenario.Mode != scenario.ModeExplore {
		t.Fatalf("Scenario.Mode = %q, want %q", cfg.Scenario.Mode, scenario.ModeExplore)
	}
	if got := cfg.Board(); got != (model.Board{Rows: 8, Cols: 8, CellCM: 30}) {
		t.Fatalf("Board() = %+v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := Default()
	if cfg.Grid != d.Grid || cfg.Controller != d.Controller || cfg.Guard != d.Guard || cfg.Release != d.Release {
		t.Fatalf("Load(New()) = %+v, want defaults", cfg)
	}
	if cfg.Scenario != d.Scenario || cfg.Transport != d.Transport || cfg.Sim != d.Sim || cfg.Tick != d.Tick {
		t.Fatalf("Load(New()) = %+v, want defaults", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	body := `
grid:
  rows: 6
  cols: 10
controller:
  alignment_delay: 750ms
  topics:
    commands: lab/commands
release:
  manage_window: 2s
scenario:
  mode: home_table
  enabled: true
operator:
  presets: [1, 2, 3]
sim:
  enabled: true
  speed_cmps: 45
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("FLEET_GRID_COLS", "12")
	t.Setenv("FLEET_TRANSPORT_KIND", "mqtt")

	v := New()
	if err := ReadFile(v, path); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Grid.Rows != 6 || cfg.Grid.Cols != 12 {
		t.Fatalf("grid = %dx%d, want 6x12 (env wins over file)", cfg.Grid.Rows, cfg.Grid.Cols)
	}
	if cfg.Controller.AlignmentDelay != 750*time.Millisecond {
		t.Fatalf("AlignmentDelay = %v, want 750ms", cfg.Controller.AlignmentDelay)
	}
	if cfg.Controller.Topics.Commands != "lab/commands" || cfg.Controller.Topics.Done != "robot/done" {
		t.Fatalf("Topics = %+v", cfg.Controller.Topics)
	}
	if cfg.Release.ManageWindow != 2*time.Second {
		t.Fatalf("ManageWindow = %v, want 2s", cfg.Release.ManageWindow)
	}
	if cfg.Scenario.Mode != scenario.ModeHomeTable || !cfg.Scenario.Enabled {
		t.Fatalf("Scenario = %+v", cfg.Scenario)
	}
	if !reflect.DeepEqual(cfg.Operator.Presets, []int{1, 2, 3}) {
		t.Fatalf("Presets = %v, want [1 2 3]", cfg.Operator.Presets)
	}
	if !cfg.Sim.Enabled || cfg.Sim.SpeedCMPS != 45 || cfg.Sim.TurnDegPS != 180 {
		t.Fatalf("Sim = %+v", cfg.Sim)
	}
	if cfg.Transport.Kind != TransportMQTT {
		t.Fatalf("Transport.Kind = %q, want mqtt", cfg.Transport.Kind)
	}
}

func TestReadFileMissing(t *testing.T) {
	if err := ReadFile(New(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("ReadFile(absent) succeeded, want error")
	}
	if err := ReadFile(New(), ""); err != nil {
		t.Fatalf("ReadFile(\"\") = %v, want nil", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Grid.Rows = 0
	cfg.Scenario.Mode = "dance"
	cfg.Transport.Kind = "carrier-pigeon"
	cfg.Tracing.SampleRatio = 2
	cfg.Grid.CellCM = 10

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"grid must have", "scenario.mode", "transport.kind", "sample_ratio", "corridor_gate"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate error %q does not mention %q", err, want)
		}
	}
}

func TestLoadScenario(t *testing.T) {
	src := `
grid: {rows: 4, cols: 5, cell_cm: 25}
obstacles:
  - [1, 1]
  - {row: 2, col: 3}
robots:
  - {id: 2, start: [3, 4], heading: w, home: [3, 4]}
  - {id: 1, start: [0, 0]}
`
	sc, err := LoadScenario(strings.NewReader(src))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Rows != 4 || sc.Cols != 5 || sc.CellCM != 25 {
		t.Fatalf("grid = %dx%d @ %v", sc.Rows, sc.Cols, sc.CellCM)
	}
	g := sc.Grid()
	if g.IsFree(model.C(1, 1)) || g.IsFree(model.C(2, 3)) || !g.IsFree(model.C(0, 0)) {
		t.Fatalf("obstacles not applied: %v", g.ObstacleCells())
	}
	if len(sc.Robots) != 2 || sc.Robots[0].Heading != command.West || sc.Robots[1].Heading != command.North {
		t.Fatalf("Robots = %+v", sc.Robots)
	}
	home, ok := sc.Homes()(2)
	if !ok || home != model.C(3, 4) {
		t.Fatalf("home of 2 = %v, %v", home, ok)
	}
	if _, ok := sc.Homes()(1); ok {
		t.Fatalf("robot 1 has a home, want none")
	}
}

func TestLoadScenarioRejects(t *testing.T) {
	cases := map[string]string{
		"no grid":        "robots: []",
		"off board":      "grid: {rows: 2, cols: 2}\nobstacles: [[5, 5]]",
		"blocked start":  "grid: {rows: 2, cols: 2}\nobstacles: [[0, 0]]\nrobots: [{id: 1, start: [0, 0]}]",
		"duplicate id":   "grid: {rows: 2, cols: 2}\nrobots: [{id: 1, start: [0, 0]}, {id: 1, start: [1, 1]}]",
		"shared start":   "grid: {rows: 2, cols: 2}\nrobots: [{id: 1, start: [0, 0]}, {id: 2, start: [0, 0]}]",
		"bad heading":    "grid: {rows: 2, cols: 2}\nrobots: [{id: 1, start: [0, 0], heading: up}]",
		"short cell":     "grid: {rows: 2, cols: 2}\nobstacles: [[1]]",
		"unknown field":  "grid: {rows: 2, cols: 2}\nwalls: []",
		"cell w/o col":   "grid: {rows: 2, cols: 2}\nobstacles: [{row: 1}]",
	}
	for name, src := range cases {
		if _, err := LoadScenario(strings.NewReader(src)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: LoadScenario = %v, want ErrInvalid", name, err)
		}
	}
}

func TestSaveGridRoundTrip(t *testing.T) {
	g := model.NewGrid(3, 4)
	g.Mark(model.C(0, 3))
	g.Mark(model.C(2, 1))
	robots := []RobotSpec{
		{ID: 7, Start: model.C(1, 1), Heading: command.South},
		{ID: 3, Start: model.C(0, 0), Home: model.CellPtr(0, 0)},
	}
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	path, err := SaveGrid(filepath.Join(t.TempDir(), "grids"), at, g, 30, robots)
	if err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}
	if filepath.Base(path) != "grid_20260304_050607.yaml" {
		t.Fatalf("path = %s", path)
	}
	sc, err := LoadScenarioFile(path)
	if err != nil {
		t.Fatalf("LoadScenarioFile: %v", err)
	}
	if !reflect.DeepEqual(sc.Obstacles, []model.Cell{model.C(0, 3), model.C(2, 1)}) {
		t.Fatalf("Obstacles = %v", sc.Obstacles)
	}
	if len(sc.Robots) != 2 || sc.Robots[0].ID != 3 || sc.Robots[1].Heading != command.South {
		t.Fatalf("Robots = %+v", sc.Robots)
	}
	if sc.Robots[0].Home == nil || *sc.Robots[0].Home != model.C(0, 0) {
		t.Fatalf("home of 3 = %v", sc.Robots[0].Home)
	}
}

func TestWriteScenarioUsesFlowCells(t *testing.T) {
	g := model.NewGrid(2, 2)
	g.Mark(model.C(1, 0))
	var buf bytes.Buffer
	if err := WriteScenario(&buf, g, 30, nil); err != nil {
		t.Fatalf("WriteScenario: %v", err)
	}
	if !strings.Contains(buf.String(), "- [1, 0]") {
		t.Fatalf("output = %q, want flow-style cell", buf.String())
	}
}
