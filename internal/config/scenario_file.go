package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Scenario is a board layout loaded from YAML:
//
//	grid: {rows: 8, cols: 8, cell_cm: 30}
//	obstacles: [[2, 3], {row: 4, col: 4}]
//	robots:
//	  - {id: 1, start: [0, 0], heading: E, home: [0, 0]}
type Scenario struct {
	Rows      int
	Cols      int
	CellCM    float64
	Obstacles []model.Cell
	Robots    []RobotSpec
}

// RobotSpec places one robot.
type RobotSpec struct {
	ID      int
	Start   model.Cell
	Heading command.Heading
	Home    *model.Cell
}

type scenarioYAML struct {
	Grid struct {
		Rows   int     `yaml:"rows"`
		Cols   int     `yaml:"cols"`
		CellCM float64 `yaml:"cell_cm,omitempty"`
	} `yaml:"grid"`
	Obstacles []cellYAML  `yaml:"obstacles,omitempty"`
	Robots    []robotYAML `yaml:"robots,omitempty"`
}

type robotYAML struct {
	ID      int       `yaml:"id"`
	Start   cellYAML  `yaml:"start"`
	Heading string    `yaml:"heading,omitempty"`
	Home    *cellYAML `yaml:"home,omitempty"`
}

// cellYAML accepts either [row, col] or {row: r, col: c}.
type cellYAML model.Cell

func (c *cellYAML) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var pair []int
		if err := n.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("line %d: cell needs [row, col], got %d values", n.Line, len(pair))
		}
		*c = cellYAML{Row: pair[0], Col: pair[1]}
		return nil
	case yaml.MappingNode:
		var m struct {
			Row *int `yaml:"row"`
			Col *int `yaml:"col"`
		}
		if err := n.Decode(&m); err != nil {
			return err
		}
		if m.Row == nil || m.Col == nil {
			return fmt.Errorf("line %d: cell needs row and col", n.Line)
		}
		*c = cellYAML{Row: *m.Row, Col: *m.Col}
		return nil
	}
	return fmt.Errorf("line %d: cell must be a [row, col] pair or a mapping", n.Line)
}

func (c cellYAML) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range []int{c.Row, c.Col} {
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(v)})
	}
	return n, nil
}

var headingNames = map[string]command.Heading{
	"N": command.North, "NORTH": command.North,
	"E": command.East, "EAST": command.East,
	"S": command.South, "SOUTH": command.South,
	"W": command.West, "WEST": command.West,
}

// LoadScenario decodes and validates a scenario.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var raw scenarioYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: scenario: decode: %v", ErrInvalid, err)
	}

	sc := &Scenario{Rows: raw.Grid.Rows, Cols: raw.Grid.Cols, CellCM: raw.Grid.CellCM}
	if sc.Rows <= 0 || sc.Cols <= 0 {
		return nil, fmt.Errorf("%w: scenario: grid must have positive rows and cols", ErrInvalid)
	}
	grid := model.NewGrid(sc.Rows, sc.Cols)
	for _, o := range raw.Obstacles {
		c := model.Cell(o)
		if !grid.InBounds(c) {
			return nil, fmt.Errorf("%w: scenario: obstacle %s is off the board", ErrInvalid, c)
		}
		sc.Obstacles = append(sc.Obstacles, c)
		grid.Mark(c)
	}

	seen := make(map[int]bool)
	taken := make(map[model.Cell]int)
	for _, r := range raw.Robots {
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: scenario: robot %d listed twice", ErrInvalid, r.ID)
		}
		seen[r.ID] = true
		spec := RobotSpec{ID: r.ID, Start: model.Cell(r.Start)}
		if !grid.IsFree(spec.Start) {
			return nil, fmt.Errorf("%w: scenario: robot %d starts on blocked cell %s", ErrInvalid, r.ID, spec.Start)
		}
		if other, ok := taken[spec.Start]; ok {
			return nil, fmt.Errorf("%w: scenario: robots %d and %d share %s", ErrInvalid, other, r.ID, spec.Start)
		}
		taken[spec.Start] = r.ID
		if r.Heading != "" {
			h, ok := headingNames[strings.ToUpper(r.Heading)]
			if !ok {
				return nil, fmt.Errorf("%w: scenario: robot %d heading %q", ErrInvalid, r.ID, r.Heading)
			}
			spec.Heading = h
		}
		if r.Home != nil {
			home := model.Cell(*r.Home)
			if !grid.IsFree(home) {
				return nil, fmt.Errorf("%w: scenario: robot %d home %s is blocked", ErrInvalid, r.ID, home)
			}
			spec.Home = &home
		}
		sc.Robots = append(sc.Robots, spec)
	}
	return sc, nil
}

// LoadScenarioFile reads a scenario from path.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// Grid builds the occupancy grid.
func (s *Scenario) Grid() *model.Grid {
	g := model.NewGrid(s.Rows, s.Cols)
	for _, c := range s.Obstacles {
		g.Mark(c)
	}
	return g
}

// Homes returns a lookup of robot home cells.
func (s *Scenario) Homes() func(rid int) (model.Cell, bool) {
	homes := make(map[int]model.Cell)
	for _, r := range s.Robots {
		if r.Home != nil {
			homes[r.ID] = *r.Home
		}
	}
	return func(rid int) (model.Cell, bool) {
		c, ok := homes[rid]
		return c, ok
	}
}

// WriteScenario encodes grid obstacles and robots as scenario YAML.
func WriteScenario(w io.Writer, grid *model.Grid, cellCM float64, robots []RobotSpec) error {
	var raw scenarioYAML
	raw.Grid.Rows, raw.Grid.Cols, raw.Grid.CellCM = grid.Rows, grid.Cols, cellCM
	for _, c := range grid.ObstacleCells() {
		raw.Obstacles = append(raw.Obstacles, cellYAML(c))
	}
	sorted := append([]RobotSpec(nil), robots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, r := range sorted {
		ry := robotYAML{ID: r.ID, Start: cellYAML(r.Start), Heading: headingLetter(r.Heading)}
		if r.Home != nil {
			h := cellYAML(*r.Home)
			ry.Home = &h
		}
		raw.Robots = append(raw.Robots, ry)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&raw); err != nil {
		return fmt.Errorf("scenario: encode: %w", err)
	}
	return enc.Close()
}

// SaveGrid writes a timestamped scenario snapshot into dir and returns its
// path.
func SaveGrid(dir string, at time.Time, grid *model.Grid, cellCM float64, robots []RobotSpec) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scenario: create %s: %w", dir, err)
	}
	var buf bytes.Buffer
	if err := WriteScenario(&buf, grid, cellCM, robots); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "grid_"+at.Format("20060102_150405")+".yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("scenario: write %s: %w", path, err)
	}
	return path, nil
}

func headingLetter(h command.Heading) string {
	return [4]string{"N", "E", "S", "W"}[h&3]
}
