package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/config"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// Board is the occupancy grid shared by the planner and the operator.
// While unlocked, perceived obstacles are rasterised into it on every tick.
// A locked board keeps its cells until it is unlocked again.
type Board struct {
	geom  model.Board
	dir   string
	clock timectrl.SimClock
	tags  model.TagSource
	homes scenario.HomeProvider
	log   logging.Logger

	mu     sync.Mutex
	static *model.Grid
	grid   *model.Grid
	locked bool
	visual bool
}

// BoardDeps wires a Board. Tags and Clock are required for SaveGrid.
type BoardDeps struct {
	// GridDir receives save_grid snapshots.
	GridDir string
	Clock   timectrl.SimClock
	Tags    model.TagSource
	Homes   scenario.HomeProvider
	Log     logging.Logger
}

// NewBoard returns an unlocked board. static holds the fixed obstacles; nil
// is an empty grid of the board size.
func NewBoard(geom model.Board, static *model.Grid, deps BoardDeps) *Board {
	if static == nil {
		static = model.NewGrid(geom.Rows, geom.Cols)
	}
	clock := deps.Clock
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	return &Board{
		geom:   geom,
		dir:    deps.GridDir,
		clock:  clock,
		tags:   deps.Tags,
		homes:  deps.Homes,
		log:    logging.OrNoop(deps.Log),
		static: static.Clone(),
		grid:   static.Clone(),
	}
}

// Grid returns a copy of the current grid.
func (b *Board) Grid() *model.Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grid.Clone()
}

// Locked reports whether perceived obstacles are frozen.
func (b *Board) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Refresh rebuilds the grid from the static obstacles plus every perceived
// obstacle in snap. It does nothing while the board is locked.
func (b *Board) Refresh(snap model.TagSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return
	}
	g := b.static.Clone()
	for _, o := range snap.Obstacles {
		b.rasterise(g, o)
	}
	b.grid = g
}

// rasterise marks the cell holding the obstacle centre and every cell whose
// centre lies inside the obstacle radius.
func (b *Board) rasterise(g *model.Grid, o model.Obstacle) {
	center := o.Center()
	if c := b.geom.CellAt(center); g.InBounds(c) {
		g.Mark(c)
	}
	for r := 0; r < b.geom.Rows; r++ {
		for c := 0; c < b.geom.Cols; c++ {
			cell := model.C(r, c)
			if b.geom.CellCenter(cell).DistanceTo(center) <= o.RadiusCM {
				g.Mark(cell)
			}
		}
	}
}

// LockBoard freezes the grid.
func (b *Board) LockBoard(ctx context.Context) error {
	b.mu.Lock()
	b.locked = true
	n := len(b.grid.ObstacleCells())
	b.mu.Unlock()
	b.log.Info(ctx, "board locked", logging.Int("obstacles", n))
	return nil
}

// UnlockBoard lets perceived obstacles update the grid again.
func (b *Board) UnlockBoard(ctx context.Context) error {
	b.mu.Lock()
	b.locked = false
	b.mu.Unlock()
	b.log.Info(ctx, "board unlocked")
	return nil
}

// ToggleVisualization flips the overlay flag and returns the new state.
func (b *Board) ToggleVisualization(ctx context.Context) (bool, error) {
	b.mu.Lock()
	b.visual = !b.visual
	on := b.visual
	b.mu.Unlock()
	b.log.Info(ctx, "visualization toggled", logging.Bool("on", on))
	return on, nil
}

// StartROISelection drops perceived obstacles and unlocks the board so the
// next tick rebuilds the grid from the new region.
func (b *Board) StartROISelection(ctx context.Context) error {
	b.mu.Lock()
	b.locked = false
	b.grid = b.static.Clone()
	b.mu.Unlock()
	b.log.Info(ctx, "roi selection started")
	return nil
}

// SaveGrid writes the grid and the visible robots as a scenario file.
func (b *Board) SaveGrid(ctx context.Context) (string, error) {
	if b.dir == "" {
		return "", nil
	}
	grid := b.Grid()
	var robots []config.RobotSpec
	if b.tags != nil {
		snap := b.tags.Snapshot()
		ids := snap.VisibleIDs()
		sort.Ints(ids)
		for _, rid := range ids {
			tag, ok := snap.Visible(rid)
			spec := config.RobotSpec{ID: rid, Start: tag.GridPosition, Heading: command.InitialHeading(tag, ok)}
			if b.homes != nil {
				if home, ok := b.homes(rid); ok {
					spec.Home = &home
				}
			}
			robots = append(robots, spec)
		}
	}
	path, err := config.SaveGrid(b.dir, b.clock.Now(), grid, b.geom.CellCM, robots)
	if err != nil {
		return "", err
	}
	b.log.Info(ctx, "grid saved", logging.String("path", path), logging.Int("robots", len(robots)))
	return path, nil
}
