// Package planner computes collision-free grid paths for a set of agents.
//
// The coordinator treats planning as a black box behind Planner. The bundled
// implementation is prioritized space-time A*: agents are planned one after
// another against a reservation table of the paths already fixed, with
// restarts that promote the agent that failed.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

var (
	// ErrNoSolution is returned when no conflict-free assignment was found.
	ErrNoSolution = errors.New("no solution")
	// ErrInvalidAgent is returned for agents with a missing, blocked or
	// out-of-bounds start or goal.
	ErrInvalidAgent = errors.New("invalid agent")
)

// Planner computes paths for agents on grid. On success every returned agent
// is a copy of the input with Path set; the path begins at Start and ends at
// Goal. Delay padding is left to Agent.FinalPath.
type Planner interface {
	ComputePaths(ctx context.Context, grid *model.Grid, agents []*model.Agent) ([]*model.Agent, error)
}

// Func adapts a function to Planner.
type Func func(ctx context.Context, grid *model.Grid, agents []*model.Agent) ([]*model.Agent, error)

// ComputePaths implements Planner.
func (f Func) ComputePaths(ctx context.Context, grid *model.Grid, agents []*model.Agent) ([]*model.Agent, error) {
	return f(ctx, grid, agents)
}

// Options tunes the prioritized planner.
type Options struct {
	// Horizon bounds the time dimension of each search. Zero derives a
	// bound from the grid size and the paths already reserved.
	Horizon int
	// Restarts bounds how often the priority order is rebuilt after a
	// failure. Zero allows one restart per agent.
	Restarts int
	Log      logging.Logger
}

// Prioritized is the bundled Planner.
type Prioritized struct {
	opts Options
	log  logging.Logger
}

// NewPrioritized returns a prioritized space-time A* planner.
func NewPrioritized(opts Options) *Prioritized {
	return &Prioritized{opts: opts, log: logging.OrNoop(opts.Log)}
}

// ComputePaths implements Planner.
func (p *Prioritized) ComputePaths(ctx context.Context, grid *model.Grid, agents []*model.Agent) ([]*model.Agent, error) {
	ctx, span := observability.Tracer().Start(ctx, "planner/compute_paths",
		trace.WithAttributes(
			attribute.Int("agents", len(agents)),
			attribute.Int("grid.rows", gridRows(grid)),
			attribute.Int("grid.cols", gridCols(grid)),
		),
	)
	defer span.End()

	out, err := p.computePaths(ctx, grid, agents)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func (p *Prioritized) computePaths(ctx context.Context, grid *model.Grid, agents []*model.Agent) ([]*model.Agent, error) {
	if grid == nil {
		return nil, fmt.Errorf("%w: nil grid", ErrNoSolution)
	}
	if len(agents) == 0 {
		return nil, nil
	}
	seen := make(map[int]bool, len(agents))
	for _, a := range agents {
		if err := validate(grid, a); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("%w: duplicate agent %d", ErrInvalidAgent, a.ID)
		}
		seen[a.ID] = true
	}
	if err := distinctEndpoints(agents); err != nil {
		return nil, err
	}

	order := make([]*model.Agent, len(agents))
	copy(order, agents)
	sort.SliceStable(order, func(i, j int) bool { return order[i].ID < order[j].ID })

	restarts := p.opts.Restarts
	if restarts <= 0 {
		restarts = len(order)
	}

	var lastErr error
	for attempt := 0; attempt <= restarts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths, failed, err := p.planOrder(ctx, grid, order)
		if err == nil {
			return assemble(agents, paths), nil
		}
		lastErr = err
		if failed <= 0 {
			break
		}
		p.log.Debug(ctx, "promoting agent after planning failure",
			logging.Int("agent", order[failed].ID),
			logging.Int("attempt", attempt),
		)
		promoted := order[failed]
		copy(order[1:failed+1], order[:failed])
		order[0] = promoted
	}
	return nil, lastErr
}

// planOrder plans agents in order. On failure it returns the index of the
// agent that could not be routed.
func (p *Prioritized) planOrder(ctx context.Context, grid *model.Grid, order []*model.Agent) (map[int][]model.Cell, int, error) {
	res := newReservations()
	// Every start is reserved up front so lower priorities cannot drive
	// through a robot that has not departed yet.
	for _, a := range order {
		for t := 0; t <= a.Delay; t++ {
			res.reserve(*a.Start, t, a.ID)
		}
	}
	paths := make(map[int][]model.Cell, len(order))
	for i, a := range order {
		if err := ctx.Err(); err != nil {
			return nil, -1, err
		}
		horizon := p.opts.Horizon
		if horizon <= 0 {
			horizon = grid.Rows*grid.Cols + res.lastTime + a.Delay + 1
		}
		path, ok := search(grid, res, a, horizon)
		if !ok {
			return nil, i, fmt.Errorf("%w: agent %d from %v to %v", ErrNoSolution, a.ID, *a.Start, *a.Goal)
		}
		res.release(*a.Start, a.ID)
		res.addPath(path, a.Delay, a.ID)
		paths[a.ID] = path
	}
	return paths, -1, nil
}

func validate(grid *model.Grid, a *model.Agent) error {
	if a == nil {
		return fmt.Errorf("%w: nil agent", ErrInvalidAgent)
	}
	if a.Start == nil || a.Goal == nil {
		return fmt.Errorf("%w: agent %d missing start or goal", ErrInvalidAgent, a.ID)
	}
	if !grid.IsFree(*a.Start) {
		return fmt.Errorf("%w: agent %d start %v blocked", ErrInvalidAgent, a.ID, *a.Start)
	}
	if !grid.IsFree(*a.Goal) {
		return fmt.Errorf("%w: agent %d goal %v blocked", ErrInvalidAgent, a.ID, *a.Goal)
	}
	if a.Delay < 0 {
		return fmt.Errorf("%w: agent %d negative delay", ErrInvalidAgent, a.ID)
	}
	return nil
}

func distinctEndpoints(agents []*model.Agent) error {
	starts := make(map[model.Cell]int, len(agents))
	goals := make(map[model.Cell]int, len(agents))
	for _, a := range agents {
		if other, ok := starts[*a.Start]; ok {
			return fmt.Errorf("%w: agents %d and %d share start %v", ErrInvalidAgent, other, a.ID, *a.Start)
		}
		starts[*a.Start] = a.ID
		if other, ok := goals[*a.Goal]; ok {
			return fmt.Errorf("%w: agents %d and %d share goal %v", ErrInvalidAgent, other, a.ID, *a.Goal)
		}
		goals[*a.Goal] = a.ID
	}
	return nil
}

func assemble(agents []*model.Agent, paths map[int][]model.Cell) []*model.Agent {
	out := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		c := a.Clone()
		c.Path = paths[a.ID]
		out = append(out, c)
	}
	return out
}

func gridRows(g *model.Grid) int {
	if g == nil {
		return 0
	}
	return g.Rows
}

func gridCols(g *model.Grid) int {
	if g == nil {
		return 0
	}
	return g.Cols
}
