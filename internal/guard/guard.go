// Package guard is the frame-synchronous collision guard. It predicts
// robot-robot and robot-obstacle contacts within one move step and latches
// an immediate stop on every robot involved.
package guard

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// Reason explains why a robot was stopped.
type Reason string

const (
	ReasonHardLock         Reason = "hardlock"
	ReasonBreach           Reason = "breach_within_step"
	ReasonObstacleHardLock Reason = "hardlock_obstacle"
	ReasonObstacleBreach   Reason = "breach_within_step_obstacle"
)

// StopFunc halts the given robots immediately.
type StopFunc func(ids []int)

// GoalProvider returns the current motion target of a robot in board
// centimetres, or false when the robot has no assigned goal.
type GoalProvider func(rid int) (geom.Vec2, bool)

// Guard evaluates hazards once per perception tick. It is safe for
// concurrent use.
type Guard struct {
	cfg     Config
	stop    StopFunc
	clock   timectrl.SimClock
	log     logging.Logger
	metrics *observability.FleetCollector

	mu            sync.Mutex
	latched       map[int]bool
	suppressUntil map[int]time.Time
	lastMovedAt   map[int]time.Time
	goals         GoalProvider
}

// New creates a guard. A nil clock uses the wall clock.
func New(cfg Config, stop StopFunc, clock timectrl.SimClock, log logging.Logger, metrics *observability.FleetCollector) *Guard {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	if stop == nil {
		stop = func([]int) {}
	}
	return &Guard{
		cfg:           cfg,
		stop:          stop,
		clock:         clock,
		log:           logging.OrNoop(log),
		metrics:       metrics,
		latched:       make(map[int]bool),
		suppressUntil: make(map[int]time.Time),
		lastMovedAt:   make(map[int]time.Time),
	}
}

// Config returns the guard tuning.
func (g *Guard) Config() Config { return g.cfg }

// SetGoalProvider installs the goal lookup used to decide whether CCD
// applies to a robot.
func (g *Guard) SetGoalProvider(fn GoalProvider) {
	g.mu.Lock()
	g.goals = fn
	g.mu.Unlock()
}

// Tick evaluates hazards among ids and stops robots that are not already
// latched. It returns the newly stopped robots.
func (g *Guard) Tick(snap model.TagSnapshot, ids []int) []int {
	g.mu.Lock()
	now := g.clock.Now()
	for rid, until := range g.suppressUntil {
		if !now.Before(until) {
			delete(g.suppressUntil, rid)
		}
	}
	for _, rid := range ids {
		tag, _ := snap.Visible(rid)
		if tag.VelocityCMPS.Norm() >= g.cfg.VMinCMPS {
			g.lastMovedAt[rid] = now
		} else if _, ok := g.lastMovedAt[rid]; !ok {
			g.lastMovedAt[rid] = now
		}
	}

	hits := g.detect(snap, ids, now)
	var fresh []int
	for rid := range hits {
		if !g.latched[rid] {
			fresh = append(fresh, rid)
		}
	}
	sort.Ints(fresh)
	for _, rid := range fresh {
		g.latched[rid] = true
	}
	latched := len(g.latched)
	g.mu.Unlock()

	g.metrics.SetLatchedRobots(latched)
	if len(fresh) == 0 {
		return nil
	}
	for _, rid := range fresh {
		g.metrics.IncGuardStops(string(hits[rid]))
		g.log.Warn(context.Background(), "collision guard stop",
			logging.Robot(rid),
			logging.String("reason", string(hits[rid])),
		)
	}
	g.stop(fresh)
	return fresh
}

// Latched returns the latched robots in ascending order.
func (g *Guard) Latched() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, 0, len(g.latched))
	for rid := range g.latched {
		out = append(out, rid)
	}
	sort.Ints(out)
	return out
}

// IsLatched reports whether rid is latched.
func (g *Guard) IsLatched(rid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latched[rid]
}

// Unlatch releases robots from the stop set.
func (g *Guard) Unlatch(ids ...int) {
	g.mu.Lock()
	for _, rid := range ids {
		delete(g.latched, rid)
	}
	n := len(g.latched)
	g.mu.Unlock()
	g.metrics.SetLatchedRobots(n)
}

// SuppressFor mutes every stop, hard-lock included, for rid during d. An
// existing longer suppression is kept.
func (g *Guard) SuppressFor(rid int, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.clock.Now().Add(d)
	if cur, ok := g.suppressUntil[rid]; ok && cur.After(until) {
		return
	}
	g.suppressUntil[rid] = until
}

// ClearSuppression ends any suppression window for rid.
func (g *Guard) ClearSuppression(rid int) {
	g.mu.Lock()
	delete(g.suppressUntil, rid)
	g.mu.Unlock()
}

// IsSuppressed reports whether rid is inside a suppression window.
func (g *Guard) IsSuppressed(rid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressedLocked(rid, g.clock.Now())
}

// Suppressed lists robots currently inside a suppression window.
func (g *Guard) Suppressed() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	var out []int
	for rid := range g.suppressUntil {
		if g.suppressedLocked(rid, now) {
			out = append(out, rid)
		}
	}
	sort.Ints(out)
	return out
}

// LastMovedAt returns when rid was last seen moving faster than VMin.
func (g *Guard) LastMovedAt(rid int) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastMovedAt[rid]
	return t, ok
}

func (g *Guard) suppressedLocked(rid int, now time.Time) bool {
	until, ok := g.suppressUntil[rid]
	return ok && now.Before(until)
}

func (g *Guard) hasGoal(rid int) bool {
	if g.goals == nil {
		return false
	}
	_, ok := g.goals(rid)
	return ok
}

func (g *Guard) detect(snap model.TagSnapshot, ids []int, now time.Time) map[int]Reason {
	cfg := g.cfg
	visible := make([]int, 0, len(ids))
	for _, rid := range ids {
		if _, ok := snap.Visible(rid); ok {
			visible = append(visible, rid)
		}
	}
	if len(visible) == 0 {
		return nil
	}
	if n := len(visible); cfg.MaxPairs > 0 && n*(n-1)/2 > cfg.MaxPairs {
		keep := int((math.Sqrt(1+8*float64(cfg.MaxPairs)) - 1) / 2)
		visible = visible[:keep]
	}

	hits := make(map[int]Reason)
	mark := func(rid int, r Reason) {
		if _, ok := hits[rid]; !ok {
			hits[rid] = r
		}
	}

	for i := 0; i < len(visible); i++ {
		for j := i + 1; j < len(visible); j++ {
			a, b := visible[i], visible[j]
			ta, _ := snap.Visible(a)
			tb, _ := snap.Visible(b)
			pa, va := ta.PositionCM, ta.VelocityCMPS
			pb, vb := tb.PositionCM, tb.VelocityCMPS
			// Neither rule can fire below VMin of relative speed.
			if vb.Sub(va).Norm() < cfg.VMinCMPS {
				continue
			}

			if !g.hasGoal(a) || !g.hasGoal(b) {
				if g.pairHardLock(pa, va, pb, vb) {
					if !g.suppressedLocked(a, now) {
						mark(a, ReasonHardLock)
					}
					if !g.suppressedLocked(b, now) {
						mark(b, ReasonHardLock)
					}
				}
				continue
			}

			if hit, reason := g.pairBreachesWithinStep(pa, va, pb, vb); hit {
				if g.suppressedLocked(a, now) || g.suppressedLocked(b, now) {
					continue
				}
				mark(a, reason)
				mark(b, reason)
			}
		}
	}

	obstacles := snap.Obstacles
	if cfg.MaxObstacles > 0 && len(obstacles) > cfg.MaxObstacles {
		obstacles = obstacles[:cfg.MaxObstacles]
	}
	if len(obstacles) == 0 {
		return hits
	}
	for _, rid := range visible {
		tag, _ := snap.Visible(rid)
		if tag.VelocityCMPS.Norm() < cfg.VMinCMPS {
			continue
		}
		withGoal := g.hasGoal(rid)
		for _, ob := range obstacles {
			radius := ob.RadiusCM
			if radius <= 0 {
				radius = cfg.ObstacleRadiusCM
			}
			var hit bool
			var reason Reason
			if withGoal {
				hit, reason = g.obstacleBreachWithinStep(tag.PositionCM, tag.VelocityCMPS, ob.Center(), radius)
			} else {
				hit, reason = g.obstacleHardLock(tag.PositionCM, tag.VelocityCMPS, ob.Center(), radius), ReasonObstacleHardLock
			}
			if !hit {
				continue
			}
			if !g.suppressedLocked(rid, now) {
				mark(rid, reason)
			}
			break
		}
	}
	return hits
}

// Clusters groups ids into connected components whose members are within
// threshold of a neighbour. Singletons are omitted.
func Clusters(snap model.TagSnapshot, ids []int, threshold float64) [][]int {
	var pts []int
	for _, rid := range ids {
		if _, ok := snap.Visible(rid); ok {
			pts = append(pts, rid)
		}
	}
	if len(pts) < 2 {
		return nil
	}
	adj := make(map[int][]int, len(pts))
	for i, a := range pts {
		ta, _ := snap.Visible(a)
		for _, b := range pts[i+1:] {
			tb, _ := snap.Visible(b)
			if ta.PositionCM.DistanceTo(tb.PositionCM) <= threshold {
				adj[a] = append(adj[a], b)
				adj[b] = append(adj[b], a)
			}
		}
	}
	seen := make(map[int]bool, len(pts))
	var out [][]int
	for _, r := range pts {
		if seen[r] {
			continue
		}
		stack := []int{r}
		var comp []int
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[u] {
				continue
			}
			seen[u] = true
			comp = append(comp, u)
			for _, v := range adj[u] {
				if !seen[v] {
					stack = append(stack, v)
				}
			}
		}
		if len(comp) >= 2 {
			sort.Ints(comp)
			out = append(out, comp)
		}
	}
	return out
}
