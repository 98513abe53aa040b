// Package perception keeps the latest observed pose of every robot and
// serves it as a model.TagSnapshot. Poses arrive from the camera pipeline
// or the simulated fleet; derived fields (grid cell, axis offset, distance
// and bearing to the cell centre, velocity) are computed on the way in.
package perception

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// DefaultStaleAfter is how long a robot stays On without a fresh pose.
const DefaultStaleAfter = 500 * time.Millisecond

// Pose is one raw observation in board centimetres and degrees.
type Pose struct {
	RobotID    int
	PositionCM geom.Vec2
	HeadingDeg float64
	At         time.Time
}

type entry struct {
	tag  model.TagInfo
	seen time.Time
}

// Store is a concurrency-safe pose store. It implements model.TagSource.
type Store struct {
	board      model.Board
	clock      timectrl.SimClock
	staleAfter time.Duration

	mu        sync.RWMutex
	byID      map[int]*entry
	obstacles []model.Obstacle
}

// NewStore returns an empty store. A nil clock is the wall clock and a
// non-positive staleAfter is DefaultStaleAfter.
func NewStore(board model.Board, clock timectrl.SimClock, staleAfter time.Duration) *Store {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Store{board: board, clock: clock, staleAfter: staleAfter, byID: make(map[int]*entry)}
}

// Observe records a pose. A zero At is stamped with the store clock.
// Observations older than the stored one are ignored.
func (s *Store) Observe(p Pose) {
	if p.At.IsZero() {
		p.At = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[p.RobotID]
	if ok && p.At.Before(prev.seen) {
		return
	}
	tag := Derive(s.board, p.PositionCM, p.HeadingDeg)
	if ok && prev.tag.On() {
		if dt := p.At.Sub(prev.seen).Seconds(); dt > 0 {
			tag.VelocityCMPS = p.PositionCM.Sub(prev.tag.PositionCM).Scale(1 / dt)
			tag.SpeedCMPS = tag.VelocityCMPS.Norm()
		}
	}
	s.byID[p.RobotID] = &entry{tag: tag, seen: p.At}
}

// Lose marks a robot Off immediately.
func (s *Store) Lose(rid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[rid]; ok {
		e.tag = model.TagInfo{Status: model.StatusOff}
	}
}

// SetObstacles replaces the static obstacle list.
func (s *Store) SetObstacles(obs []model.Obstacle) {
	s.mu.Lock()
	s.obstacles = append([]model.Obstacle(nil), obs...)
	s.mu.Unlock()
}

// Snapshot implements model.TagSource. Robots whose last pose is older than
// the stale window are reported Off.
func (s *Store) Snapshot() model.TagSnapshot {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make(map[int]model.TagInfo, len(s.byID))
	for rid, e := range s.byID {
		if now.Sub(e.seen) > s.staleAfter {
			tags[rid] = model.TagInfo{Status: model.StatusOff}
			continue
		}
		tags[rid] = e.tag
	}
	return model.TagSnapshot{
		Tags:      tags,
		Obstacles: append([]model.Obstacle(nil), s.obstacles...),
		Taken:     now,
	}
}

// Known lists every robot ever observed, sorted.
func (s *Store) Known() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.byID))
	for rid := range s.byID {
		out = append(out, rid)
	}
	sort.Ints(out)
	return out
}

// Derive builds an On tag for a pose without velocity.
func Derive(board model.Board, pos geom.Vec2, headingDeg float64) model.TagInfo {
	yaw := math.Mod(headingDeg, 360)
	if yaw < 0 {
		yaw += 360
	}
	cell := board.CellAt(pos)
	toCentre := board.CellCenter(cell).Sub(pos)
	tag := model.TagInfo{
		Status:           model.StatusOn,
		PositionCM:       pos,
		GridPosition:     cell,
		HeadingDeg:       yaw,
		HeadingOffsetDeg: geom.NormalizeDeg(yaw - nearestAxis(yaw)),
		DistCM:           toCentre.Norm(),
	}
	if !toCentre.IsZero() {
		tag.RelativeAngleDeg = geom.NormalizeDeg(geom.HeadingOf(toCentre) - yaw)
	}
	return tag
}

func nearestAxis(yaw float64) float64 {
	return math.Round(yaw/90) * 90
}
