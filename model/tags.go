package model

import (
	"sort"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
)

// TagStatus is the perception visibility state of a robot tag.
type TagStatus string

const (
	StatusOn  TagStatus = "On"
	StatusOff TagStatus = "Off"
)

// TagInfo is the perceived state of one robot. Only Status is meaningful when
// the tag is Off.
type TagInfo struct {
	Status       TagStatus
	PositionCM   geom.Vec2
	GridPosition Cell
	// HeadingDeg is the forward yaw in the board frame (see Board).
	HeadingDeg float64
	// HeadingOffsetDeg is HeadingDeg minus the nearest grid axis, in
	// [-180, 180). Positive means rotated counter-clockwise past the axis.
	HeadingOffsetDeg float64
	// DistCM is the distance to the centre of GridPosition. RelativeAngleDeg
	// is the bearing to that centre minus HeadingDeg, normalised.
	DistCM           float64
	RelativeAngleDeg float64
	VelocityCMPS     geom.Vec2
	SpeedCMPS        float64
}

// On reports whether the tag is currently visible.
func (t TagInfo) On() bool { return t.Status == StatusOn }

// Obstacle is a static circular obstacle in board centimetres.
type Obstacle struct {
	X        float64
	Y        float64
	RadiusCM float64
}

// Center returns the obstacle centre.
func (o Obstacle) Center() geom.Vec2 { return geom.Vec2{X: o.X, Y: o.Y} }

// TagSnapshot is one perception refresh. Absence of a robot means "position
// unknown this tick", never "robot gone".
type TagSnapshot struct {
	Tags      map[int]TagInfo
	Obstacles []Obstacle
	Taken     time.Time
}

// Get returns the tag for rid regardless of status.
func (s TagSnapshot) Get(rid int) (TagInfo, bool) {
	t, ok := s.Tags[rid]
	return t, ok
}

// Visible returns the tag for rid only when it is On.
func (s TagSnapshot) Visible(rid int) (TagInfo, bool) {
	t, ok := s.Tags[rid]
	if !ok || !t.On() {
		return TagInfo{}, false
	}
	return t, true
}

// VisibleIDs lists every robot currently On, sorted ascending.
func (s TagSnapshot) VisibleIDs() []int {
	out := make([]int, 0, len(s.Tags))
	for rid, t := range s.Tags {
		if t.On() {
			out = append(out, rid)
		}
	}
	sort.Ints(out)
	return out
}

// Occupied returns the set of grid cells held by visible robots.
func (s TagSnapshot) Occupied() map[Cell]bool {
	out := make(map[Cell]bool, len(s.Tags))
	for _, t := range s.Tags {
		if t.On() {
			out[t.GridPosition] = true
		}
	}
	return out
}

// CellHeldBy reports whether any visible robot reports cell c.
func (s TagSnapshot) CellHeldBy(c Cell) (int, bool) {
	for rid, t := range s.Tags {
		if t.On() && t.GridPosition == c {
			return rid, true
		}
	}
	return 0, false
}

// TagSource supplies the latest snapshot. Implementations must not block.
type TagSource interface {
	Snapshot() TagSnapshot
}

// TagSourceFunc adapts a function to TagSource.
type TagSourceFunc func() TagSnapshot

// Snapshot implements TagSource.
func (f TagSourceFunc) Snapshot() TagSnapshot {
	if f == nil {
		return TagSnapshot{}
	}
	return f()
}
