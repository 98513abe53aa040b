// Package corridor tests whether the straight corridor ahead of a robot is
// free of other robots and obstacles.
package corridor

import (
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Config sizes the corridor.
type Config struct {
	StepCM       float64
	EpsStepCM    float64
	TauLatency   time.Duration
	HalfWidthCM  float64
	DefaultSpeed float64 // cm/s used when a tag reports no speed
	// ObstacleRadiusCM is used for obstacles that report no radius.
	ObstacleRadiusCM float64
}

// DefaultConfig mirrors the guard defaults.
func DefaultConfig() Config {
	return Config{
		StepCM:           15,
		EpsStepCM:        1,
		HalfWidthCM:      6,
		DefaultSpeed:     20,
		ObstacleRadiusCM: 5,
	}
}

// Inspector evaluates forward corridors against a TagSnapshot. It holds no
// mutable state, so repeated calls on the same snapshot agree.
type Inspector struct {
	cfg Config
}

// NewInspector creates an inspector.
func NewInspector(cfg Config) *Inspector {
	if cfg.DefaultSpeed <= 0 {
		cfg.DefaultSpeed = DefaultConfig().DefaultSpeed
	}
	return &Inspector{cfg: cfg}
}

// Config returns the inspector configuration.
func (in *Inspector) Config() Config { return in.cfg }

// IsClearForMove reports whether robot rid may execute cmds. A leading
// heading-only turn rotates the corridor before testing.
func (in *Inspector) IsClearForMove(rid int, cmds []string, snap model.TagSnapshot) bool {
	pos, fwd, ok := pose(rid, snap)
	if !ok {
		return true
	}
	if len(cmds) > 0 {
		if deg, turn := command.TurnAngle(cmds[0]); turn {
			fwd = fwd.Rotate(deg).Unit()
		}
	}
	return in.clear(rid, pos, fwd, snap)
}

// IsClearForRelease reports whether a paused or stopped robot may resume
// along its current heading.
func (in *Inspector) IsClearForRelease(rid int, snap model.TagSnapshot) bool {
	pos, fwd, ok := pose(rid, snap)
	if !ok {
		return true
	}
	return in.clear(rid, pos, fwd, snap)
}

// Length returns the corridor length for a tag.
func (in *Inspector) Length(tag model.TagInfo) float64 {
	speed := tag.SpeedCMPS
	if speed <= 0 {
		speed = in.cfg.DefaultSpeed
	}
	return in.cfg.StepCM + in.cfg.EpsStepCM + speed*in.cfg.TauLatency.Seconds()
}

func (in *Inspector) clear(rid int, p, u geom.Vec2, snap model.TagSnapshot) bool {
	tag := snap.Tags[rid]
	length := in.Length(tag)
	for tid, other := range snap.Tags {
		if tid == rid || !other.On() {
			continue
		}
		if inCorridor(p, u, other.PositionCM, in.cfg.HalfWidthCM, length) {
			return false
		}
	}
	// An obstacle blocks when its circle reaches into the corridor.
	for _, o := range snap.Obstacles {
		r := o.RadiusCM
		if r <= 0 {
			r = in.cfg.ObstacleRadiusCM
		}
		if inCorridor(p, u, o.Center(), in.cfg.HalfWidthCM+r, length+r) {
			return false
		}
	}
	return true
}

// pose returns the robot position and forward unit vector. Missing or
// invisible robots have no pose.
func pose(rid int, snap model.TagSnapshot) (geom.Vec2, geom.Vec2, bool) {
	tag, ok := snap.Visible(rid)
	if !ok {
		return geom.Vec2{}, geom.Vec2{}, false
	}
	u := geom.FromHeading(tag.HeadingDeg).Unit()
	if u.IsZero() {
		return geom.Vec2{}, geom.Vec2{}, false
	}
	return tag.PositionCM, u, true
}

func inCorridor(p, u, q geom.Vec2, halfW, length float64) bool {
	d := q.Sub(p)
	along := d.Dot(u)
	perp := d.Cross(u)
	if perp < 0 {
		perp = -perp
	}
	return along >= 0 && along <= length && perp < halfW
}
