package guard

import (
	"math"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
)

const tiny = 1e-6

// closingSpeed is the rate at which the separation r shrinks under relative
// velocity u (positive when approaching).
func closingSpeed(r, u geom.Vec2) float64 {
	d := r.Norm()
	if d <= tiny {
		return 0
	}
	return -r.Dot(u) / d
}

// pairHardLock applies the path-agnostic stop rule: current separation at
// or under the collision radius while closing at least VMin.
func (g *Guard) pairHardLock(pa, va, pb, vb geom.Vec2) bool {
	r := pb.Sub(pa)
	u := vb.Sub(va)
	return r.Norm() <= g.cfg.CollisionRadiusCM && closingSpeed(r, u) >= g.cfg.VMinCMPS
}

// pairBreachesWithinStep runs the hard-lock rule followed by the CCD test
// over one step window.
func (g *Guard) pairBreachesWithinStep(pa, va, pb, vb geom.Vec2) (bool, Reason) {
	cfg := g.cfg
	r := pb.Sub(pa)
	u := vb.Sub(va)
	dist := r.Norm()
	vr := closingSpeed(r, u)

	if dist <= cfg.CollisionRadiusCM && vr >= cfg.VMinCMPS {
		return true, ReasonHardLock
	}
	if cfg.ArmDistCM > 0 && dist > cfg.ArmDistCM {
		return false, ReasonBreach
	}
	if dist > tiny && vr < cfg.VrMinCMPS {
		return false, ReasonBreach
	}

	window := math.Min(g.stepWindow(va.Norm()), g.stepWindow(vb.Norm()))
	radius := cfg.CollisionRadiusCM + u.Norm()*cfg.TauLatency.Seconds()
	return breachWithin(r, u, radius, window), ReasonBreach
}

func (g *Guard) obstacleHardLock(pa, va, center geom.Vec2, obstacleRadius float64) bool {
	r := center.Sub(pa)
	d := r.Norm()
	vr := 0.0
	if d > tiny {
		vr = r.Dot(va) / d
	}
	return d <= g.cfg.CollisionRadiusCM+obstacleRadius && vr >= g.cfg.VMinCMPS
}

// obstacleBreachWithinStep treats the obstacle as a stationary disc.
func (g *Guard) obstacleBreachWithinStep(pa, va, center geom.Vec2, obstacleRadius float64) (bool, Reason) {
	cfg := g.cfg
	if g.obstacleHardLock(pa, va, center, obstacleRadius) {
		return true, ReasonObstacleHardLock
	}
	r := center.Sub(pa)
	u := va.Scale(-1)
	dist := r.Norm()
	if cfg.ArmDistCM > 0 && dist > cfg.ArmDistCM {
		return false, ReasonObstacleBreach
	}
	if dist > tiny && closingSpeed(r, u) < cfg.VrMinCMPS {
		return false, ReasonObstacleBreach
	}
	radius := cfg.CollisionRadiusCM + obstacleRadius + va.Norm()*cfg.TauLatency.Seconds()
	return breachWithin(r, u, radius, g.stepWindow(va.Norm())), ReasonObstacleBreach
}

func (g *Guard) stepWindow(speed float64) float64 {
	return (g.cfg.StepCM + g.cfg.EpsStepCM) / math.Max(speed, g.cfg.VMinCMPS)
}

// breachWithin reports whether |r + u t| <= radius for some t in
// [0, window].
func breachWithin(r, u geom.Vec2, radius, window float64) bool {
	a := u.Dot(u)
	if a <= 1e-9 {
		return r.Norm() <= radius
	}
	b := 2 * r.Dot(u)
	c := r.Dot(r) - radius*radius
	disc := b*b - 4*a*c
	if disc < 0 {
		return false
	}
	sq := math.Sqrt(disc)
	tEnter := (-b - sq) / (2 * a)
	tExit := (-b + sq) / (2 * a)
	return tEnter <= window && tExit >= 0
}
