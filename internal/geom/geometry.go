package geom

import "math"

const epsilon = 1e-9

// Vec2 is a planar vector in board centimetres.
type Vec2 struct {
	X, Y float64
}

// Add returns v + other.
func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{X: v.X + other.X, Y: v.Y + other.Y}
}

// Sub returns v - other.
func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{X: v.X - other.X, Y: v.Y - other.Y}
}

// Scale returns v * s.
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{X: v.X * s, Y: v.Y * s}
}

// Dot returns the dot product of two vectors.
func (v Vec2) Dot(other Vec2) float64 {
	return v.X*other.X + v.Y*other.Y
}

// Cross returns the z component of v x other.
func (v Vec2) Cross(other Vec2) float64 {
	return v.X*other.Y - v.Y*other.X
}

// Norm returns the Euclidean norm of the vector.
func (v Vec2) Norm() float64 {
	return math.Hypot(v.X, v.Y)
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec2) DistanceTo(other Vec2) float64 {
	return v.Sub(other).Norm()
}

// Unit returns v scaled to length 1, or the zero vector when v is degenerate.
func (v Vec2) Unit() Vec2 {
	n := v.Norm()
	if n <= 1e-6 {
		return Vec2{}
	}
	return Vec2{X: v.X / n, Y: v.Y / n}
}

// Rotate returns v rotated counter-clockwise by deg degrees.
func (v Vec2) Rotate(deg float64) Vec2 {
	th := deg * math.Pi / 180.0
	c, s := math.Cos(th), math.Sin(th)
	return Vec2{X: v.X*c - v.Y*s, Y: v.X*s + v.Y*c}
}

// IsZero reports whether v has (numerically) zero length.
func (v Vec2) IsZero() bool {
	return v.Norm() <= 1e-6
}

// FromHeading returns the unit vector for a heading in degrees measured
// counter-clockwise from +X.
func FromHeading(deg float64) Vec2 {
	th := deg * math.Pi / 180.0
	return Vec2{X: math.Cos(th), Y: math.Sin(th)}
}

// HeadingOf returns the yaw of v in degrees, counter-clockwise from +X.
func HeadingOf(v Vec2) float64 {
	return math.Atan2(v.Y, v.X) * 180.0 / math.Pi
}

// NormalizeDeg folds an angle into [-180, 180).
func NormalizeDeg(deg float64) float64 {
	d := math.Mod(deg+180.0, 360.0)
	if d < 0 {
		d += 360.0
	}
	return d - 180.0
}

// ClosestOnSegment returns the point of segment [a, b] closest to p.
func ClosestOnSegment(a, b, p Vec2) Vec2 {
	ab := b.Sub(a)
	ab2 := ab.Dot(ab)
	if ab2 <= epsilon {
		return a
	}
	t := p.Sub(a).Dot(ab) / ab2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return a.Add(ab.Scale(t))
}

// SegmentPointDistance returns the minimum distance between segment [a, b]
// and point p.
func SegmentPointDistance(a, b, p Vec2) float64 {
	return ClosestOnSegment(a, b, p).DistanceTo(p)
}

// SegmentDistance returns the minimum distance between segments [a0, a1]
// and [b0, b1]. Degenerate segments are treated as points.
func SegmentDistance(a0, a1, b0, b1 Vec2) float64 {
	u := a1.Sub(a0)
	v := b1.Sub(b0)
	w := a0.Sub(b0)
	a := u.Dot(u)
	b := u.Dot(v)
	c := v.Dot(v)
	d := u.Dot(w)
	e := v.Dot(w)

	const small = 1e-8
	switch {
	case a <= small && c <= small:
		return a0.DistanceTo(b0)
	case c <= small:
		return SegmentPointDistance(a0, a1, b0)
	case a <= small:
		return SegmentPointDistance(b0, b1, a0)
	}
	den := a*c - b*b
	sN, sD := 0.0, den
	tN, tD := 0.0, den

	if den < small {
		// Parallel: pin s to the start of the first segment.
		sN, sD = 0.0, 1.0
		tN = e
		tD = c
	} else {
		sN = b*e - c*d
		tN = a*e - b*d
		if sN < 0 {
			sN = 0
			tN = e
			tD = c
		} else if sN > sD {
			sN = sD
			tN = e + b
			tD = c
		}
	}

	if tN < 0 {
		tN = 0
		sN, sD = clampRatio(-d, a)
	} else if tN > tD {
		tN = tD
		sN, sD = clampRatio(-d+b, a)
	}

	sc := 0.0
	if math.Abs(sD) > small {
		sc = sN / sD
	}
	tc := 0.0
	if math.Abs(tD) > small {
		tc = tN / tD
	}

	p := a0.Add(u.Scale(sc))
	q := b0.Add(v.Scale(tc))
	return p.DistanceTo(q)
}

// clampRatio returns (num, den) with num clamped into [0, a], so that
// num/den is a valid parameter on a segment of squared length a.
func clampRatio(num, a float64) (float64, float64) {
	if a <= 1e-8 {
		return 0, 1
	}
	if num < 0 {
		num = 0
	} else if num > a {
		num = a
	}
	return num, a
}

// CapsulesDisjoint reports whether two capsules (segments swept by the given
// half widths) are separated.
func CapsulesDisjoint(a0, a1 Vec2, halfA float64, b0, b1 Vec2, halfB float64) bool {
	return SegmentDistance(a0, a1, b0, b1) > halfA+halfB
}

// CapsuleCircleDisjoint reports whether a capsule and a circle are separated.
func CapsuleCircleDisjoint(a0, a1 Vec2, half float64, center Vec2, radius float64) bool {
	return SegmentPointDistance(a0, a1, center) > half+radius
}
