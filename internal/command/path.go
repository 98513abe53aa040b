package command

import (
	"math"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Heading is a grid heading index.
type Heading int

const (
	North Heading = iota
	East
	South
	West
)

// axisYaw is the board yaw of each heading.
var axisYaw = [4]float64{North: 90, East: 0, South: 270, West: 180}

// Yaw returns the board yaw of h in degrees.
func (h Heading) Yaw() float64 { return axisYaw[h&3] }

// Step returns the neighbouring cell one move along h.
func (h Heading) Step(c model.Cell) model.Cell {
	switch h & 3 {
	case North:
		return model.Cell{Row: c.Row - 1, Col: c.Col}
	case East:
		return model.Cell{Row: c.Row, Col: c.Col + 1}
	case South:
		return model.Cell{Row: c.Row + 1, Col: c.Col}
	default:
		return model.Cell{Row: c.Row, Col: c.Col - 1}
	}
}

// HeadingFromYaw snaps a board yaw to the nearest grid heading.
func HeadingFromYaw(yaw float64) Heading {
	best, bestDiff := North, math.Inf(1)
	for _, h := range []Heading{North, East, South, West} {
		d := math.Abs(geom.NormalizeDeg(yaw - h.Yaw()))
		if d < bestDiff {
			best, bestDiff = h, d
		}
	}
	return best
}

// InitialHeading derives the starting heading of a robot from its tag.
// Invisible robots default to North.
func InitialHeading(tag model.TagInfo, ok bool) Heading {
	if !ok || !tag.On() {
		return North
	}
	return HeadingFromYaw(tag.HeadingDeg)
}

// headingBetween returns the heading from a to an adjacent cell b.
func headingBetween(a, b model.Cell) Heading {
	switch {
	case b.Row < a.Row:
		return North
	case b.Col > a.Col:
		return East
	case b.Row > a.Row:
		return South
	default:
		return West
	}
}

// FromPath converts a path into one command per move. Staying in place is
// Stay; moving along the current heading is a forward of one cell; a
// quarter or half turn is the turn-and-advance primitive L90, R90 or T185.
func FromPath(path []model.Cell, start Heading, cellCM float64) []string {
	if len(path) < 2 {
		return nil
	}
	cmds := make([]string, 0, len(path)-1)
	hd := start & 3
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		if a == b {
			cmds = append(cmds, Stay)
			continue
		}
		want := headingBetween(a, b)
		switch (want - hd + 4) % 4 {
		case 0:
			cmds = append(cmds, Forward(cellCM, ModeA))
		case 1:
			cmds = append(cmds, "R90")
		case 2:
			cmds = append(cmds, "T185")
		default:
			cmds = append(cmds, "L90")
		}
		hd = want
	}
	return cmds
}
