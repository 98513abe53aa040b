package corridor

import (
	"testing"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

func tag(x, y, heading float64) model.TagInfo {
	return model.TagInfo{Status: model.StatusOn, PositionCM: geom.Vec2{X: x, Y: y}, HeadingDeg: heading}
}

func TestCorridorBlockedAhead(t *testing.T) {
	in := NewInspector(DefaultConfig())
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: tag(0, 0, 0),  // facing +X
		2: tag(10, 2, 0), // inside: along 10 <= 16, perp 2 < 6
	}}
	if in.IsClearForMove(1, []string{"F10.0_modeA"}, snap) {
		t.Fatalf("IsClearForMove = true, want blocked by robot 2")
	}
	if in.IsClearForRelease(1, snap) {
		t.Fatalf("IsClearForRelease = true, want blocked by robot 2")
	}
	// Robot 2 faces away from robot 1.
	if !in.IsClearForMove(2, []string{"F10.0_modeA"}, snap) {
		t.Fatalf("robot 2 corridor should be clear")
	}
}

func TestCorridorIgnoresBehindBesideAndOff(t *testing.T) {
	in := NewInspector(DefaultConfig())
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: tag(0, 0, 0),
		2: tag(-5, 0, 0),  // behind
		3: tag(8, 6, 0),   // perp == half width is outside
		4: tag(17, 0, 0),  // beyond length 16
		5: {Status: model.StatusOff, PositionCM: geom.Vec2{X: 5}},
	}}
	if !in.IsClearForMove(1, nil, snap) {
		t.Fatalf("IsClearForMove = false, want clear")
	}
}

func TestCorridorRotatesForLeadingTurn(t *testing.T) {
	in := NewInspector(DefaultConfig())
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: tag(0, 0, 0),
		2: tag(0, 10, 0), // north of robot 1
	}}
	if !in.IsClearForMove(1, []string{"F10.0_modeA"}, snap) {
		t.Fatalf("straight corridor should be clear")
	}
	if in.IsClearForMove(1, []string{"L90.0_modeOnly", "F10.0_modeA"}, snap) {
		t.Fatalf("corridor after a left turn should hit robot 2")
	}
	if !in.IsClearForMove(1, []string{"R90.0_modeOnly", "F10.0_modeA"}, snap) {
		t.Fatalf("corridor after a right turn should be clear")
	}
}

func TestCorridorIdempotentAndUnknownPose(t *testing.T) {
	in := NewInspector(DefaultConfig())
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: tag(0, 0, 90),
		2: tag(1, 12, 0),
	}}
	first := in.IsClearForMove(1, []string{"F10.0_modeA"}, snap)
	second := in.IsClearForMove(1, []string{"F10.0_modeA"}, snap)
	if first != second {
		t.Fatalf("IsClearForMove not idempotent: %v then %v", first, second)
	}
	if first {
		t.Fatalf("IsClearForMove = true, want blocked")
	}
	if !in.IsClearForMove(9, []string{"F10.0_modeA"}, snap) {
		t.Fatalf("unknown robot should be treated as clear")
	}
}

func TestCorridorBlockedByObstacle(t *testing.T) {
	in := NewInspector(DefaultConfig())
	snap := model.TagSnapshot{
		Tags:      map[int]model.TagInfo{1: tag(0, 0, 0)},
		Obstacles: []model.Obstacle{{X: 8, Y: 0, RadiusCM: 5}},
	}
	if in.IsClearForMove(1, []string{"F30.0_modeA"}, snap) {
		t.Fatalf("IsClearForMove = true, want blocked by obstacle")
	}
	if in.IsClearForRelease(1, snap) {
		t.Fatalf("IsClearForRelease = true, want blocked by obstacle")
	}

	// Centre outside the half width but the radius reaches in.
	snap.Obstacles = []model.Obstacle{{X: 8, Y: 9, RadiusCM: 4}}
	if in.IsClearForMove(1, nil, snap) {
		t.Fatalf("obstacle edge inside corridor should block")
	}

	// No radius falls back to the configured one: 6+5 = 11 > 10.
	snap.Obstacles = []model.Obstacle{{X: 8, Y: 10}}
	if in.IsClearForMove(1, nil, snap) {
		t.Fatalf("obstacle without radius should use the default radius")
	}

	snap.Obstacles = []model.Obstacle{{X: 8, Y: 20, RadiusCM: 5}}
	if !in.IsClearForMove(1, nil, snap) {
		t.Fatalf("distant obstacle should leave the corridor clear")
	}
}
