package guard

import (
	"reflect"
	"testing"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

type stopRecorder struct {
	calls [][]int
}

func (s *stopRecorder) stop(ids []int) {
	s.calls = append(s.calls, append([]int(nil), ids...))
}

func moving(x, y, vx, vy float64) model.TagInfo {
	return model.TagInfo{
		Status:       model.StatusOn,
		PositionCM:   geom.Vec2{X: x, Y: y},
		VelocityCMPS: geom.Vec2{X: vx, Y: vy},
	}
}

func everyoneHasGoal(int) (geom.Vec2, bool) { return geom.Vec2{}, true }

func ccdConfig() Config {
	cfg := DefaultConfig()
	cfg.CollisionRadiusCM = 10
	cfg.TauLatency = 150 * time.Millisecond
	cfg.VMinCMPS = 2
	return cfg
}

func newTestGuard(cfg Config) (*Guard, *stopRecorder, *timectrl.TimeController) {
	clock := timectrl.NewTimeController(time.Unix(1000, 0), time.Millisecond, timectrl.Accelerated)
	rec := &stopRecorder{}
	return New(cfg, rec.stop, clock, nil, nil), rec, clock
}

func TestBreachWithinStepFlagsClosingPair(t *testing.T) {
	g, rec, _ := newTestGuard(ccdConfig())
	g.SetGoalProvider(everyoneHasGoal)
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 10, 0),
		2: moving(12, 0, -10, 0),
	}}
	got := g.Tick(snap, []int{1, 2})
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("Tick = %v, want [1 2]", got)
	}
	if len(rec.calls) != 1 || !reflect.DeepEqual(rec.calls[0], []int{1, 2}) {
		t.Fatalf("stop calls = %v, want [[1 2]]", rec.calls)
	}
}

func TestBreachIgnoresDistantPair(t *testing.T) {
	g, rec, _ := newTestGuard(ccdConfig())
	g.SetGoalProvider(everyoneHasGoal)
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 10, 0),
		2: moving(40, 0, -10, 0),
	}}
	if got := g.Tick(snap, []int{1, 2}); got != nil {
		t.Fatalf("Tick = %v, want nil", got)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("stop calls = %v, want none", rec.calls)
	}
}

func TestHardLockBoundary(t *testing.T) {
	cfg := ccdConfig()
	tests := []struct {
		name  string
		speed float64
		want  []int
	}{
		{name: "at vmin", speed: 2, want: []int{1, 2}},
		{name: "below vmin", speed: 2 - 1e-6, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newTestGuard(cfg)
			snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
				1: moving(0, 0, tt.speed, 0),
				2: moving(10, 0, 0, 0), // exactly Rc away
			}}
			got := g.Tick(snap, []int{1, 2})
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Tick = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHardLockUsesClosingSpeed(t *testing.T) {
	// Each robot is under VMin on its own but they close at 3 cm/s.
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 1.5, 0),
		2: moving(8, 0, -1.5, 0),
	}}
	for _, withGoals := range []bool{false, true} {
		g, _, _ := newTestGuard(ccdConfig())
		if withGoals {
			g.SetGoalProvider(everyoneHasGoal)
		}
		if got := g.Tick(snap, []int{1, 2}); !reflect.DeepEqual(got, []int{1, 2}) {
			t.Fatalf("goals=%v: Tick = %v, want [1 2]", withGoals, got)
		}
	}

	// Same speeds moving apart.
	g, _, _ := newTestGuard(ccdConfig())
	apart := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, -1.5, 0),
		2: moving(8, 0, 1.5, 0),
	}}
	if got := g.Tick(apart, []int{1, 2}); got != nil {
		t.Fatalf("diverging pair: Tick = %v, want nil", got)
	}
}

func TestLatchedRobotsAreNotStoppedTwice(t *testing.T) {
	g, rec, _ := newTestGuard(ccdConfig())
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 5, 0),
		2: moving(8, 0, 0, 0),
	}}
	g.Tick(snap, []int{1, 2})
	if got := g.Tick(snap, []int{1, 2}); got != nil {
		t.Fatalf("second Tick = %v, want nil", got)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("stop calls = %d, want 1", len(rec.calls))
	}
	if !g.IsLatched(1) || !reflect.DeepEqual(g.Latched(), []int{1, 2}) {
		t.Fatalf("Latched = %v, want [1 2]", g.Latched())
	}

	g.Unlatch(1)
	if got := g.Tick(snap, []int{1, 2}); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("Tick after Unlatch = %v, want [1]", got)
	}
}

func TestSuppressionMutesHardLock(t *testing.T) {
	g, _, clock := newTestGuard(ccdConfig())
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 5, 0),
		2: moving(8, 0, 0, 0),
	}}
	g.SuppressFor(1, time.Second)
	g.SuppressFor(1, 100*time.Millisecond) // shorter window keeps the longer one
	if !g.IsSuppressed(1) {
		t.Fatalf("IsSuppressed(1) = false, want true")
	}
	if got := g.Tick(snap, []int{1, 2}); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("Tick = %v, want [2]", got)
	}

	clock.SetTime(clock.Now().Add(500 * time.Millisecond))
	if !g.IsSuppressed(1) {
		t.Fatalf("suppression ended early")
	}
	clock.SetTime(clock.Now().Add(600 * time.Millisecond))
	if g.IsSuppressed(1) {
		t.Fatalf("suppression still active after window")
	}
	if got := g.Tick(snap, []int{1, 2}); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("Tick after window = %v, want [1]", got)
	}
}

func TestSuppressedRobotSkipsPairBreach(t *testing.T) {
	g, _, _ := newTestGuard(ccdConfig())
	g.SetGoalProvider(everyoneHasGoal)
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 10, 0),
		2: moving(12, 0, -10, 0),
	}}
	g.SuppressFor(2, time.Second)
	if got := g.Tick(snap, []int{1, 2}); got != nil {
		t.Fatalf("Tick = %v, want nil", got)
	}
}

func TestObstacleBreach(t *testing.T) {
	cfg := DefaultConfig()
	g, _, _ := newTestGuard(cfg)
	snap := model.TagSnapshot{
		Tags:      map[int]model.TagInfo{1: moving(0, 0, 10, 0)},
		Obstacles: []model.Obstacle{{X: 12, Y: 0}},
	}
	// Without a goal only the hard-lock radius (6 + 5) applies.
	if got := g.Tick(snap, []int{1}); got != nil {
		t.Fatalf("Tick without goal = %v, want nil", got)
	}

	g.SetGoalProvider(everyoneHasGoal)
	if got := g.Tick(snap, []int{1}); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("Tick with goal = %v, want [1]", got)
	}
}

func TestObstacleBreachReason(t *testing.T) {
	g, _, _ := newTestGuard(DefaultConfig())
	hit, reason := g.obstacleBreachWithinStep(geom.Vec2{}, geom.Vec2{X: 10}, geom.Vec2{X: 12}, 5)
	if !hit || reason != ReasonObstacleBreach {
		t.Fatalf("obstacleBreachWithinStep = (%v, %q), want (true, %q)", hit, reason, ReasonObstacleBreach)
	}
	hit, reason = g.obstacleBreachWithinStep(geom.Vec2{}, geom.Vec2{X: 10}, geom.Vec2{X: 10}, 5)
	if !hit || reason != ReasonObstacleHardLock {
		t.Fatalf("obstacleBreachWithinStep = (%v, %q), want (true, %q)", hit, reason, ReasonObstacleHardLock)
	}
	// Moving away.
	if hit, _ := g.obstacleBreachWithinStep(geom.Vec2{}, geom.Vec2{X: -10}, geom.Vec2{X: 12}, 5); hit {
		t.Fatalf("receding robot flagged")
	}
}

func TestClusters(t *testing.T) {
	snap := model.TagSnapshot{Tags: map[int]model.TagInfo{
		1: moving(0, 0, 0, 0),
		2: moving(10, 0, 0, 0),
		3: moving(20, 0, 0, 0),
		4: moving(100, 0, 0, 0),
		5: moving(105, 0, 0, 0),
		6: moving(200, 0, 0, 0),
		7: {Status: model.StatusOff, PositionCM: geom.Vec2{X: 201}},
	}}
	got := Clusters(snap, []int{1, 2, 3, 4, 5, 6, 7}, 12)
	want := [][]int{{1, 2, 3}, {4, 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Clusters = %v, want %v", got, want)
	}
}

func TestConfigCorridorDefaultsHalfWidth(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Corridor().HalfWidthCM; got != cfg.CollisionRadiusCM {
		t.Fatalf("HalfWidthCM = %v, want %v", got, cfg.CollisionRadiusCM)
	}
	cfg.CorridorHalfCM = 4
	if got := cfg.Corridor().HalfWidthCM; got != 4 {
		t.Fatalf("HalfWidthCM = %v, want 4", got)
	}
}
