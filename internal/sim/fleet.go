// Package sim is a kinematic stand-in for the robot fleet. It consumes the
// same command envelopes and control directives as the firmware, moves each
// robot at a fixed linear and angular speed, reports DONE per finished
// command and feeds poses to a perception observer.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/perception"
	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// Config tunes the simulated robots.
type Config struct {
	SpeedCMPS  float64       `mapstructure:"speed_cmps"`
	TurnDegPS  float64       `mapstructure:"turn_degps"`
	StayFor    time.Duration `mapstructure:"stay_for"`
	StepPeriod time.Duration `mapstructure:"step_period"`
}

// DefaultConfig returns a fleet that covers a 30 cm cell in one second.
func DefaultConfig() Config {
	return Config{
		SpeedCMPS:  30,
		TurnDegPS:  180,
		StayFor:    500 * time.Millisecond,
		StepPeriod: 50 * time.Millisecond,
	}
}

// Observer receives robot poses after every simulation step.
type Observer interface {
	Observe(p perception.Pose)
}

type segKind int

const (
	segRotate segKind = iota
	segTranslate
	segWait
)

type segment struct {
	kind segKind
	// left is degrees, centimetres or seconds depending on kind. sign is
	// the rotation direction.
	left float64
	sign float64
}

type robot struct {
	id      int
	pos     geom.Vec2
	yaw     float64
	queue   []string
	current string
	segs    []segment
	paused  bool
}

// Fleet is the simulated fleet. It is safe for concurrent use.
type Fleet struct {
	cfg    Config
	board  model.Board
	topics transport.Topics
	pub    transport.Publisher
	obs    Observer
	clock  timectrl.SimClock
	log    logging.Logger

	mu     sync.Mutex
	robots map[int]*robot
}

// Deps wires the fleet. Observer and Clock may be nil.
type Deps struct {
	Board     model.Board
	Topics    transport.Topics
	Publisher transport.Publisher
	Observer  Observer
	Clock     timectrl.SimClock
	Log       logging.Logger
}

// New builds an empty fleet.
func New(cfg Config, deps Deps) *Fleet {
	def := DefaultConfig()
	if cfg.SpeedCMPS <= 0 {
		cfg.SpeedCMPS = def.SpeedCMPS
	}
	if cfg.TurnDegPS <= 0 {
		cfg.TurnDegPS = def.TurnDegPS
	}
	if cfg.StepPeriod <= 0 {
		cfg.StepPeriod = def.StepPeriod
	}
	clock := deps.Clock
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	return &Fleet{
		cfg:    cfg,
		board:  deps.Board,
		topics: deps.Topics,
		pub:    deps.Publisher,
		obs:    deps.Observer,
		clock:  clock,
		log:    logging.OrNoop(deps.Log),
		robots: make(map[int]*robot),
	}
}

// Spawn places a robot at the centre of cell facing heading.
func (f *Fleet) Spawn(rid int, cell model.Cell, heading command.Heading) {
	f.mu.Lock()
	f.robots[rid] = &robot{id: rid, pos: f.board.CellCenter(cell), yaw: heading.Yaw()}
	f.mu.Unlock()
	f.observe()
}

// Place sets an exact pose, used to inject drift.
func (f *Fleet) Place(rid int, pos geom.Vec2, yaw float64) {
	f.mu.Lock()
	if r, ok := f.robots[rid]; ok {
		r.pos, r.yaw = pos, yaw
	}
	f.mu.Unlock()
	f.observe()
}

// Pose returns the current pose of rid.
func (f *Fleet) Pose(rid int) (geom.Vec2, float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.robots[rid]
	if !ok {
		return geom.Vec2{}, 0, false
	}
	return r.pos, r.yaw, true
}

// Cell returns the grid cell rid currently occupies.
func (f *Fleet) Cell(rid int) (model.Cell, bool) {
	pos, _, ok := f.Pose(rid)
	if !ok {
		return model.Cell{}, false
	}
	return f.board.CellAt(pos), true
}

// Idle reports whether no robot has work queued.
func (f *Fleet) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.robots {
		if r.current != "" || (len(r.queue) > 0 && !r.paused) {
			return false
		}
	}
	return true
}

// Robots lists the simulated robot ids.
func (f *Fleet) Robots() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.robots))
	for rid := range f.robots {
		out = append(out, rid)
	}
	sort.Ints(out)
	return out
}

// HandleMessage consumes a command envelope or a control directive.
func (f *Fleet) HandleMessage(ctx context.Context, msg transport.Message) {
	if msg.Topic == f.topics.Commands {
		pkgs, err := command.Decode(msg.Payload)
		if err != nil {
			f.log.Warn(ctx, "sim: bad command envelope", logging.Err(err))
			return
		}
		for rid, cmds := range pkgs {
			f.Deliver(rid, cmds)
		}
		return
	}
	if rid, ok := f.topics.ParseControl(msg.Topic); ok {
		f.Control(rid, string(msg.Payload))
	}
}

// Deliver queues a command package for rid.
func (f *Fleet) Deliver(rid int, cmds []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.robots[rid]
	if !ok {
		return
	}
	r.queue = append(r.queue, cmds...)
}

// Control applies a directive: S pauses after the current command, RE
// resumes and im_S drops all queued work at once.
func (f *Fleet) Control(rid int, directive string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.robots[rid]
	if !ok {
		return
	}
	switch directive {
	case command.Pause:
		r.paused = true
	case command.Resume:
		r.paused = false
	case command.EmergencyStop:
		r.paused = false
		r.queue = nil
		r.current = ""
		r.segs = nil
	}
}

// Step advances every robot by dt and publishes the resulting reports.
func (f *Fleet) Step(ctx context.Context, dt time.Duration) {
	var done []command.Done
	f.mu.Lock()
	for _, rid := range f.sortedLocked() {
		done = append(done, f.stepRobotLocked(f.robots[rid], dt.Seconds())...)
	}
	f.mu.Unlock()

	for _, d := range done {
		if f.pub == nil {
			break
		}
		if err := f.pub.Publish(ctx, f.topics.Done, []byte(d.String())); err != nil {
			f.log.Warn(ctx, "sim: DONE publish failed", logging.Robot(d.RobotID), logging.Err(err))
		}
	}
	f.observe()
}

// Run subscribes to the command topics and steps the fleet every
// StepPeriod until ctx is cancelled.
func (f *Fleet) Run(ctx context.Context, sub transport.Subscriber) error {
	g, ctx := errgroup.WithContext(ctx)
	topics := []string{f.topics.Commands}
	for _, rid := range f.Robots() {
		topics = append(topics, f.topics.Control(rid))
	}
	for _, topic := range topics {
		ch, err := sub.Subscribe(topic, 0)
		if err != nil {
			return fmt.Errorf("sim: subscribe %s: %w", topic, err)
		}
		g.Go(func() error {
			return transport.Dispatch(ctx, ch, func(m transport.Message) { f.HandleMessage(ctx, m) })
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.clock.After(f.cfg.StepPeriod):
				f.Step(ctx, f.cfg.StepPeriod)
			}
		}
	})
	return g.Wait()
}

func (f *Fleet) sortedLocked() []int {
	ids := make([]int, 0, len(f.robots))
	for rid := range f.robots {
		ids = append(ids, rid)
	}
	sort.Ints(ids)
	return ids
}

func (f *Fleet) stepRobotLocked(r *robot, dt float64) []command.Done {
	var out []command.Done
	for dt > 0 {
		if r.current == "" {
			if r.paused || len(r.queue) == 0 {
				return out
			}
			r.current, r.queue = r.queue[0], r.queue[1:]
			r.segs = f.expand(r.current)
		}
		for dt > 0 && len(r.segs) > 0 {
			dt = f.advance(r, &r.segs[0], dt)
			if r.segs[0].left <= 1e-9 {
				r.segs = r.segs[1:]
			}
		}
		if len(r.segs) > 0 {
			return out
		}
		out = append(out, command.Done{RobotID: r.id, Cmd: r.current, Mode: command.DoneMode(r.current)})
		r.current = ""
	}
	return out
}

// advance consumes up to dt seconds of s and returns the time left over.
func (f *Fleet) advance(r *robot, s *segment, dt float64) float64 {
	var rate float64
	switch s.kind {
	case segRotate:
		rate = f.cfg.TurnDegPS
	case segTranslate:
		rate = f.cfg.SpeedCMPS
	default:
		rate = 1
	}
	step := math.Min(s.left, rate*dt)
	switch s.kind {
	case segRotate:
		r.yaw = math.Mod(r.yaw+s.sign*step+360, 360)
	case segTranslate:
		r.pos = r.pos.Add(geom.FromHeading(r.yaw).Scale(step))
	}
	s.left -= step
	return dt - step/rate
}

// expand turns a command into motion segments. Bare turns are the
// turn-and-advance primitives of a path: they rotate and then drive one
// cell. T is always a half turn.
func (f *Fleet) expand(cmd string) []segment {
	p, err := command.Parse(cmd)
	if err != nil {
		return nil
	}
	stay := f.cfg.StayFor.Seconds()
	switch p.Kind {
	case command.KindStay:
		return []segment{{kind: segWait, left: stay}}
	case command.KindForward:
		return []segment{{kind: segTranslate, left: p.Value}}
	}
	seg := segment{kind: segRotate, left: p.Value, sign: 1}
	switch p.Kind {
	case command.KindRight:
		seg.sign = -1
	case command.KindTurn:
		seg.left = 180
	}
	if p.Mode != "" {
		return []segment{seg}
	}
	return []segment{seg, {kind: segTranslate, left: f.board.CellCM}}
}

func (f *Fleet) observe() {
	if f.obs == nil {
		return
	}
	now := f.clock.Now()
	f.mu.Lock()
	poses := make([]perception.Pose, 0, len(f.robots))
	for _, rid := range f.sortedLocked() {
		r := f.robots[rid]
		poses = append(poses, perception.Pose{RobotID: rid, PositionCM: r.pos, HeadingDeg: r.yaw, At: now})
	}
	f.mu.Unlock()
	for _, p := range poses {
		f.obs.Observe(p)
	}
}
