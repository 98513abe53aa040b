// Package controller is the barrier-step dispatcher. It turns per-robot
// command lists into synchronised steps, holds moves that would swap cells
// or enter an occupied corridor, verifies poses after each move and runs the
// alignment correction loops.
//
// All state lives behind one mutex. Methods compute their effects while
// holding it and publish or invoke callbacks only after it is released, so
// callbacks may call back into the controller.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/corridor"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/sched"
	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Outcome is the reason a sequence ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
)

// Gate labels a reason for holding a move.
const (
	GateYield    = "yield"
	GateCorridor = "corridor"
)

const (
	kindMove    = "move"
	kindAlign   = "align"
	kindControl = "control"
)

// SequenceResult is delivered to OnSequenceComplete.
type SequenceResult struct {
	ID      string
	Outcome Outcome
	Steps   int
}

// Callbacks are invoked without the controller lock held. Any of them may
// be nil.
type Callbacks struct {
	OnSequenceComplete  func(SequenceResult)
	OnRobotComplete     func(rid int)
	OnAlignmentComplete func(rid int, mode AlignMode)
	OnAlignmentFailed   func(err *AlignmentError)
}

// Deps are the collaborators of a Controller. Publisher, Tags and
// Scheduler are required.
type Deps struct {
	Publisher transport.Publisher
	Tags      model.TagSource
	Scheduler sched.EventScheduler
	Corridor  *corridor.Inspector
	Board     model.Board
	Log       logging.Logger
	Metrics   *observability.FleetCollector
	// Stopped reports robots halted by the collision guard. Their pose is
	// not verified or corrected until they are released.
	Stopped func(rid int) bool
}

type heldMove struct {
	cmds  []string
	gate  string
	block *model.Cell
}

// Controller dispatches barrier steps. It is safe for concurrent use.
type Controller struct {
	cfg      Config
	pub      transport.Publisher
	tags     model.TagSource
	sched    sched.EventScheduler
	corridor *corridor.Inspector
	board    model.Board
	log      logging.Logger
	metrics  *observability.FleetCollector
	stopped  func(rid int) bool

	mu sync.Mutex
	cb Callbacks

	seqID       string
	active      bool
	currentStep int
	maxSteps    int
	cmdMap      map[int][]string
	plan        model.StepCellPlan
	indices     map[int]int
	paused      map[int]bool
	completed   map[int]bool

	stepInflight map[int]bool
	stepDone     map[int]bool
	held         map[int]heldMove
	watchdogID   string
	pauseOnStep  bool

	executing map[int]bool
	expect    map[int]string
	expectCmd map[int]string
	align     map[int]*alignment
	alignSeq  uint64
	alignedAt map[int]time.Time
	goals     map[int]model.Cell
}

// New creates an idle controller.
func New(cfg Config, deps Deps) *Controller {
	return &Controller{
		cfg:          cfg,
		pub:          deps.Publisher,
		tags:         deps.Tags,
		sched:        deps.Scheduler,
		corridor:     deps.Corridor,
		board:        deps.Board,
		log:          logging.OrNoop(deps.Log),
		metrics:      deps.Metrics,
		stopped:      deps.Stopped,
		cmdMap:       map[int][]string{},
		indices:      map[int]int{},
		paused:       map[int]bool{},
		completed:    map[int]bool{},
		stepInflight: map[int]bool{},
		stepDone:     map[int]bool{},
		held:         map[int]heldMove{},
		executing:    map[int]bool{},
		expect:       map[int]string{},
		expectCmd:    map[int]string{},
		align:        map[int]*alignment{},
		alignedAt:    map[int]time.Time{},
		goals:        map[int]model.Cell{},
	}
}

// SetCallbacks replaces the completion callbacks.
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// Config returns the controller tuning.
func (c *Controller) Config() Config { return c.cfg }

// StartSequence begins barrier execution of cmdMap. plan supplies the
// per-step source and destination cells used by the yield gate and the
// step goal lookup; it may be nil.
func (c *Controller) StartSequence(cmdMap map[int][]string, plan model.StepCellPlan) (string, error) {
	fx := &effects{}
	c.mu.Lock()
	if len(cmdMap) == 0 {
		c.active = false
		c.mu.Unlock()
		return "", ErrNoCommands
	}
	c.resetLocked(false)
	for rid, a := range c.align {
		if _, planned := cmdMap[rid]; planned || a.mode == AlignStep {
			c.cancelAlignLocked(a)
			delete(c.align, rid)
			delete(c.expect, rid)
			delete(c.expectCmd, rid)
			c.executing[rid] = false
		}
	}
	c.seqID = uuid.NewString()
	c.cmdMap = make(map[int][]string, len(cmdMap))
	for rid, cmds := range cmdMap {
		c.cmdMap[rid] = append([]string(nil), cmds...)
		c.indices[rid] = 0
		if len(cmds) > c.maxSteps {
			c.maxSteps = len(cmds)
		}
	}
	if plan == nil {
		plan = model.StepCellPlan{}
	}
	c.plan = plan
	c.active = true
	id := c.seqID
	c.log.Info(c.logCtx(), "sequence started",
		logging.Int("steps", c.maxSteps),
		logging.Any("robots", sortedKeys(c.cmdMap)),
	)
	c.sendStepLocked(fx)
	c.mu.Unlock()

	c.apply(fx)
	return id, nil
}

// StopSequence ends the active sequence without firing OnSequenceComplete.
// Held moves, the watchdog and every pending alignment retry are cancelled
// so that late events cannot leak into a following sequence.
func (c *Controller) StopSequence() {
	c.mu.Lock()
	wasActive := c.active
	c.resetLocked(true)
	c.mu.Unlock()
	if wasActive {
		c.metrics.IncSequences("stopped")
		c.log.Info(context.Background(), "sequence stopped")
	}
}

// RequestPauseOnStepBoundary stops the sequence after the current step
// completes and reports OutcomePaused.
func (c *Controller) RequestPauseOnStepBoundary() {
	c.mu.Lock()
	if c.active {
		c.pauseOnStep = true
	}
	c.mu.Unlock()
}

// Active reports whether a sequence is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CurrentStep returns the zero-based step being executed.
func (c *Controller) CurrentStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentStep
}

// MaxSteps returns the length of the longest command list.
func (c *Controller) MaxSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSteps
}

// SequenceID returns the id of the current or last sequence.
func (c *Controller) SequenceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqID
}

// IsExecuting reports whether rid has a dispatched or held command that has
// not completed.
func (c *Controller) IsExecuting(rid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing[rid]
}

// Held returns the robots whose move is held this step, with the gate that
// holds them.
func (c *Controller) Held() map[int]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]string, len(c.held))
	for rid, h := range c.held {
		out[rid] = h.gate
	}
	return out
}

// resetLocked clears the sequence bookkeeping. Alignments in progress
// survive unless withAlign is set.
func (c *Controller) resetLocked(withAlign bool) {
	c.cancelWatchdogLocked()
	if withAlign {
		for rid, a := range c.align {
			c.cancelAlignLocked(a)
			delete(c.align, rid)
		}
	}
	c.active = false
	c.pauseOnStep = false
	c.currentStep = 0
	c.maxSteps = 0
	c.cmdMap = map[int][]string{}
	c.plan = nil
	c.indices = map[int]int{}
	c.paused = map[int]bool{}
	c.completed = map[int]bool{}
	c.stepInflight = map[int]bool{}
	c.stepDone = map[int]bool{}
	c.held = map[int]heldMove{}
	c.goals = map[int]model.Cell{}
	for rid := range c.executing {
		if _, aligning := c.align[rid]; !aligning {
			delete(c.executing, rid)
			delete(c.expect, rid)
			delete(c.expectCmd, rid)
		}
	}
}

// sendStepLocked dispatches the commands of currentStep.
func (c *Controller) sendStepLocked(fx *effects) {
	if !c.active {
		return
	}
	c.cancelWatchdogLocked()
	c.stepInflight = map[int]bool{}
	c.stepDone = map[int]bool{}
	c.held = map[int]heldMove{}

	var participants []int
	for _, rid := range sortedKeys(c.cmdMap) {
		if c.currentStep < len(c.cmdMap[rid]) {
			participants = append(participants, rid)
		}
	}
	if len(participants) == 0 {
		c.finishLocked(fx, OutcomeCompleted)
		return
	}
	var targets []int
	for _, rid := range participants {
		if !c.paused[rid] {
			targets = append(targets, rid)
		}
	}
	ctx := c.logCtx()
	if len(targets) == 0 {
		c.log.Info(ctx, "all step participants paused, waiting",
			logging.Int("step", c.currentStep+1),
			logging.Int("max_steps", c.maxSteps),
		)
		return
	}

	snap := c.tags.Snapshot()
	moves := c.plan.Step(c.currentStep)
	for _, rid := range targets {
		cmd := c.cmdMap[rid][c.currentStep]
		c.indices[rid] = c.currentStep + 1
		c.stepInflight[rid] = true

		if cmd == command.Stay {
			c.executing[rid] = false
			c.noteDoneLocked(fx, rid)
			continue
		}

		pkg := []string{cmd}
		if command.IsForward(cmd) {
			if tag, ok := snap.Visible(rid); ok {
				if fix := command.HeadingCorrection(tag, c.cfg.CorrectionThresholdDeg); fix != "" {
					pkg = []string{fix, cmd}
				}
			}
		}

		if h, gated := c.gateLocked(rid, pkg, moves, snap); gated {
			c.held[rid] = h
			c.executing[rid] = true
			c.metrics.IncYieldHolds(h.gate)
			c.log.Info(ctx, "move held",
				logging.Robot(rid),
				logging.String("gate", h.gate),
				logging.Int("step", c.currentStep+1),
			)
			continue
		}
		c.dispatchLocked(fx, rid, pkg, kindMove)
	}

	c.log.Debug(ctx, "step dispatched",
		logging.Int("step", c.currentStep+1),
		logging.Int("max_steps", c.maxSteps),
		logging.Any("robots", sortedKeys(c.stepInflight)),
	)
	if len(c.held) > 0 {
		c.startWatchdogLocked()
	}
	c.advanceIfReadyLocked(fx)
}

// gateLocked decides whether a move must be held this step.
func (c *Controller) gateLocked(rid int, pkg []string, moves map[int]model.CellMove, snap model.TagSnapshot) (heldMove, bool) {
	if mv, ok := moves[rid]; ok && mv.Dst != mv.Src {
		for other, om := range moves {
			if other != rid && om.Src == mv.Dst {
				block := mv.Dst
				return heldMove{cmds: pkg, gate: GateYield, block: &block}, true
			}
		}
	}
	if c.cfg.CorridorGate && c.corridor != nil && !c.corridor.IsClearForMove(rid, pkg, snap) {
		return heldMove{cmds: pkg, gate: GateCorridor}, true
	}
	return heldMove{}, false
}

func (c *Controller) releaseOKLocked(rid int, h heldMove, snap model.TagSnapshot) bool {
	if h.block != nil {
		if _, taken := snap.CellHeldBy(*h.block); taken {
			return false
		}
	}
	if c.cfg.CorridorGate && c.corridor != nil && !c.corridor.IsClearForMove(rid, h.cmds, snap) {
		return false
	}
	return true
}

// releaseHeldLocked dispatches every held move whose gate has cleared.
func (c *Controller) releaseHeldLocked(fx *effects) {
	if !c.active || len(c.held) == 0 {
		return
	}
	snap := c.tags.Snapshot()
	var released []int
	for _, rid := range sortedKeys(c.held) {
		h := c.held[rid]
		if !c.releaseOKLocked(rid, h, snap) {
			continue
		}
		delete(c.held, rid)
		c.dispatchLocked(fx, rid, h.cmds, kindMove)
		released = append(released, rid)
	}
	if len(released) > 0 {
		c.log.Info(c.logCtx(), "held moves released", logging.Any("robots", released))
	}
}

func (c *Controller) startWatchdogLocked() {
	if c.watchdogID != "" || c.sched == nil {
		return
	}
	step := c.currentStep
	seq := c.seqID
	c.watchdogID = sched.After(c.sched, c.cfg.WatchdogInterval, func() { c.watchdog(seq, step) })
}

func (c *Controller) cancelWatchdogLocked() {
	if c.watchdogID != "" && c.sched != nil {
		c.sched.Cancel(c.watchdogID)
	}
	c.watchdogID = ""
}

// watchdog polls held moves until they are released or the step changes.
func (c *Controller) watchdog(seq string, step int) {
	fx := &effects{}
	c.mu.Lock()
	c.watchdogID = ""
	if !c.active || c.seqID != seq || c.currentStep != step || len(c.held) == 0 {
		c.mu.Unlock()
		return
	}
	c.releaseHeldLocked(fx)
	if len(c.held) > 0 {
		c.startWatchdogLocked()
	}
	c.mu.Unlock()
	c.apply(fx)
}

// noteDoneLocked records a step completion for rid and fires the per-robot
// completion callback when rid has no commands left.
func (c *Controller) noteDoneLocked(fx *effects, rid int) {
	c.stepDone[rid] = true
	if c.indices[rid] >= len(c.cmdMap[rid]) && !c.completed[rid] {
		c.completed[rid] = true
		if cb := c.cb.OnRobotComplete; cb != nil {
			fx.call(func() { cb(rid) })
		}
	}
}

func (c *Controller) stepCompleteLocked() bool {
	if len(c.stepInflight) == 0 {
		return false
	}
	for rid := range c.stepInflight {
		if !c.stepDone[rid] {
			return false
		}
	}
	return true
}

// advanceIfReadyLocked moves to the next step once every participant of the
// current one is done.
func (c *Controller) advanceIfReadyLocked(fx *effects) {
	if !c.active || !c.stepCompleteLocked() {
		return
	}
	c.metrics.IncStepsCompleted()
	c.log.Info(c.logCtx(), "step complete",
		logging.Int("step", c.currentStep+1),
		logging.Int("max_steps", c.maxSteps),
	)
	c.currentStep++
	switch {
	case c.currentStep >= c.maxSteps:
		c.finishLocked(fx, OutcomeCompleted)
	case c.pauseOnStep:
		c.finishLocked(fx, OutcomePaused)
	default:
		c.sendStepLocked(fx)
	}
}

func (c *Controller) finishLocked(fx *effects, outcome Outcome) {
	c.cancelWatchdogLocked()
	c.active = false
	c.pauseOnStep = false
	c.stepInflight = map[int]bool{}
	c.stepDone = map[int]bool{}
	c.held = map[int]heldMove{}
	res := SequenceResult{ID: c.seqID, Outcome: outcome, Steps: c.currentStep}
	c.metrics.IncSequences(string(outcome))
	c.log.Info(c.logCtx(), "sequence finished",
		logging.String("outcome", string(outcome)),
		logging.Int("steps", c.currentStep),
	)
	if cb := c.cb.OnSequenceComplete; cb != nil {
		fx.call(func() { cb(res) })
	}
}

// dispatchLocked queues a command package for rid and records which DONE
// report completes it.
func (c *Controller) dispatchLocked(fx *effects, rid int, cmds []string, kind string) {
	if len(cmds) == 0 {
		return
	}
	payload, err := command.Encode(rid, cmds)
	if err != nil {
		c.log.Error(c.logCtx(), "encode commands", logging.Robot(rid), logging.Err(err))
		return
	}
	last := cmds[len(cmds)-1]
	c.expect[rid] = command.DoneMode(last)
	c.expectCmd[rid] = last
	c.executing[rid] = true
	fx.publish(c.cfg.Topics.Commands, payload, kind, rid)
}

func (c *Controller) controlLocked(fx *effects, rid int, directive string) {
	fx.publish(c.cfg.Topics.Control(rid), []byte(directive), kindControl, rid)
}

func (c *Controller) logCtx() context.Context {
	return logging.WithSequence(context.Background(), c.seqID)
}

type outbound struct {
	topic   string
	payload []byte
	kind    string
	rid     int
}

// effects are collected under the lock and applied after it is released.
type effects struct {
	sends []outbound
	calls []func()
}

func (fx *effects) publish(topic string, payload []byte, kind string, rid int) {
	fx.sends = append(fx.sends, outbound{topic: topic, payload: payload, kind: kind, rid: rid})
}

func (fx *effects) call(f func()) {
	fx.calls = append(fx.calls, f)
}

func (c *Controller) apply(fx *effects) {
	ctx := context.Background()
	for _, m := range fx.sends {
		if err := c.pub.Publish(ctx, m.topic, m.payload); err != nil {
			c.log.Warn(ctx, "publish failed",
				logging.Robot(m.rid),
				logging.String("topic", m.topic),
				logging.Err(err),
			)
			continue
		}
		c.metrics.IncCommandsPublished(m.topic, m.kind)
	}
	for _, f := range fx.calls {
		f()
	}
}

func sortedKeys[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (r SequenceResult) String() string {
	return fmt.Sprintf("%s(%s, %d steps)", r.Outcome, r.ID, r.Steps)
}
