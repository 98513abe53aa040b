package controller

import (
	"math"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/sched"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// AlignMode selects what an alignment corrects.
type AlignMode string

const (
	// AlignCenter drives the robot onto the centre of its cell.
	AlignCenter AlignMode = "center"
	// AlignDirection turns the robot onto the nearest grid axis.
	AlignDirection AlignMode = "direction"
	// AlignNorth turns the robot to face board north.
	AlignNorth AlignMode = "north"
	// AlignStep brings the robot onto its step destination after a move.
	AlignStep AlignMode = "step"
)

type alignment struct {
	mode     AlignMode
	next     []AlignMode
	attempts int
	token    uint64
	retryID  string
	waiting  bool
}

// RunCenterAlign centres the given robots in their cells. With release set,
// RE is sent first.
func (c *Controller) RunCenterAlign(ids []int, release bool) {
	c.runAlign(ids, release, AlignCenter)
}

// RunDirectionAlign turns the given robots onto the nearest grid axis.
func (c *Controller) RunDirectionAlign(ids []int, release bool) {
	c.runAlign(ids, release, AlignDirection)
}

// RunNorthAlign turns the given robots to face board north.
func (c *Controller) RunNorthAlign(ids []int, release bool) {
	c.runAlign(ids, release, AlignNorth)
}

// RunAlignSequence centres the robots and then squares their heading. The
// direction pass for a robot starts once its centre pass verifies.
func (c *Controller) RunAlignSequence(ids []int, release bool) {
	c.runAlign(ids, release, AlignCenter, AlignDirection)
}

// AlignedRecently reports whether rid finished an alignment within d.
func (c *Controller) AlignedRecently(rid int, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.alignedAt[rid]
	return ok && c.sched.Now().Sub(at) <= d
}

// Aligning lists robots with an alignment in progress.
func (c *Controller) Aligning() map[int]AlignMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]AlignMode, len(c.align))
	for rid, a := range c.align {
		out[rid] = a.mode
	}
	return out
}

func (c *Controller) runAlign(ids []int, release bool, modes ...AlignMode) {
	fx := &effects{}
	c.mu.Lock()
	snap := c.tags.Snapshot()
	for _, rid := range ids {
		if release {
			c.controlLocked(fx, rid, command.Resume)
		}
		if a, ok := c.align[rid]; ok {
			c.cancelAlignLocked(a)
			delete(c.align, rid)
		}
		c.startAlignLocked(fx, rid, modes, snap)
	}
	c.mu.Unlock()
	c.apply(fx)
}

// startAlignLocked begins the first mode in modes that rid does not already
// satisfy. When none is left the alignment completes immediately.
func (c *Controller) startAlignLocked(fx *effects, rid int, modes []AlignMode, snap model.TagSnapshot) {
	for i, m := range modes {
		if c.alignedLocked(rid, m, snap) {
			continue
		}
		c.alignSeq++
		a := &alignment{mode: m, next: modes[i+1:], token: c.alignSeq}
		c.align[rid] = a
		c.log.Info(c.logCtx(), "alignment pending",
			logging.Robot(rid),
			logging.String("mode", string(m)),
		)
		c.sendAlignLocked(fx, rid, a, snap)
		return
	}
	last := AlignStep
	if len(modes) > 0 {
		last = modes[len(modes)-1]
	}
	c.completeAlignLocked(fx, rid, last)
}

// sendAlignLocked issues one correction attempt. Without a usable pose the
// attempt is spent on a delayed re-check instead.
func (c *Controller) sendAlignLocked(fx *effects, rid int, a *alignment, snap model.TagSnapshot) {
	if c.stoppedLocked(rid) {
		c.scheduleAlignCheckLocked(rid, a)
		return
	}
	a.attempts++
	if a.attempts > 1 {
		c.metrics.IncAlignmentRetries(string(a.mode))
	}
	cmds := c.alignCmdsLocked(rid, a.mode, snap)
	if len(cmds) == 0 {
		c.scheduleAlignCheckLocked(rid, a)
		return
	}
	c.dispatchLocked(fx, rid, cmds, kindAlign)
}

func (c *Controller) scheduleAlignCheckLocked(rid int, a *alignment) {
	if a.waiting {
		return
	}
	a.waiting = true
	token := a.token
	a.retryID = sched.After(c.sched, c.cfg.AlignmentDelay, func() { c.retryAlign(rid, token) })
}

func (c *Controller) cancelAlignLocked(a *alignment) {
	if a.retryID != "" {
		c.sched.Cancel(a.retryID)
		a.retryID = ""
	}
	a.waiting = false
}

// onAlignDoneLocked runs when the last command of a correction completes.
func (c *Controller) onAlignDoneLocked(fx *effects, rid int, a *alignment) {
	snap := c.tags.Snapshot()
	if c.alignedLocked(rid, a.mode, snap) {
		c.finishAlignLocked(fx, rid, a, snap)
		return
	}
	c.scheduleAlignCheckLocked(rid, a)
}

// retryAlign re-checks after the settle delay and resends or gives up.
func (c *Controller) retryAlign(rid int, token uint64) {
	fx := &effects{}
	c.mu.Lock()
	a, ok := c.align[rid]
	if !ok || a.token != token {
		c.mu.Unlock()
		return
	}
	a.waiting = false
	a.retryID = ""
	snap := c.tags.Snapshot()
	switch {
	case c.alignedLocked(rid, a.mode, snap):
		c.finishAlignLocked(fx, rid, a, snap)
	case c.expect[rid] != "":
		// A correction is still running; its DONE re-enters the loop.
	case c.cfg.MaxAlignAttempts > 0 && a.attempts >= c.cfg.MaxAlignAttempts:
		c.failAlignLocked(fx, rid, a)
	default:
		c.sendAlignLocked(fx, rid, a, snap)
	}
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) finishAlignLocked(fx *effects, rid int, a *alignment, snap model.TagSnapshot) {
	c.cancelAlignLocked(a)
	delete(c.align, rid)
	c.alignedAt[rid] = c.sched.Now()
	c.log.Info(c.logCtx(), "alignment verified",
		logging.Robot(rid),
		logging.String("mode", string(a.mode)),
		logging.Int("attempts", a.attempts),
	)
	if len(a.next) > 0 {
		c.startAlignLocked(fx, rid, a.next, snap)
		return
	}
	c.completeAlignLocked(fx, rid, a.mode)
}

func (c *Controller) completeAlignLocked(fx *effects, rid int, mode AlignMode) {
	if mode == AlignStep {
		c.stepSettledLocked(fx, rid)
		return
	}
	if cb := c.cb.OnAlignmentComplete; cb != nil {
		fx.call(func() { cb(rid, mode) })
	}
	// An alignment on a robot still owing this step stands in for its move.
	if c.active && c.stepInflight[rid] && !c.stepDone[rid] {
		if _, held := c.held[rid]; !held {
			c.stepSettledLocked(fx, rid)
		}
	}
}

// failAlignLocked ends an alignment whose budget is spent. A robot failing
// its step check is parked for the rest of the sequence so the barrier can
// move on without it.
func (c *Controller) failAlignLocked(fx *effects, rid int, a *alignment) {
	c.cancelAlignLocked(a)
	delete(c.align, rid)
	err := &AlignmentError{RobotID: rid, Mode: a.mode, Attempts: a.attempts}
	c.metrics.IncAlignmentFailures()
	c.log.Warn(c.logCtx(), "alignment failed",
		logging.Robot(rid),
		logging.String("mode", string(a.mode)),
		logging.Int("attempts", a.attempts),
	)
	if cb := c.cb.OnAlignmentFailed; cb != nil {
		fx.call(func() { cb(err) })
	}
	if a.mode == AlignStep && c.active {
		c.paused[rid] = true
		c.stepSettledLocked(fx, rid)
	}
}

// alignedLocked reports whether rid satisfies mode. Robots without a
// visible tag never do.
func (c *Controller) alignedLocked(rid int, mode AlignMode, snap model.TagSnapshot) bool {
	tag, ok := snap.Visible(rid)
	if !ok {
		return false
	}
	switch mode {
	case AlignCenter:
		return math.Abs(tag.DistCM) <= c.cfg.AlignmentDistCM
	case AlignDirection:
		return math.Abs(tag.HeadingOffsetDeg) < c.cfg.AlignmentAngleDeg
	case AlignNorth:
		return math.Abs(command.NorthOffset(tag.HeadingDeg)) < c.cfg.AlignmentAngleDeg
	case AlignStep:
		return c.stepDistLocked(rid, tag) <= c.cfg.StepToleranceCM &&
			math.Abs(command.AxisOffset(tag.HeadingDeg)) < c.cfg.StepToleranceDeg
	}
	return false
}

// stepDistLocked is the distance from rid to the centre of its step
// destination, or to its own cell centre when the plan has no entry.
func (c *Controller) stepDistLocked(rid int, tag model.TagInfo) float64 {
	if mv, ok := c.plan.Move(c.currentStep, rid); ok && c.board.CellCM > 0 {
		return tag.PositionCM.DistanceTo(c.board.CellCenter(mv.Dst))
	}
	return math.Abs(tag.DistCM)
}

func (c *Controller) alignCmdsLocked(rid int, mode AlignMode, snap model.TagSnapshot) []string {
	tag, ok := snap.Visible(rid)
	if !ok {
		return nil
	}
	switch mode {
	case AlignCenter:
		return command.CenterAlign(tag)
	case AlignDirection:
		return command.DirectionAlign(tag)
	case AlignNorth:
		return command.NorthAlign(tag)
	case AlignStep:
		if c.stepDistLocked(rid, tag) > c.cfg.StepToleranceCM {
			if mv, ok := c.plan.Move(c.currentStep, rid); ok && c.board.CellCM > 0 {
				if cmds := command.GoTo(tag.PositionCM, tag.HeadingDeg, c.board.CellCenter(mv.Dst)); cmds != nil {
					return cmds
				}
			} else {
				return command.CenterAlign(tag)
			}
		}
		return []string{command.Rotate(-command.AxisOffset(tag.HeadingDeg))}
	}
	return nil
}
