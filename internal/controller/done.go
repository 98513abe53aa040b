package controller

import (
	"context"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
)

// HandleMessage consumes a message from the completion topic. Other topics
// and malformed payloads are ignored.
func (c *Controller) HandleMessage(ctx context.Context, msg transport.Message) {
	if msg.Topic != c.cfg.Topics.Done {
		return
	}
	d, err := command.ParseDone(string(msg.Payload))
	if err != nil {
		c.log.Debug(ctx, "ignoring completion payload", logging.Err(err))
		return
	}
	c.HandleDone(d)
}

// HandleDone accounts one completion report. A heading-only report counts
// only when the package it belongs to ends in a heading-only command;
// otherwise it is the pre-correction ahead of a move. A report naming a
// command other than the last one dispatched to the robot is left over
// from an earlier package and is dropped.
func (c *Controller) HandleDone(d command.Done) {
	fx := &effects{}
	c.mu.Lock()
	rid := d.RobotID
	want, tracked := c.expect[rid]
	if d.ModeOnly() && (!tracked || want != command.ModeOnly) {
		c.mu.Unlock()
		c.log.Debug(c.logCtx(), "correction sub-step done", logging.Robot(rid), logging.String("cmd", d.Cmd))
		return
	}
	if tracked && !d.Matches(c.expectCmd[rid]) {
		c.mu.Unlock()
		c.log.Info(c.logCtx(), "dropping stale completion",
			logging.Robot(rid),
			logging.String("cmd", d.Cmd),
			logging.String("want", c.expectCmd[rid]),
		)
		return
	}
	delete(c.expect, rid)
	delete(c.expectCmd, rid)
	c.executing[rid] = false

	if a, ok := c.align[rid]; ok {
		c.onAlignDoneLocked(fx, rid, a)
	} else if c.active && c.stepInflight[rid] && !c.stepDone[rid] {
		if _, held := c.held[rid]; !held {
			c.onMoveDoneLocked(fx, rid)
		}
	}
	if c.paused[rid] {
		c.log.Info(c.logCtx(), "robot paused, next command withheld",
			logging.Robot(rid),
			logging.Int("sent", c.indices[rid]),
			logging.Int("total", len(c.cmdMap[rid])),
		)
	}
	c.mu.Unlock()
	c.apply(fx)
}

// onMoveDoneLocked verifies the pose after a step move. A robot that
// missed its destination is corrected before it counts as done.
func (c *Controller) onMoveDoneLocked(fx *effects, rid int) {
	if c.stoppedLocked(rid) {
		c.log.Info(c.logCtx(), "robot stopped by guard, step left open", logging.Robot(rid))
		return
	}
	if c.cfg.VerifyStepPose {
		snap := c.tags.Snapshot()
		if _, visible := snap.Visible(rid); visible && !c.alignedLocked(rid, AlignStep, snap) {
			c.startAlignLocked(fx, rid, []AlignMode{AlignStep}, snap)
			return
		}
	}
	c.stepSettledLocked(fx, rid)
}

// stepSettledLocked counts rid as done for the current step and advances
// the barrier when it can.
func (c *Controller) stepSettledLocked(fx *effects, rid int) {
	if !c.active || !c.stepInflight[rid] || c.stepDone[rid] {
		return
	}
	c.noteDoneLocked(fx, rid)
	c.log.Debug(c.logCtx(), "step progress",
		logging.Int("step", c.currentStep+1),
		logging.Int("done", len(c.stepDone)),
		logging.Int("inflight", len(c.stepInflight)),
	)
	c.releaseHeldLocked(fx)
	c.advanceIfReadyLocked(fx)
}

func (c *Controller) stoppedLocked(rid int) bool {
	return c.stopped != nil && c.stopped(rid)
}
