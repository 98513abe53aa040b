package controller

import (
	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Pause asks the robots to stop after their current command and withholds
// their next step.
func (c *Controller) Pause(ids []int) {
	fx := &effects{}
	c.mu.Lock()
	for _, rid := range ids {
		c.paused[rid] = true
		c.controlLocked(fx, rid, command.Pause)
	}
	c.mu.Unlock()
	c.log.Info(c.logCtx(), "robots paused", logging.Any("robots", ids))
	c.apply(fx)
}

// Resume releases paused robots. A step that was waiting because every
// participant was paused is dispatched.
func (c *Controller) Resume(ids []int) {
	fx := &effects{}
	c.mu.Lock()
	for _, rid := range ids {
		delete(c.paused, rid)
		c.controlLocked(fx, rid, command.Resume)
	}
	if c.active && len(c.stepInflight) == 0 {
		c.sendStepLocked(fx)
	}
	c.mu.Unlock()
	c.log.Info(c.logCtx(), "robots resumed", logging.Any("robots", ids))
	c.apply(fx)
}

// Paused lists paused robots.
func (c *Controller) Paused() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.paused)
}

// ImmediateStop sends the emergency stop directive to each robot.
func (c *Controller) ImmediateStop(ids []int) {
	fx := &effects{}
	c.mu.Lock()
	for _, rid := range ids {
		c.controlLocked(fx, rid, command.EmergencyStop)
	}
	c.mu.Unlock()
	c.log.Warn(c.logCtx(), "immediate stop", logging.Any("robots", ids))
	c.apply(fx)
}

// EmergencyStopAll pauses every robot the controller knows of, planned or
// visible.
func (c *Controller) EmergencyStopAll() []int {
	fx := &effects{}
	c.mu.Lock()
	known := make(map[int]bool)
	for rid := range c.cmdMap {
		known[rid] = true
	}
	for rid := range c.tags.Snapshot().Tags {
		known[rid] = true
	}
	ids := sortedKeys(known)
	for _, rid := range ids {
		c.paused[rid] = true
		c.controlLocked(fx, rid, command.Pause)
	}
	c.mu.Unlock()
	c.log.Warn(c.logCtx(), "emergency stop", logging.Any("robots", ids))
	c.apply(fx)
	return ids
}

// ReleaseAll sends RE to each robot and clears its pause.
func (c *Controller) ReleaseAll(ids []int) {
	fx := &effects{}
	c.mu.Lock()
	for _, rid := range ids {
		delete(c.paused, rid)
		c.controlLocked(fx, rid, command.Resume)
	}
	c.mu.Unlock()
	c.apply(fx)
}

// RegisterStepGoals sets goal cells used by StepGoalCM and GoToStepGoal
// outside a planned step. They are cleared when a sequence starts or stops.
func (c *Controller) RegisterStepGoals(goals map[int]model.Cell) {
	c.mu.Lock()
	for rid, cell := range goals {
		c.goals[rid] = cell
	}
	c.mu.Unlock()
}

// ClearStepGoals drops goals set with RegisterStepGoals.
func (c *Controller) ClearStepGoals() {
	c.mu.Lock()
	c.goals = map[int]model.Cell{}
	c.mu.Unlock()
}

// StepGoalCM returns the board position rid is currently heading for.
func (c *Controller) StepGoalCM(rid int) (geom.Vec2, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.stepGoalCellLocked(rid)
	if !ok || c.board.CellCM <= 0 {
		return geom.Vec2{}, false
	}
	return c.board.CellCenter(cell), true
}

func (c *Controller) stepGoalCellLocked(rid int) (model.Cell, bool) {
	if cell, ok := c.goals[rid]; ok {
		return cell, true
	}
	if !c.active {
		return model.Cell{}, false
	}
	if mv, ok := c.plan.Move(c.currentStep, rid); ok {
		return mv.Dst, true
	}
	return model.Cell{}, false
}

// GoToStepGoal drives each robot straight to the centre of its step goal.
// A held move is replaced by this command; its completion settles the step.
func (c *Controller) GoToStepGoal(ids []int) {
	fx := &effects{}
	c.mu.Lock()
	snap := c.tags.Snapshot()
	for _, rid := range ids {
		cell, ok := c.stepGoalCellLocked(rid)
		if !ok || c.board.CellCM <= 0 {
			c.log.Debug(c.logCtx(), "no step goal", logging.Robot(rid))
			continue
		}
		tag, visible := snap.Visible(rid)
		if !visible {
			continue
		}
		cmds := command.GoTo(tag.PositionCM, tag.HeadingDeg, c.board.CellCenter(cell))
		if len(cmds) == 0 {
			continue
		}
		delete(c.held, rid)
		c.dispatchLocked(fx, rid, cmds, kindAlign)
	}
	c.mu.Unlock()
	c.apply(fx)
}
