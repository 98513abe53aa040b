package command

import (
	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// CenterAlign turns the robot towards the centre of its cell and drives
// onto it.
func CenterAlign(tag model.TagInfo) []string {
	return []string{Rotate(tag.RelativeAngleDeg), Forward(tag.DistCM, ModeC)}
}

// DirectionAlign rotates the robot onto the nearest grid axis.
func DirectionAlign(tag model.TagInfo) []string {
	return []string{Rotate(-tag.HeadingOffsetDeg)}
}

// NorthAlign rotates the robot to face board north.
func NorthAlign(tag model.TagInfo) []string {
	return []string{Rotate(-NorthOffset(tag.HeadingDeg))}
}

// NorthOffset returns yaw minus board north, normalised.
func NorthOffset(yaw float64) float64 {
	return geom.NormalizeDeg(yaw - North.Yaw())
}

// AxisOffset returns yaw minus the nearest grid axis, normalised.
func AxisOffset(yaw float64) float64 {
	return geom.NormalizeDeg(yaw - HeadingFromYaw(yaw).Yaw())
}

// HeadingCorrection returns the heading-only fix issued ahead of a forward
// move, or "" when the offset is under threshold.
func HeadingCorrection(tag model.TagInfo, thresholdDeg float64) string {
	off := tag.HeadingOffsetDeg
	if off < 0 {
		off = -off
	}
	if off < thresholdDeg {
		return ""
	}
	return Rotate(-tag.HeadingOffsetDeg)
}

// GoTo builds a rotate-then-drive pair from pos/yaw to target.
func GoTo(pos geom.Vec2, yaw float64, target geom.Vec2) []string {
	d := target.Sub(pos)
	dist := d.Norm()
	if dist < 1e-6 {
		return nil
	}
	bearing := geom.HeadingOf(d)
	return []string{Rotate(geom.NormalizeDeg(bearing - yaw)), Forward(dist, ModeC)}
}
