package controller

import (
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
)

// Config holds the dispatcher tuning.
type Config struct {
	Topics transport.Topics `mapstructure:"topics"`

	// CorrectionThresholdDeg is the heading offset at or above which a
	// forward move is preceded by a heading-only fix.
	CorrectionThresholdDeg float64 `mapstructure:"correction_threshold_deg"`

	AlignmentDelay    time.Duration `mapstructure:"alignment_delay"`
	AlignmentAngleDeg float64       `mapstructure:"alignment_angle_deg"`
	AlignmentDistCM   float64       `mapstructure:"alignment_dist_cm"`
	// MaxAlignAttempts bounds the correction commands issued for one
	// alignment request before it fails with ErrAlignmentFailed.
	MaxAlignAttempts int `mapstructure:"max_align_attempts"`

	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	CorridorGate     bool          `mapstructure:"corridor_gate"`

	// VerifyStepPose checks each robot against its step destination after a
	// move and corrects it before the barrier counts the robot as done.
	VerifyStepPose   bool    `mapstructure:"verify_step_pose"`
	StepToleranceCM  float64 `mapstructure:"step_tolerance_cm"`
	StepToleranceDeg float64 `mapstructure:"step_tolerance_deg"`
}

// DefaultConfig returns the firmware-matched defaults.
func DefaultConfig() Config {
	return Config{
		Topics:                 transport.DefaultTopics(),
		CorrectionThresholdDeg: 3,
		AlignmentDelay:         500 * time.Millisecond,
		AlignmentAngleDeg:      1,
		AlignmentDistCM:        1,
		MaxAlignAttempts:       5,
		WatchdogInterval:       100 * time.Millisecond,
		CorridorGate:           true,
		VerifyStepPose:         true,
		StepToleranceCM:        3,
		StepToleranceDeg:       5,
	}
}
