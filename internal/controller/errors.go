package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrAlignmentFailed is matched by every AlignmentError.
	ErrAlignmentFailed = errors.New("alignment failed")
	// ErrNoCommands is returned by StartSequence for an empty command map.
	ErrNoCommands = errors.New("no commands to send")
)

// AlignmentError reports a robot that could not be brought within
// tolerance after the configured number of attempts.
type AlignmentError struct {
	RobotID  int
	Mode     AlignMode
	Attempts int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("robot %d: %s alignment failed after %d attempts", e.RobotID, e.Mode, e.Attempts)
}

// Is reports whether target is ErrAlignmentFailed.
func (e *AlignmentError) Is(target error) bool {
	return target == ErrAlignmentFailed
}
