package guard

import (
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/corridor"
)

// Config tunes collision prediction. Distances are centimetres and speeds
// centimetres per second.
type Config struct {
	StepCM            float64       `mapstructure:"step_cm"`
	CollisionRadiusCM float64       `mapstructure:"collision_radius_cm"`
	EpsStepCM         float64       `mapstructure:"eps_step_cm"`
	VMinCMPS          float64       `mapstructure:"vmin_cmps"`
	MaxPairs          int           `mapstructure:"max_pairs"`
	TauLatency        time.Duration `mapstructure:"tau_latency"`
	ArmDistCM         float64       `mapstructure:"arm_dist_cm"`
	VrMinCMPS         float64       `mapstructure:"vr_min_cmps"`
	ObstacleRadiusCM  float64       `mapstructure:"obstacle_radius_cm"`
	MaxObstacles      int           `mapstructure:"max_obstacles"`
	// CorridorHalfCM is the corridor half width; zero means
	// CollisionRadiusCM.
	CorridorHalfCM float64 `mapstructure:"corridor_half_cm"`
}

// DefaultConfig returns the tuning used on the reference board.
func DefaultConfig() Config {
	return Config{
		StepCM:            15,
		CollisionRadiusCM: 6,
		EpsStepCM:         1,
		VMinCMPS:          3,
		MaxPairs:          1000,
		ArmDistCM:         15,
		VrMinCMPS:         5,
		ObstacleRadiusCM:  5,
		MaxObstacles:      200,
	}
}

// Corridor derives the corridor inspector sizing from the guard tuning.
func (c Config) Corridor() corridor.Config {
	half := c.CorridorHalfCM
	if half <= 0 {
		half = c.CollisionRadiusCM
	}
	return corridor.Config{
		StepCM:           c.StepCM,
		EpsStepCM:        c.EpsStepCM,
		TauLatency:       c.TauLatency,
		HalfWidthCM:      half,
		DefaultSpeed:     20,
		ObstacleRadiusCM: c.ObstacleRadiusCM,
	}
}
