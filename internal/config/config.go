// Package config loads coordinator settings from defaults, an optional YAML
// file and FLEET_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/fleet-coordinator/internal/controller"
	"github.com/signalsfoundry/fleet-coordinator/internal/guard"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/perception"
	"github.com/signalsfoundry/fleet-coordinator/internal/release"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/internal/sim"
	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// EnvPrefix prefixes every environment override, e.g. FLEET_GRID_ROWS.
const EnvPrefix = "FLEET"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete coordinator configuration.
type Config struct {
	Log        LogConfig                   `mapstructure:"log"`
	Grid       GridConfig                  `mapstructure:"grid"`
	Controller controller.Config           `mapstructure:"controller"`
	Guard      guard.Config                `mapstructure:"guard"`
	Release    release.Policy              `mapstructure:"release"`
	Scenario   scenario.Config             `mapstructure:"scenario"`
	Perception PerceptionConfig            `mapstructure:"perception"`
	Transport  TransportConfig             `mapstructure:"transport"`
	Journal    JournalConfig               `mapstructure:"journal"`
	Operator   OperatorConfig              `mapstructure:"operator"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
	Tick       TickConfig                  `mapstructure:"tick"`
	Sim        SimConfig                   `mapstructure:"sim"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GridConfig sizes the board. ScenarioFile, when set, supplies obstacles,
// robots and (if non-zero) the dimensions.
type GridConfig struct {
	Rows         int     `mapstructure:"rows"`
	Cols         int     `mapstructure:"cols"`
	CellCM       float64 `mapstructure:"cell_cm"`
	ScenarioFile string  `mapstructure:"scenario_file"`
}

// PerceptionConfig tunes the pose store.
type PerceptionConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
)

// TransportConfig selects the broker.
type TransportConfig struct {
	Kind   string                 `mapstructure:"kind"`
	MQTT   transport.MQTTConfig   `mapstructure:"mqtt"`
	Outbox transport.OutboxConfig `mapstructure:"outbox"`
}

// JournalConfig locates the sqlite journal. An empty path keeps the journal
// in memory.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// OperatorConfig configures the operator gRPC surface.
type OperatorConfig struct {
	Addr      string `mapstructure:"addr"`
	QueueSize int    `mapstructure:"queue_size"`
	// Presets are the robots addressed when the operator selects none.
	Presets []int `mapstructure:"presets"`
	// GridDir is where save_grid writes snapshots.
	GridDir string `mapstructure:"grid_dir"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TickConfig sets the scenario tick period.
type TickConfig struct {
	Period time.Duration `mapstructure:"period"`
}

// SimConfig enables the simulated fleet.
type SimConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	sim.Config `mapstructure:",squash"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Grid: GridConfig{
			Rows:   8,
			Cols:   8,
			CellCM: 30,
		},
		Controller: controller.DefaultConfig(),
		Guard:      guard.DefaultConfig(),
		Release:    release.DefaultPolicy(),
		Scenario:   scenario.DefaultConfig(),
		Perception: PerceptionConfig{StaleAfter: perception.DefaultStaleAfter},
		Transport: TransportConfig{
			Kind: TransportMemory,
			MQTT: transport.MQTTConfig{
				BrokerURL:      "tcp://localhost:1883",
				ClientID:       "fleet-coordinator",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
			},
			Outbox: transport.DefaultOutboxConfig(),
		},
		Operator: OperatorConfig{
			Addr:      ":50061",
			QueueSize: 16,
			GridDir:   "grids",
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: observability.TracingConfig{
			ServiceName: "fleet-coordinator",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Tick: TickConfig{Period: 100 * time.Millisecond},
		Sim:  SimConfig{Config: sim.DefaultConfig()},
	}
}

// New returns a viper instance with defaults registered and FLEET_*
// environment overrides bound.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every default on v. Keys must be registered for
// AutomaticEnv to reach them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("grid.rows", d.Grid.Rows)
	v.SetDefault("grid.cols", d.Grid.Cols)
	v.SetDefault("grid.cell_cm", d.Grid.CellCM)
	v.SetDefault("grid.scenario_file", d.Grid.ScenarioFile)

	c := d.Controller
	v.SetDefault("controller.topics.commands", c.Topics.Commands)
	v.SetDefault("controller.topics.done", c.Topics.Done)
	v.SetDefault("controller.topics.control_prefix", c.Topics.ControlPrefix)
	v.SetDefault("controller.correction_threshold_deg", c.CorrectionThresholdDeg)
	v.SetDefault("controller.alignment_delay", c.AlignmentDelay)
	v.SetDefault("controller.alignment_angle_deg", c.AlignmentAngleDeg)
	v.SetDefault("controller.alignment_dist_cm", c.AlignmentDistCM)
	v.SetDefault("controller.max_align_attempts", c.MaxAlignAttempts)
	v.SetDefault("controller.watchdog_interval", c.WatchdogInterval)
	v.SetDefault("controller.corridor_gate", c.CorridorGate)
	v.SetDefault("controller.verify_step_pose", c.VerifyStepPose)
	v.SetDefault("controller.step_tolerance_cm", c.StepToleranceCM)
	v.SetDefault("controller.step_tolerance_deg", c.StepToleranceDeg)

	g := d.Guard
	v.SetDefault("guard.step_cm", g.StepCM)
	v.SetDefault("guard.collision_radius_cm", g.CollisionRadiusCM)
	v.SetDefault("guard.eps_step_cm", g.EpsStepCM)
	v.SetDefault("guard.vmin_cmps", g.VMinCMPS)
	v.SetDefault("guard.max_pairs", g.MaxPairs)
	v.SetDefault("guard.tau_latency", g.TauLatency)
	v.SetDefault("guard.arm_dist_cm", g.ArmDistCM)
	v.SetDefault("guard.vr_min_cmps", g.VrMinCMPS)
	v.SetDefault("guard.obstacle_radius_cm", g.ObstacleRadiusCM)
	v.SetDefault("guard.max_obstacles", g.MaxObstacles)
	v.SetDefault("guard.corridor_half_cm", g.CorridorHalfCM)

	r := d.Release
	v.SetDefault("release.arming_delay", r.ArmingDelay)
	v.SetDefault("release.manage_window", r.ManageWindow)
	v.SetDefault("release.re_spacing", r.ReSpacing)
	v.SetDefault("release.corridor_half_cm", r.CorridorHalfCM)
	v.SetDefault("release.goal_reach_eps_cm", r.GoalReachEpsCM)

	s := d.Scenario
	v.SetDefault("scenario.enabled", s.Enabled)
	v.SetDefault("scenario.mode", s.Mode)
	v.SetDefault("scenario.idle_ticks", s.IdleTicks)
	v.SetDefault("scenario.seed", s.Seed)
	v.SetDefault("scenario.aligned_within", s.AlignedWithin)
	v.SetDefault("scenario.plan_timeout", s.PlanTimeout)

	v.SetDefault("perception.stale_after", d.Perception.StaleAfter)

	t := d.Transport
	v.SetDefault("transport.kind", t.Kind)
	v.SetDefault("transport.mqtt.broker_url", t.MQTT.BrokerURL)
	v.SetDefault("transport.mqtt.client_id", t.MQTT.ClientID)
	v.SetDefault("transport.mqtt.username", t.MQTT.Username)
	v.SetDefault("transport.mqtt.password", t.MQTT.Password)
	v.SetDefault("transport.mqtt.qos", t.MQTT.QoS)
	v.SetDefault("transport.mqtt.connect_timeout", t.MQTT.ConnectTimeout)
	v.SetDefault("transport.outbox.queue_size", t.Outbox.QueueSize)
	v.SetDefault("transport.outbox.retry.initial_interval", t.Outbox.Retry.InitialInterval)
	v.SetDefault("transport.outbox.retry.max_interval", t.Outbox.Retry.MaxInterval)
	v.SetDefault("transport.outbox.retry.max_elapsed_time", t.Outbox.Retry.MaxElapsedTime)
	v.SetDefault("transport.outbox.retry.multiplier", t.Outbox.Retry.Multiplier)
	v.SetDefault("transport.outbox.retry.randomization_factor", t.Outbox.Retry.RandomizationFactor)
	v.SetDefault("transport.outbox.breaker.consecutive_failures", t.Outbox.Breaker.ConsecutiveFailures)
	v.SetDefault("transport.outbox.breaker.open_timeout", t.Outbox.Breaker.OpenTimeout)
	v.SetDefault("transport.outbox.breaker.half_open_requests", t.Outbox.Breaker.HalfOpenRequests)

	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("operator.addr", d.Operator.Addr)
	v.SetDefault("operator.queue_size", d.Operator.QueueSize)
	v.SetDefault("operator.presets", d.Operator.Presets)
	v.SetDefault("operator.grid_dir", d.Operator.GridDir)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("tick.period", d.Tick.Period)

	v.SetDefault("sim.enabled", d.Sim.Enabled)
	v.SetDefault("sim.speed_cmps", d.Sim.SpeedCMPS)
	v.SetDefault("sim.turn_degps", d.Sim.TurnDegPS)
	v.SetDefault("sim.stay_for", d.Sim.StayFor)
	v.SetDefault("sim.step_period", d.Sim.StepPeriod)
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load unmarshals v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once, each wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Grid.Rows <= 0 || c.Grid.Cols <= 0 {
		bad("grid must have positive rows and cols, got %dx%d", c.Grid.Rows, c.Grid.Cols)
	}
	if c.Grid.CellCM <= 0 {
		bad("grid.cell_cm must be positive, got %v", c.Grid.CellCM)
	}
	if c.Controller.Topics.Commands == "" || c.Controller.Topics.Done == "" || c.Controller.Topics.ControlPrefix == "" {
		bad("controller topics must all be set")
	}
	if c.Controller.MaxAlignAttempts <= 0 {
		bad("controller.max_align_attempts must be positive, got %d", c.Controller.MaxAlignAttempts)
	}
	if c.Controller.WatchdogInterval <= 0 {
		bad("controller.watchdog_interval must be positive")
	}
	if c.Guard.StepCM <= 0 || c.Guard.CollisionRadiusCM <= 0 {
		bad("guard.step_cm and guard.collision_radius_cm must be positive")
	}
	if c.Controller.CorridorGate && c.Grid.CellCM <= c.Guard.StepCM {
		bad("controller.corridor_gate needs grid.cell_cm (%v) larger than guard.step_cm (%v)", c.Grid.CellCM, c.Guard.StepCM)
	}
	if c.Release.ManageWindow <= 0 {
		bad("release.manage_window must be positive")
	}
	if c.Release.ArmingDelay < 0 {
		bad("release.arming_delay must not be negative")
	}
	if !validMode(c.Scenario.Mode) {
		bad("scenario.mode %q is not one of %v", c.Scenario.Mode, scenario.ModeNames())
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportMQTT:
		if c.Transport.MQTT.BrokerURL == "" {
			bad("transport.mqtt.broker_url is required for mqtt transport")
		}
		if c.Transport.MQTT.QoS > 2 {
			bad("transport.mqtt.qos must be 0, 1 or 2, got %d", c.Transport.MQTT.QoS)
		}
	default:
		bad("transport.kind %q is not %q or %q", c.Transport.Kind, TransportMemory, TransportMQTT)
	}
	if c.Tick.Period <= 0 {
		bad("tick.period must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		bad("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "stdout" && c.Tracing.Exporter != "otlp" {
		bad("tracing.exporter %q is not stdout or otlp", c.Tracing.Exporter)
	}
	if c.Sim.Enabled && (c.Sim.SpeedCMPS <= 0 || c.Sim.TurnDegPS <= 0) {
		bad("sim speeds must be positive")
	}
	return errors.Join(errs...)
}

// Board returns the board geometry.
func (c *Config) Board() model.Board {
	return model.Board{Rows: c.Grid.Rows, Cols: c.Grid.Cols, CellCM: c.Grid.CellCM}
}

func validMode(name string) bool {
	if name == "" {
		return true
	}
	for _, m := range scenario.ModeNames() {
		if m == name {
			return true
		}
	}
	return false
}
