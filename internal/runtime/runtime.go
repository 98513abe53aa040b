// Package runtime assembles the coordinator: transport, perception, the
// collision guard, the step controller, the release manager, the planner,
// the scenario manager, the journal and the operator queue. It owns their
// lifecycle and drives the perception tick loop.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/fleet-coordinator/internal/config"
	"github.com/signalsfoundry/fleet-coordinator/internal/controller"
	"github.com/signalsfoundry/fleet-coordinator/internal/corridor"
	"github.com/signalsfoundry/fleet-coordinator/internal/guard"
	"github.com/signalsfoundry/fleet-coordinator/internal/journal"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/operator"
	"github.com/signalsfoundry/fleet-coordinator/internal/perception"
	"github.com/signalsfoundry/fleet-coordinator/internal/planner"
	"github.com/signalsfoundry/fleet-coordinator/internal/release"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
	"github.com/signalsfoundry/fleet-coordinator/internal/sched"
	"github.com/signalsfoundry/fleet-coordinator/internal/sim"
	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
	"github.com/signalsfoundry/fleet-coordinator/model"
	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// schedulerPoll is how often due scheduler events are run.
const schedulerPoll = 10 * time.Millisecond

// doneBuffer sizes the completion topic subscription.
const doneBuffer = 256

// Options configures New.
type Options struct {
	Config *config.Config
	// Scenario supplies the board layout and robots. Nil loads
	// Config.Grid.ScenarioFile when set.
	Scenario *config.Scenario
	Metrics  *observability.FleetCollector
	Clock    timectrl.SimClock
	Log      logging.Logger
	// Quit is invoked by the operator quit verb.
	Quit func()
}

// Runtime owns every coordinator component.
type Runtime struct {
	Config *config.Config
	Clock  timectrl.SimClock

	Scheduler  sched.EventScheduler
	Metrics    *observability.FleetCollector
	Perception *perception.Store
	Board      *Board
	Corridor   *corridor.Inspector
	Guard      *guard.Guard
	Controller *controller.Controller
	Release    *release.Manager
	Planner    *planner.Prioritized
	Scenario   *scenario.Manager
	Journal    *journal.Store
	Dispatcher *operator.Dispatcher
	Queue      *operator.Queue
	// Sim is nil unless the simulated fleet is enabled.
	Sim *sim.Fleet

	bus    *transport.Bus
	mqtt   *transport.MQTT
	outbox *transport.Outbox
	sub    transport.Subscriber
	log    logging.Logger

	closeOnce sync.Once
}

// New builds and wires every component. The caller must Close the runtime.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("runtime: config is nil")
	}
	log := logging.OrNoop(opts.Log)
	clock := opts.Clock
	if clock == nil {
		clock = timectrl.WallClock{}
	}

	sc := opts.Scenario
	if sc == nil && cfg.Grid.ScenarioFile != "" {
		loaded, err := config.LoadScenarioFile(cfg.Grid.ScenarioFile)
		if err != nil {
			return nil, err
		}
		sc = loaded
	}
	board := cfg.Board()
	var static *model.Grid
	homes := func(int) (model.Cell, bool) { return model.Cell{}, false }
	if sc != nil {
		board.Rows, board.Cols = sc.Rows, sc.Cols
		if sc.CellCM > 0 {
			board.CellCM = sc.CellCM
		}
		static = sc.Grid()
		homes = sc.Homes()
	}

	rt := &Runtime{
		Config:    cfg,
		Clock:     clock,
		Scheduler: sched.NewEventScheduler(clock),
		Metrics:   opts.Metrics,
		log:       log,
	}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if err := rt.openTransport(ctx); err != nil {
		return nil, err
	}

	var err error
	if cfg.Journal.Path == "" {
		rt.Journal, err = journal.OpenMemory(ctx)
	} else {
		rt.Journal, err = journal.Open(ctx, cfg.Journal.Path)
	}
	if err != nil {
		return nil, err
	}

	topics := cfg.Controller.Topics
	rt.Perception = perception.NewStore(board, clock, cfg.Perception.StaleAfter)
	rt.Board = NewBoard(board, static, BoardDeps{
		GridDir: cfg.Operator.GridDir,
		Clock:   clock,
		Tags:    rt.Perception,
		Homes:   homes,
		Log:     log.With(logging.String("component", "board")),
	})

	if cfg.Sim.Enabled {
		rt.Sim = sim.New(cfg.Sim.Config, sim.Deps{
			Board:     board,
			Topics:    topics,
			Publisher: rt.outboxBase(),
			Observer:  rt.Perception,
			Clock:     clock,
			Log:       log.With(logging.String("component", "sim")),
		})
		if sc != nil {
			for _, r := range sc.Robots {
				rt.Sim.Spawn(r.ID, r.Start, r.Heading)
			}
		}
	}

	rt.Corridor = corridor.NewInspector(cfg.Guard.Corridor())
	var ctl *controller.Controller
	rt.Guard = guard.New(cfg.Guard, func(ids []int) { ctl.ImmediateStop(ids) }, clock,
		log.With(logging.String("component", "guard")), rt.Metrics)
	ctl = controller.New(cfg.Controller, controller.Deps{
		Publisher: rt.outbox,
		Tags:      rt.Perception,
		Scheduler: rt.Scheduler,
		Corridor:  rt.Corridor,
		Board:     board,
		Log:       log.With(logging.String("component", "controller")),
		Metrics:   rt.Metrics,
		Stopped:   rt.Guard.IsLatched,
	})
	rt.Controller = ctl
	rt.Guard.SetGoalProvider(ctl.StepGoalCM)

	rt.Release = release.New(cfg.Release, release.Deps{
		Guard:     rt.Guard,
		Mover:     ctl,
		Publisher: rt.outbox,
		Topics:    topics,
		Scheduler: rt.Scheduler,
		Recorder:  rt.Journal,
		Log:       log.With(logging.String("component", "release")),
		Metrics:   rt.Metrics,
	})

	rt.Planner = planner.NewPrioritized(planner.Options{Log: log.With(logging.String("component", "planner"))})
	modes := func(name string) (scenario.Mode, error) {
		return scenario.NewMode(name, scenario.ModeOptions{
			IdleTicks: cfg.Scenario.IdleTicks,
			Seed:      cfg.Scenario.Seed,
			Homes:     homes,
		})
	}
	mode, err := modes(cfg.Scenario.Mode)
	if err != nil {
		return nil, err
	}
	rt.Scenario = scenario.New(cfg.Scenario, mode, scenario.Deps{
		Controller: ctl,
		Planner:    rt.Planner,
		Tags:       rt.Perception,
		Grid:       rt.Board.Grid,
		Board:      board,
		Clock:      clock,
		Recorder:   rt.Journal,
		Log:        log.With(logging.String("component", "scenario")),
		Metrics:    rt.Metrics,
	})
	if sc != nil {
		for _, r := range sc.Robots {
			rt.Scenario.AddAgent(r.ID, r.Start)
		}
	}
	ctl.SetCallbacks(rt.callbacks())

	rt.Dispatcher = operator.NewDispatcher(operator.DispatcherDeps{
		Fleet:    ctl,
		Scenario: rt.Scenario,
		Board:    rt.Board,
		Tags:     rt.Perception,
		Grid:     rt.Board.Grid,
		CellCM:   board.CellCM,
		Modes:    modes,
		Presets:  cfg.Operator.Presets,
		Quit:     opts.Quit,
		Log:      log.With(logging.String("component", "operator")),
	})
	rt.Queue = operator.NewQueue(rt.Dispatcher, cfg.Operator.QueueSize)

	ok = true
	log.Info(ctx, "coordinator assembled",
		logging.Int("rows", board.Rows),
		logging.Int("cols", board.Cols),
		logging.Float("cell_cm", board.CellCM),
		logging.String("transport", cfg.Transport.Kind),
		logging.String("mode", rt.Scenario.ModeName()),
		logging.Bool("sim", rt.Sim != nil),
	)
	return rt, nil
}

func (rt *Runtime) openTransport(ctx context.Context) error {
	cfg := rt.Config.Transport
	var base transport.Publisher
	switch cfg.Kind {
	case config.TransportMQTT:
		m, err := transport.DialMQTT(ctx, cfg.MQTT, rt.log.With(logging.String("component", "mqtt")))
		if err != nil {
			return err
		}
		rt.mqtt, rt.sub, base = m, m, m
	default:
		rt.bus = transport.NewBus()
		rt.sub, base = rt.bus, rt.bus
	}
	rt.outbox = transport.NewOutbox(base, cfg.Outbox, rt.log.With(logging.String("component", "outbox")), rt.Metrics)
	return nil
}

// outboxBase is the raw publisher beneath the outbox. The simulated fleet
// reports through it directly.
func (rt *Runtime) outboxBase() transport.Publisher {
	if rt.mqtt != nil {
		return rt.mqtt
	}
	return rt.bus
}

func (rt *Runtime) callbacks() controller.Callbacks {
	ctx := context.Background()
	return controller.Callbacks{
		OnSequenceComplete: func(res controller.SequenceResult) {
			rt.record("sequence", rt.Journal.SequenceEnded(ctx, journal.SequenceRecord{
				ID:      res.ID,
				Outcome: string(res.Outcome),
				Steps:   res.Steps,
				EndedAt: rt.Clock.Now(),
			}))
			rt.Scenario.HandleSequenceComplete(ctx)
		},
		OnRobotComplete: func(rid int) {
			rt.Scenario.HandleRobotComplete(ctx, rid)
		},
		OnAlignmentComplete: func(rid int, _ controller.AlignMode) {
			rt.Scenario.HandleAlignmentComplete(ctx, rid)
		},
		OnAlignmentFailed: func(err *controller.AlignmentError) {
			rt.record("alignment failure", rt.Journal.AlignmentFailed(ctx, journal.AlignmentFailure{
				RobotID:  err.RobotID,
				Mode:     string(err.Mode),
				Attempts: err.Attempts,
				At:       rt.Clock.Now(),
			}))
			rt.Scenario.HandleAlignmentFailed(ctx, err.RobotID, err)
		},
	}
}

func (rt *Runtime) record(what string, err error) {
	if err != nil {
		rt.log.Warn(context.Background(), "journal append failed", logging.String("record", what), logging.Err(err))
	}
}

// Tick runs one perception cycle: board refresh, guard, release manager and
// scenario, in that order.
func (rt *Runtime) Tick(ctx context.Context) {
	snap := rt.Perception.Snapshot()
	visible := snap.VisibleIDs()
	rt.Board.Refresh(snap)
	rt.Guard.Tick(snap, visible)
	rt.Release.Tick(snap, visible)
	rt.Scenario.Tick(ctx)
}

// Run starts the background workers and the tick loop and blocks until ctx
// is cancelled or a worker fails. A cancelled context is not an error.
func (rt *Runtime) Run(ctx context.Context) error {
	done, err := rt.sub.Subscribe(rt.Config.Controller.Topics.Done, doneBuffer)
	if err != nil {
		return fmt.Errorf("runtime: subscribe done topic: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.outbox.Run(ctx) })
	g.Go(func() error { return sched.RunLoop(ctx, rt.Scheduler, schedulerPoll) })
	g.Go(func() error {
		return transport.Dispatch(ctx, done, func(m transport.Message) { rt.Controller.HandleMessage(ctx, m) })
	})
	g.Go(func() error { return rt.Queue.Run(ctx) })
	if rt.Sim != nil {
		g.Go(func() error { return rt.Sim.Run(ctx, rt.sub) })
	}

	tc := timectrl.NewTimeController(rt.Clock.Now(), rt.Config.Tick.Period, timectrl.RealTime)
	tc.AddListener(func(ctx context.Context, _ time.Time) { rt.Tick(ctx) })
	g.Go(func() error { return tc.Run(ctx, 0) })

	rt.log.Info(ctx, "coordinator running", logging.Duration("tick", rt.Config.Tick.Period))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the transport and the journal. It is safe to call more
// than once.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		if rt.outbox != nil {
			rt.outbox.Close()
		}
		if rt.mqtt != nil {
			rt.mqtt.Close()
		}
		if rt.bus != nil {
			rt.bus.Close()
		}
		if rt.Journal != nil {
			if err := rt.Journal.Close(); err != nil {
				rt.log.Warn(context.Background(), "journal close failed", logging.Err(err))
			}
		}
	})
}
