// Package release resolves guard latches. When robots stay latched the
// manager opens an incident, waits out an arming delay and then hands a
// single release token to one robot whose straight path to its step goal is
// clear. Only the token holder is exempt from the guard at any instant.
package release

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/fleet-coordinator/internal/command"
	"github.com/signalsfoundry/fleet-coordinator/internal/geom"
	"github.com/signalsfoundry/fleet-coordinator/internal/guard"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/sched"
	"github.com/signalsfoundry/fleet-coordinator/internal/transport"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

// Policy tunes the release manager.
type Policy struct {
	ArmingDelay  time.Duration `mapstructure:"arming_delay"`
	ManageWindow time.Duration `mapstructure:"manage_window"`
	// ReSpacing separates the RE directive from the goal command.
	ReSpacing time.Duration `mapstructure:"re_spacing"`
	// CorridorHalfCM is the swept half width of a released robot. Zero uses
	// the guard collision radius.
	CorridorHalfCM float64 `mapstructure:"corridor_half_cm"`
	GoalReachEpsCM float64 `mapstructure:"goal_reach_eps_cm"`
}

// DefaultPolicy returns the stock tuning.
func DefaultPolicy() Policy {
	return Policy{
		ArmingDelay:    time.Second,
		ManageWindow:   1250 * time.Millisecond,
		ReSpacing:      100 * time.Millisecond,
		GoalReachEpsCM: 3,
	}
}

// holdRefresh is how far each tick extends the holder's suppression.
const holdRefresh = 200 * time.Millisecond

// Guard is the part of the collision guard the manager drives.
type Guard interface {
	Config() guard.Config
	Latched() []int
	Unlatch(ids ...int)
	SuppressFor(rid int, d time.Duration)
	ClearSuppression(rid int)
}

// Mover sends released robots on to their step goals.
type Mover interface {
	StepGoalCM(rid int) (geom.Vec2, bool)
	GoToStepGoal(ids []int)
}

// Recorder keeps incident history. All methods may be called from the tick
// goroutine and must not block for long.
type Recorder interface {
	IncidentStarted(ctx context.Context, inc Incident) error
	IncidentEnded(ctx context.Context, inc Incident) error
	TokenIssued(ctx context.Context, incidentID string, rid int, at time.Time) error
}

// Incident is a read-only view of the active incident.
type Incident struct {
	ID        string
	Cluster   []int
	StartedAt time.Time
	ArmedAt   time.Time
	// Holder is the robot holding the token when HasHolder is set.
	Holder    int
	HasHolder bool
	Tokens    int
	// EndedAt is set on the view handed to IncidentEnded.
	EndedAt   time.Time
}

type incident struct {
	id        string
	cluster   []int
	startedAt time.Time
	armedAt   time.Time
	holder    int
	hasHolder bool
	tokenAt   time.Time
	tokens    int
	positions map[int]geom.Vec2
}

func (i *incident) view() Incident {
	return Incident{
		ID:        i.id,
		Cluster:   append([]int(nil), i.cluster...),
		StartedAt: i.startedAt,
		ArmedAt:   i.armedAt,
		Holder:    i.holder,
		HasHolder: i.hasHolder,
		Tokens:    i.tokens,
	}
}

// Deps wires the manager to the rest of the coordinator.
type Deps struct {
	Guard     Guard
	Mover     Mover
	Publisher transport.Publisher
	Topics    transport.Topics
	Scheduler sched.EventScheduler
	Recorder  Recorder
	Log       logging.Logger
	Metrics   *observability.FleetCollector
}

// Manager runs release incidents. It is safe for concurrent use.
type Manager struct {
	policy  Policy
	guard   Guard
	mover   Mover
	pub     transport.Publisher
	topics  transport.Topics
	sched   sched.EventScheduler
	rec     Recorder
	log     logging.Logger
	metrics *observability.FleetCollector

	mu       sync.Mutex
	incident *incident
}

// New builds a manager.
func New(policy Policy, deps Deps) *Manager {
	return &Manager{
		policy:  policy,
		guard:   deps.Guard,
		mover:   deps.Mover,
		pub:     deps.Publisher,
		topics:  deps.Topics,
		sched:   deps.Scheduler,
		rec:     deps.Recorder,
		log:     logging.OrNoop(deps.Log),
		metrics: deps.Metrics,
	}
}

// Policy returns the manager tuning.
func (m *Manager) Policy() Policy { return m.policy }

// Active returns the running incident.
func (m *Manager) Active() (Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incident == nil {
		return Incident{}, false
	}
	return m.incident.view(), true
}

// Tick advances the incident state machine by one perception refresh.
// visible lists the robots whose tags are On in snap.
func (m *Manager) Tick(snap model.TagSnapshot, visible []int) {
	var after []func()
	m.mu.Lock()
	after = m.tickLocked(snap, visible)
	m.mu.Unlock()
	for _, f := range after {
		f()
	}
}

func (m *Manager) tickLocked(snap model.TagSnapshot, visible []int) []func() {
	now := m.sched.Now()
	latched := make(map[int]bool)
	for _, rid := range m.guard.Latched() {
		latched[rid] = true
	}

	if m.incident == nil {
		var seen []int
		for _, rid := range visible {
			if latched[rid] {
				seen = append(seen, rid)
			}
		}
		if len(seen) == 0 {
			return nil
		}
		sort.Ints(seen)
		return m.startLocked(snap, seen, now)
	}

	inc := m.incident
	var still []int
	for _, rid := range inc.cluster {
		if latched[rid] {
			still = append(still, rid)
		}
	}
	if len(still) == 0 {
		return m.stopLocked("cluster cleared")
	}
	inc.cluster = still

	if now.Before(inc.armedAt) {
		return nil
	}
	if inc.hasHolder {
		m.manageLocked(snap, now)
		return nil
	}

	passers := m.passersLocked(snap, inc.cluster)
	if len(passers) == 0 {
		return nil
	}
	return m.issueLocked(passers[0], now)
}

func (m *Manager) startLocked(snap model.TagSnapshot, seen []int, now time.Time) []func() {
	rc := m.guard.Config().CollisionRadiusCM
	seed := seen
	if clusters := guard.Clusters(snap, seen, 2*rc); len(clusters) > 0 {
		seed = clusters[0]
	}
	inc := &incident{
		id:        uuid.NewString(),
		cluster:   append([]int(nil), seed...),
		startedAt: now,
		armedAt:   now.Add(m.policy.ArmingDelay),
		positions: make(map[int]geom.Vec2, len(seed)),
	}
	for _, rid := range seed {
		if tag, ok := snap.Visible(rid); ok {
			inc.positions[rid] = tag.PositionCM
		}
	}
	m.incident = inc
	m.log.Info(context.Background(), "release incident opened",
		logging.String("incident_id", inc.id),
		logging.Any("cluster", inc.cluster),
		logging.Duration("arming", m.policy.ArmingDelay),
	)
	view := inc.view()
	return []func(){func() { m.record("start", func(ctx context.Context) error { return m.rec.IncidentStarted(ctx, view) }) }}
}

func (m *Manager) stopLocked(why string) []func() {
	inc := m.incident
	m.incident = nil
	if inc.hasHolder {
		m.guard.ClearSuppression(inc.holder)
	}
	m.log.Info(context.Background(), "release incident closed",
		logging.String("incident_id", inc.id),
		logging.String("reason", why),
		logging.Int("tokens", inc.tokens),
	)
	view := inc.view()
	view.EndedAt = m.sched.Now()
	return []func(){func() { m.record("end", func(ctx context.Context) error { return m.rec.IncidentEnded(ctx, view) }) }}
}

// manageLocked keeps the holder exempt until its window closes or it
// reaches its goal, whichever comes first.
func (m *Manager) manageLocked(snap model.TagSnapshot, now time.Time) {
	inc := m.incident
	rid := inc.holder
	end := inc.tokenAt.Add(m.policy.ManageWindow)
	if !now.Before(end) {
		m.endTokenLocked("window expired")
		return
	}
	if tag, ok := snap.Visible(rid); ok {
		if goal, ok := m.mover.StepGoalCM(rid); ok && tag.PositionCM.DistanceTo(goal) <= m.policy.GoalReachEpsCM {
			m.endTokenLocked("goal reached")
			return
		}
	}
	m.guard.SuppressFor(rid, min(holdRefresh, end.Sub(now)))
}

func (m *Manager) endTokenLocked(why string) {
	inc := m.incident
	m.guard.ClearSuppression(inc.holder)
	m.log.Info(context.Background(), "release token returned",
		logging.String("incident_id", inc.id),
		logging.Robot(inc.holder),
		logging.String("reason", why),
	)
	inc.hasHolder = false
	inc.holder = 0
}

// passersLocked returns, in id order, the cluster members whose corridor to
// their step goal is clear. A member without a goal blocks but never passes.
func (m *Manager) passersLocked(snap model.TagSnapshot, cluster []int) []int {
	gcfg := m.guard.Config()
	rc := gcfg.CollisionRadiusCM
	half := m.policy.CorridorHalfCM
	if half <= 0 {
		half = rc
	}
	pos := make(map[int]geom.Vec2, len(cluster))
	for _, rid := range cluster {
		if tag, ok := snap.Visible(rid); ok {
			pos[rid] = tag.PositionCM
		}
	}
	var out []int
	for _, rid := range cluster {
		p, ok := pos[rid]
		if !ok {
			continue
		}
		goal, ok := m.mover.StepGoalCM(rid)
		if !ok {
			continue
		}
		if corridorClear(p, goal, half, rid, pos, rc, snap.Obstacles, gcfg.ObstacleRadiusCM) {
			out = append(out, rid)
		}
	}
	sort.Ints(out)
	return out
}

// corridorClear tests the capsule swept from p to goal against the other
// robots and the obstacles. Robots behind the start point cannot be struck
// by a forward move and are ignored; every latched neighbour sits inside the
// start cap, so testing them would block the whole cluster.
func corridorClear(p, goal geom.Vec2, half float64, self int, pos map[int]geom.Vec2, rc float64, obstacles []model.Obstacle, defaultObsR float64) bool {
	dir := goal.Sub(p)
	for rid, q := range pos {
		if rid == self {
			continue
		}
		if dir.Dot(q.Sub(p)) <= 0 {
			continue
		}
		if !geom.CapsulesDisjoint(p, goal, half, q, q, rc) {
			return false
		}
	}
	for _, o := range obstacles {
		r := o.RadiusCM
		if r <= 0 {
			r = defaultObsR
		}
		if !geom.CapsuleCircleDisjoint(p, goal, half, o.Center(), r) {
			return false
		}
	}
	return true
}

// issueLocked hands the token to rid: suppress it for the window, send RE,
// and after the spacing delay drive it to its goal and drop its latch.
func (m *Manager) issueLocked(rid int, now time.Time) []func() {
	inc := m.incident
	inc.holder = rid
	inc.hasHolder = true
	inc.tokenAt = now
	inc.tokens++
	m.guard.SuppressFor(rid, m.policy.ManageWindow)
	m.metrics.IncReleaseTokens()
	m.log.Info(context.Background(), "release token issued",
		logging.String("incident_id", inc.id),
		logging.Robot(rid),
		logging.Int("token", inc.tokens),
	)

	id := inc.id
	sched.After(m.sched, m.policy.ReSpacing, func() { m.sendOn(id, rid) })

	topic := m.topics.Control(rid)
	return []func(){
		func() {
			if err := m.pub.Publish(context.Background(), topic, []byte(command.Resume)); err != nil {
				m.log.Warn(context.Background(), "release publish failed",
					logging.Robot(rid),
					logging.String("topic", topic),
					logging.Err(err),
				)
				return
			}
			m.metrics.IncCommandsPublished(topic, "control")
		},
		func() {
			m.record("token", func(ctx context.Context) error { return m.rec.TokenIssued(ctx, id, rid, now) })
		},
	}
}

// sendOn is the delayed half of a token grant. It is dropped when the
// incident or the token has moved on.
func (m *Manager) sendOn(incidentID string, rid int) {
	m.mu.Lock()
	inc := m.incident
	ok := inc != nil && inc.id == incidentID && inc.hasHolder && inc.holder == rid
	m.mu.Unlock()
	if !ok {
		return
	}
	m.mover.GoToStepGoal([]int{rid})
	m.guard.Unlatch(rid)
}

func (m *Manager) record(what string, f func(context.Context) error) {
	if m.rec == nil {
		return
	}
	if err := f(context.Background()); err != nil {
		m.log.Warn(context.Background(), "release journal write failed",
			logging.String("event", what),
			logging.Err(err),
		)
	}
}
