package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// FleetCollector bundles the coordinator's Prometheus metrics. All helper
// methods are nil-safe so components can run without metrics.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	CommandsPublished *prometheus.CounterVec
	StepsCompleted    prometheus.Counter
	Sequences         *prometheus.CounterVec
	YieldHolds        *prometheus.CounterVec
	GuardStops        *prometheus.CounterVec
	ReleaseTokens     prometheus.Counter
	AlignmentRetries  *prometheus.CounterVec
	AlignmentFailures prometheus.Counter
	PlanDuration      prometheus.Histogram
	PlanRounds        *prometheus.CounterVec
	OutboxDepth       prometheus.Gauge
	OutboxDropped     prometheus.Counter
	LatchedRobots     prometheus.Gauge
}

// NewFleetCollector registers the fleet metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &FleetCollector{gatherer: gatherer}
	var err error

	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_operator_requests_total",
		Help: "Total number of handled operator RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "fleet_operator_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_operator_request_duration_seconds",
		Help:    "Operator RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "fleet_operator_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.CommandsPublished, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_published_total",
		Help: "Commands handed to the transport, labeled by topic and command kind.",
	}, []string{"topic", "kind"}), "fleet_commands_published_total"); err != nil {
		return nil, err
	}
	if c.StepsCompleted, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_steps_completed_total",
		Help: "Barrier steps completed by the robot controller.",
	}), "fleet_steps_completed_total"); err != nil {
		return nil, err
	}
	if c.Sequences, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_sequences_total",
		Help: "Dispatch sequences finished, labeled by outcome.",
	}, []string{"outcome"}), "fleet_sequences_total"); err != nil {
		return nil, err
	}
	if c.YieldHolds, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_yield_holds_total",
		Help: "Commands held back by a dispatch gate, labeled by gate.",
	}, []string{"gate"}), "fleet_yield_holds_total"); err != nil {
		return nil, err
	}
	if c.GuardStops, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_guard_stops_total",
		Help: "Robots stopped by the collision guard, labeled by reason.",
	}, []string{"reason"}), "fleet_guard_stops_total"); err != nil {
		return nil, err
	}
	if c.ReleaseTokens, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_release_tokens_total",
		Help: "Release tokens issued to latched robots.",
	}), "fleet_release_tokens_total"); err != nil {
		return nil, err
	}
	if c.AlignmentRetries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_alignment_retries_total",
		Help: "Alignment corrections re-issued after a failed check, labeled by mode.",
	}, []string{"mode"}), "fleet_alignment_retries_total"); err != nil {
		return nil, err
	}
	if c.AlignmentFailures, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_alignment_failures_total",
		Help: "Alignments abandoned after exhausting the retry budget.",
	}), "fleet_alignment_failures_total"); err != nil {
		return nil, err
	}
	if c.PlanDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_plan_duration_seconds",
		Help:    "Duration of multi-agent path planning rounds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "fleet_plan_duration_seconds"); err != nil {
		return nil, err
	}
	if c.PlanRounds, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_plan_rounds_total",
		Help: "Planning rounds, labeled by outcome.",
	}, []string{"outcome"}), "fleet_plan_rounds_total"); err != nil {
		return nil, err
	}
	if c.OutboxDepth, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_outbox_depth",
		Help: "Messages waiting in the transport outbox.",
	}), "fleet_outbox_depth"); err != nil {
		return nil, err
	}
	if c.OutboxDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_outbox_dropped_total",
		Help: "Messages dropped by the outbox after retries were exhausted.",
	}), "fleet_outbox_dropped_total"); err != nil {
		return nil, err
	}
	if c.LatchedRobots, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_latched_robots",
		Help: "Robots currently latched by the collision guard.",
	}), "fleet_latched_robots"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FleetCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *FleetCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FleetCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *FleetCollector) IncCommandsPublished(topic, kind string) {
	if c == nil || c.CommandsPublished == nil {
		return
	}
	c.CommandsPublished.WithLabelValues(topic, kind).Inc()
}

func (c *FleetCollector) IncStepsCompleted() {
	if c == nil || c.StepsCompleted == nil {
		return
	}
	c.StepsCompleted.Inc()
}

// IncSequences counts a finished sequence; outcome is "completed",
// "paused" or "stopped".
func (c *FleetCollector) IncSequences(outcome string) {
	if c == nil || c.Sequences == nil {
		return
	}
	c.Sequences.WithLabelValues(outcome).Inc()
}

func (c *FleetCollector) IncYieldHolds(gate string) {
	if c == nil || c.YieldHolds == nil {
		return
	}
	c.YieldHolds.WithLabelValues(gate).Inc()
}

func (c *FleetCollector) IncGuardStops(reason string) {
	if c == nil || c.GuardStops == nil {
		return
	}
	c.GuardStops.WithLabelValues(reason).Inc()
}

func (c *FleetCollector) IncReleaseTokens() {
	if c == nil || c.ReleaseTokens == nil {
		return
	}
	c.ReleaseTokens.Inc()
}

func (c *FleetCollector) IncAlignmentRetries(mode string) {
	if c == nil || c.AlignmentRetries == nil {
		return
	}
	c.AlignmentRetries.WithLabelValues(mode).Inc()
}

func (c *FleetCollector) IncAlignmentFailures() {
	if c == nil || c.AlignmentFailures == nil {
		return
	}
	c.AlignmentFailures.Inc()
}

// ObservePlan records one planning round.
func (c *FleetCollector) ObservePlan(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	if c.PlanDuration != nil {
		c.PlanDuration.Observe(d.Seconds())
	}
	if c.PlanRounds != nil {
		c.PlanRounds.WithLabelValues(outcome).Inc()
	}
}

func (c *FleetCollector) SetOutboxDepth(n int) {
	if c == nil || c.OutboxDepth == nil {
		return
	}
	c.OutboxDepth.Set(float64(n))
}

func (c *FleetCollector) IncOutboxDropped() {
	if c == nil || c.OutboxDropped == nil {
		return
	}
	c.OutboxDropped.Inc()
}

func (c *FleetCollector) SetLatchedRobots(n int) {
	if c == nil || c.LatchedRobots == nil {
		return
	}
	c.LatchedRobots.Set(float64(n))
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
