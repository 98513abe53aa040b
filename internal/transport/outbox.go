package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
)

// RetryConfig configures exponential backoff for outbox deliveries.
type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// BreakerConfig configures the outbox circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// OutboxConfig configures an Outbox.
type OutboxConfig struct {
	QueueSize int           `mapstructure:"queue_size"`
	Retry     RetryConfig   `mapstructure:"retry"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// DefaultOutboxConfig returns defaults suited to a LAN broker: commands are
// only useful for a few seconds, so retries give up quickly.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		QueueSize: 1024,
		Retry: RetryConfig{
			InitialInterval:     50 * time.Millisecond,
			MaxInterval:         time.Second,
			MaxElapsedTime:      5 * time.Second,
			Multiplier:          2.0,
			RandomizationFactor: 0.2,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         10 * time.Second,
			HalfOpenRequests:    1,
		},
	}
}

// Outbox queues messages and delivers them in order through the wrapped
// Publisher. Publish never blocks on the network.
type Outbox struct {
	next    Publisher
	cfg     OutboxConfig
	breaker *gobreaker.CircuitBreaker
	log     logging.Logger
	metrics *observability.FleetCollector

	queue chan Message

	mu     sync.RWMutex
	closed bool
}

// NewOutbox wraps next. Call Run to start delivery.
func NewOutbox(next Publisher, cfg OutboxConfig, log logging.Logger, metrics *observability.FleetCollector) *Outbox {
	def := DefaultOutboxConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker = def.Breaker
	}
	log = logging.OrNoop(log)

	o := &Outbox{
		next:    next,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		queue:   make(chan Message, cfg.QueueSize),
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox",
		MaxRequests: cfg.Breaker.HalfOpenRequests,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "outbox breaker state change",
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return o
}

// Publish enqueues the message for delivery.
func (o *Outbox) Publish(_ context.Context, topic string, payload []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	select {
	case o.queue <- msg:
		o.metrics.SetOutboxDepth(len(o.queue))
		return nil
	default:
		o.metrics.IncOutboxDropped()
		return ErrQueueFull
	}
}

// Depth reports queued messages.
func (o *Outbox) Depth() int { return len(o.queue) }

// Close stops accepting messages. Run drains what is queued and returns.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}

// Run delivers queued messages until ctx is done or the outbox is closed
// and drained.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-o.queue:
			if !ok {
				return nil
			}
			o.metrics.SetOutboxDepth(len(o.queue))
			if err := o.deliver(ctx, msg); err != nil {
				o.metrics.IncOutboxDropped()
				o.log.Error(ctx, "outbox delivery failed",
					logging.String("topic", msg.Topic),
					logging.Err(err),
				)
			}
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, msg Message) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, err := o.breaker.Execute(func() (interface{}, error) {
			return nil, o.next.Publish(ctx, msg.Topic, msg.Payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrBreakerOpen)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.Retry.InitialInterval
	policy.MaxInterval = o.cfg.Retry.MaxInterval
	policy.MaxElapsedTime = o.cfg.Retry.MaxElapsedTime
	if o.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = o.cfg.Retry.Multiplier
	}
	policy.RandomizationFactor = o.cfg.Retry.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
