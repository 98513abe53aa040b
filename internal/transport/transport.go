// Package transport carries command payloads to robots and completion
// reports back. Publishers are fire-and-forget from the caller's point of
// view; the Outbox adds ordered delivery with retry and a circuit breaker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrClosed is returned after a publisher or bus has been closed.
	ErrClosed = errors.New("transport closed")
	// ErrBreakerOpen is returned while the outbox circuit breaker is open.
	ErrBreakerOpen = errors.New("transport circuit breaker open")
	// ErrQueueFull is returned when the outbox cannot accept more messages.
	ErrQueueFull = errors.New("transport outbox full")
)

// Message is one payload on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages for a topic on a buffered channel. Messages
// are dropped when the channel is full.
type Subscriber interface {
	Subscribe(topic string, bufSize int) (<-chan Message, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, payload []byte) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// Topics names the topics shared with the fleet firmware.
type Topics struct {
	Commands      string `mapstructure:"commands"`
	Done          string `mapstructure:"done"`
	ControlPrefix string `mapstructure:"control_prefix"`
}

// DefaultTopics returns the firmware defaults.
func DefaultTopics() Topics {
	return Topics{
		Commands:      "robot/commands",
		Done:          "robot/done",
		ControlPrefix: "robot",
	}
}

// Control returns the per-robot control topic, e.g. "robot/3/cmd".
func (t Topics) Control(rid int) string {
	return fmt.Sprintf("%s/%d/cmd", t.ControlPrefix, rid)
}

// ParseControl extracts the robot id from a per-robot control topic.
func (t Topics) ParseControl(topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, t.ControlPrefix+"/")
	if !ok {
		return 0, false
	}
	idStr, ok := strings.CutSuffix(rest, "/cmd")
	if !ok {
		return 0, false
	}
	rid, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, false
	}
	return rid, true
}

// Dispatch reads msgs until ctx is done or the channel closes, invoking fn
// for each message.
func Dispatch(ctx context.Context, msgs <-chan Message, fn func(Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			fn(m)
		}
	}
}
