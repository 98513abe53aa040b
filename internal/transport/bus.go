package transport

import (
	"context"
	"sync"
)

// Bus is an in-process pub-sub broker used by the simulator and tests. It
// implements Publisher and Subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Message)}
}

// Subscribe returns a channel receiving messages published to topic.
// bufSize defaults to 256 when <= 0.
func (b *Bus) Subscribe(topic string, bufSize int) (<-chan Message, error) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Message, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch, nil
}

// Publish delivers payload to every subscriber of topic without blocking;
// a full subscriber misses the message.
func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}
