package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsCursor wraps a core NATS subscription delivered through a Go channel,
// the same inbound-channel pattern modules/eventbus/nats.go uses for its
// own subscriptions.
type natsCursor struct {
	channel string
	sub     *nats.Subscription
	msgs    chan *nats.Msg
}

func (c *natsCursor) Channel() string { return c.channel }

// NATSBus is a network-wide Transient Bus backed by core NATS (no
// JetStream): exactly the "fan-out notifier, lost wakes acceptable"
// contract the spec calls for, since core NATS pub/sub has no persistence
// or redelivery of its own — durability still comes entirely from the
// Event Log. Grounded on modules/eventbus/nats.go's connection handling.
type NATSBus struct {
	url string

	mu      sync.Mutex
	conn    *nats.Conn
	started bool
}

// NewNATSBus constructs a NATSBus that will dial url on Start.
func NewNATSBus(url string) *NATSBus {
	return &NATSBus{url: url}
}

// Start implements Bus.
func (b *NATSBus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	conn, err := nats.Connect(b.url, nats.Name("kernelci-api-transient-bus"))
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", b.url, err)
	}
	b.conn = conn
	b.started = true
	return nil
}

// Stop implements Bus. It closes the NATS connection only: unlike
// MemoryBus, it does not unblock a pending Wait with ErrBusClosed; such a
// Wait returns when its ctx is done.
func (b *NATSBus) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.conn.Close()
	b.started = false
	return nil
}

func (b *NATSBus) subject(channel string) string {
	return "kernelci.bus." + channel
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(channel string) (Cursor, error) {
	b.mu.Lock()
	conn := b.conn
	started := b.started
	b.mu.Unlock()
	if !started {
		return nil, ErrBusNotStarted
	}

	msgs := make(chan *nats.Msg, 16)
	sub, err := conn.ChanSubscribe(b.subject(channel), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return &natsCursor{channel: channel, sub: sub, msgs: msgs}, nil
}

// Close implements Bus.
func (b *NATSBus) Close(cursor Cursor) {
	c, ok := cursor.(*natsCursor)
	if !ok {
		return
	}
	_ = c.sub.Unsubscribe()
}

// Publish implements Bus.
func (b *NATSBus) Publish(channel string, sequenceID int64) {
	b.mu.Lock()
	conn := b.conn
	started := b.started
	b.mu.Unlock()
	if !started {
		return
	}
	// The payload carries the sequence id purely as a hint; listeners
	// always re-derive truth from the Event Log on wake, so a publish
	// failure here is not propagated as an error.
	_ = conn.Publish(b.subject(channel), []byte(fmt.Sprintf("%d", sequenceID)))
}

// Wait implements Bus.
func (b *NATSBus) Wait(ctx context.Context, cursor Cursor) (bool, error) {
	c, ok := cursor.(*natsCursor)
	if !ok {
		return false, errors.New("cursor does not belong to NATSBus")
	}

	select {
	case _, ok := <-c.msgs:
		if !ok {
			return false, ErrBusClosed
		}
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}
