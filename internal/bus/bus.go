// Package bus implements the Transient Bus (spec §4.2): a pure wake
// mechanism with no durability assumptions. Message loss on the bus is
// tolerated by design — the Event Log is the system of record the Delivery
// Engine falls back to on every wake.
package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrBusNotStarted is returned by operations invoked before Start.
var ErrBusNotStarted = errors.New("transient bus not started")

// ErrBusClosed is returned by Wait once Stop has been called.
var ErrBusClosed = errors.New("transient bus closed")

// Cursor is a local listener registered on a channel via Subscribe. It
// carries no sequence state itself — the Delivery Engine tracks that — it
// is purely the handle Wait blocks on and Close releases.
type Cursor interface {
	// Channel returns the channel this cursor listens on.
	Channel() string
}

// Bus is the Transient Bus contract. Implementations must tolerate lost
// wakes: a Publish that nobody observes is not an error.
type Bus interface {
	// Start prepares the bus for Subscribe/Publish/Wait.
	Start(ctx context.Context) error

	// Stop releases all resources and unblocks any pending Wait calls with
	// ErrBusClosed.
	Stop(ctx context.Context) error

	// Subscribe opens a local listener on channel.
	Subscribe(channel string) (Cursor, error)

	// Close releases a Cursor obtained from Subscribe.
	Close(cursor Cursor)

	// Publish fans sequenceID out to every live Cursor on channel. It never
	// blocks the caller and never returns an error: a missed wake is
	// recovered by the Delivery Engine's next catch-up read.
	Publish(channel string, sequenceID int64)

	// Wait blocks until the next Publish on cursor's channel, ctx is
	// cancelled, or the bus is stopped. It returns (true, nil) on wake and
	// (false, nil) on ctx cancellation (the caller's wait budget elapsed).
	Wait(ctx context.Context, cursor Cursor) (bool, error)
}

// memCursor is the MemoryBus's Cursor implementation: a buffered wake
// channel registered under one topic.
type memCursor struct {
	channel string
	wake    chan struct{}
}

func (c *memCursor) Channel() string { return c.channel }

// MemoryBus is an in-process Transient Bus: Publish performs a best-effort,
// non-blocking fan-out to every Cursor currently registered on a channel,
// following the same "signal, don't enqueue" notification idiom as the
// Notify() channel in modules/eventbus/durable_memory.go's durableQueue —
// except here there is no backing queue at all, only the wake signal.
type MemoryBus struct {
	mu      sync.RWMutex
	started bool
	done    chan struct{}

	listeners map[string]map[*memCursor]struct{}
}

// NewMemoryBus constructs a MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{listeners: make(map[string]map[*memCursor]struct{})}
}

// Start implements Bus.
func (b *MemoryBus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	b.done = make(chan struct{})
	return nil
}

// Stop implements Bus.
func (b *MemoryBus) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	close(b.done)
	b.started = false
	b.listeners = make(map[string]map[*memCursor]struct{})
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(channel string) (Cursor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, ErrBusNotStarted
	}

	c := &memCursor{channel: channel, wake: make(chan struct{}, 1)}
	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[*memCursor]struct{})
	}
	b.listeners[channel][c] = struct{}{}
	return c, nil
}

// Close implements Bus.
func (b *MemoryBus) Close(cursor Cursor) {
	c, ok := cursor.(*memCursor)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.listeners[c.channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.listeners, c.channel)
		}
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(channel string, _ int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.listeners[channel] {
		select {
		case c.wake <- struct{}{}:
		default:
			// Listener already has a pending wake; fine to coalesce.
		}
	}
}

// Wait implements Bus.
func (b *MemoryBus) Wait(ctx context.Context, cursor Cursor) (bool, error) {
	c, ok := cursor.(*memCursor)
	if !ok {
		return false, errors.New("cursor does not belong to MemoryBus")
	}

	b.mu.RLock()
	done := b.done
	b.mu.RUnlock()
	if done == nil {
		return false, ErrBusNotStarted
	}

	select {
	case <-c.wake:
		return true, nil
	case <-done:
		return false, ErrBusClosed
	case <-ctx.Done():
		return false, nil
	}
}
