// Package channel provides single-use waiters over one category's event
// stream. A Channel subscribes when it is created, buffers everything it
// receives, and serves exactly one successful wait before closing itself.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/queue"
	"github.com/tradebridge/tradebridge/internal/transport"
)

// ErrChannelClosed is returned when waiting on a channel that already
// delivered its match or was closed. Create a new channel for new events.
var ErrChannelClosed = errors.New("channel is already closed; create a new channel for new events")

// State is the lifecycle state of a Channel.
type State int

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a single-use waiter bound to one named transport channel.
type Channel struct {
	name  string
	queue *queue.Queue

	waitMu sync.Mutex // one wait at a time
	mu     sync.Mutex
	state  State
}

// New subscribes to the channel of the given category.
func New(c transport.Connector, category envelope.Category) (*Channel, error) {
	name := category.ChannelName()
	if name == "" {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	return NewNamed(c, name)
}

// NewNamed subscribes to an arbitrary channel name.
func NewNamed(c transport.Connector, name string) (*Channel, error) {
	sub, err := c.Connect(name)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	return &Channel{
		name:  name,
		queue: queue.New(sub),
		state: Open,
	}, nil
}

// NewConfirms subscribes to deal confirmations.
func NewConfirms(c transport.Connector) (*Channel, error) { return New(c, envelope.Confirms) }

// NewOPU subscribes to open position updates.
func NewOPU(c transport.Connector) (*Channel, error) { return New(c, envelope.OPU) }

// NewWOU subscribes to working order updates.
func NewWOU(c transport.Connector) (*Channel, error) { return New(c, envelope.WOU) }

// Name returns the transport channel name.
func (c *Channel) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the background receive goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.queue.Done() }

// WaitEvent blocks until an envelope arrives whose field key equals value.
// Every envelope taken before the match is discarded. On a match the channel
// closes and the envelope is returned.
func (c *Channel) WaitEvent(ctx context.Context, key string, value any) (envelope.Envelope, error) {
	log.Printf("channel: wait on %s for %s == %v", c.name, key, value)
	return c.Wait(ctx, func(ev envelope.Envelope) bool {
		got, ok := ev.Get(key)
		return ok && envelope.Equal(got, value)
	})
}

// Wait blocks until match reports true for a dequeued envelope. If ctx ends
// first the channel stays open; envelopes already discarded are not
// restored.
func (c *Channel) Wait(ctx context.Context, match func(envelope.Envelope) bool) (envelope.Envelope, error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	if c.State() == Closed {
		return envelope.Envelope{}, ErrChannelClosed
	}

	for {
		ev, err := c.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return envelope.Envelope{}, err
			}
			// The receive goroutine is gone; nothing more can arrive.
			closedByCaller := c.State() == Closed
			c.close()
			if closedByCaller {
				return envelope.Envelope{}, ErrChannelClosed
			}
			return envelope.Envelope{}, fmt.Errorf("wait on %s: %w", c.name, err)
		}
		if match(ev) {
			c.close()
			return ev, nil
		}
	}
}

// Close releases the subscription without waiting for a match. It is safe
// to call more than once.
func (c *Channel) Close() error {
	return c.close()
}

func (c *Channel) close() error {
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	return c.queue.Stop()
}
